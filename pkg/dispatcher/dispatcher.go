// Package dispatcher routes decoded user messages to loaded agents and
// their replies back to the originating channel.
package dispatcher

import (
	"context"
	"sync"

	"github.com/kairon-chat/kairon/pkg/bus"
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// AgentMessage is the enriched turn input handed to an agent.
type AgentMessage struct {
	Bot      string
	Sender   string
	Text     string
	Metadata map[string]string
	MediaIDs []string
}

// AgentReply is one ordered reply element from an agent.
type AgentReply struct {
	Type    channels.ElementType
	Text    string
	URL     string
	Buttons []channels.Button
	Payload interface{}
}

// toElement converts a reply to the channel encoder's element shape.
func (r AgentReply) toElement() channels.Element {
	return channels.Element{
		Type:    r.Type,
		Text:    r.Text,
		URL:     r.URL,
		Buttons: r.Buttons,
		Payload: r.Payload,
	}
}

// Dispatcher consumes inbound bus messages, runs the bot's agent and
// publishes the replies outbound. One dispatcher serves all bots; agents
// come from the LRU cache.
type Dispatcher struct {
	bus    *bus.MessageBus
	cache  *AgentCache
	sender *channels.Sender
	media  *MediaStore
	events domain.EventBus

	wg sync.WaitGroup
}

// New creates a dispatcher. media may be nil to disable media persistence.
func New(mb *bus.MessageBus, cache *AgentCache, sender *channels.Sender, media *MediaStore, events domain.EventBus) *Dispatcher {
	return &Dispatcher{bus: mb, cache: cache, sender: sender, media: media, events: events}
}

// Start launches the inbound and outbound loops. They exit when ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(2)
	go func() {
		defer d.wg.Done()
		d.inboundLoop(ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.outboundLoop(ctx)
	}()
}

// Wait blocks until both loops have exited.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) inboundLoop(ctx context.Context) {
	for {
		msg, ok := d.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		d.handleInbound(ctx, msg)
	}
}

func (d *Dispatcher) handleInbound(ctx context.Context, in bus.InboundMessage) {
	um := in.Message
	if um == nil {
		return
	}
	d.bus.PublishSystem(bus.SystemEvent{
		Type:   "message.received",
		Source: "dispatcher",
		Data: map[string]string{
			"bot": um.Bot, "sender": um.Sender, "channel": string(um.Channel),
		},
	})

	agent, err := d.cache.Get(ctx, um.Bot)
	if err != nil {
		logger.ErrorCF("dispatcher", "Agent load failed", map[string]interface{}{
			"bot": um.Bot, "error": err.Error(),
		})
		if d.events != nil {
			d.events.Publish(domain.NewEvent(domain.EventAgentError, domain.EntityID(um.Bot), err.Error()))
		}
		return
	}

	metadata := d.enrich(um)
	if d.media != nil && len(um.MediaIDs) > 0 {
		// Provider media expires; persist it before the agent turn.
		for _, id := range um.MediaIDs {
			path, err := d.media.Persist(ctx, in.Config, id)
			if err != nil {
				logger.WarnCF("dispatcher", "Media persistence failed", map[string]interface{}{
					"bot": um.Bot, "media_id": id, "error": err.Error(),
				})
				continue
			}
			metadata["media_"+id] = path
		}
	}

	replies, err := agent.HandleMessage(ctx, &AgentMessage{
		Bot:      um.Bot,
		Sender:   um.Sender,
		Text:     um.Text,
		Metadata: metadata,
		MediaIDs: um.MediaIDs,
	})
	if err != nil {
		logger.ErrorCF("dispatcher", "Agent turn failed", map[string]interface{}{
			"bot": um.Bot, "sender": um.Sender, "error": err.Error(),
		})
		if d.events != nil {
			d.events.Publish(domain.NewEvent(domain.EventAgentError, domain.EntityID(um.Bot), err.Error()))
		}
		return
	}
	if len(replies) == 0 {
		return
	}

	elements := make([]channels.Element, 0, len(replies))
	for _, r := range replies {
		elements = append(elements, r.toElement())
	}
	d.bus.PublishOutbound(bus.OutboundMessage{
		Response: &channels.Response{Recipient: um.Sender, Elements: elements},
		Config:   in.Config,
		Bot:      um.Bot,
	})
	if d.events != nil {
		d.events.Publish(domain.NewEvent(domain.EventAgentResponded, domain.EntityID(um.Bot), um.Sender))
	}
}

// enrich builds the per-turn metadata the agent sees alongside whatever the
// channel decoder captured.
func (d *Dispatcher) enrich(um *channels.UserMessage) map[string]string {
	metadata := map[string]string{
		"bot":                 um.Bot,
		"account":             um.Bot,
		"is_integration_user": "true",
		"channel_type":        string(um.Channel),
		"tabname":             "default",
	}
	for k, v := range um.Metadata {
		metadata[k] = v
	}
	return metadata
}

func (d *Dispatcher) outboundLoop(ctx context.Context) {
	for {
		msg, ok := d.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if msg.Response == nil || msg.Config == nil {
			continue
		}
		if err := d.sender.Send(ctx, msg.Config, msg.Response); err != nil {
			logger.ErrorCF("dispatcher", "Outbound send failed", map[string]interface{}{
				"bot": msg.Bot, "channel": string(msg.Config.Type), "error": err.Error(),
			})
			if d.events != nil {
				d.events.Publish(domain.NewEvent(domain.EventMessageFailed, domain.EntityID(msg.Bot), err.Error()))
			}
			d.bus.PublishSystem(bus.SystemEvent{
				Type:   "message.failed",
				Source: "dispatcher",
				Data: map[string]string{
					"bot": msg.Bot, "channel": string(msg.Config.Type), "error": err.Error(),
				},
			})
			continue
		}
		if d.events != nil {
			d.events.Publish(domain.NewEvent(domain.EventMessageSent, domain.EntityID(msg.Bot), nil))
		}
		d.bus.PublishSystem(bus.SystemEvent{
			Type:   "message.sent",
			Source: "dispatcher",
			Data: map[string]string{
				"bot": msg.Bot, "channel": string(msg.Config.Type),
			},
		})
	}
}
