package bus

import (
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
)

// InboundMessage carries a decoded user message plus the channel config it
// arrived through. ConfigID lets downstream consumers re-fetch a fresh
// config without holding a stale pointer.
type InboundMessage struct {
	Message  *channels.UserMessage     `json:"message"`
	Config   *channel.BotChannelConfig `json:"-"`
	ConfigID string                    `json:"config_id"`
}

// OutboundMessage carries an agent response bound for a channel.
type OutboundMessage struct {
	Response *channels.Response        `json:"response"`
	Config   *channel.BotChannelConfig `json:"-"`
	Bot      string                    `json:"bot"`
}

// SystemEvent is a typed event flowing through the bus for observability.
// The operational log stream forwards these to connected clients.
type SystemEvent struct {
	Type   string      `json:"type"`   // e.g. "message.received", "message.sent"
	Source string      `json:"source"` // e.g. "dispatcher", "scheduler"
	Data   interface{} `json:"data"`
}
