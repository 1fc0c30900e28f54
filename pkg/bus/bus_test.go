package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kairon-chat/kairon/pkg/channels"
)

func TestInboundRoundTrip(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	mb.PublishInbound(InboundMessage{
		Message:  &channels.UserMessage{Bot: "bot-1", Text: "hi"},
		ConfigID: "cfg-1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Message.Text != "hi" || msg.ConfigID != "cfg-1" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestInboundDropsOldestWhenFull(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	for i := 0; i < 101; i++ {
		mb.PublishInbound(InboundMessage{ConfigID: fmt.Sprintf("cfg-%d", i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.ConfigID != "cfg-1" {
		t.Errorf("first message = %s, want cfg-1 after the oldest dropped", msg.ConfigID)
	}
}

func TestSystemFanOut(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	a := mb.SubscribeSystem("a")
	b := mb.SubscribeSystem("b")
	mb.PublishSystem(SystemEvent{Type: "message.received", Source: "dispatcher"})

	for name, ch := range map[string]<-chan interface{}{"a": a, "b": b} {
		select {
		case raw := <-ch:
			ev, ok := raw.(SystemEvent)
			if !ok || ev.Type != "message.received" {
				t.Errorf("subscriber %s got %v", name, raw)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}
}

func TestSystemSlowSubscriberDrops(t *testing.T) {
	mb := NewMessageBus()
	defer mb.Close()

	ch := mb.SubscribeSystem("slow")
	for i := 0; i < 80; i++ {
		mb.PublishSystem(SystemEvent{Type: "message.sent", Source: "dispatcher"})
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			if received != cap(ch) {
				t.Errorf("received = %d, want the buffer size %d", received, cap(ch))
			}
			return
		}
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	mb := NewMessageBus()
	ch := mb.SubscribeSystem("ws")
	mb.Close()

	if _, open := <-ch; open {
		t.Error("subscriber channel still open after close")
	}
	// Publishing after close must not panic.
	mb.PublishSystem(SystemEvent{Type: "message.sent"})
	mb.PublishInbound(InboundMessage{})
	mb.Close()
}
