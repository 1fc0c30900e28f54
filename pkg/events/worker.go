package events

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kairon-chat/kairon/pkg/logger"
)

// Worker consumes the event queue and runs definitions inline. Failed
// tasks are rejected without requeue; the event record already captured
// the failure.
type Worker struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	queue       string
	definitions *Definitions
}

// NewWorker connects to the broker and declares the shared queue.
func NewWorker(url, queue string, definitions *Definitions) (*Worker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	// One unacked task at a time; tasks are long-running.
	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, err
	}
	return &Worker{conn: conn, channel: ch, queue: queue, definitions: definitions}, nil
}

// Run consumes until ctx is cancelled or the broker connection drops.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.channel.Consume(w.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	logger.InfoCF("worker", "Consuming event queue", map[string]interface{}{
		"queue": w.queue,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return amqp.ErrClosed
			}
			w.handle(ctx, delivery)
		}
	}
}

func (w *Worker) handle(ctx context.Context, delivery amqp.Delivery) {
	var payload Payload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		logger.ErrorCF("worker", "Dropping malformed task", map[string]interface{}{
			"error": err.Error(),
		})
		_ = delivery.Reject(false)
		return
	}

	def, err := w.definitions.For(payload.Class)
	if err != nil {
		logger.ErrorCF("worker", "Dropping task with unknown class", map[string]interface{}{
			"class": string(payload.Class),
		})
		_ = delivery.Reject(false)
		return
	}

	if err := def.Execute(ctx, payload.EventID); err != nil {
		_ = delivery.Reject(false)
		return
	}
	_ = delivery.Ack(false)
}

// Close shuts the broker connection.
func (w *Worker) Close() error {
	if err := w.channel.Close(); err != nil {
		return err
	}
	return w.conn.Close()
}
