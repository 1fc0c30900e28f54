package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// Executor hands an accepted event to its execution backend.
type Executor interface {
	Submit(ctx context.Context, payload *Payload) error
	Close() error
}

// NewExecutor builds the configured backend.
func NewExecutor(cfg *config.EventsConfig, definitions *Definitions) (Executor, error) {
	switch cfg.Executor {
	case "standalone", "":
		return NewStandaloneExecutor(definitions), nil
	case "amqp":
		return NewAMQPExecutor(cfg.AMQPURL, cfg.Queue)
	case "lambda":
		return NewLambdaExecutor(cfg.LambdaURLs), nil
	default:
		return nil, fmt.Errorf("unknown executor backend %q", cfg.Executor)
	}
}

// ---------------------------------------------------------------------------
// Standalone — in-process execution
// ---------------------------------------------------------------------------

// StandaloneExecutor runs definitions in-process. Submit spawns the task
// and returns immediately; Close waits for running tasks.
type StandaloneExecutor struct {
	definitions *Definitions
	wg          sync.WaitGroup
}

var _ Executor = (*StandaloneExecutor)(nil)

func NewStandaloneExecutor(definitions *Definitions) *StandaloneExecutor {
	return &StandaloneExecutor{definitions: definitions}
}

func (e *StandaloneExecutor) Submit(ctx context.Context, payload *Payload) error {
	def, err := e.definitions.For(payload.Class)
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Detached from the request context; the task outlives the ACK.
		if err := def.Execute(context.Background(), payload.EventID); err != nil {
			logger.ErrorCF("events", "Standalone execution failed", map[string]interface{}{
				"event_id": payload.EventID, "error": err.Error(),
			})
		}
	}()
	return nil
}

func (e *StandaloneExecutor) Close() error {
	e.wg.Wait()
	return nil
}

// ---------------------------------------------------------------------------
// AMQP — broker-backed execution
// ---------------------------------------------------------------------------

// AMQPExecutor publishes payloads to a durable queue consumed by workers.
type AMQPExecutor struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

var _ Executor = (*AMQPExecutor)(nil)

func NewAMQPExecutor(url, queue string) (*AMQPExecutor, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPExecutor{conn: conn, channel: ch, queue: queue}, nil
}

func (e *AMQPExecutor) Submit(ctx context.Context, payload *Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	err = e.channel.PublishWithContext(ctx, "", e.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         raw,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

func (e *AMQPExecutor) Close() error {
	if err := e.channel.Close(); err != nil {
		return err
	}
	return e.conn.Close()
}

// ---------------------------------------------------------------------------
// Lambda — function-URL execution
// ---------------------------------------------------------------------------

// LambdaExecutor POSTs environment-style name/value pairs to a per-class
// function URL. A non-2xx response fails the submit.
type LambdaExecutor struct {
	urls  map[string]string
	httpc *http.Client
}

var _ Executor = (*LambdaExecutor)(nil)

func NewLambdaExecutor(urls map[string]string) *LambdaExecutor {
	return &LambdaExecutor{
		urls:  urls,
		httpc: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *LambdaExecutor) Submit(ctx context.Context, payload *Payload) error {
	url, ok := e.urls[string(payload.Class)]
	if !ok {
		return fmt.Errorf("no function registered for class %s", payload.Class)
	}

	// The function receives its inputs as name/value pairs, mirroring
	// environment injection.
	pairs := []map[string]string{
		{"name": "EVENT_ID", "value": payload.EventID},
		{"name": "BOT", "value": payload.Bot},
		{"name": "USER", "value": payload.User},
	}
	for k, v := range payload.Data {
		pairs = append(pairs, map[string]string{"name": k, "value": v})
	}
	raw, err := json.Marshal(pairs)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("invoke function: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("function returned %d", resp.StatusCode)
	}
	return nil
}

func (e *LambdaExecutor) Close() error { return nil }
