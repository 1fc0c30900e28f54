// Package events implements the deferred-work system: per-class event
// definitions with a validate/enqueue/execute contract, executor backends
// and the worker-side consumer.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/infrastructure/quota"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// Payload is what a definition enqueues and a worker later receives. On
// callback dispatch it additionally carries the terminal outcome.
type Payload struct {
	EventID  string            `json:"event_id"`
	Class    event.Class       `json:"event_class"`
	Bot      string            `json:"bot"`
	User     string            `json:"user"`
	Data     map[string]string `json:"data,omitempty"`
	CronExp  string            `json:"cron_exp,omitempty"`
	Timezone string            `json:"timezone,omitempty"`
	RunAt    *time.Time        `json:"run_at,omitempty"`
	Status   string            `json:"status,omitempty"`
	Result   string            `json:"result,omitempty"`
}

// Definition is the three-phase contract each event class implements.
type Definition interface {
	Class() event.Class
	// Validate checks quota, in-progress exclusion and class-specific
	// preconditions.
	Validate(ctx context.Context, bot string, data map[string]string) error
	// Enqueue records the event and hands it to the event server. On
	// transport failure the record is rolled back.
	Enqueue(ctx context.Context, bot, user string, data map[string]string) (string, error)
	// Execute is the worker-side entry; idempotent against terminal
	// records.
	Execute(ctx context.Context, eventID string) error
}

// Task is the class-specific part of a definition: an optional validation
// hook plus the actual work.
type Task interface {
	Precondition(ctx context.Context, bot string, data map[string]string) error
	Run(ctx context.Context, rec *event.EventRecord) (result string, err error)
}

// ---------------------------------------------------------------------------
// BaseDefinition — shared validate/enqueue/execute plumbing
// ---------------------------------------------------------------------------

// BaseDefinition implements the contract around a Task.
type BaseDefinition struct {
	class     event.Class
	task      Task
	records   event.Repository
	quotas    *quota.Tracker
	events    *config.EventsConfig
	callbacks *CallbackExecutor
	httpc     *http.Client
}

var _ Definition = (*BaseDefinition)(nil)

// NewDefinition wires a task into the shared lifecycle.
func NewDefinition(class event.Class, task Task, records event.Repository, quotas *quota.Tracker, cfg *config.EventsConfig) *BaseDefinition {
	d := &BaseDefinition{
		class:   class,
		task:    task,
		records: records,
		quotas:  quotas,
		events:  cfg,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	if cfg.CallbackSecret != "" {
		d.callbacks = NewCallbackExecutor(cfg.CallbackSecret)
	}
	return d
}

func (d *BaseDefinition) Class() event.Class { return d.class }

func (d *BaseDefinition) Validate(ctx context.Context, bot string, data map[string]string) error {
	if d.quotas != nil {
		used, err := d.quotas.Used(ctx, bot, d.class)
		if err != nil {
			return err
		}
		if limit := d.events.DailyLimit(string(d.class)); limit > 0 && used >= int64(limit) {
			return event.ErrLimitExceeded
		}
	}

	inProgress, err := d.records.InProgress(bot, d.class)
	if err != nil {
		return err
	}
	if inProgress {
		return event.ErrInProgress
	}

	if d.task != nil {
		return d.task.Precondition(ctx, bot, data)
	}
	return nil
}

func (d *BaseDefinition) Enqueue(ctx context.Context, bot, user string, data map[string]string) (string, error) {
	rec := event.NewEventRecord(d.class, bot, user, data)
	if err := d.records.Save(rec); err != nil {
		return "", err
	}
	if d.quotas != nil {
		if err := d.quotas.Consume(ctx, bot, d.class, d.events.DailyLimit(string(d.class))); err != nil {
			d.rollback(ctx, rec, false)
			return "", err
		}
	}

	payload := &Payload{
		EventID: rec.EventID,
		Class:   d.class,
		Bot:     bot,
		User:    user,
		Data:    data,
	}
	if err := d.post(ctx, payload); err != nil {
		d.rollback(ctx, rec, true)
		return "", fmt.Errorf("event server unreachable: %w", err)
	}

	logger.InfoCF("events", "Event enqueued", map[string]interface{}{
		"event_id": rec.EventID, "class": string(d.class), "bot": bot,
	})
	return rec.EventID, nil
}

// rollback undoes a failed enqueue: the record is deleted and, when the
// quota was already consumed, the counter is released.
func (d *BaseDefinition) rollback(ctx context.Context, rec *event.EventRecord, releaseQuota bool) {
	if err := d.records.Delete(rec.EventID); err != nil {
		logger.ErrorCF("events", "Enqueue rollback failed", map[string]interface{}{
			"event_id": rec.EventID, "error": err.Error(),
		})
	}
	if releaseQuota && d.quotas != nil {
		d.quotas.Release(ctx, rec.Bot, d.class)
	}
}

func (d *BaseDefinition) post(ctx context.Context, payload *Payload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/events/execute/%s", d.events.ServerURL, payload.Class)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("event server returned %d", resp.StatusCode)
	}
	return nil
}

func (d *BaseDefinition) Execute(ctx context.Context, eventID string) error {
	rec, err := d.records.Get(eventID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		// Redelivered task; the record already finished.
		logger.InfoCF("events", "Skipping terminal event", map[string]interface{}{
			"event_id": eventID, "status": string(rec.Status),
		})
		return nil
	}

	if err := rec.MarkInProgress(); err != nil {
		return err
	}
	if err := d.records.Save(rec); err != nil {
		return err
	}

	result, runErr := d.runTask(ctx, rec)
	if runErr != nil {
		if err := rec.MarkFailed(runErr.Error()); err != nil {
			return err
		}
		if err := d.records.Save(rec); err != nil {
			return err
		}
		logger.ErrorCF("events", "Event failed", map[string]interface{}{
			"event_id": eventID, "class": string(rec.Class), "error": runErr.Error(),
		})
		d.notify(ctx, rec)
		return runErr
	}

	if err := rec.MarkCompleted(result); err != nil {
		return err
	}
	if err := d.records.Save(rec); err != nil {
		return err
	}
	logger.InfoCF("events", "Event completed", map[string]interface{}{
		"event_id": eventID, "class": string(rec.Class),
	})
	d.notify(ctx, rec)
	return nil
}

// notify dispatches the terminal outcome to the event's callback URL, when
// one was supplied at enqueue time. A failed callback never fails the event.
func (d *BaseDefinition) notify(ctx context.Context, rec *event.EventRecord) {
	url := rec.Data["callback_url"]
	if url == "" || d.callbacks == nil {
		return
	}
	payload := &Payload{
		EventID: rec.EventID,
		Class:   rec.Class,
		Bot:     rec.Bot,
		User:    rec.User,
		Status:  string(rec.Status),
		Result:  rec.Result,
	}
	if rec.Exception != "" {
		payload.Result = rec.Exception
	}
	if err := d.callbacks.Dispatch(ctx, url, payload); err != nil {
		logger.WarnCF("events", "Callback notification failed", map[string]interface{}{
			"event_id": rec.EventID, "url": url, "error": err.Error(),
		})
	}
}

func (d *BaseDefinition) runTask(ctx context.Context, rec *event.EventRecord) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	if d.task == nil {
		return "", nil
	}
	return d.task.Run(ctx, rec)
}
