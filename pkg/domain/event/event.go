// Package event defines the Event bounded context: records of deferred
// work, persisted schedules, and broadcast definitions.
package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain"
)

// ---------------------------------------------------------------------------
// Event classes
// ---------------------------------------------------------------------------

// Class names one kind of long-running task.
type Class string

const (
	ModelTraining       Class = "model_training"
	ModelTesting        Class = "model_testing"
	DataImporter        Class = "data_importer"
	FAQImporter         Class = "faq_importer"
	DeleteHistory       Class = "delete_history"
	MultilingualCopy    Class = "multilingual_translate"
	CatalogSync         Class = "catalog_integration"
	MessageBroadcast    Class = "message_broadcast"
	AgenticFlow         Class = "agentic_flow"
	AnalyticsPipeline   Class = "analytics_pipeline"
	MailChannelReadMail Class = "mail_channel_read_mails"
	MailProcess         Class = "mail_channel_process_mails"
)

// AllClasses returns every registered event class.
func AllClasses() []Class {
	return []Class{
		ModelTraining, ModelTesting, DataImporter, FAQImporter,
		DeleteHistory, MultilingualCopy, CatalogSync, MessageBroadcast,
		AgenticFlow, AnalyticsPipeline, MailChannelReadMail, MailProcess,
	}
}

// Valid returns true for a registered class.
func (c Class) Valid() bool {
	for _, k := range AllClasses() {
		if k == c {
			return true
		}
	}
	return false
}

// SchedulableClasses is the closed whitelist of classes the scheduler
// accepts. Everything else must run immediately.
func SchedulableClasses() []Class {
	return []Class{MessageBroadcast, AnalyticsPipeline, MailChannelReadMail}
}

// Schedulable returns true if the class may be scheduled.
func (c Class) Schedulable() bool {
	for _, k := range SchedulableClasses() {
		if k == c {
			return true
		}
	}
	return false
}

// SchedulableClassesError names the allowed classes; used verbatim in
// scheduler rejections so callers see what is permitted.
func SchedulableClassesError() error {
	names := make([]string, 0, len(SchedulableClasses()))
	for _, k := range SchedulableClasses() {
		names = append(names, string(k))
	}
	return fmt.Errorf("Only %s events are allowed to be scheduled", strings.Join(names, ", "))
}

// ---------------------------------------------------------------------------
// EventRecord aggregate — lifecycle of one deferred task
// ---------------------------------------------------------------------------

// Status is the lifecycle state of an event record.
type Status string

const (
	StatusEnqueued   Status = "enqueued"
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the status is frozen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// EventRecord tracks one deferred task from enqueue to its single terminal
// transition.
type EventRecord struct {
	domain.AggregateRoot

	EventID   string            `json:"event_id"`
	Class     Class             `json:"event_class"`
	Bot       string            `json:"bot"`
	User      string            `json:"user"`
	Data      map[string]string `json:"data,omitempty"`
	Status    Status            `json:"status"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	EndedAt   *time.Time        `json:"ended_at,omitempty"`
	Result    string            `json:"result,omitempty"`
	Exception string            `json:"exception,omitempty"`
}

// NewEventRecord creates a record in state enqueued.
func NewEventRecord(class Class, bot, user string, data map[string]string) *EventRecord {
	rec := &EventRecord{
		EventID: string(domain.NewID()),
		Class:   class,
		Bot:     bot,
		User:    user,
		Data:    data,
		Status:  StatusEnqueued,
	}
	rec.SetID(domain.EntityID(rec.EventID))
	rec.RecordEvent(domain.NewEvent(domain.EventTaskEnqueued, rec.ID(), map[string]string{
		"class": string(class),
		"bot":   bot,
	}))
	return rec
}

// transition moves the record to a new status. A terminal record never
// transitions again; exactly one terminal transition is permitted.
func (r *EventRecord) transition(to Status) error {
	if r.Status.Terminal() {
		return ErrTerminalState
	}
	r.Status = to
	return nil
}

// MarkInitiated records that the executor accepted the task.
func (r *EventRecord) MarkInitiated() error { return r.transition(StatusInitiated) }

// MarkInProgress records the worker-side start.
func (r *EventRecord) MarkInProgress() error {
	if err := r.transition(StatusInProgress); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.StartedAt = &now
	r.RecordEvent(domain.NewEvent(domain.EventTaskStarted, r.ID(), string(r.Class)))
	return nil
}

// MarkCompleted freezes the record as completed.
func (r *EventRecord) MarkCompleted(result string) error {
	if err := r.transition(StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.EndedAt = &now
	r.Result = result
	r.RecordEvent(domain.NewEvent(domain.EventTaskCompleted, r.ID(), string(r.Class)))
	return nil
}

// MarkFailed freezes the record as failed.
func (r *EventRecord) MarkFailed(exception string) error {
	if err := r.transition(StatusFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.EndedAt = &now
	r.Exception = exception
	r.RecordEvent(domain.NewEvent(domain.EventTaskFailed, r.ID(), exception))
	return nil
}

// MarkAborted freezes the record as aborted.
func (r *EventRecord) MarkAborted(reason string) error {
	if err := r.transition(StatusAborted); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.EndedAt = &now
	r.Exception = reason
	r.RecordEvent(domain.NewEvent(domain.EventTaskAborted, r.ID(), reason))
	return nil
}

// ---------------------------------------------------------------------------
// ScheduleEntry — persisted description of a future/recurring invocation
// ---------------------------------------------------------------------------

// ScheduleEntry describes a future or recurring event invocation. Exactly
// one of CronExp and RunAt must be set.
type ScheduleEntry struct {
	EventID  string            `json:"event_id"`
	Class    Class             `json:"event_class"`
	CronExp  string            `json:"cron_exp,omitempty"`
	RunAt    *time.Time        `json:"run_at,omitempty"`
	Timezone string            `json:"timezone"`
	Data     map[string]string `json:"data,omitempty"`
}

// Validate enforces the whitelist, the timezone requirement and the
// cron/run_at exclusivity.
func (e *ScheduleEntry) Validate() error {
	if !e.Class.Schedulable() {
		return SchedulableClassesError()
	}
	if e.Timezone == "" {
		return ErrTimezoneRequired
	}
	hasCron := e.CronExp != ""
	hasRunAt := e.RunAt != nil
	if hasCron == hasRunAt {
		return ErrCronRunAtExclusive
	}
	return nil
}

// Recurring reports whether the entry repeats.
func (e *ScheduleEntry) Recurring() bool { return e.CronExp != "" }

// ---------------------------------------------------------------------------
// MessageBroadcast — referenced by scheduled broadcast events
// ---------------------------------------------------------------------------

// BroadcastType distinguishes fixed recipient lists from query-driven ones.
type BroadcastType string

const (
	BroadcastStatic  BroadcastType = "static"
	BroadcastDynamic BroadcastType = "dynamic"
)

// Broadcast is a named broadcast definition. Deleting one cascades
// removal of its schedule.
type Broadcast struct {
	domain.AggregateRoot

	Bot           string            `json:"bot"`
	Name          string            `json:"name"`
	Connector     string            `json:"connector_type"`
	BroadcastType BroadcastType     `json:"broadcast_type"`
	Recipients    string            `json:"recipients,omitempty"`
	TemplateIDs   []string          `json:"template_ids,omitempty"`
	CronExp       string            `json:"cron_exp,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Collection    map[string]string `json:"collection_config,omitempty"`
}

// ---------------------------------------------------------------------------
// Repository ports
// ---------------------------------------------------------------------------

// Repository persists event records.
type Repository interface {
	Save(rec *EventRecord) error
	Get(eventID string) (*EventRecord, error)
	// InProgress reports whether a non-terminal record exists for the
	// given (bot, class).
	InProgress(bot string, class Class) (bool, error)
	// Delete removes a record; used to roll back a failed enqueue.
	Delete(eventID string) error
}

// BroadcastRepository persists broadcast definitions.
type BroadcastRepository interface {
	Save(b *Broadcast) error
	Get(bot, id string) (*Broadcast, error)
	Delete(bot, id string) error
}

// ---------------------------------------------------------------------------
// Domain errors
// ---------------------------------------------------------------------------

// Error is a typed error for the event domain.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrTerminalState      Error = "event record already reached a terminal state"
	ErrNotFound           Error = "event record not found"
	ErrLimitExceeded      Error = "Daily limit exceeded."
	ErrInProgress         Error = "Event already in progress! Check logs."
	ErrTimezoneRequired   Error = "timezone is required for scheduled events"
	ErrCronRunAtExclusive Error = "exactly one of cron_exp and run_at must be set"
	ErrInvalidClass       Error = "unknown event class"
)
