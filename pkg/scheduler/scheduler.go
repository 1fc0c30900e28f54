package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// Dispatcher receives a due schedule for execution.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, entry *event.ScheduleEntry) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, entry *event.ScheduleEntry) error

func (f DispatcherFunc) DispatchScheduled(ctx context.Context, entry *event.ScheduleEntry) error {
	return f(ctx, entry)
}

// Scheduler is a single cooperative loop over the durable job store.
// Missed fires (downtime) fire once on recovery, then the schedule
// resumes. At most one run per event id is in flight at a time.
type Scheduler struct {
	store      *Store
	dispatcher Dispatcher
	bus        domain.EventBus
	poll       time.Duration

	mu      sync.Mutex
	running map[string]bool // per-id execution locks
}

// New creates a scheduler polling the store every poll interval.
func New(store *Store, dispatcher Dispatcher, bus domain.EventBus, poll time.Duration) *Scheduler {
	if poll <= 0 {
		poll = 20 * time.Second
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		bus:        bus,
		poll:       poll,
		running:    make(map[string]bool),
	}
}

// ---------------------------------------------------------------------------
// Schedule management
// ---------------------------------------------------------------------------

// Add validates and persists a new schedule.
func (s *Scheduler) Add(entry *event.ScheduleEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	job, err := s.buildJob(entry)
	if err != nil {
		return err
	}
	if err := s.store.Put(job); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(domain.NewEvent(domain.EventScheduleAdded, domain.EntityID(entry.EventID), string(entry.Class)))
	}
	logger.InfoCF("scheduler", "Schedule added", map[string]interface{}{
		"event_id": entry.EventID, "class": string(entry.Class),
		"next_fire": job.NextFire.Format(time.RFC3339),
	})
	return nil
}

// Update atomically replaces a stored schedule after the same validation.
func (s *Scheduler) Update(entry *event.ScheduleEntry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	if _, err := s.store.Get(entry.EventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.ErrNotFound
		}
		return err
	}
	job, err := s.buildJob(entry)
	if err != nil {
		return err
	}
	if err := s.store.Put(job); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(domain.NewEvent(domain.EventScheduleUpdated, domain.EntityID(entry.EventID), string(entry.Class)))
	}
	return nil
}

// Delete removes a schedule. Idempotent: deleting an absent schedule
// succeeds.
func (s *Scheduler) Delete(eventID string) error {
	if err := s.store.Delete(eventID); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(domain.NewEvent(domain.EventScheduleRemoved, domain.EntityID(eventID), nil))
	}
	return nil
}

// Dispatch fires a schedule immediately, regardless of its planned time.
func (s *Scheduler) Dispatch(ctx context.Context, eventID string) error {
	job, err := s.store.Get(eventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return event.ErrNotFound
		}
		return err
	}
	return s.fire(ctx, job)
}

func (s *Scheduler) buildJob(entry *event.ScheduleEntry) (*Job, error) {
	job := &Job{
		EventID:  entry.EventID,
		Class:    entry.Class,
		CronExp:  entry.CronExp,
		RunAt:    entry.RunAt,
		Timezone: entry.Timezone,
		Data:     entry.Data,
	}
	if entry.Recurring() {
		next, err := s.nextFire(entry.CronExp, entry.Timezone, time.Now())
		if err != nil {
			return nil, err
		}
		job.NextFire = next
	} else {
		job.NextFire = entry.RunAt.UTC()
	}
	return job, nil
}

// nextFire computes the next cron occurrence after ref in the schedule's
// timezone, returned in UTC.
func (s *Scheduler) nextFire(cronExp, timezone string, ref time.Time) (time.Time, error) {
	gron := gronx.New()
	if !gron.IsValid(cronExp) {
		return time.Time{}, fmt.Errorf("invalid cron expression %q", cronExp)
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	next, err := gronx.NextTickAfter(cronExp, ref.In(loc), false)
	if err != nil {
		return time.Time{}, err
	}
	return next.UTC(), nil
}

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run polls for due jobs until ctx is cancelled. On startup, jobs whose
// fire time passed during downtime are due immediately and fire once.
func (s *Scheduler) Run(ctx context.Context) {
	logger.InfoCF("scheduler", "Scheduler started", map[string]interface{}{
		"poll": s.poll.String(),
	})
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.InfoC("scheduler", "Scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.Due(time.Now())
	if err != nil {
		logger.ErrorCF("scheduler", "Job store poll failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	for _, job := range due {
		if err := s.fire(ctx, job); err != nil {
			logger.ErrorCF("scheduler", "Schedule fire failed", map[string]interface{}{
				"event_id": job.EventID, "error": err.Error(),
			})
		}
	}
}

// fire runs one job under its per-id lock, then advances or retires the
// schedule.
func (s *Scheduler) fire(ctx context.Context, job *Job) error {
	s.mu.Lock()
	if s.running[job.EventID] {
		s.mu.Unlock()
		return nil
	}
	s.running[job.EventID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, job.EventID)
		s.mu.Unlock()
	}()

	now := time.Now().UTC()
	if s.bus != nil {
		s.bus.Publish(domain.NewEvent(domain.EventScheduleTriggered, domain.EntityID(job.EventID), string(job.Class)))
	}
	dispatchErr := s.dispatcher.DispatchScheduled(ctx, job.Entry())

	if job.CronExp == "" {
		// One-shot schedules retire after firing, even on dispatch error;
		// the event record carries the failure.
		if err := s.store.Delete(job.EventID); err != nil {
			return err
		}
		return dispatchErr
	}

	next, err := s.nextFire(job.CronExp, job.Timezone, now)
	if err != nil {
		return err
	}
	job.LastFire = now
	job.NextFire = next
	if err := s.store.Put(job); err != nil {
		return err
	}
	return dispatchErr
}
