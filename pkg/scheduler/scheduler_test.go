package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain/event"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func noopDispatcher() Dispatcher {
	return DispatcherFunc(func(ctx context.Context, entry *event.ScheduleEntry) error {
		return nil
	})
}

func broadcastEntry(id string) *event.ScheduleEntry {
	return &event.ScheduleEntry{
		EventID:  id,
		Class:    event.MessageBroadcast,
		CronExp:  "0 9 * * *",
		Timezone: "Asia/Kolkata",
		Data:     map[string]string{"bot": "bot-1"},
	}
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestStoreRoundTrip(t *testing.T) {
	store := testStore(t)
	runAt := time.Date(2026, 9, 2, 10, 0, 0, 0, time.UTC)
	put := &Job{
		EventID:  "ev-1",
		Class:    event.MessageBroadcast,
		RunAt:    &runAt,
		Timezone: "UTC",
		Data:     map[string]string{"bot": "bot-1", "broadcast_id": "b-1"},
		NextFire: runAt,
	}
	if err := store.Put(put); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.Get("ev-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Class != event.MessageBroadcast || got.Timezone != "UTC" {
		t.Errorf("got %+v", got)
	}
	if got.RunAt == nil || !got.RunAt.Equal(runAt) {
		t.Errorf("run_at = %v, want %v", got.RunAt, runAt)
	}
	if got.Data["broadcast_id"] != "b-1" {
		t.Errorf("data = %v", got.Data)
	}
	if !got.LastFire.IsZero() {
		t.Errorf("last_fire = %v, want zero", got.LastFire)
	}
}

func TestStorePutReplaces(t *testing.T) {
	store := testStore(t)
	job := &Job{EventID: "ev-1", Class: event.MessageBroadcast, CronExp: "0 9 * * *",
		Timezone: "UTC", NextFire: time.Now().Add(time.Hour)}
	if err := store.Put(job); err != nil {
		t.Fatal(err)
	}
	job.CronExp = "0 18 * * *"
	if err := store.Put(job); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CronExp != "0 18 * * *" {
		t.Errorf("cron = %q", got.CronExp)
	}
}

func TestStoreDue(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()
	past := &Job{EventID: "past", Class: event.MessageBroadcast, Timezone: "UTC",
		NextFire: now.Add(-time.Hour)}
	future := &Job{EventID: "future", Class: event.MessageBroadcast, Timezone: "UTC",
		NextFire: now.Add(time.Hour)}
	for _, j := range []*Job{past, future} {
		if err := store.Put(j); err != nil {
			t.Fatal(err)
		}
	}

	due, err := store.Due(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].EventID != "past" {
		t.Errorf("due = %v", due)
	}
}

// ---------------------------------------------------------------------------
// Scheduler
// ---------------------------------------------------------------------------

func TestAddRejectsNonSchedulableClass(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	entry := broadcastEntry("ev-1")
	entry.Class = event.ModelTraining

	err := s.Add(entry)
	if err == nil {
		t.Fatal("expected rejection")
	}
	want := "Only message_broadcast, analytics_pipeline, mail_channel_read_mails events are allowed to be scheduled"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}
}

func TestAddRejectsInvalidCron(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	entry := broadcastEntry("ev-1")
	entry.CronExp = "not a cron"

	if err := s.Add(entry); err == nil || !strings.Contains(err.Error(), "invalid cron expression") {
		t.Errorf("err = %v", err)
	}
}

func TestAddRejectsCronAndRunAtTogether(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	entry := broadcastEntry("ev-1")
	runAt := time.Now().Add(time.Hour)
	entry.RunAt = &runAt

	if err := s.Add(entry); !errors.Is(err, event.ErrCronRunAtExclusive) {
		t.Errorf("err = %v, want ErrCronRunAtExclusive", err)
	}
}

func TestAddRequiresTimezone(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	entry := broadcastEntry("ev-1")
	entry.Timezone = ""

	if err := s.Add(entry); !errors.Is(err, event.ErrTimezoneRequired) {
		t.Errorf("err = %v, want ErrTimezoneRequired", err)
	}
}

func TestUpdateMissingSchedule(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	if err := s.Update(broadcastEntry("ghost")); !errors.Is(err, event.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateReplacesSchedule(t *testing.T) {
	store := testStore(t)
	s := New(store, noopDispatcher(), nil, time.Minute)
	if err := s.Add(broadcastEntry("ev-1")); err != nil {
		t.Fatal(err)
	}

	updated := broadcastEntry("ev-1")
	updated.CronExp = "30 18 * * 5"
	if err := s.Update(updated); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.CronExp != "30 18 * * 5" {
		t.Errorf("cron = %q", got.CronExp)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(testStore(t), noopDispatcher(), nil, time.Minute)
	if err := s.Add(broadcastEntry("ev-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("ev-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("ev-1"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if err := s.Delete("never-existed"); err != nil {
		t.Fatalf("absent delete: %v", err)
	}
}

func TestOneShotRetiresAfterFire(t *testing.T) {
	store := testStore(t)
	var fired int32
	dispatcher := DispatcherFunc(func(ctx context.Context, entry *event.ScheduleEntry) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	s := New(store, dispatcher, nil, time.Minute)

	// A run_at in the past models downtime: the missed fire runs once on
	// the next tick.
	runAt := time.Now().Add(-time.Minute)
	entry := broadcastEntry("ev-1")
	entry.CronExp = ""
	entry.RunAt = &runAt
	if err := s.Add(entry); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background())
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	if _, err := store.Get("ev-1"); err == nil {
		t.Error("one-shot job should be deleted after firing")
	}

	// Nothing left to fire.
	s.tick(context.Background())
	if atomic.LoadInt32(&fired) != 1 {
		t.Errorf("fired = %d after second tick, want 1", fired)
	}
}

func TestCronAdvancesAfterFire(t *testing.T) {
	store := testStore(t)
	var fired int32
	dispatcher := DispatcherFunc(func(ctx context.Context, entry *event.ScheduleEntry) error {
		atomic.AddInt32(&fired, 1)
		return nil
	})
	s := New(store, dispatcher, nil, time.Minute)

	if err := s.Add(broadcastEntry("ev-1")); err != nil {
		t.Fatal(err)
	}
	// Force the job due.
	job, err := store.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	job.NextFire = time.Now().Add(-time.Minute).UTC()
	if err := store.Put(job); err != nil {
		t.Fatal(err)
	}

	s.tick(context.Background())
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}

	after, err := store.Get("ev-1")
	if err != nil {
		t.Fatalf("cron job must survive a fire: %v", err)
	}
	if !after.NextFire.After(time.Now()) {
		t.Errorf("next_fire = %v, want a future time", after.NextFire)
	}
	if after.LastFire.IsZero() {
		t.Error("last_fire not recorded")
	}
}

func TestDispatchErrorStillRetiresOneShot(t *testing.T) {
	store := testStore(t)
	dispatcher := DispatcherFunc(func(ctx context.Context, entry *event.ScheduleEntry) error {
		return errors.New("downstream failure")
	})
	s := New(store, dispatcher, nil, time.Minute)

	runAt := time.Now().Add(-time.Minute)
	entry := broadcastEntry("ev-1")
	entry.CronExp = ""
	entry.RunAt = &runAt
	if err := s.Add(entry); err != nil {
		t.Fatal(err)
	}

	job, err := store.Get("ev-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.fire(context.Background(), job); err == nil {
		t.Error("dispatch error should surface")
	}
	if _, err := store.Get("ev-1"); err == nil {
		t.Error("one-shot job should retire even when dispatch fails")
	}
}
