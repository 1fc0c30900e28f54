package event

import (
	"errors"
	"testing"
	"time"
)

func TestEventRecordLifecycle(t *testing.T) {
	rec := NewEventRecord(ModelTraining, "bot-1", "user-1", map[string]string{"k": "v"})
	if rec.Status != StatusEnqueued {
		t.Fatalf("status = %s, want enqueued", rec.Status)
	}
	if rec.EventID == "" {
		t.Fatal("event id not assigned")
	}

	if err := rec.MarkInitiated(); err != nil {
		t.Fatal(err)
	}
	if err := rec.MarkInProgress(); err != nil {
		t.Fatal(err)
	}
	if rec.StartedAt == nil {
		t.Error("started_at not set")
	}
	if err := rec.MarkCompleted("trained"); err != nil {
		t.Fatal(err)
	}
	if rec.EndedAt == nil || rec.Result != "trained" {
		t.Errorf("record = %+v", rec)
	}
}

func TestTerminalRecordFreezes(t *testing.T) {
	terminalise := []struct {
		name string
		mark func(r *EventRecord) error
	}{
		{"completed", func(r *EventRecord) error { return r.MarkCompleted("ok") }},
		{"failed", func(r *EventRecord) error { return r.MarkFailed("boom") }},
		{"aborted", func(r *EventRecord) error { return r.MarkAborted("stopped") }},
	}
	for _, tt := range terminalise {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewEventRecord(ModelTraining, "bot-1", "user-1", nil)
			if err := tt.mark(rec); err != nil {
				t.Fatal(err)
			}
			if !rec.Status.Terminal() {
				t.Fatalf("status %s not terminal", rec.Status)
			}
			// Every further transition is refused.
			if err := rec.MarkInProgress(); !errors.Is(err, ErrTerminalState) {
				t.Errorf("MarkInProgress: err = %v", err)
			}
			if err := rec.MarkCompleted("again"); !errors.Is(err, ErrTerminalState) {
				t.Errorf("MarkCompleted: err = %v", err)
			}
			if err := rec.MarkFailed("again"); !errors.Is(err, ErrTerminalState) {
				t.Errorf("MarkFailed: err = %v", err)
			}
		})
	}
}

func TestScheduleEntryValidate(t *testing.T) {
	runAt := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		entry   ScheduleEntry
		wantErr error
	}{
		{
			name:  "valid cron",
			entry: ScheduleEntry{Class: MessageBroadcast, CronExp: "0 9 * * *", Timezone: "UTC"},
		},
		{
			name:  "valid one-shot",
			entry: ScheduleEntry{Class: AnalyticsPipeline, RunAt: &runAt, Timezone: "UTC"},
		},
		{
			name:    "missing timezone",
			entry:   ScheduleEntry{Class: MessageBroadcast, CronExp: "0 9 * * *"},
			wantErr: ErrTimezoneRequired,
		},
		{
			name:    "both cron and run_at",
			entry:   ScheduleEntry{Class: MessageBroadcast, CronExp: "0 9 * * *", RunAt: &runAt, Timezone: "UTC"},
			wantErr: ErrCronRunAtExclusive,
		},
		{
			name:    "neither cron nor run_at",
			entry:   ScheduleEntry{Class: MessageBroadcast, Timezone: "UTC"},
			wantErr: ErrCronRunAtExclusive,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("err = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestScheduleWhitelist(t *testing.T) {
	entry := ScheduleEntry{Class: ModelTraining, CronExp: "0 9 * * *", Timezone: "UTC"}
	err := entry.Validate()
	if err == nil {
		t.Fatal("expected rejection")
	}
	want := "Only message_broadcast, analytics_pipeline, mail_channel_read_mails events are allowed to be scheduled"
	if err.Error() != want {
		t.Errorf("err = %q, want %q", err.Error(), want)
	}
}
