package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/infrastructure/quota"
)

// memRecords is an in-memory event.Repository.
type memRecords struct {
	mu      sync.Mutex
	records map[string]*event.EventRecord
}

func newMemRecords() *memRecords {
	return &memRecords{records: make(map[string]*event.EventRecord)}
}

func (m *memRecords) Save(rec *event.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.EventID] = rec
	return nil
}

func (m *memRecords) Get(eventID string) (*event.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[eventID]; ok {
		return rec, nil
	}
	return nil, event.ErrNotFound
}

func (m *memRecords) InProgress(bot string, class event.Class) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Bot == bot && rec.Class == class && !rec.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *memRecords) Delete(eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, eventID)
	return nil
}

func (m *memRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// stubTask counts runs and can fail on demand.
type stubTask struct {
	precondErr error
	runErr     error
	runs       int
}

func (t *stubTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	return t.precondErr
}

func (t *stubTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	t.runs++
	if t.runErr != nil {
		return "", t.runErr
	}
	return "done", nil
}

func testQuota(t *testing.T) *quota.Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	return quota.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func testDefinition(t *testing.T, task Task, records event.Repository, serverURL string) *BaseDefinition {
	t.Helper()
	cfg := &config.EventsConfig{ServerURL: serverURL, DefaultDailyLimit: 2}
	return NewDefinition(event.ModelTraining, task, records, testQuota(t), cfg)
}

func TestValidateDailyLimit(t *testing.T) {
	records := newMemRecords()
	tracker := testQuota(t)
	cfg := &config.EventsConfig{DefaultDailyLimit: 2}
	def := NewDefinition(event.ModelTraining, &stubTask{}, records, tracker, cfg)
	ctx := context.Background()

	if err := def.Validate(ctx, "bot-1", nil); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 2); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
	if err := def.Validate(ctx, "bot-1", nil); !errors.Is(err, event.ErrLimitExceeded) {
		t.Errorf("err = %v, want %q", err, event.ErrLimitExceeded)
	}
}

func TestValidateInProgressExclusion(t *testing.T) {
	records := newMemRecords()
	def := testDefinition(t, &stubTask{}, records, "http://localhost:0")
	ctx := context.Background()

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user", nil)
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Validate(ctx, "bot-1", nil); !errors.Is(err, event.ErrInProgress) {
		t.Errorf("err = %v, want %q", err, event.ErrInProgress)
	}

	// Another bot is unaffected.
	if err := def.Validate(ctx, "bot-2", nil); err != nil {
		t.Errorf("other bot: %v", err)
	}

	// A terminal record releases the exclusion.
	if err := rec.MarkInProgress(); err != nil {
		t.Fatal(err)
	}
	if err := rec.MarkCompleted("ok"); err != nil {
		t.Fatal(err)
	}
	if err := def.Validate(ctx, "bot-1", nil); err != nil {
		t.Errorf("after completion: %v", err)
	}
}

func TestValidatePrecondition(t *testing.T) {
	records := newMemRecords()
	task := &stubTask{precondErr: errors.New("training file does not exist")}
	def := testDefinition(t, task, records, "http://localhost:0")

	err := def.Validate(context.Background(), "bot-1", nil)
	if err == nil || err.Error() != "training file does not exist" {
		t.Errorf("err = %v", err)
	}
}

func TestEnqueuePostsToEventServer(t *testing.T) {
	records := newMemRecords()
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	def := testDefinition(t, &stubTask{}, records, srv.URL)
	eventID, err := def.Enqueue(context.Background(), "bot-1", "user", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if eventID == "" {
		t.Error("expected an event id")
	}
	if gotPath != "/api/events/execute/model_training" {
		t.Errorf("path = %q", gotPath)
	}

	rec, err := records.Get(eventID)
	if err != nil {
		t.Fatalf("record not saved: %v", err)
	}
	if rec.Status != event.StatusEnqueued {
		t.Errorf("status = %s, want enqueued", rec.Status)
	}
}

func TestEnqueueRollsBackOnUnreachableServer(t *testing.T) {
	records := newMemRecords()
	tracker := testQuota(t)
	cfg := &config.EventsConfig{ServerURL: "http://127.0.0.1:1", DefaultDailyLimit: 5}
	def := NewDefinition(event.ModelTraining, &stubTask{}, records, tracker, cfg)
	ctx := context.Background()

	if _, err := def.Enqueue(ctx, "bot-1", "user", nil); err == nil {
		t.Fatal("expected enqueue to fail")
	}
	if records.count() != 0 {
		t.Errorf("record not rolled back, count = %d", records.count())
	}
	used, err := tracker.Used(ctx, "bot-1", event.ModelTraining)
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("quota not released, used = %d", used)
	}
}

func TestExecuteLifecycle(t *testing.T) {
	records := newMemRecords()
	task := &stubTask{}
	def := testDefinition(t, task, records, "http://localhost:0")
	ctx := context.Background()

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user", nil)
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Execute(ctx, rec.EventID); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.Status != event.StatusCompleted {
		t.Errorf("status = %s, want completed", rec.Status)
	}
	if rec.Result != "done" {
		t.Errorf("result = %q", rec.Result)
	}

	// Redelivery is a no-op against the terminal record.
	if err := def.Execute(ctx, rec.EventID); err != nil {
		t.Fatalf("redelivered execute: %v", err)
	}
	if task.runs != 1 {
		t.Errorf("runs = %d, want 1", task.runs)
	}
}

func TestExecuteFailureFreezesRecord(t *testing.T) {
	records := newMemRecords()
	task := &stubTask{runErr: errors.New("training blew up")}
	def := testDefinition(t, task, records, "http://localhost:0")
	ctx := context.Background()

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user", nil)
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Execute(ctx, rec.EventID); err == nil {
		t.Fatal("expected failure")
	}
	if rec.Status != event.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Exception != "training blew up" {
		t.Errorf("exception = %q", rec.Exception)
	}
}

func TestExecuteRecoversFromPanic(t *testing.T) {
	records := newMemRecords()
	task := panicTask{}
	def := testDefinition(t, task, records, "http://localhost:0")

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user", nil)
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Execute(context.Background(), rec.EventID); err == nil {
		t.Fatal("expected the panic to surface as an error")
	}
	if rec.Status != event.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
}

func TestExecuteNotifiesCallbackURL(t *testing.T) {
	var (
		gotAuth    string
		gotPayload Payload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	records := newMemRecords()
	cfg := &config.EventsConfig{DefaultDailyLimit: 2, CallbackSecret: "cb-secret"}
	def := NewDefinition(event.ModelTraining, &stubTask{}, records, testQuota(t), cfg)

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user",
		map[string]string{"callback_url": srv.URL})
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Execute(context.Background(), rec.EventID); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if gotPayload.EventID != rec.EventID {
		t.Errorf("callback event id = %q, want %q", gotPayload.EventID, rec.EventID)
	}
	if gotPayload.Status != string(event.StatusCompleted) {
		t.Errorf("callback status = %q", gotPayload.Status)
	}
	if gotPayload.Result != "done" {
		t.Errorf("callback result = %q", gotPayload.Result)
	}

	raw := strings.TrimPrefix(gotAuth, "Bearer ")
	if raw == gotAuth {
		t.Fatalf("authorization = %q, want a bearer token", gotAuth)
	}
	eventID, err := NewCallbackExecutor("cb-secret").VerifyToken(raw)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if eventID != rec.EventID {
		t.Errorf("token event id = %q, want %q", eventID, rec.EventID)
	}
}

func TestExecuteFailureNotifiesCallbackURL(t *testing.T) {
	var gotPayload Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode callback: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	records := newMemRecords()
	cfg := &config.EventsConfig{DefaultDailyLimit: 2, CallbackSecret: "cb-secret"}
	task := &stubTask{runErr: errors.New("training blew up")}
	def := NewDefinition(event.ModelTraining, task, records, testQuota(t), cfg)

	rec := event.NewEventRecord(event.ModelTraining, "bot-1", "user",
		map[string]string{"callback_url": srv.URL})
	if err := records.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := def.Execute(context.Background(), rec.EventID); err == nil {
		t.Fatal("expected failure")
	}

	if gotPayload.Status != string(event.StatusFailed) {
		t.Errorf("callback status = %q", gotPayload.Status)
	}
	if gotPayload.Result != "training blew up" {
		t.Errorf("callback result = %q", gotPayload.Result)
	}
}

type panicTask struct{}

func (panicTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	return nil
}

func (panicTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	panic("boom")
}
