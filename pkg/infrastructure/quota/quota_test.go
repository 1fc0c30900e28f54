package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/kairon-chat/kairon/pkg/domain/event"
)

func testTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestConsumeEnforcesLimit(t *testing.T) {
	tracker := testTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 3); err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
	}
	if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 3); !errors.Is(err, event.ErrLimitExceeded) {
		t.Errorf("err = %v, want ErrLimitExceeded", err)
	}
}

func TestConsumeUnlimitedWhenLimitZero(t *testing.T) {
	tracker := testTracker(t)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 0); err != nil {
			t.Fatalf("consume: %v", err)
		}
	}
}

func TestCountersAreScopedPerBotAndClass(t *testing.T) {
	tracker := testTracker(t)
	ctx := context.Background()

	if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 1); err != nil {
		t.Fatal(err)
	}
	// Different bot and different class still have headroom.
	if err := tracker.Consume(ctx, "bot-2", event.ModelTraining, 1); err != nil {
		t.Errorf("other bot: %v", err)
	}
	if err := tracker.Consume(ctx, "bot-1", event.ModelTesting, 1); err != nil {
		t.Errorf("other class: %v", err)
	}
}

func TestReleaseUndoesConsume(t *testing.T) {
	tracker := testTracker(t)
	ctx := context.Background()

	if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 1); err != nil {
		t.Fatal(err)
	}
	tracker.Release(ctx, "bot-1", event.ModelTraining)

	used, err := tracker.Used(ctx, "bot-1", event.ModelTraining)
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
	if err := tracker.Consume(ctx, "bot-1", event.ModelTraining, 1); err != nil {
		t.Errorf("consume after release: %v", err)
	}
}

func TestUsedMissingCounter(t *testing.T) {
	tracker := testTracker(t)
	used, err := tracker.Used(context.Background(), "bot-1", event.ModelTraining)
	if err != nil {
		t.Fatal(err)
	}
	if used != 0 {
		t.Errorf("used = %d, want 0", used)
	}
}

func TestSeenDeduplicates(t *testing.T) {
	tracker := testTracker(t)
	ctx := context.Background()

	seen, err := tracker.Seen(ctx, "bot-1", "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("first delivery reported as seen")
	}
	seen, err = tracker.Seen(ctx, "bot-1", "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("redelivery not reported as seen")
	}

	// Another bot's identical id is independent.
	seen, err = tracker.Seen(ctx, "bot-2", "wamid.1")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("other bot reported as seen")
	}
}

func TestSeenIgnoresEmptyMessageID(t *testing.T) {
	tracker := testTracker(t)
	seen, err := tracker.Seen(context.Background(), "bot-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("empty id must never dedup")
	}
}
