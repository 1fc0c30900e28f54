// Package quota tracks daily event counters and webhook redelivery
// de-duplication in Redis.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kairon-chat/kairon/pkg/domain/event"
)

// dedupTTL bounds how long a seen message id suppresses redeliveries.
const dedupTTL = 24 * time.Hour

// Tracker counts event executions per (bot, class, UTC day) and remembers
// recently seen message ids.
type Tracker struct {
	client *redis.Client
}

// New creates a tracker on an existing Redis client.
func New(client *redis.Client) *Tracker {
	return &Tracker{client: client}
}

func dayKey(bot string, class event.Class, day time.Time) string {
	return fmt.Sprintf("quota:%s:%s:%s", bot, class, day.UTC().Format("2006-01-02"))
}

// Consume increments the daily counter for (bot, class) and returns
// ErrLimitExceeded when the increment would pass the limit. The counter key
// expires two days after creation so stale days clean themselves up.
func (t *Tracker) Consume(ctx context.Context, bot string, class event.Class, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := dayKey(bot, class, time.Now())
	count, err := t.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("quota incr: %w", err)
	}
	if count == 1 {
		t.client.Expire(ctx, key, 48*time.Hour)
	}
	if count > int64(limit) {
		// Leave the counter incremented; the attempt still happened today.
		return event.ErrLimitExceeded
	}
	return nil
}

// Release decrements the daily counter, used when an enqueue is rolled back
// after the quota was already consumed.
func (t *Tracker) Release(ctx context.Context, bot string, class event.Class) {
	t.client.Decr(ctx, dayKey(bot, class, time.Now()))
}

// Used returns today's counter for (bot, class).
func (t *Tracker) Used(ctx context.Context, bot string, class event.Class) (int64, error) {
	count, err := t.client.Get(ctx, dayKey(bot, class, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Seen records a provider message id and reports whether it was already
// recorded within the dedup window. Redeliveries of processed messages are
// acknowledged without re-dispatching.
func (t *Tracker) Seen(ctx context.Context, bot, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	key := fmt.Sprintf("dedup:%s:%s", bot, messageID)
	fresh, err := t.client.SetNX(ctx, key, 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !fresh, nil
}
