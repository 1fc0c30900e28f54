package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type stubAgent struct{ bot string }

func (a *stubAgent) HandleMessage(ctx context.Context, msg *AgentMessage) ([]AgentReply, error) {
	return []AgentReply{{Text: "reply from " + a.bot}}, nil
}

func countingLoader(counter *int32) Loader {
	return LoaderFunc(func(ctx context.Context, bot string) (Agent, error) {
		atomic.AddInt32(counter, 1)
		return &stubAgent{bot: bot}, nil
	})
}

func TestCacheHitDoesNotReload(t *testing.T) {
	var loads int32
	cache := NewAgentCache(countingLoader(&loads), 10, nil)

	ctx := context.Background()
	first, err := cache.Get(ctx, "bot-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := cache.Get(ctx, "bot-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if first != second {
		t.Error("expected the same cached agent")
	}
	if loads != 1 {
		t.Errorf("loads = %d, want 1", loads)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var loads int32
	cache := NewAgentCache(countingLoader(&loads), 2, nil)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Get(ctx, "bot-b"); err != nil {
		t.Fatal(err)
	}
	// Touch bot-a so bot-b becomes the eviction candidate.
	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.Get(ctx, "bot-c"); err != nil {
		t.Fatal(err)
	}

	if cache.Len() != 2 {
		t.Errorf("len = %d, want 2", cache.Len())
	}
	// bot-b was evicted; fetching it loads again.
	if _, err := cache.Get(ctx, "bot-b"); err != nil {
		t.Fatal(err)
	}
	if loads != 4 {
		t.Errorf("loads = %d, want 4", loads)
	}
	// bot-a survived the eviction; fetching it is still a hit.
	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatal(err)
	}
	if loads != 4 {
		t.Errorf("loads after bot-a hit = %d, want 4", loads)
	}
}

func TestCacheDeduplicatesConcurrentLoads(t *testing.T) {
	var loads int32
	release := make(chan struct{})
	loader := LoaderFunc(func(ctx context.Context, bot string) (Agent, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return &stubAgent{bot: bot}, nil
	})
	cache := NewAgentCache(loader, 10, nil)

	const callers = 8
	var wg sync.WaitGroup
	agents := make([]Agent, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent, err := cache.Get(context.Background(), "bot-a")
			if err != nil {
				t.Errorf("get: %v", err)
				return
			}
			agents[i] = agent
		}(i)
	}

	// Give every goroutine time to either start the load or queue behind it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if loads != 1 {
		t.Errorf("loads = %d, want 1 shared load", loads)
	}
	for i := 1; i < callers; i++ {
		if agents[i] != agents[0] {
			t.Fatalf("caller %d received a different agent", i)
		}
	}
}

func TestCacheLoadFailureNotCached(t *testing.T) {
	var loads int32
	loader := LoaderFunc(func(ctx context.Context, bot string) (Agent, error) {
		atomic.AddInt32(&loads, 1)
		if atomic.LoadInt32(&loads) == 1 {
			return nil, errors.New("artifact missing")
		}
		return &stubAgent{bot: bot}, nil
	})
	cache := NewAgentCache(loader, 10, nil)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "bot-a"); err == nil {
		t.Fatal("expected load failure")
	}
	if cache.Len() != 0 {
		t.Errorf("failed load was cached, len = %d", cache.Len())
	}
	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if loads != 2 {
		t.Errorf("loads = %d, want 2", loads)
	}
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	var loads int32
	cache := NewAgentCache(countingLoader(&loads), 10, nil)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatal(err)
	}
	cache.Invalidate("bot-a")
	if _, err := cache.Get(ctx, "bot-a"); err != nil {
		t.Fatal(err)
	}
	if loads != 2 {
		t.Errorf("loads = %d, want 2", loads)
	}
}
