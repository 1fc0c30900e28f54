package dispatcher

import (
	"container/list"
	"context"
	"sync"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// DefaultCacheSize is the number of bot agents kept in memory.
const DefaultCacheSize = 100

// Agent handles one bot's conversations. Implementations are loaded from
// trained model artifacts and are safe for concurrent use.
type Agent interface {
	// HandleMessage runs the conversation turn and returns the ordered
	// response elements for the channel encoder.
	HandleMessage(ctx context.Context, msg *AgentMessage) ([]AgentReply, error)
}

// Loader materialises an agent for a bot, typically from stored model
// artifacts. Loading is expensive; the cache deduplicates concurrent loads.
type Loader interface {
	Load(ctx context.Context, bot string) (Agent, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, bot string) (Agent, error)

func (f LoaderFunc) Load(ctx context.Context, bot string) (Agent, error) {
	return f(ctx, bot)
}

// ---------------------------------------------------------------------------
// LRU cache with deduplicated loads
// ---------------------------------------------------------------------------

type cacheEntry struct {
	bot   string
	agent Agent
}

// inflight is a single load in progress; late arrivals wait on done.
type inflight struct {
	done  chan struct{}
	agent Agent
	err   error
}

// AgentCache is a fixed-capacity LRU of loaded agents. A miss triggers a
// load through the Loader; concurrent misses for the same bot share one
// load. Eviction removes the least recently used agent.
type AgentCache struct {
	loader   Loader
	capacity int
	bus      domain.EventBus

	mu      sync.Mutex
	order   *list.List               // front = most recently used
	entries map[string]*list.Element // bot → element holding *cacheEntry
	loads   map[string]*inflight     // bot → load in progress
}

// NewAgentCache creates a cache holding at most capacity agents.
func NewAgentCache(loader Loader, capacity int, bus domain.EventBus) *AgentCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &AgentCache{
		loader:   loader,
		capacity: capacity,
		bus:      bus,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
		loads:    make(map[string]*inflight),
	}
}

// Get returns the cached agent for a bot, loading it on a miss.
func (c *AgentCache) Get(ctx context.Context, bot string) (Agent, error) {
	c.mu.Lock()
	if elem, ok := c.entries[bot]; ok {
		c.order.MoveToFront(elem)
		agent := elem.Value.(*cacheEntry).agent
		c.mu.Unlock()
		return agent, nil
	}

	if load, ok := c.loads[bot]; ok {
		// Another goroutine is already loading this bot; wait for it.
		c.mu.Unlock()
		select {
		case <-load.done:
			return load.agent, load.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	load := &inflight{done: make(chan struct{})}
	c.loads[bot] = load
	c.mu.Unlock()

	agent, err := c.loader.Load(ctx, bot)
	load.agent, load.err = agent, err
	close(load.done)

	c.mu.Lock()
	delete(c.loads, bot)
	if err == nil {
		c.insertLocked(bot, agent)
	}
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if c.bus != nil {
		c.bus.Publish(domain.NewEvent(domain.EventAgentLoaded, domain.EntityID(bot), nil))
	}
	return agent, nil
}

func (c *AgentCache) insertLocked(bot string, agent Agent) {
	if elem, ok := c.entries[bot]; ok {
		elem.Value.(*cacheEntry).agent = agent
		c.order.MoveToFront(elem)
		return
	}
	c.entries[bot] = c.order.PushFront(&cacheEntry{bot: bot, agent: agent})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*cacheEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.bot)
		logger.InfoCF("dispatcher", "Agent evicted", map[string]interface{}{
			"bot": evicted.bot,
		})
		if c.bus != nil {
			c.bus.Publish(domain.NewEvent(domain.EventAgentEvicted, domain.EntityID(evicted.bot), nil))
		}
	}
}

// Invalidate drops a bot's agent, forcing a reload on next use. Called
// after retraining completes.
func (c *AgentCache) Invalidate(bot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[bot]; ok {
		c.order.Remove(elem)
		delete(c.entries, bot)
	}
}

// Len returns the number of cached agents.
func (c *AgentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
