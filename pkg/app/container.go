// Package app provides the composition root: it wires configuration,
// stores, the message bus and the platform services together.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kairon-chat/kairon/pkg/actions"
	"github.com/kairon-chat/kairon/pkg/agent"
	"github.com/kairon-chat/kairon/pkg/api"
	"github.com/kairon-chat/kairon/pkg/bus"
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/dispatcher"
	"github.com/kairon-chat/kairon/pkg/domain"
	channeldomain "github.com/kairon-chat/kairon/pkg/domain/channel"
	eventdomain "github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/events"
	"github.com/kairon-chat/kairon/pkg/infrastructure/eventbus"
	"github.com/kairon-chat/kairon/pkg/infrastructure/persistence"
	"github.com/kairon-chat/kairon/pkg/infrastructure/quota"
	"github.com/kairon-chat/kairon/pkg/logger"
	"github.com/kairon-chat/kairon/pkg/scheduler"
)

// ---------------------------------------------------------------------------
// Application container — dependency injection root
// ---------------------------------------------------------------------------

// Container holds the wired platform components.
type Container struct {
	Config   *config.Config
	EventBus domain.EventBus
	Bus      *bus.MessageBus

	Configs    channeldomain.ConfigRepository
	Logs       channeldomain.LogRepository
	Records    eventdomain.Repository
	Broadcasts eventdomain.BroadcastRepository

	Quotas      *quota.Tracker
	Sender      *channels.Sender
	Cache       *dispatcher.AgentCache
	Dispatcher  *dispatcher.Dispatcher
	Definitions *events.Definitions
	Executor    events.Executor
	Scheduler   *scheduler.Scheduler
	Server      *api.Server
	LLM         actions.LLMClient
	Vector      actions.VectorStore
	Registry    *actions.StaticRegistry

	jobStore *scheduler.Store
}

// NewContainer wires everything from configuration.
func NewContainer(cfg *config.Config) (*Container, error) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetJSON(cfg.Log.JSON)

	db, err := persistence.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	c := &Container{
		Config:     cfg,
		EventBus:   eventbus.New(),
		Bus:        bus.NewMessageBus(),
		Configs:    persistence.NewConfigStore(db),
		Logs:       persistence.NewLogStore(db),
		Records:    persistence.NewEventStore(db),
		Broadcasts: persistence.NewBroadcastStore(db),
		Quotas:     quota.New(redisClient),
		LLM:        actions.NewProviderRouter(cfg.LLM.OpenAIKey, cfg.LLM.AnthropicKey),
		Vector:     actions.NewQdrantStore(cfg.Vector.URL, cfg.Vector.APIKey),
		Registry:   actions.NewStaticRegistry(),
	}

	resolver := &actions.RuntimeResolver{Vector: c.Vector, DB: db, Registry: c.Registry}
	loader := agent.NewFileLoader(cfg.Storage.AgentsDir, c.LLM, resolver, nil)

	c.Sender = channels.NewSender(c.Logs)
	c.Cache = dispatcher.NewAgentCache(loader, dispatcher.DefaultCacheSize, c.EventBus)

	media, err := dispatcher.NewMediaStore(cfg.Storage.MediaDir)
	if err != nil {
		return nil, err
	}
	c.Dispatcher = dispatcher.New(c.Bus, c.Cache, c.Sender, media, c.EventBus)

	c.Definitions = events.NewDefinitions(events.Deps{
		Records:    c.Records,
		Broadcasts: c.Broadcasts,
		Configs:    c.Configs,
		Sender:     c.Sender,
		Quotas:     c.Quotas,
		DB:         db,
		Events:     &cfg.Events,
		DataRoot:   cfg.Storage.DataDir,
	})

	c.Executor, err = events.NewExecutor(&cfg.Events, c.Definitions)
	if err != nil {
		return nil, err
	}

	c.jobStore, err = scheduler.OpenStore(cfg.Scheduler.StorePath)
	if err != nil {
		return nil, err
	}
	c.Scheduler = scheduler.New(c.jobStore, scheduler.DispatcherFunc(c.dispatchScheduled),
		c.EventBus, time.Duration(cfg.Scheduler.PollSeconds)*time.Second)

	c.Server = api.NewServer(api.Deps{
		Config:      cfg,
		Configs:     c.Configs,
		Logs:        c.Logs,
		Bus:         c.Bus,
		Quotas:      c.Quotas,
		Definitions: c.Definitions,
		Executor:    c.Executor,
		Records:     c.Records,
		Scheduler:   c.Scheduler,
		Sender:      c.Sender,
	})
	return c, nil
}

// dispatchScheduled runs when a schedule fires: the event is enqueued
// through its definition, which records it and hands it to the executor.
func (c *Container) dispatchScheduled(ctx context.Context, entry *eventdomain.ScheduleEntry) error {
	def, err := c.Definitions.For(entry.Class)
	if err != nil {
		return err
	}
	bot := entry.Data["bot"]
	if bot == "" {
		return fmt.Errorf("schedule %s has no bot", entry.EventID)
	}
	user := entry.Data["user"]
	if err := def.Validate(ctx, bot, entry.Data); err != nil {
		return err
	}
	_, err = def.Enqueue(ctx, bot, user, entry.Data)
	return err
}

// Run starts the dispatcher loops, the scheduler and the HTTP server, and
// blocks until ctx is cancelled.
func (c *Container) Run(ctx context.Context) error {
	c.EventBus.Publish(domain.NewEvent(domain.EventSystemStartup, "", nil))
	c.Dispatcher.Start(ctx)
	go c.Scheduler.Run(ctx)

	err := c.Server.ListenAndServe(ctx)

	c.EventBus.Publish(domain.NewEvent(domain.EventSystemShutdown, "", nil))
	c.Dispatcher.Wait()
	c.Close()
	return err
}

// Close releases held resources.
func (c *Container) Close() {
	if err := c.Executor.Close(); err != nil {
		logger.WarnCF("app", "Executor close failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	if c.jobStore != nil {
		_ = c.jobStore.Close()
	}
	c.Bus.Close()
	c.EventBus.Close()
}

// PublishEvents dispatches pending events from an aggregate and clears them.
func (c *Container) PublishEvents(aggregate interface {
	PullEvents() []domain.Event
}) {
	for _, event := range aggregate.PullEvents() {
		c.EventBus.Publish(event)
	}
}
