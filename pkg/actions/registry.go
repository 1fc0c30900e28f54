package actions

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

// StaticRegistry keeps actions registered in memory, keyed by bot.
type StaticRegistry struct {
	mu      sync.RWMutex
	actions map[string]map[string]Action
}

var _ Registry = (*StaticRegistry)(nil)

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{actions: make(map[string]map[string]Action)}
}

// Register binds an action to a bot, replacing any previous registration
// under the same name.
func (r *StaticRegistry) Register(bot string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions[bot] == nil {
		r.actions[bot] = make(map[string]Action)
	}
	r.actions[bot][action.Name()] = action
}

func (r *StaticRegistry) Lookup(bot, name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if action, ok := r.actions[bot][name]; ok {
		return action, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrActionNotFound, name)
}

// ---------------------------------------------------------------------------
// Resolver wiring the sourced prompt parts to real backends
// ---------------------------------------------------------------------------

// RuntimeResolver backs prompt assembly with the vector store, the
// relational store and the action registry.
type RuntimeResolver struct {
	Vector   VectorStore
	DB       *gorm.DB
	Registry Registry
}

var _ PromptResolver = (*RuntimeResolver)(nil)

func (r *RuntimeResolver) Similar(ctx context.Context, bot string, query SimilarityQuery) ([]SimilarityHit, error) {
	if r.Vector == nil {
		return nil, nil
	}
	return r.Vector.Search(ctx, bot, query)
}

func (r *RuntimeResolver) Crud(ctx context.Context, bot, collection string, query map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	q := r.DB.WithContext(ctx).Table(collection).Where("bot = ?", bot)
	if len(query) > 0 {
		q = q.Where(query)
	}
	err := q.Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *RuntimeResolver) RunAction(ctx context.Context, bot, name string, tracker *Tracker) (*Result, error) {
	action, err := r.Registry.Lookup(bot, name)
	if err != nil {
		return nil, err
	}
	return action.Execute(ctx, tracker)
}
