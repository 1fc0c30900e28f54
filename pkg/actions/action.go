// Package actions implements the polymorphic action runtime the agent
// invokes during a conversation turn.
package actions

import (
	"context"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain"
)

// Kind tags one action variant.
type Kind string

const (
	KindHTTP           Kind = "http"
	KindDatabase       Kind = "database"
	KindPrompt         Kind = "prompt"
	KindPyscript       Kind = "pyscript"
	KindSlotSet        Kind = "slot_set"
	KindFormValidation Kind = "form_validation"
	KindEmail          Kind = "email"
	KindParallel       Kind = "parallel"
)

// Tracker is the read-only conversation snapshot an action consumes.
type Tracker struct {
	Bot           string
	Sender        string
	LatestMessage string
	Slots         map[string]interface{}
	Entities      map[string]string
	// BotResponses holds recent bot utterances, most recent last.
	BotResponses []string
	MediaIDs     []string
}

// Slot returns a slot value, nil when unset.
func (t *Tracker) Slot(name string) interface{} {
	if t.Slots == nil {
		return nil
	}
	return t.Slots[name]
}

// SlotString returns a slot value coerced to string.
func (t *Tracker) SlotString(name string) string {
	if v, ok := t.Slot(name).(string); ok {
		return v
	}
	return ""
}

// InvocationLog is the structured record of one action run.
type InvocationLog struct {
	Action    string                 `json:"action"`
	Kind      Kind                   `json:"kind"`
	Bot       string                 `json:"bot"`
	Sender    string                 `json:"sender"`
	Request   map[string]interface{} `json:"request,omitempty"`
	Response  string                 `json:"response,omitempty"`
	Elapsed   map[string]float64     `json:"elapsed,omitempty"` // step → seconds
	Exception string                 `json:"exception,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Result is what one action produces: text for the user, slot writes and
// the invocation log. Slot writes apply last-writer-wins; the runtime
// always applies kairon_action_response last.
type Result struct {
	Responses []string
	SlotSets  map[string]interface{}
	Log       *InvocationLog
}

// newResult allocates a result with the response slot pre-wired.
func newResult(action string, kind Kind, t *Tracker) *Result {
	return &Result{
		SlotSets: make(map[string]interface{}),
		Log: &InvocationLog{
			Action:    action,
			Kind:      kind,
			Bot:       t.Bot,
			Sender:    t.Sender,
			Elapsed:   make(map[string]float64),
			Timestamp: time.Now().UTC(),
		},
	}
}

// setActionResponse records the final answer on the reserved system slot.
func (r *Result) setActionResponse(text string) {
	r.SlotSets[domain.SlotActionResponse] = text
}

// Action is one executable variant.
type Action interface {
	Name() string
	Kind() Kind
	Execute(ctx context.Context, tracker *Tracker) (*Result, error)
}

// Registry resolves actions by name, used by action-sourced prompts and
// parallel composition.
type Registry interface {
	Lookup(bot, name string) (Action, error)
}

// LogSink receives invocation logs. Implementations must not block.
type LogSink interface {
	Record(log *InvocationLog)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Error is a typed error for the action runtime.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrActionNotFound Error = "action not found"
	ErrFaqDisabled    Error = "Faq feature is disabled for the bot! Please contact support."
	ErrModelNotFound  Error = "LLM model is not registered for the bot"
	ErrBadActionKind  Error = "unknown action kind"
)
