package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/kairon-chat/kairon/pkg/logger"
)

// maxParallelActions bounds concurrency inside a parallel composition.
const maxParallelActions = 5

// ---------------------------------------------------------------------------
// HTTP action
// ---------------------------------------------------------------------------

// HTTPAction calls a configured endpoint, substituting slot values into the
// request, and stores the response body.
type HTTPAction struct {
	ActionName  string
	URL         string
	Method      string
	Headers     map[string]string
	Params      map[string]string // body params; ${slot} values resolve from the tracker
	ResponseKey string            // optional JSON path into the response
	Timeout     time.Duration

	httpc *http.Client
}

var _ Action = (*HTTPAction)(nil)

func (a *HTTPAction) Name() string { return a.ActionName }
func (a *HTTPAction) Kind() Kind   { return KindHTTP }

func (a *HTTPAction) client() *http.Client {
	if a.httpc != nil {
		return a.httpc
	}
	timeout := a.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (a *HTTPAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindHTTP, tracker)
	started := time.Now()

	body := make(map[string]interface{}, len(a.Params))
	for k, v := range a.Params {
		body[k] = resolveSlotRef(v, tracker)
	}
	result.Log.Request = body

	method := a.Method
	if method == "" {
		method = http.MethodPost
	}
	var reader *bytes.Reader
	if method == http.MethodGet {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			return a.fail(result, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.URL, reader)
	if err != nil {
		return a.fail(result, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.Headers {
		req.Header.Set(k, stringify(resolveSlotRef(v, tracker)))
	}

	resp, err := a.client().Do(req)
	if err != nil {
		return a.fail(result, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return a.fail(result, fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}

	var payload interface{}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return a.fail(result, err)
	}
	answer := extractPath(payload, a.ResponseKey)

	result.Log.Response = answer
	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	result.Responses = append(result.Responses, answer)
	result.setActionResponse(answer)
	return result, nil
}

func (a *HTTPAction) fail(result *Result, err error) (*Result, error) {
	result.Log.Exception = err.Error()
	return result, err
}

// resolveSlotRef expands "${slot_name}" values from the tracker.
func resolveSlotRef(v string, tracker *Tracker) interface{} {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		name := v[2 : len(v)-1]
		if val := tracker.Slot(name); val != nil {
			return val
		}
		return ""
	}
	return v
}

// extractPath walks a dotted key path into decoded JSON. An empty path
// stringifies the whole payload.
func extractPath(payload interface{}, path string) string {
	if path == "" {
		return stringify(payload)
	}
	current := payload
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return ""
		}
		current, ok = m[part]
		if !ok {
			return ""
		}
	}
	return stringify(current)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

// ---------------------------------------------------------------------------
// Database action
// ---------------------------------------------------------------------------

// DatabaseAction runs a configured query against a named collection and
// returns matching rows as the response.
type DatabaseAction struct {
	ActionName string
	Collection string
	Query      map[string]interface{} // column → value; ${slot} values resolve
	Limit      int

	DB *gorm.DB
}

var _ Action = (*DatabaseAction)(nil)

func (a *DatabaseAction) Name() string { return a.ActionName }
func (a *DatabaseAction) Kind() Kind   { return KindDatabase }

func (a *DatabaseAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindDatabase, tracker)
	started := time.Now()

	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}
	where := make(map[string]interface{}, len(a.Query))
	for k, v := range a.Query {
		if s, ok := v.(string); ok {
			where[k] = resolveSlotRef(s, tracker)
		} else {
			where[k] = v
		}
	}

	var rows []map[string]interface{}
	err := a.DB.WithContext(ctx).Table(a.Collection).
		Where(where).Limit(limit).Find(&rows).Error
	if err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}

	raw, err := json.Marshal(rows)
	if err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}
	answer := string(raw)
	result.Log.Response = answer
	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	result.Responses = append(result.Responses, answer)
	result.setActionResponse(answer)
	return result, nil
}

// ---------------------------------------------------------------------------
// Pyscript action
// ---------------------------------------------------------------------------

// PyscriptAction ships a stored script plus the tracker snapshot to the
// script evaluator service and returns its output.
type PyscriptAction struct {
	ActionName   string
	Source       string
	EvaluatorURL string

	httpc *http.Client
}

var _ Action = (*PyscriptAction)(nil)

func (a *PyscriptAction) Name() string { return a.ActionName }
func (a *PyscriptAction) Kind() Kind   { return KindPyscript }

func (a *PyscriptAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindPyscript, tracker)
	started := time.Now()

	body := map[string]interface{}{
		"source_code": a.Source,
		"predefined_objects": map[string]interface{}{
			"slot":           tracker.Slots,
			"latest_message": tracker.LatestMessage,
			"sender_id":      tracker.Sender,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}

	client := a.httpc
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.EvaluatorURL, bytes.NewReader(raw))
	if err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("evaluator returned %d", resp.StatusCode)
		result.Log.Exception = err.Error()
		return result, err
	}

	var out struct {
		Response string                 `json:"bot_response"`
		Slots    map[string]interface{} `json:"slots"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}

	for k, v := range out.Slots {
		result.SlotSets[k] = v
	}
	result.Log.Response = out.Response
	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	if out.Response != "" {
		result.Responses = append(result.Responses, out.Response)
	}
	result.setActionResponse(out.Response)
	return result, nil
}

// ---------------------------------------------------------------------------
// Slot set action
// ---------------------------------------------------------------------------

// SlotSetAction writes configured slot values. Supported operations:
// from_value, reset_slot, from_slot.
type SlotSetAction struct {
	ActionName string
	Sets       []SlotSetSpec
}

type SlotSetSpec struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"` // from_value | reset_slot | from_slot
	Value    interface{} `json:"value,omitempty"`
	FromSlot string      `json:"from_slot,omitempty"`
}

var _ Action = (*SlotSetAction)(nil)

func (a *SlotSetAction) Name() string { return a.ActionName }
func (a *SlotSetAction) Kind() Kind   { return KindSlotSet }

func (a *SlotSetAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindSlotSet, tracker)
	for _, set := range a.Sets {
		switch set.Type {
		case "reset_slot":
			result.SlotSets[set.Name] = nil
		case "from_slot":
			result.SlotSets[set.Name] = tracker.Slot(set.FromSlot)
		default:
			result.SlotSets[set.Name] = set.Value
		}
	}
	result.setActionResponse("")
	return result, nil
}

// ---------------------------------------------------------------------------
// Form validation action
// ---------------------------------------------------------------------------

// FormValidationAction checks a slot value against a semantic expression
// evaluated by the script evaluator; an invalid value resets the slot.
type FormValidationAction struct {
	ActionName   string
	Slot         string
	Semantic     string
	ValidMsg     string
	InvalidMsg   string
	EvaluatorURL string

	httpc *http.Client
}

var _ Action = (*FormValidationAction)(nil)

func (a *FormValidationAction) Name() string { return a.ActionName }
func (a *FormValidationAction) Kind() Kind   { return KindFormValidation }

func (a *FormValidationAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindFormValidation, tracker)
	value := tracker.Slot(a.Slot)

	valid := value != nil && value != ""
	if a.Semantic != "" {
		ok, err := a.evaluate(ctx, value)
		if err != nil {
			result.Log.Exception = err.Error()
			return result, err
		}
		valid = ok
	}

	if valid {
		if a.ValidMsg != "" {
			result.Responses = append(result.Responses, a.ValidMsg)
		}
	} else {
		result.SlotSets[a.Slot] = nil
		if a.InvalidMsg != "" {
			result.Responses = append(result.Responses, a.InvalidMsg)
		}
	}
	result.setActionResponse("")
	return result, nil
}

func (a *FormValidationAction) evaluate(ctx context.Context, value interface{}) (bool, error) {
	client := a.httpc
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"expression": a.Semantic,
		"value":      value,
	})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.EvaluatorURL, bytes.NewReader(raw))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	var out struct {
		Result bool `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Result, nil
}

// ---------------------------------------------------------------------------
// Email action
// ---------------------------------------------------------------------------

// EmailAction sends the conversation summary over SMTP.
type EmailAction struct {
	ActionName string
	SMTPHost   string
	SMTPPort   int
	Username   string
	Password   string
	From       string
	To         []string
	Subject    string
	SuccessMsg string
}

var _ Action = (*EmailAction)(nil)

func (a *EmailAction) Name() string { return a.ActionName }
func (a *EmailAction) Kind() Kind   { return KindEmail }

func (a *EmailAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindEmail, tracker)
	started := time.Now()

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n",
		a.From, strings.Join(a.To, ", "), a.Subject)
	body.WriteString("Conversation with " + tracker.Sender + "\r\n\r\n")
	for _, resp := range tracker.BotResponses {
		body.WriteString(resp + "\r\n")
	}

	addr := fmt.Sprintf("%s:%d", a.SMTPHost, a.SMTPPort)
	auth := smtp.PlainAuth("", a.Username, a.Password, a.SMTPHost)
	if err := smtp.SendMail(addr, auth, a.From, a.To, []byte(body.String())); err != nil {
		result.Log.Exception = err.Error()
		return result, err
	}

	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	msg := a.SuccessMsg
	if msg == "" {
		msg = "Email sent"
	}
	result.Responses = append(result.Responses, msg)
	result.setActionResponse(msg)
	return result, nil
}

// ---------------------------------------------------------------------------
// Parallel composition
// ---------------------------------------------------------------------------

// ParallelAction runs named actions concurrently with bounded parallelism.
// Errors are aggregated; slot writes merge in declaration order after all
// branches finish, so the declared order stays deterministic.
type ParallelAction struct {
	ActionName  string
	ActionNames []string
	Registry    Registry
	Dispatch    bool // dispatch branch responses to the user
}

var _ Action = (*ParallelAction)(nil)

func (a *ParallelAction) Name() string { return a.ActionName }
func (a *ParallelAction) Kind() Kind   { return KindParallel }

func (a *ParallelAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.ActionName, KindParallel, tracker)
	started := time.Now()

	results := make([]*Result, len(a.ActionNames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelActions)
	for i, name := range a.ActionNames {
		g.Go(func() error {
			action, err := a.Registry.Lookup(tracker.Bot, name)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			res, err := action.Execute(gctx, tracker)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			results[i] = res
			return nil
		})
	}
	err := g.Wait()

	for _, res := range results {
		if res == nil {
			continue
		}
		for k, v := range res.SlotSets {
			result.SlotSets[k] = v
		}
		if a.Dispatch {
			result.Responses = append(result.Responses, res.Responses...)
		}
	}
	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	if err != nil {
		result.Log.Exception = err.Error()
		logger.WarnCF("actions", "Parallel branch failed", map[string]interface{}{
			"action": a.ActionName, "bot": tracker.Bot, "error": err.Error(),
		})
		return result, err
	}
	result.setActionResponse("")
	return result, nil
}
