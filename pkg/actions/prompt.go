package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// defaultFailureMessage answers the user when the action cannot.
const defaultFailureMessage = "I'm sorry, I didn't quite understand that. Could you rephrase?"

const (
	defaultTopResults   = 10
	maxTopResults       = 30
	defaultThreshold    = 0.70
	minThreshold        = 0.3
	maxThreshold        = 1.0
	defaultCrudLimit    = 10
	maxHistoryResponses = 5
)

// PromptType positions a prompt in the completion request.
type PromptType string

const (
	PromptSystem PromptType = "system"
	PromptUser   PromptType = "user"
	PromptQuery  PromptType = "query"
)

// PromptSource names where a prompt's content comes from.
type PromptSource string

const (
	SourceStatic     PromptSource = "static"
	SourceSlot       PromptSource = "slot"
	SourceAction     PromptSource = "action"
	SourceHistory    PromptSource = "history"
	SourceBotContent PromptSource = "bot_content"
	SourceCrud       PromptSource = "crud"
)

// Prompt is one ordered entry in a prompt action's configuration.
type Prompt struct {
	Name         string       `json:"name"`
	Type         PromptType   `json:"type"`
	Source       PromptSource `json:"source"`
	Data         string       `json:"data"` // static text, slot name, action name or collection
	Instructions string       `json:"instructions,omitempty"`
	IsEnabled    bool         `json:"is_enabled"`

	// bot_content tuning
	TopResults          int     `json:"top_results,omitempty"`
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	Crud *CrudConfig `json:"crud_config,omitempty"`
}

// CrudConfig describes a crud-sourced prompt.
type CrudConfig struct {
	Collections   []string `json:"collections"`
	Query         string   `json:"query,omitempty"`
	QueryFromSlot string   `json:"query_from_slot,omitempty"`
	ResultLimit   int      `json:"result_limit,omitempty"`
}

// UserQuestion selects the text the model is asked about.
type UserQuestion struct {
	Type string `json:"type"` // from_user_message | from_slot
	Slot string `json:"value,omitempty"`
}

// SetSlotMapping fills a slot from the model response.
type SetSlotMapping struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"` // dotted path into a JSON response
	Evaluator string `json:"evaluator,omitempty"`
}

// BotSettings gates LLM features per bot.
type BotSettings struct {
	EnableFAQ       bool
	MediaProcessing bool
	AllowedModels   []string
}

// ModelAllowed reports whether the bot may call the model. An empty
// whitelist allows everything.
func (s BotSettings) ModelAllowed(model string) bool {
	if len(s.AllowedModels) == 0 {
		return true
	}
	for _, m := range s.AllowedModels {
		if m == model {
			return true
		}
	}
	return false
}

// PromptActionConfig is the stored configuration of one prompt action.
type PromptActionConfig struct {
	Name             string           `json:"name"`
	UserQuestion     UserQuestion     `json:"user_question"`
	Prompts          []Prompt         `json:"llm_prompts"`
	NumBotResponses  int              `json:"num_bot_responses"`
	FailureMessage   string           `json:"failure_message,omitempty"`
	DispatchResponse bool             `json:"dispatch_response"`
	Hyperparameters  Hyperparameters  `json:"hyperparameters"`
	SetSlots         []SetSlotMapping `json:"set_slots,omitempty"`
}

// ---------------------------------------------------------------------------
// user_msg resolution
// ---------------------------------------------------------------------------

// BuildUserMsg resolves the question text. A "/" payload message defers to
// the kairon_user_msg entity when present.
func BuildUserMsg(cfg *PromptActionConfig, tracker *Tracker) string {
	if cfg.UserQuestion.Type == "from_slot" {
		return tracker.SlotString(cfg.UserQuestion.Slot)
	}
	msg := tracker.LatestMessage
	if strings.HasPrefix(msg, "/") {
		if entity, ok := tracker.Entities[domain.EntityUserMsg]; ok && entity != "" {
			return entity
		}
	}
	return msg
}

// ---------------------------------------------------------------------------
// Assembly — pure given a resolver for the sourced parts
// ---------------------------------------------------------------------------

// PromptResolver supplies the externally sourced prompt parts during
// assembly. Implementations do the I/O; assembly itself stays deterministic
// for a given resolver.
type PromptResolver interface {
	// Similar answers a bot_content similarity request.
	Similar(ctx context.Context, bot string, query SimilarityQuery) ([]SimilarityHit, error)
	// Crud runs a crud query against one collection.
	Crud(ctx context.Context, bot, collection string, query map[string]interface{}, limit int) ([]map[string]interface{}, error)
	// RunAction executes another action by name.
	RunAction(ctx context.Context, bot, name string, tracker *Tracker) (*Result, error)
}

// AssembledParams is the completion request before the network call.
type AssembledParams struct {
	System  string
	Context []string // ordered context blocks injected above the question
	History []HistoryTurn
	Query   string // verbatim query block, when enabled
	UserMsg string
}

// UserPrompt renders the final user-role message.
func (p *AssembledParams) UserPrompt() string {
	var b strings.Builder
	for _, block := range p.Context {
		b.WriteString(block)
		b.WriteString("\n\n")
	}
	if p.Query != "" {
		b.WriteString(p.Query)
		b.WriteString("\n\n")
	}
	b.WriteString("Q: ")
	b.WriteString(p.UserMsg)
	b.WriteString("\nA:")
	return b.String()
}

// Assemble walks the configured prompts in order and produces the
// completion parameters. Disabled prompts are skipped; a failed action
// source drops that prompt rather than failing the whole assembly.
func Assemble(ctx context.Context, cfg *PromptActionConfig, tracker *Tracker, resolver PromptResolver) (*AssembledParams, error) {
	params := &AssembledParams{UserMsg: BuildUserMsg(cfg, tracker)}
	var system []string

	for _, prompt := range cfg.Prompts {
		if !prompt.IsEnabled {
			continue
		}
		switch prompt.Type {
		case PromptSystem:
			system = append(system, prompt.Data)
		case PromptQuery:
			params.Query = prompt.Data
		case PromptUser:
			block, err := assembleUserPrompt(ctx, cfg, &prompt, tracker, resolver)
			if err != nil {
				return nil, err
			}
			if block != "" {
				params.Context = append(params.Context, block)
			}
		}
		if prompt.Source == SourceHistory {
			params.History = historyTurns(tracker, cfg.NumBotResponses)
		}
	}

	params.System = strings.Join(system, "\n")
	return params, nil
}

func assembleUserPrompt(ctx context.Context, cfg *PromptActionConfig, prompt *Prompt, tracker *Tracker, resolver PromptResolver) (string, error) {
	switch prompt.Source {
	case SourceStatic:
		return labelled(prompt, prompt.Data), nil

	case SourceSlot:
		value := tracker.SlotString(prompt.Data)
		if value == "" {
			return "", nil
		}
		return labelled(prompt, value), nil

	case SourceBotContent:
		query := SimilarityQuery{
			Collection: prompt.Data,
			Text:       BuildUserMsg(cfg, tracker),
			TopK:       clampTopK(prompt.TopResults),
			Threshold:  clampThreshold(prompt.SimilarityThreshold),
		}
		hits, err := resolver.Similar(ctx, tracker.Bot, query)
		if err != nil {
			return "", fmt.Errorf("similarity search: %w", err)
		}
		if len(hits) == 0 {
			return "", nil
		}
		parts := make([]string, 0, len(hits))
		for _, hit := range hits {
			parts = append(parts, hit.Text)
		}
		return labelled(prompt, strings.Join(parts, "\n")), nil

	case SourceCrud:
		if prompt.Crud == nil {
			return "", nil
		}
		query, err := crudQuery(prompt.Crud, tracker)
		if err != nil {
			return "", err
		}
		limit := prompt.Crud.ResultLimit
		if limit <= 0 {
			limit = defaultCrudLimit
		}
		var union []map[string]interface{}
		for _, collection := range prompt.Crud.Collections {
			rows, err := resolver.Crud(ctx, tracker.Bot, collection, query, limit)
			if err != nil {
				return "", fmt.Errorf("crud %s: %w", collection, err)
			}
			union = append(union, rows...)
		}
		if len(union) == 0 {
			return "", nil
		}
		raw, err := json.Marshal(union)
		if err != nil {
			return "", err
		}
		return labelled(prompt, string(raw)), nil

	case SourceAction:
		res, err := resolver.RunAction(ctx, tracker.Bot, prompt.Data, tracker)
		if err != nil {
			// Action failure gates inclusion, not the whole assembly.
			logger.WarnCF("actions", "Action-sourced prompt skipped", map[string]interface{}{
				"action": prompt.Data, "bot": tracker.Bot, "error": err.Error(),
			})
			return "", nil
		}
		answer, _ := res.SlotSets[domain.SlotActionResponse].(string)
		if answer == "" {
			return "", nil
		}
		return labelled(prompt, answer), nil

	case SourceHistory:
		// History is attached as conversation turns, not prompt text.
		return "", nil

	default:
		return "", nil
	}
}

func labelled(prompt *Prompt, content string) string {
	var b strings.Builder
	if prompt.Name != "" {
		b.WriteString(prompt.Name)
		b.WriteString(":\n")
	}
	b.WriteString(content)
	if prompt.Instructions != "" {
		b.WriteString("\nInstructions on how to use ")
		b.WriteString(prompt.Name)
		b.WriteString(": ")
		b.WriteString(prompt.Instructions)
	}
	return b.String()
}

func crudQuery(cfg *CrudConfig, tracker *Tracker) (map[string]interface{}, error) {
	raw := cfg.Query
	if cfg.QueryFromSlot != "" {
		raw = tracker.SlotString(cfg.QueryFromSlot)
	}
	if raw == "" {
		return map[string]interface{}{}, nil
	}
	var query map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &query); err != nil {
		return nil, fmt.Errorf("crud query is not valid JSON: %w", err)
	}
	return query, nil
}

func historyTurns(tracker *Tracker, limit int) []HistoryTurn {
	if limit <= 0 || limit > maxHistoryResponses {
		limit = maxHistoryResponses
	}
	responses := tracker.BotResponses
	if len(responses) > limit {
		responses = responses[len(responses)-limit:]
	}
	turns := make([]HistoryTurn, 0, len(responses))
	for _, resp := range responses {
		turns = append(turns, HistoryTurn{Role: "assistant", Text: resp})
	}
	return turns
}

func clampTopK(k int) int {
	if k <= 0 {
		return defaultTopResults
	}
	if k > maxTopResults {
		return maxTopResults
	}
	return k
}

func clampThreshold(t float64) float64 {
	if t == 0 {
		return defaultThreshold
	}
	if t < minThreshold {
		return minThreshold
	}
	if t > maxThreshold {
		return maxThreshold
	}
	return t
}

// ---------------------------------------------------------------------------
// PromptAction
// ---------------------------------------------------------------------------

// PromptAction is the LLM-backed answer action. Any step failure resolves
// to the configured failure message; the turn itself still succeeds.
type PromptAction struct {
	Config   *PromptActionConfig
	Settings BotSettings
	LLM      LLMClient
	Resolver PromptResolver
	Sink     LogSink
}

var _ Action = (*PromptAction)(nil)

func (a *PromptAction) Name() string { return a.Config.Name }
func (a *PromptAction) Kind() Kind   { return KindPrompt }

func (a *PromptAction) Execute(ctx context.Context, tracker *Tracker) (*Result, error) {
	result := newResult(a.Config.Name, KindPrompt, tracker)
	started := time.Now()

	fail := func(err error) (*Result, error) {
		result.Log.Exception = err.Error()
		result.Log.Elapsed["total"] = time.Since(started).Seconds()
		message := a.Config.FailureMessage
		if message == "" {
			message = defaultFailureMessage
		}
		if a.Config.DispatchResponse {
			result.Responses = append(result.Responses, message)
		}
		result.setActionResponse(message)
		a.record(result)
		return result, nil
	}

	if !a.Settings.EnableFAQ {
		return fail(ErrFaqDisabled)
	}
	if !a.Settings.ModelAllowed(a.Config.Hyperparameters.Model) {
		return fail(fmt.Errorf("%w: %s", ErrModelNotFound, a.Config.Hyperparameters.Model))
	}

	assembleStart := time.Now()
	params, err := Assemble(ctx, a.Config, tracker, a.Resolver)
	if err != nil {
		return fail(err)
	}
	result.Log.Elapsed["build_params"] = time.Since(assembleStart).Seconds()
	media := a.attachMedia(tracker)
	result.Log.Request = map[string]interface{}{
		"system": params.System,
		"user":   params.UserPrompt(),
		"model":  a.Config.Hyperparameters.Model,
	}
	if len(media) > 0 {
		result.Log.Request["media_attachments"] = len(media)
	}

	llmStart := time.Now()
	resp, err := a.LLM.Complete(ctx, &LLMRequest{
		System:  params.System,
		User:    params.UserPrompt(),
		History: params.History,
		Media:   media,
		Params:  a.Config.Hyperparameters,
	})
	if err != nil {
		return fail(err)
	}
	result.Log.Elapsed["llm_call"] = time.Since(llmStart).Seconds()
	result.Log.Response = resp.Text

	a.fillSlots(result, resp.Text)
	result.Log.Elapsed["total"] = time.Since(started).Seconds()
	if a.Config.DispatchResponse {
		result.Responses = append(result.Responses, resp.Text)
	}
	result.setActionResponse(resp.Text)
	a.record(result)
	return result, nil
}

// attachMedia loads the turn's persisted media into inline attachments.
// Media processing must be enabled for the bot; only image attachments are
// forwarded, other kinds stay metadata-only.
func (a *PromptAction) attachMedia(tracker *Tracker) []LLMMedia {
	if !a.Settings.MediaProcessing || len(tracker.MediaIDs) == 0 {
		return nil
	}
	media := make([]LLMMedia, 0, len(tracker.MediaIDs))
	for _, id := range tracker.MediaIDs {
		path := tracker.SlotString("media_" + id)
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.WarnCF("actions", "Media attachment skipped", map[string]interface{}{
				"action": a.Config.Name, "media_id": id, "error": err.Error(),
			})
			continue
		}
		mediaType := http.DetectContentType(data)
		if !strings.HasPrefix(mediaType, "image/") {
			continue
		}
		media = append(media, LLMMedia{
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return media
}

// fillSlots applies set_slots mappings from the model response. A mapping
// with a path expects a JSON response and extracts the value at that path.
func (a *PromptAction) fillSlots(result *Result, response string) {
	for _, mapping := range a.Config.SetSlots {
		if mapping.Path == "" {
			result.SlotSets[mapping.Name] = response
			continue
		}
		var payload interface{}
		if err := json.Unmarshal([]byte(response), &payload); err != nil {
			logger.WarnCF("actions", "Slot mapping skipped, response is not JSON", map[string]interface{}{
				"action": a.Config.Name, "slot": mapping.Name,
			})
			continue
		}
		if value := extractPath(payload, mapping.Path); value != "" {
			result.SlotSets[mapping.Name] = value
		}
	}
}

func (a *PromptAction) record(result *Result) {
	if a.Sink != nil {
		a.Sink.Record(result.Log)
	}
	logger.InfoCF("actions", "Prompt action finished", map[string]interface{}{
		"action": a.Config.Name,
		"bot":    result.Log.Bot,
		"failed": result.Log.Exception != "",
	})
}
