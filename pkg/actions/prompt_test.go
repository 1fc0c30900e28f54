package actions

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kairon-chat/kairon/pkg/domain"
)

// stubResolver returns canned content for sourced prompts.
type stubResolver struct {
	hits       []SimilarityHit
	similarErr error
	lastQuery  SimilarityQuery
	crudRows   []map[string]interface{}
	actionText string
	actionErr  error
}

func (r *stubResolver) Similar(ctx context.Context, bot string, query SimilarityQuery) ([]SimilarityHit, error) {
	r.lastQuery = query
	return r.hits, r.similarErr
}

func (r *stubResolver) Crud(ctx context.Context, bot, collection string, query map[string]interface{}, limit int) ([]map[string]interface{}, error) {
	return r.crudRows, nil
}

func (r *stubResolver) RunAction(ctx context.Context, bot, name string, tracker *Tracker) (*Result, error) {
	if r.actionErr != nil {
		return nil, r.actionErr
	}
	res := &Result{SlotSets: map[string]interface{}{domain.SlotActionResponse: r.actionText}}
	return res, nil
}

// stubLLM answers with a fixed completion.
type stubLLM struct {
	text    string
	err     error
	lastReq *LLMRequest
}

func (s *stubLLM) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	s.lastReq = req
	if s.err != nil {
		return nil, s.err
	}
	return &LLMResponse{Text: s.text}, nil
}

func promptTracker(text string) *Tracker {
	return &Tracker{
		Bot:           "test_bot",
		Sender:        "user-1",
		LatestMessage: text,
		Slots:         map[string]interface{}{},
		Entities:      map[string]string{},
	}
}

// ---------------------------------------------------------------------------
// user_msg resolution
// ---------------------------------------------------------------------------

func TestBuildUserMsg(t *testing.T) {
	cfg := &PromptActionConfig{UserQuestion: UserQuestion{Type: "from_user_message"}}

	tracker := promptTracker("what are your hours")
	if got := BuildUserMsg(cfg, tracker); got != "what are your hours" {
		t.Errorf("got %q", got)
	}

	// Payload message defers to the override entity.
	tracker = promptTracker("/faq_intent")
	tracker.Entities[domain.EntityUserMsg] = "what are your hours"
	if got := BuildUserMsg(cfg, tracker); got != "what are your hours" {
		t.Errorf("entity override: got %q", got)
	}

	// Payload message without the entity stays as-is.
	tracker = promptTracker("/faq_intent")
	if got := BuildUserMsg(cfg, tracker); got != "/faq_intent" {
		t.Errorf("payload without entity: got %q", got)
	}

	// from_slot reads the configured slot.
	cfg = &PromptActionConfig{UserQuestion: UserQuestion{Type: "from_slot", Slot: "question"}}
	tracker = promptTracker("ignored")
	tracker.Slots["question"] = "slot question"
	if got := BuildUserMsg(cfg, tracker); got != "slot question" {
		t.Errorf("from_slot: got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Assembly
// ---------------------------------------------------------------------------

func TestAssembleOrdersContextBlocks(t *testing.T) {
	cfg := &PromptActionConfig{
		UserQuestion: UserQuestion{Type: "from_user_message"},
		Prompts: []Prompt{
			{Name: "System Prompt", Type: PromptSystem, Source: SourceStatic, Data: "You answer support questions.", IsEnabled: true},
			{Name: "Guidelines", Type: PromptUser, Source: SourceStatic, Data: "Be brief.", IsEnabled: true, Instructions: "Follow strictly."},
			{Name: "Similarity Prompt", Type: PromptUser, Source: SourceBotContent, Data: "default", IsEnabled: true},
			{Name: "Disabled", Type: PromptUser, Source: SourceStatic, Data: "never seen", IsEnabled: false},
			{Name: "Query Prompt", Type: PromptQuery, Source: SourceStatic, Data: "Answer from context only.", IsEnabled: true},
		},
	}
	resolver := &stubResolver{hits: []SimilarityHit{{Text: "We open at 9am."}, {Text: "We close at 6pm."}}}
	tracker := promptTracker("when do you open")

	params, err := Assemble(context.Background(), cfg, tracker, resolver)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if params.System != "You answer support questions." {
		t.Errorf("system = %q", params.System)
	}
	if len(params.Context) != 2 {
		t.Fatalf("context blocks = %d, want 2", len(params.Context))
	}
	if !strings.Contains(params.Context[0], "Be brief.") ||
		!strings.Contains(params.Context[0], "Instructions on how to use Guidelines: Follow strictly.") {
		t.Errorf("static block = %q", params.Context[0])
	}
	if !strings.Contains(params.Context[1], "We open at 9am.\nWe close at 6pm.") {
		t.Errorf("similarity block = %q", params.Context[1])
	}

	user := params.UserPrompt()
	if !strings.HasSuffix(user, "Q: when do you open\nA:") {
		t.Errorf("user prompt = %q", user)
	}
	guidelinesAt := strings.Index(user, "Be brief.")
	similarityAt := strings.Index(user, "We open at 9am.")
	queryAt := strings.Index(user, "Answer from context only.")
	if !(guidelinesAt < similarityAt && similarityAt < queryAt) {
		t.Errorf("blocks out of order in %q", user)
	}
}

func TestAssembleClampsSimilarityTuning(t *testing.T) {
	tests := []struct {
		name          string
		topK          int
		threshold     float64
		wantTopK      int
		wantThreshold float64
	}{
		{"defaults", 0, 0, 10, 0.70},
		{"over cap", 100, 2.0, 30, 1.0},
		{"under floor", 5, 0.1, 5, 0.3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &PromptActionConfig{
				UserQuestion: UserQuestion{Type: "from_user_message"},
				Prompts: []Prompt{{
					Type: PromptUser, Source: SourceBotContent, Data: "default", IsEnabled: true,
					TopResults: tt.topK, SimilarityThreshold: tt.threshold,
				}},
			}
			resolver := &stubResolver{}
			if _, err := Assemble(context.Background(), cfg, promptTracker("q"), resolver); err != nil {
				t.Fatalf("assemble: %v", err)
			}
			if resolver.lastQuery.TopK != tt.wantTopK {
				t.Errorf("topK = %d, want %d", resolver.lastQuery.TopK, tt.wantTopK)
			}
			if resolver.lastQuery.Threshold != tt.wantThreshold {
				t.Errorf("threshold = %v, want %v", resolver.lastQuery.Threshold, tt.wantThreshold)
			}
		})
	}
}

func TestAssembleSkipsFailedActionSource(t *testing.T) {
	cfg := &PromptActionConfig{
		UserQuestion: UserQuestion{Type: "from_user_message"},
		Prompts: []Prompt{
			{Name: "Lookup", Type: PromptUser, Source: SourceAction, Data: "missing_action", IsEnabled: true},
			{Name: "Static", Type: PromptUser, Source: SourceStatic, Data: "still here", IsEnabled: true},
		},
	}
	resolver := &stubResolver{actionErr: errors.New("boom")}
	params, err := Assemble(context.Background(), cfg, promptTracker("q"), resolver)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(params.Context) != 1 || !strings.Contains(params.Context[0], "still here") {
		t.Errorf("context = %v, want only the static block", params.Context)
	}
}

func TestAssembleHistoryLimit(t *testing.T) {
	cfg := &PromptActionConfig{
		UserQuestion:    UserQuestion{Type: "from_user_message"},
		NumBotResponses: 20, // above the cap
		Prompts: []Prompt{
			{Type: PromptUser, Source: SourceHistory, IsEnabled: true},
		},
	}
	tracker := promptTracker("q")
	for i := 0; i < 8; i++ {
		tracker.BotResponses = append(tracker.BotResponses, "r")
	}
	params, err := Assemble(context.Background(), cfg, tracker, &stubResolver{})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(params.History) != 5 {
		t.Errorf("history turns = %d, want 5", len(params.History))
	}
}

// ---------------------------------------------------------------------------
// PromptAction execution
// ---------------------------------------------------------------------------

func enabledAction(llm LLMClient, resolver PromptResolver) *PromptAction {
	return &PromptAction{
		Config: &PromptActionConfig{
			Name:             "kairon_faq_action",
			UserQuestion:     UserQuestion{Type: "from_user_message"},
			DispatchResponse: true,
			Hyperparameters:  Hyperparameters{Model: "gpt-4o"},
			Prompts: []Prompt{
				{Type: PromptSystem, Source: SourceStatic, Data: "Answer politely.", IsEnabled: true},
			},
		},
		Settings: BotSettings{EnableFAQ: true},
		LLM:      llm,
		Resolver: resolver,
	}
}

func TestPromptActionSuccess(t *testing.T) {
	llm := &stubLLM{text: "We open at 9am."}
	action := enabledAction(llm, &stubResolver{})

	result, err := action.Execute(context.Background(), promptTracker("when do you open"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Responses) != 1 || result.Responses[0] != "We open at 9am." {
		t.Errorf("responses = %v", result.Responses)
	}
	if result.SlotSets[domain.SlotActionResponse] != "We open at 9am." {
		t.Errorf("action response slot = %v", result.SlotSets[domain.SlotActionResponse])
	}
	if llm.lastReq.System != "Answer politely." {
		t.Errorf("system = %q", llm.lastReq.System)
	}
	if result.Log.Exception != "" {
		t.Errorf("unexpected exception %q", result.Log.Exception)
	}
}

func TestPromptActionFailureDispatchesFailureMessage(t *testing.T) {
	llm := &stubLLM{err: errors.New("provider down")}
	action := enabledAction(llm, &stubResolver{})

	result, err := action.Execute(context.Background(), promptTracker("q"))
	if err != nil {
		t.Fatalf("execute should absorb the failure, got %v", err)
	}
	want := "I'm sorry, I didn't quite understand that. Could you rephrase?"
	if len(result.Responses) != 1 || result.Responses[0] != want {
		t.Errorf("responses = %v, want the default failure message", result.Responses)
	}
	if result.SlotSets[domain.SlotActionResponse] != want {
		t.Errorf("action response slot = %v", result.SlotSets[domain.SlotActionResponse])
	}
	if result.Log.Exception == "" {
		t.Error("expected the exception to be logged")
	}
}

func TestPromptActionCustomFailureMessage(t *testing.T) {
	llm := &stubLLM{err: errors.New("provider down")}
	action := enabledAction(llm, &stubResolver{})
	action.Config.FailureMessage = "Something went wrong, try again later."

	result, _ := action.Execute(context.Background(), promptTracker("q"))
	if result.Responses[0] != "Something went wrong, try again later." {
		t.Errorf("responses = %v", result.Responses)
	}
}

func TestPromptActionFaqDisabled(t *testing.T) {
	action := enabledAction(&stubLLM{text: "never"}, &stubResolver{})
	action.Settings.EnableFAQ = false

	result, err := action.Execute(context.Background(), promptTracker("q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Log.Exception != string(ErrFaqDisabled) {
		t.Errorf("exception = %q, want %q", result.Log.Exception, ErrFaqDisabled)
	}
}

func TestPromptActionModelWhitelist(t *testing.T) {
	action := enabledAction(&stubLLM{text: "never"}, &stubResolver{})
	action.Settings.AllowedModels = []string{"gpt-4o-mini"}

	result, err := action.Execute(context.Background(), promptTracker("q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result.Log.Exception, string(ErrModelNotFound)) {
		t.Errorf("exception = %q", result.Log.Exception)
	}
}

func TestPromptActionNoDispatch(t *testing.T) {
	llm := &stubLLM{text: "internal answer"}
	action := enabledAction(llm, &stubResolver{})
	action.Config.DispatchResponse = false

	result, err := action.Execute(context.Background(), promptTracker("q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(result.Responses) != 0 {
		t.Errorf("responses = %v, want none", result.Responses)
	}
	if result.SlotSets[domain.SlotActionResponse] != "internal answer" {
		t.Error("action response slot must be set even without dispatch")
	}
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.png")
	if err := os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPromptActionAttachesMedia(t *testing.T) {
	llm := &stubLLM{text: "a cat"}
	action := enabledAction(llm, &stubResolver{})
	action.Settings.MediaProcessing = true

	tracker := promptTracker("what is in this image")
	tracker.MediaIDs = []string{"m1"}
	tracker.Slots["media_m1"] = writeTestImage(t)

	if _, err := action.Execute(context.Background(), tracker); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(llm.lastReq.Media) != 1 {
		t.Fatalf("media attachments = %d, want 1", len(llm.lastReq.Media))
	}
	if llm.lastReq.Media[0].MediaType != "image/png" {
		t.Errorf("media type = %q", llm.lastReq.Media[0].MediaType)
	}
	if llm.lastReq.Media[0].Data == "" {
		t.Error("attachment payload is empty")
	}
}

func TestPromptActionMediaDisabled(t *testing.T) {
	llm := &stubLLM{text: "a cat"}
	action := enabledAction(llm, &stubResolver{})

	tracker := promptTracker("what is in this image")
	tracker.MediaIDs = []string{"m1"}
	tracker.Slots["media_m1"] = writeTestImage(t)

	if _, err := action.Execute(context.Background(), tracker); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(llm.lastReq.Media) != 0 {
		t.Errorf("media attachments = %d, want none while processing is off", len(llm.lastReq.Media))
	}
}

func TestPromptActionSkipsUnpersistedMedia(t *testing.T) {
	llm := &stubLLM{text: "ok"}
	action := enabledAction(llm, &stubResolver{})
	action.Settings.MediaProcessing = true

	tracker := promptTracker("q")
	tracker.MediaIDs = []string{"never-persisted"}

	if _, err := action.Execute(context.Background(), tracker); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(llm.lastReq.Media) != 0 {
		t.Errorf("media attachments = %d, want none", len(llm.lastReq.Media))
	}
}

func TestPromptActionFillSlots(t *testing.T) {
	llm := &stubLLM{text: `{"city": "Pune", "pin": 411001}`}
	action := enabledAction(llm, &stubResolver{})
	action.Config.SetSlots = []SetSlotMapping{
		{Name: "full_response"},
		{Name: "city", Path: "city"},
	}

	result, err := action.Execute(context.Background(), promptTracker("q"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.SlotSets["full_response"] != llm.text {
		t.Errorf("full_response = %v", result.SlotSets["full_response"])
	}
	if result.SlotSets["city"] != "Pune" {
		t.Errorf("city = %v", result.SlotSets["city"])
	}
}
