package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"

	"github.com/kairon-chat/kairon/pkg/logger"
)

// maxLLMAttempts bounds retries of a failed completion call.
const maxLLMAttempts = 3

// Hyperparameters tune one completion call.
type Hyperparameters struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int64   `json:"max_tokens"`
	TopP        float64 `json:"top_p"`
}

// LLMRequest is an assembled completion request.
type LLMRequest struct {
	System  string
	User    string
	History []HistoryTurn
	Media   []LLMMedia
	Params  Hyperparameters
}

// LLMMedia is one inline attachment forwarded to a multimodal model.
type LLMMedia struct {
	MediaType string // e.g. "image/jpeg"
	Data      string // base64 payload
}

// HistoryTurn is one prior exchange included as conversation context.
type HistoryTurn struct {
	Role string // "user" or "assistant"
	Text string
}

// LLMResponse carries the model answer plus usage accounting.
type LLMResponse struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// LLMClient abstracts a completion provider.
type LLMClient interface {
	Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// ---------------------------------------------------------------------------
// Provider router
// ---------------------------------------------------------------------------

// ProviderRouter picks a concrete client by model name and applies the
// shared retry policy.
type ProviderRouter struct {
	openai    LLMClient
	anthropic LLMClient
}

var _ LLMClient = (*ProviderRouter)(nil)

// NewProviderRouter builds clients for the configured API keys. A missing
// key leaves that provider unrouted.
func NewProviderRouter(openaiKey, anthropicKey string) *ProviderRouter {
	r := &ProviderRouter{}
	if openaiKey != "" {
		r.openai = newOpenAIClient(openaiKey)
	}
	if anthropicKey != "" {
		r.anthropic = newAnthropicClient(anthropicKey)
	}
	return r
}

func (r *ProviderRouter) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	var client LLMClient
	if strings.HasPrefix(req.Params.Model, "claude") {
		client = r.anthropic
	} else {
		client = r.openai
	}
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, req.Params.Model)
	}

	var resp *LLMResponse
	var err error
	for attempt := 1; attempt <= maxLLMAttempts; attempt++ {
		resp, err = client.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		logger.WarnCF("actions", "Completion attempt failed", map[string]interface{}{
			"model": req.Params.Model, "attempt": attempt, "error": err.Error(),
		})
		if attempt < maxLLMAttempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, err
}

// ---------------------------------------------------------------------------
// OpenAI
// ---------------------------------------------------------------------------

type openAIClient struct {
	client openai.Client
}

func newOpenAIClient(apiKey string) *openAIClient {
	return &openAIClient{client: openai.NewClient(openaiopt.WithAPIKey(apiKey))}
}

func (c *openAIClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(turn.Text))
		} else {
			messages = append(messages, openai.UserMessage(turn.Text))
		}
	}
	if len(req.Media) > 0 {
		parts := []openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.User),
		}
		for _, m := range req.Media {
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: "data:" + m.MediaType + ";base64," + m.Data,
			}))
		}
		messages = append(messages, openai.UserMessage(parts))
	} else {
		messages = append(messages, openai.UserMessage(req.User))
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Params.Model),
		Messages: messages,
	}
	if req.Params.Temperature > 0 {
		params.Temperature = openai.Float(req.Params.Temperature)
	}
	if req.Params.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.Params.MaxTokens)
	}
	if req.Params.TopP > 0 {
		params.TopP = openai.Float(req.Params.TopP)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}
	return &LLMResponse{
		Text:         completion.Choices[0].Message.Content,
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}, nil
}

// ---------------------------------------------------------------------------
// Anthropic
// ---------------------------------------------------------------------------

type anthropicClient struct {
	client anthropic.Client
}

func newAnthropicClient(apiKey string) *anthropicClient {
	return &anthropicClient{client: anthropic.NewClient(anthropicopt.WithAPIKey(apiKey))}
}

func (c *anthropicClient) Complete(ctx context.Context, req *LLMRequest) (*LLMResponse, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		block := anthropic.NewTextBlock(turn.Text)
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	userBlocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(req.User)}
	for _, m := range req.Media {
		userBlocks = append(userBlocks, anthropic.NewImageBlockBase64(m.MediaType, m.Data))
	}
	messages = append(messages, anthropic.NewUserMessage(userBlocks...))

	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Params.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Params.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Params.Temperature)
	}
	if req.Params.TopP > 0 {
		params.TopP = anthropic.Float(req.Params.TopP)
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return &LLMResponse{
		Text:         text.String(),
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}, nil
}
