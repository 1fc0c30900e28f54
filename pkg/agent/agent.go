// Package agent loads per-bot conversational agents from stored
// definitions and answers turns through the action runtime.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/kairon-chat/kairon/pkg/actions"
	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/dispatcher"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// historyWindow bounds the per-sender reply history kept for prompt
// assembly.
const historyWindow = 5

// Definition is the stored agent artifact for one bot.
type Definition struct {
	Bot      string                     `json:"bot"`
	Settings actions.BotSettings        `json:"settings"`
	Prompt   actions.PromptActionConfig `json:"prompt_action"`
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// FileLoader reads agent definitions from <root>/<bot>.json. Trained bots
// are published as these artifacts; the cache calls back here on a miss.
type FileLoader struct {
	root     string
	llm      actions.LLMClient
	resolver actions.PromptResolver
	sink     actions.LogSink
}

var _ dispatcher.Loader = (*FileLoader)(nil)

// NewFileLoader builds a loader. sink may be nil.
func NewFileLoader(root string, llm actions.LLMClient, resolver actions.PromptResolver, sink actions.LogSink) *FileLoader {
	return &FileLoader{root: root, llm: llm, resolver: resolver, sink: sink}
}

// Load reads and wires the agent for one bot.
func (l *FileLoader) Load(ctx context.Context, bot string) (dispatcher.Agent, error) {
	path := filepath.Join(l.root, bot+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent definition for %s: %w", bot, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("agent definition for %s: %w", bot, err)
	}
	if def.Bot == "" {
		def.Bot = bot
	}

	logger.InfoCF("agent", "Agent loaded", map[string]interface{}{
		"bot": bot, "action": def.Prompt.Name,
	})
	return &PromptAgent{
		bot: def.Bot,
		action: &actions.PromptAction{
			Config:   &def.Prompt,
			Settings: def.Settings,
			LLM:      l.llm,
			Resolver: l.resolver,
			Sink:     l.sink,
		},
		history: make(map[string][]string),
	}, nil
}

// ---------------------------------------------------------------------------
// PromptAgent
// ---------------------------------------------------------------------------

// PromptAgent answers every turn with the bot's prompt action. It keeps a
// short per-sender reply history so history-sourced prompts have turns to
// attach.
type PromptAgent struct {
	bot    string
	action *actions.PromptAction

	mu      sync.Mutex
	history map[string][]string
}

var _ dispatcher.Agent = (*PromptAgent)(nil)

// HandleMessage runs one conversation turn.
func (a *PromptAgent) HandleMessage(ctx context.Context, msg *dispatcher.AgentMessage) ([]dispatcher.AgentReply, error) {
	tracker := &actions.Tracker{
		Bot:           a.bot,
		Sender:        msg.Sender,
		LatestMessage: msg.Text,
		Slots:         map[string]interface{}{},
		Entities:      map[string]string{},
		BotResponses:  a.recent(msg.Sender),
		MediaIDs:      msg.MediaIDs,
	}
	for k, v := range msg.Metadata {
		tracker.Slots[k] = v
	}

	result, err := a.action.Execute(ctx, tracker)
	if err != nil {
		return nil, err
	}

	replies := make([]dispatcher.AgentReply, 0, len(result.Responses))
	for _, text := range result.Responses {
		replies = append(replies, dispatcher.AgentReply{
			Type: channels.ElementText,
			Text: text,
		})
		a.remember(msg.Sender, text)
	}
	return replies, nil
}

func (a *PromptAgent) recent(sender string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns := a.history[sender]
	out := make([]string, len(turns))
	copy(out, turns)
	return out
}

func (a *PromptAgent) remember(sender, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns := append(a.history[sender], text)
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	a.history[sender] = turns
}
