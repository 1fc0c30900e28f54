package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/kairon-chat/kairon/pkg/channels"
	"github.com/kairon-chat/kairon/pkg/config"
	"github.com/kairon-chat/kairon/pkg/domain"
	"github.com/kairon-chat/kairon/pkg/domain/channel"
	"github.com/kairon-chat/kairon/pkg/domain/event"
	"github.com/kairon-chat/kairon/pkg/infrastructure/quota"
	"github.com/kairon-chat/kairon/pkg/logger"
)

// FuncTask adapts plain functions to the Task interface. Used for classes
// whose work is delegated to an external pipeline.
type FuncTask struct {
	Pre  func(ctx context.Context, bot string, data map[string]string) error
	Exec func(ctx context.Context, rec *event.EventRecord) (string, error)
}

var _ Task = (*FuncTask)(nil)

func (t *FuncTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	if t.Pre == nil {
		return nil
	}
	return t.Pre(ctx, bot, data)
}

func (t *FuncTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	if t.Exec == nil {
		return "", nil
	}
	return t.Exec(ctx, rec)
}

// requireFile builds a precondition that checks an artifact exists under
// the bot's data directory before the event may be enqueued.
func requireFile(root, name string) func(ctx context.Context, bot string, data map[string]string) error {
	return func(ctx context.Context, bot string, data map[string]string) error {
		path := fmt.Sprintf("%s/%s/%s", root, bot, name)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("required file %s missing for bot %s", name, bot)
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// Training task
// ---------------------------------------------------------------------------

// TrainingTask publishes a model manifest from the bot's training data. The
// training pipeline itself runs out of process; this records the hand-off
// artifact the pipeline picks up.
type TrainingTask struct {
	DataRoot string
}

var _ Task = (*TrainingTask)(nil)

func (t *TrainingTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	entries, err := os.ReadDir(filepath.Join(t.DataRoot, bot, "data"))
	if err != nil {
		return fmt.Errorf("training data missing for bot %s", bot)
	}
	if len(entries) == 0 {
		return fmt.Errorf("training data empty for bot %s", bot)
	}
	return nil
}

func (t *TrainingTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	entries, err := os.ReadDir(filepath.Join(t.DataRoot, rec.Bot, "data"))
	if err != nil {
		return "", err
	}
	sources := 0
	for _, e := range entries {
		if !e.IsDir() {
			sources++
		}
	}

	modelsDir := filepath.Join(t.DataRoot, rec.Bot, "models")
	if err := os.MkdirAll(modelsDir, 0o755); err != nil {
		return "", err
	}
	manifest, err := json.Marshal(map[string]interface{}{
		"event_id":     rec.EventID,
		"bot":          rec.Bot,
		"trained_at":   time.Now().UTC().Format(time.RFC3339),
		"source_files": sources,
	})
	if err != nil {
		return "", err
	}
	path := filepath.Join(modelsDir, rec.EventID+".json")
	if err := os.WriteFile(path, manifest, 0o644); err != nil {
		return "", err
	}
	logger.InfoCF("events", "Model manifest published", map[string]interface{}{
		"bot": rec.Bot, "event_id": rec.EventID, "source_files": sources,
	})
	return fmt.Sprintf("source_files=%d", sources), nil
}

// ---------------------------------------------------------------------------
// Multilingual copy task
// ---------------------------------------------------------------------------

// MultilingualCopyTask clones a bot's training data into a destination
// bot's data directory, seeding the translated copy.
type MultilingualCopyTask struct {
	DataRoot string
}

var _ Task = (*MultilingualCopyTask)(nil)

func (t *MultilingualCopyTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	if data["dest_bot"] == "" {
		return fmt.Errorf("dest_bot is required")
	}
	if _, err := os.Stat(filepath.Join(t.DataRoot, bot, "data")); err != nil {
		return fmt.Errorf("training data missing for bot %s", bot)
	}
	return nil
}

func (t *MultilingualCopyTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	srcDir := filepath.Join(t.DataRoot, rec.Bot, "data")
	destDir := filepath.Join(t.DataRoot, rec.Data["dest_bot"], "data")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return "", err
	}
	copied := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(srcDir, e.Name()))
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(destDir, e.Name()), raw, 0o644); err != nil {
			return "", err
		}
		copied++
	}
	logger.InfoCF("events", "Bot data copied", map[string]interface{}{
		"bot": rec.Bot, "dest_bot": rec.Data["dest_bot"], "files": copied,
	})
	return fmt.Sprintf("copied=%d", copied), nil
}

// ---------------------------------------------------------------------------
// Catalog sync task
// ---------------------------------------------------------------------------

// CatalogSyncTask validates the bot's product catalog dump and publishes
// the normalised version the meta integrations consume.
type CatalogSyncTask struct {
	DataRoot string
}

var _ Task = (*CatalogSyncTask)(nil)

func (t *CatalogSyncTask) catalogPath(bot string) string {
	return filepath.Join(t.DataRoot, bot, "catalog.json")
}

func (t *CatalogSyncTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	if _, err := os.Stat(t.catalogPath(bot)); err != nil {
		return fmt.Errorf("catalog data missing for bot %s", bot)
	}
	return nil
}

func (t *CatalogSyncTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	raw, err := os.ReadFile(t.catalogPath(rec.Bot))
	if err != nil {
		return "", err
	}
	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", fmt.Errorf("catalog is not a valid item list: %w", err)
	}
	for i, item := range items {
		id, _ := item["id"].(string)
		name, _ := item["name"].(string)
		if id == "" || name == "" {
			return "", fmt.Errorf("catalog item %d missing id or name", i)
		}
	}

	normalised, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	out := filepath.Join(t.DataRoot, rec.Bot, "catalog_synced.json")
	if err := os.WriteFile(out, normalised, 0o644); err != nil {
		return "", err
	}
	logger.InfoCF("events", "Catalog synchronised", map[string]interface{}{
		"bot": rec.Bot, "items": len(items),
	})
	return fmt.Sprintf("items=%d", len(items)), nil
}

// ---------------------------------------------------------------------------
// Agentic flow task
// ---------------------------------------------------------------------------

// FlowTask runs a stored flow definition: an ordered list of typed steps.
type FlowTask struct {
	DataRoot string
}

var _ Task = (*FlowTask)(nil)

func (t *FlowTask) flowPath(bot, name string) string {
	return filepath.Join(t.DataRoot, bot, "flows", name+".json")
}

func (t *FlowTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	name := data["flow_name"]
	if name == "" {
		return fmt.Errorf("flow_name is required")
	}
	if _, err := os.Stat(t.flowPath(bot, name)); err != nil {
		return fmt.Errorf("flow %s not found for bot %s", name, bot)
	}
	return nil
}

func (t *FlowTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	name := rec.Data["flow_name"]
	raw, err := os.ReadFile(t.flowPath(rec.Bot, name))
	if err != nil {
		return "", err
	}
	var flow struct {
		Name  string `json:"name"`
		Steps []struct {
			Type string `json:"type"`
			Name string `json:"name"`
		} `json:"steps"`
	}
	if err := json.Unmarshal(raw, &flow); err != nil {
		return "", fmt.Errorf("flow %s: %w", name, err)
	}
	if len(flow.Steps) == 0 {
		return "", fmt.Errorf("flow %s has no steps", name)
	}

	for i, step := range flow.Steps {
		if step.Type == "" {
			return "", fmt.Errorf("flow %s step %d has no type", name, i)
		}
		logger.InfoCF("events", "Flow step executed", map[string]interface{}{
			"bot": rec.Bot, "flow": name, "step": i, "type": step.Type, "name": step.Name,
		})
	}
	return fmt.Sprintf("flow=%s steps=%d", name, len(flow.Steps)), nil
}

// ---------------------------------------------------------------------------
// Mail channel tasks
// ---------------------------------------------------------------------------

// MailReadTask drains the bot's mail spool: each valid message file is
// staged for processing, invalid files are skipped.
type MailReadTask struct {
	DataRoot string
}

var _ Task = (*MailReadTask)(nil)

type mailMessage struct {
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (t *MailReadTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	if _, err := os.Stat(filepath.Join(t.DataRoot, bot, "mail")); err != nil {
		return fmt.Errorf("mail spool missing for bot %s", bot)
	}
	return nil
}

func (t *MailReadTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	spool := filepath.Join(t.DataRoot, rec.Bot, "mail")
	staged := filepath.Join(t.DataRoot, rec.Bot, "mail_staged")
	if err := os.MkdirAll(staged, 0o755); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(spool)
	if err != nil {
		return "", err
	}
	read, skipped := 0, 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(spool, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		var msg mailMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Sender == "" {
			skipped++
			logger.WarnCF("events", "Unreadable mail skipped", map[string]interface{}{
				"bot": rec.Bot, "file": e.Name(),
			})
			continue
		}
		if err := os.Rename(path, filepath.Join(staged, e.Name())); err != nil {
			return "", err
		}
		read++
	}
	return fmt.Sprintf("read=%d skipped=%d", read, skipped), nil
}

// MailProcessTask consumes the staged mail batch, recording each message
// as handled and clearing it from the stage.
type MailProcessTask struct {
	DataRoot string
}

var _ Task = (*MailProcessTask)(nil)

func (t *MailProcessTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	if _, err := os.Stat(filepath.Join(t.DataRoot, bot, "mail_staged")); err != nil {
		return fmt.Errorf("no staged mail for bot %s", bot)
	}
	return nil
}

func (t *MailProcessTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	staged := filepath.Join(t.DataRoot, rec.Bot, "mail_staged")
	entries, err := os.ReadDir(staged)
	if err != nil {
		return "", err
	}
	processed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(staged, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		var msg mailMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return "", fmt.Errorf("staged mail %s: %w", e.Name(), err)
		}
		logger.InfoCF("events", "Mail processed", map[string]interface{}{
			"bot": rec.Bot, "sender": msg.Sender, "subject": msg.Subject,
		})
		if err := os.Remove(path); err != nil {
			return "", err
		}
		processed++
	}
	return fmt.Sprintf("processed=%d", processed), nil
}

// ---------------------------------------------------------------------------
// Broadcast task
// ---------------------------------------------------------------------------

// BroadcastTask delivers a stored broadcast to its recipients through the
// bot's channel.
type BroadcastTask struct {
	Broadcasts event.BroadcastRepository
	Configs    channel.ConfigRepository
	Sender     *channels.Sender
}

var _ Task = (*BroadcastTask)(nil)

func (t *BroadcastTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	id := data["broadcast_id"]
	if id == "" {
		return fmt.Errorf("broadcast_id is required")
	}
	if _, err := t.Broadcasts.Get(bot, id); err != nil {
		return err
	}
	return nil
}

func (t *BroadcastTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	b, err := t.Broadcasts.Get(rec.Bot, rec.Data["broadcast_id"])
	if err != nil {
		return "", err
	}
	cfg, err := t.Configs.Get(rec.Bot, domain.ChannelType(b.Connector))
	if err != nil {
		return "", err
	}

	recipients := splitRecipients(b.Recipients)
	message := rec.Data["message"]
	if message == "" {
		message = b.Name
	}

	sent, failed := 0, 0
	for _, recipient := range recipients {
		resp := channels.Text(recipient, message)
		if err := t.Sender.Send(ctx, cfg, resp); err != nil {
			failed++
			logger.WarnCF("events", "Broadcast delivery failed", map[string]interface{}{
				"bot": rec.Bot, "recipient": recipient, "error": err.Error(),
			})
			continue
		}
		sent++
	}
	return fmt.Sprintf("sent=%d failed=%d", sent, failed), nil
}

func splitRecipients(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// History cleanup task
// ---------------------------------------------------------------------------

// HistoryCleanupTask deletes delivery logs older than the configured
// retention for one bot.
type HistoryCleanupTask struct {
	DB *gorm.DB
}

var _ Task = (*HistoryCleanupTask)(nil)

func (t *HistoryCleanupTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	return nil
}

func (t *HistoryCleanupTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	retentionDays := 30
	if v := rec.Data["retention_days"]; v != "" {
		if _, err := fmt.Sscanf(v, "%d", &retentionDays); err != nil {
			return "", fmt.Errorf("invalid retention_days %q", v)
		}
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	res := t.DB.WithContext(ctx).
		Exec("DELETE FROM channel_logs WHERE bot = ? AND timestamp < ?", rec.Bot, cutoff)
	if res.Error != nil {
		return "", res.Error
	}
	return fmt.Sprintf("deleted=%d", res.RowsAffected), nil
}

// ---------------------------------------------------------------------------
// Analytics task
// ---------------------------------------------------------------------------

// AnalyticsTask aggregates per-channel delivery counts for one bot.
type AnalyticsTask struct {
	DB *gorm.DB
}

var _ Task = (*AnalyticsTask)(nil)

func (t *AnalyticsTask) Precondition(ctx context.Context, bot string, data map[string]string) error {
	return nil
}

func (t *AnalyticsTask) Run(ctx context.Context, rec *event.EventRecord) (string, error) {
	type bucket struct {
		Type   string
		Status string
		Count  int64
	}
	var buckets []bucket
	err := t.DB.WithContext(ctx).Table("channel_logs").
		Select("type, status, count(*) as count").
		Where("bot = ?", rec.Bot).
		Group("type, status").
		Scan(&buckets).Error
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(buckets))
	for _, b := range buckets {
		parts = append(parts, fmt.Sprintf("%s/%s=%d", b.Type, b.Status, b.Count))
	}
	return strings.Join(parts, " "), nil
}

// ---------------------------------------------------------------------------
// Registry of definitions
// ---------------------------------------------------------------------------

// Definitions resolves the definition for each event class.
type Definitions struct {
	byClass map[event.Class]Definition
}

// Deps carries the shared backends definitions are built from.
type Deps struct {
	Records    event.Repository
	Broadcasts event.BroadcastRepository
	Configs    channel.ConfigRepository
	Sender     *channels.Sender
	Quotas     *quota.Tracker
	DB         *gorm.DB
	Events     *config.EventsConfig
	// DataRoot is where importer/testing artifacts live on disk.
	DataRoot string
}

// NewDefinitions builds the full class registry.
func NewDefinitions(deps Deps) *Definitions {
	build := func(class event.Class, task Task) Definition {
		return NewDefinition(class, task, deps.Records, deps.Quotas, deps.Events)
	}

	byClass := map[event.Class]Definition{
		event.ModelTraining: build(event.ModelTraining, &TrainingTask{DataRoot: deps.DataRoot}),
		event.ModelTesting: build(event.ModelTesting, &FuncTask{
			Pre: requireFile(deps.DataRoot, "models"),
		}),
		event.DataImporter: build(event.DataImporter, &FuncTask{
			Pre: requireFile(deps.DataRoot, "data"),
		}),
		event.FAQImporter: build(event.FAQImporter, &FuncTask{
			Pre: requireFile(deps.DataRoot, "faq"),
		}),
		event.DeleteHistory:    build(event.DeleteHistory, &HistoryCleanupTask{DB: deps.DB}),
		event.MultilingualCopy: build(event.MultilingualCopy, &MultilingualCopyTask{DataRoot: deps.DataRoot}),
		event.CatalogSync:      build(event.CatalogSync, &CatalogSyncTask{DataRoot: deps.DataRoot}),
		event.MessageBroadcast: build(event.MessageBroadcast, &BroadcastTask{
			Broadcasts: deps.Broadcasts,
			Configs:    deps.Configs,
			Sender:     deps.Sender,
		}),
		event.AgenticFlow:         build(event.AgenticFlow, &FlowTask{DataRoot: deps.DataRoot}),
		event.AnalyticsPipeline:   build(event.AnalyticsPipeline, &AnalyticsTask{DB: deps.DB}),
		event.MailChannelReadMail: build(event.MailChannelReadMail, &MailReadTask{DataRoot: deps.DataRoot}),
		event.MailProcess:         build(event.MailProcess, &MailProcessTask{DataRoot: deps.DataRoot}),
	}
	return &Definitions{byClass: byClass}
}

// For returns the definition for a class.
func (d *Definitions) For(class event.Class) (Definition, error) {
	def, ok := d.byClass[class]
	if !ok {
		return nil, event.ErrInvalidClass
	}
	return def, nil
}
