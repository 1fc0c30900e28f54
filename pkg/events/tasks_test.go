package events

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kairon-chat/kairon/pkg/domain/event"
)

func writeTaskFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
}

func taskRecord(bot string, data map[string]string) *event.EventRecord {
	if data == nil {
		data = map[string]string{}
	}
	return &event.EventRecord{EventID: "ev-1", Bot: bot, Data: data}
}

func TestTrainingTaskPublishesManifest(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "data", "stories.yml"), []byte("stories: []"))
	writeTaskFile(t, filepath.Join(root, "bot-1", "data", "nlu.yml"), []byte("nlu: []"))

	task := &TrainingTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", nil); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "source_files=2" {
		t.Errorf("result = %q", result)
	}

	raw, err := os.ReadFile(filepath.Join(root, "bot-1", "models", "ev-1.json"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	var manifest map[string]interface{}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest json: %v", err)
	}
	if manifest["bot"] != "bot-1" || manifest["event_id"] != "ev-1" {
		t.Errorf("manifest = %v", manifest)
	}
}

func TestTrainingTaskRequiresData(t *testing.T) {
	task := &TrainingTask{DataRoot: t.TempDir()}
	if err := task.Precondition(context.Background(), "bot-1", nil); err == nil {
		t.Fatal("expected an error for a bot with no training data")
	}
}

func TestMultilingualCopyTask(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "data", "domain.yml"), []byte("intents: []"))

	task := &MultilingualCopyTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", map[string]string{}); err == nil {
		t.Fatal("expected an error without dest_bot")
	}

	data := map[string]string{"dest_bot": "bot-de"}
	if err := task.Precondition(context.Background(), "bot-1", data); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", data))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "copied=1" {
		t.Errorf("result = %q", result)
	}
	if _, err := os.Stat(filepath.Join(root, "bot-de", "data", "domain.yml")); err != nil {
		t.Errorf("copied file missing: %v", err)
	}
}

func TestCatalogSyncTask(t *testing.T) {
	root := t.TempDir()
	catalog := `[{"id": "sku-1", "name": "Mug", "price": 5}, {"id": "sku-2", "name": "Cap"}]`
	writeTaskFile(t, filepath.Join(root, "bot-1", "catalog.json"), []byte(catalog))

	task := &CatalogSyncTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", nil); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "items=2" {
		t.Errorf("result = %q", result)
	}
	if _, err := os.Stat(filepath.Join(root, "bot-1", "catalog_synced.json")); err != nil {
		t.Errorf("synced catalog missing: %v", err)
	}
}

func TestCatalogSyncTaskRejectsBadItems(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "catalog.json"), []byte(`[{"id": "sku-1"}]`))

	task := &CatalogSyncTask{DataRoot: root}
	_, err := task.Run(context.Background(), taskRecord("bot-1", nil))
	if err == nil || !strings.Contains(err.Error(), "missing id or name") {
		t.Fatalf("err = %v", err)
	}
}

func TestFlowTaskRunsSteps(t *testing.T) {
	root := t.TempDir()
	flow := `{"name": "onboard", "steps": [{"type": "prompt", "name": "greet"}, {"type": "http", "name": "crm"}]}`
	writeTaskFile(t, filepath.Join(root, "bot-1", "flows", "onboard.json"), []byte(flow))

	task := &FlowTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", map[string]string{}); err == nil {
		t.Fatal("expected an error without flow_name")
	}
	data := map[string]string{"flow_name": "onboard"}
	if err := task.Precondition(context.Background(), "bot-1", data); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", data))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "flow=onboard steps=2" {
		t.Errorf("result = %q", result)
	}
}

func TestFlowTaskRejectsEmptyFlow(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "flows", "empty.json"), []byte(`{"name": "empty", "steps": []}`))

	task := &FlowTask{DataRoot: root}
	_, err := task.Run(context.Background(), taskRecord("bot-1", map[string]string{"flow_name": "empty"}))
	if err == nil || !strings.Contains(err.Error(), "no steps") {
		t.Fatalf("err = %v", err)
	}
}

func TestMailReadTaskStagesValidMail(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "mail", "m1.json"),
		[]byte(`{"sender": "a@b.io", "subject": "hi", "body": "hello"}`))
	writeTaskFile(t, filepath.Join(root, "bot-1", "mail", "broken.json"), []byte("not json"))

	task := &MailReadTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", nil); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "read=1 skipped=1" {
		t.Errorf("result = %q", result)
	}
	if _, err := os.Stat(filepath.Join(root, "bot-1", "mail_staged", "m1.json")); err != nil {
		t.Errorf("staged mail missing: %v", err)
	}
}

func TestMailProcessTaskClearsStage(t *testing.T) {
	root := t.TempDir()
	writeTaskFile(t, filepath.Join(root, "bot-1", "mail_staged", "m1.json"),
		[]byte(`{"sender": "a@b.io", "subject": "hi", "body": "hello"}`))

	task := &MailProcessTask{DataRoot: root}
	if err := task.Precondition(context.Background(), "bot-1", nil); err != nil {
		t.Fatalf("precondition: %v", err)
	}
	result, err := task.Run(context.Background(), taskRecord("bot-1", nil))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result != "processed=1" {
		t.Errorf("result = %q", result)
	}
	entries, err := os.ReadDir(filepath.Join(root, "bot-1", "mail_staged"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("stage not cleared, %d files left", len(entries))
	}
}
