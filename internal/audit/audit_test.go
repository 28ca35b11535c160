package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesJSONL(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = Close() }()

	Record("allow", "task.finalize", "task_done", "task-1")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev); err != nil {
		t.Fatalf("audit line is not JSON: %v", err)
	}
	if ev["action"] != "task.finalize" {
		t.Fatalf("unexpected action: %v", ev["action"])
	}
	if ev["subject"] != "task-1" {
		t.Fatalf("unexpected subject: %v", ev["subject"])
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() { _ = Close() }()

	Record("deny", "task.attempt", `api_key: "abcdef0123456789abcdef0123456789"`, "task-2")

	data, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "abcdef0123456789") {
		t.Fatal("secret leaked into audit log")
	}
}
