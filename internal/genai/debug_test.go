package genai

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDebugLogging(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:        &mockChatService{resp: reply("Test response")},
		model:       "test-model",
		temperature: 0.7,
		debugMode:   true,
		stateDir:    tempDir,
	}

	if _, err := client.GenerateWithMessages(context.Background(), prompt("System prompt", "User prompt")); err != nil {
		t.Fatalf("GenerateWithMessages failed: %v", err)
	}

	debugDir := filepath.Join(tempDir, "debug")
	files, err := os.ReadDir(debugDir)
	if err != nil {
		t.Fatalf("Failed to read debug directory: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("expected one debug file, got %d", len(files))
	}

	content, err := os.ReadFile(filepath.Join(debugDir, files[0].Name()))
	if err != nil {
		t.Fatalf("Failed to read debug file: %v", err)
	}
	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Failed to unmarshal debug log: %v", err)
	}
	for _, field := range []string{"timestamp", "method", "model", "params", "response"} {
		if _, exists := logEntry[field]; !exists {
			t.Errorf("Required field '%s' missing from debug log", field)
		}
	}
	if logEntry["method"] != "GenerateWithMessages" {
		t.Errorf("Expected method 'GenerateWithMessages', got %v", logEntry["method"])
	}
	if logEntry["model"] != "test-model" {
		t.Errorf("Expected model 'test-model', got %v", logEntry["model"])
	}
}

func TestDebugLogging_RecordsErrors(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{chat: &mockChatService{err: errors.New("boom")}, model: "m", debugMode: true, stateDir: tempDir}
	if _, err := client.GenerateJSON(context.Background(), prompt("s", "u")); err == nil {
		t.Fatal("expected error")
	}
	files, err := os.ReadDir(filepath.Join(tempDir, "debug"))
	if err != nil || len(files) != 1 {
		t.Fatalf("expected one debug file, got %d (%v)", len(files), err)
	}
}

func TestDebugLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()
	client := &Client{
		chat:      &mockChatService{resp: reply("Test response")},
		model:     "test-model",
		debugMode: false,
		stateDir:  tempDir,
	}
	if _, err := client.GenerateWithMessages(context.Background(), prompt("System prompt", "User prompt")); err != nil {
		t.Fatalf("GenerateWithMessages failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "debug")); !os.IsNotExist(err) {
		t.Errorf("Debug directory should not be created when debug mode is disabled")
	}
}
