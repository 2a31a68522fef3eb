package flow

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/openai/openai-go"
)

// MockGenAIClient implements genai.ClientInterface for testing.
type MockGenAIClient struct {
	response string
	err      error
	messages []openai.ChatCompletionMessageParamUnion
}

func (m *MockGenAIClient) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.messages = messages
	return m.response, m.err
}

func (m *MockGenAIClient) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	m.messages = messages
	return m.response, m.err
}

func TestGenAIResponder_StructuredReply(t *testing.T) {
	client := &MockGenAIClient{response: `{
		"reply": "Thanks! Shall we move on?",
		"directive": "next",
		"updates": {"fields": {"x": "42", "tags": ["a", "b"]}, "complete": true},
		"asked": true
	}`}
	r := NewGenAIResponder(client)
	packet := models.ContextPacket{SectionID: "a", SystemPrompt: "sys"}
	history := []models.Message{
		models.NewMessage(models.RoleAssistant, "What is x?"),
		models.NewMessage(models.RoleUser, "42"),
	}

	out, err := r.Respond(context.Background(), packet, history)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if out.Message != "Thanks! Shall we move on?" || !out.Asked {
		t.Errorf("unexpected output %+v", out)
	}
	if out.Directive == nil || *out.Directive != models.Next() {
		t.Errorf("expected NEXT, got %v", out.Directive)
	}
	if out.Updates.Fields["x"] != "42" || !out.Updates.Complete {
		t.Errorf("unexpected updates %+v", out.Updates)
	}
	// two system messages plus history
	if len(client.messages) != 4 {
		t.Errorf("expected 4 messages, got %d", len(client.messages))
	}
}

func TestGenAIResponder_ModifyAndUnknownDirectives(t *testing.T) {
	r := NewGenAIResponder(&MockGenAIClient{response: `{"reply": "Sure, back to ICP.", "directive": "MODIFY:ICP"}`})
	out, err := r.Respond(context.Background(), models.ContextPacket{}, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if out.Directive == nil || *out.Directive != models.ModifyTo("icp") {
		t.Errorf("expected MODIFY:icp, got %v", out.Directive)
	}

	// Unknown directives survive decoding so the router can record them.
	r = NewGenAIResponder(&MockGenAIClient{response: `{"reply": "ok", "directive": "JUMP"}`})
	out, _ = r.Respond(context.Background(), models.ContextPacket{}, nil)
	if out.Directive == nil || out.Directive.Kind != "jump" {
		t.Errorf("expected raw jump directive, got %v", out.Directive)
	}
}

func TestGenAIResponder_PlainTextFallback(t *testing.T) {
	r := NewGenAIResponder(&MockGenAIClient{response: "Not JSON. What's next?"})
	out, err := r.Respond(context.Background(), models.ContextPacket{}, nil)
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if out.Message != "Not JSON. What's next?" || out.Directive != nil || !out.Updates.IsEmpty() {
		t.Errorf("expected raw text fallback, got %+v", out)
	}
	if !out.Asked {
		t.Error("expected trailing question mark to count as asked")
	}
}

func TestGenAIResponder_NoDirective(t *testing.T) {
	r := NewGenAIResponder(&MockGenAIClient{response: `{"reply": "Tell me about your customers."}`})
	out, _ := r.Respond(context.Background(), models.ContextPacket{}, nil)
	if out.Directive != nil || out.Asked {
		t.Errorf("expected no directive and not asked, got %+v", out)
	}
}

func TestGenAIResponder_ClientError(t *testing.T) {
	r := NewGenAIResponder(&MockGenAIClient{err: errors.New("quota exceeded")})
	if _, err := r.Respond(context.Background(), models.ContextPacket{}, nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestGenAIResponder_HistoryLimitAndCapturedFields(t *testing.T) {
	client := &MockGenAIClient{response: `{"reply":"ok"}`}
	r := NewGenAIResponder(client)
	var history []models.Message
	for i := 0; i < maxHistoryMessages+10; i++ {
		history = append(history, models.NewMessage(models.RoleUser, "m"))
	}
	packet := models.ContextPacket{
		SectionID: "a",
		Canvas:    map[models.SectionID]map[string]any{"a": {"x": "1"}},
	}
	if _, err := r.Respond(context.Background(), packet, history); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	// system prompt, contract, captured fields, then the bounded history
	if want := 3 + maxHistoryMessages; len(client.messages) != want {
		t.Errorf("expected %d messages, got %d", want, len(client.messages))
	}
}

func TestDescribeSection_PrefersLiveCapturedData(t *testing.T) {
	packet := models.ContextPacket{
		SectionID: "a",
		Canvas:    map[models.SectionID]map[string]any{"a": {"x": "1"}},
		Captured:  map[string]any{"x": "1", "y": "2"},
	}
	desc := describeSection(packet)
	if !strings.Contains(desc, "- x: 1") || !strings.Contains(desc, "- y: 2") {
		t.Errorf("expected both live fields listed, got:\n%s", desc)
	}

	packet.Captured = map[string]any{}
	if desc := describeSection(packet); desc != "" {
		t.Errorf("empty live data must list nothing, got:\n%s", desc)
	}

	packet.Captured = nil
	if desc := describeSection(packet); !strings.Contains(desc, "- x: 1") {
		t.Errorf("expected canvas fallback without live data, got:\n%s", desc)
	}
}
