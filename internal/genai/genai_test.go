package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func prompt(system, user string) []openai.ChatCompletionMessageParamUnion {
	return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(system), openai.UserMessage(user)}
}

func reply(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestGenerateWithMessages_Success(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: reply("Hello World")}, model: "test-model"}
	out, err := client.GenerateWithMessages(context.Background(), prompt("system prompt", "user prompt"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), prompt("sys", "usr"))
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateJSON_NoChoices(t *testing.T) {
	mockResp := openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}
	client := &Client{chat: &mockChatService{resp: mockResp}}
	_, err := client.GenerateJSON(context.Background(), prompt("sys", "usr"))
	if err != ErrNoChoicesReturned {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithMessages_PassesParams(t *testing.T) {
	mock := &mockChatService{resp: reply("ok")}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxCompletionTokens: 50}
	msgs := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage("s"), openai.UserMessage("u"), openai.AssistantMessage("a")}
	if _, err := client.GenerateWithMessages(context.Background(), msgs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.params) != 1 {
		t.Fatalf("expected one call, got %d", len(mock.params))
	}
	p := mock.params[0]
	if len(p.Messages) != 3 {
		t.Errorf("expected 3 messages, got %d", len(p.Messages))
	}
	if string(p.Model) != "test-model" {
		t.Errorf("expected model test-model, got %s", p.Model)
	}
	if p.ResponseFormat.OfJSONObject != nil {
		t.Error("plain generation must not request JSON mode")
	}
}

func TestGenerateJSON_RequestsJSONMode(t *testing.T) {
	mock := &mockChatService{resp: reply("  {\"reply\":\"hi\"}\n")}
	client := &Client{chat: mock, model: "test-model"}
	out, err := client.GenerateJSON(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != `{"reply":"hi"}` {
		t.Errorf("expected trimmed JSON, got %q", out)
	}
	if mock.params[0].ResponseFormat.OfJSONObject == nil {
		t.Error("expected JSON object response format")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	_, err := NewClient()
	if !errors.Is(err, ErrAPIKeyNotSet) {
		t.Errorf("expected ErrAPIKeyNotSet, got %v", err)
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithBaseURL("http://localhost:9999/v1"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli.Model() != "gpt-test" {
		t.Errorf("expected model gpt-test, got %s", cli.Model())
	}
	if cli.temperature != DefaultTemperature || cli.maxCompletionTokens != DefaultMaxCompletionTokens {
		t.Errorf("defaults not applied: temperature=%v max=%d", cli.temperature, cli.maxCompletionTokens)
	}
}

func TestNewClient_SamplingOverrides(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithTemperature(0.9), WithMaxCompletionTokens(300))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	mock := &mockChatService{resp: reply("ok")}
	cli.chat = mock
	if _, err := cli.GenerateWithMessages(context.Background(), prompt("s", "u")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := mock.params[0]
	if p.Temperature.Value != 0.9 {
		t.Errorf("expected temperature 0.9, got %v", p.Temperature.Value)
	}
	if p.MaxCompletionTokens.Value != 300 {
		t.Errorf("expected 300 max tokens, got %v", p.MaxCompletionTokens.Value)
	}
}
