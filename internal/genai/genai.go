// Package genai wraps the OpenAI chat completion API for the responder and export steps.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// Defaults for chat completions.
const (
	DefaultModel               = string(openai.ChatModelGPT4oMini)
	DefaultTemperature         = 0.4
	DefaultMaxCompletionTokens = 1200
)

var (
	// ErrAPIKeyNotSet is returned by NewClient without an API key.
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set")
	// ErrNoChoicesReturned is returned when the API answers with no choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// ClientInterface is the surface other packages depend on, so tests can substitute it.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
}

var _ ClientInterface = (*Client)(nil)

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc openai.ChatCompletionService
}

func (a completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey              string
	Model               string
	BaseURL             string
	Temperature         float64
	MaxCompletionTokens int64
	DebugMode           bool
	StateDir            string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature overrides DefaultTemperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxCompletionTokens overrides DefaultMaxCompletionTokens.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) { o.MaxCompletionTokens = n }
}

// WithDebugMode records every API call under <state-dir>/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory debug records are written under.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
	debugMode           bool
	stateDir            string
}

// NewClient initializes a new GenAI client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	cli := openai.NewClient(reqOpts...)
	slog.Debug("GenAI client created", "model", cfg.Model, "base_url_set", cfg.BaseURL != "")
	return &Client{
		chat:                completionsAdapter{svc: cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
		debugMode:           cfg.DebugMode,
		stateDir:            cfg.StateDir,
	}, nil
}

func (c *Client) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages:    messages,
		Model:       openai.ChatModel(c.model),
		Temperature: openai.Float(c.temperature),
	}
	if c.maxCompletionTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxCompletionTokens)
	}
	return params
}

func (c *Client) complete(ctx context.Context, method string, params openai.ChatCompletionNewParams) (string, error) {
	resp, err := c.chat.Create(ctx, params)
	c.writeDebug(method, params, resp, err)
	if err != nil {
		slog.Error("GenAI.complete: chat completion failed", "model", c.model, "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	slog.Debug("GenAI.complete: received response", "model", c.model, "length", len(content), "finish_reason", resp.Choices[0].FinishReason)
	return content, nil
}

// GenerateWithMessages runs a completion over a prepared message list.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return c.complete(ctx, "GenerateWithMessages", c.params(messages))
}

// GenerateJSON runs a completion in JSON-object mode. The returned text is the
// raw model output; callers validate its shape.
func (c *Client) GenerateJSON(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	params := c.params(messages)
	params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
	}
	content, err := c.complete(ctx, "GenerateJSON", params)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type debugRecord struct {
	Timestamp time.Time                      `json:"timestamp"`
	Method    string                         `json:"method"`
	Model     string                         `json:"model"`
	Params    openai.ChatCompletionNewParams `json:"params"`
	Response  *openai.ChatCompletion         `json:"response"`
	Error     string                         `json:"error,omitempty"`
}

// writeDebug stores one API call as JSON. Failures are logged and otherwise ignored.
func (c *Client) writeDebug(method string, params openai.ChatCompletionNewParams, resp openai.ChatCompletion, callErr error) {
	if !c.debugMode || c.stateDir == "" {
		return
	}
	rec := debugRecord{Timestamp: time.Now().UTC(), Method: method, Model: c.model, Params: params}
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.Response = &resp
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		slog.Warn("GenAI.writeDebug: marshal failed", "error", err)
		return
	}
	dir := filepath.Join(c.stateDir, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("GenAI.writeDebug: cannot create debug dir", "dir", dir, "error", err)
		return
	}
	name := fmt.Sprintf("genai_%s_%s.json", rec.Timestamp.Format("20060102T150405.000000000"), method)
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		slog.Warn("GenAI.writeDebug: write failed", "error", err)
	}
}
