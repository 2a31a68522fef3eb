// Package export renders the final document of a finished conversation.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/genai"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
	"github.com/openai/openai-go"
)

// DefaultFilePermissions is used for exported documents.
const DefaultFilePermissions = 0644

var documentTemplate = template.Must(template.New("document").Parse(`# {{.Title}}
{{range .Sections}}
## {{.Title}}
{{if .Fields}}{{range .Fields}}- **{{.Name}}**: {{.Value}}
{{end}}{{else}}_No answers recorded._
{{end}}{{end}}`))

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

type field struct {
	Name  string
	Value string
}

type section struct {
	Title  string
	Fields []field
}

// Option configures an exporter.
type Option func(*MarkdownExporter)

// WithOutputDir writes each document to <dir>/<user_id>/<thread_id>.md.
func WithOutputDir(dir string) Option {
	return func(e *MarkdownExporter) { e.dir = dir }
}

// MarkdownExporter renders the canvas as a Markdown document in section order.
type MarkdownExporter struct {
	dir string
}

// NewMarkdownExporter creates a Markdown exporter.
func NewMarkdownExporter(opts ...Option) *MarkdownExporter {
	e := &MarkdownExporter{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export implements flow.Exporter.
func (e *MarkdownExporter) Export(ctx context.Context, req models.ExportRequest) (string, error) {
	doc, err := e.Render(req)
	if err != nil {
		return "", err
	}
	if err := e.write(req, doc); err != nil {
		return "", err
	}
	return doc, nil
}

// Render produces the document without writing it.
func (e *MarkdownExporter) Render(req models.ExportRequest) (string, error) {
	variant, err := registry.Load(req.Variant)
	if err != nil {
		return "", err
	}

	data := struct {
		Title    string
		Sections []section
	}{Title: variant.Title}
	for _, id := range variant.OrderedSections() {
		meta, _ := variant.Section(id)
		data.Sections = append(data.Sections, section{Title: meta.Title, Fields: fieldsOf(req.Canvas[id])})
	}

	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("rendering document: %w", err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}

func (e *MarkdownExporter) write(req models.ExportRequest, doc string) error {
	if e.dir == "" {
		return nil
	}
	path := DocumentPath(e.dir, req.UserID, req.ThreadID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(doc), DefaultFilePermissions); err != nil {
		return fmt.Errorf("writing export %s: %w", path, err)
	}
	slog.Info("MarkdownExporter: document written", "path", path, "bytes", len(doc))
	return nil
}

// DocumentPath returns where the document of a conversation is written.
// Distinct user and thread IDs always map to distinct paths under dir.
func DocumentPath(dir, userID, threadID string) string {
	return filepath.Join(dir, safeName(userID), safeName(threadID)+".md")
}

// safeName sanitizes id into one path element followed by a short digest of
// the raw value.
func safeName(id string) string {
	name := unsafePathChars.ReplaceAllString(id, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" {
		name = "_"
	}
	sum := sha256.Sum256([]byte(id))
	return name + "-" + hex.EncodeToString(sum[:4])
}

func fieldsOf(values map[string]any) []field {
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]field, 0, len(names))
	for _, name := range names {
		fields = append(fields, field{Name: strings.ReplaceAll(name, "_", " "), Value: formatValue(values[name])})
	}
	return fields
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, formatValue(item))
		}
		return strings.Join(parts, "; ")
	case []string:
		return strings.Join(x, "; ")
	case float64:
		if x == float64(int64(x)) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// polishPrompt instructs the model to turn the draft into the final document.
const polishPrompt = `You are an editor preparing a founder's %s.
Rewrite the draft below into a polished Markdown document. Keep every section heading and every fact; do not invent new claims.
Return only the document.`

// GenAIExporter renders the Markdown draft and has the model polish it.
type GenAIExporter struct {
	client  genai.ClientInterface
	draft   *MarkdownExporter
	timeout time.Duration
}

// NewGenAIExporter creates an exporter that polishes drafts with client.
func NewGenAIExporter(client genai.ClientInterface, opts ...Option) *GenAIExporter {
	return &GenAIExporter{client: client, draft: NewMarkdownExporter(opts...), timeout: 2 * time.Minute}
}

// Export implements flow.Exporter.
func (e *GenAIExporter) Export(ctx context.Context, req models.ExportRequest) (string, error) {
	draft, err := e.draft.Render(req)
	if err != nil {
		return "", err
	}
	variant, err := registry.Load(req.Variant)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	polished, err := e.client.GenerateWithMessages(ctx, []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(fmt.Sprintf(polishPrompt, variant.Title)),
		openai.UserMessage(draft),
	})
	if err != nil {
		return "", fmt.Errorf("polishing document: %w", err)
	}
	polished = strings.TrimSpace(polished)
	if polished == "" {
		return "", fmt.Errorf("polishing document: empty response")
	}
	doc := polished + "\n"
	if err := e.draft.write(req, doc); err != nil {
		return "", err
	}
	return doc, nil
}
