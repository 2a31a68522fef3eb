package flow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
)

// systemPromptTemplate frames the section instructions for the responder.
var systemPromptTemplate = template.Must(template.New("system").Funcs(template.FuncMap{"join": strings.Join}).Parse(`You are guiding a founder through the "{{.Variant}}" workflow.
Current section: {{.Title}} ({{.SectionID}}).

{{.Instructions}}
{{if .RequiredFields}}
Collect these fields before proposing to move on: {{join .RequiredFields ", "}}.
{{end}}{{if .PriorAnswers}}
Answers from earlier sections:
{{range .PriorAnswers}}- {{.Section}}: {{.JSON}}
{{end}}{{end}}
Ask one question at a time. Never ask for something the founder already answered.`))

// ContextAssembler builds context packets for one workflow variant.
type ContextAssembler struct {
	variant   *registry.Variant
	overrides map[models.SectionID]string
}

// AssemblerOption configures a ContextAssembler.
type AssemblerOption func(*ContextAssembler)

// WithPromptDir loads per-section instruction overrides from <dir>/<variant>/<section>.txt.
// Missing files are skipped; the embedded catalog prompt is used instead.
func WithPromptDir(dir string) AssemblerOption {
	return func(a *ContextAssembler) {
		if dir == "" {
			return
		}
		for _, id := range a.variant.OrderedSections() {
			path := filepath.Join(dir, a.variant.Name, string(id)+".txt")
			content, err := os.ReadFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					slog.Warn("ContextAssembler.WithPromptDir: failed to read prompt override", "path", path, "error", err)
				}
				continue
			}
			a.overrides[id] = strings.TrimSpace(string(content))
			slog.Debug("ContextAssembler.WithPromptDir: loaded prompt override", "variant", a.variant.Name, "section", id, "length", len(content))
		}
	}
}

// NewContextAssembler creates an assembler for variant.
func NewContextAssembler(variant *registry.Variant, opts ...AssemblerOption) *ContextAssembler {
	a := &ContextAssembler{variant: variant, overrides: make(map[models.SectionID]string)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type priorAnswer struct {
	Section models.SectionID
	JSON    string
}

// Assemble builds the packet for sectionID from the canvas. It is deterministic
// and does not retain or modify the canvas.
func (a *ContextAssembler) Assemble(sectionID models.SectionID, canvas map[models.SectionID]map[string]any) (models.ContextPacket, error) {
	sec, ok := a.variant.Section(sectionID)
	if !ok {
		return models.ContextPacket{}, fmt.Errorf("section %q is not part of variant %s", sectionID, a.variant.Name)
	}

	instructions := strings.TrimSpace(sec.Prompt)
	if override, ok := a.overrides[sectionID]; ok && override != "" {
		instructions = override
	}

	packet := models.ContextPacket{
		SectionID:      sectionID,
		Title:          sec.Title,
		Instructions:   instructions,
		RequiredFields: append([]string(nil), sec.RequiredFields...),
		Canvas:         copyCanvas(canvas),
	}

	var prior []priorAnswer
	for _, ref := range sec.References {
		values, ok := canvas[ref]
		if !ok || len(values) == 0 {
			continue
		}
		if packet.PriorAnswers == nil {
			packet.PriorAnswers = make(map[models.SectionID]map[string]any)
		}
		packet.PriorAnswers[ref] = copyValues(values)
		// encoding/json sorts map keys, so the rendering is stable.
		encoded, err := json.Marshal(values)
		if err != nil {
			return models.ContextPacket{}, fmt.Errorf("encoding prior answers for %s: %w", ref, err)
		}
		prior = append(prior, priorAnswer{Section: ref, JSON: string(encoded)})
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].Section < prior[j].Section })

	var buf bytes.Buffer
	err := systemPromptTemplate.Execute(&buf, map[string]any{
		"Variant":        a.variant.Title,
		"Title":          sec.Title,
		"SectionID":      sectionID,
		"Instructions":   instructions,
		"RequiredFields": sec.RequiredFields,
		"PriorAnswers":   prior,
	})
	if err != nil {
		return models.ContextPacket{}, fmt.Errorf("rendering system prompt: %w", err)
	}
	packet.SystemPrompt = strings.TrimSpace(buf.String())
	return packet, nil
}

func copyCanvas(canvas map[models.SectionID]map[string]any) map[models.SectionID]map[string]any {
	if len(canvas) == 0 {
		return nil
	}
	out := make(map[models.SectionID]map[string]any, len(canvas))
	for id, values := range canvas {
		out[id] = copyValues(values)
	}
	return out
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
