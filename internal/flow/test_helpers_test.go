package flow

import (
	"context"
	"errors"
	"sync"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
)

// NewMockStateManager creates a mock state manager for testing
func NewMockStateManager() StateManager {
	return NewStoreBasedStateManager(store.NewInMemoryStore())
}

// twoSectionCatalog is a minimal variant with sections a and b; b needs confirmation.
const twoSectionCatalog = `name: two
title: Two Step
sections:
  - id: a
    title: Section A
    required_fields: [x]
    prompt: Ask for x.
  - id: b
    title: Section B
    required_fields: [y]
    requires_confirmation: true
    references: [a]
    prompt: Ask for y.
`

func mustTwoSectionVariant() *registry.Variant {
	v, err := registry.Parse([]byte(twoSectionCatalog))
	if err != nil {
		panic(err)
	}
	return v
}

// scriptedResponder returns queued outputs in order and records the packets it saw.
type scriptedResponder struct {
	mu      sync.Mutex
	outputs []ResponderOutput
	errs    []error
	packets []models.ContextPacket
	calls   int
}

func (r *scriptedResponder) Respond(ctx context.Context, packet models.ContextPacket, history []models.Message) (ResponderOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	r.packets = append(r.packets, packet)
	if i < len(r.errs) && r.errs[i] != nil {
		return ResponderOutput{}, r.errs[i]
	}
	if i < len(r.outputs) {
		return r.outputs[i], nil
	}
	return ResponderOutput{Message: "Tell me more?", Asked: true}, nil
}

// stubExporter counts export calls and returns a fixed artifact or error.
type stubExporter struct {
	artifact string
	err      error
	calls    int
	last     models.ExportRequest
}

func (e *stubExporter) Export(ctx context.Context, req models.ExportRequest) (string, error) {
	e.calls++
	e.last = req
	if e.err != nil {
		return "", e.err
	}
	return e.artifact, nil
}

var errExportDown = errors.New("export service unavailable")

func directivePtr(d models.Directive) *models.Directive { return &d }
