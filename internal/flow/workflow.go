package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
)

// DefaultMaxResponderCalls bounds responder invocations within one pass.
const DefaultMaxResponderCalls = 3

// exportApology is shown instead of the artifact when export fails.
const exportApology = "All sections are complete, but I couldn't generate your final document just now. Your answers are saved."

// finishedReply answers messages sent to a conversation that has already finished.
const finishedReply = "Your document is already complete. Reset this conversation to start a new one."

// ErrConversationNotFound is returned when an operation needs an existing conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// TurnResult is the outcome of one external invocation.
type TurnResult struct {
	Route       models.Route              `json:"route"`
	NewMessages []models.Message          `json:"new_messages"`
	State       *models.ConversationState `json:"state"`
}

// Workflow drives conversations through the router and its collaborators.
// It keeps no per-conversation state; callers must serialize invocations for
// the same (user_id, thread_id).
type Workflow struct {
	responder      Responder
	exporter       Exporter
	states         StateManager
	routers        map[string]*Router
	defaultVariant string
	promptDir      string
	maxCalls       int
}

// WorkflowOption configures a Workflow.
type WorkflowOption func(*Workflow)

// WithDefaultVariant sets the variant used when a conversation is created implicitly.
func WithDefaultVariant(name string) WorkflowOption {
	return func(w *Workflow) {
		if name != "" {
			w.defaultVariant = name
		}
	}
}

// WithPrompts sets the directory holding section prompt overrides.
func WithPrompts(dir string) WorkflowOption {
	return func(w *Workflow) { w.promptDir = dir }
}

// WithMaxResponderCalls overrides DefaultMaxResponderCalls.
func WithMaxResponderCalls(n int) WorkflowOption {
	return func(w *Workflow) {
		if n > 0 {
			w.maxCalls = n
		}
	}
}

// NewWorkflow builds a router for every known variant and wires the collaborators.
func NewWorkflow(responder Responder, exporter Exporter, states StateManager, opts ...WorkflowOption) (*Workflow, error) {
	if responder == nil || exporter == nil || states == nil {
		return nil, errors.New("workflow requires a responder, an exporter and a state manager")
	}
	w := &Workflow{
		responder:      responder,
		exporter:       exporter,
		states:         states,
		routers:        make(map[string]*Router),
		defaultVariant: registry.DefaultVariant,
		maxCalls:       DefaultMaxResponderCalls,
	}
	for _, opt := range opts {
		opt(w)
	}

	for _, name := range registry.Variants() {
		v, err := registry.Load(name)
		if err != nil {
			return nil, err
		}
		w.routers[name] = NewRouter(v, NewContextAssembler(v, WithPromptDir(w.promptDir)))
	}
	if _, ok := w.routers[w.defaultVariant]; !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownVariant, w.defaultVariant)
	}

	slog.Debug("Workflow created", "variants", len(w.routers), "default_variant", w.defaultVariant, "max_responder_calls", w.maxCalls)
	return w, nil
}

func (w *Workflow) router(variant string) (*Router, error) {
	if variant == "" {
		variant = w.defaultVariant
	}
	r, ok := w.routers[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownVariant, variant)
	}
	return r, nil
}

// NewConversation returns a fresh state positioned on the first section with directive NEXT.
func (w *Workflow) NewConversation(userID, threadID, variant string) (*models.ConversationState, error) {
	if variant == "" {
		variant = w.defaultVariant
	}
	r, err := w.router(variant)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &models.ConversationState{
		UserID:         userID,
		ThreadID:       threadID,
		Variant:        variant,
		CurrentSection: r.variant.FirstSection(),
		Directive:      models.Next(),
		Messages:       []models.Message{},
		Sections:       r.variant.NewSections(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Start creates the conversation and runs the first pass, which asks the
// first question. Starting an existing conversation resumes it instead.
func (w *Workflow) Start(ctx context.Context, userID, threadID, variant string) (*TurnResult, error) {
	if err := (models.ConversationKey{UserID: userID, ThreadID: threadID}).Validate(); err != nil {
		return nil, err
	}
	state, err := w.states.Load(ctx, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if state != nil {
		slog.Info("Workflow.Start: conversation exists, resuming", "user_id", userID, "thread_id", threadID, "variant", state.Variant)
	} else {
		state, err = w.NewConversation(userID, threadID, variant)
		if err != nil {
			return nil, err
		}
		slog.Info("Workflow.Start: conversation created", "user_id", userID, "thread_id", threadID, "variant", state.Variant)
	}
	return w.runAndSave(ctx, state)
}

// HandleUserMessage records a user turn and runs one pass. A conversation that
// does not exist yet is created with the default variant.
func (w *Workflow) HandleUserMessage(ctx context.Context, userID, threadID, text string) (*TurnResult, error) {
	req := models.MessageRequest{ConversationKey: models.ConversationKey{UserID: userID, ThreadID: threadID}, Text: text}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	state, err := w.states.Load(ctx, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if state == nil {
		state, err = w.NewConversation(userID, threadID, "")
		if err != nil {
			return nil, err
		}
		slog.Info("Workflow.HandleUserMessage: conversation created implicitly", "user_id", userID, "thread_id", threadID, "variant", state.Variant)
	}

	state.AppendMessage(models.RoleUser, strings.TrimSpace(text))
	if state.Finished {
		slog.Info("Workflow.HandleUserMessage: conversation already finished", "user_id", userID, "thread_id", threadID)
		start := len(state.Messages)
		state.AppendMessage(models.RoleAssistant, finishedReply)
		state.UpdatedAt = time.Now().UTC()
		if err := w.states.Save(ctx, state); err != nil {
			return nil, fmt.Errorf("saving conversation: %w", err)
		}
		return &TurnResult{
			Route:       models.Route{Kind: models.RouteFinish},
			NewMessages: append([]models.Message(nil), state.Messages[start:]...),
			State:       state,
		}, nil
	}
	Normalize(state, false)
	return w.runAndSave(ctx, state)
}

// SectionRecords returns the per-section records derived from the stored conversation.
func (w *Workflow) SectionRecords(ctx context.Context, userID, threadID string) ([]store.SectionRecord, error) {
	if _, err := w.load(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return w.states.SectionRecords(ctx, userID, threadID)
}

// RequestModify sends the conversation back to section for revision.
// An unknown section is recorded as a fault and the conversation stays put.
func (w *Workflow) RequestModify(ctx context.Context, userID, threadID string, section models.SectionID) (*TurnResult, error) {
	req := models.ModifyRequest{ConversationKey: models.ConversationKey{UserID: userID, ThreadID: threadID}, Section: section}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	state, err := w.load(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	state.Directive = models.ModifyTo(models.SectionID(strings.ToLower(strings.TrimSpace(string(section)))))
	return w.runAndSave(ctx, state)
}

// Resume runs a pass without new input. With nothing changed it halts again.
func (w *Workflow) Resume(ctx context.Context, userID, threadID string) (*TurnResult, error) {
	state, err := w.load(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	return w.runAndSave(ctx, state)
}

// Get returns the stored conversation.
func (w *Workflow) Get(ctx context.Context, userID, threadID string) (*models.ConversationState, error) {
	return w.load(ctx, userID, threadID)
}

// Reset deletes the conversation so the next message starts over.
func (w *Workflow) Reset(ctx context.Context, userID, threadID string) error {
	return w.states.Reset(ctx, userID, threadID)
}

func (w *Workflow) load(ctx context.Context, userID, threadID string) (*models.ConversationState, error) {
	state, err := w.states.Load(ctx, userID, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrConversationNotFound, userID, threadID)
	}
	return state, nil
}

func (w *Workflow) runAndSave(ctx context.Context, state *models.ConversationState) (*TurnResult, error) {
	result, err := w.RunTurn(ctx, state)
	if err != nil {
		return nil, err
	}
	state.UpdatedAt = time.Now().UTC()
	if err := w.states.Save(ctx, state); err != nil {
		return nil, fmt.Errorf("saving conversation: %w", err)
	}
	return result, nil
}

// RunTurn performs one pass on state in memory. Collaborator failures are
// recorded on the state and never returned; the error is reserved for states
// whose variant is unknown.
func (w *Workflow) RunTurn(ctx context.Context, state *models.ConversationState) (*TurnResult, error) {
	router, err := w.router(state.Variant)
	if err != nil {
		return nil, err
	}
	if state.Variant == "" {
		state.Variant = w.defaultVariant
	}

	start := len(state.Messages)
	calls := 0
	var route models.Route

pass:
	for {
		route = router.Step(state)
		switch route.Kind {
		case models.RouteFinish:
			w.finish(ctx, router, state)
			break pass
		case models.RouteContinueInSection:
			if calls >= w.maxCalls {
				fault := models.NewFault(models.FaultResponder, fmt.Sprintf("responder call budget of %d exhausted", w.maxCalls))
				slog.Warn("Workflow.RunTurn: halting", "user_id", state.UserID, "thread_id", state.ThreadID, "error", fault)
				state.RecordFault(fault)
				state.Directive = models.Stay()
				route = models.Route{Kind: models.RouteHalt}
				break pass
			}
			calls++
			if !w.respond(ctx, router, state) {
				route = models.Route{Kind: models.RouteHalt}
				break pass
			}
		default:
			break pass
		}
	}

	newMessages := append([]models.Message(nil), state.Messages[start:]...)
	slog.Debug("Workflow.RunTurn: pass complete", "user_id", state.UserID, "thread_id", state.ThreadID, "route", route.String(), "section", state.CurrentSection, "new_messages", len(newMessages), "responder_calls", calls)
	return &TurnResult{Route: route, NewMessages: newMessages, State: state}, nil
}

// respond runs the responder once and applies its output. It reports false
// when the responder failed and the pass must stop.
func (w *Workflow) respond(ctx context.Context, router *Router, state *models.ConversationState) bool {
	var packet models.ContextPacket
	if state.ContextPacket != nil {
		packet = *state.ContextPacket
	}
	packet.Captured = models.CloneData(state.Section(state.CurrentSection).Data)
	history := append([]models.Message(nil), state.Messages...)

	out, err := w.responder.Respond(ctx, packet, history)
	if err == nil && strings.TrimSpace(out.Message) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		fault := models.WrapFault(models.FaultResponder, fmt.Sprintf("responding in section %s", state.CurrentSection), err)
		slog.Warn("Workflow.respond: responder failed", "user_id", state.UserID, "thread_id", state.ThreadID, "error", fault)
		state.RecordFault(fault)
		state.Directive = models.Stay()
		return false
	}

	directive := models.Stay()
	if out.Directive != nil {
		directive = *out.Directive
	}

	if !out.Updates.IsEmpty() {
		updated, err := ApplyUpdates(router.variant, state.CurrentSection, state.Section(state.CurrentSection), out.Updates)
		if err != nil {
			fault := models.AsFault(err, models.FaultExtraction)
			slog.Warn("Workflow.respond: extraction failed", "user_id", state.UserID, "thread_id", state.ThreadID, "section", state.CurrentSection, "error", fault)
			state.RecordFault(fault)
			directive = models.Stay()
		} else {
			state.Sections[state.CurrentSection] = updated
			slog.Debug("Workflow.respond: section updated", "section", state.CurrentSection, "status", updated.Status, "fields", len(updated.Data))
		}
	}

	state.AppendMessage(models.RoleAssistant, strings.TrimSpace(out.Message))
	state.Directive = directive
	Normalize(state, out.Asked || models.EndsWithQuestion(out.Message))
	return true
}

// finish runs the export step once. finished is set whether or not export succeeds.
func (w *Workflow) finish(ctx context.Context, router *Router, state *models.ConversationState) {
	if state.Finished {
		return
	}
	state.Finished = true
	state.CurrentSection = router.variant.FinalSection()
	state.AwaitingUserInput = false
	state.Directive = models.Stay()

	artifact, err := w.exporter.Export(ctx, models.ExportRequest{
		UserID:   state.UserID,
		ThreadID: state.ThreadID,
		Variant:  state.Variant,
		Canvas:   state.Canvas(),
	})
	if err == nil && strings.TrimSpace(artifact) == "" {
		err = errors.New("empty artifact")
	}
	if err != nil {
		fault := models.WrapFault(models.FaultExport, "exporting final document", err)
		slog.Error("Workflow.finish: export failed", "user_id", state.UserID, "thread_id", state.ThreadID, "error", fault)
		state.RecordFault(fault)
		state.AppendMessage(models.RoleAssistant, exportApology)
		return
	}

	state.Artifact = artifact
	state.AppendMessage(models.RoleAssistant, artifact)
	slog.Info("Workflow.finish: conversation finished", "user_id", state.UserID, "thread_id", state.ThreadID, "variant", state.Variant, "artifact_length", len(artifact))
}
