package flow

import (
	"fmt"
	"log/slog"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/registry"
)

// Decision is the raw outcome of DecideRoute. Fault is set when the directive
// could not be honored and the router fell back to a safe route.
type Decision struct {
	Route models.Route
	Fault *models.Fault
}

// Router decides, once per pass, what the workflow does next for a conversation.
// It holds no per-conversation state and is safe for concurrent use.
type Router struct {
	variant   *registry.Variant
	assembler *ContextAssembler
}

// NewRouter creates a router for one workflow variant.
func NewRouter(variant *registry.Variant, assembler *ContextAssembler) *Router {
	if assembler == nil {
		assembler = NewContextAssembler(variant)
	}
	return &Router{variant: variant, assembler: assembler}
}

// DecideRoute evaluates the routing rules in priority order without touching state.
func (r *Router) DecideRoute(state *models.ConversationState) Decision {
	if state.Finished {
		return Decision{Route: models.Route{Kind: models.RouteFinish}}
	}
	if _, ok := r.variant.NextUnfinished(state.Sections); !ok {
		return Decision{Route: models.Route{Kind: models.RouteFinish}}
	}

	pending := state.HasPendingUserInput()

	switch d := state.Directive; {
	case d.IsStay():
		return Decision{Route: stayRoute(pending)}

	case d.Kind == models.DirectiveNext:
		if !pending && state.LastIsAssistant() {
			return Decision{Route: models.Route{Kind: models.RouteHalt}}
		}
		return Decision{Route: models.Route{Kind: models.RouteAdvance}}

	case d.Kind == models.DirectiveModify:
		if !r.variant.Has(d.Target) {
			fault := models.NewFault(models.FaultInvalidJumpTarget,
				fmt.Sprintf("cannot modify unknown section %q", d.Target))
			return Decision{Route: stayRoute(pending), Fault: fault}
		}
		if !pending && state.LastIsAssistant() {
			return Decision{Route: models.Route{Kind: models.RouteHalt}}
		}
		return Decision{Route: models.Route{Kind: models.RouteJump, Target: d.Target}}

	default:
		fault := models.NewFault(models.FaultInvalidDirective,
			fmt.Sprintf("unrecognized directive %q", d.String()))
		return Decision{Route: models.Route{Kind: models.RouteHalt}, Fault: fault}
	}
}

// stayRoute is the STAY rule: react to pending input, otherwise wait.
func stayRoute(pending bool) models.Route {
	if pending {
		return models.Route{Kind: models.RouteContinueInSection}
	}
	return models.Route{Kind: models.RouteHalt}
}

// Step decides the route and applies its side effects to state. The returned
// route is always one of continue_in_section, halt or finish: advances and
// jumps are carried out here and reported as continuing in the new section.
func (r *Router) Step(state *models.ConversationState) models.Route {
	decision := r.DecideRoute(state)
	if decision.Fault != nil {
		slog.Warn("Router.Step: directive rejected", "user_id", state.UserID, "thread_id", state.ThreadID, "directive", state.Directive.String(), "error", decision.Fault)
		state.RecordFault(decision.Fault)
		state.Directive = models.Stay()
	}

	route := decision.Route
	slog.Debug("Router.Step: decided", "user_id", state.UserID, "thread_id", state.ThreadID, "section", state.CurrentSection, "route", route.String())

	switch route.Kind {
	case models.RouteAdvance:
		target, ok := r.variant.NextUnfinished(state.Sections)
		if !ok {
			state.Directive = models.Stay()
			return models.Route{Kind: models.RouteFinish}
		}
		r.enter(state, target, false)
		state.Section(target).Advance(models.SectionInProgress)
		state.Directive = models.Stay()
		return models.Route{Kind: models.RouteContinueInSection}

	case models.RouteJump:
		state.Section(route.Target).Reopen()
		r.enter(state, route.Target, true)
		state.Directive = models.Stay()
		return models.Route{Kind: models.RouteContinueInSection}

	case models.RouteFinish:
		if !state.Directive.IsStay() {
			state.Directive = models.Stay()
		}
		return route

	case models.RouteContinueInSection:
		if state.ContextPacket == nil {
			r.refreshPacket(state)
		}
		return route

	default:
		return route
	}
}

// enter makes id the current section. The context packet is rebuilt when the
// section changes, when none is cached, or when force is set.
func (r *Router) enter(state *models.ConversationState, id models.SectionID, force bool) {
	changed := state.CurrentSection != id
	state.CurrentSection = id
	if changed || force || state.ContextPacket == nil {
		r.refreshPacket(state)
	}
	if changed {
		slog.Info("Router: entered section", "user_id", state.UserID, "thread_id", state.ThreadID, "section", id)
	}
}

func (r *Router) refreshPacket(state *models.ConversationState) {
	packet, err := r.assembler.Assemble(state.CurrentSection, state.Canvas())
	if err != nil {
		// The current section is not a topic (e.g. implementation); keep the old packet.
		slog.Debug("Router.refreshPacket: no packet for section", "section", state.CurrentSection, "error", err)
		return
	}
	state.ContextPacket = &packet
}
