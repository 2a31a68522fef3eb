package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DirectiveKind identifies what the router should do with the current section.
type DirectiveKind string

const (
	// DirectiveStay keeps the conversation on the current section.
	DirectiveStay DirectiveKind = "stay"
	// DirectiveNext moves on to the next unfinished section.
	DirectiveNext DirectiveKind = "next"
	// DirectiveModify jumps to an explicit section so the user can revise it.
	DirectiveModify DirectiveKind = "modify"
)

// modifyPrefix is the wire prefix for modify directives, e.g. "MODIFY:icp".
const modifyPrefix = "MODIFY:"

// Directive is a single-shot control signal consumed by the router on each pass.
type Directive struct {
	Kind   DirectiveKind `json:"kind"`
	Target SectionID     `json:"target,omitempty"`
}

// Stay returns the STAY directive.
func Stay() Directive { return Directive{Kind: DirectiveStay} }

// Next returns the NEXT directive.
func Next() Directive { return Directive{Kind: DirectiveNext} }

// ModifyTo returns a MODIFY directive targeting the given section.
func ModifyTo(target SectionID) Directive {
	return Directive{Kind: DirectiveModify, Target: target}
}

// IsStay reports whether d is STAY. The zero value counts as STAY.
func (d Directive) IsStay() bool {
	return d.Kind == DirectiveStay || d.Kind == ""
}

// String renders the wire form: STAY, NEXT or MODIFY:<section>.
func (d Directive) String() string {
	switch d.Kind {
	case DirectiveStay, "":
		return "STAY"
	case DirectiveNext:
		return "NEXT"
	case DirectiveModify:
		return modifyPrefix + string(d.Target)
	default:
		return strings.ToUpper(string(d.Kind))
	}
}

// ParseDirective converts the wire form into a Directive.
// Matching is case-insensitive and tolerates surrounding whitespace.
func ParseDirective(raw string) (Directive, error) {
	s := strings.TrimSpace(raw)
	upper := strings.ToUpper(s)
	switch {
	case upper == "" || upper == "STAY":
		return Stay(), nil
	case upper == "NEXT":
		return Next(), nil
	case strings.HasPrefix(upper, modifyPrefix):
		target := strings.TrimSpace(s[len(modifyPrefix):])
		if target == "" {
			return Stay(), NewFault(FaultInvalidDirective, fmt.Sprintf("modify directive %q has no target section", raw))
		}
		return ModifyTo(SectionID(strings.ToLower(target))), nil
	default:
		return Stay(), NewFault(FaultInvalidDirective, fmt.Sprintf("unrecognized directive %q", raw))
	}
}

// MarshalJSON encodes the directive in its wire form.
func (d Directive) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes the wire form. Unknown values are kept verbatim so the
// router can observe and report them instead of failing the whole state load.
func (d *Directive) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("directive must be a string: %w", err)
	}
	parsed, err := ParseDirective(raw)
	if err != nil {
		*d = Directive{Kind: DirectiveKind(strings.ToLower(strings.TrimSpace(raw)))}
		return nil
	}
	*d = parsed
	return nil
}

// RouteKind is the control-flow step chosen by the router for one pass.
type RouteKind string

const (
	RouteContinueInSection RouteKind = "continue_in_section"
	RouteAdvance           RouteKind = "advance"
	RouteJump              RouteKind = "jump"
	RouteHalt              RouteKind = "halt"
	RouteFinish            RouteKind = "finish"
)

// Route is the router's decision. Target is set only for jumps.
type Route struct {
	Kind   RouteKind `json:"kind"`
	Target SectionID `json:"target,omitempty"`
}

func (r Route) String() string {
	if r.Kind == RouteJump {
		return fmt.Sprintf("%s(%s)", r.Kind, r.Target)
	}
	return string(r.Kind)
}
