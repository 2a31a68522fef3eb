package models

import (
	"errors"
	"fmt"
)

// FaultKind classifies non-fatal errors recorded on a conversation.
type FaultKind string

const (
	FaultInvalidDirective  FaultKind = "InvalidDirective"
	FaultInvalidJumpTarget FaultKind = "InvalidJumpTarget"
	FaultExtraction        FaultKind = "ExtractionFailure"
	FaultExport            FaultKind = "ExportFailure"
	FaultResponder         FaultKind = "ResponderFailure"
)

// Sentinels for errors.Is checks against a Fault of the matching kind.
var (
	ErrInvalidDirective  = errors.New("invalid directive")
	ErrInvalidJumpTarget = errors.New("invalid jump target")
	ErrExtractionFailure = errors.New("extraction failure")
	ErrExportFailure     = errors.New("export failure")
	ErrResponderFailure  = errors.New("responder failure")
)

var faultSentinels = map[FaultKind]error{
	FaultInvalidDirective:  ErrInvalidDirective,
	FaultInvalidJumpTarget: ErrInvalidJumpTarget,
	FaultExtraction:        ErrExtractionFailure,
	FaultExport:            ErrExportFailure,
	FaultResponder:         ErrResponderFailure,
}

// Fault is an error the router converts into error bookkeeping instead of propagating.
type Fault struct {
	Kind   FaultKind
	Detail string
	Cause  error
}

// NewFault builds a Fault without an underlying cause.
func NewFault(kind FaultKind, detail string) *Fault {
	return &Fault{Kind: kind, Detail: detail}
}

// WrapFault builds a Fault around a collaborator error.
func WrapFault(kind FaultKind, detail string, cause error) *Fault {
	return &Fault{Kind: kind, Detail: detail, Cause: cause}
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// Unwrap exposes the collaborator error, if any.
func (f *Fault) Unwrap() error { return f.Cause }

// Is matches the sentinel for the fault's kind.
func (f *Fault) Is(target error) bool {
	return faultSentinels[f.Kind] == target
}

// AsFault classifies err as a Fault, using fallback as the kind when err is not one already.
func AsFault(err error, fallback FaultKind) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	return WrapFault(fallback, "collaborator error", err)
}
