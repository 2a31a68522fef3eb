// Package flow defines the collaborator contracts of the section workflow.
package flow

import (
	"context"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
)

// SectionUpdates are the structured values extracted from the latest exchange.
type SectionUpdates struct {
	Fields    map[string]any `json:"fields,omitempty"`
	Complete  bool           `json:"complete,omitempty"`  // extraction judged the section finished
	Satisfied bool           `json:"satisfied,omitempty"` // user confirmed the section
}

// IsEmpty reports whether the updates carry nothing to apply.
func (u SectionUpdates) IsEmpty() bool {
	return len(u.Fields) == 0 && !u.Complete && !u.Satisfied
}

// ResponderOutput is what the conversational responder produces for one turn.
type ResponderOutput struct {
	Message   string
	Directive *models.Directive // nil means no proposal
	Updates   SectionUpdates
	Asked     bool // the message asks the user something
}

// Responder produces the assistant's next message for the current section.
// It must not change the current section or the finished flag; it can only propose a directive.
type Responder interface {
	Respond(ctx context.Context, packet models.ContextPacket, history []models.Message) (ResponderOutput, error)
}

// Exporter produces the final artifact once every section is done.
type Exporter interface {
	Export(ctx context.Context, req models.ExportRequest) (string, error)
}

// StateManager loads and saves conversation state keyed by (user_id, thread_id).
type StateManager interface {
	// Load returns nil without error when the conversation does not exist
	Load(ctx context.Context, userID, threadID string) (*models.ConversationState, error)

	// Save persists the conversation and its derived section records
	Save(ctx context.Context, state *models.ConversationState) error

	// Reset removes the conversation and its section records
	Reset(ctx context.Context, userID, threadID string) error

	// SectionRecords returns the derived per-section records
	SectionRecords(ctx context.Context, userID, threadID string) ([]store.SectionRecord, error)
}
