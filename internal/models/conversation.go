package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SectionID identifies one topic of a workflow variant.
type SectionID string

// SectionStatus is the progress of a single section.
type SectionStatus string

const (
	SectionPending    SectionStatus = "pending"
	SectionInProgress SectionStatus = "in_progress"
	SectionDone       SectionStatus = "done"
)

// rank orders statuses so transitions can be checked for forward movement.
func (s SectionStatus) rank() int {
	switch s {
	case SectionInProgress:
		return 1
	case SectionDone:
		return 2
	default:
		return 0
	}
}

// SectionState holds the progress and collected answers of one section.
type SectionState struct {
	Status    SectionStatus  `json:"status"`
	Data      map[string]any `json:"data,omitempty"`
	Completed bool           `json:"completed,omitempty"` // completion signal from extraction
	Satisfied bool           `json:"satisfied,omitempty"` // user confirmed the section
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// NewSectionState returns a pending section with no data.
func NewSectionState() *SectionState {
	return &SectionState{Status: SectionPending, Data: map[string]any{}}
}

// Clone returns a deep copy. Nested maps and slices in Data are copied too.
func (s *SectionState) Clone() *SectionState {
	if s == nil {
		return NewSectionState()
	}
	c := *s
	c.Data = CloneData(s.Data)
	return &c
}

// CloneData deep-copies a section data map. A nil map yields an empty one.
func CloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	default:
		return v
	}
}

// Advance moves the status forward to next. Backward moves are ignored and reported as false.
func (s *SectionState) Advance(next SectionStatus) bool {
	if next.rank() < s.Status.rank() {
		return false
	}
	s.Status = next
	return true
}

// Reopen forces the section back to in_progress for a user-directed revision.
func (s *SectionState) Reopen() {
	s.Status = SectionInProgress
	s.Completed = false
	s.Satisfied = false
}

// Role tags who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation history.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a timestamped message with a fresh id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// ContextPacket is the payload handed to the responder for the current section.
type ContextPacket struct {
	SectionID      SectionID                    `json:"section_id"`
	Title          string                       `json:"title"`
	Instructions   string                       `json:"instructions"`
	RequiredFields []string                     `json:"required_fields,omitempty"`
	PriorAnswers   map[SectionID]map[string]any `json:"prior_answers,omitempty"`
	Canvas         map[SectionID]map[string]any `json:"canvas,omitempty"`
	Captured       map[string]any               `json:"captured,omitempty"` // live data of SectionID, set per responder call
	SystemPrompt   string                       `json:"system_prompt"`
}

// ConversationState is the aggregate for one (user_id, thread_id) conversation.
type ConversationState struct {
	UserID            string                      `json:"user_id"`
	ThreadID          string                      `json:"thread_id"`
	Variant           string                      `json:"variant"`
	CurrentSection    SectionID                   `json:"current_section"`
	Directive         Directive                   `json:"directive"`
	Finished          bool                        `json:"finished"`
	AwaitingUserInput bool                        `json:"awaiting_user_input"`
	Messages          []Message                   `json:"messages"`
	ContextPacket     *ContextPacket              `json:"context_packet,omitempty"`
	ErrorCount        int                         `json:"error_count"`
	LastError         string                      `json:"last_error,omitempty"`
	Sections          map[SectionID]*SectionState `json:"sections"`
	Artifact          string                      `json:"artifact,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// LastMessage returns the most recent message, if any.
func (c *ConversationState) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// HasPendingUserInput reports whether the latest message is from the user.
func (c *ConversationState) HasPendingUserInput() bool {
	last, ok := c.LastMessage()
	return ok && last.Role == RoleUser
}

// LastIsAssistant reports whether the latest message is from the assistant.
func (c *ConversationState) LastIsAssistant() bool {
	last, ok := c.LastMessage()
	return ok && last.Role == RoleAssistant
}

// AppendMessage adds a message to the history and returns it.
func (c *ConversationState) AppendMessage(role Role, content string) Message {
	msg := NewMessage(role, content)
	c.Messages = append(c.Messages, msg)
	return msg
}

// Section returns the state for id, creating a pending entry if missing.
func (c *ConversationState) Section(id SectionID) *SectionState {
	if c.Sections == nil {
		c.Sections = make(map[SectionID]*SectionState)
	}
	s, ok := c.Sections[id]
	if !ok || s == nil {
		s = NewSectionState()
		c.Sections[id] = s
	}
	return s
}

// Canvas returns a copy of the data collected across all sections.
func (c *ConversationState) Canvas() map[SectionID]map[string]any {
	canvas := make(map[SectionID]map[string]any, len(c.Sections))
	for id, s := range c.Sections {
		if s == nil || len(s.Data) == 0 {
			continue
		}
		canvas[id] = CloneData(s.Data)
	}
	return canvas
}

// RecordFault increments the error counter and remembers the description.
func (c *ConversationState) RecordFault(err error) {
	if err == nil {
		return
	}
	c.ErrorCount++
	c.LastError = err.Error()
}

// EndsWithQuestion reports whether text reads as a question to the user.
func EndsWithQuestion(text string) bool {
	return strings.HasSuffix(strings.TrimSpace(text), "?")
}

// ExportRequest is the input of the final export step.
type ExportRequest struct {
	UserID   string                       `json:"user_id"`
	ThreadID string                       `json:"thread_id"`
	Variant  string                       `json:"variant"`
	Canvas   map[SectionID]map[string]any `json:"canvas"`
}
