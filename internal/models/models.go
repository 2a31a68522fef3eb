// Package models defines the core data structures for PitchPipe.
//
// It includes conversation state, directives and routes for the section router,
// and the JSON envelopes used by the HTTP API.
package models

import (
	"errors"
	"strings"
)

// Validation constants for API input
const (
	// MaxMessageLength defines the maximum allowed length of a user message
	MaxMessageLength = 4096
	// MaxIdentifierLength bounds user and thread identifiers
	MaxIdentifierLength = 128
)

// Error variables for request validation
var (
	ErrEmptyUserID       = errors.New("user_id cannot be empty")
	ErrEmptyThreadID     = errors.New("thread_id cannot be empty")
	ErrIdentifierTooLong = errors.New("identifier exceeds maximum length")
	ErrEmptyMessage      = errors.New("text cannot be empty")
	ErrMessageTooLong    = errors.New("text exceeds maximum length")
	ErrEmptySection      = errors.New("section cannot be empty")
)

// ConversationKey identifies a conversation.
type ConversationKey struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
}

// Validate checks the identifiers.
func (k ConversationKey) Validate() error {
	if strings.TrimSpace(k.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(k.ThreadID) == "" {
		return ErrEmptyThreadID
	}
	if len(k.UserID) > MaxIdentifierLength || len(k.ThreadID) > MaxIdentifierLength {
		return ErrIdentifierTooLong
	}
	return nil
}

// StartRequest starts a new conversation.
type StartRequest struct {
	ConversationKey
	Variant string `json:"variant,omitempty"`
}

// MessageRequest carries one user turn.
type MessageRequest struct {
	ConversationKey
	Text string `json:"text"`
}

// Validate checks identifiers and the message text.
func (r MessageRequest) Validate() error {
	if err := r.ConversationKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyMessage
	}
	if len(r.Text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// ModifyRequest asks to revisit a section.
type ModifyRequest struct {
	ConversationKey
	Section SectionID `json:"section"`
}

// Validate checks identifiers and the section.
func (r ModifyRequest) Validate() error {
	if err := r.ConversationKey.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(string(r.Section)) == "" {
		return ErrEmptySection
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// InboundMessage is a message received from a delivery channel.
type InboundMessage struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	Body      string `json:"body"`
	Time      int64  `json:"time"`
}
