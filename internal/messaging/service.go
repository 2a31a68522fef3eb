// Package messaging connects delivery channels (Twilio, WhatsApp, a terminal)
// to the pitch workflow.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of a service's inbound channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel.
	DefaultChannelTimeout = 1 * time.Second
	// minPhoneDigits is the shortest accepted phone number.
	minPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery channel.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Each channel applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns a channel of messages received from users.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone strips everything but digits and checks the length.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by the service implementations.
type inbox struct {
	name    string
	ch      chan models.InboundMessage
	mu      sync.RWMutex
	stopped bool
}

func newInbox(name string) *inbox {
	return &inbox{name: name, ch: make(chan models.InboundMessage, DefaultChannelBufferSize)}
}

// emit queues msg, dropping it if the service is stopped or the channel stays full.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case b.ch <- msg:
		slog.Debug(b.name+" inbound message queued", "from", msg.From, "message_id", msg.MessageID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" inbound channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// close stops the inbox. Emits hold the read lock, so none can race the close.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.ch)
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}
