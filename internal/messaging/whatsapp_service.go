package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client whatsapp.WhatsAppSender
	inbox  *inbox
	once   sync.Once
}

// NewWhatsAppService creates a new WhatsAppService wrapping client.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	return &WhatsAppService{client: client, inbox: newInbox("WhatsAppService")}
}

// ValidateAndCanonicalizeRecipient strips everything but digits.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the inbound message handler. Calling it again is a no-op.
func (s *WhatsAppService) Start(ctx context.Context) error {
	s.once.Do(func() {
		s.client.OnMessage(func(in models.InboundMessage) {
			canonical, err := canonicalizePhone(in.From)
			if err != nil {
				slog.Warn("WhatsAppService ignoring message from invalid sender", "from", in.From, "error", err)
				return
			}
			in.From = canonical
			s.inbox.emit(in)
		})
		slog.Debug("WhatsAppService event handler registered")
	})
	return nil
}

// Stop closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	s.inbox.close()
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonical, err := canonicalizePhone(to)
	if err != nil {
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	return nil
}

// Inbound returns the channel of received messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}
