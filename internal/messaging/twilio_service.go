package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/twiliowhatsapp"
)

// emptyTwiML acknowledges a webhook without sending a reply through TwiML.
const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// messages arrive through WebhookHandler.
type TwilioService struct {
	client        twiliowhatsapp.Sender
	inbox         *inbox
	webhookURL    string
	skipSignature bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithWebhookURL sets the public webhook URL Twilio signs requests with.
// Without it the URL is rebuilt from the request.
func WithWebhookURL(url string) TwilioOption {
	return func(s *TwilioService) { s.webhookURL = url }
}

// WithoutSignatureValidation accepts unsigned webhooks. Local testing only.
func WithoutSignatureValidation() TwilioOption {
	return func(s *TwilioService) { s.skipSignature = true }
}

// NewTwilioService creates a TwilioService around client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, inbox: newInbox("TwilioService")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient strips the "whatsapp:" prefix and all
// non-digits, and requires at least six digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalizePhone(strings.TrimPrefix(recipient, twiliowhatsapp.WhatsAppPrefix))
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.inbox.close()
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.inbox.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Inbound returns the channel of webhook messages.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbox.ch
}

// WebhookHandler handles inbound Twilio webhook requests. Requests with a bad
// X-Twilio-Signature are rejected with 403.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if !s.skipSignature {
		params := make(map[string]string, len(r.PostForm))
		for key := range r.PostForm {
			params[key] = r.PostForm.Get(key)
		}
		if !s.client.ValidateSignature(s.requestURL(r), params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService rejected webhook with invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	from := r.PostForm.Get("From")
	body := r.PostForm.Get("Body")
	if from == "" || strings.TrimSpace(body) == "" {
		slog.Warn("TwilioService webhook missing fields", "from_set", from != "", "body_set", body != "")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	slog.Info("TwilioService inbound WhatsApp message", "from", canonical, "body_length", len(body))
	s.inbox.emit(models.InboundMessage{
		MessageID: r.PostForm.Get("MessageSid"),
		From:      canonical,
		Body:      body,
		Time:      time.Now().Unix(),
	})

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, emptyTwiML)
}

func (s *TwilioService) requestURL(r *http.Request) string {
	if s.webhookURL != "" {
		return s.webhookURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
