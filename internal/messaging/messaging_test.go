package messaging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DreamOne11/FounderBuddy-sub001/internal/flow"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/models"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/store"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/twiliowhatsapp"
	"github.com/DreamOne11/FounderBuddy-sub001/internal/whatsapp"
)

// Ensure implementations satisfy Service.
var (
	_ Service = (*TwilioService)(nil)
	_ Service = (*WhatsAppService)(nil)
	_ Service = (*ConsoleService)(nil)
)

// fakeTurns echoes every message back as one assistant reply.
type fakeTurns struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTurns) HandleUserMessage(ctx context.Context, userID, threadID, text string) (*flow.TurnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID+"|"+threadID+"|"+text)
	if f.err != nil {
		return nil, f.err
	}
	return &flow.TurnResult{
		Route: models.Route{Kind: models.RouteHalt},
		NewMessages: []models.Message{
			models.NewMessage(models.RoleUser, text),
			models.NewMessage(models.RoleAssistant, "echo: "+text),
		},
	}, nil
}

func (f *fakeTurns) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+1 (555) 123-4567", "15551234567", false},
		{"15551234567", "15551234567", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := canonicalizePhone(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("canonicalizePhone(%q) = %q, %v; want %q, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestInboundHandler_DeliversAssistantReplies(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	turns := &fakeTurns{}
	h := NewInboundHandler(svc, turns)

	err := h.Handle(context.Background(), models.InboundMessage{MessageID: "m1", From: "+1 555 123 4567", Body: "hello"})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if turns.calls[0] != "15551234567|"+DefaultThreadID+"|hello" {
		t.Errorf("unexpected turn call %q", turns.calls[0])
	}
	sent := mock.SentMessages()
	if len(sent) != 1 || sent[0].Body != "echo: hello" || sent[0].To != "15551234567" {
		t.Errorf("expected only the assistant reply to be sent, got %+v", sent)
	}
}

func TestInboundHandler_SkipsDuplicates(t *testing.T) {
	mock := whatsapp.NewMockClient()
	turns := &fakeTurns{}
	h := NewInboundHandler(NewWhatsAppService(mock), turns, WithDedup(store.NewInMemoryStore()), WithThreadID("pitch"))

	msg := models.InboundMessage{MessageID: "SM123", From: "15551234567", Body: "hi"}
	for i := 0; i < 3; i++ {
		if err := h.Handle(context.Background(), msg); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}
	if turns.callCount() != 1 {
		t.Errorf("expected one turn, got %d", turns.callCount())
	}
	if !strings.Contains(turns.calls[0], "|pitch|") {
		t.Errorf("expected custom thread id, got %q", turns.calls[0])
	}
}

func TestInboundHandler_ErrorReplies(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply string
	}{
		{"too long", models.ErrMessageTooLong, tooLongReply},
		{"storage failure", errors.New("disk full"), failureReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := whatsapp.NewMockClient()
			h := NewInboundHandler(NewWhatsAppService(mock), &fakeTurns{err: tt.err})
			err := h.Handle(context.Background(), models.InboundMessage{From: "15551234567", Body: "x"})
			if !errors.Is(err, tt.err) {
				t.Errorf("expected wrapped %v, got %v", tt.err, err)
			}
			sent := mock.SentMessages()
			if len(sent) != 1 || sent[0].Body != tt.reply {
				t.Errorf("expected reply %q, got %+v", tt.reply, sent)
			}
		})
	}
}

func TestInboundHandler_QueuesRepliesInOutbox(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	st := store.NewInMemoryStore()
	h := NewInboundHandler(svc, &fakeTurns{}, WithOutbox(st))

	msg := models.InboundMessage{MessageID: "m1", From: "15551234567", Body: "hello"}
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	// A redelivered message must not queue the reply twice.
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle redelivery: %v", err)
	}
	if len(mock.SentMessages()) != 0 {
		t.Fatal("expected no inline sends with an outbox")
	}
	queued := st.OutboxMessages()
	if len(queued) != 1 || queued[0].Body != "echo: hello" || queued[0].DedupeKey != "m1:1" {
		t.Fatalf("unexpected outbox %+v", queued)
	}

	store.NewOutboxSender(st, OutboxSendFunc(svc), time.Second).Poll(context.Background())
	sent := mock.SentMessages()
	if len(sent) != 1 || sent[0].To != "15551234567" || sent[0].Body != "echo: hello" {
		t.Errorf("unexpected delivery %+v", sent)
	}
}

func TestInboundHandler_InvalidSender(t *testing.T) {
	turns := &fakeTurns{}
	h := NewInboundHandler(NewWhatsAppService(whatsapp.NewMockClient()), turns)
	if err := h.Handle(context.Background(), models.InboundMessage{From: "12", Body: "hi"}); err == nil {
		t.Error("expected invalid sender error")
	}
	if turns.callCount() != 0 {
		t.Error("expected no turn for invalid sender")
	}
}

func TestInboundHandler_RunUntilChannelCloses(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	turns := &fakeTurns{}
	h := NewInboundHandler(svc, turns)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()

	mock.Deliver(models.InboundMessage{MessageID: "a", From: "+15551234567", Body: "one"})
	mock.Deliver(models.InboundMessage{MessageID: "b", From: "+15557654321", Body: "two"})
	deadline := time.Now().Add(2 * time.Second)
	for len(mock.SentMessages()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	if turns.callCount() != 2 || len(mock.SentMessages()) != 2 {
		t.Errorf("expected two turns and replies, got %d and %d", turns.callCount(), len(mock.SentMessages()))
	}
}

func TestWhatsAppService_SendAfterStop(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "15551234567", "hi"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, ok := <-svc.Inbound(); ok {
		t.Error("expected inbound channel closed")
	}
}

func twilioForm(from, body, sid string) url.Values {
	return url.Values{"From": {from}, "Body": {body}, "MessageSid": {sid}}
}

func TestTwilioService_Webhook(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client, WithWebhookURL("https://pitch.example.com/webhooks/twilio"))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/twilio", strings.NewReader(twilioForm("whatsapp:+15551234567", "hello", "SM1").Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "sig")
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "<Response>") {
		t.Errorf("expected TwiML body, got %q", rec.Body.String())
	}
	select {
	case msg := <-svc.Inbound():
		if msg.From != "15551234567" || msg.Body != "hello" || msg.MessageID != "SM1" {
			t.Errorf("unexpected inbound %+v", msg)
		}
	default:
		t.Fatal("expected inbound message")
	}
}

func TestTwilioService_WebhookRejects(t *testing.T) {
	tests := []struct {
		name   string
		method string
		form   url.Values
		reject bool
		skip   bool
		want   int
	}{
		{"bad signature", http.MethodPost, twilioForm("whatsapp:+15551234567", "hi", "SM1"), true, false, http.StatusForbidden},
		{"signature skipped", http.MethodPost, twilioForm("whatsapp:+15551234567", "hi", "SM1"), true, true, http.StatusOK},
		{"missing body", http.MethodPost, twilioForm("whatsapp:+15551234567", "", "SM1"), false, false, http.StatusBadRequest},
		{"invalid sender", http.MethodPost, twilioForm("whatsapp:+12", "hi", "SM1"), false, false, http.StatusBadRequest},
		{"wrong method", http.MethodGet, nil, false, false, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := twiliowhatsapp.NewMockClient()
			client.RejectSignatures = tt.reject
			var opts []TwilioOption
			if tt.skip {
				opts = append(opts, WithoutSignatureValidation())
			}
			svc := NewTwilioService(client, opts...)
			req := httptest.NewRequest(tt.method, "/webhooks/twilio", strings.NewReader(tt.form.Encode()))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := httptest.NewRecorder()
			svc.WebhookHandler(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	if err := svc.SendMessage(context.Background(), "whatsapp:+1 555 123 4567", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sent := client.Sent(); len(sent) != 1 || sent[0].To != "15551234567" {
		t.Errorf("unexpected sent %+v", sent)
	}
	if err := svc.SendMessage(context.Background(), "nope", "hi"); err == nil {
		t.Error("expected validation error")
	}
}

func TestConsoleService(t *testing.T) {
	var out bytes.Buffer
	svc := NewConsoleService(strings.NewReader("hello\n\n  world  \n"), &out, "founder")
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var bodies []string
	for msg := range svc.Inbound() {
		if msg.From != "founder" || msg.MessageID == "" {
			t.Errorf("unexpected inbound %+v", msg)
		}
		bodies = append(bodies, msg.Body)
	}
	if len(bodies) != 2 || bodies[0] != "hello" || bodies[1] != "world" {
		t.Errorf("unexpected bodies %v", bodies)
	}

	if err := svc.SendMessage(context.Background(), "founder", "What's your name?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !strings.Contains(out.String(), "What's your name?") {
		t.Errorf("expected reply printed, got %q", out.String())
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("  "); err == nil {
		t.Error("expected blank recipient rejected")
	}
}
