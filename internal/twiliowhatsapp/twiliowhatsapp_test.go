package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"
)

func TestAddress(t *testing.T) {
	tests := map[string]string{
		"15551234567":           "whatsapp:+15551234567",
		"+15551234567":          "whatsapp:+15551234567",
		"whatsapp:+15551234567": "whatsapp:+15551234567",
		" whatsapp:15551234567": "whatsapp:+15551234567",
	}
	for in, want := range tests {
		if got := Address(in); got != want {
			t.Errorf("Address(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected error without from number")
	}
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000000" {
		t.Errorf("unexpected from address %q", c.fromWhats)
	}
}

func TestClient_ValidateSignature(t *testing.T) {
	c, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if c.ValidateSignature("https://example.com/webhooks/twilio", map[string]string{"Body": "hi"}, "bogus") {
		t.Error("expected bogus signature to be rejected")
	}
}

func TestMockClient_SendMessage(t *testing.T) {
	ctx := context.Background()
	mock := NewMockClient()

	if err := mock.SendMessage(ctx, "12345", "Hello Test"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := mock.Sent()
	if len(sent) != 1 || sent[0].Body != "Hello Test" {
		t.Fatalf("unexpected sent messages %+v", sent)
	}

	mock.SendErr = errors.New("down")
	if err := mock.SendMessage(ctx, "12345", "again"); err == nil {
		t.Error("expected configured error")
	}
}
