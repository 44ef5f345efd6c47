package sms

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCanonicalizePhone(t *testing.T) {
	valid := map[string]string{
		"+15551234567":      "+15551234567",
		"+1 (555) 123-4567": "+15551234567",
		" +1.555.123.4567 ": "+15551234567",
		"5551234567":        "5551234567",
		"555-123-4567":      "5551234567",
	}
	for raw, want := range valid {
		got, err := CanonicalizePhone(raw)
		if err != nil {
			t.Errorf("CanonicalizePhone(%q) returned error: %v", raw, err)
			continue
		}
		if got != want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", raw, got, want)
		}
	}

	invalid := []string{"", "   ", "abc", "+", "12345", "+1-234"}
	for _, raw := range invalid {
		if _, err := CanonicalizePhone(raw); err == nil {
			t.Errorf("CanonicalizePhone(%q) should fail", raw)
		}
	}
}

func TestTwiML(t *testing.T) {
	doc, err := TwiML("What percent complete is your work for: Framing? (Previous: 0%)")
	if err != nil {
		t.Fatalf("TwiML failed: %v", err)
	}
	out := string(doc)
	if !strings.HasPrefix(out, "<?xml") {
		t.Errorf("missing XML declaration: %q", out)
	}
	if !strings.Contains(out, "<Response><Message>") || !strings.Contains(out, "</Message></Response>") {
		t.Errorf("unexpected TwiML structure: %q", out)
	}
	if strings.Count(out, "<Message>") != 1 {
		t.Errorf("expected exactly one Message element: %q", out)
	}
}

func TestTwiMLEscapesBody(t *testing.T) {
	doc, err := TwiML(`Reply YES to submit <now> & finish`)
	if err != nil {
		t.Fatalf("TwiML failed: %v", err)
	}
	out := string(doc)
	if strings.Contains(out, "<now>") {
		t.Errorf("body was not escaped: %q", out)
	}
	if !strings.Contains(out, "&lt;now&gt;") || !strings.Contains(out, "&amp;") {
		t.Errorf("expected escaped entities: %q", out)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected an error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret")); err == nil {
		t.Error("expected an error without a from number")
	}
	if _, err := NewClient(WithAccountSID("AC123"), WithAuthToken("secret"), WithFromNumber("+15550009999")); err != nil {
		t.Errorf("expected client construction to succeed, got %v", err)
	}
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	if err := mock.SendMessage(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "+15551234567" || mock.SentMessages[0].Body != "hello" {
		t.Errorf("unexpected recorded messages: %+v", mock.SentMessages)
	}

	mock.SendErr = errors.New("boom")
	if err := mock.SendMessage(context.Background(), "+15551234567", "again"); err == nil {
		t.Error("expected configured send error")
	}
	if len(mock.SentMessages) != 1 {
		t.Errorf("failed send should not be recorded: %+v", mock.SentMessages)
	}
}
