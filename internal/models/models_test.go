package models

import "testing"

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{500000, "$5,000.00"},
		{1000000, "$10,000.00"},
		{123456789, "$1,234,567.89"},
		{99, "$0.99"},
		{100, "$1.00"},
		{-500000, "-$5,000.00"},
	}
	for _, tt := range tests {
		if got := FormatCents(tt.cents); got != tt.want {
			t.Errorf("FormatCents(%d) = %q, want %q", tt.cents, got, tt.want)
		}
	}
}

func TestFormatPercent(t *testing.T) {
	tests := []struct {
		percent float64
		want    string
	}{
		{0, "0"},
		{50, "50"},
		{62.5, "62.5"},
		{100, "100"},
		{33.333, "33.333"},
	}
	for _, tt := range tests {
		if got := FormatPercent(tt.percent); got != tt.want {
			t.Errorf("FormatPercent(%v) = %q, want %q", tt.percent, got, tt.want)
		}
	}
}

func TestConversationStateHelpers(t *testing.T) {
	active := []ConversationState{StateAwaitingStart, StateInProgress, StateAwaitingConfirmation}
	for _, s := range active {
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !IsValidConversationState(s) {
			t.Errorf("%s should be valid", s)
		}
	}
	for _, s := range []ConversationState{StateCompleted, StateArchived} {
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if IsValidConversationState("paused") {
		t.Error("unknown state should be invalid")
	}
}

func TestRecordResponse(t *testing.T) {
	c := &Conversation{}
	c.RecordResponse(2, "100")
	if len(c.Responses) != 3 {
		t.Fatalf("expected sparse padding to 3 entries, got %d", len(c.Responses))
	}
	if c.Responses[0] != "" || c.Responses[2] != "100" {
		t.Errorf("unexpected responses: %v", c.Responses)
	}

	c.RecordResponse(0, "50")
	if c.Responses[0] != "50" || len(c.Responses) != 3 {
		t.Errorf("overwrite changed length or value: %v", c.Responses)
	}
}

func TestTrailingResponses(t *testing.T) {
	c := &Conversation{
		LineItems: []LineItemRef{{LineItemID: "li-1"}, {LineItemID: "li-2"}},
		Responses: []string{"50", "100", "Gate code is 4417"},
	}
	got := c.TrailingResponses()
	if len(got) != 1 || got[0] != "Gate code is 4417" {
		t.Errorf("unexpected trailing responses: %v", got)
	}

	c.Responses = c.Responses[:2]
	if got := c.TrailingResponses(); got != nil {
		t.Errorf("expected nil without trailing answers, got %v", got)
	}
}
