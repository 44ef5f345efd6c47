// Package models defines the core data structures for the payintake service.
//
// It includes the conversation, line item, progress, and payment application
// types shared across modules, plus the error taxonomy for the intake flow.
package models

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validation constants for inbound input.
const (
	// MinPercent is the lowest accepted percent-complete answer.
	MinPercent = 0
	// MaxPercent is the highest accepted percent-complete answer.
	MaxPercent = 100
	// MaxResponseLength caps a single free-text answer recorded on a conversation.
	MaxResponseLength = 1600
)

// Error variables for better error handling and testability
var (
	// ErrMissingSender indicates an inbound webhook request without a From field.
	ErrMissingSender = errors.New("missing sender phone number")
	// ErrNoActiveConversation indicates no intake conversation is in flight for a phone.
	ErrNoActiveConversation = errors.New("no active conversation found")
	// ErrActiveConversationExists indicates a phone already has an intake in flight.
	ErrActiveConversationExists = errors.New("an active conversation already exists for this phone")
	// ErrConversationConflict indicates a conditional conversation update lost a version race.
	ErrConversationConflict = errors.New("conversation was modified concurrently")
	// ErrInvalidPercent indicates an answer that is not a number in [0, 100].
	ErrInvalidPercent = errors.New("invalid percent")
	// ErrPercentRegression indicates an answer below the recorded floor for a line item.
	ErrPercentRegression = errors.New("percent complete cannot decrease")
	// ErrNotFound indicates a record lookup found nothing.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidState indicates a conversation write carrying a state the flow does not define.
	ErrInvalidState = errors.New("invalid conversation state")
)

// LineItemRef is the immutable per-conversation snapshot of a contract line item.
// It is captured when the conversation is created and never refreshed, so the
// question order survives later edits to the underlying contract.
type LineItemRef struct {
	LineItemID  string `json:"line_item_id"`
	Description string `json:"description"`
}

// LineItem is a billable scope entry within a contract. ScheduledValueCents is
// the fixed reference price; the remaining fields are denormalized display
// values refreshed as progress is reported.
type LineItem struct {
	ID                 string    `json:"id"`
	ContractID         string    `json:"contract_id"`
	Position           int       `json:"position"`
	Description        string    `json:"description"`
	ScheduledValueCents int64    `json:"scheduled_value_cents"`
	PercentComplete    float64   `json:"percent_complete"`
	ThisPeriodPercent  float64   `json:"this_period_percent"`
	CurrentAmountCents int64     `json:"current_amount_cents"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LineItemProgress is the per-application, per-line-item record of percent
// complete and the resulting period amount.
type LineItemProgress struct {
	ID                    string    `json:"id"`
	PaymentApplicationID  string    `json:"payment_application_id"`
	LineItemID            string    `json:"line_item_id"`
	PreviousPercent       float64   `json:"previous_percent"`
	ThisPeriodPercent     float64   `json:"this_period_percent"`
	SubmittedPercent      float64   `json:"submitted_percent"`
	CalculatedAmountCents int64     `json:"calculated_amount_cents"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// ApplicationStatus represents the submission lifecycle of a payment application.
type ApplicationStatus string

const (
	// ApplicationStatusDraft indicates the application is still being populated.
	ApplicationStatusDraft ApplicationStatus = "draft"
	// ApplicationStatusSubmitted indicates the contractor confirmed the application.
	ApplicationStatusSubmitted ApplicationStatus = "submitted"
)

// PaymentApplication is the period's aggregate billing request a contractor is
// submitting, composed of all its line items' progress rows.
type PaymentApplication struct {
	ID                  string            `json:"id"`
	ContractID          string            `json:"contract_id"`
	ContractorPhone     string            `json:"contractor_phone"`
	Status              ApplicationStatus `json:"status"`
	CurrentPaymentCents int64             `json:"current_payment_cents"`
	PMNotes             string            `json:"pm_notes"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// InboundMessage is one text received from the SMS gateway.
type InboundMessage struct {
	MessageSid string `json:"message_sid"`
	From       string `json:"from"`
	Body       string `json:"body"`
	Time       int64  `json:"time"`
}

// FormatCents renders a cent amount as a dollar figure with comma grouping,
// e.g. 1000000 -> "$10,000.00". Used for contractor-facing summary lines.
func FormatCents(cents int64) string {
	d := decimal.New(cents, -2)
	s := d.Abs().StringFixed(2)

	whole, frac, _ := strings.Cut(s, ".")
	var b strings.Builder
	if d.IsNegative() {
		b.WriteByte('-')
	}
	b.WriteByte('$')
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	b.WriteByte('.')
	b.WriteString(frac)
	return b.String()
}

// FormatPercent renders a percent without trailing zeros, e.g. 50 -> "50",
// 62.5 -> "62.5".
func FormatPercent(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
