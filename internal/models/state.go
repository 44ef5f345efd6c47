// Package models defines conversation state structures for the intake flow.
package models

import "time"

// ConversationState represents a specific state within the intake flow.
type ConversationState string

// State constants for the intake conversation flow.
const (
	// StateAwaitingStart waits for the contractor to opt in with YES.
	StateAwaitingStart ConversationState = "awaiting_start"
	// StateInProgress walks through line-item and trailing questions.
	StateInProgress ConversationState = "in_progress"
	// StateAwaitingConfirmation waits for YES/NO on the recap summary.
	StateAwaitingConfirmation ConversationState = "awaiting_confirmation"
	// StateCompleted is terminal; the application has been submitted.
	StateCompleted ConversationState = "completed"
	// StateArchived is terminal; the conversation went stale and was swept.
	StateArchived ConversationState = "archived"
)

// ActiveStates are the states in which a conversation still owns its phone
// number. At most one conversation per phone may be in any of these.
var ActiveStates = []ConversationState{StateAwaitingStart, StateInProgress, StateAwaitingConfirmation}

// IsValidConversationState checks if the given state is supported.
func IsValidConversationState(s ConversationState) bool {
	switch s {
	case StateAwaitingStart, StateInProgress, StateAwaitingConfirmation, StateCompleted, StateArchived:
		return true
	default:
		return false
	}
}

// IsActive reports whether the state still owns the contractor's phone number.
func (s ConversationState) IsActive() bool {
	for _, a := range ActiveStates {
		if s == a {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further inbound message can mutate the conversation.
func (s ConversationState) IsTerminal() bool {
	return s == StateCompleted || s == StateArchived
}

// Conversation is the persisted record of one contractor's in-progress SMS
// intake session. Version guards the read-modify-write span: conditional
// updates fail with ErrConversationConflict when it no longer matches.
type Conversation struct {
	ID                   string            `json:"id"`
	Phone                string            `json:"phone"`
	State                ConversationState `json:"state"`
	CurrentQuestionIndex int               `json:"current_question_index"`
	Responses            []string          `json:"responses"`
	LineItems            []LineItemRef     `json:"line_items"`
	PaymentApplicationID string            `json:"payment_application_id"`
	Version              int64             `json:"version"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// RecordResponse stores a raw answer at the given question index, padding the
// sparse response list as needed.
func (c *Conversation) RecordResponse(index int, text string) {
	for len(c.Responses) <= index {
		c.Responses = append(c.Responses, "")
	}
	c.Responses[index] = text
}

// TrailingResponses returns the answers recorded past the line-item questions,
// in question order.
func (c *Conversation) TrailingResponses() []string {
	n := len(c.LineItems)
	if len(c.Responses) <= n {
		return nil
	}
	return c.Responses[n:]
}
