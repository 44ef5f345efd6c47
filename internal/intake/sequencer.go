// Package intake implements the SMS payment-application intake flow: the
// question sequencer, the recap summary builder, and the conversation state
// machine that drives a contractor through reporting percent complete on each
// contract line item.
package intake

import (
	"errors"
	"fmt"

	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/store"
)

// DefaultTrailingQuestions are the free-text questions asked after every
// line-item percent question.
var DefaultTrailingQuestions = []string{
	"Any notes for your project manager? Reply with your notes, or NONE.",
}

// Question is one step in the intake sequence.
type Question struct {
	Index    int
	LineItem *models.LineItemRef // nil for trailing questions
	Text     string
}

// Sequencer produces the question at a given index for a conversation: one
// question per snapshotted line item, then the trailing free-text questions.
type Sequencer struct {
	store    store.Store
	trailing []string
}

// NewSequencer creates a Sequencer with the given trailing questions.
func NewSequencer(st store.Store, trailing []string) *Sequencer {
	return &Sequencer{store: st, trailing: trailing}
}

// Total returns the number of questions in the conversation's sequence.
func (s *Sequencer) Total(conv *models.Conversation) int {
	return len(conv.LineItems) + len(s.trailing)
}

// Question returns the question at index, or nil when index is past the end
// of the sequence (the caller should transition to confirmation). Line-item
// questions fetch the previous percent live from the progress row so the
// displayed floor reflects the latest state.
func (s *Sequencer) Question(conv *models.Conversation, index int) (*Question, error) {
	n := len(conv.LineItems)
	switch {
	case index < 0:
		return nil, fmt.Errorf("question index %d out of range", index)
	case index < n:
		ref := conv.LineItems[index]
		previous := 0.0
		row, err := s.store.GetLineItemProgress(conv.PaymentApplicationID, ref.LineItemID)
		if err == nil {
			previous = row.PreviousPercent
		} else if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("failed to load progress for question %d: %w", index, err)
		}
		text := fmt.Sprintf("What percent complete is your work for: %s? (Previous: %s%%)",
			ref.Description, models.FormatPercent(previous))
		return &Question{Index: index, LineItem: &ref, Text: text}, nil
	case index < s.Total(conv):
		return &Question{Index: index, Text: s.trailing[index-n]}, nil
	default:
		return nil, nil
	}
}
