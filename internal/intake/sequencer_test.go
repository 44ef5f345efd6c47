package intake

import (
	"strings"
	"testing"

	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/store"
)

func sequencerFixture(t *testing.T) (*store.InMemoryStore, *models.Conversation) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.SaveLineItemProgress(models.LineItemProgress{
		ID:                   "prog-1",
		PaymentApplicationID: "app-1",
		LineItemID:           "li-1",
		PreviousPercent:      25,
	}); err != nil {
		t.Fatalf("SaveLineItemProgress failed: %v", err)
	}
	conv := &models.Conversation{
		ID:                   "conv-1",
		PaymentApplicationID: "app-1",
		LineItems: []models.LineItemRef{
			{LineItemID: "li-1", Description: "Concrete Foundation"},
			{LineItemID: "li-2", Description: "Framing"},
		},
	}
	return st, conv
}

func TestSequencerLineItemQuestion(t *testing.T) {
	st, conv := sequencerFixture(t)
	seq := NewSequencer(st, DefaultTrailingQuestions)

	q, err := seq.Question(conv, 0)
	if err != nil {
		t.Fatalf("Question(0) failed: %v", err)
	}
	if q == nil || q.LineItem == nil {
		t.Fatal("expected a line-item question at index 0")
	}
	if !strings.Contains(q.Text, "Concrete Foundation") {
		t.Errorf("question missing description: %q", q.Text)
	}
	if !strings.Contains(q.Text, "(Previous: 25%)") {
		t.Errorf("question missing floor from progress row: %q", q.Text)
	}

	// No progress row for li-2; the floor falls back to zero.
	q, err = seq.Question(conv, 1)
	if err != nil {
		t.Fatalf("Question(1) failed: %v", err)
	}
	if !strings.Contains(q.Text, "(Previous: 0%)") {
		t.Errorf("expected zero floor without a progress row: %q", q.Text)
	}
}

func TestSequencerTrailingAndEnd(t *testing.T) {
	st, conv := sequencerFixture(t)
	seq := NewSequencer(st, []string{"Any notes?"})

	q, err := seq.Question(conv, 2)
	if err != nil {
		t.Fatalf("Question(2) failed: %v", err)
	}
	if q == nil || q.LineItem != nil {
		t.Fatal("expected a trailing question at index 2")
	}
	if q.Text != "Any notes?" {
		t.Errorf("trailing question text = %q", q.Text)
	}

	q, err = seq.Question(conv, 3)
	if err != nil {
		t.Fatalf("Question(3) failed: %v", err)
	}
	if q != nil {
		t.Errorf("expected nil past the end of the sequence, got %+v", q)
	}

	if _, err := seq.Question(conv, -1); err == nil {
		t.Error("expected an error for a negative index")
	}

	if total := seq.Total(conv); total != 3 {
		t.Errorf("Total = %d, want 3", total)
	}
}
