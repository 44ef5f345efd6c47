package intake

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/store"
)

const testPhone = "+15550001111"

// newTestFixture seeds a store with a draft application for a two-item
// contract: Concrete Foundation ($10,000) and Framing ($5,000).
func newTestFixture(t *testing.T) (*store.InMemoryStore, *Engine) {
	t.Helper()
	st := store.NewInMemoryStore()
	if err := st.CreatePaymentApplication(models.PaymentApplication{
		ID:              "app-1",
		ContractID:      "contract-1",
		ContractorPhone: testPhone,
		Status:          models.ApplicationStatusDraft,
		CreatedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("CreatePaymentApplication failed: %v", err)
	}
	items := []models.LineItem{
		{ID: "li-1", ContractID: "contract-1", Position: 1, Description: "Concrete Foundation", ScheduledValueCents: 1000000},
		{ID: "li-2", ContractID: "contract-1", Position: 2, Description: "Framing", ScheduledValueCents: 500000},
	}
	for _, li := range items {
		if err := st.CreateLineItem(li); err != nil {
			t.Fatalf("CreateLineItem failed: %v", err)
		}
	}
	return st, NewEngine(st)
}

func mustReply(t *testing.T, e *Engine, body string) string {
	t.Helper()
	reply, err := e.HandleInbound(context.Background(), testPhone, body)
	if err != nil {
		t.Fatalf("HandleInbound(%q) failed: %v", body, err)
	}
	return reply
}

func TestStartConversation(t *testing.T) {
	st, engine := newTestFixture(t)

	conv, err := engine.StartConversation(context.Background(), "app-1")
	if err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if conv.State != models.StateAwaitingStart {
		t.Errorf("expected state awaiting_start, got %s", conv.State)
	}
	if conv.Phone != testPhone {
		t.Errorf("expected phone %s, got %s", testPhone, conv.Phone)
	}
	if len(conv.LineItems) != 2 {
		t.Fatalf("expected 2 snapshotted line items, got %d", len(conv.LineItems))
	}
	if conv.LineItems[0].Description != "Concrete Foundation" || conv.LineItems[1].Description != "Framing" {
		t.Errorf("line items snapshotted out of order: %+v", conv.LineItems)
	}

	// Progress rows are seeded with a zero floor for a first period.
	for _, ref := range conv.LineItems {
		row, err := st.GetLineItemProgress("app-1", ref.LineItemID)
		if err != nil {
			t.Fatalf("progress row missing for %s: %v", ref.LineItemID, err)
		}
		if row.PreviousPercent != 0 {
			t.Errorf("expected zero floor for %s, got %v", ref.LineItemID, row.PreviousPercent)
		}
	}

	if _, err := engine.StartConversation(context.Background(), "app-1"); !errors.Is(err, models.ErrActiveConversationExists) {
		t.Errorf("expected ErrActiveConversationExists on second start, got %v", err)
	}
}

func TestDuplicateStartLeavesProgressIntact(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	mustReply(t, engine, "YES")
	mustReply(t, engine, "50")

	// A duplicate payment request mid-flow is refused without re-seeding the
	// progress rows, so the answer already given survives.
	if _, err := engine.StartConversation(context.Background(), "app-1"); !errors.Is(err, models.ErrActiveConversationExists) {
		t.Fatalf("expected ErrActiveConversationExists on duplicate start, got %v", err)
	}
	row, err := st.GetLineItemProgress("app-1", "li-1")
	if err != nil {
		t.Fatalf("GetLineItemProgress failed: %v", err)
	}
	if row.ThisPeriodPercent != 50 {
		t.Errorf("expected this-period percent 50 to survive duplicate start, got %v", row.ThisPeriodPercent)
	}
	if row.CalculatedAmountCents != 500000 {
		t.Errorf("expected calculated amount 500000 to survive duplicate start, got %d", row.CalculatedAmountCents)
	}

	// The conversation keeps going and the recap still reflects the answer.
	mustReply(t, engine, "100")
	mustReply(t, engine, "NONE")
	reply := mustReply(t, engine, "YES")
	if !strings.Contains(reply, "$10,000.00") {
		t.Errorf("expected submitted total $10,000.00, got %q", reply)
	}
}

func TestStartConversationUnknownApplication(t *testing.T) {
	_, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFullIntakeFlow(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	reply := mustReply(t, engine, "yes")
	if !strings.Contains(reply, "Concrete Foundation") || !strings.Contains(reply, "(Previous: 0%)") {
		t.Errorf("unexpected first question: %q", reply)
	}

	reply = mustReply(t, engine, "50")
	if !strings.Contains(reply, "Framing") {
		t.Errorf("expected second question after valid answer, got %q", reply)
	}

	reply = mustReply(t, engine, "100")
	if !strings.Contains(reply, "notes for your project manager") {
		t.Errorf("expected trailing notes question, got %q", reply)
	}

	reply = mustReply(t, engine, "Gate code is 4417")
	if !strings.Contains(reply, "Concrete Foundation - (50%) = $5,000.00") {
		t.Errorf("summary missing first line: %q", reply)
	}
	if !strings.Contains(reply, "Framing - (100%) = $5,000.00") {
		t.Errorf("summary missing second line: %q", reply)
	}
	if !strings.Contains(reply, "Total Requested = $10,000.00") {
		t.Errorf("summary missing total: %q", reply)
	}
	if !strings.Contains(reply, "Reply YES to submit") {
		t.Errorf("summary missing confirmation prompt: %q", reply)
	}

	reply = mustReply(t, engine, "YES")
	if !strings.Contains(reply, "Thank you!") || !strings.Contains(reply, "$10,000.00") {
		t.Errorf("unexpected submission reply: %q", reply)
	}

	app, err := st.GetPaymentApplication("app-1")
	if err != nil {
		t.Fatalf("GetPaymentApplication failed: %v", err)
	}
	if app.Status != models.ApplicationStatusSubmitted {
		t.Errorf("expected status submitted, got %s", app.Status)
	}
	if app.CurrentPaymentCents != 1000000 {
		t.Errorf("expected current payment 1000000 cents, got %d", app.CurrentPaymentCents)
	}
	if app.PMNotes != "Gate code is 4417" {
		t.Errorf("expected PM notes recorded, got %q", app.PMNotes)
	}

	// Texting again after submission explains the application is done.
	reply = mustReply(t, engine, "hello?")
	if !strings.Contains(reply, "already been submitted") {
		t.Errorf("expected already-submitted reply, got %q", reply)
	}
}

func TestAwaitingStartRepromptsUntilYes(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	reply := mustReply(t, engine, "what is this")
	if !strings.Contains(reply, "reply YES") {
		t.Errorf("expected start prompt, got %q", reply)
	}

	conv, err := st.FindActiveConversation(testPhone)
	if err != nil || conv == nil {
		t.Fatalf("FindActiveConversation failed: %v", err)
	}
	if conv.State != models.StateAwaitingStart {
		t.Errorf("state should not advance on a non-YES reply, got %s", conv.State)
	}
}

func TestRegressionRejectedWithFloor(t *testing.T) {
	st, engine := newTestFixture(t)

	// A prior submitted application recorded 40% on the foundation item.
	if err := st.CreatePaymentApplication(models.PaymentApplication{
		ID:              "app-0",
		ContractID:      "contract-1",
		ContractorPhone: testPhone,
		Status:          models.ApplicationStatusSubmitted,
		CreatedAt:       time.Now().Add(-30 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("CreatePaymentApplication failed: %v", err)
	}
	if err := st.SaveLineItemProgress(models.LineItemProgress{
		ID:                   "prog-0",
		PaymentApplicationID: "app-0",
		LineItemID:           "li-1",
		SubmittedPercent:     40,
	}); err != nil {
		t.Fatalf("SaveLineItemProgress failed: %v", err)
	}

	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	reply := mustReply(t, engine, "YES")
	if !strings.Contains(reply, "(Previous: 40%)") {
		t.Errorf("question should show carried-over floor, got %q", reply)
	}

	reply = mustReply(t, engine, "30")
	if !strings.Contains(reply, "30%") || !strings.Contains(reply, "40%") {
		t.Errorf("rejection should name both percents, got %q", reply)
	}
	if !strings.Contains(reply, "cannot decrease") {
		t.Errorf("rejection should explain the rule, got %q", reply)
	}

	// The index did not advance: a valid answer still lands on the same item.
	reply = mustReply(t, engine, "45")
	if !strings.Contains(reply, "Framing") {
		t.Errorf("expected the next question after a corrected answer, got %q", reply)
	}
	row, err := st.GetLineItemProgress("app-1", "li-1")
	if err != nil {
		t.Fatalf("GetLineItemProgress failed: %v", err)
	}
	if row.ThisPeriodPercent != 45 {
		t.Errorf("expected corrected percent 45 stored, got %v", row.ThisPeriodPercent)
	}
}

func TestInvalidPercentReprompts(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	mustReply(t, engine, "YES")

	reply := mustReply(t, engine, "abc")
	if !strings.Contains(reply, "valid percent (0-100)") || !strings.Contains(reply, "Concrete Foundation") {
		t.Errorf("unexpected invalid-percent reply: %q", reply)
	}

	conv, err := st.FindActiveConversation(testPhone)
	if err != nil || conv == nil {
		t.Fatalf("FindActiveConversation failed: %v", err)
	}
	if conv.CurrentQuestionIndex != 0 {
		t.Errorf("index advanced on an invalid answer: %d", conv.CurrentQuestionIndex)
	}
}

func TestZeroLineItemsGoesStraightToTrailing(t *testing.T) {
	st := store.NewInMemoryStore()
	if err := st.CreatePaymentApplication(models.PaymentApplication{
		ID:              "app-empty",
		ContractID:      "contract-empty",
		ContractorPhone: testPhone,
		Status:          models.ApplicationStatusDraft,
		CreatedAt:       time.Now(),
	}); err != nil {
		t.Fatalf("CreatePaymentApplication failed: %v", err)
	}
	engine := NewEngine(st)
	if _, err := engine.StartConversation(context.Background(), "app-empty"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	reply := mustReply(t, engine, "YES")
	if !strings.Contains(reply, "notes for your project manager") {
		t.Errorf("expected the trailing question immediately, got %q", reply)
	}

	reply = mustReply(t, engine, "NONE")
	if !strings.Contains(reply, "Total Requested = $0.00") {
		t.Errorf("expected an empty summary with a zero total, got %q", reply)
	}
}

func TestNoRestartsFromConfirmation(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	mustReply(t, engine, "YES")
	mustReply(t, engine, "50")
	mustReply(t, engine, "100")
	mustReply(t, engine, "NONE")

	reply := mustReply(t, engine, "NO")
	if !strings.Contains(reply, "Concrete Foundation") || !strings.Contains(reply, "What percent complete") {
		t.Errorf("expected the first question again after NO, got %q", reply)
	}

	conv, err := st.FindActiveConversation(testPhone)
	if err != nil || conv == nil {
		t.Fatalf("FindActiveConversation failed: %v", err)
	}
	if conv.State != models.StateInProgress || conv.CurrentQuestionIndex != 0 {
		t.Errorf("expected restart to in_progress at index 0, got %s at %d", conv.State, conv.CurrentQuestionIndex)
	}
	if len(conv.Responses) != 0 {
		t.Errorf("expected recorded answers cleared, got %v", conv.Responses)
	}

	// Re-answering overwrites the rejected pass and resubmits cleanly.
	mustReply(t, engine, "60")
	mustReply(t, engine, "100")
	mustReply(t, engine, "NONE")
	reply = mustReply(t, engine, "YES")
	if !strings.Contains(reply, "$11,000.00") {
		t.Errorf("expected re-answered total $11,000.00, got %q", reply)
	}
}

func TestConfirmationRepromptsOnOtherInput(t *testing.T) {
	_, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	mustReply(t, engine, "YES")
	mustReply(t, engine, "50")
	mustReply(t, engine, "100")
	mustReply(t, engine, "NONE")

	reply := mustReply(t, engine, "maybe")
	if !strings.Contains(reply, "YES to submit") || !strings.Contains(reply, "NO to start over") {
		t.Errorf("expected confirmation reprompt, got %q", reply)
	}
}

func TestHandleInboundMissingSender(t *testing.T) {
	_, engine := newTestFixture(t)
	if _, err := engine.HandleInbound(context.Background(), "  ", "hi"); !errors.Is(err, models.ErrMissingSender) {
		t.Errorf("expected ErrMissingSender, got %v", err)
	}
}

func TestHandleInboundNoConversation(t *testing.T) {
	_, engine := newTestFixture(t)
	reply := mustReply(t, engine, "hello")
	if !strings.Contains(reply, "No active conversation") {
		t.Errorf("unexpected reply for unknown phone: %q", reply)
	}
}

func TestHandleInboundArchivedConversation(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	if _, err := st.ArchiveStaleConversations(time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("ArchiveStaleConversations failed: %v", err)
	}

	reply := mustReply(t, engine, "YES")
	if !strings.Contains(reply, "expired") {
		t.Errorf("expected expired reply for archived conversation, got %q", reply)
	}
}

func TestTrailingResponseTooLong(t *testing.T) {
	_, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}
	mustReply(t, engine, "YES")
	mustReply(t, engine, "50")
	mustReply(t, engine, "100")

	reply := mustReply(t, engine, strings.Repeat("x", models.MaxResponseLength+1))
	if !strings.Contains(reply, "too long") {
		t.Errorf("expected too-long reply, got %q", reply)
	}

	// A message at the limit is accepted.
	reply = mustReply(t, engine, strings.Repeat("x", models.MaxResponseLength))
	if !strings.Contains(reply, "Total Requested") {
		t.Errorf("expected summary after an in-limit note, got %q", reply)
	}
}

// failingStore wraps the in-memory store and fails conversation updates.
type failingStore struct {
	*store.InMemoryStore
	updateErr error
}

func (f *failingStore) UpdateConversation(c *models.Conversation) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.InMemoryStore.UpdateConversation(c)
}

func TestWriteFailureAbortsTransition(t *testing.T) {
	inner, _ := newTestFixture(t)
	st := &failingStore{InMemoryStore: inner}
	engine := NewEngine(st)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	st.updateErr = errors.New("disk full")
	reply, err := engine.HandleInbound(context.Background(), testPhone, "YES")
	if err == nil {
		t.Fatal("expected an error when the conversation write fails")
	}
	if !strings.Contains(reply, "resend") {
		t.Errorf("expected a retry-safe reply, got %q", reply)
	}

	// The failed write did not commit the transition.
	conv, ferr := inner.FindActiveConversation(testPhone)
	if ferr != nil || conv == nil {
		t.Fatalf("FindActiveConversation failed: %v", ferr)
	}
	if conv.State != models.StateAwaitingStart {
		t.Errorf("state advanced despite write failure: %s", conv.State)
	}

	// Once the store recovers, the same answer goes through.
	st.updateErr = nil
	reply, err = engine.HandleInbound(context.Background(), testPhone, "YES")
	if err != nil {
		t.Fatalf("HandleInbound after recovery failed: %v", err)
	}
	if !strings.Contains(reply, "Concrete Foundation") {
		t.Errorf("expected the first question after recovery, got %q", reply)
	}
}

func TestArchiveStale(t *testing.T) {
	st, engine := newTestFixture(t)
	if _, err := engine.StartConversation(context.Background(), "app-1"); err != nil {
		t.Fatalf("StartConversation failed: %v", err)
	}

	// A fresh conversation is inside the window and stays active.
	engine.ArchiveStale(time.Hour)
	conv, err := st.FindActiveConversation(testPhone)
	if err != nil {
		t.Fatalf("FindActiveConversation failed: %v", err)
	}
	if conv == nil {
		t.Fatal("fresh conversation was archived")
	}

	engine.ArchiveStale(-time.Minute)
	conv, err = st.FindActiveConversation(testPhone)
	if err != nil {
		t.Fatalf("FindActiveConversation failed: %v", err)
	}
	if conv != nil {
		t.Errorf("expected conversation archived, still active: %+v", conv)
	}
}
