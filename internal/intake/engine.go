package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/progress"
	"github.com/slabstack/payintake/internal/sms"
	"github.com/slabstack/payintake/internal/store"
)

// Contractor-facing reply texts.
const (
	// InviteMessage is sent when a payment request is initiated.
	InviteMessage = "Hi! It's time to submit your payment application for this period. Reply YES to begin."

	msgPromptStart   = "Please reply YES when you are ready to begin your payment application."
	msgConfirmPrompt = "Please reply YES to submit your payment application, or NO to start over."
	msgNoActive      = "No active conversation found. Please contact your project manager if you believe this is an error."
	msgCompleted     = "This payment application has already been submitted. Your project manager will follow up with next steps."
	msgExpired       = "This conversation has expired. Please ask your project manager to send a new payment request."
	msgRetryLater    = "Sorry, we couldn't save your answer just now. Please resend it in a few minutes."
	msgTooLong       = "That response is too long. Please reply with a shorter message."
)

// Opts holds configuration options for the intake engine.
type Opts struct {
	TrailingQuestions []string
}

// Option defines a configuration option for the intake engine.
type Option func(*Opts)

// WithTrailingQuestions overrides the free-text questions asked after the
// line-item percent questions.
func WithTrailingQuestions(questions []string) Option {
	return func(o *Opts) { o.TrailingQuestions = questions }
}

// Engine is the conversation state machine. One inbound message produces
// exactly one reply; all state lives in the store, so each invocation loads,
// mutates, and persists the conversation within the sender's keyed lock.
type Engine struct {
	store store.Store
	calc  *progress.Calculator
	seq   *Sequencer
	locks *keyedMutex
}

// NewEngine creates an intake engine over the given store.
func NewEngine(st store.Store, opts ...Option) *Engine {
	cfg := Opts{TrailingQuestions: DefaultTrailingQuestions}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Engine{
		store: st,
		calc:  progress.NewCalculator(st),
		seq:   NewSequencer(st, cfg.TrailingQuestions),
		locks: newKeyedMutex(),
	}
}

// StartConversation initiates the intake conversation for a payment
// application: it seeds the progress rows with carried-over floors, snapshots
// the contract's line items, and creates the conversation in awaiting_start.
// Fails with models.ErrActiveConversationExists if the contractor already has
// an intake in flight.
func (e *Engine) StartConversation(ctx context.Context, applicationID string) (*models.Conversation, error) {
	app, err := e.store.GetPaymentApplication(applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment application %s: %w", applicationID, err)
	}
	if app.ContractorPhone == "" {
		return nil, fmt.Errorf("payment application %s has no contractor phone", applicationID)
	}
	phone, err := sms.CanonicalizePhone(app.ContractorPhone)
	if err != nil {
		return nil, fmt.Errorf("payment application %s has an invalid contractor phone: %w", applicationID, err)
	}

	unlock := e.locks.lock(phone)
	defer unlock()

	// Seeding resets this-period answers, so a duplicate request must be
	// refused before it touches the progress rows of an intake in flight.
	existing, err := e.store.FindActiveConversation(phone)
	if err != nil {
		return nil, fmt.Errorf("failed to check active conversation for %s: %w", phone, err)
	}
	if existing != nil {
		return nil, models.ErrActiveConversationExists
	}

	items, err := e.store.ListLineItems(app.ContractID)
	if err != nil {
		return nil, fmt.Errorf("failed to list line items for contract %s: %w", app.ContractID, err)
	}
	if err := e.calc.SeedApplication(applicationID, items); err != nil {
		return nil, fmt.Errorf("failed to seed application %s: %w", applicationID, err)
	}

	refs := make([]models.LineItemRef, 0, len(items))
	for _, li := range items {
		refs = append(refs, models.LineItemRef{LineItemID: li.ID, Description: li.Description})
	}

	now := time.Now()
	conv := models.Conversation{
		ID:                   uuid.NewString(),
		Phone:                phone,
		State:                models.StateAwaitingStart,
		Responses:            []string{},
		LineItems:            refs,
		PaymentApplicationID: applicationID,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.store.CreateConversation(conv); err != nil {
		if errors.Is(err, models.ErrActiveConversationExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create conversation for %s: %w", phone, err)
	}

	slog.Info("Engine.StartConversation: conversation created",
		"conversation_id", conv.ID, "phone", conv.Phone, "application_id", applicationID, "line_items", len(refs))
	return &conv, nil
}

// HandleInbound interprets one inbound text against the sender's conversation
// state and returns the single reply to send back. Recoverable validation
// problems are replies, not errors; a non-nil error always comes with a
// retry-safe reply and means no state transition was committed beyond what
// the reply says.
func (e *Engine) HandleInbound(ctx context.Context, from, body string) (string, error) {
	if strings.TrimSpace(from) == "" {
		return "", models.ErrMissingSender
	}
	phone, err := sms.CanonicalizePhone(from)
	if err != nil {
		return "", fmt.Errorf("%w: %s", models.ErrMissingSender, err)
	}

	unlock := e.locks.lock(phone)
	defer unlock()

	conv, err := e.store.FindActiveConversation(phone)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to load conversation for %s: %w", phone, err)
	}
	if conv == nil {
		return e.replyForInactivePhone(phone), nil
	}

	raw := strings.TrimSpace(body)
	input := strings.ToUpper(raw)
	slog.Debug("Engine.HandleInbound: dispatching",
		"conversation_id", conv.ID, "state", conv.State, "index", conv.CurrentQuestionIndex)

	switch conv.State {
	case models.StateAwaitingStart:
		return e.handleAwaitingStart(conv, input)
	case models.StateInProgress:
		return e.handleInProgress(conv, raw)
	case models.StateAwaitingConfirmation:
		return e.handleConfirmation(conv, input)
	default:
		// Terminal states are not returned by the active lookup; treat an
		// unexpected state as no conversation.
		slog.Error("Engine.HandleInbound: unexpected conversation state", "conversation_id", conv.ID, "state", conv.State)
		return msgNoActive, nil
	}
}

// replyForInactivePhone distinguishes "already complete" and "expired" from
// "never started" when a phone has no active conversation.
func (e *Engine) replyForInactivePhone(from string) string {
	latest, err := e.store.FindLatestConversation(from)
	if err != nil {
		slog.Error("Engine.replyForInactivePhone: latest lookup failed", "error", err, "phone", from)
		return msgNoActive
	}
	if latest == nil {
		return msgNoActive
	}
	switch latest.State {
	case models.StateCompleted:
		return msgCompleted
	case models.StateArchived:
		return msgExpired
	default:
		return msgNoActive
	}
}

func (e *Engine) handleAwaitingStart(conv *models.Conversation, input string) (string, error) {
	if input != "YES" {
		return msgPromptStart, nil
	}
	conv.State = models.StateInProgress
	conv.CurrentQuestionIndex = 0

	q, err := e.seq.Question(conv, 0)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to build first question: %w", err)
	}
	if q == nil {
		// No line items and no trailing questions configured.
		return e.transitionToConfirmation(conv)
	}
	if err := e.store.UpdateConversation(conv); err != nil {
		return msgRetryLater, fmt.Errorf("failed to start conversation %s: %w", conv.ID, err)
	}
	slog.Info("Engine: conversation started", "conversation_id", conv.ID, "phone", conv.Phone)
	return q.Text, nil
}

func (e *Engine) handleInProgress(conv *models.Conversation, raw string) (string, error) {
	idx := conv.CurrentQuestionIndex
	n := len(conv.LineItems)

	if idx < n {
		ref := conv.LineItems[idx]
		result, err := e.calc.Apply(conv.PaymentApplicationID, ref.LineItemID, raw)
		if err != nil {
			var regression *progress.RegressionError
			if errors.As(err, &regression) {
				return fmt.Sprintf(
					"You reported %s%% for %s, but %s%% is already recorded from your last application. Percent complete cannot decrease; please reply with %s or higher.",
					models.FormatPercent(regression.Reported), ref.Description,
					models.FormatPercent(regression.Floor), models.FormatPercent(regression.Floor),
				), nil
			}
			if errors.Is(err, models.ErrInvalidPercent) {
				return fmt.Sprintf("Please reply with a valid percent (0-100) for: %s", ref.Description), nil
			}
			return msgRetryLater, fmt.Errorf("failed to apply progress for %s: %w", ref.LineItemID, err)
		}
		slog.Debug("Engine: percent accepted",
			"conversation_id", conv.ID, "line_item_id", ref.LineItemID,
			"percent", result.Percent, "amount_cents", result.AmountCents)

		conv.RecordResponse(idx, raw)
		conv.CurrentQuestionIndex = idx + 1
		return e.advance(conv)
	}

	// Trailing free-text question: any text is accepted.
	if len(raw) > models.MaxResponseLength {
		return msgTooLong, nil
	}
	conv.RecordResponse(idx, raw)
	conv.CurrentQuestionIndex = idx + 1
	return e.advance(conv)
}

// advance persists the conversation at its new index and returns the next
// question, or transitions to confirmation when the sequence is exhausted.
func (e *Engine) advance(conv *models.Conversation) (string, error) {
	q, err := e.seq.Question(conv, conv.CurrentQuestionIndex)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to build question %d: %w", conv.CurrentQuestionIndex, err)
	}
	if q == nil {
		return e.transitionToConfirmation(conv)
	}
	if err := e.store.UpdateConversation(conv); err != nil {
		return msgRetryLater, fmt.Errorf("failed to advance conversation %s: %w", conv.ID, err)
	}
	return q.Text, nil
}

// transitionToConfirmation recomputes the recap from persisted progress rows
// and moves the conversation to awaiting_confirmation.
func (e *Engine) transitionToConfirmation(conv *models.Conversation) (string, error) {
	sum, err := BuildSummary(e.store, conv)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to build summary for %s: %w", conv.ID, err)
	}
	conv.State = models.StateAwaitingConfirmation
	if err := e.store.UpdateConversation(conv); err != nil {
		return msgRetryLater, fmt.Errorf("failed to move conversation %s to confirmation: %w", conv.ID, err)
	}
	slog.Info("Engine: awaiting confirmation",
		"conversation_id", conv.ID, "total_cents", sum.TotalCents, "lines", len(sum.Lines))
	return sum.Text(), nil
}

func (e *Engine) handleConfirmation(conv *models.Conversation, input string) (string, error) {
	switch input {
	case "YES":
		return e.finalize(conv)
	case "NO":
		return e.restart(conv)
	default:
		return msgConfirmPrompt, nil
	}
}

// finalize recomputes the summary one last time from the same progress rows
// the recap was built from, persists the application total and PM notes, and
// completes the conversation.
func (e *Engine) finalize(conv *models.Conversation) (string, error) {
	sum, err := BuildSummary(e.store, conv)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to build final summary for %s: %w", conv.ID, err)
	}
	notes := strings.Join(nonEmpty(conv.TrailingResponses()), "\n")

	if err := e.store.FinalizePaymentApplication(conv.PaymentApplicationID, sum.TotalCents, notes); err != nil {
		return msgRetryLater, fmt.Errorf("failed to finalize application %s: %w", conv.PaymentApplicationID, err)
	}
	conv.State = models.StateCompleted
	if err := e.store.UpdateConversation(conv); err != nil {
		// The application is submitted; the conversation row is stale but
		// harmless. Surface the error so it is logged upstream.
		return msgRetryLater, fmt.Errorf("failed to complete conversation %s after submission: %w", conv.ID, err)
	}

	slog.Info("Engine: payment application submitted",
		"conversation_id", conv.ID, "application_id", conv.PaymentApplicationID, "total_cents", sum.TotalCents)
	return fmt.Sprintf("Thank you! Your payment application for %s has been submitted.", models.FormatCents(sum.TotalCents)), nil
}

// restart handles a NO at confirmation: index back to zero, recorded answers
// cleared. Progress rows from the rejected pass stay in place and are
// overwritten as the contractor re-answers.
func (e *Engine) restart(conv *models.Conversation) (string, error) {
	conv.State = models.StateInProgress
	conv.CurrentQuestionIndex = 0
	conv.Responses = []string{}

	q, err := e.seq.Question(conv, 0)
	if err != nil {
		return msgRetryLater, fmt.Errorf("failed to rebuild first question for %s: %w", conv.ID, err)
	}
	if q == nil {
		return e.transitionToConfirmation(conv)
	}
	if err := e.store.UpdateConversation(conv); err != nil {
		return msgRetryLater, fmt.Errorf("failed to restart conversation %s: %w", conv.ID, err)
	}
	slog.Info("Engine: conversation restarted", "conversation_id", conv.ID)
	return q.Text, nil
}

// ArchiveStale moves conversations inactive for longer than window into the
// archived state, freeing their phone numbers for new payment requests.
func (e *Engine) ArchiveStale(window time.Duration) {
	swept, err := e.store.ArchiveStaleConversations(time.Now().Add(-window))
	if err != nil {
		slog.Error("Engine.ArchiveStale failed", "error", err)
		return
	}
	if swept > 0 {
		slog.Info("Engine.ArchiveStale swept conversations", "count", swept, "window", window)
	}
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
