// Package progress implements line-item progress math for payment applications.
//
// It parses percent-complete answers, enforces the no-regression rule against
// the floor carried over from the prior application, and computes period
// amounts from a line item's scheduled value.
package progress

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/store"
)

// InvalidPercentError reports an answer that could not be interpreted as a
// percent in [0, 100].
type InvalidPercentError struct {
	Raw string
}

func (e *InvalidPercentError) Error() string {
	return fmt.Sprintf("invalid percent %q: must be a number between %d and %d", e.Raw, models.MinPercent, models.MaxPercent)
}

func (e *InvalidPercentError) Unwrap() error { return models.ErrInvalidPercent }

// RegressionError reports an answer below the recorded floor for a line item.
type RegressionError struct {
	Reported float64
	Floor    float64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("reported %s%% is below the previously recorded %s%%",
		models.FormatPercent(e.Reported), models.FormatPercent(e.Floor))
}

func (e *RegressionError) Unwrap() error { return models.ErrPercentRegression }

// ParsePercent parses a raw text answer into a percent. A trailing percent
// sign is tolerated ("75%" and "75" are both accepted).
func ParsePercent(raw string) (float64, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimSuffix(trimmed, "%")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return 0, &InvalidPercentError{Raw: raw}
	}
	pct, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0, &InvalidPercentError{Raw: raw}
	}
	if pct < models.MinPercent || pct > models.MaxPercent {
		return 0, &InvalidPercentError{Raw: raw}
	}
	return pct, nil
}

// AmountForPeriod computes the period amount in cents:
// round(scheduled_value × percent / 100) to the nearest cent.
func AmountForPeriod(scheduledValueCents int64, percent float64) int64 {
	amount := decimal.NewFromInt(scheduledValueCents).
		Mul(decimal.NewFromFloat(percent)).
		Div(decimal.NewFromInt(100)).
		Round(0)
	return amount.IntPart()
}

// Result carries the outcome of an accepted percent submission.
type Result struct {
	Percent         float64
	PreviousPercent float64
	AmountCents     int64
}

// Calculator validates and applies percent-complete submissions against the
// store.
type Calculator struct {
	store store.Store
}

// NewCalculator creates a Calculator backed by the given store.
func NewCalculator(st store.Store) *Calculator {
	return &Calculator{store: st}
}

// SeedApplication creates the progress rows for an application's line items,
// carrying each item's floor over from the most recent earlier application
// with a nonzero submission (0 for a first period).
func (c *Calculator) SeedApplication(applicationID string, items []models.LineItem) error {
	now := time.Now()
	for _, li := range items {
		prior, err := c.store.PriorSubmittedPercent(li.ID, applicationID)
		if err != nil {
			return fmt.Errorf("failed to resolve prior submission for %s: %w", li.ID, err)
		}
		row := models.LineItemProgress{
			ID:                   uuid.NewString(),
			PaymentApplicationID: applicationID,
			LineItemID:           li.ID,
			PreviousPercent:      prior,
			UpdatedAt:            now,
		}
		if err := c.store.SaveLineItemProgress(row); err != nil {
			return fmt.Errorf("failed to seed progress for %s: %w", li.ID, err)
		}
		slog.Debug("Calculator seeded progress row", "application_id", applicationID, "line_item_id", li.ID, "previous_percent", prior)
	}
	return nil
}

// Apply validates a raw percent answer for one line item and, on success,
// persists the updated progress row and the line item's denormalized display
// fields. Validation failures leave stored state untouched.
func (c *Calculator) Apply(applicationID, lineItemID, raw string) (*Result, error) {
	pct, err := ParsePercent(raw)
	if err != nil {
		return nil, err
	}

	row, err := c.store.GetLineItemProgress(applicationID, lineItemID)
	if errors.Is(err, models.ErrNotFound) {
		// Application was never seeded for this item; start from the prior
		// application's floor.
		prior, perr := c.store.PriorSubmittedPercent(lineItemID, applicationID)
		if perr != nil {
			return nil, fmt.Errorf("failed to resolve prior submission for %s: %w", lineItemID, perr)
		}
		row = &models.LineItemProgress{
			ID:                   uuid.NewString(),
			PaymentApplicationID: applicationID,
			LineItemID:           lineItemID,
			PreviousPercent:      prior,
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load progress for %s: %w", lineItemID, err)
	}

	if pct < row.PreviousPercent {
		slog.Debug("Calculator rejected regression", "line_item_id", lineItemID, "reported", pct, "floor", row.PreviousPercent)
		return nil, &RegressionError{Reported: pct, Floor: row.PreviousPercent}
	}

	li, err := c.store.GetLineItem(lineItemID)
	if err != nil {
		return nil, fmt.Errorf("failed to load line item %s: %w", lineItemID, err)
	}
	amount := AmountForPeriod(li.ScheduledValueCents, pct)

	row.ThisPeriodPercent = pct
	row.SubmittedPercent = pct
	row.CalculatedAmountCents = amount
	row.UpdatedAt = time.Now()
	if err := c.store.SaveLineItemProgress(*row); err != nil {
		return nil, fmt.Errorf("failed to save progress for %s: %w", lineItemID, err)
	}
	if err := c.store.UpdateLineItemDisplay(lineItemID, pct, pct, amount); err != nil {
		return nil, fmt.Errorf("failed to update line item display for %s: %w", lineItemID, err)
	}

	slog.Debug("Calculator applied progress", "line_item_id", lineItemID, "percent", pct, "amount_cents", amount)
	return &Result{Percent: pct, PreviousPercent: row.PreviousPercent, AmountCents: amount}, nil
}
