package intake

import (
	"errors"
	"fmt"
	"strings"

	"github.com/slabstack/payintake/internal/models"
	"github.com/slabstack/payintake/internal/progress"
	"github.com/slabstack/payintake/internal/store"
)

// SummaryLine is one line item's entry in the confirmation recap.
type SummaryLine struct {
	Description string
	Percent     float64
	AmountCents int64
}

// Summary is the confirmation recap for a payment application. It is always
// recomputed from the persisted progress rows, never from in-memory answers,
// so the total shown to the contractor is the same number finalization will
// persist.
type Summary struct {
	Lines      []SummaryLine
	TotalCents int64
}

// Text renders the contractor-facing recap message including the YES/NO prompt.
func (s *Summary) Text() string {
	var b strings.Builder
	for _, line := range s.Lines {
		fmt.Fprintf(&b, "%s - (%s%%) = %s\n",
			line.Description, models.FormatPercent(line.Percent), models.FormatCents(line.AmountCents))
	}
	fmt.Fprintf(&b, "Total Requested = %s\n\n", models.FormatCents(s.TotalCents))
	b.WriteString("Reply YES to submit your payment application, or NO to start over.")
	return b.String()
}

// BuildSummary recomputes the recap for the conversation's payment application
// from the persisted progress rows, in snapshot order. Each line amount is
// recomputed from the line item's scheduled value and the stored this-period
// percent.
func BuildSummary(st store.Store, conv *models.Conversation) (*Summary, error) {
	sum := &Summary{}
	for _, ref := range conv.LineItems {
		row, err := st.GetLineItemProgress(conv.PaymentApplicationID, ref.LineItemID)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load progress for %s: %w", ref.LineItemID, err)
		}
		li, err := st.GetLineItem(ref.LineItemID)
		if err != nil {
			return nil, fmt.Errorf("failed to load line item %s: %w", ref.LineItemID, err)
		}
		amount := progress.AmountForPeriod(li.ScheduledValueCents, row.ThisPeriodPercent)
		sum.Lines = append(sum.Lines, SummaryLine{
			Description: ref.Description,
			Percent:     row.ThisPeriodPercent,
			AmountCents: amount,
		})
		sum.TotalCents += amount
	}
	return sum, nil
}
