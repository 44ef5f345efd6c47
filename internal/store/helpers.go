package store

import (
	"encoding/json"
	"fmt"

	"github.com/slabstack/payintake/internal/models"
)

// validateConversation rejects conversation writes carrying an unknown state
// before they reach a backend.
func validateConversation(c models.Conversation) error {
	if !models.IsValidConversationState(c.State) {
		return fmt.Errorf("%w: %q", models.ErrInvalidState, c.State)
	}
	return nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the shared scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanConversation scans a conversation row including its JSON-encoded
// responses and line-item snapshot columns.
func scanConversation(row rowScanner) (*models.Conversation, error) {
	var c models.Conversation
	var state string
	var responsesJSON, lineItemsJSON []byte
	err := row.Scan(
		&c.ID, &c.Phone, &state, &c.CurrentQuestionIndex,
		&responsesJSON, &lineItemsJSON, &c.PaymentApplicationID,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State = models.ConversationState(state)
	if err := json.Unmarshal(responsesJSON, &c.Responses); err != nil {
		return nil, fmt.Errorf("failed to decode conversation responses: %w", err)
	}
	if err := json.Unmarshal(lineItemsJSON, &c.LineItems); err != nil {
		return nil, fmt.Errorf("failed to decode conversation line items: %w", err)
	}
	return &c, nil
}

// encodeConversationJSON marshals the JSON columns of a conversation,
// normalizing nil slices to empty arrays.
func encodeConversationJSON(c models.Conversation) (responses, lineItems []byte, err error) {
	if c.Responses == nil {
		c.Responses = []string{}
	}
	if c.LineItems == nil {
		c.LineItems = []models.LineItemRef{}
	}
	responses, err = json.Marshal(c.Responses)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conversation responses: %w", err)
	}
	lineItems, err = json.Marshal(c.LineItems)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode conversation line items: %w", err)
	}
	return responses, lineItems, nil
}

// scanLineItem scans a line item row.
func scanLineItem(row rowScanner) (*models.LineItem, error) {
	var li models.LineItem
	err := row.Scan(
		&li.ID, &li.ContractID, &li.Position, &li.Description, &li.ScheduledValueCents,
		&li.PercentComplete, &li.ThisPeriodPercent, &li.CurrentAmountCents, &li.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &li, nil
}

// scanLineItemProgress scans a progress row.
func scanLineItemProgress(row rowScanner) (*models.LineItemProgress, error) {
	var p models.LineItemProgress
	err := row.Scan(
		&p.ID, &p.PaymentApplicationID, &p.LineItemID,
		&p.PreviousPercent, &p.ThisPeriodPercent, &p.SubmittedPercent,
		&p.CalculatedAmountCents, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// scanPaymentApplication scans a payment application row.
func scanPaymentApplication(row rowScanner) (*models.PaymentApplication, error) {
	var app models.PaymentApplication
	var status string
	err := row.Scan(
		&app.ID, &app.ContractID, &app.ContractorPhone, &status,
		&app.CurrentPaymentCents, &app.PMNotes, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	app.Status = models.ApplicationStatus(status)
	return &app, nil
}
