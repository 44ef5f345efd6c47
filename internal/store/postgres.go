// Package store provides storage backends for payintake.
//
// This file implements the PostgreSQL-backed store for multi-node deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "embed"

	"github.com/slabstack/payintake/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.PostgresDSN != "")

	dsn := cfg.PostgresDSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	if err := validateConversation(c); err != nil {
		return err
	}
	responses, lineItems, err := encodeConversationJSON(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.Phone, string(c.State), c.CurrentQuestionIndex,
		responses, lineItems, c.PaymentApplicationID,
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			slog.Warn("PostgresStore CreateConversation active conversation exists", "phone", c.Phone)
			return models.ErrActiveConversationExists
		}
		slog.Error("PostgresStore CreateConversation failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.Phone, err)
	}
	slog.Debug("PostgresStore CreateConversation succeeded", "id", c.ID, "phone", c.Phone)
	return nil
}

func (s *PostgresStore) FindActiveConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone = $1 AND state IN ($2, $3, $4)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		phone,
		string(models.StateAwaitingStart), string(models.StateInProgress), string(models.StateAwaitingConfirmation),
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindActiveConversation failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find active conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *PostgresStore) FindLatestConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone = $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		phone,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore FindLatestConversation failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find latest conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateConversation(c *models.Conversation) error {
	if err := validateConversation(*c); err != nil {
		return err
	}
	responses, lineItems, err := encodeConversationJSON(*c)
	if err != nil {
		return err
	}
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE conversations
		 SET state = $1, current_question_index = $2, responses = $3, line_items = $4,
		     version = version + 1, updated_at = $5
		 WHERE id = $6 AND version = $7`,
		string(c.State), c.CurrentQuestionIndex, responses, lineItems, now, c.ID, c.Version,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for conversation %s: %w", c.ID, err)
	}
	if affected == 0 {
		slog.Warn("PostgresStore UpdateConversation version conflict", "id", c.ID, "version", c.Version)
		return models.ErrConversationConflict
	}
	c.Version++
	c.UpdatedAt = now
	slog.Debug("PostgresStore UpdateConversation succeeded", "id", c.ID, "state", c.State, "version", c.Version)
	return nil
}

func (s *PostgresStore) ArchiveStaleConversations(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE conversations
		 SET state = $1, version = version + 1, updated_at = $2
		 WHERE state IN ($3, $4, $5) AND updated_at < $6`,
		string(models.StateArchived), time.Now(),
		string(models.StateAwaitingStart), string(models.StateInProgress), string(models.StateAwaitingConfirmation),
		cutoff,
	)
	if err != nil {
		slog.Error("PostgresStore ArchiveStaleConversations failed", "error", err)
		return 0, fmt.Errorf("failed to archive stale conversations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read archive result: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) CreateLineItem(li models.LineItem) error {
	_, err := s.db.Exec(
		`INSERT INTO line_items (`+lineItemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		li.ID, li.ContractID, li.Position, li.Description, li.ScheduledValueCents,
		li.PercentComplete, li.ThisPeriodPercent, li.CurrentAmountCents, li.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreateLineItem failed", "error", err, "id", li.ID)
		return fmt.Errorf("failed to insert line item %s: %w", li.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetLineItem(id string) (*models.LineItem, error) {
	row := s.db.QueryRow(`SELECT `+lineItemColumns+` FROM line_items WHERE id = $1`, id)
	li, err := scanLineItem(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetLineItem failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get line item %s: %w", id, err)
	}
	return li, nil
}

func (s *PostgresStore) ListLineItems(contractID string) ([]models.LineItem, error) {
	rows, err := s.db.Query(
		`SELECT `+lineItemColumns+` FROM line_items WHERE contract_id = $1 ORDER BY position, id`,
		contractID,
	)
	if err != nil {
		slog.Error("PostgresStore ListLineItems query failed", "error", err, "contract_id", contractID)
		return nil, fmt.Errorf("failed to query line items for contract %s: %w", contractID, err)
	}
	defer rows.Close()

	var items []models.LineItem
	for rows.Next() {
		li, err := scanLineItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan line item row: %w", err)
		}
		items = append(items, *li)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate line item rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateLineItemDisplay(id string, percentComplete, thisPeriodPercent float64, amountCents int64) error {
	res, err := s.db.Exec(
		`UPDATE line_items
		 SET percent_complete = $1, this_period_percent = $2, current_amount_cents = $3, updated_at = $4
		 WHERE id = $5`,
		percentComplete, thisPeriodPercent, amountCents, time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore UpdateLineItemDisplay failed", "error", err, "id", id)
		return fmt.Errorf("failed to update line item display %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read display update result for %s: %w", id, err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveLineItemProgress(p models.LineItemProgress) error {
	_, err := s.db.Exec(
		`INSERT INTO line_item_progress (`+progressColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (payment_application_id, line_item_id) DO UPDATE SET
		     previous_percent = EXCLUDED.previous_percent,
		     this_period_percent = EXCLUDED.this_period_percent,
		     submitted_percent = EXCLUDED.submitted_percent,
		     calculated_amount_cents = EXCLUDED.calculated_amount_cents,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.PaymentApplicationID, p.LineItemID,
		p.PreviousPercent, p.ThisPeriodPercent, p.SubmittedPercent,
		p.CalculatedAmountCents, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveLineItemProgress failed", "error", err, "application_id", p.PaymentApplicationID, "line_item_id", p.LineItemID)
		return fmt.Errorf("failed to save progress for line item %s: %w", p.LineItemID, err)
	}
	return nil
}

func (s *PostgresStore) GetLineItemProgress(applicationID, lineItemID string) (*models.LineItemProgress, error) {
	row := s.db.QueryRow(
		`SELECT `+progressColumns+` FROM line_item_progress
		 WHERE payment_application_id = $1 AND line_item_id = $2`,
		applicationID, lineItemID,
	)
	p, err := scanLineItemProgress(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetLineItemProgress failed", "error", err, "application_id", applicationID, "line_item_id", lineItemID)
		return nil, fmt.Errorf("failed to get progress for line item %s: %w", lineItemID, err)
	}
	return p, nil
}

func (s *PostgresStore) ListLineItemProgress(applicationID string) ([]models.LineItemProgress, error) {
	rows, err := s.db.Query(
		`SELECT `+progressColumns+` FROM line_item_progress WHERE payment_application_id = $1 ORDER BY updated_at, id`,
		applicationID,
	)
	if err != nil {
		slog.Error("PostgresStore ListLineItemProgress query failed", "error", err, "application_id", applicationID)
		return nil, fmt.Errorf("failed to query progress for application %s: %w", applicationID, err)
	}
	defer rows.Close()

	var out []models.LineItemProgress
	for rows.Next() {
		p, err := scanLineItemProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan progress row: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate progress rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PriorSubmittedPercent(lineItemID, beforeApplicationID string) (float64, error) {
	var percent float64
	err := s.db.QueryRow(
		`SELECT p.submitted_percent
		 FROM line_item_progress p
		 JOIN payment_applications a ON a.id = p.payment_application_id
		 WHERE p.line_item_id = $1
		   AND p.submitted_percent > 0
		   AND a.id != $2
		   AND a.created_at < (SELECT created_at FROM payment_applications WHERE id = $2)
		 ORDER BY a.created_at DESC LIMIT 1`,
		lineItemID, beforeApplicationID,
	).Scan(&percent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("PostgresStore PriorSubmittedPercent failed", "error", err, "line_item_id", lineItemID)
		return 0, fmt.Errorf("failed to look up prior submission for line item %s: %w", lineItemID, err)
	}
	return percent, nil
}

func (s *PostgresStore) CreatePaymentApplication(app models.PaymentApplication) error {
	_, err := s.db.Exec(
		`INSERT INTO payment_applications (`+applicationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		app.ID, app.ContractID, app.ContractorPhone, string(app.Status),
		app.CurrentPaymentCents, app.PMNotes, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore CreatePaymentApplication failed", "error", err, "id", app.ID)
		return fmt.Errorf("failed to insert payment application %s: %w", app.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetPaymentApplication(id string) (*models.PaymentApplication, error) {
	row := s.db.QueryRow(`SELECT `+applicationColumns+` FROM payment_applications WHERE id = $1`, id)
	app, err := scanPaymentApplication(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetPaymentApplication failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get payment application %s: %w", id, err)
	}
	return app, nil
}

func (s *PostgresStore) FinalizePaymentApplication(id string, totalCents int64, notes string) error {
	res, err := s.db.Exec(
		`UPDATE payment_applications
		 SET status = $1, current_payment_cents = $2, pm_notes = $3, updated_at = $4
		 WHERE id = $5`,
		string(models.ApplicationStatusSubmitted), totalCents, notes, time.Now(), id,
	)
	if err != nil {
		slog.Error("PostgresStore FinalizePaymentApplication failed", "error", err, "id", id)
		return fmt.Errorf("failed to finalize payment application %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result for %s: %w", id, err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	slog.Info("PostgresStore FinalizePaymentApplication succeeded", "id", id, "total_cents", totalCents)
	return nil
}

func (s *PostgresStore) RecordInbound(messageSid, phone string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_sid, phone, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_sid) DO NOTHING`,
		messageSid, phone, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore RecordInbound failed", "error", err, "message_sid", messageSid)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inbound insert result: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SaveInboundReply(messageSid, reply string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET reply_body = $1, processed_at = $2 WHERE message_sid = $3`,
		reply, time.Now(), messageSid,
	)
	if err != nil {
		slog.Error("PostgresStore SaveInboundReply failed", "error", err, "message_sid", messageSid)
		return fmt.Errorf("save inbound reply failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInboundReply(messageSid string) (string, bool, error) {
	var reply sql.NullString
	err := s.db.QueryRow(
		`SELECT reply_body FROM inbound_dedup WHERE message_sid = $1`, messageSid,
	).Scan(&reply)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetInboundReply failed", "error", err, "message_sid", messageSid)
		return "", false, fmt.Errorf("get inbound reply failed: %w", err)
	}
	return reply.String, reply.Valid, nil
}
