// Package store provides storage backends for payintake.
//
// This file implements the SQLite-backed store, the default for single-node
// deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/slabstack/payintake/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.SQLiteDSN != "")

	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, phone, state, current_question_index, responses, line_items, payment_application_id, version, created_at, updated_at`

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	if err := validateConversation(c); err != nil {
		return err
	}
	responses, lineItems, err := encodeConversationJSON(c)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Phone, string(c.State), c.CurrentQuestionIndex,
		responses, lineItems, c.PaymentApplicationID,
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			slog.Warn("SQLiteStore CreateConversation active conversation exists", "phone", c.Phone)
			return models.ErrActiveConversationExists
		}
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "phone", c.Phone)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.Phone, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "id", c.ID, "phone", c.Phone)
	return nil
}

func (s *SQLiteStore) FindActiveConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone = ? AND state IN (?, ?, ?)
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		phone,
		string(models.StateAwaitingStart), string(models.StateInProgress), string(models.StateAwaitingConfirmation),
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindActiveConversation failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find active conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *SQLiteStore) FindLatestConversation(phone string) (*models.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE phone = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		phone,
	)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore FindLatestConversation failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to find latest conversation for %s: %w", phone, err)
	}
	return c, nil
}

func (s *SQLiteStore) UpdateConversation(c *models.Conversation) error {
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
		 SET state = ?, current_question_index = ?, responses = ?, line_items = ?,
		     version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		string(c.State), c.CurrentQuestionIndex, responses, lineItems, now, c.ID, c.Version,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result for conversation %s: %w", c.ID, err)
	}
	if affected == 0 {
		slog.Warn("SQLiteStore UpdateConversation version conflict", "id", c.ID, "version", c.Version)
		return models.ErrConversationConflict
	}
	c.Version++
	c.UpdatedAt = now
	slog.Debug("SQLiteStore UpdateConversation succeeded", "id", c.ID, "state", c.State, "version", c.Version)
	return nil
}

func (s *SQLiteStore) ArchiveStaleConversations(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		`UPDATE conversations
		 SET state = ?, version = version + 1, updated_at = ?
		 WHERE state IN (?, ?, ?) AND updated_at < ?`,
		string(models.StateArchived), time.Now(),
		string(models.StateAwaitingStart), string(models.StateInProgress), string(models.StateAwaitingConfirmation),
		cutoff,
	)
	if err != nil {
		slog.Error("SQLiteStore ArchiveStaleConversations failed", "error", err)
		return 0, fmt.Errorf("failed to archive stale conversations: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read archive result: %w", err)
	}
	return int(affected), nil
}

const lineItemColumns = `id, contract_id, position, description, scheduled_value_cents, percent_complete, this_period_percent, current_amount_cents, updated_at`

func (s *SQLiteStore) CreateLineItem(li models.LineItem) error {
	_, err := s.db.Exec(
		`INSERT INTO line_items (`+lineItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		li.ID, li.ContractID, li.Position, li.Description, li.ScheduledValueCents,
		li.PercentComplete, li.ThisPeriodPercent, li.CurrentAmountCents, li.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreateLineItem failed", "error", err, "id", li.ID)
		return fmt.Errorf("failed to insert line item %s: %w", li.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLineItem(id string) (*models.LineItem, error) {
	row := s.db.QueryRow(`SELECT `+lineItemColumns+` FROM line_items WHERE id = ?`, id)
	li, err := scanLineItem(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetLineItem failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get line item %s: %w", id, err)
	}
	return li, nil
}

func (s *SQLiteStore) ListLineItems(contractID string) ([]models.LineItem, error) {
	rows, err := s.db.Query(
		`SELECT `+lineItemColumns+` FROM line_items WHERE contract_id = ? ORDER BY position, id`,
		contractID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListLineItems query failed", "error", err, "contract_id", contractID)
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

func (s *SQLiteStore) UpdateLineItemDisplay(id string, percentComplete, thisPeriodPercent float64, amountCents int64) error {
	res, err := s.db.Exec(
		`UPDATE line_items
		 SET percent_complete = ?, this_period_percent = ?, current_amount_cents = ?, updated_at = ?
		 WHERE id = ?`,
		percentComplete, thisPeriodPercent, amountCents, time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateLineItemDisplay failed", "error", err, "id", id)
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

const progressColumns = `id, payment_application_id, line_item_id, previous_percent, this_period_percent, submitted_percent, calculated_amount_cents, updated_at`

func (s *SQLiteStore) SaveLineItemProgress(p models.LineItemProgress) error {
	_, err := s.db.Exec(
		`INSERT INTO line_item_progress (`+progressColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(payment_application_id, line_item_id) DO UPDATE SET
		     previous_percent = excluded.previous_percent,
		     this_period_percent = excluded.this_period_percent,
		     submitted_percent = excluded.submitted_percent,
		     calculated_amount_cents = excluded.calculated_amount_cents,
		     updated_at = excluded.updated_at`,
		p.ID, p.PaymentApplicationID, p.LineItemID,
		p.PreviousPercent, p.ThisPeriodPercent, p.SubmittedPercent,
		p.CalculatedAmountCents, p.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveLineItemProgress failed", "error", err, "application_id", p.PaymentApplicationID, "line_item_id", p.LineItemID)
		return fmt.Errorf("failed to save progress for line item %s: %w", p.LineItemID, err)
	}
	return nil
}

func (s *SQLiteStore) GetLineItemProgress(applicationID, lineItemID string) (*models.LineItemProgress, error) {
	row := s.db.QueryRow(
		`SELECT `+progressColumns+` FROM line_item_progress
		 WHERE payment_application_id = ? AND line_item_id = ?`,
		applicationID, lineItemID,
	)
	p, err := scanLineItemProgress(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetLineItemProgress failed", "error", err, "application_id", applicationID, "line_item_id", lineItemID)
		return nil, fmt.Errorf("failed to get progress for line item %s: %w", lineItemID, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListLineItemProgress(applicationID string) ([]models.LineItemProgress, error) {
	rows, err := s.db.Query(
		`SELECT `+progressColumns+` FROM line_item_progress WHERE payment_application_id = ? ORDER BY updated_at, id`,
		applicationID,
	)
	if err != nil {
		slog.Error("SQLiteStore ListLineItemProgress query failed", "error", err, "application_id", applicationID)
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

func (s *SQLiteStore) PriorSubmittedPercent(lineItemID, beforeApplicationID string) (float64, error) {
	var percent float64
	err := s.db.QueryRow(
		`SELECT p.submitted_percent
		 FROM line_item_progress p
		 JOIN payment_applications a ON a.id = p.payment_application_id
		 WHERE p.line_item_id = ?
		   AND p.submitted_percent > 0
		   AND a.id != ?
		   AND a.created_at < (SELECT created_at FROM payment_applications WHERE id = ?)
		 ORDER BY a.created_at DESC LIMIT 1`,
		lineItemID, beforeApplicationID, beforeApplicationID,
	).Scan(&percent)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		slog.Error("SQLiteStore PriorSubmittedPercent failed", "error", err, "line_item_id", lineItemID)
		return 0, fmt.Errorf("failed to look up prior submission for line item %s: %w", lineItemID, err)
	}
	return percent, nil
}

const applicationColumns = `id, contract_id, contractor_phone, status, current_payment_cents, pm_notes, created_at, updated_at`

func (s *SQLiteStore) CreatePaymentApplication(app models.PaymentApplication) error {
	_, err := s.db.Exec(
		`INSERT INTO payment_applications (`+applicationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		app.ID, app.ContractID, app.ContractorPhone, string(app.Status),
		app.CurrentPaymentCents, app.PMNotes, app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore CreatePaymentApplication failed", "error", err, "id", app.ID)
		return fmt.Errorf("failed to insert payment application %s: %w", app.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetPaymentApplication(id string) (*models.PaymentApplication, error) {
	row := s.db.QueryRow(`SELECT `+applicationColumns+` FROM payment_applications WHERE id = ?`, id)
	app, err := scanPaymentApplication(row)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetPaymentApplication failed", "error", err, "id", id)
		return nil, fmt.Errorf("failed to get payment application %s: %w", id, err)
	}
	return app, nil
}

func (s *SQLiteStore) FinalizePaymentApplication(id string, totalCents int64, notes string) error {
	res, err := s.db.Exec(
		`UPDATE payment_applications
		 SET status = ?, current_payment_cents = ?, pm_notes = ?, updated_at = ?
		 WHERE id = ?`,
		string(models.ApplicationStatusSubmitted), totalCents, notes, time.Now(), id,
	)
	if err != nil {
		slog.Error("SQLiteStore FinalizePaymentApplication failed", "error", err, "id", id)
		return fmt.Errorf("failed to finalize payment application %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read finalize result for %s: %w", id, err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	slog.Info("SQLiteStore FinalizePaymentApplication succeeded", "id", id, "total_cents", totalCents)
	return nil
}

func (s *SQLiteStore) RecordInbound(messageSid, phone string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO inbound_dedup (message_sid, phone, received_at) VALUES (?, ?, ?)`,
		messageSid, phone, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore RecordInbound failed", "error", err, "message_sid", messageSid)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inbound insert result: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) SaveInboundReply(messageSid, reply string) error {
	_, err := s.db.Exec(
		`UPDATE inbound_dedup SET reply_body = ?, processed_at = ? WHERE message_sid = ?`,
		reply, time.Now(), messageSid,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveInboundReply failed", "error", err, "message_sid", messageSid)
		return fmt.Errorf("save inbound reply failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInboundReply(messageSid string) (string, bool, error) {
	var reply sql.NullString
	err := s.db.QueryRow(
		`SELECT reply_body FROM inbound_dedup WHERE message_sid = ?`, messageSid,
	).Scan(&reply)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetInboundReply failed", "error", err, "message_sid", messageSid)
		return "", false, fmt.Errorf("get inbound reply failed: %w", err)
	}
	return reply.String, reply.Valid, nil
}
