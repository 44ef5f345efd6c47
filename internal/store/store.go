// Package store provides storage backends for payintake.
//
// It defines the persistence contract consumed by the intake engine and ships
// SQLite, PostgreSQL, and in-memory implementations. The conversation row is
// the only record mutated concurrently; updates to it are conditional on a
// version column so a lost race surfaces as models.ErrConversationConflict
// instead of silently clobbering state.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/slabstack/payintake/internal/models"
)

// Store is the persistence boundary for the intake engine and API.
type Store interface {
	// CreateConversation inserts a new conversation. It fails with
	// models.ErrActiveConversationExists if the phone already has a
	// conversation in an active state.
	CreateConversation(c models.Conversation) error

	// FindActiveConversation returns the phone's conversation whose state is
	// active, most recently created first. Returns nil when none exists.
	FindActiveConversation(phone string) (*models.Conversation, error)

	// FindLatestConversation returns the phone's most recently created
	// conversation in any state, or nil when the phone has none. Used to
	// distinguish "already complete" from "never started".
	FindLatestConversation(phone string) (*models.Conversation, error)

	// UpdateConversation conditionally writes the conversation keyed on its
	// version, bumping the version on success. Fails with
	// models.ErrConversationConflict when the stored version moved.
	UpdateConversation(c *models.Conversation) error

	// ArchiveStaleConversations moves active conversations untouched since
	// cutoff into the archived state, returning how many were swept.
	ArchiveStaleConversations(cutoff time.Time) (int, error)

	CreateLineItem(li models.LineItem) error
	GetLineItem(id string) (*models.LineItem, error)
	ListLineItems(contractID string) ([]models.LineItem, error)

	// UpdateLineItemDisplay refreshes the denormalized dashboard fields on a
	// line item (overall percent, this-period percent, period amount).
	UpdateLineItemDisplay(id string, percentComplete, thisPeriodPercent float64, amountCents int64) error

	// SaveLineItemProgress upserts the progress row for
	// (payment application, line item).
	SaveLineItemProgress(p models.LineItemProgress) error
	GetLineItemProgress(applicationID, lineItemID string) (*models.LineItemProgress, error)
	ListLineItemProgress(applicationID string) ([]models.LineItemProgress, error)

	// PriorSubmittedPercent returns the submitted percent for the line item
	// from the most recent payment application created strictly before the
	// given one with a nonzero submission, or 0 when none exists.
	PriorSubmittedPercent(lineItemID, beforeApplicationID string) (float64, error)

	CreatePaymentApplication(app models.PaymentApplication) error
	GetPaymentApplication(id string) (*models.PaymentApplication, error)

	// FinalizePaymentApplication marks the application submitted and records
	// its total and PM notes.
	FinalizePaymentApplication(id string, totalCents int64, notes string) error

	// RecordInbound inserts an inbound dedup record keyed on the gateway
	// message SID. Returns false when the SID was already recorded.
	RecordInbound(messageSid, phone string) (bool, error)

	// SaveInboundReply stores the rendered reply for a message SID so a
	// gateway redelivery can be answered without re-running the flow.
	SaveInboundReply(messageSid, reply string) error

	// GetInboundReply returns the stored reply for a SID, with ok=false when
	// the SID is unknown or was never answered.
	GetInboundReply(messageSid string) (string, bool, error)

	Close() error
}

// Opts holds configuration options for building a store.
type Opts struct {
	SQLiteDSN   string
	PostgresDSN string
}

// Option defines a configuration option for building a store.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". Anything that is
// not recognizably a Postgres URL or key/value DSN is treated as a SQLite
// file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore builds a store from the given options: Postgres when a Postgres
// DSN is set, SQLite when a file path is set, and the in-memory store
// otherwise.
func NewStore(opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.PostgresDSN != "":
		s, err := NewPostgresStore(WithPostgresDSN(cfg.PostgresDSN))
		if err != nil {
			return nil, fmt.Errorf("failed to build postgres store: %w", err)
		}
		return s, nil
	case cfg.SQLiteDSN != "":
		s, err := NewSQLiteStore(WithSQLiteDSN(cfg.SQLiteDSN))
		if err != nil {
			return nil, fmt.Errorf("failed to build sqlite store: %w", err)
		}
		return s, nil
	default:
		return NewInMemoryStore(), nil
	}
}
