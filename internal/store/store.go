// Package store provides storage backends for Whatsy.
//
// It defines the relational persistence surface used by the ingest pipeline
// and implements it for PostgreSQL and SQLite.
package store

import (
	"strings"

	"github.com/whatsy/whatsy/internal/models"
)

// Store defines the relational persistence surface for the pipeline.
type Store interface {
	// GetOrCreateUser resolves a user by WhatsApp ID, creating the row on
	// first contact. The upsert is atomic: concurrent first-contact callers
	// converge on a single row.
	GetOrCreateUser(whatsappID, phoneNumber, profileName, timezone string) (*models.User, error)

	// GetUserByWhatsAppID looks up a user by WhatsApp ID without creating
	// one. Returns (nil, nil) when not found.
	GetUserByWhatsAppID(whatsappID string) (*models.User, error)

	// GetUserByPhoneNumber looks up a user by normalized phone number.
	// Returns (nil, nil) when not found.
	GetUserByPhoneNumber(phoneNumber string) (*models.User, error)

	// GetMessageBySID looks up an inbound message by provider message SID.
	// Returns (nil, nil) when not found.
	GetMessageBySID(messageSID string) (*models.InboundMessage, error)

	// SaveInboundMessage persists an inbound message idempotently, keyed by
	// message SID. Redelivery of a known SID returns the existing row.
	SaveInboundMessage(msg models.InboundMessage) (*models.InboundMessage, error)

	// GetMediaByHash looks up a media asset by content hash.
	// Returns (nil, nil) when not found.
	GetMediaByHash(fileHash string) (*models.MediaAsset, error)

	// SaveMediaAsset persists a new media asset and returns it with its ID.
	SaveMediaAsset(asset models.MediaAsset) (*models.MediaAsset, error)

	// AssociateMediaWithMessage links a media asset to a message.
	AssociateMediaWithMessage(messageID, mediaID int64) error

	// IncrementForwardedCount bumps the referencing-message counter on a
	// known asset. New assets start at 1, so the counter always equals the
	// number of messages that carried the content.
	IncrementForwardedCount(mediaID int64) error

	// SaveMemoryRecord mirrors an externally-stored memory locally.
	// rawMessageID is nil for directly-authored memories.
	SaveMemoryRecord(userID int64, rawMessageID *int64, externalID, text string) error

	// UpdateMemoryRecordByExternalID overwrites the text of a mirrored memory.
	UpdateMemoryRecordByExternalID(externalID, text string) error

	// DeleteMemoryRecordByExternalID removes a mirrored memory.
	DeleteMemoryRecordByExternalID(externalID string) error

	// ListMemoriesByUser returns all mirrored memories for a user, newest first.
	ListMemoriesByUser(userID int64) ([]models.MemoryRecord, error)

	// SaveInteraction appends a processed conversational turn.
	SaveInteraction(interaction models.Interaction) (*models.Interaction, error)

	// GetInteractionByMessageID returns the interaction recorded for an
	// inbound message, or (nil, nil) when the message has not been processed.
	GetInteractionByMessageID(rawMessageID int64) (*models.Interaction, error)

	// ListInteractionsByUser returns up to limit interactions, newest first.
	ListInteractionsByUser(userID int64, limit int) ([]models.Interaction, error)

	// AnalyticsSummary aggregates row counts across the main tables.
	AnalyticsSummary() (*models.AnalyticsSummary, error)

	// Close releases the underlying database handle.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". PostgreSQL DSNs
// use URL or key=value form; anything else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// New opens the store backend matching the DSN type.
func New(dsn string) (Store, error) {
	if DetectDSNType(dsn) == "postgres" {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
