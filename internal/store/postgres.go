// Package store provides storage backends for Whatsy.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"
	"github.com/whatsy/whatsy/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

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

// GetOrCreateUser resolves a user by WhatsApp ID, inserting the row on first
// contact. Concurrent first-contact callers race on the unique whatsapp_id;
// ON CONFLICT makes the insert converge on a single row.
func (s *PostgresStore) GetOrCreateUser(whatsappID, phoneNumber, profileName, timezone string) (*models.User, error) {
	row := s.db.QueryRow(`
		INSERT INTO users (whatsapp_id, phone_number, profile_name, timezone)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (whatsapp_id) DO UPDATE SET
			profile_name = CASE WHEN EXCLUDED.profile_name <> '' THEN EXCLUDED.profile_name ELSE users.profile_name END,
			updated_at = NOW()
		RETURNING id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at`,
		whatsappID, phoneNumber, profileName, timezone)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("PostgresStore GetOrCreateUser failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to upsert user %s: %w", whatsappID, err)
	}
	slog.Debug("PostgresStore GetOrCreateUser succeeded", "userID", u.ID, "whatsappID", whatsappID)
	return u, nil
}

// GetUserByWhatsAppID looks up a user by WhatsApp ID without creating one.
func (s *PostgresStore) GetUserByWhatsAppID(whatsappID string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at
		FROM users WHERE whatsapp_id = $1`, whatsappID)
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByWhatsAppID failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to query user %s: %w", whatsappID, err)
	}
	return u, nil
}

// GetUserByPhoneNumber looks up a user by normalized phone number.
func (s *PostgresStore) GetUserByPhoneNumber(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at
		FROM users WHERE phone_number = $1`, phoneNumber)
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetUserByPhoneNumber failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query user by phone: %w", err)
	}
	return u, nil
}

// GetMessageBySID looks up an inbound message by provider message SID.
func (s *PostgresStore) GetMessageBySID(messageSID string) (*models.InboundMessage, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, message_sid, body, message_type, from_number, to_number, num_media, raw_data, created_at
		FROM messages WHERE message_sid = $1`, messageSID)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetMessageBySID failed", "error", err, "messageSid", messageSID)
		return nil, fmt.Errorf("failed to query message %s: %w", messageSID, err)
	}
	return m, nil
}

// SaveInboundMessage persists an inbound message keyed by its SID. Redelivery
// of a known SID returns the existing row unchanged.
func (s *PostgresStore) SaveInboundMessage(msg models.InboundMessage) (*models.InboundMessage, error) {
	_, err := s.db.Exec(`
		INSERT INTO messages (user_id, message_sid, body, message_type, from_number, to_number, num_media, raw_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (message_sid) DO NOTHING`,
		msg.UserID, msg.MessageSID, msg.Body, msg.MessageType, msg.FromNumber, msg.ToNumber, msg.NumMedia, nilIfEmpty(msg.RawData))
	if err != nil {
		slog.Error("PostgresStore SaveInboundMessage failed", "error", err, "messageSid", msg.MessageSID)
		return nil, fmt.Errorf("failed to insert message %s: %w", msg.MessageSID, err)
	}
	saved, err := s.GetMessageBySID(msg.MessageSID)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("message %s missing after insert", msg.MessageSID)
	}
	slog.Debug("PostgresStore SaveInboundMessage succeeded", "messageID", saved.ID, "messageSid", msg.MessageSID)
	return saved, nil
}

// GetMediaByHash looks up a media asset by content hash.
func (s *PostgresStore) GetMediaByHash(fileHash string) (*models.MediaAsset, error) {
	row := s.db.QueryRow(`
		SELECT id, media_sid, content_type, file_size, file_hash, storage_key, storage_url, description, forwarded_count, created_at
		FROM media_assets WHERE file_hash = $1`, fileHash)
	a, err := scanMediaRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetMediaByHash failed", "error", err, "fileHash", fileHash)
		return nil, fmt.Errorf("failed to query media by hash: %w", err)
	}
	return a, nil
}

// SaveMediaAsset persists a new media asset and returns it with its ID.
func (s *PostgresStore) SaveMediaAsset(asset models.MediaAsset) (*models.MediaAsset, error) {
	row := s.db.QueryRow(`
		INSERT INTO media_assets (media_sid, content_type, file_size, file_hash, storage_key, storage_url, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, media_sid, content_type, file_size, file_hash, storage_key, storage_url, description, forwarded_count, created_at`,
		asset.MediaSID, asset.ContentType, asset.FileSize, asset.FileHash, asset.StorageKey, asset.StorageURL, asset.Description)
	a, err := scanMediaRow(row)
	if err != nil {
		slog.Error("PostgresStore SaveMediaAsset failed", "error", err, "fileHash", asset.FileHash)
		return nil, fmt.Errorf("failed to insert media asset: %w", err)
	}
	slog.Debug("PostgresStore SaveMediaAsset succeeded", "mediaID", a.ID, "fileHash", a.FileHash)
	return a, nil
}

// AssociateMediaWithMessage links a media asset to a message. Re-linking the
// same pair is a no-op.
func (s *PostgresStore) AssociateMediaWithMessage(messageID, mediaID int64) error {
	_, err := s.db.Exec(`
		INSERT INTO message_media (message_id, media_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, messageID, mediaID)
	if err != nil {
		slog.Error("PostgresStore AssociateMediaWithMessage failed", "error", err, "messageID", messageID, "mediaID", mediaID)
		return fmt.Errorf("failed to associate media %d with message %d: %w", mediaID, messageID, err)
	}
	return nil
}

// IncrementForwardedCount bumps the referencing-message counter on a known asset.
func (s *PostgresStore) IncrementForwardedCount(mediaID int64) error {
	_, err := s.db.Exec(`UPDATE media_assets SET forwarded_count = forwarded_count + 1 WHERE id = $1`, mediaID)
	if err != nil {
		slog.Error("PostgresStore IncrementForwardedCount failed", "error", err, "mediaID", mediaID)
		return fmt.Errorf("failed to increment forwarded count for media %d: %w", mediaID, err)
	}
	return nil
}

// SaveMemoryRecord mirrors an externally-stored memory locally.
func (s *PostgresStore) SaveMemoryRecord(userID int64, rawMessageID *int64, externalID, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_records (user_id, raw_message_id, external_id, text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (external_id) DO UPDATE SET text = EXCLUDED.text, updated_at = NOW()`,
		userID, rawMessageID, externalID, text)
	if err != nil {
		slog.Error("PostgresStore SaveMemoryRecord failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to save memory record %s: %w", externalID, err)
	}
	slog.Debug("PostgresStore SaveMemoryRecord succeeded", "externalID", externalID, "userID", userID)
	return nil
}

// UpdateMemoryRecordByExternalID overwrites the text of a mirrored memory.
func (s *PostgresStore) UpdateMemoryRecordByExternalID(externalID, text string) error {
	_, err := s.db.Exec(`UPDATE memory_records SET text = $1, updated_at = NOW() WHERE external_id = $2`, text, externalID)
	if err != nil {
		slog.Error("PostgresStore UpdateMemoryRecordByExternalID failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to update memory record %s: %w", externalID, err)
	}
	return nil
}

// DeleteMemoryRecordByExternalID removes a mirrored memory.
func (s *PostgresStore) DeleteMemoryRecordByExternalID(externalID string) error {
	_, err := s.db.Exec(`DELETE FROM memory_records WHERE external_id = $1`, externalID)
	if err != nil {
		slog.Error("PostgresStore DeleteMemoryRecordByExternalID failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to delete memory record %s: %w", externalID, err)
	}
	return nil
}

// ListMemoriesByUser returns all mirrored memories for a user, newest first.
func (s *PostgresStore) ListMemoriesByUser(userID int64) ([]models.MemoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, raw_message_id, external_id, text, created_at, updated_at
		FROM memory_records WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListMemoriesByUser query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query memory records: %w", err)
	}
	defer rows.Close()
	var records []models.MemoryRecord
	for rows.Next() {
		r, err := scanMemoryRecord(rows)
		if err != nil {
			slog.Error("PostgresStore ListMemoriesByUser scan failed", "error", err)
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate memory record rows: %w", err)
	}
	return records, nil
}

// SaveInteraction appends a processed conversational turn.
func (s *PostgresStore) SaveInteraction(interaction models.Interaction) (*models.Interaction, error) {
	sourcesJSON, err := marshalSources(interaction.Sources)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		INSERT INTO interactions (user_id, raw_message_id, user_message, bot_response, interaction_type, sources)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at`,
		interaction.UserID, interaction.RawMessageID, interaction.UserMessage, interaction.BotResponse,
		defaultInteractionType(interaction.InteractionType), sourcesJSON)
	saved, err := scanInteractionRow(row)
	if err != nil {
		slog.Error("PostgresStore SaveInteraction failed", "error", err, "rawMessageID", interaction.RawMessageID)
		return nil, fmt.Errorf("failed to insert interaction for message %d: %w", interaction.RawMessageID, err)
	}
	slog.Debug("PostgresStore SaveInteraction succeeded", "interactionID", saved.ID, "rawMessageID", interaction.RawMessageID)
	return saved, nil
}

// GetInteractionByMessageID returns the interaction recorded for an inbound message.
func (s *PostgresStore) GetInteractionByMessageID(rawMessageID int64) (*models.Interaction, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at
		FROM interactions WHERE raw_message_id = $1`, rawMessageID)
	i, err := scanInteractionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetInteractionByMessageID failed", "error", err, "rawMessageID", rawMessageID)
		return nil, fmt.Errorf("failed to query interaction for message %d: %w", rawMessageID, err)
	}
	return i, nil
}

// ListInteractionsByUser returns up to limit interactions, newest first.
func (s *PostgresStore) ListInteractionsByUser(userID int64, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = DefaultInteractionLimit
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at
		FROM interactions WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, userID, limit)
	if err != nil {
		slog.Error("PostgresStore ListInteractionsByUser query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()
	var interactions []models.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			slog.Error("PostgresStore ListInteractionsByUser scan failed", "error", err)
			return nil, err
		}
		interactions = append(interactions, i)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate interaction rows: %w", err)
	}
	return interactions, nil
}

// AnalyticsSummary aggregates row counts across the main tables.
func (s *PostgresStore) AnalyticsSummary() (*models.AnalyticsSummary, error) {
	var summary models.AnalyticsSummary
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM interactions),
			(SELECT COUNT(*) FROM memory_records),
			(SELECT COUNT(*) FROM media_assets)`)
	if err := row.Scan(&summary.Users, &summary.Messages, &summary.Interactions, &summary.Memories, &summary.MediaAssets); err != nil {
		slog.Error("PostgresStore AnalyticsSummary failed", "error", err)
		return nil, fmt.Errorf("failed to aggregate analytics: %w", err)
	}
	return &summary, nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres store")
	return s.db.Close()
}
