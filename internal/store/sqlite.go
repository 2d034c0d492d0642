// Package store provides storage backends for Whatsy.
//
// This file implements the SQLite-backed store used for single-node and
// development deployments.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
	"github.com/whatsy/whatsy/internal/models"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store based on provided options.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("SQLiteStore.NewSQLiteStore: creating SQLite store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err, "dsn", dsn)
		return nil, err
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		slog.Error("Failed to enable foreign keys", "error", err)
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	slog.Debug("Running SQLite migrations", "dsn", dsn)
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "dsn", dsn, "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "dsn", dsn)
	return &SQLiteStore{db: db}, nil
}

// GetOrCreateUser resolves a user by WhatsApp ID, inserting the row on first contact.
func (s *SQLiteStore) GetOrCreateUser(whatsappID, phoneNumber, profileName, timezone string) (*models.User, error) {
	_, err := s.db.Exec(`
		INSERT INTO users (whatsapp_id, phone_number, profile_name, timezone)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (whatsapp_id) DO UPDATE SET
			profile_name = CASE WHEN excluded.profile_name <> '' THEN excluded.profile_name ELSE users.profile_name END,
			updated_at = CURRENT_TIMESTAMP`,
		whatsappID, phoneNumber, profileName, timezone)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateUser failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to upsert user %s: %w", whatsappID, err)
	}
	row := s.db.QueryRow(`
		SELECT id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at
		FROM users WHERE whatsapp_id = ?`, whatsappID)
	u, err := scanUserRow(row)
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateUser readback failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to read back user %s: %w", whatsappID, err)
	}
	slog.Debug("SQLiteStore GetOrCreateUser succeeded", "userID", u.ID, "whatsappID", whatsappID)
	return u, nil
}

// GetUserByWhatsAppID looks up a user by WhatsApp ID without creating one.
func (s *SQLiteStore) GetUserByWhatsAppID(whatsappID string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at
		FROM users WHERE whatsapp_id = ?`, whatsappID)
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByWhatsAppID failed", "error", err, "whatsappID", whatsappID)
		return nil, fmt.Errorf("failed to query user %s: %w", whatsappID, err)
	}
	return u, nil
}

// GetUserByPhoneNumber looks up a user by normalized phone number.
func (s *SQLiteStore) GetUserByPhoneNumber(phoneNumber string) (*models.User, error) {
	row := s.db.QueryRow(`
		SELECT id, whatsapp_id, phone_number, profile_name, timezone, created_at, updated_at
		FROM users WHERE phone_number = ?`, phoneNumber)
	u, err := scanUserRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetUserByPhoneNumber failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query user by phone: %w", err)
	}
	return u, nil
}

// GetMessageBySID looks up an inbound message by provider message SID.
func (s *SQLiteStore) GetMessageBySID(messageSID string) (*models.InboundMessage, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, message_sid, body, message_type, from_number, to_number, num_media, raw_data, created_at
		FROM messages WHERE message_sid = ?`, messageSID)
	m, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetMessageBySID failed", "error", err, "messageSid", messageSID)
		return nil, fmt.Errorf("failed to query message %s: %w", messageSID, err)
	}
	return m, nil
}

// SaveInboundMessage persists an inbound message keyed by its SID.
func (s *SQLiteStore) SaveInboundMessage(msg models.InboundMessage) (*models.InboundMessage, error) {
	_, err := s.db.Exec(`
		INSERT INTO messages (user_id, message_sid, body, message_type, from_number, to_number, num_media, raw_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_sid) DO NOTHING`,
		msg.UserID, msg.MessageSID, msg.Body, msg.MessageType, msg.FromNumber, msg.ToNumber, msg.NumMedia, nilIfEmpty(msg.RawData))
	if err != nil {
		slog.Error("SQLiteStore SaveInboundMessage failed", "error", err, "messageSid", msg.MessageSID)
		return nil, fmt.Errorf("failed to insert message %s: %w", msg.MessageSID, err)
	}
	saved, err := s.GetMessageBySID(msg.MessageSID)
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, fmt.Errorf("message %s missing after insert", msg.MessageSID)
	}
	slog.Debug("SQLiteStore SaveInboundMessage succeeded", "messageID", saved.ID, "messageSid", msg.MessageSID)
	return saved, nil
}

// GetMediaByHash looks up a media asset by content hash.
func (s *SQLiteStore) GetMediaByHash(fileHash string) (*models.MediaAsset, error) {
	row := s.db.QueryRow(`
		SELECT id, media_sid, content_type, file_size, file_hash, storage_key, storage_url, description, forwarded_count, created_at
		FROM media_assets WHERE file_hash = ?`, fileHash)
	a, err := scanMediaRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetMediaByHash failed", "error", err, "fileHash", fileHash)
		return nil, fmt.Errorf("failed to query media by hash: %w", err)
	}
	return a, nil
}

// SaveMediaAsset persists a new media asset and returns it with its ID.
func (s *SQLiteStore) SaveMediaAsset(asset models.MediaAsset) (*models.MediaAsset, error) {
	res, err := s.db.Exec(`
		INSERT INTO media_assets (media_sid, content_type, file_size, file_hash, storage_key, storage_url, description)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		asset.MediaSID, asset.ContentType, asset.FileSize, asset.FileHash, asset.StorageKey, asset.StorageURL, asset.Description)
	if err != nil {
		slog.Error("SQLiteStore SaveMediaAsset failed", "error", err, "fileHash", asset.FileHash)
		return nil, fmt.Errorf("failed to insert media asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get media asset id: %w", err)
	}
	row := s.db.QueryRow(`
		SELECT id, media_sid, content_type, file_size, file_hash, storage_key, storage_url, description, forwarded_count, created_at
		FROM media_assets WHERE id = ?`, id)
	a, err := scanMediaRow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read back media asset %d: %w", id, err)
	}
	slog.Debug("SQLiteStore SaveMediaAsset succeeded", "mediaID", a.ID, "fileHash", a.FileHash)
	return a, nil
}

// AssociateMediaWithMessage links a media asset to a message.
func (s *SQLiteStore) AssociateMediaWithMessage(messageID, mediaID int64) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO message_media (message_id, media_id) VALUES (?, ?)`, messageID, mediaID)
	if err != nil {
		slog.Error("SQLiteStore AssociateMediaWithMessage failed", "error", err, "messageID", messageID, "mediaID", mediaID)
		return fmt.Errorf("failed to associate media %d with message %d: %w", mediaID, messageID, err)
	}
	return nil
}

// IncrementForwardedCount bumps the referencing-message counter on a known asset.
func (s *SQLiteStore) IncrementForwardedCount(mediaID int64) error {
	_, err := s.db.Exec(`UPDATE media_assets SET forwarded_count = forwarded_count + 1 WHERE id = ?`, mediaID)
	if err != nil {
		slog.Error("SQLiteStore IncrementForwardedCount failed", "error", err, "mediaID", mediaID)
		return fmt.Errorf("failed to increment forwarded count for media %d: %w", mediaID, err)
	}
	return nil
}

// SaveMemoryRecord mirrors an externally-stored memory locally.
func (s *SQLiteStore) SaveMemoryRecord(userID int64, rawMessageID *int64, externalID, text string) error {
	_, err := s.db.Exec(`
		INSERT INTO memory_records (user_id, raw_message_id, external_id, text)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET text = excluded.text, updated_at = CURRENT_TIMESTAMP`,
		userID, rawMessageID, externalID, text)
	if err != nil {
		slog.Error("SQLiteStore SaveMemoryRecord failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to save memory record %s: %w", externalID, err)
	}
	slog.Debug("SQLiteStore SaveMemoryRecord succeeded", "externalID", externalID, "userID", userID)
	return nil
}

// UpdateMemoryRecordByExternalID overwrites the text of a mirrored memory.
func (s *SQLiteStore) UpdateMemoryRecordByExternalID(externalID, text string) error {
	_, err := s.db.Exec(`UPDATE memory_records SET text = ?, updated_at = CURRENT_TIMESTAMP WHERE external_id = ?`, text, externalID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMemoryRecordByExternalID failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to update memory record %s: %w", externalID, err)
	}
	return nil
}

// DeleteMemoryRecordByExternalID removes a mirrored memory.
func (s *SQLiteStore) DeleteMemoryRecordByExternalID(externalID string) error {
	_, err := s.db.Exec(`DELETE FROM memory_records WHERE external_id = ?`, externalID)
	if err != nil {
		slog.Error("SQLiteStore DeleteMemoryRecordByExternalID failed", "error", err, "externalID", externalID)
		return fmt.Errorf("failed to delete memory record %s: %w", externalID, err)
	}
	return nil
}

// ListMemoriesByUser returns all mirrored memories for a user, newest first.
func (s *SQLiteStore) ListMemoriesByUser(userID int64) ([]models.MemoryRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, raw_message_id, external_id, text, created_at, updated_at
		FROM memory_records WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListMemoriesByUser query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query memory records: %w", err)
	}
	defer rows.Close()
	var records []models.MemoryRecord
	for rows.Next() {
		r, err := scanMemoryRecord(rows)
		if err != nil {
			slog.Error("SQLiteStore ListMemoriesByUser scan failed", "error", err)
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
func (s *SQLiteStore) SaveInteraction(interaction models.Interaction) (*models.Interaction, error) {
	sourcesJSON, err := marshalSources(interaction.Sources)
	if err != nil {
		return nil, err
	}
	res, err := s.db.Exec(`
		INSERT INTO interactions (user_id, raw_message_id, user_message, bot_response, interaction_type, sources)
		VALUES (?, ?, ?, ?, ?, ?)`,
		interaction.UserID, interaction.RawMessageID, interaction.UserMessage, interaction.BotResponse,
		defaultInteractionType(interaction.InteractionType), sourcesJSON)
	if err != nil {
		slog.Error("SQLiteStore SaveInteraction failed", "error", err, "rawMessageID", interaction.RawMessageID)
		return nil, fmt.Errorf("failed to insert interaction for message %d: %w", interaction.RawMessageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get interaction id: %w", err)
	}
	row := s.db.QueryRow(`
		SELECT id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at
		FROM interactions WHERE id = ?`, id)
	saved, err := scanInteractionRow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read back interaction %d: %w", id, err)
	}
	slog.Debug("SQLiteStore SaveInteraction succeeded", "interactionID", saved.ID, "rawMessageID", interaction.RawMessageID)
	return saved, nil
}

// GetInteractionByMessageID returns the interaction recorded for an inbound message.
func (s *SQLiteStore) GetInteractionByMessageID(rawMessageID int64) (*models.Interaction, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at
		FROM interactions WHERE raw_message_id = ?`, rawMessageID)
	i, err := scanInteractionRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetInteractionByMessageID failed", "error", err, "rawMessageID", rawMessageID)
		return nil, fmt.Errorf("failed to query interaction for message %d: %w", rawMessageID, err)
	}
	return i, nil
}

// ListInteractionsByUser returns up to limit interactions, newest first.
func (s *SQLiteStore) ListInteractionsByUser(userID int64, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = DefaultInteractionLimit
	}
	rows, err := s.db.Query(`
		SELECT id, user_id, raw_message_id, user_message, bot_response, interaction_type, sources, created_at
		FROM interactions WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		slog.Error("SQLiteStore ListInteractionsByUser query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query interactions: %w", err)
	}
	defer rows.Close()
	var interactions []models.Interaction
	for rows.Next() {
		i, err := scanInteraction(rows)
		if err != nil {
			slog.Error("SQLiteStore ListInteractionsByUser scan failed", "error", err)
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
func (s *SQLiteStore) AnalyticsSummary() (*models.AnalyticsSummary, error) {
	var summary models.AnalyticsSummary
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM interactions),
			(SELECT COUNT(*) FROM memory_records),
			(SELECT COUNT(*) FROM media_assets)`)
	if err := row.Scan(&summary.Users, &summary.Messages, &summary.Interactions, &summary.Memories, &summary.MediaAssets); err != nil {
		slog.Error("SQLiteStore AnalyticsSummary failed", "error", err)
		return nil, fmt.Errorf("failed to aggregate analytics: %w", err)
	}
	return &summary, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite store")
	return s.db.Close()
}
