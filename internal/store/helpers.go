package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/whatsy/whatsy/internal/models"
)

// DefaultInteractionLimit bounds interaction listings when no limit is given.
const DefaultInteractionLimit = 50

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// defaultInteractionType fills in the conversation type when unset.
func defaultInteractionType(t string) string {
	if t == "" {
		return models.InteractionTypeConversation
	}
	return t
}

// marshalSources encodes the retrieved-memory ID list as JSON, nil when empty.
func marshalSources(sources []string) (interface{}, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal interaction sources: %w", err)
	}
	return string(b), nil
}

// scanUserRow scans a User from a single sql.Row.
func scanUserRow(row *sql.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.WhatsAppID, &u.PhoneNumber, &u.ProfileName, &u.Timezone, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// scanMessageRow scans an InboundMessage from a single sql.Row.
func scanMessageRow(row *sql.Row) (*models.InboundMessage, error) {
	var m models.InboundMessage
	var rawData sql.NullString
	err := row.Scan(&m.ID, &m.UserID, &m.MessageSID, &m.Body, &m.MessageType,
		&m.FromNumber, &m.ToNumber, &m.NumMedia, &rawData, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	m.RawData = rawData.String
	return &m, nil
}

// scanMediaRow scans a MediaAsset from a single sql.Row.
func scanMediaRow(row *sql.Row) (*models.MediaAsset, error) {
	var a models.MediaAsset
	err := row.Scan(&a.ID, &a.MediaSID, &a.ContentType, &a.FileSize, &a.FileHash,
		&a.StorageKey, &a.StorageURL, &a.Description, &a.ForwardedCount, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// scanMemoryRecord scans a MemoryRecord from sql.Rows.
func scanMemoryRecord(rows *sql.Rows) (models.MemoryRecord, error) {
	var r models.MemoryRecord
	var rawMessageID sql.NullInt64
	err := rows.Scan(&r.ID, &r.UserID, &rawMessageID, &r.ExternalID, &r.Text, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, fmt.Errorf("scan memory record failed: %w", err)
	}
	if rawMessageID.Valid {
		r.RawMessageID = &rawMessageID.Int64
	}
	return r, nil
}

// scanInteractionRow scans an Interaction from a single sql.Row.
func scanInteractionRow(row *sql.Row) (*models.Interaction, error) {
	var i models.Interaction
	var sources sql.NullString
	err := row.Scan(&i.ID, &i.UserID, &i.RawMessageID, &i.UserMessage, &i.BotResponse,
		&i.InteractionType, &sources, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalSources(sources, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// scanInteraction scans an Interaction from sql.Rows.
func scanInteraction(rows *sql.Rows) (models.Interaction, error) {
	var i models.Interaction
	var sources sql.NullString
	err := rows.Scan(&i.ID, &i.UserID, &i.RawMessageID, &i.UserMessage, &i.BotResponse,
		&i.InteractionType, &sources, &i.CreatedAt)
	if err != nil {
		return i, fmt.Errorf("scan interaction failed: %w", err)
	}
	if err := unmarshalSources(sources, &i); err != nil {
		return i, err
	}
	return i, nil
}

func unmarshalSources(sources sql.NullString, i *models.Interaction) error {
	if !sources.Valid || sources.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(sources.String), &i.Sources); err != nil {
		return fmt.Errorf("failed to unmarshal interaction sources: %w", err)
	}
	return nil
}
