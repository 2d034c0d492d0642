// Package models defines the core data structures for Whatsy.
//
// It includes the persisted rows (users, inbound messages, media assets,
// memory records, interactions), the inbound webhook payload, and the API
// envelopes shared across modules.
package models

import (
	"errors"
	"strconv"
	"time"
)

// Validation constants for webhook payloads.
const (
	// MaxBodyLength defines the maximum accepted length for a message body.
	MaxBodyLength = 4096
	// MaxMediaPerMessage caps the number of media attachments per message.
	MaxMediaPerMessage = 10
)

// Error variables for better error handling and testability
var (
	ErrMissingMessageSID = errors.New("message SID is required")
	ErrMissingSender     = errors.New("sender is required")
	ErrBodyTooLong       = errors.New("message body exceeds maximum length")
	ErrTooManyMedia      = errors.New("too many media attachments")
)

// User represents a WhatsApp user, created lazily on first contact.
type User struct {
	ID          int64     `json:"id"`
	WhatsAppID  string    `json:"whatsapp_id"`
	PhoneNumber string    `json:"phone_number"`
	ProfileName string    `json:"profile_name,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InboundMessage is a raw provider message, stored once per message SID.
type InboundMessage struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	MessageSID  string    `json:"message_sid"`
	Body        string    `json:"body,omitempty"`
	MessageType string    `json:"message_type"`
	FromNumber  string    `json:"from_number"`
	ToNumber    string    `json:"to_number"`
	NumMedia    int       `json:"num_media"`
	RawData     string    `json:"raw_data,omitempty"` // original webhook payload as JSON
	CreatedAt   time.Time `json:"created_at"`
}

// MediaAsset is a content-addressed media file. A physical asset downloaded
// once can be referenced by multiple messages; re-delivery of a known hash
// increments ForwardedCount instead of creating a new row.
type MediaAsset struct {
	ID             int64     `json:"id"`
	MediaSID       string    `json:"media_sid,omitempty"`
	ContentType    string    `json:"content_type"`
	FileSize       int64     `json:"file_size"`
	FileHash       string    `json:"file_hash"`
	StorageKey     string    `json:"storage_key"`
	StorageURL     string    `json:"storage_url,omitempty"`
	Description    string    `json:"description,omitempty"`
	ForwardedCount int       `json:"forwarded_count"`
	CreatedAt      time.Time `json:"created_at"`
}

// MemoryRecord mirrors a fact held in the external memory store, keyed by
// the store's external ID. RawMessageID is nil for directly-authored
// memories that did not originate from an inbound message.
type MemoryRecord struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	RawMessageID *int64    `json:"raw_message_id,omitempty"`
	ExternalID   string    `json:"external_id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Interaction is one processed conversational turn. Append-only; a replayed
// message SID short-circuits to the stored BotResponse.
type Interaction struct {
	ID              int64     `json:"id"`
	UserID          int64     `json:"user_id"`
	RawMessageID    int64     `json:"raw_message_id"`
	UserMessage     string    `json:"user_message"`
	BotResponse     string    `json:"bot_response"`
	InteractionType string    `json:"interaction_type"`
	Sources         []string  `json:"sources,omitempty"` // external memory IDs consulted
	CreatedAt       time.Time `json:"created_at"`
}

// InteractionTypeConversation is the default interaction type.
const InteractionTypeConversation = "conversation"

// MediaItem pairs a provider media URL with its content type.
type MediaItem struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
}

// WebhookPayload is the parsed form-encoded inbound webhook.
type WebhookPayload struct {
	MessageSID  string            `json:"message_sid"`
	From        string            `json:"from"`
	To          string            `json:"to"`
	WhatsAppID  string            `json:"whatsapp_id,omitempty"`
	ProfileName string            `json:"profile_name,omitempty"`
	Body        string            `json:"body,omitempty"`
	MessageType string            `json:"message_type,omitempty"`
	NumMedia    int               `json:"num_media"`
	Media       []MediaItem       `json:"media,omitempty"`
	Raw         map[string]string `json:"raw,omitempty"`
}

// ParseWebhookForm builds a WebhookPayload from flattened form values,
// collecting the indexed MediaUrlN/MediaContentTypeN pairs.
func ParseWebhookForm(form map[string]string) WebhookPayload {
	numMedia, _ := strconv.Atoi(form["NumMedia"])
	p := WebhookPayload{
		MessageSID:  form["MessageSid"],
		From:        form["From"],
		To:          form["To"],
		WhatsAppID:  form["WaId"],
		ProfileName: form["ProfileName"],
		Body:        form["Body"],
		MessageType: form["MessageType"],
		NumMedia:    numMedia,
		Raw:         form,
	}
	if p.MessageType == "" {
		p.MessageType = "text"
	}
	for i := 0; i < numMedia; i++ {
		url := form["MediaUrl"+strconv.Itoa(i)]
		if url == "" {
			continue
		}
		p.Media = append(p.Media, MediaItem{
			URL:         url,
			ContentType: form["MediaContentType"+strconv.Itoa(i)],
		})
	}
	return p
}

// Validate performs validation on an inbound webhook payload.
func (p *WebhookPayload) Validate() error {
	if p.MessageSID == "" {
		return ErrMissingMessageSID
	}
	if p.From == "" {
		return ErrMissingSender
	}
	if len(p.Body) > MaxBodyLength {
		return ErrBodyTooLong
	}
	if p.NumMedia > MaxMediaPerMessage {
		return ErrTooManyMedia
	}
	return nil
}

// AnalyticsSummary aggregates row counts for the analytics endpoint.
type AnalyticsSummary struct {
	Users        int64 `json:"users"`
	Messages     int64 `json:"messages"`
	Interactions int64 `json:"interactions"`
	Memories     int64 `json:"memories"`
	MediaAssets  int64 `json:"media_assets"`
}

// APIResponse is the standard JSON envelope for API endpoints.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// Error creates an error API response with the given message.
func Error(message string) APIResponse {
	return APIResponse{Status: "error", Message: message}
}
