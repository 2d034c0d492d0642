package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
	"github.com/whatsy/whatsy/internal/objstore"
	"github.com/whatsy/whatsy/internal/store"
	"github.com/whatsy/whatsy/internal/util"
)

// DefaultHistoryLimit bounds how many prior turns are fed to the orchestrator.
const DefaultHistoryLimit = 10

// SignedURLExpiry is how long generated media links stay valid.
const SignedURLExpiry = 7 * 24 * time.Hour

// MediaOnlyPlaceholder stands in for the body of a message that carried only
// an attachment.
const MediaOnlyPlaceholder = "User only sent a media attachment"

// Converser runs one conversational turn.
type Converser interface {
	Converse(ctx context.Context, req ConversationRequest) *ConversationResult
}

// MediaDescriber produces a short description of a media item.
type MediaDescriber interface {
	DescribeMedia(ctx context.Context, mediaURL, contentType string) (string, error)
}

// MediaDownloader fetches provider-hosted media to a local path.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, mediaURL, destPath string) error
}

// ObjectStorage persists media files and issues signed links.
type ObjectStorage interface {
	UploadFile(ctx context.Context, path, key, contentType string) error
	SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// CoordinatorOpts holds configuration options for the coordinator.
type CoordinatorOpts struct {
	ScratchDir   string
	HistoryLimit int
}

// CoordinatorOption defines a configuration option for the coordinator.
type CoordinatorOption func(*CoordinatorOpts)

// WithScratchDir sets the directory media is downloaded into.
func WithScratchDir(dir string) CoordinatorOption {
	return func(o *CoordinatorOpts) { o.ScratchDir = dir }
}

// WithHistoryLimit sets how many prior turns are included as context.
func WithHistoryLimit(n int) CoordinatorOption {
	return func(o *CoordinatorOpts) { o.HistoryLimit = n }
}

// Coordinator runs the ingest pipeline for one inbound webhook payload.
type Coordinator struct {
	store        store.Store
	converser    Converser
	describer    MediaDescriber
	downloader   MediaDownloader
	objStorage   ObjectStorage
	scratchDir   string
	historyLimit int
}

// NewCoordinator creates an ingest coordinator over the given dependencies.
// Downloader, describer and object storage may be nil when media handling is
// disabled; media items are then skipped with a warning.
func NewCoordinator(st store.Store, conv Converser, desc MediaDescriber, dl MediaDownloader, obj ObjectStorage, opts ...CoordinatorOption) *Coordinator {
	cfg := CoordinatorOpts{
		ScratchDir:   os.TempDir(),
		HistoryLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Coordinator{
		store:        st,
		converser:    conv,
		describer:    desc,
		downloader:   dl,
		objStorage:   obj,
		scratchDir:   cfg.ScratchDir,
		historyLimit: cfg.HistoryLimit,
	}
}

// ProcessPayload runs the full ingest pipeline for one webhook payload and
// returns the reply text. It is safe to call repeatedly with the same message
// SID: a fully processed message short-circuits to its stored reply.
func (c *Coordinator) ProcessPayload(ctx context.Context, payload models.WebhookPayload) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", fmt.Errorf("invalid webhook payload: %w", err)
	}

	phone := util.NormalizePhoneNumber(payload.From)
	whatsappID := payload.WhatsAppID
	if whatsappID == "" {
		whatsappID = phone
	}
	timezone := util.InferTimezone(phone)

	user, err := c.store.GetOrCreateUser(whatsappID, phone, payload.ProfileName, timezone)
	if err != nil {
		return "", fmt.Errorf("failed to resolve user: %w", err)
	}

	// Idempotency gate: a message that already produced an interaction is
	// done; redelivery returns the stored reply.
	existing, err := c.store.GetMessageBySID(payload.MessageSID)
	if err != nil {
		return "", fmt.Errorf("failed to check message %s: %w", payload.MessageSID, err)
	}
	if existing != nil {
		interaction, err := c.store.GetInteractionByMessageID(existing.ID)
		if err != nil {
			return "", fmt.Errorf("failed to check interaction for message %s: %w", payload.MessageSID, err)
		}
		if interaction != nil {
			slog.Info("Coordinator.ProcessPayload: replay of processed message", "messageSid", payload.MessageSID)
			return interaction.BotResponse, nil
		}
		slog.Info("Coordinator.ProcessPayload: resuming partially processed message", "messageSid", payload.MessageSID)
	}

	rawJSON := ""
	if len(payload.Raw) > 0 {
		if b, err := json.Marshal(payload.Raw); err == nil {
			rawJSON = string(b)
		}
	}
	msg, err := c.store.SaveInboundMessage(models.InboundMessage{
		UserID:      user.ID,
		MessageSID:  payload.MessageSID,
		Body:        payload.Body,
		MessageType: payload.MessageType,
		FromNumber:  phone,
		ToNumber:    util.NormalizePhoneNumber(payload.To),
		NumMedia:    payload.NumMedia,
		RawData:     rawJSON,
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist message %s: %w", payload.MessageSID, err)
	}

	mediaDescriptions, err := c.processMedia(ctx, msg, payload.Media)
	if err != nil {
		return "", err
	}

	query := payload.Body
	if query == "" && len(payload.Media) > 0 {
		query = MediaOnlyPlaceholder
	}

	history, err := c.loadHistory(user.ID)
	if err != nil {
		return "", err
	}

	result := c.converser.Converse(ctx, ConversationRequest{
		MemoryUserID:      user.WhatsAppID,
		Timezone:          user.Timezone,
		Query:             query,
		History:           history,
		MediaDescriptions: mediaDescriptions,
	})
	if result.Degraded {
		// No interaction is recorded for a degraded turn, so a later
		// redelivery gets a fresh attempt.
		slog.Warn("Coordinator.ProcessPayload: degraded reply", "messageSid", payload.MessageSID)
		return result.Reply, nil
	}

	if err := c.applyMemoryEvents(user.ID, msg.ID, result.MemoryEvents); err != nil {
		return "", err
	}

	var sources []string
	for _, m := range result.MemoriesRetrieved {
		sources = append(sources, m.ID)
	}
	if _, err := c.store.SaveInteraction(models.Interaction{
		UserID:       user.ID,
		RawMessageID: msg.ID,
		UserMessage:  query,
		BotResponse:  result.Reply,
		Sources:      sources,
	}); err != nil {
		return "", fmt.Errorf("failed to save interaction for message %s: %w", payload.MessageSID, err)
	}

	slog.Info("Coordinator.ProcessPayload: processed", "messageSid", payload.MessageSID,
		"userID", user.ID, "toolCalls", result.ToolCallsUsed, "media", len(payload.Media))
	return result.Reply, nil
}

// processMedia downloads, deduplicates and stores each attachment, returning
// the description lines fed to the orchestrator. The scratch directory is
// removed whether or not processing succeeds.
func (c *Coordinator) processMedia(ctx context.Context, msg *models.InboundMessage, items []models.MediaItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if c.downloader == nil || c.objStorage == nil {
		slog.Warn("Coordinator.processMedia: media handling not configured, skipping", "messageSid", msg.MessageSID, "items", len(items))
		return nil, nil
	}

	scratch := filepath.Join(c.scratchDir, "whatsy-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	var descriptions []string
	for i, item := range items {
		desc, err := c.processMediaItem(ctx, msg, scratch, i, item)
		if err != nil {
			return nil, err
		}
		if desc != "" {
			descriptions = append(descriptions, desc)
		}
	}
	return descriptions, nil
}

func (c *Coordinator) processMediaItem(ctx context.Context, msg *models.InboundMessage, scratch string, idx int, item models.MediaItem) (string, error) {
	dest := filepath.Join(scratch, fmt.Sprintf("media_%d", idx))
	if err := c.downloader.DownloadMedia(ctx, item.URL, dest); err != nil {
		return "", fmt.Errorf("failed to download media %d: %w", idx, err)
	}
	hash, err := objstore.HashFile(dest)
	if err != nil {
		return "", fmt.Errorf("failed to hash media %d: %w", idx, err)
	}

	known, err := c.store.GetMediaByHash(hash)
	if err != nil {
		return "", err
	}
	if known != nil {
		if err := c.store.AssociateMediaWithMessage(msg.ID, known.ID); err != nil {
			return "", err
		}
		if err := c.store.IncrementForwardedCount(known.ID); err != nil {
			return "", err
		}
		slog.Debug("Coordinator.processMediaItem: known media reused", "fileHash", hash, "mediaID", known.ID)
		return known.Description, nil
	}

	size, err := objstore.FileSize(dest)
	if err != nil {
		return "", fmt.Errorf("failed to stat media %d: %w", idx, err)
	}
	key := "media/" + hash + extensionFor(item.ContentType)
	if err := c.objStorage.UploadFile(ctx, dest, key, item.ContentType); err != nil {
		return "", fmt.Errorf("failed to upload media %d: %w", idx, err)
	}
	signedURL, err := c.objStorage.SignedURL(ctx, key, SignedURLExpiry)
	if err != nil {
		return "", fmt.Errorf("failed to sign media URL %d: %w", idx, err)
	}

	description := ""
	if c.describer != nil {
		description, err = c.describer.DescribeMedia(ctx, signedURL, item.ContentType)
		if err != nil {
			// A missing description degrades the prompt, not the task.
			slog.Warn("Coordinator.processMediaItem: description failed", "error", err, "fileHash", hash)
			description = ""
		}
	}

	asset, err := c.store.SaveMediaAsset(models.MediaAsset{
		ContentType: item.ContentType,
		FileSize:    size,
		FileHash:    hash,
		StorageKey:  key,
		StorageURL:  signedURL,
		Description: description,
	})
	if err != nil {
		return "", err
	}
	if err := c.store.AssociateMediaWithMessage(msg.ID, asset.ID); err != nil {
		return "", err
	}
	slog.Debug("Coordinator.processMediaItem: new media stored", "fileHash", hash, "mediaID", asset.ID, "key", key)
	return description, nil
}

// loadHistory returns prior turns in chronological order.
func (c *Coordinator) loadHistory(userID int64) ([]HistoryEntry, error) {
	interactions, err := c.store.ListInteractionsByUser(userID, c.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]HistoryEntry, 0, len(interactions))
	for i := len(interactions) - 1; i >= 0; i-- {
		history = append(history, HistoryEntry{
			UserMessage: interactions[i].UserMessage,
			BotResponse: interactions[i].BotResponse,
		})
	}
	return history, nil
}

// applyMemoryEvents mirrors the service's mutations locally, in service order.
func (c *Coordinator) applyMemoryEvents(userID, rawMessageID int64, events []memory.Event) error {
	for _, e := range events {
		var err error
		switch e.Event {
		case memory.EventAdd:
			err = c.store.SaveMemoryRecord(userID, &rawMessageID, e.ID, e.Text)
		case memory.EventUpdate:
			err = c.store.UpdateMemoryRecordByExternalID(e.ID, e.Text)
		case memory.EventDelete:
			err = c.store.DeleteMemoryRecordByExternalID(e.ID)
		default:
			slog.Warn("Coordinator.applyMemoryEvents: unknown event", "event", e.Event, "externalID", e.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to apply memory event %s/%s: %w", e.Event, e.ID, err)
		}
	}
	return nil
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
