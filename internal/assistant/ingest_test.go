package assistant

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
)

// memStore is an in-memory store.Store that records mutation order.
type memStore struct {
	users        map[string]*models.User
	messages     map[string]*models.InboundMessage
	media        map[string]*models.MediaAsset
	memories     map[string]*models.MemoryRecord
	interactions map[int64]*models.Interaction
	nextID       int64
	opLog        []string
}

func newMemStore() *memStore {
	return &memStore{
		users:        map[string]*models.User{},
		messages:     map[string]*models.InboundMessage{},
		media:        map[string]*models.MediaAsset{},
		memories:     map[string]*models.MemoryRecord{},
		interactions: map[int64]*models.Interaction{},
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) GetOrCreateUser(whatsappID, phoneNumber, profileName, timezone string) (*models.User, error) {
	if u, ok := s.users[whatsappID]; ok {
		return u, nil
	}
	u := &models.User{ID: s.id(), WhatsAppID: whatsappID, PhoneNumber: phoneNumber, ProfileName: profileName, Timezone: timezone}
	s.users[whatsappID] = u
	return u, nil
}

func (s *memStore) GetUserByWhatsAppID(whatsappID string) (*models.User, error) {
	if u, ok := s.users[whatsappID]; ok {
		return u, nil
	}
	return nil, nil
}

func (s *memStore) GetUserByPhoneNumber(phone string) (*models.User, error) {
	for _, u := range s.users {
		if u.PhoneNumber == phone {
			return u, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetMessageBySID(sid string) (*models.InboundMessage, error) {
	return s.messages[sid], nil
}

func (s *memStore) SaveInboundMessage(msg models.InboundMessage) (*models.InboundMessage, error) {
	if existing, ok := s.messages[msg.MessageSID]; ok {
		return existing, nil
	}
	msg.ID = s.id()
	s.messages[msg.MessageSID] = &msg
	return &msg, nil
}

func (s *memStore) GetMediaByHash(hash string) (*models.MediaAsset, error) {
	return s.media[hash], nil
}

func (s *memStore) SaveMediaAsset(asset models.MediaAsset) (*models.MediaAsset, error) {
	asset.ID = s.id()
	asset.ForwardedCount = 1
	s.media[asset.FileHash] = &asset
	s.opLog = append(s.opLog, "save-media:"+asset.FileHash)
	return &asset, nil
}

func (s *memStore) AssociateMediaWithMessage(messageID, mediaID int64) error {
	s.opLog = append(s.opLog, fmt.Sprintf("associate:%d", mediaID))
	return nil
}

func (s *memStore) IncrementForwardedCount(mediaID int64) error {
	for _, a := range s.media {
		if a.ID == mediaID {
			a.ForwardedCount++
		}
	}
	s.opLog = append(s.opLog, fmt.Sprintf("increment:%d", mediaID))
	return nil
}

func (s *memStore) SaveMemoryRecord(userID int64, rawMessageID *int64, externalID, text string) error {
	s.memories[externalID] = &models.MemoryRecord{ID: s.id(), UserID: userID, RawMessageID: rawMessageID, ExternalID: externalID, Text: text}
	s.opLog = append(s.opLog, "mem-add:"+externalID)
	return nil
}

func (s *memStore) UpdateMemoryRecordByExternalID(externalID, text string) error {
	if r, ok := s.memories[externalID]; ok {
		r.Text = text
	}
	s.opLog = append(s.opLog, "mem-update:"+externalID)
	return nil
}

func (s *memStore) DeleteMemoryRecordByExternalID(externalID string) error {
	delete(s.memories, externalID)
	s.opLog = append(s.opLog, "mem-delete:"+externalID)
	return nil
}

func (s *memStore) ListMemoriesByUser(userID int64) ([]models.MemoryRecord, error) {
	var out []models.MemoryRecord
	for _, r := range s.memories {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) SaveInteraction(i models.Interaction) (*models.Interaction, error) {
	i.ID = s.id()
	if i.InteractionType == "" {
		i.InteractionType = models.InteractionTypeConversation
	}
	s.interactions[i.RawMessageID] = &i
	s.opLog = append(s.opLog, "interaction")
	return &i, nil
}

func (s *memStore) GetInteractionByMessageID(rawMessageID int64) (*models.Interaction, error) {
	return s.interactions[rawMessageID], nil
}

func (s *memStore) ListInteractionsByUser(userID int64, limit int) ([]models.Interaction, error) {
	var out []models.Interaction
	for _, i := range s.interactions {
		if i.UserID == userID {
			out = append(out, *i)
		}
	}
	// Newest first by ID.
	for a := 0; a < len(out); a++ {
		for b := a + 1; b < len(out); b++ {
			if out[b].ID > out[a].ID {
				out[a], out[b] = out[b], out[a]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AnalyticsSummary() (*models.AnalyticsSummary, error) {
	return &models.AnalyticsSummary{}, nil
}

func (s *memStore) Close() error { return nil }

// mockConverser records the request and returns a canned result.
type mockConverser struct {
	result *ConversationResult
	got    *ConversationRequest
	calls  int
}

func (m *mockConverser) Converse(ctx context.Context, req ConversationRequest) *ConversationResult {
	m.calls++
	m.got = &req
	return m.result
}

// mockDownloader writes fixed bytes per URL.
type mockDownloader struct {
	content map[string][]byte
}

func (m *mockDownloader) DownloadMedia(ctx context.Context, mediaURL, destPath string) error {
	data, ok := m.content[mediaURL]
	if !ok {
		return fmt.Errorf("unknown media URL %s", mediaURL)
	}
	return os.WriteFile(destPath, data, 0o600)
}

// mockObjStorage records uploads.
type mockObjStorage struct {
	uploads []string
}

func (m *mockObjStorage) UploadFile(ctx context.Context, path, key, contentType string) error {
	m.uploads = append(m.uploads, key)
	return nil
}

func (m *mockObjStorage) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	return "https://signed.example.com/" + key, nil
}

type mockDescriber struct{ text string }

func (m *mockDescriber) DescribeMedia(ctx context.Context, mediaURL, contentType string) (string, error) {
	return m.text, nil
}

func textPayload(sid, body string) models.WebhookPayload {
	return models.WebhookPayload{
		MessageSID:  sid,
		From:        "whatsapp:+14155550100",
		To:          "whatsapp:+14155550999",
		WhatsAppID:  "14155550100",
		ProfileName: "Alice",
		Body:        body,
		MessageType: "text",
	}
}

func TestProcessPayloadHappyPath(t *testing.T) {
	st := newMemStore()
	conv := &mockConverser{result: &ConversationResult{
		Reply: "Noted!",
		MemoryEvents: []memory.Event{
			{ID: "m1", Text: "Likes tea", Event: memory.EventAdd},
			{ID: "m0", Text: "Old fact", Event: memory.EventUpdate},
			{ID: "m9", Event: memory.EventDelete},
		},
		MemoriesRetrieved: []memory.Memory{{ID: "m0"}},
	}}
	c := NewCoordinator(st, conv, nil, nil, nil, WithScratchDir(t.TempDir()))

	reply, err := c.ProcessPayload(context.Background(), textPayload("SM1", "I like tea"))
	if err != nil {
		t.Fatalf("ProcessPayload failed: %v", err)
	}
	if reply != "Noted!" {
		t.Errorf("reply = %q", reply)
	}

	// Deltas applied in service order, then the interaction recorded.
	want := []string{"mem-add:m1", "mem-update:m0", "mem-delete:m9", "interaction"}
	if len(st.opLog) != len(want) {
		t.Fatalf("opLog = %v", st.opLog)
	}
	for i := range want {
		if st.opLog[i] != want[i] {
			t.Fatalf("opLog[%d] = %q, want %q (full: %v)", i, st.opLog[i], want[i], st.opLog)
		}
	}

	msg := st.messages["SM1"]
	if msg == nil {
		t.Fatal("message not persisted")
	}
	interaction := st.interactions[msg.ID]
	if interaction == nil {
		t.Fatal("interaction not persisted")
	}
	if len(interaction.Sources) != 1 || interaction.Sources[0] != "m0" {
		t.Errorf("sources = %v", interaction.Sources)
	}
	if added := st.memories["m1"]; added == nil || added.RawMessageID == nil || *added.RawMessageID != msg.ID {
		t.Errorf("added memory not linked to message: %+v", added)
	}
}

func TestProcessPayloadIdempotentReplay(t *testing.T) {
	st := newMemStore()
	conv := &mockConverser{result: &ConversationResult{Reply: "first answer"}}
	c := NewCoordinator(st, conv, nil, nil, nil, WithScratchDir(t.TempDir()))

	first, err := c.ProcessPayload(context.Background(), textPayload("SM2", "hello"))
	if err != nil {
		t.Fatalf("first ProcessPayload failed: %v", err)
	}

	second, err := c.ProcessPayload(context.Background(), textPayload("SM2", "hello"))
	if err != nil {
		t.Fatalf("replay ProcessPayload failed: %v", err)
	}
	if second != first {
		t.Errorf("replay reply = %q, want stored %q", second, first)
	}
	if conv.calls != 1 {
		t.Errorf("converser called %d times on replay, want 1", conv.calls)
	}
	if len(st.interactions) != 1 {
		t.Errorf("replay created extra interactions: %d", len(st.interactions))
	}
}

func TestProcessPayloadMediaDedup(t *testing.T) {
	st := newMemStore()
	conv := &mockConverser{result: &ConversationResult{Reply: "got your photos"}}
	dl := &mockDownloader{content: map[string][]byte{
		"https://media.example.com/a": []byte("same-bytes"),
		"https://media.example.com/b": []byte("same-bytes"),
	}}
	obj := &mockObjStorage{}
	c := NewCoordinator(st, conv, &mockDescriber{text: "a sunset"}, dl, obj, WithScratchDir(t.TempDir()))

	payload := textPayload("SM3", "look at these")
	payload.MessageType = "image"
	payload.NumMedia = 2
	payload.Media = []models.MediaItem{
		{URL: "https://media.example.com/a", ContentType: "image/jpeg"},
		{URL: "https://media.example.com/b", ContentType: "image/jpeg"},
	}

	if _, err := c.ProcessPayload(context.Background(), payload); err != nil {
		t.Fatalf("ProcessPayload failed: %v", err)
	}

	// Identical content is uploaded once; both referencing messages count,
	// so one asset row ends up with forwarded count 2.
	if len(obj.uploads) != 1 {
		t.Errorf("uploads = %v, want exactly one", obj.uploads)
	}
	if len(st.media) != 1 {
		t.Fatalf("media rows = %d, want 1", len(st.media))
	}
	for _, a := range st.media {
		if a.ForwardedCount != 2 {
			t.Errorf("forwarded count = %d, want 2", a.ForwardedCount)
		}
		if a.Description != "a sunset" {
			t.Errorf("description = %q", a.Description)
		}
	}
	if len(conv.got.MediaDescriptions) != 2 {
		t.Errorf("media descriptions = %v", conv.got.MediaDescriptions)
	}

	// A later message with the same content reuses the stored asset and
	// counts as another sighting.
	followUp := textPayload("SM3b", "same photo again")
	followUp.MessageType = "image"
	followUp.NumMedia = 1
	followUp.Media = []models.MediaItem{{URL: "https://media.example.com/a", ContentType: "image/jpeg"}}
	if _, err := c.ProcessPayload(context.Background(), followUp); err != nil {
		t.Fatalf("ProcessPayload follow-up failed: %v", err)
	}
	if len(obj.uploads) != 1 {
		t.Errorf("follow-up re-uploaded: %v", obj.uploads)
	}
	for _, a := range st.media {
		if a.ForwardedCount != 3 {
			t.Errorf("forwarded count after three sightings = %d, want 3", a.ForwardedCount)
		}
	}
}

func TestProcessPayloadMediaOnlyPlaceholder(t *testing.T) {
	st := newMemStore()
	conv := &mockConverser{result: &ConversationResult{Reply: "nice picture"}}
	dl := &mockDownloader{content: map[string][]byte{"https://media.example.com/x": []byte("img")}}
	c := NewCoordinator(st, conv, &mockDescriber{text: "a dog"}, dl, &mockObjStorage{}, WithScratchDir(t.TempDir()))

	payload := textPayload("SM4", "")
	payload.MessageType = "image"
	payload.NumMedia = 1
	payload.Media = []models.MediaItem{{URL: "https://media.example.com/x", ContentType: "image/png"}}

	if _, err := c.ProcessPayload(context.Background(), payload); err != nil {
		t.Fatalf("ProcessPayload failed: %v", err)
	}
	if conv.got.Query != MediaOnlyPlaceholder {
		t.Errorf("query = %q, want placeholder", conv.got.Query)
	}
}

func TestProcessPayloadDegradedSkipsPersistence(t *testing.T) {
	st := newMemStore()
	conv := &mockConverser{result: &ConversationResult{Reply: ErrorReply, Degraded: true}}
	c := NewCoordinator(st, conv, nil, nil, nil, WithScratchDir(t.TempDir()))

	reply, err := c.ProcessPayload(context.Background(), textPayload("SM5", "hello"))
	if err != nil {
		t.Fatalf("ProcessPayload failed: %v", err)
	}
	if reply != ErrorReply {
		t.Errorf("reply = %q", reply)
	}
	if len(st.interactions) != 0 {
		t.Error("degraded turn must not record an interaction")
	}

	// A later redelivery gets a fresh attempt.
	conv.result = &ConversationResult{Reply: "recovered"}
	reply, err = c.ProcessPayload(context.Background(), textPayload("SM5", "hello"))
	if err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if reply != "recovered" {
		t.Errorf("redelivery reply = %q", reply)
	}
}

func TestProcessPayloadHistoryChronological(t *testing.T) {
	st := newMemStore()
	u, _ := st.GetOrCreateUser("14155550100", "+14155550100", "Alice", "")
	for n := 1; n <= 3; n++ {
		msg, _ := st.SaveInboundMessage(models.InboundMessage{UserID: u.ID, MessageSID: fmt.Sprintf("SMh%d", n)})
		st.SaveInteraction(models.Interaction{
			UserID:       u.ID,
			RawMessageID: msg.ID,
			UserMessage:  fmt.Sprintf("q%d", n),
			BotResponse:  fmt.Sprintf("a%d", n),
		})
	}
	conv := &mockConverser{result: &ConversationResult{Reply: "ok"}}
	c := NewCoordinator(st, conv, nil, nil, nil, WithScratchDir(t.TempDir()), WithHistoryLimit(2))

	if _, err := c.ProcessPayload(context.Background(), textPayload("SM6", "next")); err != nil {
		t.Fatalf("ProcessPayload failed: %v", err)
	}
	// Limit 2 keeps the newest two turns, replayed oldest first.
	if len(conv.got.History) != 2 {
		t.Fatalf("history = %+v", conv.got.History)
	}
	if conv.got.History[0].UserMessage != "q2" || conv.got.History[1].UserMessage != "q3" {
		t.Errorf("history order wrong: %+v", conv.got.History)
	}
}

func TestProcessPayloadRejectsInvalid(t *testing.T) {
	c := NewCoordinator(newMemStore(), &mockConverser{result: &ConversationResult{}}, nil, nil, nil)
	payload := textPayload("", "no sid")
	if _, err := c.ProcessPayload(context.Background(), payload); err == nil {
		t.Fatal("expected validation error")
	}
}
