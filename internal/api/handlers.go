package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/whatsy/whatsy/internal/assistant"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
	"github.com/whatsy/whatsy/internal/queue"
	"github.com/whatsy/whatsy/internal/util"
)

// ProcessingAck is the immediate TwiML reply when a task is queued.
const ProcessingAck = "processing ⚙️..."

// listCommand returns the user's stored memories without invoking the LLM.
const listCommand = "/list"

// webhookHandler receives provider webhooks, validates them and either
// enqueues a task or processes the payload synchronously.
func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid form payload"))
		return
	}
	form := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			form[k] = v[0]
		}
	}
	payload := models.ParseWebhookForm(form)
	if err := payload.Validate(); err != nil {
		slog.Warn("Server.webhookHandler: invalid payload", "error", err, "messageSid", payload.MessageSID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	if strings.TrimSpace(payload.Body) == listCommand {
		s.handleListCommand(w, r, payload)
		return
	}

	if s.queue != nil && s.queue.IsAvailable(r.Context()) {
		data, err := json.Marshal(payload)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to serialize payload"))
			return
		}
		taskID, err := s.queue.Enqueue(r.Context(), data, payload.MessageSID)
		if err != nil && !errors.Is(err, queue.ErrDuplicateTask) {
			slog.Error("Server.webhookHandler: enqueue failed, falling back", "error", err, "messageSid", payload.MessageSID)
			s.processSynchronously(w, r, payload)
			return
		}
		slog.Info("Server.webhookHandler: task queued", "taskID", taskID,
			"messageSid", payload.MessageSID, "duplicate", errors.Is(err, queue.ErrDuplicateTask))
		writeTwiML(w, ProcessingAck)
		return
	}

	slog.Warn("Server.webhookHandler: queue unavailable, processing synchronously", "messageSid", payload.MessageSID)
	s.processSynchronously(w, r, payload)
}

func (s *Server) processSynchronously(w http.ResponseWriter, r *http.Request, payload models.WebhookPayload) {
	if s.processor == nil {
		writeTwiML(w, assistant.ErrorReply)
		return
	}
	reply, err := s.processor.ProcessPayload(r.Context(), payload)
	if err != nil {
		slog.Error("Server.processSynchronously: processing failed", "error", err, "messageSid", payload.MessageSID)
		writeTwiML(w, assistant.ErrorReply)
		return
	}
	writeTwiML(w, reply)
}

// handleListCommand replies with the user's mirrored memories.
func (s *Server) handleListCommand(w http.ResponseWriter, r *http.Request, payload models.WebhookPayload) {
	whatsappID := payload.WhatsAppID
	if whatsappID == "" {
		whatsappID = util.NormalizePhoneNumber(payload.From)
	}
	user, err := s.store.GetUserByWhatsAppID(whatsappID)
	if err != nil {
		slog.Error("Server.handleListCommand: user lookup failed", "error", err)
		writeTwiML(w, assistant.ErrorReply)
		return
	}
	// A sender without a user row has never been processed, so nothing is
	// stored for them; the lookup must not create one.
	if user == nil {
		writeTwiML(w, "I don't have any memories stored for you yet.")
		return
	}
	records, err := s.store.ListMemoriesByUser(user.ID)
	if err != nil {
		slog.Error("Server.handleListCommand: listing failed", "error", err, "userID", user.ID)
		writeTwiML(w, assistant.ErrorReply)
		return
	}
	if len(records) == 0 {
		writeTwiML(w, "I don't have any memories stored for you yet.")
		return
	}
	var sb strings.Builder
	sb.WriteString("Here's what I remember:\n")
	for _, rec := range records {
		sb.WriteString("• ")
		sb.WriteString(rec.Text)
		sb.WriteString("\n")
	}
	writeTwiML(w, strings.TrimRight(sb.String(), "\n"))
}

type createMemoryRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// memoriesHandler creates a memory (POST) or searches memories (GET).
func (s *Server) memoriesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createMemory(w, r)
	case http.MethodGet:
		s.searchMemories(w, r)
	default:
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
	}
}

func (s *Server) createMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.UserID == "" || req.Content == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id and content are required"))
		return
	}
	events, err := s.memory.Add(r.Context(), req.UserID, req.Content, nil)
	if err != nil {
		slog.Error("Server.createMemory: add failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("memory service unavailable"))
		return
	}
	// Mirror the deltas locally for directly-authored memories. Mirroring is
	// best-effort; the memory service already holds the truth.
	user, err := s.store.GetOrCreateUser(req.UserID, "", "", "")
	if err != nil {
		slog.Warn("Server.createMemory: user resolution failed, skipping mirror", "error", err, "userID", req.UserID)
	} else {
		for _, e := range events {
			var mirrorErr error
			switch e.Event {
			case memory.EventAdd:
				mirrorErr = s.store.SaveMemoryRecord(user.ID, nil, e.ID, e.Text)
			case memory.EventUpdate:
				mirrorErr = s.store.UpdateMemoryRecordByExternalID(e.ID, e.Text)
			case memory.EventDelete:
				mirrorErr = s.store.DeleteMemoryRecordByExternalID(e.ID)
			}
			if mirrorErr != nil {
				slog.Warn("Server.createMemory: mirror update failed", "error", mirrorErr, "event", e.Event, "externalID", e.ID)
			}
		}
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(events))
}

func (s *Server) searchMemories(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	query := r.URL.Query().Get("query")
	if userID == "" || query == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id and query are required"))
		return
	}
	memories, err := s.memory.Search(r.Context(), userID, query, nil)
	if err != nil {
		slog.Error("Server.searchMemories: search failed", "error", err, "userID", userID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("memory service unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(memories))
}

type listMemoriesRequest struct {
	UserID string `json:"user_id"`
}

// memoriesListHandler returns every memory the service holds for a user.
func (s *Server) memoriesListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	var req listMemoriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.UserID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	memories, err := s.memory.GetAll(r.Context(), req.UserID)
	if err != nil {
		slog.Error("Server.memoriesListHandler: listing failed", "error", err, "userID", req.UserID)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("memory service unavailable"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(memories))
}

// interactionsRecentHandler returns recent interactions for a user.
func (s *Server) interactionsRecentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	whatsappID := r.URL.Query().Get("user_id")
	if whatsappID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("user_id is required"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("invalid limit"))
			return
		}
		limit = n
	}
	user, err := s.store.GetUserByWhatsAppID(whatsappID)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to resolve user"))
		return
	}
	// Unknown users have no history; a read must not create a user row.
	if user == nil {
		writeJSONResponse(w, http.StatusOK, models.Success([]models.Interaction{}))
		return
	}
	interactions, err := s.store.ListInteractionsByUser(user.ID, limit)
	if err != nil {
		slog.Error("Server.interactionsRecentHandler: listing failed", "error", err, "userID", user.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to list interactions"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(interactions))
}

// analyticsSummaryHandler returns aggregate row counts.
func (s *Server) analyticsSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("method not allowed"))
		return
	}
	summary, err := s.store.AnalyticsSummary()
	if err != nil {
		slog.Error("Server.analyticsSummaryHandler: aggregation failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("failed to aggregate analytics"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(summary))
}

// healthHandler reports liveness and queue reachability.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{"status": "ok"}
	if s.queue != nil {
		status["queue_available"] = s.queue.IsAvailable(r.Context())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}
