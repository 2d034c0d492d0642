package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/twilio/twilio-go/twiml"
	"github.com/whatsy/whatsy/internal/models"
)

// writeJSONResponse writes an API response as JSON with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("writeJSONResponse: failed to encode response", "error", err)
	}
}

// writeTwiML writes a TwiML messaging response carrying one reply body.
func writeTwiML(w http.ResponseWriter, body string) {
	msg := twiml.MessagingMessage{Body: body}
	doc, err := twiml.Messages([]twiml.Element{&msg})
	if err != nil {
		slog.Error("writeTwiML: failed to render TwiML", "error", err)
		http.Error(w, "failed to render response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(doc)); err != nil {
		slog.Error("writeTwiML: failed to write response", "error", err)
	}
}
