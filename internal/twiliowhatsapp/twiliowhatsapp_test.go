package twiliowhatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestWithWhatsAppPrefix(t *testing.T) {
	if got := withWhatsAppPrefix("+14155550100"); got != "whatsapp:+14155550100" {
		t.Errorf("withWhatsAppPrefix = %q", got)
	}
	if got := withWhatsAppPrefix("whatsapp:+14155550100"); got != "whatsapp:+14155550100" {
		t.Errorf("prefix doubled: %q", got)
	}
}

func TestDownloadMedia(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC123" || pass != "token" {
			t.Errorf("basic auth not forwarded: %q %q", user, pass)
		}
		w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	c := &Client{accountSID: "AC123", authToken: "token", http: srv.Client()}
	dest := filepath.Join(t.TempDir(), "media_0")
	if err := c.DownloadMedia(context.Background(), srv.URL, dest); err != nil {
		t.Fatalf("DownloadMedia failed: %v", err)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "media-bytes" {
		t.Errorf("downloaded content = %q", data)
	}
}

func TestDownloadMediaErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Client{accountSID: "AC123", authToken: "token", http: srv.Client()}
	dest := filepath.Join(t.TempDir(), "media_0")
	if err := c.DownloadMedia(context.Background(), srv.URL, dest); err == nil {
		t.Fatal("expected error on 404")
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Fatal("expected error when credentials are unset")
	}
}
