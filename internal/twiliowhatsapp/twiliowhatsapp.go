// Package twiliowhatsapp provides WhatsApp messaging via the Twilio API.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// DefaultDownloadTimeout bounds a single media download.
const DefaultDownloadTimeout = 60 * time.Second

// Service defines the provider operations used by the pipeline.
type Service interface {
	// SendMessage sends a WhatsApp text message.
	SendMessage(ctx context.Context, to, body string) error

	// DownloadMedia fetches a provider-hosted media URL to a local path.
	DownloadMedia(ctx context.Context, mediaURL, destPath string) error
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	HTTPClient *http.Client
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the WhatsApp sender number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithHTTPClient overrides the HTTP client used for media downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends WhatsApp messages and downloads media through Twilio.
type Client struct {
	rest       *twilio.RestClient
	accountSID string
	authToken  string
	from       string
	http       *http.Client
}

// NewClient creates a Twilio WhatsApp client based on provided options,
// falling back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
// TWILIO_WHATSAPP_FROM environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_WHATSAPP_FROM")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		slog.Error("Twilio credentials not set")
		return nil, fmt.Errorf("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN must be set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultDownloadTimeout}
	}
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("TwilioWhatsApp.NewClient: created client", "from", cfg.FromNumber)
	return &Client{
		rest:       rest,
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		from:       cfg.FromNumber,
		http:       cfg.HTTPClient,
	}, nil
}

// SendMessage sends a WhatsApp text message.
func (c *Client) SendMessage(ctx context.Context, to, body string) error {
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(withWhatsAppPrefix(to))
	params.SetFrom(withWhatsAppPrefix(c.from))
	params.SetBody(body)
	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioWhatsApp.SendMessage failed", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioWhatsApp.SendMessage succeeded", "to", to, "sid", sid)
	return nil
}

// DownloadMedia fetches a provider-hosted media URL to a local path using
// basic auth. Twilio media URLs require the account credentials.
func (c *Client) DownloadMedia(ctx context.Context, mediaURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build media request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	resp, err := c.http.Do(req)
	if err != nil {
		slog.Error("TwilioWhatsApp.DownloadMedia request failed", "error", err)
		return fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("TwilioWhatsApp.DownloadMedia unexpected status", "status", resp.StatusCode)
		return fmt.Errorf("media fetch returned status %d", resp.StatusCode)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("failed to write %s: %w", destPath, err)
	}
	slog.Debug("TwilioWhatsApp.DownloadMedia succeeded", "dest", destPath)
	return nil
}

func withWhatsAppPrefix(number string) string {
	if strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	return "whatsapp:" + number
}

// MockClient is a mock implementation of Service for testing.
type MockClient struct {
	SendFn     func(ctx context.Context, to, body string) error
	DownloadFn func(ctx context.Context, mediaURL, destPath string) error

	SentMessages []SentMessage
}

// SentMessage records one SendMessage call.
type SentMessage struct {
	To   string
	Body string
}

func (m *MockClient) SendMessage(ctx context.Context, to, body string) error {
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	if m.SendFn != nil {
		return m.SendFn(ctx, to, body)
	}
	return nil
}

func (m *MockClient) DownloadMedia(ctx context.Context, mediaURL, destPath string) error {
	if m.DownloadFn != nil {
		return m.DownloadFn(ctx, mediaURL, destPath)
	}
	return os.WriteFile(destPath, []byte("mock media"), 0o600)
}
