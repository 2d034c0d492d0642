package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// DefaultRequestTimeout bounds a single memory-service call.
const DefaultRequestTimeout = 30 * time.Second

// Opts holds configuration options for the mem0 client.
type Opts struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Option defines a configuration option for the mem0 client.
type Option func(*Opts)

// WithBaseURL sets the memory service base URL.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = baseURL }
}

// WithAPIKey sets the memory service API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Mem0Client talks to a mem0-compatible REST memory service.
type Mem0Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewMem0Client creates a memory client based on provided options, falling
// back to MEM0_API_URL and MEM0_API_KEY environment variables.
func NewMem0Client(opts ...Option) (*Mem0Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("MEM0_API_URL")
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("MEM0_API_KEY")
	}
	if cfg.BaseURL == "" {
		slog.Error("Mem0Client base URL not set")
		return nil, fmt.Errorf("memory service base URL not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	slog.Debug("Mem0Client.NewMem0Client: created client", "baseURL", cfg.BaseURL, "apiKey_set", cfg.APIKey != "")
	return &Mem0Client{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, http: cfg.HTTPClient}, nil
}

type addRequest struct {
	Messages []addMessage           `json:"messages"`
	UserID   string                 `json:"user_id"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

type addMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type addResponse struct {
	Results []Event `json:"results"`
}

// Add absorbs new content for a user and returns the resulting events in
// service order.
func (c *Mem0Client) Add(ctx context.Context, userID, content string, metadata map[string]interface{}) ([]Event, error) {
	body := addRequest{
		Messages: []addMessage{{Role: "user", Content: content}},
		UserID:   userID,
		Metadata: metadata,
	}
	var resp addResponse
	if err := c.do(ctx, http.MethodPost, "/v1/memories/", body, &resp); err != nil {
		slog.Error("Mem0Client.Add failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to add memory: %w", err)
	}
	slog.Debug("Mem0Client.Add succeeded", "userID", userID, "events", len(resp.Results))
	return resp.Results, nil
}

type searchRequest struct {
	Query   string                 `json:"query"`
	Filters map[string]interface{} `json:"filters"`
}

// Search returns memories relevant to the query. A filter with time bounds
// narrows the search to memories created in [Start, End).
func (c *Mem0Client) Search(ctx context.Context, userID, query string, filter *SearchFilter) ([]Memory, error) {
	body := searchRequest{Query: query, Filters: buildFilters(userID, filter)}
	var memories []Memory
	if err := c.do(ctx, http.MethodPost, "/v2/memories/search/", body, &memories); err != nil {
		slog.Error("Mem0Client.Search failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	slog.Debug("Mem0Client.Search succeeded", "userID", userID, "count", len(memories))
	return memories, nil
}

// Update overwrites the text of an existing memory.
func (c *Mem0Client) Update(ctx context.Context, memoryID, text string) error {
	body := map[string]string{"text": text}
	if err := c.do(ctx, http.MethodPut, "/v1/memories/"+url.PathEscape(memoryID)+"/", body, nil); err != nil {
		slog.Error("Mem0Client.Update failed", "error", err, "memoryID", memoryID)
		return fmt.Errorf("failed to update memory %s: %w", memoryID, err)
	}
	return nil
}

// Delete removes a memory.
func (c *Mem0Client) Delete(ctx context.Context, memoryID string) error {
	if err := c.do(ctx, http.MethodDelete, "/v1/memories/"+url.PathEscape(memoryID)+"/", nil, nil); err != nil {
		slog.Error("Mem0Client.Delete failed", "error", err, "memoryID", memoryID)
		return fmt.Errorf("failed to delete memory %s: %w", memoryID, err)
	}
	return nil
}

// GetAll lists every memory held for a user.
func (c *Mem0Client) GetAll(ctx context.Context, userID string) ([]Memory, error) {
	var memories []Memory
	path := "/v1/memories/?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, &memories); err != nil {
		slog.Error("Mem0Client.GetAll failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	return memories, nil
}

// buildFilters produces the v2 AND-combined filter document. The created_at
// bound uses gte/lt so the end instant stays exclusive.
func buildFilters(userID string, filter *SearchFilter) map[string]interface{} {
	clauses := []map[string]interface{}{
		{"user_id": userID},
	}
	if filter != nil && filter.Start != nil && filter.End != nil {
		clauses = append(clauses, map[string]interface{}{
			"created_at": map[string]string{
				"gte": filter.Start.UTC().Format(time.RFC3339),
				"lt":  filter.End.UTC().Format(time.RFC3339),
			},
		})
	}
	return map[string]interface{}{"AND": clauses}
}

func (c *Mem0Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Token "+c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("memory service returned status %d: %s", resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
