// Package api provides the HTTP surface: the inbound webhook and the
// memory, interaction and analytics endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
	"github.com/whatsy/whatsy/internal/queue"
	"github.com/whatsy/whatsy/internal/store"
)

// DefaultAddr is the listen address when none is configured.
const DefaultAddr = ":8080"

// PayloadProcessor runs the ingest pipeline synchronously. The webhook falls
// back to it when the task queue is unavailable.
type PayloadProcessor interface {
	ProcessPayload(ctx context.Context, payload models.WebhookPayload) (string, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// Server wires the HTTP handlers to the pipeline components. The queue and
// processor are both optional, but at least one must be present for the
// webhook to do useful work.
type Server struct {
	store     store.Store
	queue     queue.Queue
	processor PayloadProcessor
	memory    memory.Gateway
	addr      string
}

// NewServer creates an API server over the given components.
func NewServer(st store.Store, q queue.Queue, proc PayloadProcessor, mem memory.Gateway, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == DefaultAddr {
		if envAddr := os.Getenv("WHATSY_API_ADDR"); envAddr != "" {
			cfg.Addr = envAddr
		}
	}
	return &Server{store: st, queue: q, processor: proc, memory: mem, addr: cfg.Addr}
}

// RegisterRoutes attaches all handlers to the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", s.webhookHandler)
	mux.HandleFunc("/memories", s.memoriesHandler)
	mux.HandleFunc("/memories/list", s.memoriesListHandler)
	mux.HandleFunc("/interactions/recent", s.interactionsRecentHandler)
	mux.HandleFunc("/analytics/summary", s.analyticsSummaryHandler)
	mux.HandleFunc("/health", s.healthHandler)
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
