// Command whatsy-worker consumes queued webhook tasks and runs the ingest
// pipeline, optionally sending the computed reply back over WhatsApp.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/whatsy/whatsy/internal/assistant"
	"github.com/whatsy/whatsy/internal/genai"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/models"
	"github.com/whatsy/whatsy/internal/objstore"
	"github.com/whatsy/whatsy/internal/queue"
	"github.com/whatsy/whatsy/internal/store"
	"github.com/whatsy/whatsy/internal/twiliowhatsapp"
	"github.com/whatsy/whatsy/internal/util"
)

func main() {
	initializeLogger()

	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dbDSN := flag.String("db-dsn", envOr("WHATSY_DATABASE_DSN", "whatsy.db"), "Database DSN (Postgres URL or SQLite path)")
	brokerURL := flag.String("broker-url", os.Getenv("WHATSY_BROKER_URL"), "Task broker URL (redis:// or amqp://)")
	queueName := flag.String("queue-name", envOr("WHATSY_QUEUE_NAME", queue.DefaultQueueName), "Task queue name")
	sendReplies := flag.Bool("send-replies", util.ParseBoolEnv("WHATSY_SEND_REPLIES", false), "Send computed replies over WhatsApp")
	flag.Parse()

	if *brokerURL == "" {
		slog.Error("Broker URL is required for the worker")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(*dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	mem, err := memory.NewMem0Client()
	if err != nil {
		slog.Error("Failed to create memory client", "error", err)
		os.Exit(1)
	}
	g, err := genai.NewClient()
	if err != nil {
		slog.Error("Failed to create GenAI client", "error", err)
		os.Exit(1)
	}
	orchestrator := assistant.NewOrchestrator(g, mem)

	var twilioClient *twiliowhatsapp.Client
	var downloader assistant.MediaDownloader
	twilioClient, err = twiliowhatsapp.NewClient()
	if err != nil {
		slog.Warn("Twilio client not configured, media download and replies disabled", "error", err)
		twilioClient = nil
	} else {
		downloader = twilioClient
	}

	var storage assistant.ObjectStorage
	objStorage, err := objstore.NewStorage()
	if err != nil {
		slog.Warn("Object storage not configured, media upload disabled", "error", err)
	} else {
		storage = objStorage
	}

	coordinator := assistant.NewCoordinator(st, orchestrator, g, downloader, storage,
		assistant.WithHistoryLimit(util.ParseIntEnv("WHATSY_HISTORY_LIMIT", assistant.DefaultHistoryLimit)))

	consumer, err := buildConsumer(ctx, *brokerURL, *queueName)
	if err != nil {
		slog.Error("Failed to create task consumer", "error", err)
		os.Exit(1)
	}

	handler := func(taskCtx context.Context, payload []byte) error {
		var webhook models.WebhookPayload
		if err := json.Unmarshal(payload, &webhook); err != nil {
			return fmt.Errorf("failed to decode task payload: %w", err)
		}
		reply, err := coordinator.ProcessPayload(taskCtx, webhook)
		if err != nil {
			return err
		}
		if *sendReplies && twilioClient != nil {
			if err := twilioClient.SendMessage(taskCtx, util.NormalizePhoneNumber(webhook.From), reply); err != nil {
				return fmt.Errorf("failed to send reply for %s: %w", webhook.MessageSID, err)
			}
		}
		return nil
	}

	worker := queue.NewWorker(consumer, handler,
		queue.WithMaxAttempts(util.ParseIntEnv("WHATSY_MAX_ATTEMPTS", queue.DefaultMaxAttempts)),
		queue.WithBackoffBase(util.ParseDurationEnv("WHATSY_BACKOFF_BASE", queue.DefaultBackoffBase)),
		queue.WithSoftTimeout(util.ParseDurationEnv("WHATSY_SOFT_TIMEOUT", queue.DefaultSoftTimeout)),
		queue.WithHardTimeout(util.ParseDurationEnv("WHATSY_HARD_TIMEOUT", queue.DefaultHardTimeout)),
	)

	slog.Info("Bootstrapping Whatsy worker", "queue", *queueName, "send_replies", *sendReplies)
	if err := worker.Run(ctx); err != nil {
		slog.Error("Whatsy worker failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Whatsy worker exited successfully")
}

// buildConsumer opens the broker matching the URL scheme. The Redis backend
// requeues orphans left by a previous crash before consuming.
func buildConsumer(ctx context.Context, brokerURL, queueName string) (queue.Consumer, error) {
	kind, err := queue.DetectBrokerType(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := []queue.Option{queue.WithBrokerURL(brokerURL), queue.WithQueueName(queueName)}
	switch kind {
	case "redis":
		q, err := queue.NewRedisQueue(opts...)
		if err != nil {
			return nil, err
		}
		recoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := q.RecoverOrphans(recoverCtx); err != nil {
			slog.Warn("Orphan recovery failed", "error", err)
		}
		return q, nil
	case "amqp":
		return queue.NewAMQPQueue(opts...)
	}
	return nil, fmt.Errorf("unsupported broker type %q", kind)
}

func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("WHATSY_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
