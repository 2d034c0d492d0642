// Command whatsy runs the Whatsy API server: webhook intake, task
// enqueueing, and the memory/interaction/analytics endpoints.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/whatsy/whatsy/internal/api"
	"github.com/whatsy/whatsy/internal/assistant"
	"github.com/whatsy/whatsy/internal/genai"
	"github.com/whatsy/whatsy/internal/memory"
	"github.com/whatsy/whatsy/internal/objstore"
	"github.com/whatsy/whatsy/internal/queue"
	"github.com/whatsy/whatsy/internal/store"
	"github.com/whatsy/whatsy/internal/twiliowhatsapp"
	"github.com/whatsy/whatsy/internal/util"
)

// DefaultDBFileName is the default SQLite database filename.
const DefaultDBFileName = "whatsy.db"

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(*flags.dbDSN)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	q := buildQueue(*flags.brokerURL, *flags.queueName)
	if q != nil {
		defer q.Close()
	}

	mem, err := memory.NewMem0Client(memory.WithBaseURL(*flags.memoryURL))
	if err != nil {
		slog.Error("Failed to create memory client", "error", err)
		os.Exit(1)
	}

	coordinator := buildCoordinator(st, mem)

	server := api.NewServer(st, q, coordinator, mem, api.WithAddr(*flags.apiAddr))
	slog.Info("Bootstrapping Whatsy API", "addr", *flags.apiAddr,
		"broker_set", *flags.brokerURL != "", "dsn_set", *flags.dbDSN != "")
	if err := server.Run(ctx); err != nil {
		slog.Error("Whatsy API failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Whatsy API exited successfully")
}

// Config holds environment configuration.
type Config struct {
	DatabaseDSN string
	BrokerURL   string
	QueueName   string
	MemoryURL   string
	APIAddr     string
}

// Flags holds command line flag values.
type Flags struct {
	dbDSN     *string
	brokerURL *string
	queueName *string
	memoryURL *string
	apiAddr   *string
}

// initializeLogger sets up structured logging.
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("WHATSY_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
	cfg := Config{
		DatabaseDSN: os.Getenv("WHATSY_DATABASE_DSN"),
		BrokerURL:   os.Getenv("WHATSY_BROKER_URL"),
		QueueName:   os.Getenv("WHATSY_QUEUE_NAME"),
		MemoryURL:   os.Getenv("MEM0_API_URL"),
		APIAddr:     os.Getenv("WHATSY_API_ADDR"),
	}
	if cfg.DatabaseDSN == "" {
		cfg.DatabaseDSN = DefaultDBFileName
	}
	if cfg.QueueName == "" {
		cfg.QueueName = queue.DefaultQueueName
	}
	if cfg.APIAddr == "" {
		cfg.APIAddr = api.DefaultAddr
	}
	return cfg
}

// parseCommandLineFlags parses flags with environment values as defaults.
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		dbDSN:     flag.String("db-dsn", config.DatabaseDSN, "Database DSN (Postgres URL or SQLite path)"),
		brokerURL: flag.String("broker-url", config.BrokerURL, "Task broker URL (redis:// or amqp://); empty runs synchronously"),
		queueName: flag.String("queue-name", config.QueueName, "Task queue name"),
		memoryURL: flag.String("memory-url", config.MemoryURL, "Memory service base URL"),
		apiAddr:   flag.String("addr", config.APIAddr, "API listen address"),
	}
	flag.Parse()
	return flags
}

// buildQueue opens the broker matching the URL scheme. An empty URL disables
// queueing; the webhook then processes payloads synchronously.
func buildQueue(brokerURL, queueName string) queue.Queue {
	if brokerURL == "" {
		slog.Warn("No broker URL configured, webhook will process synchronously")
		return nil
	}
	kind, err := queue.DetectBrokerType(brokerURL)
	if err != nil {
		slog.Error("Unsupported broker URL", "error", err)
		os.Exit(1)
	}
	opts := []queue.Option{queue.WithBrokerURL(brokerURL), queue.WithQueueName(queueName)}
	var q queue.Queue
	switch kind {
	case "redis":
		q, err = queue.NewRedisQueue(opts...)
	case "amqp":
		q, err = queue.NewAMQPQueue(opts...)
	}
	if err != nil {
		slog.Error("Failed to create task queue", "error", err, "broker", kind)
		os.Exit(1)
	}
	return q
}

// buildCoordinator assembles the synchronous fallback pipeline. Media and
// reasoning components are optional; the coordinator degrades without them.
func buildCoordinator(st store.Store, mem memory.Gateway) *assistant.Coordinator {
	g, err := genai.NewClient()
	if err != nil {
		slog.Error("Failed to create GenAI client", "error", err)
		os.Exit(1)
	}
	orchestrator := assistant.NewOrchestrator(g, mem)

	var downloader assistant.MediaDownloader
	var describer assistant.MediaDescriber = g
	twilioClient, err := twiliowhatsapp.NewClient()
	if err != nil {
		slog.Warn("Twilio client not configured, media download disabled", "error", err)
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

	return assistant.NewCoordinator(st, orchestrator, describer, downloader, storage)
}
