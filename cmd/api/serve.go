package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/civic-assistant/internal/config"
	"github.com/capitalize-ai/civic-assistant/internal/handler"
	"github.com/capitalize-ai/civic-assistant/internal/intent"
	"github.com/capitalize-ai/civic-assistant/internal/llm"
	"github.com/capitalize-ai/civic-assistant/internal/lock"
	"github.com/capitalize-ai/civic-assistant/internal/model"
	natsclient "github.com/capitalize-ai/civic-assistant/internal/nats"
	"github.com/capitalize-ai/civic-assistant/internal/retrieval"
	"github.com/capitalize-ai/civic-assistant/internal/service"
	"github.com/capitalize-ai/civic-assistant/internal/store"
	"github.com/capitalize-ai/civic-assistant/internal/worker"
	"github.com/capitalize-ai/civic-assistant/pkg/logger"
	"github.com/capitalize-ai/civic-assistant/pkg/tracing"
)

const serviceName = "civic-assistant"

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.IsDevelopment())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting API server", zap.String("env", cfg.Environment))

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
		}
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// Audit stream is optional; without it events are dropped
	var (
		natsClient *natsclient.Client
		publisher  service.EventPublisher = service.NopPublisher{}
		events     service.EventReader
	)
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			Name:     serviceName,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		streamManager := natsclient.NewStreamManager(natsClient)
		if err := streamManager.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure stream: %w", err)
		}
		publisher = streamManager
		events = streamManager
	}

	locker, closeLocker, err := openLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	// Initialize LLM clients
	llmClient, err := newCompletionClient(cfg)
	if err != nil {
		return fmt.Errorf("failed to create LLM client: %w", err)
	}
	embedder, err := llm.NewOpenAIEmbedder(llm.Options{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.EmbeddingModel,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	pool := worker.NewPool(cfg.WorkerConcurrency, cfg.SummaryTimeout, nil, log)

	// Initialize services
	tenants := service.NewTenantResolver(st)
	conversations := service.NewConversationStore(st, log)
	escalation := service.NewEscalationMachine(st, publisher, log)
	tickets := service.NewTicketUpserter(st, publisher, log)
	summarizer := service.NewSummarizer(st, llmClient, pool, locker, service.SummarizerConfig{
		MinUserMessages:  cfg.SummaryMinUserMessages,
		MinTotalMessages: cfg.SummaryMinTotalMessages,
		LockTTL:          cfg.SummaryTimeout,
	}, log)

	chat := service.NewChatService(service.ChatDeps{
		Tenants:       tenants,
		Conversations: conversations,
		Messages:      service.NewMessagePersister(st),
		Gate:          intent.NewGate(),
		Retriever: retrieval.NewRetriever(embedder, st, retrieval.Config{
			Threshold:        cfg.SimilarityThreshold,
			RelaxedThreshold: cfg.SimilarityThresholdRelaxed,
			TopK:             cfg.RetrievalTopK,
		}, log),
		Context:    retrieval.NewContextBuilder(cfg.ContextDocMaxChars, cfg.ContextTotalMaxChars),
		Client:     llmClient,
		Escalation: escalation,
		Tickets:    tickets,
		Summarizer: summarizer,
	}, service.ChatConfig{
		Model:             cfg.ChatModel,
		Buffered:          cfg.DemoMode,
		CompletionTimeout: cfg.CompletionTimeout,
	}, log)

	// Initialize handlers
	router := handler.NewRouter(handler.RouterConfig{
		Chat:              handler.NewChatHandler(chat, log),
		Events:            handler.NewEventHandler(service.NewEventService(tenants, conversations, escalation, tickets, st, publisher, log), log),
		Admin:             handler.NewAdminHandler(service.NewAdminService(st, escalation, events, log), log),
		Health:            handler.NewHealthHandler(st, natsClient),
		SessionSecret:     cfg.SessionSecret,
		SessionCookie:     cfg.SessionCookie,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	}, log)

	// Create HTTP server. The write timeout must outlast a full completion.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		log.Warn("background tasks did not drain", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openStore returns the Postgres store, or a seeded in-memory store in
// development when no database is configured.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.DataStore, error) {
	if cfg.DatabaseURL != "" {
		st, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		return st, nil
	}

	log.Warn("DATABASE_URL not set, using in-memory store")
	st := store.NewMemoryStore()
	st.AddTenant(model.Tenant{ID: "demo", Code: "DEMO", Slug: "demo", Name: "Demo grad"})
	return st, nil
}

func openLocker(ctx context.Context, cfg *config.Config, log *logger.Logger) (lock.Locker, func(), error) {
	if cfg.RedisURL == "" {
		return lock.NewLocalLocker(), func() {}, nil
	}

	locker, err := lock.NewRedisLocker(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return locker, func() {
		if err := locker.Close(); err != nil {
			log.Warn("failed to close redis", zap.Error(err))
		}
	}, nil
}

func newCompletionClient(cfg *config.Config) (llm.Client, error) {
	provider := llm.Provider(cfg.DefaultLLM)
	opts := llm.Options{Model: cfg.ChatModel}
	switch provider {
	case llm.ProviderAnthropic:
		opts.APIKey = cfg.AnthropicAPIKey
	default:
		opts.APIKey = cfg.OpenAIAPIKey
		opts.BaseURL = cfg.OpenAIBaseURL
	}
	return llm.NewClient(provider, opts)
}
