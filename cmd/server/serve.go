package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medchat/internal/config"
	"medchat/internal/core"
	"medchat/internal/db"
	httpserver "medchat/internal/http"
	"medchat/internal/llm"
	"medchat/internal/logging"
	"medchat/internal/medctx"
	"medchat/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server and the idle-context sweep",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logStartup(logger, cfg)

	conn, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := db.Migrate(ctx, conn); err != nil {
		return err
	}
	repo := db.NewRepository(conn)
	notifier := db.NewNotifier(conn, cfg.DatabaseURL, cfg.NotifyChannel, logger.Named("notify"))

	client := llm.NewOpenAIClient(llm.Options{
		APIKey:         cfg.OpenAI.APIKey,
		BaseURL:        cfg.OpenAI.BaseURL,
		ChatModel:      cfg.OpenAI.ChatModel,
		CompleteModel:  cfg.OpenAI.CompleteModel,
		EmbeddingModel: cfg.OpenAI.EmbeddingModel,
		Timeout:        cfg.OpenAI.Timeout,
	})

	tables := medctx.DefaultTables()
	if cfg.Context.SpecialtiesFile != "" {
		if tables, err = medctx.LoadTablesFile(cfg.Context.SpecialtiesFile); err != nil {
			return err
		}
	}

	storage, closeStorage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStorage()

	engineLog := logger.Named("medctx")
	kb := medctx.NewKnowledgeBase(tables, client, engineLog)
	classifier := medctx.NewClassifier(kb, client, tables, medctx.ClassifierOptions{
		TTL:    cfg.Context.ClassificationTTL,
		Logger: engineLog,
	})
	store := medctx.NewStore(storage, classifier, kb, tables, medctx.StoreOptions{
		IdleTTL:           cfg.Context.IdleTTL,
		UrgencyDecayAfter: cfg.Context.UrgencyDecayAfter,
		Logger:            engineLog,
	})
	analyzer := medctx.NewAnalyzer(client, medctx.AnalyzerOptions{
		TTL:    cfg.Context.AnalysisTTL,
		Logger: engineLog,
	})

	// classification degrades to keywords until the profiles are embedded
	go func() {
		if err := kb.EnsureEmbeddings(ctx); err != nil {
			logger.Warn("specialty embeddings unavailable", zap.Error(err))
		}
	}()

	sweeper, err := scheduler.New(store, cfg.Context.SweepSchedule, logger.Named("sweep"))
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	chat := core.NewChatService(client, store, analyzer, logger.Named("chat"))
	chat.Relevance = core.NewRelevanceScreen(client, kb, logger.Named("relevance"))
	handler := httpserver.NewServer(repo, chat, store, core.NewSummarizer(), notifier, cfg.MessageCap, logger.Named("http"))
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// open SSE streams never go idle
		_ = srv.Close()
		logger.Warn("forced close after shutdown timeout", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// openStorage returns the configured context storage and its close function.
func openStorage(cfg *config.Config) (medctx.Storage, func(), error) {
	if cfg.Store.Backend != "redis" {
		return medctx.NewMemoryStorage(), func() {}, nil
	}
	rs, err := medctx.NewRedisStorage(medctx.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Context.IdleTTL,
	})
	if err != nil {
		return nil, nil, err
	}
	return rs, func() { _ = rs.Close() }, nil
}
