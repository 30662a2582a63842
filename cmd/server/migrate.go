package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medchat/internal/config"
	"medchat/internal/db"
	"medchat/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema and exit",
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

		conn, err := openDB(cmd.Context(), cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := db.Migrate(cmd.Context(), conn); err != nil {
			return err
		}
		logger.Info("schema applied")
		return nil
	},
}

// openDB opens and pings the Postgres database.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("database_url must be set")
	}
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

func logStartup(logger *zap.Logger, cfg *config.Config) {
	logger.Info("starting medchat",
		zap.Int("port", cfg.Port),
		zap.Int("message_cap", cfg.MessageCap),
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("chat_model", cfg.OpenAI.ChatModel),
		zap.Duration("idle_ttl", cfg.Context.IdleTTL),
		zap.String("sweep_schedule", cfg.Context.SweepSchedule))
	if cfgFile != "" {
		logger.Info("config file loaded", zap.String("path", cfgFile))
	}
	if cfg.OpenAI.APIKey == "" {
		logger.Warn("openai.api_key is empty; classification and analysis will use their fallbacks")
	}
}
