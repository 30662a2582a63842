package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the server configuration.
type Config struct {
	Port          int
	DatabaseURL   string
	MessageCap    int
	NotifyChannel string
	LogLevel      string
	OpenAI        OpenAIConfig
	Store         StoreConfig
	Redis         RedisConfig
	Context       ContextConfig
}

type OpenAIConfig struct {
	APIKey         string
	BaseURL        string
	ChatModel      string
	CompleteModel  string
	EmbeddingModel string
	Timeout        time.Duration
}

type StoreConfig struct {
	// Backend is "memory" or "redis".
	Backend string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ContextConfig tunes the context-tracking engine.
type ContextConfig struct {
	IdleTTL           time.Duration
	SweepSchedule     string
	ClassificationTTL time.Duration
	AnalysisTTL       time.Duration
	UrgencyDecayAfter int
	// SpecialtiesFile replaces the embedded specialty table when set.
	SpecialtiesFile string
}

// Load reads configuration from defaults, the environment and, when path is
// non-empty, a config file. Environment variables are the upper-cased keys
// with dots replaced by underscores (openai.api_key -> OPENAI_API_KEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:          v.GetInt("port"),
		DatabaseURL:   v.GetString("database_url"),
		MessageCap:    v.GetInt("message_cap"),
		NotifyChannel: v.GetString("notify_channel"),
		LogLevel:      v.GetString("log_level"),
		OpenAI: OpenAIConfig{
			APIKey:         v.GetString("openai.api_key"),
			BaseURL:        v.GetString("openai.base_url"),
			ChatModel:      v.GetString("openai.model_chat"),
			CompleteModel:  v.GetString("openai.model_complete"),
			EmbeddingModel: v.GetString("openai.model_embedding"),
			Timeout:        v.GetDuration("openai.timeout"),
		},
		Store: StoreConfig{Backend: strings.ToLower(v.GetString("store.backend"))},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Context: ContextConfig{
			IdleTTL:           v.GetDuration("context.idle_ttl"),
			SweepSchedule:     v.GetString("context.sweep_schedule"),
			ClassificationTTL: v.GetDuration("context.classification_ttl"),
			AnalysisTTL:       v.GetDuration("context.analysis_ttl"),
			UrgencyDecayAfter: v.GetInt("context.urgency_decay_after"),
			SpecialtiesFile:   v.GetString("context.specialties_file"),
		},
	}
	if cfg.OpenAI.CompleteModel == "" {
		cfg.OpenAI.CompleteModel = cfg.OpenAI.ChatModel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("database_url", "")
	v.SetDefault("message_cap", 50)
	v.SetDefault("notify_channel", "context_updates")
	v.SetDefault("log_level", "info")

	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.model_chat", "gpt-4o-mini")
	v.SetDefault("openai.model_complete", "")
	v.SetDefault("openai.model_embedding", "text-embedding-3-small")
	v.SetDefault("openai.timeout", 30*time.Second)

	v.SetDefault("store.backend", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("context.idle_ttl", time.Hour)
	v.SetDefault("context.sweep_schedule", "@every 10m")
	v.SetDefault("context.classification_ttl", 5*time.Minute)
	v.SetDefault("context.analysis_ttl", 2*time.Minute)
	v.SetDefault("context.urgency_decay_after", 0)
	v.SetDefault("context.specialties_file", "")
}

// Validate checks values that cannot be defaulted sensibly.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.MessageCap <= 0 {
		errs = append(errs, fmt.Errorf("message_cap must be positive, got %d", c.MessageCap))
	}
	if c.NotifyChannel == "" {
		errs = append(errs, errors.New("notify_channel is empty"))
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("store.backend must be memory or redis, got %q", c.Store.Backend))
	}
	if c.Context.IdleTTL <= 0 {
		errs = append(errs, fmt.Errorf("context.idle_ttl must be positive, got %s", c.Context.IdleTTL))
	}
	if c.Context.UrgencyDecayAfter < 0 {
		errs = append(errs, fmt.Errorf("context.urgency_decay_after must not be negative, got %d", c.Context.UrgencyDecayAfter))
	}
	return errors.Join(errs...)
}
