// Package config loads configuration using godotenv for local .env files
// and viper for layered env/file/defaults resolution.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `json:"server"`
	Chat         ChatConfig         `json:"chat"`
	AIEngine     AIEngineConfig     `json:"ai_engine"`
	Storage      StorageConfig      `json:"storage"`
	Relay        RelayConfig        `json:"relay"`
	Identity     IdentityConfig     `json:"identity"`
}

type ServerConfig struct {
	Port        string `json:"port"`
	Host        string `json:"host"`
	Environment string `json:"environment"`
}

// ChatConfig holds the conversation manager's tunables.
type ChatConfig struct {
	SingleModeTimeoutSeconds int `json:"single_mode_timeout_seconds"`
	MultiModeTimeoutSeconds  int `json:"multi_mode_timeout_seconds"`
	QueueSizeLimit           int `json:"queue_size_limit"`
	MaxParticipants          int `json:"max_participants"`
	HumanContextMessages     int `json:"human_context_messages"`
	AIContextMessages        int `json:"ai_context_messages"`
	MaxConversationsCached   int `json:"max_conversations_cached"`
	MaxMessagesPerConvoCached int `json:"max_messages_per_conversation_cached"`
}

type AIEngineConfig struct {
	BaseURL    string `json:"base_url"`
	TimeoutSeconds int `json:"timeout_seconds"`
	RetryCount int    `json:"retry_count"`
}

type StorageConfig struct {
	Backend      string `json:"backend"` // "memory" or "postgres"
	PostgresDSN  string `json:"postgres_dsn"`
}

type RelayConfig struct {
	Enabled  bool   `json:"enabled"`
	RedisURL string `json:"redis_url"`
}

type IdentityConfig struct {
	TokenSigningKey string `json:"token_signing_key"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(".env"); err != nil {
		slog.Info("no .env file found in current directory, trying parent", "error", err)
		if err := godotenv.Load("../.env"); err != nil {
			slog.Warn("no .env file found, using environment variables", "error", err)
		}
	} else {
		slog.Info(".env file loaded successfully")
	}

	viper.SetEnvPrefix("CHATCORE")
	viper.AutomaticEnv()

	setDefaults()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	if err := viper.ReadInConfig(); err != nil {
		slog.Debug("no YAML config file found, using environment variables and defaults")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "json" }); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if url := os.Getenv("AI_ENGINE_URL"); url != "" {
		cfg.AIEngine.BaseURL = url
	}
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.Relay.RedisURL = redisURL
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Port = port
	}
	if key := os.Getenv("IDENTITY_TOKEN_SIGNING_KEY"); key != "" {
		cfg.Identity.TokenSigningKey = key
	}

	slog.Info("configuration loaded",
		"server_port", cfg.Server.Port,
		"storage_backend", cfg.Storage.Backend,
		"relay_enabled", cfg.Relay.Enabled)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.environment", "development")

	viper.SetDefault("chat.single_mode_timeout_seconds", 20)
	viper.SetDefault("chat.multi_mode_timeout_seconds", 60)
	viper.SetDefault("chat.queue_size_limit", 1000)
	viper.SetDefault("chat.max_participants", 50)
	viper.SetDefault("chat.human_context_messages", 5)
	viper.SetDefault("chat.ai_context_messages", 1)
	viper.SetDefault("chat.max_conversations_cached", 1000)
	viper.SetDefault("chat.max_messages_per_conversation_cached", 50)

	viper.SetDefault("ai_engine.base_url", "http://ai-engine:3001")
	viper.SetDefault("ai_engine.timeout_seconds", 20)
	viper.SetDefault("ai_engine.retry_count", 3)

	viper.SetDefault("storage.backend", "memory")
	viper.SetDefault("storage.postgres_dsn", "")

	viper.SetDefault("relay.enabled", false)
	viper.SetDefault("relay.redis_url", "redis://localhost:6379")

	viper.SetDefault("identity.token_signing_key", "")

	viper.BindEnv("ai_engine.base_url", "AI_ENGINE_URL")
	viper.BindEnv("storage.postgres_dsn", "POSTGRES_DSN")
	viper.BindEnv("relay.redis_url", "REDIS_URL")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("server.environment", "GO_ENV")
	viper.BindEnv("identity.token_signing_key", "IDENTITY_TOKEN_SIGNING_KEY")
}

func validateConfig(cfg *Config) error {
	if cfg.Storage.Backend != "memory" && cfg.Storage.Backend != "postgres" {
		return fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required when storage backend is postgres")
	}
	if cfg.Identity.TokenSigningKey == "" {
		slog.Warn("identity.token_signing_key is unset; channel tokens will use an ephemeral per-process key")
	}
	return nil
}
