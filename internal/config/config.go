package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" mapstructure:"embeddings"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Search     SearchConfig     `yaml:"search" mapstructure:"search"`
	Answer     AnswerConfig     `yaml:"answer" mapstructure:"answer"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds chat gateway settings.
type AnthropicConfig struct {
	Key           string  `yaml:"key" mapstructure:"key"`
	ClassifyModel string  `yaml:"classify_model" mapstructure:"classify_model"`
	ExtractModel  string  `yaml:"extract_model" mapstructure:"extract_model"`
	AnswerModel   string  `yaml:"answer_model" mapstructure:"answer_model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerS  float64 `yaml:"requests_per_s" mapstructure:"requests_per_s"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// EmbeddingsConfig holds embedding gateway settings.
type EmbeddingsConfig struct {
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// ExtractConfig configures the extraction orchestrator.
type ExtractConfig struct {
	RetryThreshold int    `yaml:"retry_threshold" mapstructure:"retry_threshold"`
	StaleAfterMins int    `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
	HeartbeatSecs  int    `yaml:"heartbeat_secs" mapstructure:"heartbeat_secs"`
	ChunkRunes     int    `yaml:"chunk_runes" mapstructure:"chunk_runes"`
	DomainsPath    string `yaml:"domains_path" mapstructure:"domains_path"`
}

// SearchConfig configures hybrid retrieval fusion.
type SearchConfig struct {
	SemanticWeight float64 `yaml:"semantic_weight" mapstructure:"semantic_weight"`
	LexicalWeight  float64 `yaml:"lexical_weight" mapstructure:"lexical_weight"`
	FusionK        int     `yaml:"fusion_k" mapstructure:"fusion_k"`
}

// AnswerConfig configures the answering engine.
type AnswerConfig struct {
	HistoryTurns int `yaml:"history_turns" mapstructure:"history_turns"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures background health checks and webhook alerts.
type MonitoringConfig struct {
	WebhookURL        string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	DeadThreshold     int    `yaml:"dead_threshold" mapstructure:"dead_threshold"`
	PendingThreshold  int    `yaml:"pending_threshold" mapstructure:"pending_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OPSKB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.classify_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.extract_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.answer_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("anthropic.requests_per_s", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("embeddings.base_url", "https://api.openai.com/v1")
	v.SetDefault("embeddings.model", "text-embedding-3-small")
	v.SetDefault("embeddings.batch_size", 16)
	v.SetDefault("extract.retry_threshold", 3)
	v.SetDefault("extract.stale_after_mins", 30)
	v.SetDefault("extract.heartbeat_secs", 15)
	v.SetDefault("extract.chunk_runes", 1000)
	v.SetDefault("extract.domains_path", "domains.yaml")
	v.SetDefault("search.semantic_weight", 0.7)
	v.SetDefault("search.lexical_weight", 0.3)
	v.SetDefault("search.fusion_k", 60)
	v.SetDefault("answer.history_turns", 6)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.dead_threshold", 1)
	v.SetDefault("monitoring.pending_threshold", 200)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
