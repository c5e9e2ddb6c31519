package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"options-signal-engine/internal/api"
	"options-signal-engine/internal/database"
	"options-signal-engine/internal/decision"
	"options-signal-engine/internal/kafka"
	"options-signal-engine/internal/monitor"
	"options-signal-engine/internal/pipeline"
	"options-signal-engine/internal/validator"
)

type Config struct {
	ServerConfig       api.ServerConfig   `json:"server"`
	DatabaseConfig     database.Config    `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	KafkaConfig        kafka.Config       `json:"kafka"`
	PipelineConfig     pipeline.Config    `json:"pipeline"`
	DedupConfig        DedupConfig        `json:"dedup"`
	ValidatorConfig    validator.Config   `json:"validator"`
	DecisionConfig     decision.Config    `json:"decision"`
	MonitorConfig      monitor.Config     `json:"monitor"`
	ExecutionConfig    ExecutionConfig    `json:"execution"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
}

// RedisConfig holds Redis configuration for the deduplication cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DedupConfig holds deduplication settings
type DedupConfig struct {
	Window time.Duration `json:"window"`
}

// UnmarshalJSON accepts the window as either a duration string ("5m") or a
// nanosecond integer.
func (d *DedupConfig) UnmarshalJSON(data []byte) error {
	var aux struct {
		Window interface{} `json:"window"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	switch v := aux.Window.(type) {
	case nil:
	case float64:
		d.Window = time.Duration(v)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Window = parsed
	default:
		return fmt.Errorf("invalid dedup window: %v", v)
	}
	return nil
}

// ExecutionConfig holds execution adapter settings
type ExecutionConfig struct {
	SlippageBps float64 `json:"slippage_bps"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// No config file: start from defaults so booleans that default to
		// true survive the env pass.
		cfg = &Config{MonitorConfig: monitor.DefaultConfig()}
		cfg.LoggingConfig.JSONFormat = true
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", 8080)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("PRODUCTION_MODE", boolStr(cfg.ServerConfig.ProductionMode)) == "true"
	cfg.ServerConfig.WebhookSecret = getEnvOrDefault("WEBHOOK_SECRET", cfg.ServerConfig.WebhookSecret)
	if origins := os.Getenv("SERVER_ALLOWED_ORIGINS"); origins != "" {
		cfg.ServerConfig.AllowedOrigins = strings.Split(origins, ",")
	}

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultStr(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultStr(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", defaultStr(cfg.DatabaseConfig.Database, "signal_engine"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultStr(cfg.DatabaseConfig.SSLMode, "disable"))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Kafka config
	cfg.KafkaConfig.Enabled = getEnvOrDefault("KAFKA_ENABLED", boolStr(cfg.KafkaConfig.Enabled)) == "true"
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaConfig.Brokers = strings.Split(brokers, ",")
	}
	cfg.KafkaConfig.GroupID = getEnvOrDefault("KAFKA_GROUP_ID", defaultStr(cfg.KafkaConfig.GroupID, "signal-engine"))
	cfg.KafkaConfig.SignalTopic = getEnvOrDefault("KAFKA_SIGNAL_TOPIC", defaultStr(cfg.KafkaConfig.SignalTopic, "signals.raw"))
	cfg.KafkaConfig.ContextTopic = getEnvOrDefault("KAFKA_CONTEXT_TOPIC", cfg.KafkaConfig.ContextTopic)

	// Pipeline config
	cfg.PipelineConfig.DryRun = getEnvOrDefault("PIPELINE_DRY_RUN", boolStr(cfg.PipelineConfig.DryRun)) == "true"

	// Dedup config
	cfg.DedupConfig.Window = getEnvDurationOrDefault("DEDUP_WINDOW", cfg.DedupConfig.Window)

	// Monitor config
	cfg.MonitorConfig.Enabled = getEnvOrDefault("MONITOR_ENABLED", boolStr(cfg.MonitorConfig.Enabled)) == "true"
	cfg.MonitorConfig.AutoClose = getEnvOrDefault("MONITOR_AUTO_CLOSE", boolStr(cfg.MonitorConfig.AutoClose)) == "true"
	cfg.MonitorConfig.Interval = getEnvDurationOrDefault("MONITOR_INTERVAL", cfg.MonitorConfig.Interval)

	// Execution config
	cfg.ExecutionConfig.SlippageBps = getEnvFloatOrDefault("EXECUTION_SLIPPAGE_BPS", cfg.ExecutionConfig.SlippageBps)

	// Notification config
	cfg.NotificationConfig.Enabled = getEnvOrDefault("NOTIFICATIONS_ENABLED", boolStr(cfg.NotificationConfig.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.Enabled = getEnvOrDefault("TELEGRAM_ENABLED", boolStr(cfg.NotificationConfig.Telegram.Enabled)) == "true"
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.Enabled = getEnvOrDefault("DISCORD_ENABLED", boolStr(cfg.NotificationConfig.Discord.Enabled)) == "true"
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultStr(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"
}

// applyDefaults fills in zero values for the tuning sections. Explicit file
// or env values always win.
func applyDefaults(cfg *Config) {
	if cfg.ValidatorConfig == (validator.Config{}) {
		cfg.ValidatorConfig = validator.DefaultConfig()
	}
	if cfg.DecisionConfig == (decision.Config{}) {
		cfg.DecisionConfig = decision.DefaultConfig()
	}
	def := monitor.DefaultConfig()
	if cfg.MonitorConfig.Interval <= 0 {
		cfg.MonitorConfig.Interval = def.Interval
	}
	if cfg.MonitorConfig.SweepTimeout <= 0 {
		cfg.MonitorConfig.SweepTimeout = def.SweepTimeout
	}
	if cfg.DedupConfig.Window <= 0 {
		cfg.DedupConfig.Window = 5 * time.Minute
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func defaultStr(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func defaultInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
