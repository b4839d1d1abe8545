package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Database     DatabaseConfig     `yaml:"database" mapstructure:"database"`
	Pipeline     PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Notification NotificationConfig `yaml:"notification" mapstructure:"notification"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Logging      LoggingConfig      `yaml:"logging" mapstructure:"logging"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	Path          string `yaml:"path" mapstructure:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
	JournalMode   string `yaml:"journal_mode" mapstructure:"journal_mode"`
}

// PipelineConfig tunes import reconciliation
type PipelineConfig struct {
	BatchSize              int  `yaml:"batch_size" mapstructure:"batch_size"`
	BatchYieldMs           int  `yaml:"batch_yield_ms" mapstructure:"batch_yield_ms"`
	MaxBatchRetries        int  `yaml:"max_batch_retries" mapstructure:"max_batch_retries"`
	RetryInitialIntervalMs int  `yaml:"retry_initial_interval_ms" mapstructure:"retry_initial_interval_ms"`
	StagedThreshold        int  `yaml:"staged_threshold" mapstructure:"staged_threshold"`
	RemoveSource           bool `yaml:"remove_source" mapstructure:"remove_source"`
}

// NotificationConfig represents Slack notification settings
type NotificationConfig struct {
	SlackEnabled    bool   `yaml:"slack_enabled" mapstructure:"slack_enabled"`
	SlackWebhookURL string `yaml:"slack_webhook_url" mapstructure:"slack_webhook_url"`
	SlackChannel    string `yaml:"slack_channel" mapstructure:"slack_channel"`
	SlackUsername   string `yaml:"slack_username" mapstructure:"slack_username"`
	SlackIconEmoji  string `yaml:"slack_icon_emoji" mapstructure:"slack_icon_emoji"`
	MaxCVEsShown    int    `yaml:"max_cves_shown" mapstructure:"max_cves_shown"`
}

// ServerConfig represents the read-only API server settings
type ServerConfig struct {
	Port string `yaml:"port" mapstructure:"port"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
	File   string `yaml:"file" mapstructure:"file"`
}

const envPrefix = "VULN_TRACKER"

var (
	config   *Config
	configMu sync.Mutex
)

// GetConfig returns the loaded configuration, loading it from VULN_TRACKER_CONFIG_PATH
// on first use and falling back to defaults when that fails
func GetConfig() *Config {
	configMu.Lock()
	loaded := config
	configMu.Unlock()
	if loaded != nil {
		return loaded
	}

	cfg, err := LoadConfig(os.Getenv(envPrefix + "_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config, using defaults:", err)
		return getMinimalConfig()
	}
	return cfg
}

// GetDSN returns the data source name for the database connection
func (dc *DatabaseConfig) GetDSN() string {
	var params []string
	if dc.BusyTimeoutMs > 0 {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", dc.BusyTimeoutMs))
	}
	if dc.JournalMode != "" {
		params = append(params, "_journal_mode="+dc.JournalMode)
	}
	if len(params) == 0 {
		return dc.Path
	}
	return dc.Path + "?" + strings.Join(params, "&")
}

// LoadConfig loads configuration from defaults, the config file, a .env file and
// environment variables, in increasing order of precedence
func LoadConfig(configPath string) (*Config, error) {
	// .env is optional
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(".vuln-tracker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		v.AddConfigPath("/etc/vuln-tracker")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	loaded := &Config{}
	if err := v.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateAndSetDefaults(loaded); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	configMu.Lock()
	config = loaded
	configMu.Unlock()
	return loaded, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./vuln_tracker.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.journal_mode", "WAL")

	// Pipeline defaults
	v.SetDefault("pipeline.batch_size", 1000)
	v.SetDefault("pipeline.batch_yield_ms", 10)
	v.SetDefault("pipeline.max_batch_retries", 3)
	v.SetDefault("pipeline.retry_initial_interval_ms", 100)
	v.SetDefault("pipeline.staged_threshold", 5000)
	v.SetDefault("pipeline.remove_source", false)

	// Notification defaults
	v.SetDefault("notification.slack_enabled", false)
	v.SetDefault("notification.slack_username", "Vulnerability Tracker")
	v.SetDefault("notification.slack_icon_emoji", ":shield:")
	v.SetDefault("notification.max_cves_shown", 10)

	v.SetDefault("server.port", "8080")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
}

// validateAndSetDefaults validates configuration and sets computed defaults
func validateAndSetDefaults(config *Config) error {
	config.Database.Path = os.ExpandEnv(config.Database.Path)
	config.Logging.File = os.ExpandEnv(config.Logging.File)

	if config.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver %q", config.Database.Driver)
	}

	dbDir := filepath.Dir(config.Database.Path)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	if config.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive, got %d", config.Pipeline.BatchSize)
	}
	if config.Pipeline.MaxBatchRetries < 0 {
		return fmt.Errorf("pipeline.max_batch_retries must not be negative")
	}

	if config.Notification.SlackEnabled && config.Notification.SlackWebhookURL == "" {
		return fmt.Errorf("notification.slack_webhook_url is required when Slack is enabled")
	}

	switch config.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported logging format %q", config.Logging.Format)
	}

	return nil
}

// getMinimalConfig returns a minimal configuration with defaults
func getMinimalConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:        "sqlite3",
			Path:          "./vuln_tracker.db",
			BusyTimeoutMs: 5000,
			JournalMode:   "WAL",
		},
		Pipeline: PipelineConfig{
			BatchSize:              1000,
			BatchYieldMs:           10,
			MaxBatchRetries:        3,
			RetryInitialIntervalMs: 100,
			StagedThreshold:        5000,
		},
		Notification: NotificationConfig{
			SlackUsername:  "Vulnerability Tracker",
			SlackIconEmoji: ":shield:",
			MaxCVEsShown:   10,
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, filePath string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GenerateDefaultConfig creates a default configuration file
func GenerateDefaultConfig(filePath string) error {
	config := getMinimalConfig()
	return SaveConfig(config, filePath)
}
