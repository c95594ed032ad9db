package infra

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the whole playground.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Claude   ClaudeConfig   `mapstructure:"claude"`
	Control  ControlConfig  `mapstructure:"control"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logger   LoggerConfig   `mapstructure:"logger"`
	Agents   []AgentSpec    `mapstructure:"agents"`
}

// RedisConfig describes the shared state store connection.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DatabaseConfig describes the optional PostgreSQL audit sink. An empty
// URL means audit events go to the log instead.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// GitHubConfig carries the hosting API credentials and target repository.
type GitHubConfig struct {
	Token      string `mapstructure:"token"`
	BaseURL    string `mapstructure:"base_url"`
	Repository string `mapstructure:"repository"` // "owner/repo"
}

// ClaudeConfig carries the LLM API settings. An empty APIKey switches the
// process to the mock client (local development).
type ClaudeConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// ControlConfig describes the HTTP control surface.
type ControlConfig struct {
	Addr         string        `mapstructure:"addr"`
	AuthSecret   string        `mapstructure:"auth_secret"` // empty disables auth
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuditConfig tunes the buffered audit trail.
type AuditConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// LoggerConfig configures zap.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, console
}

// AgentSpec declares one agent instance to construct and start at boot.
type AgentSpec struct {
	Name                string            `mapstructure:"name"`
	Role                string            `mapstructure:"role"`
	Version             string            `mapstructure:"version"`
	MaxRetries          int               `mapstructure:"max_retries"`
	Timeout             time.Duration     `mapstructure:"timeout"`
	HealthCheckInterval time.Duration     `mapstructure:"health_check_interval"`
	ShutdownTimeout     time.Duration     `mapstructure:"shutdown_timeout"`
	Metadata            map[string]string `mapstructure:"metadata"`
}

// LoadConfig merges the config file, environment variables and defaults.
// A missing file is fine: ENV plus defaults are enough to boot.
func LoadConfig() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// ENV overrides: REDIS_ADDR=... overrides redis.addr
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the key with viper, which is what makes
	// the matching ENV variable visible to Unmarshal.
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("database.url", "")
	v.SetDefault("github.token", "")
	v.SetDefault("github.repository", "")
	v.SetDefault("github.base_url", "https://api.github.com")
	v.SetDefault("claude.api_key", "")
	v.SetDefault("claude.base_url", "https://api.anthropic.com")
	v.SetDefault("claude.model", "claude-3-opus-20240229")
	v.SetDefault("claude.max_tokens", 4096)
	v.SetDefault("control.addr", ":8800")
	v.SetDefault("control.auth_secret", "")
	v.SetDefault("control.read_timeout", 5*time.Second)
	v.SetDefault("control.write_timeout", 10*time.Second)
	v.SetDefault("audit.buffer_size", 10000)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
}
