package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSystemPrompt is the instruction prefix sent with every completion
const DefaultSystemPrompt = "You are a helpful, friendly assistant. Answer clearly and concisely."

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server struct {
		Port            string        `yaml:"port"`
		Env             string        `yaml:"env"`
		Timeout         time.Duration `yaml:"timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		GRPCPort        string        `yaml:"grpc_port"`
	} `yaml:"server"`

	// Storage backend configuration
	Storage struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	// Database configuration, used by the postgres storage backend
	Database struct {
		Host     string        `yaml:"host"`
		Port     string        `yaml:"port"`
		User     string        `yaml:"user"`
		Password string        `yaml:"password"`
		Name     string        `yaml:"name"`
		SSLMode  string        `yaml:"ssl_mode"`
		MaxConns int           `yaml:"max_conns"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"database"`

	// Completion provider configuration
	AI struct {
		Provider        string        `yaml:"provider"`
		Model           string        `yaml:"model"`
		BaseURL         string        `yaml:"base_url"`
		APIKey          string        `yaml:"api_key"`
		AccountID       string        `yaml:"account_id"`
		SystemPrompt    string        `yaml:"system_prompt"`
		ContextWindow   int           `yaml:"context_window"`
		MaxTokens       int           `yaml:"max_tokens"`
		Temperature     float64       `yaml:"temperature"`
		BreakerFailures int           `yaml:"breaker_failures"`
		BreakerRetry    time.Duration `yaml:"breaker_retry"`
	} `yaml:"ai"`

	// Security configuration
	Security struct {
		RateLimit      float64  `yaml:"rate_limit"`
		RateLimitBurst int      `yaml:"rate_limit_burst"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		TrustedProxies []string `yaml:"trusted_proxies"`
		MaxBodySize    int64    `yaml:"max_body_size"`
	} `yaml:"security"`

	// Logging configuration
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	// Workspace partitioning
	Workspace struct {
		Default string `yaml:"default"`
	} `yaml:"workspace"`

	// Observability configuration
	Observability struct {
		ServiceName    string `yaml:"service_name"`
		TracingEnabled bool   `yaml:"tracing_enabled"`
		MetricsEnabled bool   `yaml:"metrics_enabled"`
	} `yaml:"observability"`

	// Vault configuration
	Vault struct {
		Enabled     bool          `yaml:"enabled"`
		Address     string        `yaml:"address"`
		Token       string        `yaml:"token"`
		Namespace   string        `yaml:"namespace"`
		Mount       string        `yaml:"mount"`
		SecretsPath string        `yaml:"secrets_path"`
		Timeout     time.Duration `yaml:"timeout"`
	} `yaml:"vault"`

	// Feature flags
	Features struct {
		EnableWebSockets  bool `yaml:"enable_websockets"`
		OpenAPIValidation bool `yaml:"openapi_validation"`
	} `yaml:"features"`
}

var (
	instance *Config
	mu       sync.RWMutex
)

// Defaults returns the built-in configuration
func Defaults() *Config {
	cfg := &Config{}

	cfg.Server.Port = "8787"
	cfg.Server.Env = "development"
	cfg.Server.Timeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 10 * time.Second

	cfg.Storage.Backend = "memory"
	cfg.Storage.Redis.Addr = "localhost:6379"

	cfg.Database.Host = "localhost"
	cfg.Database.Port = "5432"
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Name = "chat"
	cfg.Database.SSLMode = "disable"
	cfg.Database.MaxConns = 20
	cfg.Database.Timeout = 5 * time.Second

	cfg.AI.Provider = "workers-ai"
	cfg.AI.Model = "@cf/meta/llama-3.1-8b-instruct"
	cfg.AI.SystemPrompt = DefaultSystemPrompt
	cfg.AI.ContextWindow = 6
	cfg.AI.MaxTokens = 1024
	cfg.AI.Temperature = 0.7
	cfg.AI.BreakerFailures = 5
	cfg.AI.BreakerRetry = 30 * time.Second

	cfg.Security.RateLimit = 5
	cfg.Security.RateLimitBurst = 10
	cfg.Security.AllowedOrigins = []string{"*"}
	cfg.Security.TrustedProxies = []string{"127.0.0.1"}
	cfg.Security.MaxBodySize = 1 << 20 // 1MB

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Workspace.Default = "default"

	cfg.Observability.ServiceName = "chat-sessions"
	cfg.Observability.MetricsEnabled = true

	cfg.Vault.Mount = "secret"
	cfg.Vault.SecretsPath = "chat-sessions"
	cfg.Vault.Timeout = 10 * time.Second

	cfg.Features.EnableWebSockets = true
	cfg.Features.OpenAPIValidation = true

	return cfg
}

// Load builds a configuration from the defaults, the optional YAML file at
// path and finally the environment (a .env file is loaded first if present)
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Defaults()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides cfg with any environment variable that is set
func applyEnv(cfg *Config) {
	// Server config
	cfg.Server.Port = getEnvString("PORT", cfg.Server.Port)
	cfg.Server.Env = getEnvString("APP_ENV", cfg.Server.Env)
	cfg.Server.Timeout = getEnvDuration("SERVER_TIMEOUT", cfg.Server.Timeout)
	cfg.Server.ShutdownTimeout = getEnvDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	cfg.Server.GRPCPort = getEnvString("GRPC_PORT", cfg.Server.GRPCPort)

	// Storage config
	cfg.Storage.Backend = getEnvString("STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.Redis.Addr = getEnvString("REDIS_ADDR", cfg.Storage.Redis.Addr)
	cfg.Storage.Redis.Password = getEnvString("REDIS_PASSWORD", cfg.Storage.Redis.Password)
	cfg.Storage.Redis.DB = getEnvInt("REDIS_DB", cfg.Storage.Redis.DB)

	// Database config
	cfg.Database.Host = getEnvString("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvString("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvString("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvString("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Name = getEnvString("DB_NAME", cfg.Database.Name)
	cfg.Database.SSLMode = getEnvString("DB_SSL_MODE", cfg.Database.SSLMode)
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", cfg.Database.MaxConns)
	cfg.Database.Timeout = getEnvDuration("DB_TIMEOUT", cfg.Database.Timeout)

	// AI config
	cfg.AI.Provider = getEnvString("AI_PROVIDER", cfg.AI.Provider)
	cfg.AI.Model = getEnvString("AI_MODEL", cfg.AI.Model)
	cfg.AI.BaseURL = getEnvString("AI_BASE_URL", cfg.AI.BaseURL)
	cfg.AI.APIKey = getEnvString("AI_API_KEY", cfg.AI.APIKey)
	cfg.AI.AccountID = getEnvString("AI_ACCOUNT_ID", cfg.AI.AccountID)
	cfg.AI.SystemPrompt = getEnvString("SYSTEM_PROMPT", cfg.AI.SystemPrompt)
	cfg.AI.ContextWindow = getEnvInt("CONTEXT_WINDOW", cfg.AI.ContextWindow)
	cfg.AI.MaxTokens = getEnvInt("MAX_TOKENS", cfg.AI.MaxTokens)
	cfg.AI.Temperature = getEnvFloat("TEMPERATURE", cfg.AI.Temperature)
	cfg.AI.BreakerFailures = getEnvInt("AI_BREAKER_FAILURES", cfg.AI.BreakerFailures)
	cfg.AI.BreakerRetry = getEnvDuration("AI_BREAKER_RETRY", cfg.AI.BreakerRetry)

	// Security config
	cfg.Security.RateLimit = getEnvFloat("RATE_LIMIT", cfg.Security.RateLimit)
	cfg.Security.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", cfg.Security.RateLimitBurst)
	cfg.Security.AllowedOrigins = getEnvStringSlice("ALLOWED_ORIGINS", cfg.Security.AllowedOrigins)
	cfg.Security.TrustedProxies = getEnvStringSlice("TRUSTED_PROXIES", cfg.Security.TrustedProxies)
	cfg.Security.MaxBodySize = getEnvInt64("MAX_BODY_SIZE", cfg.Security.MaxBodySize)

	// Logging config
	cfg.Logging.Level = getEnvString("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnvString("LOG_FORMAT", cfg.Logging.Format)

	cfg.Workspace.Default = getEnvString("DEFAULT_WORKSPACE", cfg.Workspace.Default)

	// Observability config
	cfg.Observability.ServiceName = getEnvString("SERVICE_NAME", cfg.Observability.ServiceName)
	cfg.Observability.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.Observability.TracingEnabled)
	cfg.Observability.MetricsEnabled = getEnvBool("METRICS_ENABLED", cfg.Observability.MetricsEnabled)

	// Vault config
	cfg.Vault.Enabled = getEnvBool("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvString("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvString("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.Namespace = getEnvString("VAULT_NAMESPACE", cfg.Vault.Namespace)
	cfg.Vault.Mount = getEnvString("VAULT_MOUNT", cfg.Vault.Mount)
	cfg.Vault.SecretsPath = getEnvString("VAULT_SECRETS_PATH", cfg.Vault.SecretsPath)
	cfg.Vault.Timeout = getEnvDuration("VAULT_TIMEOUT", cfg.Vault.Timeout)

	// Feature flags
	cfg.Features.EnableWebSockets = getEnvBool("ENABLE_WEBSOCKETS", cfg.Features.EnableWebSockets)
	cfg.Features.OpenAPIValidation = getEnvBool("OPENAPI_VALIDATION", cfg.Features.OpenAPIValidation)
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.AI.Provider {
	case "workers-ai", "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("unknown ai provider %q", c.AI.Provider)
	}
	if c.AI.ContextWindow < 1 {
		return fmt.Errorf("context window must be positive, got %d", c.AI.ContextWindow)
	}
	if c.AI.MaxTokens < 1 {
		return fmt.Errorf("max tokens must be positive, got %d", c.AI.MaxTokens)
	}
	if c.Workspace.Default == "" {
		return fmt.Errorf("default workspace must not be empty")
	}
	return nil
}

// IsDevelopment reports whether the server runs in development mode
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// Set replaces the process-wide configuration
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	instance = cfg
}

// Get returns the process-wide configuration, loading it from the
// environment on first use
func Get() *Config {
	mu.RLock()
	cfg := instance
	mu.RUnlock()
	if cfg != nil {
		return cfg
	}

	loaded, err := Load("")
	if err != nil {
		loaded = Defaults()
		applyEnv(loaded)
	}

	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance = loaded
	}
	return instance
}

// Helper functions to read environment variables with default values

func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
