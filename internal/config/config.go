package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager.
// An empty configFile searches the default locations.
func NewManager(configFile string) (*Manager, error) {
	m := &Manager{configFile: configFile}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/imaging-rag/")
	}

	v.SetEnvPrefix("IMAGING_RAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Config file is optional; defaults and env vars cover a bare start
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("grpc.port", 9090)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "imaging_rag")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.migrations_path", "migrations")

	// Cache defaults
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.default_ttl", "24h")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")
	v.SetDefault("cache.memory_items", 2048)
	v.SetDefault("cache.result_ttl", "10m")
	v.SetDefault("cache.result_max_items", 512)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Upstream service defaults
	v.SetDefault("embedding.base_url", "http://localhost:11434/v1")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "bge-m3")
	v.SetDefault("embedding.dimension", 1024)
	v.SetDefault("embedding.timeout", "30s")
	v.SetDefault("embedding.rate_limit", 20)
	v.SetDefault("embedding.retry_count", 2)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.rate_limit", 5)
	v.SetDefault("llm.retry_count", 2)
	v.SetDefault("llm.retry_backoff", "2s")
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.top_p", 0.9)

	// Pipeline defaults
	v.SetDefault("retrieval.store", "postgres")
	v.SetDefault("retrieval.corpus_path", "")
	v.SetDefault("retrieval.top_k", 10)
	v.SetDefault("retrieval.similarity_threshold", 0.6)
	v.SetDefault("rules.path", "config/rules.json")
	v.SetDefault("rules.enabled", true)
	v.SetDefault("rules.audit_only", true)
	v.SetDefault("rules.reload_schedule", "@every 1m")
	v.SetDefault("signals.path", "")
	v.SetDefault("prompt.max_candidates", 30)
	v.SetDefault("prompt.show_reasoning", true)
	v.SetDefault("prompt.top_scenarios", 5)

	v.SetDefault("evaluation.max_attempts", 3)
	v.SetDefault("evaluation.retry_delay", "2s")
	v.SetDefault("evaluation.workers", 4)
	v.SetDefault("evaluation.relevancy_questions", 3)

	v.SetDefault("feedback.backend", "sqlite")
	v.SetDefault("feedback.sqlite_path", "data/feedback.db")

	v.SetDefault("notify.slack_webhook_url", "")

	v.SetDefault("mcp.server_name", "imaging-rag-mcp-server")
	v.SetDefault("mcp.server_version", "1.0.0")
	v.SetDefault("mcp.transport_type", "stdio")
	v.SetDefault("mcp.request_timeout", "120s")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Retrieval.Store == "postgres" {
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	} else if config.Retrieval.Store == "memory" {
		if config.Retrieval.CorpusPath == "" {
			return fmt.Errorf("retrieval corpus path is required for the memory store")
		}
	} else {
		return fmt.Errorf("invalid retrieval store: %s", config.Retrieval.Store)
	}

	if config.Embedding.BaseURL == "" {
		return fmt.Errorf("embedding base URL is required")
	}
	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("invalid embedding dimension: %d", config.Embedding.Dimension)
	}

	switch config.LLM.Provider {
	case "anthropic":
	case "openai":
		if config.LLM.BaseURL == "" {
			return fmt.Errorf("LLM base URL is required")
		}
	default:
		return fmt.Errorf("invalid LLM provider: %s", config.LLM.Provider)
	}

	if config.Retrieval.TopK < 1 {
		return fmt.Errorf("retrieval top_k must be at least 1")
	}
	if config.Evaluation.MaxAttempts < 1 {
		return fmt.Errorf("evaluation max_attempts must be at least 1")
	}

	switch config.Feedback.Backend {
	case "postgres":
	case "sqlite":
		if config.Feedback.SQLitePath == "" {
			return fmt.Errorf("feedback sqlite path is required")
		}
	default:
		return fmt.Errorf("invalid feedback backend: %s", config.Feedback.Backend)
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database configuration as a postgres URL for migrations
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.config.Environment) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.config.Environment)
	return env == "development" || env == "dev" || env == ""
}
