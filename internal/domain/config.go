package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	GRPC        GRPCConfig       `mapstructure:"grpc"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Embedding   EmbeddingConfig  `mapstructure:"embedding"`
	LLM         LLMConfig        `mapstructure:"llm"`
	Retrieval   RetrievalConfig  `mapstructure:"retrieval"`
	Rerank      RerankConfig     `mapstructure:"rerank"`
	Rules       RulesConfig      `mapstructure:"rules"`
	Signals     SignalsConfig    `mapstructure:"signals"`
	Prompt      PromptConfig     `mapstructure:"prompt"`
	Evaluation  EvaluationConfig `mapstructure:"evaluation"`
	Feedback    FeedbackConfig   `mapstructure:"feedback"`
	Notify      NotifyConfig     `mapstructure:"notify"`
	MCP         MCPConfig        `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
}

// GRPCConfig configures the gRPC health endpoint
type GRPCConfig struct {
	Port int `mapstructure:"port"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL       string        `mapstructure:"redis_url"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	MaxRetries     int           `mapstructure:"max_retries"`
	PoolSize       int           `mapstructure:"pool_size"`
	PoolTimeout    time.Duration `mapstructure:"pool_timeout"`
	MemoryItems    int           `mapstructure:"memory_items"`
	ResultTTL      time.Duration `mapstructure:"result_ttl"`
	ResultMaxItems int           `mapstructure:"result_max_items"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// EmbeddingConfig configures the embedding service client
type EmbeddingConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	Dimension  int           `mapstructure:"dimension"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RetryCount int           `mapstructure:"retry_count"`
}

// LLMConfig configures the chat completion client
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // "anthropic", "openai"
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RetryCount   int           `mapstructure:"retry_count"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	TopP         float64       `mapstructure:"top_p"`
}

// RetrievalConfig configures the scenario store and search defaults
type RetrievalConfig struct {
	Store               string  `mapstructure:"store"` // "postgres", "memory"
	CorpusPath          string  `mapstructure:"corpus_path"`
	TopK                int     `mapstructure:"top_k"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// RerankConfig holds the categorical targets and keyword groups used for bonuses
type RerankConfig struct {
	TargetPanels  []string   `mapstructure:"target_panels"`
	TargetTopics  []string   `mapstructure:"target_topics"`
	KeywordGroups [][]string `mapstructure:"keyword_groups"`
}

// RulesConfig configures the rule engine
type RulesConfig struct {
	Path           string `mapstructure:"path"`
	Enabled        bool   `mapstructure:"enabled"`
	AuditOnly      bool   `mapstructure:"audit_only"`
	ReloadSchedule string `mapstructure:"reload_schedule"`
}

// SignalsConfig points at the signal pattern file
type SignalsConfig struct {
	Path string `mapstructure:"path"`
}

// PromptConfig configures prompt assembly
type PromptConfig struct {
	MaxCandidates int  `mapstructure:"max_candidates"`
	ShowReasoning bool `mapstructure:"show_reasoning"`
	TopScenarios  int  `mapstructure:"top_scenarios"`
}

// EvaluationConfig configures the quality evaluator
type EvaluationConfig struct {
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	Workers            int           `mapstructure:"workers"`
	RelevancyQuestions int           `mapstructure:"relevancy_questions"`
}

// FeedbackConfig selects the clinician feedback backend
type FeedbackConfig struct {
	Backend    string `mapstructure:"backend"` // "sqlite", "postgres"
	SQLitePath string `mapstructure:"sqlite_path"`
}

// NotifyConfig configures batch evaluation reports
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName     string        `mapstructure:"server_name"`
	ServerVersion  string        `mapstructure:"server_version"`
	TransportType  string        `mapstructure:"transport_type"` // "stdio"
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RecommendDefaults builds the per-request defaults from static configuration.
func (c *Config) RecommendDefaults() RecommendConfig {
	return RecommendConfig{
		TopK:                c.Retrieval.TopK,
		TopScenarios:        c.Prompt.TopScenarios,
		MaxCandidates:       c.Prompt.MaxCandidates,
		SimilarityThreshold: c.Retrieval.SimilarityThreshold,
		ShowReasoning:       c.Prompt.ShowReasoning,
		TargetPanels:        c.Rerank.TargetPanels,
		TargetTopics:        c.Rerank.TargetTopics,
		KeywordGroups:       c.Rerank.KeywordGroups,
		MaxTokens:           c.LLM.MaxTokens,
		Temperature:         c.LLM.Temperature,
		TopP:                c.LLM.TopP,
	}
}
