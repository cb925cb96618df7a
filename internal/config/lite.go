// Package config provides configuration management for the recommendation servers.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases: scenarios come from a JSON corpus and feedback goes to SQLite.
type LiteConfig struct {
	// Data storage
	DataDir     string // Base directory for data files
	CorpusPath  string // Scenario corpus with precomputed embeddings
	RulesPath   string // Rule pack file
	SignalsPath string // Signal pattern file, empty for the built-in default

	// Cache settings
	CacheMaxItems int           // Maximum items in memory cache
	CacheTTL      time.Duration // Default cache TTL

	// Upstream services
	EmbeddingURL       string
	EmbeddingModel     string
	EmbeddingDimension int
	LLMProvider        string
	LLMBaseURL         string
	LLMModel           string
	LLMAPIKey          string
	EmbeddingAPIKey    string

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".imaging-rag")

	return &LiteConfig{
		DataDir:            dataDir,
		CorpusPath:         filepath.Join(dataDir, "corpus.json"),
		RulesPath:          filepath.Join(dataDir, "rules.json"),
		CacheMaxItems:      1000,
		CacheTTL:           24 * time.Hour,
		EmbeddingURL:       "http://localhost:11434/v1",
		EmbeddingModel:     "bge-m3",
		EmbeddingDimension: 1024,
		LLMProvider:        "openai",
		LLMBaseURL:         "https://api.openai.com/v1",
		LLMModel:           "gpt-4o-mini",
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data directory; dependent paths follow it unless set explicitly
	if v := os.Getenv("IMAGING_RAG_DATA_DIR"); v != "" {
		cfg.DataDir = v
		cfg.CorpusPath = filepath.Join(v, "corpus.json")
		cfg.RulesPath = filepath.Join(v, "rules.json")
	}
	if v := os.Getenv("IMAGING_RAG_CORPUS_PATH"); v != "" {
		cfg.CorpusPath = v
	}
	if v := os.Getenv("IMAGING_RAG_RULES_PATH"); v != "" {
		cfg.RulesPath = v
	}
	cfg.SignalsPath = os.Getenv("IMAGING_RAG_SIGNALS_PATH")

	// Cache settings
	if v := os.Getenv("IMAGING_RAG_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("IMAGING_RAG_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	// Upstream services
	if v := os.Getenv("IMAGING_RAG_EMBEDDING_URL"); v != "" {
		cfg.EmbeddingURL = v
	}
	if v := os.Getenv("IMAGING_RAG_EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := os.Getenv("IMAGING_RAG_EMBEDDING_DIMENSION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EmbeddingDimension = n
		}
	}
	if v := os.Getenv("IMAGING_RAG_LLM_PROVIDER"); v != "" {
		cfg.LLMProvider = v
	}
	if v := os.Getenv("IMAGING_RAG_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("IMAGING_RAG_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	cfg.LLMAPIKey = os.Getenv("IMAGING_RAG_LLM_API_KEY")
	cfg.EmbeddingAPIKey = os.Getenv("IMAGING_RAG_EMBEDDING_API_KEY")

	// Logging
	if v := os.Getenv("IMAGING_RAG_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("IMAGING_RAG_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// FeedbackDBPath returns the path to the feedback SQLite database.
func (c *LiteConfig) FeedbackDBPath() string {
	return filepath.Join(c.DataDir, "feedback.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// ToConfig expands the lite settings into a full configuration with the memory store.
// Pipeline knobs not covered by environment variables keep the server defaults.
func (c *LiteConfig) ToConfig() *domain.Config {
	return &domain.Config{
		Environment: "lite",
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stderr",
		},
		Cache: domain.CacheConfig{
			DefaultTTL:     c.CacheTTL,
			MemoryItems:    c.CacheMaxItems,
			ResultTTL:      10 * time.Minute,
			ResultMaxItems: c.CacheMaxItems,
		},
		Embedding: domain.EmbeddingConfig{
			BaseURL:    c.EmbeddingURL,
			APIKey:     c.EmbeddingAPIKey,
			Model:      c.EmbeddingModel,
			Dimension:  c.EmbeddingDimension,
			Timeout:    30 * time.Second,
			RateLimit:  20,
			RetryCount: 2,
		},
		LLM: domain.LLMConfig{
			Provider:     c.LLMProvider,
			BaseURL:      c.LLMBaseURL,
			APIKey:       c.LLMAPIKey,
			Model:        c.LLMModel,
			Timeout:      60 * time.Second,
			RateLimit:    5,
			RetryCount:   2,
			RetryBackoff: 2 * time.Second,
			MaxTokens:    2048,
			Temperature:  0.1,
			TopP:         0.9,
		},
		Retrieval: domain.RetrievalConfig{
			Store:               "memory",
			CorpusPath:          c.CorpusPath,
			TopK:                10,
			SimilarityThreshold: 0.6,
		},
		Rules: domain.RulesConfig{
			Path:      c.RulesPath,
			Enabled:   true,
			AuditOnly: true,
		},
		Signals:  domain.SignalsConfig{Path: c.SignalsPath},
		Feedback: domain.FeedbackConfig{Backend: "sqlite", SQLitePath: c.FeedbackDBPath()},
		Prompt: domain.PromptConfig{
			MaxCandidates: 30,
			ShowReasoning: true,
			TopScenarios:  5,
		},
		Evaluation: domain.EvaluationConfig{
			MaxAttempts:        3,
			RetryDelay:         2 * time.Second,
			Workers:            2,
			RelevancyQuestions: 3,
		},
		MCP: domain.MCPConfig{
			ServerName:     "imaging-rag-mcp-server",
			ServerVersion:  "1.0.0",
			TransportType:  "stdio",
			RequestTimeout: 120 * time.Second,
		},
	}
}
