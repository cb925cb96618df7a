package domain

import (
	"context"
)

// Embedder converts text into a fixed-dimension vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorStore performs nearest-neighbor search over the clinical-scenario corpus.
// Results are ordered by ascending cosine distance and carry Similarity = 1 - distance.
type VectorStore interface {
	Search(ctx context.Context, vec []float32, topK int) ([]Candidate, error)
	Dimension() int
}

// Completer is a chat-style LLM client
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Recommender runs the full recommendation pipeline for one query
type Recommender interface {
	Recommend(ctx context.Context, q Query, cfg RecommendConfig) (*RecommendationResult, error)
}

// Evaluator scores completed pipeline runs
type Evaluator interface {
	Evaluate(ctx context.Context, sample EvaluationSample) MetricResult
	EvaluateBatch(ctx context.Context, samples []EvaluationSample) BatchResult
}

// RunRepository persists recommendation runs and their evaluation results
type RunRepository interface {
	SaveRun(ctx context.Context, result *RecommendationResult) error
	GetRun(ctx context.Context, runID string) (*RecommendationResult, error)
	SaveEvaluation(ctx context.Context, runID string, result MetricResult) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
