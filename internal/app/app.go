// Package app assembles the recommendation stack from configuration. The HTTP
// server, the MCP servers and the CLI all start from New.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/cache"
	"github.com/imaging-rag-mcp-server/internal/database"
	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/evaluation"
	"github.com/imaging-rag-mcp-server/internal/feedback"
	"github.com/imaging-rag-mcp-server/internal/pipeline"
	"github.com/imaging-rag-mcp-server/internal/prompt"
	"github.com/imaging-rag-mcp-server/internal/repository"
	"github.com/imaging-rag-mcp-server/internal/retrieval"
	"github.com/imaging-rag-mcp-server/internal/rules"
	"github.com/imaging-rag-mcp-server/internal/service"
	"github.com/imaging-rag-mcp-server/internal/signals"
	"github.com/imaging-rag-mcp-server/pkg/external"
)

// App owns every long-lived component and releases them in Close.
type App struct {
	Config    *domain.Config
	Service   *service.RecommendationService
	Pipeline  *pipeline.Pipeline
	Rules     *rules.Engine
	Evaluator *evaluation.Evaluator
	Embedder  domain.Embedder
	Feedback  feedback.Store
	Results   *cache.MemoryCache
	DB        *database.DB
	Scenarios *repository.ScenarioRepository

	logger   *logrus.Logger
	reloader *rules.Reloader
	redis    *external.CacheClient
}

type options struct {
	embedder      domain.Embedder
	completer     domain.Completer
	store         domain.VectorStore
	feedback      feedback.Store
	skipMigration bool
	noFeedback    bool
}

// Option customizes New.
type Option func(*options)

// WithEmbedder replaces the HTTP embedding client.
func WithEmbedder(e domain.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithCompleter replaces the configured LLM client.
func WithCompleter(c domain.Completer) Option {
	return func(o *options) { o.completer = c }
}

// WithVectorStore replaces the configured scenario store.
func WithVectorStore(s domain.VectorStore) Option {
	return func(o *options) { o.store = s }
}

// WithFeedbackStore replaces the configured feedback backend.
func WithFeedbackStore(s feedback.Store) Option {
	return func(o *options) { o.feedback = s }
}

// WithoutFeedback disables the feedback store.
func WithoutFeedback() Option {
	return func(o *options) { o.noFeedback = true }
}

// WithoutMigrations skips schema migration on startup.
func WithoutMigrations() Option {
	return func(o *options) { o.skipMigration = true }
}

// New builds the application. On error every component opened so far is closed.
func New(ctx context.Context, cfg *domain.Config, logger *logrus.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	embedder, err := a.buildEmbedder(o.embedder)
	if err != nil {
		return nil, err
	}
	a.Embedder = embedder

	completer := o.completer
	if completer == nil {
		completer, err = external.NewCompleter(cfg.LLM, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create LLM client: %w", err)
		}
	}

	store := o.store
	if store == nil {
		store, err = a.buildStore(ctx, o.skipMigration)
		if err != nil {
			return nil, err
		}
	}

	a.Rules = rules.NewEngine(cfg.Rules, logger)
	if cfg.Rules.ReloadSchedule != "" && cfg.Rules.Path != "" {
		reloader, err := rules.NewReloader(a.Rules, cfg.Rules.ReloadSchedule, logger)
		if err != nil {
			return nil, err
		}
		a.reloader = reloader
	}

	popts := pipeline.DefaultOptions()
	popts.LLMRetries = cfg.LLM.RetryCount
	if cfg.LLM.RetryBackoff > 0 {
		popts.LLMBackoff = cfg.LLM.RetryBackoff
	}
	a.Pipeline, err = pipeline.NewPipeline(pipeline.Dependencies{
		Signals:   signals.NewExtractor(cfg.Signals.Path, logger),
		Embedder:  embedder,
		Retriever: retrieval.NewRetriever(store, logger),
		Rules:     a.Rules,
		Prompt:    prompt.NewBuilder(cfg.Prompt.MaxCandidates),
		LLM:       completer,
	}, popts, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	a.Evaluator = evaluation.NewDefaultEvaluator(completer, embedder, cfg.Evaluation, logger)

	switch {
	case o.feedback != nil:
		a.Feedback = o.feedback
	case !o.noFeedback:
		a.Feedback, err = a.buildFeedback()
		if err != nil {
			return nil, err
		}
	}

	a.Results, err = cache.NewMemoryCache(cfg.Cache.ResultMaxItems, cfg.Cache.ResultTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create result cache: %w", err)
	}

	deps := service.Dependencies{
		Pipeline:  a.Pipeline,
		Evaluator: a.Evaluator,
		Defaults:  cfg.RecommendDefaults(),
		Results:   a.Results,
	}
	if a.DB != nil {
		deps.Runs = repository.NewRunRepository(a.DB.Pool, logger)
	}
	if a.Feedback != nil {
		deps.Feedback = a.Feedback
	}
	if n := external.NewSlackNotifier(cfg.Notify); n != nil {
		deps.Notifier = n
	}
	a.Service = service.NewRecommendationService(logger, deps)
	if a.reloader != nil {
		a.reloader.OnReload = a.Service.InvalidateResults
	}

	logger.WithFields(logrus.Fields{
		"store":       cfg.Retrieval.Store,
		"llm":         cfg.LLM.Provider,
		"model":       cfg.LLM.Model,
		"embedding":   cfg.Embedding.Model,
		"redis_cache": a.redis != nil,
		"feedback":    a.Feedback != nil,
	}).Info("Application initialized")

	ok = true
	return a, nil
}

func (a *App) buildEmbedder(override domain.Embedder) (domain.Embedder, error) {
	cfg := a.Config
	base := override
	if base == nil {
		base = external.NewEmbeddingClient(cfg.Embedding, a.logger)
	}

	var shared external.VectorCache
	if cfg.Cache.RedisURL != "" {
		rc, err := external.NewCacheClient(cfg.Cache)
		if err != nil {
			a.logger.WithError(err).Warn("Redis unavailable, embedding cache is process-local")
		} else {
			a.redis = rc
			shared = rc
		}
	}

	cached, err := external.NewCachedEmbedder(base, cfg.Embedding.Model, cfg.Cache.MemoryItems, shared, cfg.Cache.DefaultTTL, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return cached, nil
}

func (a *App) buildStore(ctx context.Context, skipMigration bool) (domain.VectorStore, error) {
	cfg := a.Config
	switch cfg.Retrieval.Store {
	case "memory":
		store, err := retrieval.LoadMemoryStore(cfg.Retrieval.CorpusPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load scenario corpus: %w", err)
		}
		if store.Dimension() != cfg.Embedding.Dimension {
			a.logger.WithFields(logrus.Fields{
				"corpus_dim":    store.Dimension(),
				"embedding_dim": cfg.Embedding.Dimension,
			}).Warn("Corpus and embedding dimensions differ, queries will fail")
		}
		a.logger.WithField("scenarios", store.Size()).Info("Scenario corpus loaded")
		return store, nil

	case "postgres":
		dbCfg := database.ConfigFrom(cfg.Database)
		db, err := database.NewConnection(ctx, dbCfg, a.logger)
		if err != nil {
			return nil, err
		}
		a.DB = db
		if !skipMigration && cfg.Database.MigrationsPath != "" {
			if err := migrate(ctx, dbCfg.URL(), cfg.Database.MigrationsPath, a.logger); err != nil {
				return nil, err
			}
		}
		info, err := db.VectorInfo(ctx)
		if err != nil {
			return nil, err
		}
		if info.StoredDimension != 0 && info.StoredDimension != cfg.Embedding.Dimension {
			a.logger.WithFields(logrus.Fields{
				"stored_dim":    info.StoredDimension,
				"embedding_dim": cfg.Embedding.Dimension,
			}).Warn("Stored scenario and embedding dimensions differ, queries will fail")
		}
		a.logger.WithField("pgvector", info.ExtensionVersion).Debug("Vector store ready")
		a.Scenarios = repository.NewScenarioRepository(db.Pool, cfg.Embedding.Dimension, a.logger)
		return a.Scenarios, nil

	default:
		return nil, fmt.Errorf("unsupported retrieval store %q", cfg.Retrieval.Store)
	}
}

func migrate(ctx context.Context, url, path string, logger *logrus.Logger) error {
	runner, err := database.NewMigrationRunner(url, path, logger)
	if err != nil {
		return err
	}
	defer runner.Close()
	return runner.Up(ctx)
}

func (a *App) buildFeedback() (feedback.Store, error) {
	cfg := a.Config.Feedback
	switch cfg.Backend {
	case "postgres":
		store, err := feedback.NewPostgresStoreFromURL(database.ConfigFrom(a.Config.Database).URL())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres feedback store: %w", err)
		}
		return store, nil
	case "sqlite", "":
		if cfg.SQLitePath == "" {
			return nil, errors.New("feedback sqlite path is empty")
		}
		store, err := feedback.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite feedback store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported feedback backend %q", cfg.Backend)
	}
}

// Start launches background jobs.
func (a *App) Start() {
	if a.reloader != nil {
		a.reloader.Start()
	}
}

// Health reports per-dependency status. An empty map value means healthy.
func (a *App) Health(ctx context.Context) map[string]string {
	status := map[string]string{}
	if a.DB != nil {
		status["database"] = errString(a.DB.Health(ctx))
	}
	if a.redis != nil {
		status["redis"] = errString(a.redis.Ping(ctx))
	}
	if a.Rules != nil {
		status["rules"] = ""
	}
	return status
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Close stops background jobs and releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.reloader != nil {
		a.reloader.Stop(ctx)
	}
	if a.Feedback != nil {
		if err := a.Feedback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("feedback store: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errors.Join(errs...)
}
