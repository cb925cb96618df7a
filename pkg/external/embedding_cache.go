package external

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// VectorCache is the shared second cache tier.
type VectorCache interface {
	GetVector(ctx context.Context, model, text string) ([]float32, bool, error)
	SetVector(ctx context.Context, model, text string, vec []float32, ttl time.Duration) error
}

// CachedEmbedder fronts an Embedder with an in-process LRU and an optional shared cache.
type CachedEmbedder struct {
	next   domain.Embedder
	model  string
	local  *lru.Cache[string, []float32]
	shared VectorCache
	ttl    time.Duration
	logger *logrus.Logger
}

// NewCachedEmbedder wraps next. shared may be nil.
func NewCachedEmbedder(next domain.Embedder, model string, size int, shared VectorCache, ttl time.Duration, logger *logrus.Logger) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 1000
	}
	local, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{
		next:   next,
		model:  model,
		local:  local,
		shared: shared,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Dimension delegates to the wrapped embedder.
func (c *CachedEmbedder) Dimension() int {
	return c.next.Dimension()
}

// Embed checks the LRU, then the shared cache, then calls through.
// Shared cache failures are logged and never fail the request.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := c.local.Get(text); ok {
		return vec, nil
	}

	if c.shared != nil {
		vec, found, err := c.shared.GetVector(ctx, c.model, text)
		if err != nil {
			c.logger.WithError(err).Debug("Shared vector cache read failed")
		} else if found && len(vec) == c.next.Dimension() {
			c.local.Add(text, vec)
			return vec, nil
		}
	}

	vec, err := c.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.local.Add(text, vec)
	if c.shared != nil {
		if err := c.shared.SetVector(ctx, c.model, text, vec, c.ttl); err != nil {
			c.logger.WithError(err).Debug("Shared vector cache write failed")
		}
	}
	return vec, nil
}

// Len is the number of vectors held in process.
func (c *CachedEmbedder) Len() int {
	return c.local.Len()
}
