package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

const embeddingService = "embedding"

// EmbeddingClient calls an OpenAI-compatible /embeddings endpoint.
type EmbeddingClient struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	retries    int
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(cfg domain.EmbeddingConfig, logger *logrus.Logger) *EmbeddingClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	return &EmbeddingClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		retries:   cfg.RetryCount,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker:   NewCircuitBreaker("Embedding", CircuitBreakerConfig{}, logger),
		logger:    logger,
	}
}

// Dimension is the configured vector size.
func (c *EmbeddingClient) Dimension() int {
	return c.dimension
}

// Embed returns the vector for text. Transport failures are retried up to the
// configured count; a vector of the wrong size is a DimensionMismatchError.
func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewValidationError("text", "text cannot be empty", text)
	}

	start := time.Now()
	vec, err := withRetry(ctx, c.retries+1, 200*time.Millisecond, func() ([]float32, error) {
		return execute(c.breaker, embeddingService, func() ([]float32, error) {
			return c.embedOnce(ctx, text)
		})
	})
	if err != nil {
		c.logger.WithError(err).WithField("model", c.model).Warn("Embedding request failed")
		return nil, err
	}
	if c.dimension > 0 && len(vec) != c.dimension {
		return nil, &domain.DimensionMismatchError{Expected: c.dimension, Actual: len(vec)}
	}

	c.logger.WithFields(logrus.Fields{
		"model":    c.model,
		"dim":      len(vec),
		"duration": time.Since(start),
	}).Debug("Embedding computed")
	return vec, nil
}

func (c *EmbeddingClient) embedOnce(ctx context.Context, text string) ([]float32, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, embeddingService, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(embeddingService, resp); err != nil {
		return nil, err
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &domain.UpstreamError{Service: embeddingService, StatusCode: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", err)}
	}
	if parsed.Error != nil {
		return nil, &domain.UpstreamError{Service: embeddingService, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", parsed.Error.Message)}
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, &domain.UpstreamError{Service: embeddingService, StatusCode: resp.StatusCode, Err: fmt.Errorf("no embedding in response")}
	}
	return parsed.Data[0].Embedding, nil
}
