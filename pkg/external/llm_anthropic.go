package external

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

const anthropicService = "llm-anthropic"

// AnthropicClient calls the Messages API through the official SDK.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewAnthropicClient creates a Messages API client. SDK retries are disabled.
func NewAnthropicClient(cfg domain.LLMConfig, logger *logrus.Logger) *AnthropicClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
		breaker: NewCircuitBreaker("LLM", CircuitBreakerConfig{}, logger),
		logger:  logger,
	}
}

// Complete sends one Messages request and returns the first text block.
func (c *AnthropicClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	return execute(c.breaker, anthropicService, func() (string, error) {
		return c.completeOnce(ctx, req)
	})
}

func (c *AnthropicClient) completeOnce(ctx context.Context, in domain.CompletionRequest) (string, error) {
	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(in.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(in.Prompt)),
		},
	}
	if in.TopP > 0 {
		params.TopP = anthropic.Float(in.TopP)
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: in.System}}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	message, err := c.client.Messages.New(callCtx, params)
	if err != nil {
		return "", c.classify(ctx, err)
	}

	for _, block := range message.Content {
		if block.Type == "text" {
			c.logger.WithFields(logrus.Fields{
				"model":      c.model,
				"size":       len(block.Text),
				"tokens_in":  message.Usage.InputTokens,
				"tokens_out": message.Usage.OutputTokens,
				"duration":   time.Since(start),
			}).Debug("LLM completion received")
			return block.Text, nil
		}
	}
	return "", &domain.UpstreamError{Service: anthropicService, Err: fmt.Errorf("no text content in response")}
}

func (c *AnthropicClient) classify(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &domain.UpstreamError{Service: anthropicService, StatusCode: apiErr.StatusCode, Err: err}
	}
	return classifyTransportError(ctx, anthropicService, err)
}
