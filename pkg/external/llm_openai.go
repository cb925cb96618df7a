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

const openAIService = "llm-openai"

// OpenAIClient calls an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     *logrus.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// NewOpenAIClient creates a chat client for OpenAI or any compatible gateway.
func NewOpenAIClient(cfg domain.LLMConfig, logger *logrus.Logger) *OpenAIClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 5
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimit: rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		breaker:   NewCircuitBreaker("LLM", CircuitBreakerConfig{}, logger),
		logger:    logger,
	}
}

// Complete sends a single chat completion. It does not retry; the pipeline owns retries.
func (c *OpenAIClient) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	return execute(c.breaker, openAIService, func() (string, error) {
		return c.completeOnce(ctx, req)
	})
}

func (c *OpenAIClient) completeOnce(ctx context.Context, in domain.CompletionRequest) (string, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait failed: %w", err)
	}

	messages := make([]chatMessage, 0, 2)
	if in.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: in.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: in.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   in.MaxTokens,
		Temperature: in.Temperature,
		TopP:        in.TopP,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", classifyTransportError(ctx, openAIService, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(openAIService, resp); err != nil {
		return "", err
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &domain.UpstreamError{Service: openAIService, StatusCode: resp.StatusCode, Err: fmt.Errorf("parsing response: %w", err)}
	}
	if parsed.Error != nil {
		return "", &domain.UpstreamError{Service: openAIService, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &domain.UpstreamError{Service: openAIService, StatusCode: resp.StatusCode, Err: fmt.Errorf("no choices in response")}
	}

	fields := logrus.Fields{
		"model":    c.model,
		"size":     len(parsed.Choices[0].Message.Content),
		"duration": time.Since(start),
	}
	if parsed.Usage != nil {
		fields["tokens_in"] = parsed.Usage.PromptTokens
		fields["tokens_out"] = parsed.Usage.CompletionTokens
	}
	c.logger.WithFields(fields).Debug("LLM completion received")
	return parsed.Choices[0].Message.Content, nil
}
