package external

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// NewCompleter builds the chat client named by cfg.Provider.
func NewCompleter(cfg domain.LLMConfig, logger *logrus.Logger) (domain.Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropicClient(cfg, logger), nil
	case "openai", "":
		return NewOpenAIClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}
