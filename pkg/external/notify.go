package external

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/slack-go/slack"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// SlackNotifier posts evaluation reports to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
}

// NewSlackNotifier returns nil when no webhook is configured.
func NewSlackNotifier(cfg domain.NotifyConfig) *SlackNotifier {
	if strings.TrimSpace(cfg.SlackWebhookURL) == "" {
		return nil
	}
	return &SlackNotifier{webhookURL: cfg.SlackWebhookURL}
}

// NotifyBatch posts the per-metric means of a batch evaluation.
func (n *SlackNotifier) NotifyBatch(ctx context.Context, title string, batch domain.BatchResult) error {
	if n == nil {
		return nil
	}
	msg := &slack.WebhookMessage{Text: FormatBatchReport(title, batch)}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		return fmt.Errorf("failed to post slack webhook: %w", err)
	}
	return nil
}

// FormatBatchReport renders a batch result as Slack mrkdwn.
func FormatBatchReport(title string, batch domain.BatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", title)
	fmt.Fprintf(&b, "Samples: %d (failed: %d)\n", len(batch.Results), batch.Failed)

	names := make([]string, 0, len(batch.Means))
	for name := range batch.Means {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "• %s: %.3f\n", name, batch.Means[name])
	}
	fmt.Fprintf(&b, "*Overall*: %.3f", batch.Overall)
	return b.String()
}
