// Package slack tells human agents about escalated conversations via a Slack
// incoming webhook.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/helpdesk/internal/triage"
)

const (
	maxSummaryLen = 3000
	maxQuoteLen   = 500
	httpTimeout   = 10 * time.Second
)

// Notifier posts escalation hand-offs to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, NotifyEscalation
// is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// NotifyEscalation posts the session's hand-off summary and the customer's
// latest message to the configured webhook.
func (n *Notifier) NotifyEscalation(ctx context.Context, sess *triage.Session) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(sess))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}

	n.logger.Info(ctx, "escalation posted to slack", "session_id", sess.ID)
	return nil
}

func buildMessage(s *triage.Session) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("Conversation %s needs a human agent", s.ID),
		"blocks": []map[string]any{
			headerBlock(),
			fieldsBlock(s),
			{"type": "divider"},
			summaryBlock(s),
			quoteBlock(s),
			{"type": "divider"},
			contextBlock(s),
		},
	}
}

func headerBlock() map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": "\U0001f64b Conversation escalated", // person raising hand
		},
	}
}

func fieldsBlock(s *triage.Session) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Session:* `%s`", s.ID),
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Messages:* %d", len(s.Messages)),
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Opened:* %s", s.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			},
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("*Open for:* %s", openFor(s)),
			},
		},
	}
}

func summaryBlock(s *triage.Session) map[string]any {
	text := truncate(s.Summary, maxSummaryLen)
	if text == "" {
		text = "_No summary available._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Summary*\n\n%s", text),
		},
	}
}

func quoteBlock(s *triage.Session) map[string]any {
	text := "_No customer message._"
	if m, ok := lastCustomerMessage(s); ok {
		text = quote(truncate(m.Content, maxQuoteLen))
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Latest customer message*\n%s", text),
		},
	}
}

func contextBlock(s *triage.Session) map[string]any {
	ts := s.UpdatedAt
	if ts.IsZero() {
		ts = s.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("helpdesk • session %s • %s", s.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func lastCustomerMessage(s *triage.Session) (triage.Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == triage.RoleUser {
			return s.Messages[i], true
		}
	}
	return triage.Message{}, false
}

func openFor(s *triage.Session) string {
	if s.CreatedAt.IsZero() || s.UpdatedAt.Before(s.CreatedAt) {
		return "n/a"
	}
	return s.UpdatedAt.Sub(s.CreatedAt).Round(time.Second).String()
}

// quote prefixes every line with "> " so Slack renders a block quote.
func quote(s string) string {
	return "> " + strings.ReplaceAll(s, "\n", "\n> ")
}

// truncate caps s at limit runes.
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-3]) + "..."
}
