// Package slack posts finalized triage outcomes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/underwrite/internal/triage"
)

const (
	maxNotesLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier sends triage outcomes to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n.webhookURL != "" }

// Send posts an outcome to the configured Slack webhook.
func (n *Notifier) Send(ctx context.Context, o *triage.Outcome) error {
	if n.webhookURL == "" || o == nil {
		return nil
	}

	body, err := json.Marshal(buildMessage(o))
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

	n.logger.Info(ctx, "slack notification sent", "submission_id", o.SubmissionID, "priority", string(o.FinalPriority))
	return nil
}

func buildMessage(o *triage.Outcome) map[string]any {
	return map[string]any{
		"text": fmt.Sprintf("%s triaged as %s", o.SubmissionID, o.FinalPriority),
		"blocks": []map[string]any{
			headerBlock(o),
			fieldsBlock(o),
			notesBlock(o),
			contextBlock(o),
		},
	}
}

func headerBlock(o *triage.Outcome) map[string]any {
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", priorityEmoji(o.FinalPriority), o.FinalPriority.Route(), o.SubmissionID),
		},
	}
}

func fieldsBlock(o *triage.Outcome) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:* %s", o.RiskLevel)},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Insured value:* %s", formatUSD(o.InsuredValueUSD))},
			{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:* %s", o.FinalPriority)},
		},
	}
}

func notesBlock(o *triage.Outcome) map[string]any {
	text := truncate(o.UserNotes, maxNotesLen)
	if text == "" {
		text = "_No notes._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Notes*\n\n%s", text),
		},
	}
}

func contextBlock(o *triage.Outcome) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{{
			"type": "mrkdwn",
			"text": fmt.Sprintf("underwrite • %s", o.Timestamp.UTC().Format("2006-01-02 15:04 UTC")),
		}},
	}
}

func priorityEmoji(p triage.Priority) string {
	if p == triage.MaxPriority {
		return "\U0001f534" // red circle
	}
	return "\U0001f7e2" // green circle
}

// formatUSD renders whole dollars with thousands separators.
func formatUSD(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := fmt.Sprintf("%d", v)
	var b bytes.Buffer
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	if neg {
		return "-$" + b.String()
	}
	return "$" + b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
