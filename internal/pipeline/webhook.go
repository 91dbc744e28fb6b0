// Package pipeline forwards canonical inbound messages to the bot backend and
// routes its replies back to the originating channel.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wxgatehq/wxgate/internal/channel"
)

// Webhook posts each inbound message to an HTTP endpoint and delivers the
// replies it answers with. It implements channel.InboundProcessor.
type Webhook struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

// NewWebhook creates a Webhook processor. An empty url disables dispatch:
// messages are logged and dropped.
func NewWebhook(url string, timeout time.Duration, headers map[string]string, log *slog.Logger) *Webhook {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Webhook{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("component", "pipeline")),
	}
}

// webhookResponse is the reply envelope the backend answers with: either a
// single reply or a list.
type webhookResponse struct {
	Type    channel.ReplyType `json:"type"`
	Content string            `json:"content"`
	Replies []channel.Reply   `json:"replies"`
}

// Process forwards one message and sends every non-empty reply back through
// the originating adapter.
func (w *Webhook) Process(ctx context.Context, msg channel.InboundMessage, replier channel.ReplySender) error {
	if w.url == "" {
		w.logger.Debug("no pipeline endpoint configured, message dropped",
			slog.String("message_id", msg.Message.ID),
		)
		return nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode inbound message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range w.headers {
		req.Header.Set(key, value)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("call pipeline: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read pipeline response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pipeline status %d: %s", resp.StatusCode, truncate(raw, 200))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	var parsed webhookResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode pipeline response: %w", err)
	}
	replies := parsed.Replies
	if len(replies) == 0 && parsed.Content != "" {
		replies = []channel.Reply{{Type: parsed.Type, Content: parsed.Content}}
	}
	for _, reply := range replies {
		if reply.IsEmpty() {
			continue
		}
		if reply.Type == "" {
			reply.Type = channel.ReplyText
		}
		if err := replier.Reply(ctx, msg.ReplyTarget, reply); err != nil {
			return fmt.Errorf("deliver reply: %w", err)
		}
	}
	return nil
}

func truncate(raw []byte, limit int) string {
	if len(raw) > limit {
		raw = raw[:limit]
	}
	return string(raw)
}
