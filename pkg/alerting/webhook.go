package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/arbflow/arbflow/pkg/domain"
)

// Channel delivers an alert to one external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert domain.Alert) error
}

// WebhookKind selects the payload shape for a webhook destination.
type WebhookKind string

const (
	KindDiscord WebhookKind = "discord"
	KindSlack   WebhookKind = "slack"
)

// WebhookChannel posts alerts as JSON to a Discord or Slack webhook. Posts are
// paced by a token-bucket limiter so an alert storm cannot trip the
// destination's own rate limits.
type WebhookChannel struct {
	kind    WebhookKind
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhookChannel(kind WebhookKind, url string, timeout time.Duration) *WebhookChannel {
	return &WebhookChannel{
		kind:    kind,
		url:     url,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

func (w *WebhookChannel) Name() string { return string(w.kind) }

func (w *WebhookChannel) Send(ctx context.Context, alert domain.Alert) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: wait for post slot: %w", w.kind, err)
	}

	body, err := json.Marshal(w.payload(alert))
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", w.kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", w.kind, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: post: %w", w.kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", w.kind, resp.StatusCode)
	}
	return nil
}

func (w *WebhookChannel) payload(alert domain.Alert) map[string]any {
	service := alert.Service
	if service == "" {
		service = "system"
	}
	text := fmt.Sprintf("[%s] %s (%s): %s", alert.Severity, alert.Type, service, alert.Message)

	switch w.kind {
	case KindSlack:
		return map[string]any{"text": text}
	default:
		return map[string]any{"content": text}
	}
}
