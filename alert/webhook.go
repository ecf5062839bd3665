package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Webhook posts critical events as JSON to an HTTP endpoint. Delivery runs
// in the background and failures are only logged.
type Webhook struct {
	url     string
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// WebhookOption configures a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithWebhookLogger sets the logger used for delivery failures.
func WithWebhookLogger(l *slog.Logger) WebhookOption {
	return func(w *Webhook) { w.logger = l }
}

// WithWebhookTimeout bounds a single delivery.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) { w.timeout = d }
}

// NewWebhook creates a webhook reporter for url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:     url,
		client:  http.DefaultClient,
		logger:  slog.Default(),
		timeout: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type webhookBody struct {
	Category   string         `json:"category"`
	Message    string         `json:"message"`
	Fields     map[string]any `json:"fields,omitempty"`
	ReportedAt time.Time      `json:"reported_at"`
}

// ReportCritical delivers the event asynchronously.
func (w *Webhook) ReportCritical(ctx context.Context, category, message string, fields map[string]any) {
	body := webhookBody{
		Category:   category,
		Message:    message,
		Fields:     fields,
		ReportedAt: w.now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
		defer cancel()
		if err := w.deliver(ctx, body); err != nil {
			w.logger.Warn("alert webhook delivery failed",
				slog.String("category", category),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (w *Webhook) deliver(ctx context.Context, body webhookBody) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: unexpected status %d", resp.StatusCode)
	}
	return nil
}
