package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"coreastra/internal/domain"
)

const (
	webhookTimeout   = 5 * time.Second
	signatureHeader  = "X-Signature-256"
	webhookUserAgent = "coreastra-webhook/1"
)

// WebhookConfig configures the outgoing webhook notifier.
type WebhookConfig struct {
	URL    string
	Secret string // HMAC secret for signing payloads (optional)
	Client *http.Client
	Logger *slog.Logger
}

// Webhook posts every notification as JSON to a URL. With a secret set the
// body is signed as "sha256=<hex hmac>" in X-Signature-256.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: webhookTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webhook{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: cfg.Client,
		logger: cfg.Logger,
	}
}

func (w *Webhook) Name() string { return "webhook" }

// Start subscribes to notifications and blocks until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context, bus domain.NotificationBus) error {
	bus.Subscribe("webhook", w.Notify)
	w.logger.Info("webhook notifier started", "url", w.url, "signed", w.secret != "")
	<-ctx.Done()
	return nil
}

func (w *Webhook) Notify(n domain.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
	defer cancel()
	if err := w.post(ctx, n); err != nil {
		w.logger.Warn("webhook delivery failed", "kind", n.Kind, "session", n.SessionID, "err", err)
	}
}

func (w *Webhook) post(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgent)
	if w.secret != "" {
		req.Header.Set(signatureHeader, signHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

func signHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
