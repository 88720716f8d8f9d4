package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SignatureHeader carries the HMAC of the webhook body when a secret is set.
const SignatureHeader = "X-Signflow-Signature"

// Webhook posts notifications as JSON to a single endpoint.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook builds a transport. A zero timeout defaults to ten seconds.
func NewWebhook(url, secret string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(slog.String("component", "notify_webhook")),
	}
}

// Notify reports true for any 2xx response.
func (w *Webhook) Notify(ctx context.Context, n Notification) bool {
	body, err := json.Marshal(n)
	if err != nil {
		w.logger.Error("encode notification", slog.String("error", err.Error()))
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error("build webhook request", slog.String("error", err.Error()))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signflow-Event", string(n.Type))
	if w.secret != "" {
		req.Header.Set(SignatureHeader, SignBody(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook request failed", slog.String("error", err.Error()))
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		w.logger.Warn("webhook rejected notification", slog.Int("status", resp.StatusCode))
		return false
	}
	return true
}

// SignBody returns the sha256= prefixed HMAC of body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
