package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"caseflow/internal/config"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink posts each event as JSON. When a secret is configured the body
// is signed with HMAC-SHA256 in the X-Caseflow-Signature header.
type WebhookSink struct {
	name   string
	hook   config.WebhookConfig
	filter eventFilter
	client *http.Client
}

func NewWebhookSink(idx int, hook config.WebhookConfig) *WebhookSink {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	return &WebhookSink{
		name:   fmt.Sprintf("webhook:%d", idx),
		hook:   hook,
		filter: newEventFilter(hook.Events),
		client: &http.Client{Timeout: timeout},
	}
}

func (w *WebhookSink) Name() string { return w.name }

func (w *WebhookSink) Accepts(eventType string) bool { return w.filter.match(eventType) }

// Sign returns the signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (w *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Caseflow-Event", env.Type)
	req.Header.Set("X-Caseflow-Delivery", fmt.Sprintf("%d", env.ID))
	if strings.TrimSpace(w.hook.Secret) != "" {
		req.Header.Set("X-Caseflow-Signature", Sign(w.hook.Secret, data))
	}
	res, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	err = fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(fmt.Errorf("%w: %v", ErrRejected, err))
	}
	return err
}
