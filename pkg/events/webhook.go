package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/LeeDigitalWorks/zapscribe/pkg/logger"
	"github.com/LeeDigitalWorks/zapscribe/pkg/taskqueue"

	"github.com/minio/sha256-simd"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Zapscribe-Signature"

// WebhookPublisher POSTs events as JSON to a fixed URL.
type WebhookPublisher struct {
	client    *http.Client
	url       string
	secret    []byte
	userAgent string
}

// NewWebhookPublisher validates cfg.URL and creates the publisher.
func NewWebhookPublisher(cfg WebhookConfig) (*WebhookPublisher, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook url must be an absolute http(s) url: %q", cfg.URL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Webhook.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().Webhook.UserAgent
	}
	return &WebhookPublisher{
		client:    &http.Client{Timeout: cfg.Timeout},
		url:       cfg.URL,
		secret:    []byte(cfg.Secret),
		userAgent: cfg.UserAgent,
	}, nil
}

func (p *WebhookPublisher) Name() string {
	return "webhook"
}

// Publish posts the event. Client errors other than 408 and 429 are permanent.
func (p *WebhookPublisher) Publish(ctx context.Context, key string, eventData []byte) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(eventData))
	if err != nil {
		return taskqueue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("X-Zapscribe-Job", key)
	if len(p.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(p.secret, eventData))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook publish: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("webhook publish: unexpected status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return taskqueue.Permanent(err)
		}
		return err
	}

	EventsDeliveryDuration.WithLabelValues("webhook").Observe(time.Since(start).Seconds())
	logger.Debug().Str("url", p.url).Str("job_id", key).Int("status", resp.StatusCode).Msg("published event to webhook")
	return nil
}

func (p *WebhookPublisher) Close() error {
	p.client.CloseIdleConnections()
	return nil
}

// Sign returns "sha256=" followed by the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
