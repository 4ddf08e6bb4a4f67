package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/jobpulse/internal/config"
	"github.com/timmy/jobpulse/internal/domain"
	"github.com/timmy/jobpulse/internal/logger"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed "sha256=".
const SignatureHeader = "X-Jobpulse-Signature"

// WebhookPayload is the JSON body posted for every finished job.
type WebhookPayload struct {
	Event  string          `json:"event"` // job.completed or job.failed
	Job    domain.JobEvent `json:"job"`
	SentAt time.Time       `json:"sent_at"`
}

// WebhookNotifier posts terminal job events to a configured URL.
// Deliveries run in the background; Wait blocks until they are done.
type WebhookNotifier struct {
	client *resty.Client
	url    string
	secret []byte
	logger *logger.Logger
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a notifier.
// Parameters:
//   - cfg: target URL, signing secret, timeout and retry count.
//   - log: base logger.
// Returns:
//   - *WebhookNotifier: ready notifier.
func NewWebhookNotifier(cfg *config.WebhookConfig, log *logger.Logger) *WebhookNotifier {
	client := resty.New()
	client.SetHeader("Content-Type", "application/json")
	client.SetHeader("User-Agent", "jobpulse-webhook/1")
	client.SetTimeout(cfg.Timeout)
	client.SetRetryCount(cfg.RetryCount)
	client.SetRetryWaitTime(200 * time.Millisecond)
	client.SetRetryMaxWaitTime(2 * time.Second)
	// retry on server errors as well as transport errors
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= http.StatusInternalServerError
	})

	if log == nil {
		log = logger.GetDefault()
	}
	return &WebhookNotifier{
		client: client,
		url:    cfg.URL,
		secret: []byte(cfg.Secret),
		logger: log.WithField(logger.FieldComponent, "webhook"),
	}
}

// NotifyTerminal schedules a delivery and returns immediately.
func (n *WebhookNotifier) NotifyTerminal(ctx context.Context, ev domain.JobEvent) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		// the caller's request may already be gone; keep its values, drop its deadline
		if err := n.Deliver(context.WithoutCancel(ctx), ev); err != nil {
			n.logger.WithError(err).WithField(logger.FieldJobID, ev.JobID).Error("Webhook delivery failed")
		}
	}()
}

// Deliver posts one event synchronously, retrying per configuration.
func (n *WebhookNotifier) Deliver(ctx context.Context, ev domain.JobEvent) error {
	name := "job.completed"
	if ev.Kind == domain.EventError {
		name = "job.failed"
	}
	body, err := json.Marshal(WebhookPayload{Event: name, Job: ev, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req := n.client.R().SetContext(ctx).SetBody(body)
	if len(n.secret) > 0 {
		req.SetHeader(SignatureHeader, Sign(n.secret, body))
	}

	start := time.Now()
	resp, err := req.Post(n.url)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}

	n.logger.WithFields(logger.Fields{
		logger.FieldJobID:      ev.JobID,
		logger.FieldStatus:     resp.StatusCode(),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug("Webhook delivered")
	return nil
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (n *WebhookNotifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sign returns the SignatureHeader value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
