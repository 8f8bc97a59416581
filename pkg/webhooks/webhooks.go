package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/pulse/pkg/analytics"
	"github.com/platinummonkey/pulse/pkg/observability"
)

// EventType represents the type of webhook event
type EventType string

// EventChurnAlert carries subscribers at or above the alert risk level
const EventChurnAlert EventType = "churn.alert"

// Delivery headers
const (
	HeaderEvent     = "X-Pulse-Event"
	HeaderEventID   = "X-Pulse-Event-ID"
	HeaderDelivery  = "X-Pulse-Delivery"
	HeaderAttempt   = "X-Pulse-Attempt"
	HeaderSignature = "X-Pulse-Signature"
)

const defaultTimeout = 10 * time.Second

// Event is the JSON body posted to each endpoint
type Event struct {
	ID        string                           `json:"id"`
	Type      EventType                        `json:"type"`
	Timestamp time.Time                        `json:"timestamp"`
	Alerts    []*analytics.ChurnRiskAssessment `json:"alerts"`
}

// Config configures a Notifier
type Config struct {
	// URLs receive every alert batch
	URLs []string
	// Secret signs payloads with HMAC-SHA256 when set
	Secret  string
	Timeout time.Duration
	Retry   RetryConfig
}

// Notifier posts churn alerts to HTTP endpoints, retrying transient
// failures with exponential backoff. It implements analytics.AlertPublisher.
type Notifier struct {
	urls   []string
	secret string
	client *http.Client
	retry  *RetryPolicy
	logger *observability.Logger

	now   func() time.Time
	newID func() string
	sleep func(ctx context.Context, d time.Duration) error
}

// NewNotifier creates a notifier for cfg.URLs
func NewNotifier(cfg Config, logger *observability.Logger) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}
	return &Notifier{
		urls:   cfg.URLs,
		secret: cfg.Secret,
		client: &http.Client{Timeout: timeout},
		retry:  NewRetryPolicy(cfg.Retry),
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
		sleep:  sleepContext,
	}
}

// PublishAlerts delivers one churn.alert event to every endpoint. Endpoints
// are tried independently; the returned error joins every endpoint that
// gave up.
func (n *Notifier) PublishAlerts(ctx context.Context, alerts []*analytics.ChurnRiskAssessment) error {
	if len(alerts) == 0 || len(n.urls) == 0 {
		return nil
	}

	event := &Event{
		ID:        n.newID(),
		Type:      EventChurnAlert,
		Timestamp: n.now().UTC(),
		Alerts:    alerts,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var errs []error
	for _, url := range n.urls {
		if err := n.deliver(ctx, url, event, payload); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", url, err))
		}
	}
	return errors.Join(errs...)
}

func (n *Notifier) deliver(ctx context.Context, url string, event *Event, payload []byte) error {
	logger := n.logger.WithFields(map[string]interface{}{
		"webhook":  url,
		"event_id": event.ID,
		"alerts":   len(event.Alerts),
	})

	for attempt := 1; ; attempt++ {
		err := n.send(ctx, url, event, payload, attempt)
		if err == nil {
			logger.WithField("attempts", attempt).Debug("Webhook delivered")
			return nil
		}
		if !n.retry.ShouldRetry(attempt, err) {
			logger.WithError(err).WithField("attempts", attempt).Error("Webhook delivery failed")
			return err
		}

		delay := n.retry.NextRetryDelay(attempt)
		logger.WithError(err).Warnf("Webhook attempt %d failed, retrying in %s", attempt, delay)
		if err := n.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (n *Notifier) send(ctx context.Context, url string, event *Event, payload []byte, attempt int) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return &permanentError{fmt.Errorf("failed to create request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event.Type))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderDelivery, n.now().UTC().Format(time.RFC3339))
	req.Header.Set(HeaderAttempt, fmt.Sprint(attempt))
	if n.secret != "" {
		req.Header.Set(HeaderSignature, generateSignature(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return &permanentError{fmt.Errorf("webhook returned status %d", resp.StatusCode)}
	}
}

// VerifySignature checks an X-Pulse-Signature header against payload
func VerifySignature(payload []byte, signature, secret string) bool {
	expected := generateSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// generateSignature generates HMAC-SHA256 signature
func generateSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
