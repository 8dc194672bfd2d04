package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/guardian/internal/circuitbreaker"
	"github.com/mbd888/guardian/internal/metrics"
	"github.com/mbd888/guardian/internal/retry"
	"github.com/mbd888/guardian/internal/security"
)

// Endpoint is a webhook destination.
type Endpoint struct {
	URL    string
	Secret string // used for HMAC signing
	// Events restricts delivery to these types; empty means all.
	Events []EventType
}

func (e Endpoint) wants(t EventType) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// WebhookNotifier posts HMAC-signed events to configured endpoints.
// Delivery is asynchronous with retries; an endpoint that keeps failing is
// skipped until its circuit breaker lets a probe through.
type WebhookNotifier struct {
	client      *http.Client
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	validateURL func(string) error

	mu        sync.RWMutex
	endpoints []Endpoint
	wg        sync.WaitGroup
}

// NewWebhookNotifier creates a notifier with no endpoints.
func NewWebhookNotifier(logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		client:      &http.Client{Timeout: 10 * time.Second},
		breaker:     circuitbreaker.New(5, time.Minute),
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		validateURL: security.ValidateEndpointURL,
	}
}

// WithEndpointPolicy replaces the default URL checks for endpoints added
// afterwards.
func (w *WebhookNotifier) WithEndpointPolicy(p security.EndpointPolicy) *WebhookNotifier {
	w.validateURL = p.Validate
	return w
}

// AddEndpoint registers a destination after checking it is not an
// internal address.
func (w *WebhookNotifier) AddEndpoint(ep Endpoint) error {
	if err := w.validateURL(ep.URL); err != nil {
		return fmt.Errorf("webhook endpoint: %w", err)
	}
	w.mu.Lock()
	w.endpoints = append(w.endpoints, ep)
	w.mu.Unlock()
	return nil
}

// Notify schedules delivery of event to every interested endpoint and
// returns without waiting.
func (w *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.RLock()
	targets := make([]Endpoint, 0, len(w.endpoints))
	for _, ep := range w.endpoints {
		if ep.wants(event.Type) {
			targets = append(targets, ep)
		}
	}
	w.mu.RUnlock()

	for _, ep := range targets {
		if !w.breaker.Allow(ep.URL) {
			metrics.WebhookDeliveriesTotal.WithLabelValues("skipped").Inc()
			continue
		}
		w.wg.Add(1)
		go func(ep Endpoint) {
			defer w.wg.Done()
			w.deliver(context.WithoutCancel(ctx), ep, event, payload)
		}(ep)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (w *WebhookNotifier) Wait() {
	w.wg.Wait()
}

func (w *WebhookNotifier) deliver(ctx context.Context, ep Endpoint, event Event, payload []byte) {
	err := retry.Do(ctx, w.maxAttempts, w.baseDelay, func() error {
		return w.send(ctx, ep, event, payload)
	})
	if err != nil {
		w.breaker.RecordFailure(ep.URL)
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		w.logger.Warn("webhook delivery failed", "url", ep.URL, "event", event.Type, "event_id", event.ID, "error", err)
		return
	}
	w.breaker.RecordSuccess(ep.URL)
	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
}

func (w *WebhookNotifier) send(ctx context.Context, ep Endpoint, event Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guardian-Event", string(event.Type))
	req.Header.Set("X-Guardian-Event-Id", event.ID)
	req.Header.Set("X-Guardian-Timestamp", strconv.FormatInt(event.Timestamp.Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set("X-Guardian-Signature", Sign(payload, ep.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(errors.New("status " + strconv.Itoa(resp.StatusCode)))
	}
}

// OpenEndpoints lists endpoint URLs currently skipped by their circuit
// breaker.
func (w *WebhookNotifier) OpenEndpoints() []string {
	return w.breaker.OpenKeys()
}

// Sign returns the hex HMAC-SHA256 of payload under secret, as sent in
// X-Guardian-Signature.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
