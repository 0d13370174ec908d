// Package notify dispatches alert events (dead-lettered tasks, escalated
// executions, audit chain violations) to registered channel drivers.
//
// Two drivers ship with the control plane:
//  1. LogChannelDriver: always registered, writes the alert as a structured
//     zerolog line
//  2. WebhookChannelDriver: HTTP POST with optional HMAC-SHA256 signing,
//     registered when WARDEN_ALERT_WEBHOOK_URL is set
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wardenhq/warden/control-plane/pkg/contracts"
)

// ── Event types ─────────────────────────────────────────────

// EventType describes what happened.
type EventType string

const (
	EventDeadLetter         EventType = "dead_letter"
	EventExecutionEscalated EventType = "execution_escalated"
	EventExecutionFailed    EventType = "execution_failed"
	EventChainViolation     EventType = "chain_violation"
)

// Severity levels carried on events.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

// Event is the notification payload. It maps 1:1 to contracts.NotificationEvent.
type Event = contracts.NotificationEvent

// NewEvent creates an Event stamped now.
func NewEvent(eventType EventType, severity, subject, message string, payload map[string]interface{}) Event {
	return Event{
		Type:      string(eventType),
		Severity:  severity,
		Subject:   subject,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Result is the outcome of one driver delivery.
type Result struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ── Service ──────────────────────────────────────────────────

// Service fans events out to every registered driver.
type Service struct {
	drivers map[string]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates a service with the log driver registered.
func NewService() *Service {
	svc := &Service{drivers: make(map[string]contracts.ChannelDriver)}
	svc.RegisterDriver(&LogChannelDriver{})
	return svc
}

// RegisterDriver adds or replaces a channel driver for its kind.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", driver.Kind()).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a given channel kind, or nil.
func (s *Service) GetDriver(kind string) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Dispatch sends event to all drivers concurrently and collects results
// ordered by channel kind.
func (s *Service) Dispatch(ctx context.Context, event Event) []Result {
	s.drvMu.RLock()
	drivers := make([]contracts.ChannelDriver, 0, len(s.drivers))
	for _, d := range s.drivers {
		drivers = append(drivers, d)
	}
	s.drvMu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []Result
	)
	for _, d := range drivers {
		wg.Add(1)
		go func(d contracts.ChannelDriver) {
			defer wg.Done()
			r := Result{Channel: d.Kind(), Timestamp: time.Now().UTC()}
			if err := d.Send(ctx, event); err != nil {
				r.Error = err.Error()
				log.Warn().Err(err).Str("kind", d.Kind()).Str("event", event.Type).Msg("Channel notification failed")
			} else {
				r.Success = true
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Channel < results[j].Channel })
	return results
}

// ── Log Channel Driver ───────────────────────────────────────

// LogChannelDriver writes events as structured log lines. High severity
// events log at error level so log-based alert rules can match on level.
type LogChannelDriver struct{}

func (d *LogChannelDriver) Kind() string { return "log" }

func (d *LogChannelDriver) Send(_ context.Context, event Event) error {
	var ev *zerolog.Event
	switch event.Severity {
	case SeverityHigh:
		ev = log.Error()
	case SeverityMedium:
		ev = log.Warn()
	default:
		ev = log.Info()
	}
	ev = ev.Str("alert", event.Type).Str("severity", event.Severity).Str("subject", event.Subject)
	for _, k := range sortedKeys(event.Payload) {
		ev = ev.Interface(k, event.Payload[k])
	}
	ev.Msg("🚨 " + event.Message)
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ── Webhook Channel Driver ───────────────────────────────────

// WebhookChannelDriver posts events as JSON to a URL with optional
// HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	url        string
	secret     string
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhookChannelDriver creates a webhook driver. secret may be empty.
func NewWebhookChannelDriver(url, secret string) *WebhookChannelDriver {
	return &WebhookChannelDriver{
		url:        url,
		secret:     secret,
		client:     &http.Client{Timeout: 15 * time.Second},
		retryDelay: 2 * time.Second,
	}
}

func (d *WebhookChannelDriver) Kind() string { return "webhook" }

// Sign returns the X-Warden-Signature header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Send posts the event, retrying up to 3 attempts with linear backoff.
func (d *WebhookChannelDriver) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * d.retryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Warden-Webhook/1.0")
		req.Header.Set("X-Warden-Event", event.Type)
		if d.secret != "" {
			req.Header.Set("X-Warden-Signature", Sign(d.secret, body))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, d.url)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
