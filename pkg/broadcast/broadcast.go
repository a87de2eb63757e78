// Package broadcast pushes run and worker state transitions to
// subscribers. Delivery is fire-and-forget with no guarantee; failures
// are counted and logged, never propagated.
package broadcast

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
	"time"

	"github.com/ethpandaops/healthoor/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Event types published during a run's lifecycle.
const (
	EventRunStarted   = "run_started"
	EventRunUpdated   = "run_updated"
	EventRunCompleted = "run_completed"
	EventCheckFailed  = "check_failed"
)

// Event is one state transition pushed to subscribers.
type Event struct {
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Broadcaster publishes events. Implementations must not block the
// caller and must swallow delivery failures.
type Broadcaster interface {
	Publish(event Event)
}

// Compile-time interface checks.
var (
	_ Broadcaster = (*webhookBroadcaster)(nil)
	_ Broadcaster = (*nopBroadcaster)(nil)
)

type webhookBroadcaster struct {
	log    logrus.FieldLogger
	url    string
	secret string
	client *http.Client
}

// NewWebhookBroadcaster creates a Broadcaster that POSTs events to a
// webhook URL. The secret, when set, signs each delivery.
func NewWebhookBroadcaster(
	log logrus.FieldLogger, url, secret string, timeout time.Duration,
) Broadcaster {
	return &webhookBroadcaster{
		log:    log.WithField("component", "broadcast"),
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: timeout},
	}
}

// Publish delivers the event in a goroutine with its own deadline so the
// caller's critical path is never blocked.
func (b *webhookBroadcaster) Publish(event Event) {
	go func() {
		if err := b.deliver(event); err != nil {
			metrics.BroadcastDeliveriesTotal.WithLabelValues("failure").Inc()
			b.log.WithError(err).
				WithField("event", event.Type).
				Warn("Broadcast delivery failed")

			return
		}

		metrics.BroadcastDeliveriesTotal.WithLabelValues("success").Inc()
	}()
}

func (b *webhookBroadcaster) deliver(event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}

	req, err := http.NewRequestWithContext(
		context.Background(), http.MethodPost, b.url, bytes.NewReader(body),
	)
	if err != nil {
		return fmt.Errorf("building broadcast request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	b.addSignature(req, body)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering event: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// addSignature attaches an HMAC-SHA256 signature over "<ts>.<body>" so
// subscribers can verify delivery authenticity.
func (b *webhookBroadcaster) addSignature(req *http.Request, body []byte) {
	if b.secret == "" {
		return
	}

	ts := time.Now().UTC().Unix()
	mac := hmac.New(sha256.New, []byte(b.secret))
	_, _ = fmt.Fprintf(mac, "%d.", ts)
	_, _ = mac.Write(body)

	req.Header.Set("X-Healthoor-Timestamp", fmt.Sprintf("%d", ts))
	req.Header.Set("X-Healthoor-Signature", hex.EncodeToString(mac.Sum(nil)))
}

type nopBroadcaster struct{}

// NewNopBroadcaster creates a Broadcaster that drops every event. Used
// when no webhook is configured.
func NewNopBroadcaster() Broadcaster {
	return &nopBroadcaster{}
}

func (*nopBroadcaster) Publish(Event) {}
