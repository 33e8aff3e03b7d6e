// Package notify delivers tenant-service callbacks: HTTP notifications to
// the external service that owns a tenant (CI system, package registry
// frontend, …) when a build completes, a rebuild is queued, or a CI
// request finishes (spec §4.3, §4.4).
//
// Generalized from the teacher's webhook.Notifier
// (internal/controlplane/webhook/notifier.go): registrations are now
// (type,id)-keyed TenantService rows instead of free-standing URL
// registrations, and delivery is addressed to a single callback per event
// rather than fanned out to every matching subscriber, but the
// goroutine-per-delivery dispatch, bounded single-retry POST, HMAC request
// signature, and ring-buffer delivery history are kept as-is.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/repoforge/brepd/internal/model"
)

const defaultDeliveryHistoryLimit = 200

// Target is the callback destination derived from a TenantService's
// opaque Data payload: a JSON object of the form
// {"url": "...", "secret": "..."}. A TenantService with no parseable
// Target is treated as "no callback configured" and Notify is a no-op.
type Target struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

// ParseTarget extracts a Target from a tenant service's Data field.
func ParseTarget(data *string) (Target, bool) {
	if data == nil || *data == "" {
		return Target{}, false
	}
	var t Target
	if err := json.Unmarshal([]byte(*data), &t); err != nil || t.URL == "" {
		return Target{}, false
	}
	return t, true
}

// Event is the notification payload delivered to a tenant-service callback.
type Event struct {
	Type      string    `json:"type"` // e.g. "service_build_queued", "service_build_built", "service_ci_complete"
	TenantID  string    `json:"tenant_id"`
	Timestamp time.Time `json:"timestamp"`
	Detail    any       `json:"detail,omitempty"`
}

// DeliveryRecord captures one callback delivery attempt, kept for
// operator inspection (spec §4.3 "Notifications" observability).
type DeliveryRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Event      string    `json:"event"`
	TargetURL  string    `json:"target_url"`
	StatusCode int       `json:"status_code"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Notifier delivers tenant-service callbacks asynchronously.
type Notifier struct {
	client *http.Client
	logger *zap.Logger

	mu         sync.Mutex
	deliveries []DeliveryRecord
}

// New constructs a Notifier with a bounded HTTP client timeout, matching
// the teacher's 5-second webhook client timeout.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		client:     &http.Client{Timeout: 5 * time.Second},
		logger:     logger,
		deliveries: make([]DeliveryRecord, 0, defaultDeliveryHistoryLimit),
	}
}

// Notify delivers ev to target in the background, firing immediately and
// retrying once on failure. The caller is not blocked waiting for the
// delivery, matching spec §4.3's requirement that notification delivery
// never hold up the request/response cycle it was triggered from.
func (n *Notifier) Notify(ref model.ServiceRef, target Target, ev Event) {
	go func() {
		started := time.Now()
		status, err := n.deliverWithRetry(target, ev)
		n.record(ev.Type, target.URL, status, time.Since(started), err)
		if err != nil {
			n.logger.Warn("tenant-service notification delivery failed",
				zap.String("service_type", ref.Type), zap.String("service_id", ref.ID),
				zap.String("event", ev.Type), zap.Error(err))
		}
	}()
}

func (n *Notifier) deliverWithRetry(target Target, ev Event) (int, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal notification: %w", err)
	}

	var lastErr error
	var status int
	for attempt := 1; attempt <= 2; attempt++ {
		req, err := http.NewRequest(http.MethodPost, target.URL, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("build notification request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if target.Secret != "" {
			req.Header.Set("X-Brepd-Signature", signature(target.Secret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if status >= 200 && status < 300 {
			return status, nil
		}
		lastErr = fmt.Errorf("notification callback returned status %d", status)
	}
	return status, lastErr
}

func (n *Notifier) record(event, url string, status int, dur time.Duration, err error) {
	rec := DeliveryRecord{
		Timestamp:  time.Now().UTC(),
		Event:      event,
		TargetURL:  url,
		StatusCode: status,
		DurationMS: dur.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, rec)
	if len(n.deliveries) > defaultDeliveryHistoryLimit {
		n.deliveries = n.deliveries[len(n.deliveries)-defaultDeliveryHistoryLimit:]
	}
}

// Deliveries returns the most recent delivery attempts, newest first.
func (n *Notifier) Deliveries(limit int) []DeliveryRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	if limit <= 0 || limit > len(n.deliveries) {
		limit = len(n.deliveries)
	}
	out := make([]DeliveryRecord, 0, limit)
	for i := len(n.deliveries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, n.deliveries[i])
	}
	return out
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
