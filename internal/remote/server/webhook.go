package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Webhook event names.
const (
	EventOperationsSaved   = "operations.saved"
	EventOperationsDeleted = "operations.deleted"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
const SignatureHeader = "X-Tripsync-Signature"

// WebhookEvent is the JSON body posted to every webhook URL.
type WebhookEvent struct {
	Event        string  `json:"event"`
	DeliveryID   string  `json:"delivery_id"`
	OperationIDs []int64 `json:"operation_ids"`
	TripIDs      []int64 `json:"trip_ids,omitempty"`
	Timestamp    string  `json:"timestamp"`
}

// WebhookConfig lists the receivers and the optional signing secret.
type WebhookConfig struct {
	URLs   []string
	Secret string

	// Attempts per URL, at least 1. Defaults to 3.
	Attempts int
	// Backoff is multiplied by the attempt number between retries.
	Backoff time.Duration
}

// WebhookNotifier posts operation changes to external receivers from a
// single background worker, so a slow receiver never delays a device sync.
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *WebhookEvent
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookNotifier starts a notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	c := *cfg
	if c.Attempts < 1 {
		c.Attempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	ctx, stop := context.WithCancel(context.Background())
	wn := &WebhookNotifier{
		config: &c,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		queue:  make(chan *WebhookEvent, 64),
		ctx:    ctx,
		stop:   stop,
	}
	wn.wg.Add(1)
	go wn.run()
	return wn
}

// NotifyOperations queues an event. Events are dropped when the queue is full.
func (wn *WebhookNotifier) NotifyOperations(event string, operationIDs, tripIDs []int64) {
	if wn == nil || len(operationIDs) == 0 {
		return
	}
	ev := &WebhookEvent{
		Event:        event,
		DeliveryID:   uuid.NewString(),
		OperationIDs: operationIDs,
		TripIDs:      tripIDs,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
	wn.mu.RLock()
	defer wn.mu.RUnlock()
	if wn.closed {
		return
	}
	select {
	case wn.queue <- ev:
	default:
		wn.logger.Warn("webhook: queue full, event dropped", "event", event, "operations", len(operationIDs))
	}
}

// Close delivers what is already queued, then stops the worker. Pending
// retries are abandoned once ctx is done.
func (wn *WebhookNotifier) Close(ctx context.Context) {
	if wn == nil {
		return
	}
	wn.mu.Lock()
	if wn.closed {
		wn.mu.Unlock()
		return
	}
	wn.closed = true
	close(wn.queue)
	wn.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wn.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		wn.stop()
		<-done
	}
	wn.stop()
}

func (wn *WebhookNotifier) run() {
	defer wn.wg.Done()
	for ev := range wn.queue {
		wn.deliver(ev)
	}
}

func (wn *WebhookNotifier) deliver(ev *WebhookEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err, "event", ev.Event)
		return
	}
	for _, url := range wn.config.URLs {
		if err := wn.post(wn.ctx, url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "delivery_id", ev.DeliveryID, "error", err)
			continue
		}
		wn.logger.Debug("webhook: delivered", "url", url, "event", ev.Event, "delivery_id", ev.DeliveryID)
	}
}

// sign returns the hex HMAC-SHA256 of body under the configured secret.
func (wn *WebhookNotifier) sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(wn.config.Secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post delivers one body to one URL. Receiver errors (4xx) are final.
func (wn *WebhookNotifier) post(ctx context.Context, url string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= wn.config.Attempts; attempt++ {
		if attempt > 1 {
			t := time.NewTimer(time.Duration(attempt-1) * wn.config.Backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return fmt.Errorf("%w (last: %v)", ctx.Err(), lastErr)
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "tripsync-pod")
		if wn.config.Secret != "" {
			req.Header.Set(SignatureHeader, "sha256="+wn.sign(data))
		}

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode < 500:
			return fmt.Errorf("receiver rejected event: HTTP %d", resp.StatusCode)
		}
		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return lastErr
}
