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
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chainsettle/chainsettle/internal/events"
	"github.com/chainsettle/chainsettle/internal/metrics"
	"github.com/chainsettle/chainsettle/internal/retry"
	"github.com/chainsettle/chainsettle/internal/settlement"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Chainsettle-Event"
	HeaderDelivery  = "X-Chainsettle-Delivery"
	HeaderTimestamp = "X-Chainsettle-Timestamp"
	HeaderSignature = "X-Chainsettle-Signature"
)

const deliveryTimeout = 60 * time.Second

// Payload is the JSON body POSTed to a merchant endpoint.
type Payload struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	SettlementID string            `json:"settlementId"`
	MerchantID   string            `json:"merchantId"`
	Chain        string            `json:"chain,omitempty"`
	From         string            `json:"from"`
	To           string            `json:"to"`
	TxRef        string            `json:"txRef,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	At           time.Time         `json:"at"`
}

// Sign returns the signature header value for a delivery:
// "sha256=" + hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret string, timestamp int64, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}

// Dispatcher turns settlement audit events into merchant webhook deliveries.
// It implements events.Publisher so it can sit in the event fan-out.
type Dispatcher struct {
	store    Store
	client   *http.Client
	logger   *slog.Logger
	policy   retry.Policy
	validate func(ctx context.Context, rawURL string) error
	now      func() time.Time
	wg       sync.WaitGroup
}

// NewDispatcher creates a dispatcher with a 10s per-request timeout and three
// attempts per delivery.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		now:    time.Now,
	}
}

// WithHTTPClient replaces the delivery client.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

// WithRetry replaces the per-delivery retry policy.
func (d *Dispatcher) WithRetry(p retry.Policy) *Dispatcher {
	d.policy = p
	return d
}

// WithURLValidator re-checks the endpoint before every delivery, so a host
// that later resolves to an internal address is refused.
func (d *Dispatcher) WithURLValidator(fn func(ctx context.Context, rawURL string) error) *Dispatcher {
	d.validate = fn
	return d
}

// Publish schedules deliveries for a settlement event. Events without a
// merchant, or of other kinds, are ignored. Deliveries run in the background;
// Wait blocks until they finish.
func (d *Dispatcher) Publish(ctx context.Context, ev events.Event) error {
	if ev.Kind != events.KindSettlement {
		return nil
	}
	merchantID := ev.Detail["merchantId"]
	if merchantID == "" {
		return nil
	}

	subs, err := d.store.ListByMerchant(ctx, merchantID)
	if err != nil {
		return fmt.Errorf("webhooks: list subscriptions: %w", err)
	}

	et := EventFor(settlement.Status(ev.To))
	var body []byte
	for _, sub := range subs {
		if !sub.Wants(et) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(Payload{
				ID:           ev.ID,
				Type:         et,
				SettlementID: ev.EntityID,
				MerchantID:   merchantID,
				Chain:        ev.Chain,
				From:         ev.From,
				To:           ev.To,
				TxRef:        ev.TxRef,
				Detail:       ev.Detail,
				At:           ev.At,
			})
			if err != nil {
				return fmt.Errorf("webhooks: encode payload: %w", err)
			}
		}
		d.wg.Add(1)
		go d.deliver(context.WithoutCancel(ctx), sub, et, ev.ID, body)
	}
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, et EventType, eventID string, body []byte) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	err := d.policy.Do(ctx, func(attempt int) error {
		return d.post(ctx, sub, et, eventID, body)
	})

	result, errMsg := "delivered", ""
	if err != nil {
		result, errMsg = "failed", err.Error()
		d.logger.Warn("webhook delivery failed",
			"webhookId", sub.ID, "merchantId", sub.MerchantID, "event", et, "error", err)
	}
	metrics.WebhookDeliveries.WithLabelValues(result).Inc()

	if rerr := d.store.RecordDelivery(ctx, sub.ID, d.now().UTC(), errMsg); rerr != nil && !errors.Is(rerr, ErrNotFound) {
		d.logger.Warn("failed to record webhook delivery", "webhookId", sub.ID, "error", rerr)
	}
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, et EventType, eventID string, body []byte) error {
	if d.validate != nil {
		if err := d.validate(ctx, sub.URL); err != nil {
			return retry.Permanent(err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	ts := d.now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(et))
	req.Header.Set(HeaderDelivery, eventID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("endpoint returned %d", resp.StatusCode))
	}
}
