// Package webhook delivers alert notifications to a Discord-compatible
// webhook.
//
// Dispatch only enqueues; a single worker (Serve) drains the queue, so the
// request path never waits on outbound I/O. Each delivery is rate limited,
// guarded by a circuit breaker and retried with bounded exponential backoff.
// Failures are logged and counted, never returned to the caller.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"authwatch/sharing-api/internal/domain"
	"authwatch/sharing-api/internal/metrics"
)

// Config configures a Notifier.
type Config struct {
	URL                  string
	Timeout              time.Duration // per HTTP attempt
	MaxAttempts          int
	QueueSize            int
	RatePerSecond        float64 // 0 disables rate limiting
	RetryInitialInterval time.Duration
	DrainTimeout         time.Duration // budget for flushing the queue on shutdown

	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultConfig returns production defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		Timeout:              5 * time.Second,
		MaxAttempts:          3,
		QueueSize:            256,
		RatePerSecond:        1,
		RetryInitialInterval: 500 * time.Millisecond,
		DrainTimeout:         5 * time.Second,
		BreakerFailures:      5,
		BreakerTimeout:       30 * time.Second,
	}
}

// errStatus is returned for a non-2xx webhook response.
type errStatus struct {
	code int
}

func (e *errStatus) Error() string {
	return fmt.Sprintf("webhook returned status %d", e.code)
}

// retryable reports whether another attempt could succeed.
func (e *errStatus) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

type job struct {
	alert domain.Alert
	ac    domain.AlertContext
}

// Notifier queues alerts and delivers them from a background worker.
type Notifier struct {
	cfg     Config
	client  *http.Client
	queue   chan job
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[int]
	now     func() time.Time
}

// New creates a Notifier. Nothing is sent until Serve runs.
func New(cfg Config) *Notifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	n := &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		queue:   make(chan job, cfg.QueueSize),
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	n.breaker = gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return cfg.BreakerFailures > 0 && counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("webhook: circuit breaker state changed", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				metrics.WebhookBreakerOpen.Set(1)
			} else {
				metrics.WebhookBreakerOpen.Set(0)
			}
		},
	})
	return n
}

// Dispatch enqueues an alert for delivery. It never blocks: when the queue
// is full the alert is dropped and logged.
func (n *Notifier) Dispatch(alert domain.Alert, ac domain.AlertContext) {
	select {
	case n.queue <- job{alert: alert, ac: ac}:
		metrics.WebhookQueueDepth.Inc()
	default:
		metrics.RecordDelivery(metrics.DeliveryDropped)
		slog.Error("webhook: queue full, alert dropped",
			"alert_id", alert.ID,
			"alert_type", alert.Type,
			"queue_size", n.cfg.QueueSize,
		)
	}
}

// Serve delivers queued alerts until ctx is cancelled, then flushes what is
// left within DrainTimeout. A delivery in progress at cancellation gets its
// own DrainTimeout to finish. It implements suture.Service.
func (n *Notifier) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			n.drain()
			return ctx.Err()
		case j := <-n.queue:
			metrics.WebhookQueueDepth.Dec()
			if ctx.Err() != nil {
				n.drain(j)
				return ctx.Err()
			}
			dctx, cancel := n.deliveryContext(ctx)
			n.deliver(dctx, j)
			cancel()
		}
	}
}

// deliveryContext returns a context for one delivery that stays live for
// DrainTimeout after ctx is cancelled, so a send already under way at
// shutdown is finished instead of aborted.
func (n *Notifier) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(n.cfg.DrainTimeout, cancel)
	})
	return dctx, func() {
		stop()
		cancel()
	}
}

// String implements fmt.Stringer for suture logging.
func (n *Notifier) String() string { return "webhook-notifier" }

// drain delivers pending and then everything still queued, sharing one
// DrainTimeout budget. Jobs left when the budget runs out are dropped.
func (n *Notifier) drain(pending ...job) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.DrainTimeout)
	defer cancel()

	flush := func(j job) {
		if ctx.Err() != nil {
			metrics.RecordDelivery(metrics.DeliveryDropped)
			slog.Warn("webhook: shutdown budget exhausted, alert dropped", "alert_id", j.alert.ID)
			return
		}
		n.deliver(ctx, j)
	}

	for _, j := range pending {
		flush(j)
	}
	for {
		select {
		case j := <-n.queue:
			metrics.WebhookQueueDepth.Dec()
			flush(j)
		default:
			return
		}
	}
}

// deliver sends one alert, retrying transient failures.
func (n *Notifier) deliver(ctx context.Context, j job) {
	body, err := json.Marshal(buildPayload(j.alert, j.ac, n.now()))
	if err != nil {
		metrics.RecordDelivery(metrics.DeliveryFailed)
		slog.Error("webhook: failed to marshal payload", "alert_id", j.alert.ID, "error", err)
		return
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.cfg.RetryInitialInterval
	eb.MaxInterval = 10 * n.cfg.RetryInitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(n.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	var status int
	err = backoff.Retry(func() error {
		if err := n.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		metrics.WebhookAttempts.Inc()

		code, err := n.breaker.Execute(func() (int, error) {
			return n.post(ctx, body)
		})
		status = code
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var se *errStatus
		if errors.As(err, &se) && !se.retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		metrics.RecordDelivery(metrics.DeliveryFailed)
		slog.Warn("webhook: delivery failed",
			"alert_id", j.alert.ID,
			"alert_type", j.alert.Type,
			"attempts", attempts,
			"error", err,
		)
		return
	}

	metrics.RecordDelivery(metrics.DeliveryDelivered)
	slog.Info("webhook: delivered",
		"alert_id", j.alert.ID,
		"alert_type", j.alert.Type,
		"status", status,
		"attempts", attempts,
	)
}

// post performs a single HTTP attempt and returns the response status.
func (n *Notifier) post(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &errStatus{code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

// ─── No-op ────────────────────────────────────────────────────────────────────

// Nop is used when no webhook destination is configured. It logs once and
// discards every alert.
type Nop struct {
	once sync.Once
}

// Dispatch discards the alert.
func (n *Nop) Dispatch(alert domain.Alert, _ domain.AlertContext) {
	n.once.Do(func() {
		slog.Info("webhook: no webhook URL configured, alerts are not delivered")
	})
}
