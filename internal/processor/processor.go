// Package processor orchestrates a single authentication event: validate,
// prune expired history, record and evaluate under the key's lock, then
// hand any alerts to the dispatcher.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authwatch/sharing-api/internal/detection"
	"authwatch/sharing-api/internal/domain"
	"authwatch/sharing-api/internal/geo"
	"authwatch/sharing-api/internal/metrics"
	"authwatch/sharing-api/internal/store"
)

// AlertDispatcher delivers alerts out of band. Implementations must not
// block and must swallow their own failures.
type AlertDispatcher interface {
	Dispatch(alert domain.Alert, ac domain.AlertContext)
}

// Locator resolves an IP to a coarse location for alert context.
type Locator interface {
	Lookup(ip string) (*domain.IPLocation, error)
}

// Processor runs events through the store and detection engine.
type Processor struct {
	store      *store.Store
	engine     *detection.Engine
	dispatcher AlertDispatcher
	clock      store.Clock
	locator    Locator
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the wall clock.
func WithClock(c store.Clock) Option {
	return func(p *Processor) { p.clock = c }
}

// WithLocator enables IP geolocation of alert context.
func WithLocator(l Locator) Option {
	return func(p *Processor) { p.locator = l }
}

// New creates a Processor.
func New(s *store.Store, e *detection.Engine, d AlertDispatcher, opts ...Option) *Processor {
	p := &Processor{
		store:      s,
		engine:     e,
		dispatcher: d,
		clock:      store.SystemClock{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process validates ev, records it and returns the alerts it raised.
// executionIP is the address the request arrived from; it is used when the
// event does not report one itself.
//
// A *domain.ValidationError means nothing was recorded. Any other error
// wraps domain.ErrInternal; state recorded before the failure is kept.
func (p *Processor) Process(ctx context.Context, ev domain.Event, executionIP string) (*domain.Result, error) {
	started := time.Now()

	if err := ev.Validate(); err != nil {
		metrics.ValidationFailures.Inc()
		return nil, err
	}

	ip, ok := ev.ExplicitIP()
	if !ok {
		ip = strings.TrimSpace(executionIP)
	}
	if ip == "" {
		metrics.ValidationFailures.Inc()
		return nil, &domain.ValidationError{Missing: []string{"ipAddress"}}
	}

	obs := detection.Observation{SessionID: ev.SessionID, IP: ip}
	if ev.HasLocation() {
		obs.Location = &geo.Point{Lat: *ev.Latitude, Lon: *ev.Longitude}
	}

	p.store.Cleanup(p.clock.Now(), p.engine.Config().Window)

	var (
		alerts []domain.Alert
		now    time.Time
	)
	err := p.store.Update(ev.APIKey, func(rec *store.KeyRecord) error {
		// Read under the key lock so timestamps never go backwards per key.
		now = p.clock.Now()
		alerts = p.engine.Evaluate(rec, obs, now)
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "processor: evaluation failed", "api_key", MaskKey(ev.APIKey), "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}

	if len(alerts) > 0 {
		ac := p.alertContext(ctx, ev, ip, executionIP)
		for _, a := range alerts {
			metrics.RecordAlert(string(a.Type), string(a.Severity))
			slog.WarnContext(ctx, "alert raised",
				"alert_id", a.ID,
				"type", a.Type,
				"severity", a.Severity,
				"api_key", MaskKey(ev.APIKey),
				"ip", ip,
			)
			p.dispatcher.Dispatch(a, ac)
		}
	}

	metrics.RecordEvent(time.Since(started))

	return &domain.Result{
		Success:     true,
		Logged:      true,
		AlertCount:  len(alerts),
		Alerts:      alerts,
		ExecutionIP: executionIP,
		Timestamp:   now.UTC().Format(domain.TimestampLayout),
	}, nil
}

// alertContext gathers what a notification needs besides the alert itself.
func (p *Processor) alertContext(ctx context.Context, ev domain.Event, ip, executionIP string) domain.AlertContext {
	ac := domain.AlertContext{
		APIKey:      ev.APIKey,
		Username:    ev.Username.String(),
		UserID:      ev.UserID.String(),
		ExecutionIP: executionIP,
		IPAddress:   ip,
		Event:       ev,
	}
	if p.locator == nil {
		return ac
	}

	target := executionIP
	if target == "" {
		target = ip
	}
	loc, err := p.locator.Lookup(target)
	if err != nil {
		slog.DebugContext(ctx, "processor: ip lookup failed", "ip", target, "error", err)
		return ac
	}
	ac.IPLocation = loc
	return ac
}

// MaskKey shortens an API key for logs: the first four characters followed
// by an ellipsis.
func MaskKey(key string) string {
	r := []rune(key)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:4]) + "…"
}
