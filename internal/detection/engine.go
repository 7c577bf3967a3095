// Package detection implements the key-sharing detectors.
//
// Architecture:
//   The engine owns no state. It is handed a store.KeyRecord while the
//   caller holds that key's lock, records the observation into it and
//   reports what the updated history looks like. Running all three
//   detectors inside one Store.Update makes an event atomic per key.
//
// Detectors, always run in this order:
//   1. Multiple IPs        (WARNING)  distinct IPs in the window > MaxIPsPerKey
//   2. Concurrent sessions (ALERT)    tracked sessions > MaxConcurrentSessions
//   3. Impossible travel   (CRITICAL) only for geolocated observations
package detection

import (
	"math"
	"time"

	"github.com/google/uuid"

	"authwatch/sharing-api/internal/domain"
	"authwatch/sharing-api/internal/geo"
	"authwatch/sharing-api/internal/store"
)

// Config holds the detection thresholds.
type Config struct {
	MaxIPsPerKey          int
	MaxConcurrentSessions int
	SuspiciousDistanceKm  float64
	MaxSpeedKmh           float64
	Window                time.Duration
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxIPsPerKey:          3,
		MaxConcurrentSessions: 2,
		SuspiciousDistanceKm:  500,
		MaxSpeedKmh:           800, // faster than sustained commercial flight
		Window:                time.Hour,
	}
}

// Observation is the part of an event the detectors look at.
type Observation struct {
	SessionID string
	IP        string
	Location  *geo.Point // nil when the event carried no coordinates
}

// Engine runs the detectors against a key's record.
type Engine struct {
	cfg   Config
	newID func() string
}

// New creates an engine with the given thresholds.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg, newID: uuid.NewString}
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// ─── Public API ───────────────────────────────────────────────────────────────

// Evaluate records obs into rec and returns the alerts it raised, in
// detector order. rec must be held under its key lock for the whole call.
func (e *Engine) Evaluate(rec *store.KeyRecord, obs Observation, now time.Time) []domain.Alert {
	alerts := make([]domain.Alert, 0, 3)

	if a, ok := e.DetectMultipleIPs(rec, obs.IP, now); ok {
		alerts = append(alerts, a)
	}
	if a, ok := e.DetectConcurrentSessions(rec, obs.SessionID, now); ok {
		alerts = append(alerts, a)
	}
	if obs.Location != nil {
		if a, ok := e.DetectImpossibleTravel(rec, *obs.Location, obs.IP, now); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// DetectMultipleIPs records ip and reports whether the key has now been used
// from more distinct IPs than allowed.
func (e *Engine) DetectMultipleIPs(rec *store.KeyRecord, ip string, now time.Time) (domain.Alert, bool) {
	rec.RecordIP(ip, now)

	ips := rec.UniqueIPs()
	if len(ips) <= e.cfg.MaxIPsPerKey {
		return domain.Alert{}, false
	}
	return e.alert(domain.AlertMultipleIPs, domain.SeverityWarning, domain.MultipleIPsData{
		UniqueIPCount: len(ips),
		IPs:           ips,
		Threshold:     e.cfg.MaxIPsPerKey,
	}, now), true
}

// DetectConcurrentSessions upserts sessionID and reports whether the key now
// has more sessions than allowed. Reusing a known session never raises the
// count.
func (e *Engine) DetectConcurrentSessions(rec *store.KeyRecord, sessionID string, now time.Time) (domain.Alert, bool) {
	rec.RecordSession(sessionID, now)

	if len(rec.Sessions) <= e.cfg.MaxConcurrentSessions {
		return domain.Alert{}, false
	}
	return e.alert(domain.AlertConcurrentSessions, domain.SeverityAlert, domain.ConcurrentSessionsData{
		ConcurrentSessions: len(rec.Sessions),
		Threshold:          e.cfg.MaxConcurrentSessions,
		SessionIDs:         rec.SessionIDs(),
	}, now), true
}

// DetectImpossibleTravel compares cur against the key's previous location
// and then records cur. The location is recorded whether or not anything
// was detected.
func (e *Engine) DetectImpossibleTravel(rec *store.KeyRecord, cur geo.Point, ip string, now time.Time) (domain.Alert, bool) {
	prev, hasPrev := rec.LastLocation()
	rec.RecordLocation(cur.Lat, cur.Lon, ip, now)

	if !hasPrev {
		return domain.Alert{}, false
	}
	elapsed := now.Sub(prev.ObservedAt)
	if elapsed > e.cfg.Window {
		return domain.Alert{}, false
	}

	distance := geo.Point{Lat: prev.Latitude, Lon: prev.Longitude}.DistanceTo(cur)
	if distance <= e.cfg.SuspiciousDistanceKm {
		return domain.Alert{}, false
	}

	hours := elapsed.Hours()
	instant := hours <= 0
	var speed float64
	if !instant {
		speed = distance / hours
		if speed <= e.cfg.MaxSpeedKmh {
			return domain.Alert{}, false
		}
	}

	return e.alert(domain.AlertImpossibleTravel, domain.SeverityCritical, domain.ImpossibleTravelData{
		PreviousLocation: domain.LocationPoint{
			Latitude:   prev.Latitude,
			Longitude:  prev.Longitude,
			IP:         prev.IP,
			ObservedAt: prev.ObservedAt,
		},
		CurrentLocation: domain.LocationPoint{
			Latitude:   cur.Lat,
			Longitude:  cur.Lon,
			IP:         ip,
			ObservedAt: now,
		},
		DistanceKm:  round(distance),
		TimeSeconds: round(elapsed.Seconds()),
		SpeedKmh:    round(speed),
		Instant:     instant,
	}, now), true
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (e *Engine) alert(t domain.AlertType, sev domain.Severity, data any, now time.Time) domain.Alert {
	return domain.Alert{
		ID:         e.newID(),
		Type:       t,
		Severity:   sev,
		Data:       data,
		DetectedAt: now,
	}
}

func round(v float64) int64 {
	return int64(math.Round(v))
}
