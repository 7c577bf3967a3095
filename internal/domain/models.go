// Package domain contains all core types used across the application.
// Keeping domain types in one place makes the detection rules easy to reason about.
package domain

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// ─── Alert classification ─────────────────────────────────────────────────────

// AlertType identifies which detector produced an alert.
type AlertType string

const (
	AlertMultipleIPs        AlertType = "MULTIPLE_IPS"
	AlertConcurrentSessions AlertType = "CONCURRENT_SESSIONS"
	AlertImpossibleTravel   AlertType = "IMPOSSIBLE_TRAVEL"
)

// Severity of an alert. Each detector emits a fixed severity.
type Severity string

const (
	SeverityWarning  Severity = "WARNING"  // multiple IPs
	SeverityAlert    Severity = "ALERT"    // concurrent sessions
	SeverityCritical Severity = "CRITICAL" // impossible travel
)

// ─── Inbound event ────────────────────────────────────────────────────────────

// Event is the authentication event submitted by a client.
// APIKey and SessionID are required; everything else is optional and
// modelled as a pointer so "absent" and "zero" stay distinguishable.
type Event struct {
	APIKey    string         `json:"apiKey"`
	SessionID string         `json:"sessionId"`
	Username  *FlexString    `json:"username,omitempty"`
	UserID    *FlexString    `json:"userId,omitempty"`
	IPAddress *string        `json:"ipAddress,omitempty"` // opaque; any non-blank text is tracked
	Latitude  *float64       `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64       `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	Metadata  map[string]any `json:"metadata,omitempty"` // passed through unexamined
}

// HasLocation reports whether the event carries a full coordinate pair.
func (e *Event) HasLocation() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// ExplicitIP returns the client-reported IP, if any.
func (e *Event) ExplicitIP() (string, bool) {
	if e.IPAddress == nil {
		return "", false
	}
	ip := strings.TrimSpace(*e.IPAddress)
	return ip, ip != ""
}

// FlexString accepts either a JSON string or a JSON number. Game clients
// send numeric user IDs; the engine only ever treats them as opaque text.
type FlexString string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(b)
	return nil
}

// String returns the underlying text; nil renders as "".
func (f *FlexString) String() string {
	if f == nil {
		return ""
	}
	return string(*f)
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

// Alert is a single detection. Data holds one of the typed payloads below.
type Alert struct {
	ID         string    `json:"id"`
	Type       AlertType `json:"type"`
	Severity   Severity  `json:"severity"`
	Data       any       `json:"data"`
	DetectedAt time.Time `json:"detectedAt"`
}

// MultipleIPsData is the payload of a MULTIPLE_IPS alert.
type MultipleIPsData struct {
	UniqueIPCount int      `json:"uniqueIPCount"`
	IPs           []string `json:"ips"` // first-seen order
	Threshold     int      `json:"threshold"`
}

// ConcurrentSessionsData is the payload of a CONCURRENT_SESSIONS alert.
type ConcurrentSessionsData struct {
	ConcurrentSessions int      `json:"concurrentSessions"`
	Threshold          int      `json:"threshold"`
	SessionIDs         []string `json:"sessionIds"` // sorted
}

// LocationPoint is one end of an impossible-travel pair.
type LocationPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	IP         string    `json:"ip"`
	ObservedAt time.Time `json:"timestamp"`
}

// ImpossibleTravelData is the payload of an IMPOSSIBLE_TRAVEL alert.
// Distances, times and speeds are rounded to the nearest integer.
// Instant is set when both sightings share a timestamp; SpeedKmh is then 0
// because the real value is unbounded.
type ImpossibleTravelData struct {
	PreviousLocation LocationPoint `json:"previousLocation"`
	CurrentLocation  LocationPoint `json:"currentLocation"`
	DistanceKm       int64         `json:"distanceKm"`
	TimeSeconds      int64         `json:"timeSeconds"`
	SpeedKmh         int64         `json:"speedKmh"`
	Instant          bool          `json:"instant,omitempty"`
}

// ─── Dispatch context ─────────────────────────────────────────────────────────

// IPLocation is a coarse geolocation resolved from an IP database.
type IPLocation struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// AlertContext travels with every alert handed to a dispatcher.
type AlertContext struct {
	APIKey      string
	Username    string
	UserID      string
	ExecutionIP string
	IPAddress   string
	IPLocation  *IPLocation // nil when no IP database is configured
	Event       Event
}

// ─── Result ───────────────────────────────────────────────────────────────────

// Result is what processing a single event returns to the caller.
type Result struct {
	Success     bool    `json:"success"`
	Logged      bool    `json:"logged"`
	AlertCount  int     `json:"alertCount"`
	Alerts      []Alert `json:"alerts"`
	ExecutionIP string  `json:"executionIP"`
	Timestamp   string  `json:"timestamp"` // ISO-8601, millisecond precision, UTC
}

// TimestampLayout matches the millisecond ISO-8601 form clients already parse.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"
