package store

import (
	"sort"
	"time"
)

// IPSighting is one observation of an IP address using a key.
type IPSighting struct {
	IP         string
	ObservedAt time.Time
}

// LocationSighting is one observation of a device location using a key.
type LocationSighting struct {
	Latitude   float64
	Longitude  float64
	IP         string
	ObservedAt time.Time
}

// Session is the last time a session id was seen for a key.
type Session struct {
	StartedAt time.Time
}

// KeyRecord is the tracked history of a single API key.
//
// A KeyRecord is only ever handed out while its key lock is held (see
// Store.Update), so its methods do no locking of their own.
type KeyRecord struct {
	IPHistory       []IPSighting
	LocationHistory []LocationSighting
	Sessions        map[string]Session

	maxHistory int
}

// RecordIP appends an IP sighting.
func (r *KeyRecord) RecordIP(ip string, now time.Time) {
	r.IPHistory = appendBounded(r.IPHistory, IPSighting{IP: ip, ObservedAt: now}, r.maxHistory)
}

// RecordSession upserts a session. Re-recording an id overwrites its start
// time and never changes the session count.
func (r *KeyRecord) RecordSession(sessionID string, now time.Time) {
	if r.Sessions == nil {
		r.Sessions = make(map[string]Session)
	}
	r.Sessions[sessionID] = Session{StartedAt: now}
}

// RecordLocation appends a location sighting.
func (r *KeyRecord) RecordLocation(lat, lon float64, ip string, now time.Time) {
	r.LocationHistory = appendBounded(r.LocationHistory, LocationSighting{
		Latitude:   lat,
		Longitude:  lon,
		IP:         ip,
		ObservedAt: now,
	}, r.maxHistory)
}

// LastLocation returns the most recently appended location.
func (r *KeyRecord) LastLocation() (LocationSighting, bool) {
	if len(r.LocationHistory) == 0 {
		return LocationSighting{}, false
	}
	return r.LocationHistory[len(r.LocationHistory)-1], true
}

// UniqueIPs returns the distinct IPs in the history in first-seen order.
func (r *KeyRecord) UniqueIPs() []string {
	seen := make(map[string]struct{}, len(r.IPHistory))
	ips := make([]string, 0, len(r.IPHistory))
	for _, s := range r.IPHistory {
		if _, dup := seen[s.IP]; dup {
			continue
		}
		seen[s.IP] = struct{}{}
		ips = append(ips, s.IP)
	}
	return ips
}

// SessionIDs returns the tracked session ids, sorted.
func (r *KeyRecord) SessionIDs() []string {
	ids := make([]string, 0, len(r.Sessions))
	for id := range r.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// prune drops history entries older than window. Sessions are only expired
// when sessionTTL > 0. Filtered slices are rebuilt and swapped in whole.
func (r *KeyRecord) prune(now time.Time, window, sessionTTL time.Duration) {
	r.IPHistory = filterWindow(r.IPHistory, func(s IPSighting) time.Time { return s.ObservedAt }, now, window)
	r.LocationHistory = filterWindow(r.LocationHistory, func(s LocationSighting) time.Time { return s.ObservedAt }, now, window)

	if sessionTTL > 0 {
		for id, s := range r.Sessions {
			if now.Sub(s.StartedAt) > sessionTTL {
				delete(r.Sessions, id)
			}
		}
	}
}

// filterWindow keeps entries with now - observedAt <= window. The input slice
// is returned untouched when nothing expires.
func filterWindow[T any](entries []T, at func(T) time.Time, now time.Time, window time.Duration) []T {
	expired := 0
	for _, e := range entries {
		if now.Sub(at(e)) > window {
			expired++
		}
	}
	if expired == 0 {
		return entries
	}

	kept := make([]T, 0, len(entries)-expired)
	for _, e := range entries {
		if now.Sub(at(e)) <= window {
			kept = append(kept, e)
		}
	}
	return kept
}

// appendBounded appends v and, when limit > 0, evicts the oldest entries so
// that at most limit remain.
func appendBounded[T any](entries []T, v T, limit int) []T {
	entries = append(entries, v)
	if limit > 0 && len(entries) > limit {
		n := copy(entries, entries[len(entries)-limit:])
		clear(entries[n:])
		entries = entries[:n]
	}
	return entries
}
