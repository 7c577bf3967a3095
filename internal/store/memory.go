// Package store provides thread-safe, in-memory tracking of per-key activity.
//
// Each API key owns a KeyRecord guarded by its own mutex. The store-level lock
// only protects the key → record map, so events for different keys never
// wait on each other beyond a map lookup. State is volatile: it is rebuilt
// from empty at process start and pruned to a sliding time window.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUpdatePanicked is returned by Update when the callback panics.
// Mutations made before the panic are kept.
var ErrUpdatePanicked = errors.New("key update panicked")

// entry pairs a record with the lock that serializes access to it.
type entry struct {
	mu  sync.Mutex
	rec KeyRecord
}

// Store is a thread-safe in-memory key state store.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	maxHistory int
	sessionTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithMaxHistory caps each key's IP and location history at n entries,
// evicting the oldest first. Zero means the window is the only bound.
func WithMaxHistory(n int) Option {
	return func(s *Store) { s.maxHistory = n }
}

// WithSessionTTL expires sessions not seen for longer than d during Cleanup.
// Zero keeps sessions forever.
func WithSessionTTL(d time.Duration) Option {
	return func(s *Store) { s.sessionTTL = d }
}

// New creates an empty, ready-to-use Store.
func New(opts ...Option) *Store {
	s := &Store{entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Key access ───────────────────────────────────────────────────────────────

// getOrCreate returns the entry for key, creating it on first sighting.
func (s *Store) getOrCreate(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &entry{rec: KeyRecord{
		Sessions:   make(map[string]Session),
		maxHistory: s.maxHistory,
	}}
	s.entries[key] = e
	return e
}

func (s *Store) lookup(key string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Update runs fn with exclusive access to key's record, creating the record
// if needed. Everything fn does is atomic with respect to other callers for
// the same key. A panic inside fn is recovered and reported as
// ErrUpdatePanicked.
func (s *Store) Update(key string, fn func(*KeyRecord) error) (err error) {
	e := s.getOrCreate(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUpdatePanicked, r)
		}
	}()
	return fn(&e.rec)
}

// ─── Single-operation helpers ─────────────────────────────────────────────────

// RecordIP appends an IP sighting for key.
func (s *Store) RecordIP(key, ip string, now time.Time) {
	_ = s.Update(key, func(r *KeyRecord) error {
		r.RecordIP(ip, now)
		return nil
	})
}

// RecordSession upserts a session for key.
func (s *Store) RecordSession(key, sessionID string, now time.Time) {
	_ = s.Update(key, func(r *KeyRecord) error {
		r.RecordSession(sessionID, now)
		return nil
	})
}

// RecordLocation appends a location sighting for key.
func (s *Store) RecordLocation(key string, lat, lon float64, ip string, now time.Time) {
	_ = s.Update(key, func(r *KeyRecord) error {
		r.RecordLocation(lat, lon, ip, now)
		return nil
	})
}

// LastLocation returns key's most recent location, if any.
func (s *Store) LastLocation(key string) (LocationSighting, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return LocationSighting{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.LastLocation()
}

// ─── Maintenance ──────────────────────────────────────────────────────────────

// Cleanup prunes every key's IP and location history to entries observed
// within window of now. Each key is pruned under its own lock; the map lock
// is only held long enough to copy the entry list.
func (s *Store) Cleanup(now time.Time, window time.Duration) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		e.rec.prune(now, window, s.sessionTTL)
		e.mu.Unlock()
	}
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// ─── Inspection ───────────────────────────────────────────────────────────────

// KeyStats is a point-in-time copy of a key's tracked state.
type KeyStats struct {
	UniqueIPs         []string  `json:"uniqueIPs"`
	SessionIDs        []string  `json:"sessionIds"`
	IPSightings       int       `json:"ipSightings"`
	LocationSightings int       `json:"locationSightings"`
	LastSeenAt        time.Time `json:"lastSeenAt"`
}

// Snapshot returns a copy of key's state. ok is false for unknown keys.
func (s *Store) Snapshot(key string) (KeyStats, bool) {
	e, ok := s.lookup(key)
	if !ok {
		return KeyStats{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	r := &e.rec
	stats := KeyStats{
		UniqueIPs:         r.UniqueIPs(),
		SessionIDs:        r.SessionIDs(),
		IPSightings:       len(r.IPHistory),
		LocationSightings: len(r.LocationHistory),
	}
	if n := len(r.IPHistory); n > 0 {
		stats.LastSeenAt = r.IPHistory[n-1].ObservedAt
	}
	return stats, true
}
