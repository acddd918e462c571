// Package registry tracks live connections and their counters. One Registry
// is owned per gateway instance and passed by reference into every component
// that needs it. No process-wide singleton, so tests can run isolated
// gateways side by side.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// EvictHandler is invoked when the registry decides a connection must go
// (emergency cleanup, staleness, self-healing, load shedding). The handler,
// wired by the gateway, owns transport close, queue purge, and removal.
type EvictHandler func(c *Conn, cause string)

// Registry is the authoritative map of live connections with per-origin and
// per-user live counts maintained alongside each record.
//
// All map mutation is serialized by one mutex (single-writer discipline).
type Registry struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	byOrigin map[string]int
	byUser   map[string]int

	onEvict EvictHandler
	logger  zerolog.Logger
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		conns:    make(map[string]*Conn),
		byOrigin: make(map[string]int),
		byUser:   make(map[string]int),
		logger:   logger.With().Str("component", "registry").Logger(),
	}
}

// SetEvictHandler wires the eviction callback. Must be called before any
// sweep or cleanup runs.
func (r *Registry) SetEvictHandler(h EvictHandler) {
	r.mu.Lock()
	r.onEvict = h
	r.mu.Unlock()
}

// Add registers a connection and bumps the origin/user live counts.
func (r *Registry) Add(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[c.ID]; exists {
		return fmt.Errorf("connection %s already registered", c.ID)
	}

	r.conns[c.ID] = c
	r.byOrigin[c.Origin]++
	if c.UserID != "" {
		r.byUser[c.UserID]++
	}

	monitoring.ConnectionsActive.Set(float64(len(r.conns)))

	r.logger.Debug().
		Str("connection_id", c.ID).
		Str("origin", c.Origin).
		Str("tier", string(c.Tier)).
		Int("live", len(r.conns)).
		Msg("Connection registered")
	return nil
}

// Remove deregisters a connection and decrements the live counts. Returns
// the removed record, or nil if the id was unknown.
func (r *Registry) Remove(id string) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.conns[id]
	if !exists {
		return nil
	}

	delete(r.conns, id)
	if r.byOrigin[c.Origin] <= 1 {
		delete(r.byOrigin, c.Origin)
	} else {
		r.byOrigin[c.Origin]--
	}
	if c.UserID != "" {
		if r.byUser[c.UserID] <= 1 {
			delete(r.byUser, c.UserID)
		} else {
			r.byUser[c.UserID]--
		}
	}

	monitoring.ConnectionsActive.Set(float64(len(r.conns)))

	r.logger.Debug().
		Str("connection_id", id).
		Int("live", len(r.conns)).
		Msg("Connection removed")
	return c
}

// Get returns the connection with the given id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Total implements the admission controller's count source.
func (r *Registry) Total() int { return r.Len() }

// ByOrigin returns the live connection count for origin.
func (r *Registry) ByOrigin(origin string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byOrigin[origin]
}

// ByUser returns the live connection count for userID.
func (r *Registry) ByUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUser[userID]
}

// List returns a snapshot slice of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// EvictLowestPriority evicts up to n connections, lowest priority first and
// longest idle first within a priority. Admin-tier connections are never
// chosen by cleanup passes. Returns the number evicted.
//
// Used by the admission controller's emergency cleanup and by the
// supervisor's load shedding.
func (r *Registry) EvictLowestPriority(n int, cause string) int {
	if n <= 0 {
		return 0
	}

	r.mu.RLock()
	candidates := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.Tier != TierAdmin {
			candidates = append(candidates, c)
		}
	}
	handler := r.onEvict
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})

	if n > len(candidates) {
		n = len(candidates)
	}

	evicted := 0
	for _, c := range candidates[:n] {
		if handler != nil {
			handler(c, cause)
		} else {
			r.Remove(c.ID)
		}
		monitoring.EvictionsTotal.WithLabelValues(cause).Inc()
		evicted++
	}

	if evicted > 0 {
		r.logger.Info().
			Int("evicted", evicted).
			Str("cause", cause).
			Msg("Evicted lowest-priority connections")
	}
	return evicted
}

// Evict routes one connection through the evict handler (or removes it
// directly if none is wired) and accounts the eviction under cause.
func (r *Registry) Evict(c *Conn, cause string) {
	r.mu.RLock()
	handler := r.onEvict
	r.mu.RUnlock()

	if handler != nil {
		handler(c, cause)
	} else {
		r.Remove(c.ID)
	}
	monitoring.EvictionsTotal.WithLabelValues(cause).Inc()
}

// Stats is the read-only snapshot exposed to collaborators and the
// /healthz endpoint.
type Stats struct {
	Connections   int            `json:"connections"`
	ByTier        map[string]int `json:"byTier"`
	ByHealth      map[string]int `json:"byHealth"`
	TotalMessages int64          `json:"totalMessages"`
	TotalErrors   int64          `json:"totalErrors"`
	TotalBytes    int64          `json:"totalBytes"`
	OldestConn    time.Time      `json:"oldestConnection,omitempty"`
}

// Snapshot aggregates current counters. Health is recomputed per connection
// at snapshot time, never read from stored state.
func (r *Registry) Snapshot(now time.Time) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Connections: len(r.conns),
		ByTier:      make(map[string]int),
		ByHealth:    make(map[string]int),
	}
	for _, c := range r.conns {
		st.ByTier[string(c.Tier)]++
		st.ByHealth[HealthOf(c, now).String()]++
		st.TotalMessages += c.MessageCount()
		st.TotalErrors += c.ErrorCount()
		st.TotalBytes += c.BytesTransferred()
		if st.OldestConn.IsZero() || c.CreatedAt.Before(st.OldestConn) {
			st.OldestConn = c.CreatedAt
		}
	}
	return st
}
