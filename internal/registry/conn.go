package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parcelview/gateway/internal/messaging"
)

// Tier is the declared class of a connection, used to weight admission and
// eviction decisions.
type Tier string

const (
	TierMain     Tier = "main"     // dashboard tab
	TierFloating Tier = "floating" // floating widget
	TierAdmin    Tier = "admin"    // admin console
)

// State is the per-connection lifecycle state.
//
//	Connecting → Open → {Closing → Closed | Erroring → Closed}
//
// Entering Closed triggers registry removal and queue purge, orchestrated by
// the gateway's close event handler.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateErroring
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateErroring:
		return "erroring"
	default:
		return "closed"
	}
}

// Transport is the write side of a connection. The gateway backs it with a
// WebSocket; tests back it with an in-memory fake.
//
// Send is best-effort and must never block the caller: implementations drop
// into a bounded buffer and report SendFailure via the returned error.
type Transport interface {
	Send(payload []byte) error
	Ping() error
	Close(code int, reason string) error
}

// Conn is one live connection's record. Counters are mutated on every
// inbound/outbound event; the record is destroyed on close, error, timeout,
// or eviction.
//
// Health status is never stored here: it is always recomputed from these
// counters (see HealthOf), so it can never drift out of sync.
type Conn struct {
	ID        string
	Origin    string
	UserID    string
	Tier      Tier
	Priority  messaging.Priority
	CreatedAt time.Time
	Transport Transport

	mu           sync.Mutex
	state        State
	lastActivity time.Time
	instance     string
	pingSentAt   time.Time
	awaitingPong bool
	lastRTT      time.Duration

	errorCount   int64
	messageCount int64
	bytesIn      int64
	bytesOut     int64
}

// NewConn creates a connection record in the Connecting state.
func NewConn(id, origin, userID string, tier Tier, priority messaging.Priority, tr Transport, now time.Time) *Conn {
	return &Conn{
		ID:           id,
		Origin:       origin,
		UserID:       userID,
		Tier:         tier,
		Priority:     priority,
		CreatedAt:    now,
		Transport:    tr,
		state:        StateConnecting,
		lastActivity: now,
	}
}

// transition table for the per-connection state machine.
var validTransitions = map[State][]State{
	StateConnecting: {StateOpen, StateClosed},
	StateOpen:       {StateClosing, StateErroring},
	StateClosing:    {StateClosed},
	StateErroring:   {StateClosed},
}

// Transition moves the connection to next, rejecting illegal transitions.
func (c *Conn) Transition(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, allowed := range validTransitions[c.state] {
		if allowed == next {
			c.state = next
			return nil
		}
	}
	return fmt.Errorf("illegal connection transition %s → %s", c.state, next)
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Touch records activity at now.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound/outbound event.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SetInstance records the client-declared instance id (instance_register).
func (c *Conn) SetInstance(instance string) {
	c.mu.Lock()
	c.instance = instance
	c.mu.Unlock()
}

// Instance returns the registered instance id, if any.
func (c *Conn) Instance() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instance
}

// MarkPingSent records that a heartbeat ping went out at now.
func (c *Conn) MarkPingSent(now time.Time) {
	c.mu.Lock()
	c.pingSentAt = now
	c.awaitingPong = true
	c.mu.Unlock()
}

// PongReceived settles an outstanding ping and returns the round trip,
// or false if no ping was outstanding.
func (c *Conn) PongReceived(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.awaitingPong {
		return 0, false
	}
	c.awaitingPong = false
	c.lastActivity = now
	c.lastRTT = now.Sub(c.pingSentAt)
	return c.lastRTT, true
}

// LastRoundTrip returns the most recent measured ping round trip, or 0 if
// none has completed yet.
func (c *Conn) LastRoundTrip() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRTT
}

// PingOutstanding reports whether a heartbeat ping sent at or before
// deadline is still unanswered.
func (c *Conn) PingOutstanding(deadline time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.awaitingPong && !c.pingSentAt.After(deadline)
}

// RecordError increments the error counter.
func (c *Conn) RecordError() { atomic.AddInt64(&c.errorCount, 1) }

// ErrorCount returns the accumulated error count.
func (c *Conn) ErrorCount() int64 { return atomic.LoadInt64(&c.errorCount) }

// RecordReceived accounts one inbound message of n bytes.
func (c *Conn) RecordReceived(n int) {
	atomic.AddInt64(&c.messageCount, 1)
	atomic.AddInt64(&c.bytesIn, int64(n))
}

// RecordSent accounts one outbound message of n bytes.
func (c *Conn) RecordSent(n int) {
	atomic.AddInt64(&c.messageCount, 1)
	atomic.AddInt64(&c.bytesOut, int64(n))
}

// MessageCount returns the total messages in both directions.
func (c *Conn) MessageCount() int64 { return atomic.LoadInt64(&c.messageCount) }

// BytesTransferred returns total bytes in both directions.
func (c *Conn) BytesTransferred() int64 {
	return atomic.LoadInt64(&c.bytesIn) + atomic.LoadInt64(&c.bytesOut)
}
