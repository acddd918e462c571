// Package breaker implements the per-origin circuit breaker bank.
//
// Each origin that produces failures gets a lazily-created state machine:
//
//	closed → (failures ≥ threshold) → open → (timeout elapsed) → half-open
//	half-open → success → closed (failures reset)
//	half-open → failure → open (same timeout)
//
// The bank doubles as an anomaly detector: a burst of failures inside a
// short window forces the breaker open with an extended timeout, independent
// of the normal threshold path.
package breaker

import (
	"sync"
	"time"

	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/rs/zerolog"
)

// State is the circuit breaker state for one origin.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Config holds breaker tuning. Zero values are replaced with defaults.
type Config struct {
	Threshold       int           // Failures before the breaker opens (default: 10)
	Timeout         time.Duration // How long the breaker stays open (default: 60s)
	BurstCount      int           // Failures within BurstWindow that force open (default: 5)
	BurstWindow     time.Duration // Anomaly detection window (default: 10s)
	ExtendedTimeout time.Duration // Open duration after a burst trip (default: 3×Timeout)
	Cooldown        time.Duration // Idle period after which failure state decays (default: 5m)
}

func (c Config) withDefaults() Config {
	if c.Threshold == 0 {
		c.Threshold = 10
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BurstCount == 0 {
		c.BurstCount = 5
	}
	if c.BurstWindow == 0 {
		c.BurstWindow = 10 * time.Second
	}
	if c.ExtendedTimeout == 0 {
		c.ExtendedTimeout = 3 * c.Timeout
	}
	if c.Cooldown == 0 {
		c.Cooldown = 5 * time.Minute
	}
	return c
}

// entry is the breaker state for a single origin.
type entry struct {
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	timeout     time.Duration // timeout in effect for the current open period
	trialActive bool          // a half-open trial connection is in flight
	recent      []time.Time   // failure timestamps inside the burst window
}

// Bank tracks circuit breaker state per origin.
//
// One Bank per gateway instance, passed by reference into the admission
// controller and the connection event path. All mutation goes through the
// bank's mutex (single-writer discipline).
type Bank struct {
	mu      sync.Mutex
	origins map[string]*entry
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewBank creates an empty breaker bank.
func NewBank(cfg Config, logger zerolog.Logger) *Bank {
	return &Bank{
		origins: make(map[string]*entry),
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "breaker").Logger(),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Bank) SetNowFunc(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Allow reports whether traffic from origin may proceed.
//
// Returns:
//   - ok: true if the origin is admitted
//   - retryAfter: when denied, how long until the breaker will permit a trial
//
// Half-open admits exactly one trial: the first Allow after the timeout
// elapses returns true and marks the trial in flight; subsequent calls are
// denied until RecordSuccess or RecordFailure settles the trial.
func (b *Bank) Allow(origin string) (ok bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.origins[origin]
	if !exists {
		return true, 0
	}

	now := b.now()
	switch e.state {
	case StateClosed:
		return true, 0

	case StateOpen:
		elapsed := now.Sub(e.openedAt)
		if elapsed < e.timeout {
			return false, e.timeout - elapsed
		}
		// Timeout elapsed: move to half-open and admit this one trial.
		b.transition(origin, e, StateHalfOpen)
		e.trialActive = true
		return true, 0

	case StateHalfOpen:
		if e.trialActive {
			// A trial is already in flight; hold further traffic back for
			// one more timeout period.
			return false, e.timeout
		}
		e.trialActive = true
		return true, 0
	}

	return true, 0
}

// State returns the current state for origin. Origins with no recorded
// failures are closed.
func (b *Bank) State(origin string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.origins[origin]
	if !exists {
		return StateClosed
	}
	// An open breaker whose timeout has elapsed is observably half-open.
	if e.state == StateOpen && b.now().Sub(e.openedAt) >= e.timeout {
		return StateHalfOpen
	}
	return e.state
}

// RecordFailure feeds one failure from origin into its state machine,
// creating the entry lazily on first failure.
func (b *Bank) RecordFailure(origin string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	e, exists := b.origins[origin]
	if !exists {
		e = &entry{state: StateClosed, timeout: b.cfg.Timeout}
		b.origins[origin] = e
	}

	e.failures++
	e.lastFailure = now

	// Track failures inside the burst window for anomaly detection.
	cutoff := now.Add(-b.cfg.BurstWindow)
	kept := e.recent[:0]
	for _, t := range e.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.recent = append(kept, now)

	switch e.state {
	case StateHalfOpen:
		// Trial failed: reopen for another full timeout.
		e.trialActive = false
		e.openedAt = now
		b.transition(origin, e, StateOpen)

	case StateClosed:
		if len(e.recent) >= b.cfg.BurstCount {
			// Failure burst: trip immediately with the extended timeout.
			e.openedAt = now
			e.timeout = b.cfg.ExtendedTimeout
			b.transition(origin, e, StateOpen)
			b.logger.Warn().
				Str("origin", origin).
				Int("burst_failures", len(e.recent)).
				Dur("burst_window", b.cfg.BurstWindow).
				Dur("extended_timeout", e.timeout).
				Msg("Failure burst detected, breaker force-opened")
		} else if e.failures >= b.cfg.Threshold {
			e.openedAt = now
			e.timeout = b.cfg.Timeout
			b.transition(origin, e, StateOpen)
		}
	}
}

// RecordSuccess feeds one success from origin. In half-open it closes the
// breaker and resets the failure count; in closed it is a no-op on state.
func (b *Bank) RecordSuccess(origin string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.origins[origin]
	if !exists {
		return
	}

	switch e.state {
	case StateHalfOpen:
		e.trialActive = false
		e.failures = 0
		e.recent = nil
		e.timeout = b.cfg.Timeout
		b.transition(origin, e, StateClosed)

	case StateOpen:
		// An open breaker whose timeout elapsed may have admitted a trial
		// via Allow without an intervening state read; treat the success
		// as settling that trial.
		if b.now().Sub(e.openedAt) >= e.timeout {
			e.trialActive = false
			e.failures = 0
			e.recent = nil
			e.timeout = b.cfg.Timeout
			b.transition(origin, e, StateClosed)
		}
	}
}

// Sweep decays breaker entries whose last failure is older than the
// cooldown. Called from the supervisor tick.
func (b *Bank) Sweep(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for origin, e := range b.origins {
		if e.state == StateClosed && now.Sub(e.lastFailure) > b.cfg.Cooldown {
			delete(b.origins, origin)
			removed++
		}
	}

	if removed > 0 {
		b.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(b.origins)).
			Msg("Decayed idle breaker entries")
	}
	return removed
}

// OpenCount returns the number of origins currently open. Used for the
// stats snapshot and the ws_breakers_open gauge.
func (b *Bank) OpenCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	now := b.now()
	for _, e := range b.origins {
		if e.state == StateOpen && now.Sub(e.openedAt) < e.timeout {
			n++
		}
	}
	return n
}

// RecentFailure reports whether origin recorded a failure within window.
// The admission controller uses this to shrink the per-origin cap.
func (b *Bank) RecentFailure(origin string, window time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, exists := b.origins[origin]
	if !exists {
		return false
	}
	return b.now().Sub(e.lastFailure) <= window
}

// transition applies a state change and records it. Caller holds b.mu.
func (b *Bank) transition(origin string, e *entry, to State) {
	if e.state == to {
		return
	}
	from := e.state
	e.state = to

	monitoring.BreakerTransitions.WithLabelValues(to.String()).Inc()

	b.logger.Info().
		Str("origin", origin).
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", e.failures).
		Msg("Breaker state changed")
}
