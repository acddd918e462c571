// Package admission decides whether a new connection may be admitted.
//
// Checks run in a fixed order, short-circuiting on the first failure:
//
//	1. circuit breaker open for the origin
//	2. trusted/private network (bypasses the remaining checks)
//	3. global ceiling, minus slots reserved for the critical tier
//	4. per-origin dynamic cap (halved for origins with recent errors)
//	5. per-user cap
//	6. per-origin admission window + global token bucket
//
// Denials are non-fatal: the decision carries a reason and, where the limit
// is time-based, a retry hint.
package admission

import (
	"net"
	"sync"
	"time"

	"github.com/parcelview/gateway/internal/breaker"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Denial reasons, also used as the ws_admissions_denied_total label.
const (
	ReasonCircuitOpen = "circuit_open"
	ReasonCapacity    = "capacity"
	ReasonOriginCap   = "origin_cap"
	ReasonUserCap     = "user_cap"
	ReasonRateLimited = "rate_limited"
	ReasonGlobalRate  = "global_rate"
)

// Limits is the tunable admission envelope. The supervisor swaps it under
// memory pressure via SetLimits.
type Limits struct {
	MaxConnections      int           // Global ceiling (default: 1000)
	CriticalReservePct  float64       // Fraction of capacity held for the critical tier (default: 0.10)
	MaxPerOrigin        int           // Live connections per origin (default: 20)
	MaxPerUser          int           // Live connections per user (default: 8)
	AdmissionsPerWindow int           // Admissions per origin per window (default: 10)
	AdmissionWindow     time.Duration // Window length (default: 60s)
	GlobalRate          float64       // Sustained admissions/sec system-wide (default: 50)
	GlobalBurst         int           // Burst admissions system-wide (default: 300)
	ErrorRecencyWindow  time.Duration // Origin failures inside this window shrink its cap (default: 60s)
	EmergencyEvictions  int           // Connections the emergency cleanup pass may evict (default: 5)
}

func (l Limits) withDefaults() Limits {
	if l.MaxConnections == 0 {
		l.MaxConnections = 1000
	}
	if l.CriticalReservePct == 0 {
		l.CriticalReservePct = 0.10
	}
	if l.MaxPerOrigin == 0 {
		l.MaxPerOrigin = 20
	}
	if l.MaxPerUser == 0 {
		l.MaxPerUser = 8
	}
	if l.AdmissionsPerWindow == 0 {
		l.AdmissionsPerWindow = 10
	}
	if l.AdmissionWindow == 0 {
		l.AdmissionWindow = 60 * time.Second
	}
	if l.GlobalRate == 0 {
		l.GlobalRate = 50
	}
	if l.GlobalBurst == 0 {
		l.GlobalBurst = 300
	}
	if l.ErrorRecencyWindow == 0 {
		l.ErrorRecencyWindow = 60 * time.Second
	}
	if l.EmergencyEvictions == 0 {
		l.EmergencyEvictions = 5
	}
	return l
}

// Decision is the admission verdict. RetryAfter is a hint for time-based
// denials; retrying is the caller's responsibility.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
	Priority   messaging.Priority
}

// CountSource supplies live connection counts. *registry.Registry satisfies it.
type CountSource interface {
	Total() int
	ByOrigin(origin string) int
	ByUser(userID string) int
}

// Evictor runs the emergency cleanup pass when the ceiling is hit.
// *registry.Registry satisfies it.
type Evictor interface {
	EvictLowestPriority(n int, cause string) int
}

// windowCounter is the per-origin admission rate state: count of admissions
// in the current window and when the window resets.
type windowCounter struct {
	count   int
	resetAt time.Time
}

// Controller is the admission controller.
type Controller struct {
	mu      sync.Mutex
	limits  Limits
	windows map[string]*windowCounter

	counts  CountSource
	evictor Evictor
	bank    *breaker.Bank
	global  *rate.Limiter
	trusted func(origin string) bool
	now     func() time.Time
	logger  zerolog.Logger
}

// NewController builds an admission controller over the given collaborators.
// trustFn may be nil, in which case private/loopback addresses are trusted.
func NewController(limits Limits, counts CountSource, evictor Evictor, bank *breaker.Bank, trustFn func(string) bool, logger zerolog.Logger) *Controller {
	limits = limits.withDefaults()
	if trustFn == nil {
		trustFn = PrivateNetwork
	}
	monitoring.ConnectionsMax.Set(float64(limits.MaxConnections))

	return &Controller{
		limits:  limits,
		windows: make(map[string]*windowCounter),
		counts:  counts,
		evictor: evictor,
		bank:    bank,
		global:  rate.NewLimiter(rate.Limit(limits.GlobalRate), limits.GlobalBurst),
		trusted: trustFn,
		now:     time.Now,
		logger:  logger.With().Str("component", "admission").Logger(),
	}
}

// SetNowFunc overrides the clock. Test hook.
func (ctl *Controller) SetNowFunc(now func() time.Time) {
	ctl.mu.Lock()
	ctl.now = now
	ctl.mu.Unlock()
}

// Limits returns the limits currently in force.
func (ctl *Controller) Limits() Limits {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.limits
}

// SetLimits swaps the admission envelope. Called by the supervisor when the
// pressure policy computes new limits.
func (ctl *Controller) SetLimits(l Limits) {
	ctl.mu.Lock()
	ctl.limits = l.withDefaults()
	ctl.global.SetLimit(rate.Limit(ctl.limits.GlobalRate))
	ctl.global.SetBurst(ctl.limits.GlobalBurst)
	monitoring.ConnectionsMax.Set(float64(ctl.limits.MaxConnections))
	ctl.mu.Unlock()
}

// CanAccept runs the admission checks for a connection attempt from origin.
// On success it records the admission in the origin's rate window and
// returns the computed connection priority.
func (ctl *Controller) CanAccept(origin, userID string, tier registry.Tier) Decision {
	ctl.mu.Lock()
	limits := ctl.limits
	now := ctl.now()
	ctl.mu.Unlock()

	// 1. Circuit breaker.
	if ok, retryAfter := ctl.bank.Allow(origin); !ok {
		return ctl.deny(origin, ReasonCircuitOpen, retryAfter)
	}

	isTrusted := ctl.trusted(origin)

	// 2. Trusted/private network: always admitted.
	if isTrusted {
		ctl.recordAdmission(origin, now, limits)
		return Decision{Allowed: true, Priority: derivePriority(tier, isTrusted, userID)}
	}

	// 3. Global ceiling, with a slice of capacity reserved for the critical
	// tier. Non-critical connections see a lower effective ceiling so a
	// burst of standard traffic can never starve admin consoles.
	ceiling := limits.MaxConnections
	if tier != registry.TierAdmin {
		ceiling -= int(float64(limits.MaxConnections) * limits.CriticalReservePct)
	}
	if ctl.counts.Total() >= ceiling {
		evicted := ctl.evictor.EvictLowestPriority(limits.EmergencyEvictions, "emergency")
		ctl.logger.Warn().
			Str("origin", origin).
			Int("ceiling", ceiling).
			Int("evicted", evicted).
			Msg("Ceiling reached, ran emergency cleanup")
		if ctl.counts.Total() >= ceiling {
			return ctl.deny(origin, ReasonCapacity, 0)
		}
	}

	// 4. Per-origin cap, halved while the origin has recent failures.
	originCap := limits.MaxPerOrigin
	if ctl.bank.RecentFailure(origin, limits.ErrorRecencyWindow) {
		originCap /= 2
		if originCap < 1 {
			originCap = 1
		}
	}
	if ctl.counts.ByOrigin(origin) >= originCap {
		return ctl.deny(origin, ReasonOriginCap, 0)
	}

	// 5. Per-user cap.
	if userID != "" && ctl.counts.ByUser(userID) >= limits.MaxPerUser {
		return ctl.deny(origin, ReasonUserCap, 0)
	}

	// 6. Admission rate: per-origin window, then the global token bucket.
	ctl.mu.Lock()
	wc := ctl.windows[origin]
	if wc == nil || !now.Before(wc.resetAt) {
		wc = &windowCounter{resetAt: now.Add(limits.AdmissionWindow)}
		ctl.windows[origin] = wc
	}
	if wc.count >= limits.AdmissionsPerWindow {
		retryAfter := wc.resetAt.Sub(now)
		ctl.mu.Unlock()
		return ctl.deny(origin, ReasonRateLimited, retryAfter)
	}
	ctl.mu.Unlock()

	if !ctl.global.Allow() {
		return ctl.deny(origin, ReasonGlobalRate, time.Second)
	}

	ctl.recordAdmission(origin, now, limits)
	return Decision{Allowed: true, Priority: derivePriority(tier, isTrusted, userID)}
}

// recordAdmission bumps the origin's window counter.
func (ctl *Controller) recordAdmission(origin string, now time.Time, limits Limits) {
	ctl.mu.Lock()
	wc := ctl.windows[origin]
	if wc == nil || !now.Before(wc.resetAt) {
		wc = &windowCounter{resetAt: now.Add(limits.AdmissionWindow)}
		ctl.windows[origin] = wc
	}
	wc.count++
	ctl.mu.Unlock()
}

func (ctl *Controller) deny(origin, reason string, retryAfter time.Duration) Decision {
	monitoring.AdmissionsDenied.WithLabelValues(reason).Inc()
	ctl.logger.Debug().
		Str("origin", origin).
		Str("reason", reason).
		Dur("retry_after", retryAfter).
		Msg("Admission denied")
	return Decision{Allowed: false, Reason: reason, RetryAfter: retryAfter}
}

// Sweep drops expired rate windows so idle origins don't accumulate.
// Driven by the supervisor tick.
func (ctl *Controller) Sweep(now time.Time) int {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()

	removed := 0
	for origin, wc := range ctl.windows {
		if !now.Before(wc.resetAt) {
			delete(ctl.windows, origin)
			removed++
		}
	}
	return removed
}

// derivePriority computes the connection priority: admin consoles are
// critical, trusted origins high, authenticated users medium, anonymous low.
func derivePriority(tier registry.Tier, trusted bool, userID string) messaging.Priority {
	switch {
	case tier == registry.TierAdmin:
		return messaging.PriorityCritical
	case trusted:
		return messaging.PriorityHigh
	case userID != "":
		return messaging.PriorityMedium
	default:
		return messaging.PriorityLow
	}
}

// PrivateNetwork reports whether origin is a loopback, private, or
// link-local address. The default trust function.
func PrivateNetwork(origin string) bool {
	host := origin
	if h, _, err := net.SplitHostPort(origin); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast()
}
