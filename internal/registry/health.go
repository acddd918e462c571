package registry

import (
	"time"

	"github.com/rs/zerolog"
)

// Health is the derived reliability rating of a connection.
type Health int

const (
	HealthExcellent Health = iota
	HealthGood
	HealthFair
	HealthPoor
	HealthCritical
)

func (h Health) String() string {
	switch h {
	case HealthExcellent:
		return "excellent"
	case HealthGood:
		return "good"
	case HealthFair:
		return "fair"
	case HealthPoor:
		return "poor"
	default:
		return "critical"
	}
}

// Score computes a 0–100 health score from the connection's own counters:
// error count, time since last activity, and message rate. It is a pure
// function; health is never stored, so it cannot drift from the counters.
func Score(c *Conn, now time.Time) float64 {
	score := 100.0

	// Errors dominate: 10 points each, capped at 80 so a flood of errors
	// alone is enough to reach the critical band.
	errPenalty := float64(c.ErrorCount()) * 10
	if errPenalty > 80 {
		errPenalty = 80
	}
	score -= errPenalty

	// Idleness: 5 points per idle minute, capped at 30.
	idleMin := now.Sub(c.LastActivity()).Minutes()
	if idleMin < 0 {
		idleMin = 0
	}
	idlePenalty := idleMin * 5
	if idlePenalty > 30 {
		idlePenalty = 30
	}
	score -= idlePenalty

	// A connection that has been up a while but barely exchanges messages
	// is mildly suspect (half-dead peer, broken client loop).
	ageMin := now.Sub(c.CreatedAt).Minutes()
	if ageMin >= 1 {
		rate := float64(c.MessageCount()) / ageMin
		if rate < 1 {
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}

// HealthOf maps the score to one of the five health categories.
func HealthOf(c *Conn, now time.Time) Health {
	score := Score(c, now)
	switch {
	case score >= 90:
		return HealthExcellent
	case score >= 70:
		return HealthGood
	case score >= 50:
		return HealthFair
	case score >= 25:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// MonitorConfig tunes the health sweep. Zero values take defaults.
type MonitorConfig struct {
	IdleTimeout        time.Duration // Force-close connections idle past this (default: 120s)
	EvictionErrorCount int64         // Secondary error threshold for self-healing eviction (default: 8)
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.EvictionErrorCount == 0 {
		c.EvictionErrorCount = 8
	}
	return c
}

// Monitor periodically rescores connections and evicts the unhealthy ones.
// It is driven by the supervisor's scheduler tick, not its own timer, so
// tests can advance virtual time deterministically.
type Monitor struct {
	reg    *Registry
	cfg    MonitorConfig
	logger zerolog.Logger
}

// NewMonitor creates a health monitor over reg.
func NewMonitor(reg *Registry, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		reg:    reg,
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "health_monitor").Logger(),
	}
}

// Sweep recomputes every connection's health and evicts:
//
//   - connections idle past IdleTimeout, regardless of score (staleness
//     always wins);
//   - connections whose health is critical AND whose error count exceeds
//     the secondary threshold (self-healing), independent of staleness.
//
// Returns (stale, unhealthy) eviction counts.
func (m *Monitor) Sweep(now time.Time) (stale, unhealthy int) {
	for _, c := range m.reg.List() {
		idle := now.Sub(c.LastActivity())
		if idle > m.cfg.IdleTimeout {
			m.reg.Evict(c, "stale")
			stale++
			continue
		}

		if HealthOf(c, now) == HealthCritical && c.ErrorCount() > m.cfg.EvictionErrorCount {
			m.reg.Evict(c, "unhealthy")
			unhealthy++
		}
	}

	if stale > 0 || unhealthy > 0 {
		m.logger.Info().
			Int("stale", stale).
			Int("unhealthy", unhealthy).
			Msg("Health sweep evicted connections")
	}
	return stale, unhealthy
}
