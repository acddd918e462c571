// Package supervisor owns the gateway's periodic work and its shutdown
// sequence. One scheduler tick drives every recurring task (heartbeats,
// health sweep, breaker decay, admission window cleanup, queue drain,
// performance pass), so tests advance virtual time by calling Tick with an
// explicit clock instead of waiting on wall-clock timers.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/parcelview/gateway/internal/admission"
	"github.com/parcelview/gateway/internal/breaker"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/parcelview/gateway/internal/router"
	"github.com/rs/zerolog"
)

// Config tunes the supervisor. Zero values take defaults.
type Config struct {
	TickInterval       time.Duration // Scheduler tick period (default: 1s)
	HeartbeatIdle      time.Duration // Ping connections idle past this (default: 30s)
	HeartbeatTimeout   time.Duration // Terminate when a ping stays unanswered this long (default: 60s)
	HealthSweepEvery   time.Duration // Health monitor sweep cadence (default: 10s)
	BreakerSweepEvery  time.Duration // Breaker cool-down decay cadence (default: 60s)
	WindowSweepEvery   time.Duration // Admission window cleanup cadence (default: 60s)
	PressureEvery      time.Duration // Memory pressure measurement cadence (default: 15s)
	ShutdownGrace      time.Duration // Wait after the shutdown notice (default: 10s)
	PressureThresholds PressureThresholds
}

func (c Config) withDefaults() Config {
	if c.TickInterval == 0 {
		c.TickInterval = time.Second
	}
	if c.HeartbeatIdle == 0 {
		c.HeartbeatIdle = 30 * time.Second
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 60 * time.Second
	}
	if c.HealthSweepEvery == 0 {
		c.HealthSweepEvery = 10 * time.Second
	}
	if c.BreakerSweepEvery == 0 {
		c.BreakerSweepEvery = 60 * time.Second
	}
	if c.WindowSweepEvery == 0 {
		c.WindowSweepEvery = 60 * time.Second
	}
	if c.PressureEvery == 0 {
		c.PressureEvery = 15 * time.Second
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	return c
}

// Performance is the aggregate computed by the performance pass.
type Performance struct {
	Active     int
	AvgRTT     time.Duration
	ErrorRate  float64 // errors per message, 0..1
	Pressure   PressureLevel
	MemUsedPct float64
}

// Supervisor drives the gateway's periodic work from a single scheduler tick.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	monitor *registry.Monitor
	hub     *router.Hub
	ctl     *admission.Controller
	bank    *breaker.Bank
	sample  Sampler
	logger  zerolog.Logger

	baseLimits admission.Limits
	level      atomic.Int32
	draining   atomic.Bool
	perf       atomic.Value // Performance

	lastHealth   time.Time
	lastBreaker  time.Time
	lastWindow   time.Time
	lastPressure time.Time
}

// New wires the supervisor over its collaborators. sample may be nil, in
// which case host memory is measured via gopsutil.
func New(cfg Config, reg *registry.Registry, monitor *registry.Monitor, hub *router.Hub,
	ctl *admission.Controller, bank *breaker.Bank, sample Sampler, logger zerolog.Logger) *Supervisor {

	cfg = cfg.withDefaults()
	if sample == nil {
		sample = SystemSampler(cfg.PressureThresholds)
	}

	s := &Supervisor{
		cfg:        cfg,
		reg:        reg,
		monitor:    monitor,
		hub:        hub,
		ctl:        ctl,
		bank:       bank,
		sample:     sample,
		logger:     logger.With().Str("component", "supervisor").Logger(),
		baseLimits: ctl.Limits(),
	}
	s.perf.Store(Performance{})
	return s
}

// Run drives the scheduler tick until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("tick", s.cfg.TickInterval).
		Dur("heartbeat_idle", s.cfg.HeartbeatIdle).
		Dur("heartbeat_timeout", s.cfg.HeartbeatTimeout).
		Msg("Supervisor started")

	for {
		select {
		case <-ticker.C:
			s.Tick(time.Now())
		case <-ctx.Done():
			s.logger.Info().Msg("Supervisor stopped")
			return
		}
	}
}

// Tick runs one scheduler cycle at virtual time now: heartbeats and queue
// drain every cycle, the slower sweeps at their configured cadence.
func (s *Supervisor) Tick(now time.Time) {
	defer monitoring.RecoverPanic(s.logger, "supervisor tick", nil)

	s.heartbeatPass(now)
	s.hub.DrainTick(now)

	if now.Sub(s.lastHealth) >= s.cfg.HealthSweepEvery {
		s.lastHealth = now
		s.monitor.Sweep(now)
	}
	if now.Sub(s.lastBreaker) >= s.cfg.BreakerSweepEvery {
		s.lastBreaker = now
		s.bank.Sweep(now)
		monitoring.BreakersOpen.Set(float64(s.bank.OpenCount()))
	}
	if now.Sub(s.lastWindow) >= s.cfg.WindowSweepEvery {
		s.lastWindow = now
		s.ctl.Sweep(now)
	}
	if now.Sub(s.lastPressure) >= s.cfg.PressureEvery {
		s.lastPressure = now
		s.performancePass(now)
	}
}

// heartbeatPass pings connections idle past HeartbeatIdle and terminates
// those whose ping has stayed unanswered past HeartbeatTimeout.
func (s *Supervisor) heartbeatPass(now time.Time) {
	for _, c := range s.reg.List() {
		if c.State() != registry.StateOpen {
			continue
		}

		// Unanswered past the timeout: the peer is gone.
		if c.PingOutstanding(now.Add(-s.cfg.HeartbeatTimeout)) {
			monitoring.HeartbeatTerminations.Inc()
			s.logger.Info().
				Str("connection_id", c.ID).
				Str("origin", c.Origin).
				Msg("Heartbeat unanswered, terminating connection")
			s.reg.Evict(c, "heartbeat")
			continue
		}

		// A ping is already in flight; wait for it.
		if c.PingOutstanding(now) {
			continue
		}

		if now.Sub(c.LastActivity()) >= s.cfg.HeartbeatIdle {
			if err := c.Transport.Ping(); err != nil {
				c.RecordError()
				monitoring.LogError(s.logger, err, "Heartbeat ping failed", map[string]any{
					"connection_id": c.ID,
				})
				continue
			}
			c.MarkPingSent(now)
		}
	}
}

// performancePass aggregates connection stats, measures memory pressure,
// retunes the admission envelope, and sheds load when pressure is high.
func (s *Supervisor) performancePass(now time.Time) {
	conns := s.reg.List()

	var (
		rttSum   time.Duration
		rttCount int
		msgs     int64
		errs     int64
	)
	for _, c := range conns {
		if rtt := c.LastRoundTrip(); rtt > 0 {
			rttSum += rtt
			rttCount++
		}
		msgs += c.MessageCount()
		errs += c.ErrorCount()
	}

	perf := Performance{Active: len(conns)}
	if rttCount > 0 {
		perf.AvgRTT = rttSum / time.Duration(rttCount)
	}
	if msgs > 0 {
		perf.ErrorRate = float64(errs) / float64(msgs)
	}

	level, usedPct, err := s.sample()
	if err != nil {
		monitoring.LogError(s.logger, err, "Memory pressure measurement failed", nil)
		level = PressureLevel(s.level.Load())
	}
	perf.Pressure = level
	perf.MemUsedPct = usedPct
	s.perf.Store(perf)

	prev := PressureLevel(s.level.Load())
	if level != prev {
		s.level.Store(int32(level))
		limits := LimitsForPressure(level, s.baseLimits)
		s.ctl.SetLimits(limits)
		s.logger.Warn().
			Str("from", prev.String()).
			Str("to", level.String()).
			Float64("mem_used_pct", usedPct).
			Int("max_connections", limits.MaxConnections).
			Msg("Memory pressure level changed, admission limits retuned")
	}

	// ResourceExhaustion: shed the lowest-priority, least-recently-active
	// connections down to the envelope now in force.
	if level >= PressureHigh {
		limits := s.ctl.Limits()
		if excess := len(conns) - limits.MaxConnections; excess > 0 {
			shed := s.reg.EvictLowestPriority(excess, "load_shed")
			monitoring.LoadShedTotal.Add(float64(shed))
			s.logger.Warn().
				Int("shed", shed).
				Int("ceiling", limits.MaxConnections).
				Msg("Shed load under memory pressure")
		}
	}
}

// Performance returns the latest aggregate from the performance pass.
func (s *Supervisor) Performance() Performance {
	return s.perf.Load().(Performance)
}

// Draining reports whether shutdown has begun. The gateway stops admitting
// new connections once this is set.
func (s *Supervisor) Draining() bool { return s.draining.Load() }

// Shutdown runs the graceful teardown: broadcast a shutdown notice, wait for
// connections to leave on their own (checking progress every second, up to
// the grace period), then force-close whatever remains.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.draining.Store(true)

	notice, err := messaging.NewEnvelope("shutdown", map[string]string{
		"reason": "server shutting down",
	})
	if err == nil {
		if payload, err := notice.Serialize(); err == nil {
			n := s.hub.BroadcastToAll(payload)
			s.logger.Info().Int("notified", n).Msg("Shutdown notice broadcast")
		}
	}

	deadline := time.Now().Add(s.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		remaining := s.reg.Len()
		if remaining == 0 {
			s.logger.Info().Msg("All connections drained")
			return
		}
		s.logger.Info().Int("remaining", remaining).Msg("Waiting for connections to drain")

		select {
		case <-ctx.Done():
			s.forceCloseAll()
			return
		case <-time.After(time.Second):
		}
	}

	s.forceCloseAll()
}

func (s *Supervisor) forceCloseAll() {
	conns := s.reg.List()
	for _, c := range conns {
		// Purge before closing: queued messages must never execute after
		// close, even if a scheduler tick races the shutdown.
		s.hub.PurgeConnection(c.ID)
		if err := c.Transport.Close(1001, "server shutting down"); err != nil {
			s.logger.Debug().
				Str("connection_id", c.ID).
				Err(err).
				Msg("Force close failed")
		}
		s.reg.Remove(c.ID)
		monitoring.DisconnectsTotal.WithLabelValues("shutdown").Inc()
	}
	if len(conns) > 0 {
		s.logger.Warn().Int("forced", len(conns)).Msg("Force-closed remaining connections")
	}
}
