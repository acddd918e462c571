package supervisor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/parcelview/gateway/internal/admission"
	"github.com/parcelview/gateway/internal/breaker"
	"github.com/parcelview/gateway/internal/messaging"
	"github.com/parcelview/gateway/internal/monitoring"
	"github.com/parcelview/gateway/internal/registry"
	"github.com/parcelview/gateway/internal/router"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fakeTransport struct {
	pings    int
	pingErr  error
	closed   bool
	closeMsg string
}

func (f *fakeTransport) Send([]byte) error { return nil }
func (f *fakeTransport) Ping() error {
	if f.pingErr != nil {
		return f.pingErr
	}
	f.pings++
	return nil
}
func (f *fakeTransport) Close(code int, reason string) error {
	f.closed = true
	f.closeMsg = reason
	return nil
}

var supTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	sup      *Supervisor
	reg      *registry.Registry
	ctl      *admission.Controller
	bank     *breaker.Bank
	hub      *router.Hub
	executed []string
	level    PressureLevel
	pct      float64
}

func newFixture(t *testing.T, cfg Config, limits admission.Limits) *fixture {
	t.Helper()

	log := zerolog.Nop()
	reg := registry.New(log)
	mon := registry.NewMonitor(reg, registry.MonitorConfig{}, log)
	bank := breaker.NewBank(breaker.Config{}, log)
	ctl := admission.NewController(limits, reg, reg, bank, nil, log)

	f := &fixture{reg: reg, ctl: ctl, bank: bank}
	f.hub = router.NewHub(router.Config{}, reg, bank, router.ExecutorFunc(func(_ string, env *messaging.Envelope) error {
		f.executed = append(f.executed, env.RequestID)
		return nil
	}), log)
	f.sup = New(cfg, reg, mon, f.hub, ctl, bank,
		func() (PressureLevel, float64, error) { return f.level, f.pct, nil }, log)
	return f
}

func (f *fixture) addOpenConn(t *testing.T, id string, prio messaging.Priority, at time.Time) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	c := registry.NewConn(id, "10.0.0.1", "", registry.TierMain, prio, tr, at)
	if err := c.Transition(registry.StateOpen); err != nil {
		t.Fatal(err)
	}
	if err := f.reg.Add(c); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestHeartbeat_PingsIdleConnections(t *testing.T) {
	f := newFixture(t, Config{HeartbeatIdle: 30 * time.Second}, admission.Limits{})

	idle := f.addOpenConn(t, "idle", messaging.PriorityMedium, supTime)
	busy := f.addOpenConn(t, "busy", messaging.PriorityMedium, supTime)

	later := supTime.Add(31 * time.Second)
	f.reg.Get("busy").Touch(later)

	f.sup.Tick(later)

	if idle.pings != 1 {
		t.Errorf("idle connection pings = %d; want 1", idle.pings)
	}
	if busy.pings != 0 {
		t.Errorf("active connection pings = %d; want 0", busy.pings)
	}

	// A ping already in flight is not repeated.
	f.sup.Tick(later.Add(time.Second))
	if idle.pings != 1 {
		t.Errorf("pings after second tick = %d; want 1 (no duplicate ping)", idle.pings)
	}
}

func TestHeartbeat_TerminatesUnresponsive(t *testing.T) {
	f := newFixture(t, Config{HeartbeatIdle: 30 * time.Second, HeartbeatTimeout: 60 * time.Second}, admission.Limits{})
	f.addOpenConn(t, "dead", messaging.PriorityMedium, supTime)

	pingAt := supTime.Add(31 * time.Second)
	f.sup.Tick(pingAt)
	if f.reg.Len() != 1 {
		t.Fatal("connection must survive while the timeout has not elapsed")
	}

	// Ping never answered: past the timeout the connection is terminated.
	f.sup.Tick(pingAt.Add(61 * time.Second))
	if f.reg.Len() != 0 {
		t.Fatal("unresponsive connection must be terminated after the heartbeat timeout")
	}
}

func TestHeartbeat_PongClearsOutstandingPing(t *testing.T) {
	f := newFixture(t, Config{HeartbeatIdle: 30 * time.Second, HeartbeatTimeout: 60 * time.Second}, admission.Limits{})
	f.addOpenConn(t, "alive", messaging.PriorityMedium, supTime)

	pingAt := supTime.Add(31 * time.Second)
	f.sup.Tick(pingAt)

	c := f.reg.Get("alive")
	rtt, ok := c.PongReceived(pingAt.Add(40 * time.Millisecond))
	if !ok || rtt != 40*time.Millisecond {
		t.Fatalf("PongReceived = (%v, %v); want (40ms, true)", rtt, ok)
	}

	// Long past the original ping's deadline, but the pong settled it.
	f.sup.Tick(pingAt.Add(2 * time.Minute))
	if f.reg.Len() != 1 {
		t.Fatal("answered heartbeat must not terminate the connection")
	}
}

func TestTick_SweepCadence(t *testing.T) {
	f := newFixture(t, Config{HealthSweepEvery: 10 * time.Second}, admission.Limits{})

	// A connection idle past the monitor's 120s default is only evicted
	// when the health sweep actually runs.
	f.addOpenConn(t, "stale", messaging.PriorityMedium, supTime.Add(-3*time.Minute))
	tr := f.reg.Get("stale").Transport.(*fakeTransport)
	tr.pingErr = errors.New("gone") // keep the heartbeat pass from touching state

	f.sup.Tick(supTime)
	if f.reg.Len() != 0 {
		t.Fatal("first tick must run the health sweep and evict the stale connection")
	}
}

func TestPerformancePass_Aggregates(t *testing.T) {
	f := newFixture(t, Config{}, admission.Limits{})

	f.addOpenConn(t, "a", messaging.PriorityMedium, supTime)
	f.addOpenConn(t, "b", messaging.PriorityMedium, supTime)

	ca := f.reg.Get("a")
	ca.MarkPingSent(supTime)
	ca.PongReceived(supTime.Add(50 * time.Millisecond))
	ca.RecordReceived(100)
	ca.RecordReceived(100)
	ca.RecordError()

	cb := f.reg.Get("b")
	cb.MarkPingSent(supTime)
	cb.PongReceived(supTime.Add(150 * time.Millisecond))
	cb.RecordReceived(100)
	cb.RecordReceived(100)

	f.pct = 40
	f.sup.Tick(supTime.Add(20 * time.Second))

	perf := f.sup.Performance()
	if perf.Active != 2 {
		t.Errorf("Active = %d; want 2", perf.Active)
	}
	if perf.AvgRTT != 100*time.Millisecond {
		t.Errorf("AvgRTT = %v; want 100ms", perf.AvgRTT)
	}
	if perf.ErrorRate != 0.25 {
		t.Errorf("ErrorRate = %v; want 0.25", perf.ErrorRate)
	}
	if perf.Pressure != PressureNone {
		t.Errorf("Pressure = %v; want none", perf.Pressure)
	}
}

func TestPerformancePass_RetunesLimitsOnPressureChange(t *testing.T) {
	base := admission.Limits{MaxConnections: 400}
	f := newFixture(t, Config{}, base)

	f.level = PressureElevated
	f.sup.Tick(supTime.Add(20 * time.Second))

	if got := f.ctl.Limits().MaxConnections; got != 300 {
		t.Fatalf("MaxConnections under elevated pressure = %d; want 300", got)
	}

	// Pressure clearing restores the base envelope.
	f.level = PressureNone
	f.sup.Tick(supTime.Add(40 * time.Second))
	if got := f.ctl.Limits().MaxConnections; got != 400 {
		t.Fatalf("MaxConnections after recovery = %d; want 400", got)
	}
}

func TestPerformancePass_ShedsLoadUnderHighPressure(t *testing.T) {
	base := admission.Limits{MaxConnections: 4}
	f := newFixture(t, Config{HeartbeatIdle: time.Hour, HealthSweepEvery: time.Hour}, base)

	f.addOpenConn(t, "low-1", messaging.PriorityLow, supTime)
	f.addOpenConn(t, "low-2", messaging.PriorityLow, supTime)
	f.addOpenConn(t, "med-1", messaging.PriorityMedium, supTime)
	f.addOpenConn(t, "high-1", messaging.PriorityHigh, supTime)

	// High pressure halves the ceiling to 2; two lowest-priority
	// connections are shed.
	f.level = PressureHigh
	f.sup.Tick(supTime.Add(20 * time.Second))

	if f.reg.Len() != 2 {
		t.Fatalf("connections after shed = %d; want 2", f.reg.Len())
	}
	if f.reg.Get("low-1") != nil || f.reg.Get("low-2") != nil {
		t.Error("lowest-priority connections must be shed first")
	}
	if f.reg.Get("high-1") == nil {
		t.Error("highest-priority connection must survive the shed")
	}
}

func TestLimitsForPressure_Pure(t *testing.T) {
	base := admission.Limits{
		MaxConnections:      1000,
		MaxPerOrigin:        20,
		MaxPerUser:          8,
		AdmissionsPerWindow: 10,
		GlobalRate:          50,
		GlobalBurst:         300,
	}

	tests := []struct {
		level    PressureLevel
		maxConns int
		perOrig  int
	}{
		{PressureNone, 1000, 20},
		{PressureElevated, 750, 20},
		{PressureHigh, 500, 10},
		{PressureCritical, 250, 5},
	}
	for _, tt := range tests {
		got := LimitsForPressure(tt.level, base)
		if got.MaxConnections != tt.maxConns {
			t.Errorf("LimitsForPressure(%s).MaxConnections = %d; want %d", tt.level, got.MaxConnections, tt.maxConns)
		}
		if got.MaxPerOrigin != tt.perOrig {
			t.Errorf("LimitsForPressure(%s).MaxPerOrigin = %d; want %d", tt.level, got.MaxPerOrigin, tt.perOrig)
		}
	}

	// The policy never mutates its input.
	if base.MaxConnections != 1000 {
		t.Fatal("base limits must not be mutated")
	}
}

func TestPressureThresholds_LevelFor(t *testing.T) {
	var th PressureThresholds

	tests := []struct {
		pct  float64
		want PressureLevel
	}{
		{10, PressureNone},
		{69.9, PressureNone},
		{70, PressureElevated},
		{85, PressureHigh},
		{95, PressureCritical},
		{100, PressureCritical},
	}
	for _, tt := range tests {
		if got := th.LevelFor(tt.pct); got != tt.want {
			t.Errorf("LevelFor(%v) = %v; want %v", tt.pct, got, tt.want)
		}
	}
}

func TestShutdown_ForceClosesAfterGrace(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: time.Millisecond}, admission.Limits{})

	tr := f.addOpenConn(t, "lingering", messaging.PriorityMedium, supTime)

	f.sup.Shutdown(context.Background())

	if !f.sup.Draining() {
		t.Error("Draining must report true once shutdown begins")
	}
	if !tr.closed {
		t.Fatal("lingering connection must be force-closed after the grace period")
	}
	if f.reg.Len() != 0 {
		t.Fatal("registry must be empty after shutdown")
	}
}

func TestShutdown_PurgesQueuedMessages(t *testing.T) {
	f := newFixture(t, Config{ShutdownGrace: time.Millisecond}, admission.Limits{})
	f.addOpenConn(t, "lingering", messaging.PriorityMedium, supTime)

	for i := 0; i < 3; i++ {
		env := &messaging.Envelope{
			Type:      messaging.TypeToolStatus,
			RequestID: fmt.Sprintf("q%d", i),
			Priority:  "low",
			Timestamp: supTime.UnixMilli(),
		}
		if err := f.hub.Dispatch("lingering", env, supTime); err != nil {
			t.Fatal(err)
		}
	}

	f.sup.Shutdown(context.Background())
	if f.reg.Len() != 0 {
		t.Fatal("registry must be empty after shutdown")
	}

	// A scheduler tick racing the shutdown must not drain messages for
	// force-closed connections.
	f.sup.Tick(supTime.Add(time.Second))
	if len(f.executed) != 0 {
		t.Fatalf("executions after force-close = %v; want none", f.executed)
	}
}

func TestTick_UpdatesOpenBreakerGauge(t *testing.T) {
	f := newFixture(t, Config{}, admission.Limits{})
	f.bank.SetNowFunc(func() time.Time { return supTime })

	// A burst of failures trips the origin's breaker open.
	for i := 0; i < 5; i++ {
		f.bank.RecordFailure("6.6.6.6")
	}

	f.sup.Tick(supTime)
	if got := testutil.ToFloat64(monitoring.BreakersOpen); got != 1 {
		t.Fatalf("ws_breakers_open = %v; want 1", got)
	}
}
