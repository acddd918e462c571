package breaker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testBank(cfg Config) (*Bank, *time.Time) {
	b := NewBank(cfg, zerolog.Nop())
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	b.SetNowFunc(func() time.Time { return now })
	return b, &now
}

func TestBank_UnknownOriginAllowed(t *testing.T) {
	b, _ := testBank(Config{})
	if ok, _ := b.Allow("10.0.0.1"); !ok {
		t.Fatal("origin with no failures must be allowed")
	}
	if b.State("10.0.0.1") != StateClosed {
		t.Fatal("origin with no failures must read as closed")
	}
}

func TestBank_OpensAtThreshold(t *testing.T) {
	// 10 socket errors with threshold=10 opens the breaker; all admissions
	// are denied for the 60s timeout.
	b, now := testBank(Config{Threshold: 10, Timeout: 60 * time.Second, BurstCount: 100})

	for i := 0; i < 9; i++ {
		b.RecordFailure("1.2.3.4")
		*now = now.Add(2 * time.Second) // spread out to avoid the burst path
	}
	if b.State("1.2.3.4") != StateClosed {
		t.Fatal("breaker must stay closed below threshold")
	}

	b.RecordFailure("1.2.3.4")
	if b.State("1.2.3.4") != StateOpen {
		t.Fatal("breaker must open at threshold")
	}

	ok, retryAfter := b.Allow("1.2.3.4")
	if ok {
		t.Fatal("open breaker must deny")
	}
	if retryAfter <= 0 || retryAfter > 60*time.Second {
		t.Fatalf("retryAfter = %v; want (0, 60s]", retryAfter)
	}
}

func TestBank_HalfOpenSingleTrial(t *testing.T) {
	b, now := testBank(Config{Threshold: 3, Timeout: 60 * time.Second, BurstCount: 100})

	for i := 0; i < 3; i++ {
		b.RecordFailure("x")
		*now = now.Add(5 * time.Second)
	}
	if b.State("x") != StateOpen {
		t.Fatal("breaker must be open")
	}

	// After the timeout, exactly the next attempt is tried in half-open.
	*now = now.Add(61 * time.Second)
	if b.State("x") != StateHalfOpen {
		t.Fatal("breaker must be half-open after timeout")
	}

	ok, _ := b.Allow("x")
	if !ok {
		t.Fatal("first attempt after timeout must be admitted as trial")
	}
	if ok2, retry := b.Allow("x"); ok2 || retry <= 0 {
		t.Fatalf("second attempt during trial must be denied with retryAfter; got ok=%v retry=%v", ok2, retry)
	}
}

func TestBank_TrialSuccessCloses(t *testing.T) {
	b, now := testBank(Config{Threshold: 3, Timeout: 30 * time.Second, BurstCount: 100})
	for i := 0; i < 3; i++ {
		b.RecordFailure("x")
		*now = now.Add(5 * time.Second)
	}
	*now = now.Add(31 * time.Second)

	if ok, _ := b.Allow("x"); !ok {
		t.Fatal("trial must be admitted")
	}
	b.RecordSuccess("x")

	if b.State("x") != StateClosed {
		t.Fatal("trial success must close the breaker")
	}
	if ok, _ := b.Allow("x"); !ok {
		t.Fatal("closed breaker must allow")
	}
	// Failure count was reset: a single new failure must not reopen.
	b.RecordFailure("x")
	if b.State("x") != StateClosed {
		t.Fatal("failure count must reset on close")
	}
}

func TestBank_TrialFailureReopens(t *testing.T) {
	b, now := testBank(Config{Threshold: 3, Timeout: 30 * time.Second, BurstCount: 100})
	for i := 0; i < 3; i++ {
		b.RecordFailure("x")
		*now = now.Add(5 * time.Second)
	}
	*now = now.Add(31 * time.Second)

	if ok, _ := b.Allow("x"); !ok {
		t.Fatal("trial must be admitted")
	}
	b.RecordFailure("x")

	if b.State("x") != StateOpen {
		t.Fatal("trial failure must reopen the breaker")
	}
	// Reopened for the same timeout, starting now.
	ok, retry := b.Allow("x")
	if ok || retry != 30*time.Second {
		t.Fatalf("Allow after reopen = (%v, %v); want (false, 30s)", ok, retry)
	}
}

func TestBank_BurstForcesOpenWithExtendedTimeout(t *testing.T) {
	b, now := testBank(Config{
		Threshold:       100, // unreachable: only the burst path can trip
		Timeout:         60 * time.Second,
		BurstCount:      5,
		BurstWindow:     10 * time.Second,
		ExtendedTimeout: 180 * time.Second,
	})

	for i := 0; i < 5; i++ {
		b.RecordFailure("x")
		*now = now.Add(time.Second)
	}
	if b.State("x") != StateOpen {
		t.Fatal("failure burst must force the breaker open")
	}

	_, retry := b.Allow("x")
	if retry <= 60*time.Second {
		t.Fatalf("retryAfter = %v; want extended timeout beyond the normal 60s", retry)
	}
}

func TestBank_SweepDecaysIdleEntries(t *testing.T) {
	b, now := testBank(Config{Threshold: 10, Cooldown: 5 * time.Minute, BurstCount: 100})

	b.RecordFailure("stale")
	b.RecordFailure("fresh")

	*now = now.Add(6 * time.Minute)
	b.RecordFailure("fresh")

	if removed := b.Sweep(*now); removed != 1 {
		t.Fatalf("Sweep() removed %d entries; want 1", removed)
	}
	if b.RecentFailure("fresh", time.Minute) != true {
		t.Fatal("fresh origin must survive the sweep")
	}
}

func TestBank_RecentFailure(t *testing.T) {
	b, now := testBank(Config{})
	b.RecordFailure("x")

	if !b.RecentFailure("x", time.Minute) {
		t.Fatal("failure just recorded must be recent")
	}
	*now = now.Add(2 * time.Minute)
	if b.RecentFailure("x", time.Minute) {
		t.Fatal("failure outside window must not be recent")
	}
	if b.RecentFailure("never-seen", time.Minute) {
		t.Fatal("unknown origin has no recent failures")
	}
}
