package breaker

import (
	"testing"
	"time"

	"github.com/arbflow/arbflow/pkg/domain"
)

func TestBreaker_OpensAtThreshold(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	b := New(3, 30*time.Second, clock)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker must reject")
	}
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	b := New(1, 30*time.Second, clock)

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("open breaker must reject before timeout")
	}

	clock.Advance(30 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker should half-open after reset timeout")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %s", b.State())
	}
	// Second caller while the probe is in flight is rejected.
	if b.Allow() {
		t.Fatal("half-open breaker allows a single probe")
	}

	if recovered := b.RecordSuccess(); !recovered {
		t.Error("closing from half-open should report recovery")
	}
	if b.State() != StateClosed {
		t.Fatal("breaker should close on probe success")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	b := New(1, time.Second, clock)

	b.RecordFailure()
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Fatal("expected half-open probe")
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("probe failure must reopen the breaker")
	}
	// The clock has not advanced since the probe failure.
	if b.Allow() {
		t.Fatal("reopened breaker must reject")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clock := domain.NewFakeClock(time.Unix(0, 0))
	b := New(3, time.Second, clock)

	b.RecordFailure()
	b.RecordFailure()
	if recovered := b.RecordSuccess(); recovered {
		t.Error("success while closed is not a recovery")
	}
	if b.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", b.Failures())
	}
}
