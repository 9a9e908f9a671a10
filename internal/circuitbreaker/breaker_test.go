package circuitbreaker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mbd888/mulewatch/internal/metrics"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(threshold, open).WithClock(clock.Now), clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newBreaker(3, time.Second)
	if !b.Allow("postgres") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newBreaker(3, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")
	if !b.Allow("postgres") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("postgres")
	if b.Allow("postgres") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("postgres") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("postgres"))
	}
}

func TestBreaker_OpenToHalfOpenAfterDuration(t *testing.T) {
	b, clock := newBreaker(2, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")
	clock.Advance(999 * time.Millisecond)
	if b.Allow("postgres") {
		t.Fatal("should still be open")
	}

	clock.Advance(time.Millisecond)
	if !b.Allow("postgres") {
		t.Fatal("should allow probe in half-open")
	}
	if b.State("postgres") != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", b.State("postgres"))
	}
	if b.Allow("postgres") {
		t.Fatal("should reject second call in half-open")
	}
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b, clock := newBreaker(2, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")
	clock.Advance(time.Second)
	b.Allow("postgres")

	b.RecordSuccess("postgres")
	if b.State("postgres") != StateClosed {
		t.Fatalf("expected StateClosed after success, got %v", b.State("postgres"))
	}
	if !b.Allow("postgres") {
		t.Fatal("should allow after recovery")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newBreaker(2, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")
	clock.Advance(time.Second)
	b.Allow("postgres")

	b.RecordFailure("postgres")
	if b.State("postgres") != StateOpen {
		t.Fatalf("expected StateOpen after half-open failure, got %v", b.State("postgres"))
	}
	if b.Allow("postgres") {
		t.Fatal("reopened circuit should wait a full open duration")
	}
}

func TestBreaker_SuccessResets(t *testing.T) {
	b, _ := newBreaker(3, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")
	b.RecordSuccess("postgres")

	b.RecordFailure("postgres")
	if !b.Allow("postgres") {
		t.Fatal("should still be closed after reset")
	}
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newBreaker(2, time.Second)

	b.RecordFailure("postgres")
	b.RecordFailure("postgres")

	if b.Allow("postgres") {
		t.Fatal("postgres should be open")
	}
	if !b.Allow("memory") {
		t.Fatal("memory should be closed")
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(0, 0)
	if b.threshold != DefaultThreshold || b.openDuration != DefaultOpenDuration {
		t.Fatalf("unexpected defaults: %d %v", b.threshold, b.openDuration)
	}
	if b.State("unknown") != StateClosed {
		t.Fatalf("expected StateClosed for unknown key, got %v", b.State("unknown"))
	}
}

func TestBreaker_TransitionsAreReported(t *testing.T) {
	b, _ := newBreaker(2, time.Second)

	var transitions [][2]State
	b.OnTransition(func(key string, from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})
	before := testutil.ToFloat64(metrics.BreakerTransitionsTotal.WithLabelValues("reported", "closed", "open"))

	b.RecordFailure("reported")
	b.RecordFailure("reported")

	if len(transitions) != 1 || transitions[0] != [2]State{StateClosed, StateOpen} {
		t.Fatalf("expected one closed→open transition, got %v", transitions)
	}
	after := testutil.ToFloat64(metrics.BreakerTransitionsTotal.WithLabelValues("reported", "closed", "open"))
	if after != before+1 {
		t.Fatalf("expected transition counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
