package backoff

import (
	"testing"
	"time"
)

func TestPolicy_NextDelayWithinRange(t *testing.T) {
	p := New(100, time.Second)
	for i := 0; i < 100; i++ {
		d := p.NextDelay()
		if d < time.Second || d > 10*time.Second {
			t.Fatalf("delay %v outside [1s, 10s]", d)
		}
	}
}

func TestPolicy_MultiplierFromRand(t *testing.T) {
	draws := []float64{0, 0.5, 0.999}
	i := 0
	p := New(3, 2*time.Second, WithMultiplierRange(1, 3), WithRand(func() float64 {
		v := draws[i]
		i++
		return v
	}))

	want := []time.Duration{2 * time.Second, 4 * time.Second}
	for _, w := range want {
		if got := p.NextDelay(); got != w {
			t.Fatalf("NextDelay() = %v, want %v", got, w)
		}
	}
	if got := p.NextDelay(); got < 5*time.Second || got >= 6*time.Second {
		t.Fatalf("NextDelay() = %v, want just under 6s", got)
	}
}

func TestPolicy_BudgetConsumptionAndReset(t *testing.T) {
	p := New(3, time.Millisecond)
	if p.Exhausted() {
		t.Fatal("fresh policy should not be exhausted")
	}
	for i := 0; i < 3; i++ {
		p.NextDelay()
	}
	if !p.Exhausted() {
		t.Fatalf("expected exhaustion after 3 retries, remaining %d", p.Remaining())
	}

	// Further draws never push the budget negative.
	p.NextDelay()
	if p.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", p.Remaining())
	}

	p.Reset()
	if p.Remaining() != p.Budget() || p.Budget() != 3 {
		t.Fatalf("remaining = %d budget = %d after reset", p.Remaining(), p.Budget())
	}
}

func TestPolicy_Defaults(t *testing.T) {
	p := New(-1, 0, WithMultiplierRange(5, 1), WithRand(nil))
	if p.Budget() != 0 || !p.Exhausted() {
		t.Fatalf("negative budget should clamp to zero, got %d", p.Budget())
	}
	d := p.NextDelay()
	if d < DefaultBaseInterval || d > 10*DefaultBaseInterval {
		t.Fatalf("delay %v outside default range", d)
	}
}
