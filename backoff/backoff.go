// Package backoff computes reconnect delays from a bounded retry budget, a
// base interval and a randomized multiplier.
//
// Unlike exponential schemes, the delay does not grow with the attempt
// number. Each attempt draws a fresh multiplier from a fixed range so that a
// fleet of clients disconnected by the same outage spreads its reconnects out
// instead of retrying in lockstep. The budget bounds how long a client keeps
// trying; once it is spent the caller is expected to give up loudly.
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBudget is the number of reopen attempts allowed between two
	// successful opens.
	DefaultBudget = 7
	// DefaultBaseInterval is multiplied by the drawn multiplier.
	DefaultBaseInterval = 10 * time.Second
	// DefaultMinMultiplier and DefaultMaxMultiplier bound the jitter range.
	DefaultMinMultiplier = 1.0
	DefaultMaxMultiplier = 10.0
)

// Option configures a Policy.
type Option func(*Policy)

// WithMultiplierRange sets the range the per-attempt multiplier is drawn
// from. Non-positive or inverted ranges are ignored.
func WithMultiplierRange(min, max float64) Option {
	return func(p *Policy) {
		if min > 0 && max >= min {
			p.minMult, p.maxMult = min, max
		}
	}
}

// WithRand replaces the random source. f must return values in [0, 1).
func WithRand(f func() float64) Option {
	return func(p *Policy) {
		if f != nil {
			p.rand = f
		}
	}
}

// Policy tracks the remaining retry budget. It is not safe for concurrent
// use; owners serialize access.
type Policy struct {
	budget    int
	remaining int
	base      time.Duration
	minMult   float64
	maxMult   float64
	rand      func() float64
}

// New creates a policy with the full budget available. A negative budget is
// treated as zero and a non-positive base falls back to DefaultBaseInterval.
func New(budget int, base time.Duration, opts ...Option) *Policy {
	if budget < 0 {
		budget = 0
	}
	if base <= 0 {
		base = DefaultBaseInterval
	}
	p := &Policy{
		budget:  budget,
		base:    base,
		minMult: DefaultMinMultiplier,
		maxMult: DefaultMaxMultiplier,
		rand:    rand.Float64,
	}
	for _, o := range opts {
		o(p)
	}
	p.remaining = p.budget
	return p
}

// NextDelay consumes one unit of budget and returns base × multiplier. When
// the budget is already exhausted it still returns a delay but the budget
// stays at zero; callers check Exhausted first.
func (p *Policy) NextDelay() time.Duration {
	if p.remaining > 0 {
		p.remaining--
	}
	return time.Duration(float64(p.base) * p.multiplier())
}

// Reset restores the full budget. It is called once per successful open.
func (p *Policy) Reset() {
	p.remaining = p.budget
}

// Exhausted reports whether no retries remain.
func (p *Policy) Exhausted() bool {
	return p.remaining <= 0
}

// Remaining returns the number of retries left.
func (p *Policy) Remaining() int { return p.remaining }

// Budget returns the configured number of retries.
func (p *Policy) Budget() int { return p.budget }

func (p *Policy) multiplier() float64 {
	return p.minMult + p.rand()*(p.maxMult-p.minMult)
}
