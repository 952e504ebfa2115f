package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes an exponential backoff with an upper bound. The zero value
// is not usable; construct policies with NewPolicy or fill every field.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// Max caps the computed delay.
	Max time.Duration
	// Jitter randomises each delay within [delay/2, delay] to avoid
	// synchronised reconnect storms.
	Jitter bool
}

// NewPolicy returns a Policy with defaults applied for unset fields.
func NewPolicy(base time.Duration, multiplier float64, max time.Duration) Policy {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if multiplier < 1 {
		multiplier = 2.0
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return Policy{Base: base, Multiplier: multiplier, Max: max, Jitter: true}
}

// Delay computes the delay for the given attempt. Attempts are numbered from
// zero; attempt 0 returns Base.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	scaled := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt))
	delay := time.Duration(scaled)
	if delay > p.Max || delay <= 0 { // overflow guards the second clause
		delay = p.Max
	}

	if p.Jitter && delay > 0 {
		half := delay / 2
		delay = half + rand.N(half+1)
	}
	return delay
}

// Sleep waits for the delay of the given attempt or until the context is
// cancelled, returning the context error in that case.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
