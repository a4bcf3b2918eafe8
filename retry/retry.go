// Package retry classifies errors as recoverable and retries recoverable
// failures with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls how Do retries.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// BaseWait is the wait before the first retry.
	BaseWait time.Duration
	// MaxWait caps a single wait.
	MaxWait time.Duration
	// Multiplier grows the wait between attempts.
	Multiplier float64
	// Jitter is the fraction of each wait randomized in both directions.
	Jitter float64
}

// DefaultPolicy is used when no options are given.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseWait:   500 * time.Millisecond,
		MaxWait:    30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Option adjusts a Policy.
type Option func(*Policy)

func WithMaxRetries(n int) Option {
	return func(p *Policy) { p.MaxRetries = max(n, 0) }
}

func WithBaseWait(d time.Duration) Option {
	return func(p *Policy) { p.BaseWait = d }
}

func WithMaxWait(d time.Duration) Option {
	return func(p *Policy) { p.MaxWait = d }
}

func WithMultiplier(m float64) Option {
	return func(p *Policy) { p.Multiplier = m }
}

func WithJitter(fraction float64) Option {
	return func(p *Policy) { p.Jitter = fraction }
}

// WithPolicy replaces the whole policy.
func WithPolicy(policy Policy) Option {
	return func(p *Policy) { *p = policy }
}

// Backoff returns the wait before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	wait := float64(p.BaseWait) * math.Pow(multiplier, float64(attempt-1))
	if p.Jitter > 0 {
		spread := wait * p.Jitter
		wait += rand.Float64()*2*spread - spread
	}
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	if wait < 0 {
		wait = float64(p.BaseWait)
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a non-recoverable error, the retry
// budget is exhausted or ctx is done. The last error from fn is returned as is.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	policy := DefaultPolicy()
	for _, opt := range opts {
		opt(&policy)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= policy.MaxRetries || !IsRecoverable(err) {
			return err
		}

		timer := time.NewTimer(policy.Backoff(attempt + 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
