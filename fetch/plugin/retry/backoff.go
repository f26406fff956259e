package retry

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	_ backoff.BackOff = (*LinearBackOff)(nil)
	_ backoff.BackOff = (*DecorrelatedJitterBackOff)(nil)
	_ backoff.BackOff = (*ConstantBackOff)(nil)
	_ backoff.BackOff = (*TieredBackOff)(nil)
)

// ExponentialBackOff derives a cenkalti/backoff exponential strategy from
// cfg. Jitter is always applied; a non-positive JitterFactor falls back to
// DefaultJitterFactor.
func ExponentialBackOff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		b.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		b.Multiplier = cfg.Multiplier
	}
	b.RandomizationFactor = cfg.JitterFactor
	if b.RandomizationFactor <= 0 {
		b.RandomizationFactor = DefaultJitterFactor
	}
	return b
}

// LinearBackOff grows the interval by a fixed increment.
//
// Interval: Initial + attempt × Increment, capped at MaxInterval, ± jitter.
//
// Example with Initial=1s, Increment=500ms, no jitter:
//
//	Retry 1: 1s → Retry 2: 1.5s → Retry 3: 2s
type LinearBackOff struct {
	// InitialInterval is the first backoff interval.
	InitialInterval time.Duration

	// Increment is added to the interval after every retry.
	Increment time.Duration

	// MaxInterval caps the interval.
	MaxInterval time.Duration

	// JitterFactor adds randomization (0.0-1.0).
	JitterFactor float64

	attempt int
}

// NewLinearBackOff returns a LinearBackOff starting at 500ms, growing by
// 500ms up to 30s, with 50% jitter.
func NewLinearBackOff() *LinearBackOff {
	return &LinearBackOff{
		InitialInterval: 500 * time.Millisecond,
		Increment:       500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		JitterFactor:    0.5,
	}
}

// Reset restarts the sequence.
func (b *LinearBackOff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the next interval.
func (b *LinearBackOff) NextBackOff() time.Duration {
	interval := b.InitialInterval + time.Duration(b.attempt)*b.Increment
	if b.MaxInterval > 0 && interval > b.MaxInterval {
		interval = b.MaxInterval
	}
	b.attempt++
	return applyJitter(interval, b.JitterFactor)
}

// DecorrelatedJitterBackOff uses AWS-style decorrelated jitter: each sleep
// is random between Base and min(Cap, previous × 3). It spreads retries of
// many concurrent clients more evenly than plain jitter.
//
// See: https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitterBackOff struct {
	// Base is the minimum interval.
	Base time.Duration

	// Cap is the maximum interval.
	Cap time.Duration

	sleep time.Duration
}

// NewDecorrelatedJitterBackOff returns a DecorrelatedJitterBackOff between
// 500ms and 30s.
func NewDecorrelatedJitterBackOff() *DecorrelatedJitterBackOff {
	return &DecorrelatedJitterBackOff{
		Base: 500 * time.Millisecond,
		Cap:  30 * time.Second,
	}
}

// Reset restarts the sequence.
func (b *DecorrelatedJitterBackOff) Reset() {
	b.sleep = b.Base
}

// NextBackOff returns the next interval.
func (b *DecorrelatedJitterBackOff) NextBackOff() time.Duration {
	if b.sleep == 0 {
		b.sleep = b.Base
	}
	upper := min(b.sleep*3, b.Cap)
	b.sleep = randomBetween(b.Base, upper)
	return b.sleep
}

// ConstantBackOff waits a fixed interval, with optional jitter.
// A zero Interval retries immediately.
type ConstantBackOff struct {
	// Interval is the base interval.
	Interval time.Duration

	// JitterFactor adds randomization (0.0-1.0).
	JitterFactor float64
}

// NewConstantBackOff returns a ConstantBackOff of d without jitter.
func NewConstantBackOff(d time.Duration) *ConstantBackOff {
	return &ConstantBackOff{Interval: d}
}

// Reset is a no-op.
func (b *ConstantBackOff) Reset() {}

// NextBackOff returns Interval with jitter applied.
func (b *ConstantBackOff) NextBackOff() time.Duration {
	return applyJitter(b.Interval, b.JitterFactor)
}

// Tier is a fixed-delay phase of a TieredBackOff.
type Tier struct {
	// Retries is how many retries this tier covers.
	Retries int

	// Delay is the base delay of every retry in this tier.
	Delay time.Duration
}

// TieredBackOff walks through fixed-delay tiers, then doubles the delay
// (starting from one minute) up to MaxDelay once every tier is used up.
//
// Example:
//
//	b := retry.NewTieredBackOff([]retry.Tier{
//	    {Retries: 5, Delay: time.Minute},
//	    {Retries: 5, Delay: 2 * time.Minute},
//	}, 10*time.Minute, 0.5)
//
// Retries 1-5 wait ~1m, 6-10 wait ~2m, then 1m, 2m, 4m, 8m, 10m, 10m...
type TieredBackOff struct {
	Tiers        []Tier
	MaxDelay     time.Duration
	JitterFactor float64

	attempt int
}

// NewTieredBackOff returns a TieredBackOff. A non-positive jitterFactor
// falls back to DefaultJitterFactor.
func NewTieredBackOff(tiers []Tier, maxDelay time.Duration, jitterFactor float64) *TieredBackOff {
	if jitterFactor <= 0 {
		jitterFactor = DefaultJitterFactor
	}
	return &TieredBackOff{Tiers: tiers, MaxDelay: maxDelay, JitterFactor: jitterFactor}
}

// Reset restarts the sequence.
func (b *TieredBackOff) Reset() {
	b.attempt = 0
}

// NextBackOff returns the next interval.
func (b *TieredBackOff) NextBackOff() time.Duration {
	b.attempt++
	return applyJitter(b.delay(), b.JitterFactor)
}

// CurrentTier returns the 1-indexed tier of the last interval, or
// len(Tiers)+1 once in the exponential phase.
func (b *TieredBackOff) CurrentTier() int {
	remaining := b.attempt
	for i, tier := range b.Tiers {
		if remaining <= tier.Retries {
			return i + 1
		}
		remaining -= tier.Retries
	}
	return len(b.Tiers) + 1
}

func (b *TieredBackOff) delay() time.Duration {
	remaining := b.attempt
	for _, tier := range b.Tiers {
		if remaining <= tier.Retries {
			return tier.Delay
		}
		remaining -= tier.Retries
	}

	delay := time.Minute << max(remaining-1, 0)
	if delay <= 0 || (b.MaxDelay > 0 && delay > b.MaxDelay) {
		delay = b.MaxDelay
	}
	return delay
}

// applyJitter spreads interval uniformly over interval ± interval×factor.
func applyJitter(interval time.Duration, factor float64) time.Duration {
	if factor <= 0 || interval <= 0 {
		return interval
	}
	factor = min(factor, 1)

	delta := float64(interval) * factor
	lo := float64(interval) - delta
	//nolint:gosec // jitter does not need a cryptographic source
	return time.Duration(lo + rand.Float64()*2*delta)
}

// randomBetween returns a random duration in [lo, hi).
func randomBetween(lo, hi time.Duration) time.Duration {
	if lo >= hi {
		return lo
	}
	//nolint:gosec // jitter does not need a cryptographic source
	return lo + time.Duration(rand.Int64N(int64(hi-lo)))
}
