package retry

import (
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Config holds the retry behavior of a client or a single call.
// Use DefaultConfig() for balanced defaults, then modify as needed.
//
// The retry loop uses exponential backoff with jitter to prevent
// "thundering herd" problems when multiple clients retry simultaneously.
//
// Key concepts:
//   - MaxRetries: Maximum number of retries after the first attempt (0 = disabled)
//   - MaxElapsedTime: Total time budget for all retries combined.
//     If waiting for the next retry would exceed this budget, the loop stops.
//   - JitterFactor: Randomization factor (0.0-1.0) applied to each interval.
//     A factor of 0.5 means intervals vary ±50% (e.g., 1s becomes 0.5s-1.5s).
//
// Example usage:
//
//	cfg := retry.DefaultConfig()
//	cfg.MaxRetries = 5
//	cfg.InitialInterval = 200 * time.Millisecond
//
//	client := fetch.Default().WithPlugin(retry.Plugin(cfg))
type Config struct {
	// MaxRetries is the maximum number of retries.
	// The initial request is not counted: MaxRetries = 3 allows up to
	// four transport calls.
	// Default: 3
	MaxRetries uint

	// InitialInterval is the first backoff interval.
	// Subsequent intervals grow exponentially based on Multiplier.
	// Default: 500ms
	InitialInterval time.Duration

	// MaxInterval caps the backoff interval.
	// Default: 30s
	MaxInterval time.Duration

	// MaxElapsedTime is the total time budget for the entire retry sequence.
	// Set to 0 for no time limit (only MaxRetries applies).
	// Default: 2m
	MaxElapsedTime time.Duration

	// Multiplier controls exponential growth of backoff intervals.
	// Default: 2.0 (intervals double each retry)
	//
	// Example with InitialInterval=500ms, Multiplier=2.0:
	//   Retry 1: 500ms → Retry 2: 1s → Retry 3: 2s
	Multiplier float64

	// JitterFactor adds randomization to prevent retry storms.
	// Value between 0.0 (no jitter) and 1.0 (±100% randomization).
	// Default: 0.5
	JitterFactor float64

	// BackOff builds the backoff strategy for one logical request.
	// When nil, an exponential backoff is derived from the fields above.
	//
	// Example:
	//
	//	cfg.BackOff = func() backoff.BackOff { return retry.NewLinearBackOff() }
	BackOff func() backoff.BackOff

	// ShouldRetry decides whether a failed attempt is retried.
	// Default: DefaultClassifier
	ShouldRetry Classifier

	// Skip exempts requests from retrying entirely, e.g. non-idempotent
	// methods. Skipped requests are sent once.
	Skip func(u *url.URL, opts *fetch.Options) bool
}

// Default values for Config.
const (
	// DefaultMaxRetries is the default number of retries.
	DefaultMaxRetries = 3

	// DefaultInitialInterval is the default starting backoff interval.
	DefaultInitialInterval = 500 * time.Millisecond

	// DefaultMaxInterval is the default maximum backoff interval.
	DefaultMaxInterval = 30 * time.Second

	// DefaultMaxElapsedTime is the default total retry time budget.
	DefaultMaxElapsedTime = 2 * time.Minute

	// DefaultMultiplier is the default backoff multiplier.
	DefaultMultiplier = 2.0

	// DefaultJitterFactor is the default randomization factor.
	DefaultJitterFactor = 0.5
)

// DefaultConfig returns balanced defaults for general use.
//
// Configuration:
//   - 3 retries with exponential backoff (500ms → 1s → 2s)
//   - 2 minute total time budget
//   - 50% jitter
//   - 30s maximum interval cap
func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		MaxElapsedTime:  DefaultMaxElapsedTime,
		Multiplier:      DefaultMultiplier,
		JitterFactor:    DefaultJitterFactor,
	}
}

// AggressiveConfig returns configuration for mission-critical,
// idempotent operations.
//
// Configuration:
//   - 5 retries with faster start (200ms → 400ms → 800ms → 1.6s → 3.2s)
//   - 5 minute total time budget
//   - 60s maximum interval cap
//
// More aggressive retries increase load on downstream services.
func AggressiveConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 5
	cfg.InitialInterval = 200 * time.Millisecond
	cfg.MaxInterval = 60 * time.Second
	cfg.MaxElapsedTime = 5 * time.Minute
	return cfg
}

// ConservativeConfig returns configuration for expensive or rate-limited
// services.
//
// Configuration:
//   - 2 retries with slower start (1s → 2s)
//   - 30 second total time budget
//   - 10s maximum interval cap
func ConservativeConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialInterval = 1 * time.Second
	cfg.MaxInterval = 10 * time.Second
	cfg.MaxElapsedTime = 30 * time.Second
	return cfg
}

// NoRetryConfig returns configuration that disables retries.
//
// Applied through Plugin, it installs the retry capability without
// retrying anything, so that only calls carrying With(...) are retried.
func NoRetryConfig() Config {
	return Config{}
}

// Enabled returns true if retries are enabled.
func (c Config) Enabled() bool {
	return c.MaxRetries > 0
}

// newBackOff returns the strategy for one logical request.
func (c Config) newBackOff() backoff.BackOff {
	if c.BackOff != nil {
		if b := c.BackOff(); b != nil {
			return b
		}
	}
	return ExponentialBackOff(c)
}

func (c Config) classifier() Classifier {
	if c.ShouldRetry != nil {
		return c.ShouldRetry
	}
	return DefaultClassifier
}
