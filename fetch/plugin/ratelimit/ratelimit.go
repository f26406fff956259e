// Package ratelimit throttles outgoing requests with token buckets from
// golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the rate limit plugin was applied to.
const Capability fetch.Capability = "ratelimit"

const limitersProperty = "ratelimit.limiters"

// ErrRateLimited is returned when a request may not be sent within the
// allowed wait.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Behavior specifies how to handle an exhausted bucket.
type Behavior int

const (
	// Wait blocks until a token is available (default).
	Wait Behavior = iota
	// FailFast returns ErrRateLimited immediately.
	FailFast
)

// Config configures client-level rate limiting.
type Config struct {
	// RequestsPerSecond is the maximum sustained request rate.
	// Zero or less disables the client-level bucket.
	RequestsPerSecond float64

	// Burst is the maximum number of requests allowed in a burst.
	// Minimum 1.
	Burst int

	// Behavior decides between waiting and failing fast.
	Behavior Behavior

	// WaitTimeout bounds how long a request waits for a token. A request
	// that would wait longer fails with ErrRateLimited right away.
	// Zero means wait as long as the context allows.
	WaitTimeout time.Duration
}

// DefaultConfig returns 100 requests per second with a burst of 10.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		Burst:             10,
		Behavior:          Wait,
	}
}

// Stats provides visibility into a bucket.
type Stats struct {
	// Limit is the maximum rate per second.
	Limit float64
	// Burst is the maximum burst size.
	Burst int
	// TokensAvailable is the current number of tokens.
	TokensAvailable float64
}

// Limiters holds the client bucket and the per-key buckets.
type Limiters struct {
	cfg    Config
	client *rate.Limiter

	mu    sync.RWMutex
	byKey map[string]*rate.Limiter
}

func newLimiters(cfg Config) *Limiters {
	l := &Limiters{cfg: cfg, byKey: make(map[string]*rate.Limiter)}
	if cfg.RequestsPerSecond > 0 {
		l.client = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	return l
}

// getOrCreate returns the bucket for key, creating it with rps and burst.
func (l *Limiters) getOrCreate(key string, rps float64, burst int) *rate.Limiter {
	l.mu.RLock()
	limiter, ok := l.byKey[key]
	l.mu.RUnlock()
	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.byKey[key]; ok {
		return limiter
	}
	limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	l.byKey[key] = limiter
	return limiter
}

// Stats returns the client bucket state, or false when it is disabled.
func (l *Limiters) Stats() (Stats, bool) {
	if l.client == nil {
		return Stats{}, false
	}
	return statsOf(l.client), true
}

// KeyStats returns the state of the bucket for key, or false when no
// request used it yet.
func (l *Limiters) KeyStats(key string) (Stats, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limiter, ok := l.byKey[key]
	if !ok {
		return Stats{}, false
	}
	return statsOf(limiter), true
}

func statsOf(limiter *rate.Limiter) Stats {
	return Stats{
		Limit:           float64(limiter.Limit()),
		Burst:           limiter.Burst(),
		TokensAvailable: limiter.Tokens(),
	}
}

// keyLimit selects a per-key bucket for one call.
type keyLimit struct {
	name  string
	rps   float64
	burst int
}

var keyLimitKey = fetch.NewKey[keyLimit]("ratelimit.key")

// Key puts the call in the bucket named name, sized like the client
// bucket. The client bucket still applies.
//
// Example - share a budget across every export call:
//
//	client.Get("/exports/q4", ratelimit.Key("exports"))
func Key(name string) fetch.RequestOption {
	return keyLimitKey.Option(keyLimit{name: name})
}

// WithLimit puts the call in the bucket named name, created with rps and
// burst on first use. The client bucket still applies.
func WithLimit(name string, rps float64, burst int) fetch.RequestOption {
	return keyLimitKey.Option(keyLimit{name: name, rps: rps, burst: burst})
}

// Plugin rate limits every request of the client.
//
// Example:
//
//	client := fetch.Default().WithPlugin(ratelimit.Plugin(ratelimit.Config{
//	    RequestsPerSecond: 20,
//	    Burst:             5,
//	    WaitTimeout:       time.Second,
//	}))
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		limiters := newLimiters(cfg)
		return c.
			WithProperties(map[string]any{limitersProperty: limiters}).
			WithMiddleware(Middleware(limiters))
	})
}

// LimitersOf returns the buckets installed by Plugin, or nil.
func LimitersOf(client *fetch.Client) *Limiters {
	limiters, _ := fetch.PropertyOf[*Limiters](client, limitersProperty)
	return limiters
}

// Middleware takes a token from every applicable bucket before calling
// next.
func Middleware(limiters *Limiters) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			if limiters.client != nil {
				if err := limiters.take(ctx, limiters.client); err != nil {
					return nil, err
				}
			}

			if kl, ok := keyLimitKey.Get(opts); ok && kl.name != "" {
				rps, burst := kl.rps, kl.burst
				if rps <= 0 {
					rps, burst = limiters.cfg.RequestsPerSecond, limiters.cfg.Burst
				}
				if rps > 0 {
					limiter := limiters.getOrCreate(kl.name, rps, burst)
					if err := limiters.take(ctx, limiter); err != nil {
						return nil, err
					}
				}
			}

			return next(ctx, u, opts)
		}
	}
}

// take reserves a token and waits for it according to the configuration.
func (l *Limiters) take(ctx context.Context, limiter *rate.Limiter) error {
	r := limiter.Reserve()
	if !r.OK() {
		return ErrRateLimited
	}

	delay := r.Delay()
	if delay == 0 {
		return nil
	}

	if l.cfg.Behavior == FailFast || (l.cfg.WaitTimeout > 0 && delay > l.cfg.WaitTimeout) {
		r.Cancel()
		return ErrRateLimited
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return ErrRateLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}
