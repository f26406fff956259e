// Package breaker stops sending requests to a failing service for a while,
// using sony/gobreaker.
package breaker

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	gobreakerredis "github.com/sony/gobreaker/v2/redis"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the breaker plugin was applied to.
const Capability fetch.Capability = "breaker"

// DefaultName identifies breakers created without a Name.
const DefaultName = "sentinel-fetch"

// NewRedisStore creates a SharedDataStore backed by Redis for distributed
// circuit breaking.
//
// Usage:
//
//	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"localhost:6379"}})
//	cfg := breaker.DistributedConfig(breaker.NewRedisStore(rdb))
func NewRedisStore(client redis.UniversalClient) gobreaker.SharedDataStore {
	return gobreakerredis.NewStoreFromClient(client)
}

// CircuitBreaker runs requests through a circuit. Both
// *gobreaker.CircuitBreaker[*fetch.Response] and
// *gobreaker.DistributedCircuitBreaker[*fetch.Response] satisfy it.
type CircuitBreaker interface {
	Execute(req func() (*fetch.Response, error)) (*fetch.Response, error)
}

// Classifier reports whether a failed request counts against the circuit.
// resp is the failed response for status errors, nil otherwise.
type Classifier func(resp *fetch.Response, err error) bool

// Config holds the circuit breaker settings.
//
// Concepts:
//   - Closed: Normal state, requests allowed.
//   - Open: Failing state, requests rejected immediately with gobreaker.ErrOpenState.
//   - Half-Open: Probing state, limited requests allowed to test recovery.
type Config struct {
	// Name identifies the circuit, and the shared state key when
	// distributed. Default: DefaultName
	Name string

	// MaxRequests is the maximum number of requests allowed to pass through
	// when the circuit breaker is half-open (probing).
	// If 0, the circuit breaker allows 1 request.
	MaxRequests uint32

	// Interval is the cyclic period of the closed state after which the
	// counts are cleared. If 0, counts are never cleared while closed.
	Interval time.Duration

	// Timeout is the period of the open state, after which the circuit
	// becomes half-open. gobreaker uses 60s when 0.
	Timeout time.Duration

	// FailureThreshold is the minimum number of requests in the interval
	// before the circuit can trip.
	FailureThreshold uint32

	// FailureRatio trips the circuit once this share of requests failed
	// (0.0 - 1.0). 0 disables the rule.
	FailureRatio float64

	// ConsecutiveFailures trips the circuit after this many failures in a
	// row. 0 disables the rule.
	ConsecutiveFailures uint32

	// Store shares the circuit state between processes.
	// If nil, the circuit is local to the client.
	Store gobreaker.SharedDataStore

	// Classifier decides which failures count.
	// Default: DefaultClassifier
	Classifier Classifier

	// OnStateChange is called whenever the circuit changes state.
	OnStateChange func(name string, from, to gobreaker.State)

	// Logger receives state changes and distributed setup failures.
	Logger zerolog.Logger
}

// DefaultConfig returns a local circuit breaker configuration.
//
//   - Interval: 10s
//   - Timeout: 10s (fail fast, recover fast)
//   - FailureThreshold: 20 requests before the ratio applies
//   - FailureRatio: 0.5
//   - ConsecutiveFailures: 5
func DefaultConfig() Config {
	return Config{
		Name:                DefaultName,
		MaxRequests:         1,
		Interval:            10 * time.Second,
		Timeout:             10 * time.Second,
		FailureThreshold:    20,
		FailureRatio:        0.5,
		ConsecutiveFailures: 5,
		Classifier:          DefaultClassifier,
		Logger:              zerolog.Nop(),
	}
}

// DistributedConfig returns DefaultConfig sharing its state through store,
// so that every instance stops calling a service once one of them trips.
func DistributedConfig(store gobreaker.SharedDataStore) Config {
	cfg := DefaultConfig()
	cfg.Store = store
	return cfg
}

// DisabledConfig returns a configuration that never trips.
func DisabledConfig() Config {
	return Config{
		Name:             DefaultName,
		FailureThreshold: ^uint32(0),
		FailureRatio:     1.0,
		Classifier:       func(*fetch.Response, error) bool { return false },
		Logger:           zerolog.Nop(),
	}
}

// DefaultClassifier counts transport errors and 5xx responses. Caller
// cancellation and 4xx responses, including 429, do not count.
func DefaultClassifier(resp *fetch.Response, err error) bool {
	if err == nil {
		return false
	}
	if resp != nil {
		return resp.StatusCode >= 500
	}
	if se, ok := fetch.AsStatusError(err); ok {
		return se.StatusCode() >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// readyToTrip applies the threshold, consecutive and ratio rules.
func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if c.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}
	if c.FailureThreshold > 0 && counts.Requests < c.FailureThreshold {
		return false
	}
	if c.FailureRatio > 0 && counts.Requests > 0 {
		ratio := float64(counts.TotalFailures) / float64(counts.Requests)
		return ratio >= c.FailureRatio
	}
	return false
}

// New builds the circuit described by cfg.
//
// A distributed circuit whose store cannot be initialized falls back to a
// local one; the failure is logged.
func New(cfg Config) CircuitBreaker {
	name := cfg.Name
	if name == "" {
		name = DefaultName
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: cfg.readyToTrip,
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn().
				Str("breaker", name).
				Stringer("from", from).
				Stringer("to", to).
				Msg("circuit breaker state changed")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	}

	if cfg.Store == nil {
		return gobreaker.NewCircuitBreaker[*fetch.Response](settings)
	}

	dcb, err := gobreaker.NewDistributedCircuitBreaker[*fetch.Response](cfg.Store, settings)
	if err != nil {
		cfg.Logger.Error().Err(err).Str("breaker", name).
			Msg("distributed circuit breaker unavailable, using local state")
		return gobreaker.NewCircuitBreaker[*fetch.Response](settings)
	}
	return dcb
}

// Plugin protects every request of the client with one circuit built from
// cfg. Clients derived from the returned one share the circuit.
//
// Example:
//
//	client := fetch.Default().WithPlugin(breaker.Plugin(breaker.DefaultConfig()))
//
//	_, err := client.Get("/quotes").Run(ctx)
//	if errors.Is(err, gobreaker.ErrOpenState) {
//	    // serve from cache
//	}
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(Middleware(New(cfg), cfg.Classifier))
	})
}

// Middleware runs requests through cb. A nil classify means
// DefaultClassifier.
//
// Failures that do not count against the circuit are still returned to the
// caller unchanged.
func Middleware(cb CircuitBreaker, classify Classifier) fetch.Middleware {
	if classify == nil {
		classify = DefaultClassifier
	}
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			var ignored error
			resp, err := cb.Execute(func() (*fetch.Response, error) {
				resp, err := next(ctx, u, opts)
				if err != nil && !classify(failedResponse(err), err) {
					ignored = err
					return nil, nil
				}
				return resp, err
			})
			if ignored != nil {
				return nil, ignored
			}
			return resp, err
		}
	}
}

func failedResponse(err error) *fetch.Response {
	if se, ok := fetch.AsStatusError(err); ok {
		return se.Response()
	}
	return nil
}
