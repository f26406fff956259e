// Package chaos injects latency and failures into requests to exercise
// retries, circuit breakers and fallbacks in development and testing.
//
// Never apply this plugin to production clients.
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the chaos plugin was applied to.
const Capability fetch.Capability = "chaos"

// ErrChaosInjected is returned when chaos injection simulates a network error.
var ErrChaosInjected = errors.New("chaos: simulated network error")

// Config configures chaos injection.
//
// Example:
//
//	client := fetch.Default().WithPlugin(chaos.Plugin(chaos.Config{
//	    LatencyMs: 200, // add 200ms delay
//	    ErrorRate: 0.1, // 10% of requests fail
//	}))
type Config struct {
	// LatencyMs adds a fixed delay (in milliseconds) to all requests.
	// Default: 0 (no added latency)
	LatencyMs int

	// LatencyJitterMs adds random jitter (0 to LatencyJitterMs) on top
	// of LatencyMs.
	// Default: 0 (no jitter)
	LatencyJitterMs int

	// ErrorRate is the probability (0.0-1.0) of failing a request.
	// Default: 0.0 (no errors injected)
	ErrorRate float64

	// ErrorStatus, when set, turns injected errors into responses with
	// this status code, rejected as a fetch.StatusError. When zero,
	// injected errors are simulated network errors wrapping
	// ErrChaosInjected.
	ErrorStatus int

	// TimeoutRate is the probability (0.0-1.0) of simulating a hang: the
	// request blocks until its context is done.
	// Default: 0.0 (no timeouts simulated)
	TimeoutRate float64
}

// Delay returns the delay to apply, including jitter.
func (c Config) Delay() time.Duration {
	delay := time.Duration(c.LatencyMs) * time.Millisecond
	if c.LatencyJitterMs > 0 {
		delay += time.Duration(rand.IntN(c.LatencyJitterMs)) * time.Millisecond //nolint:gosec
	}
	return delay
}

// ShouldInjectError draws against ErrorRate.
func (c Config) ShouldInjectError() bool {
	return c.ErrorRate > 0 && rand.Float64() < c.ErrorRate //nolint:gosec
}

// ShouldInjectTimeout draws against TimeoutRate.
func (c Config) ShouldInjectTimeout() bool {
	return c.TimeoutRate > 0 && rand.Float64() < c.TimeoutRate //nolint:gosec
}

// Plugin injects chaos into every request of the client.
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(Middleware(cfg))
	})
}

// Middleware injects chaos before calling next. Hangs are checked first,
// then errors, then latency.
func Middleware(cfg Config) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			if cfg.ShouldInjectTimeout() {
				<-ctx.Done()
				return nil, context.Cause(ctx)
			}

			if cfg.ShouldInjectError() {
				return nil, injectedError(cfg, u, opts)
			}

			if delay := cfg.Delay(); delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-ctx.Done():
					return nil, context.Cause(ctx)
				}
			}

			return next(ctx, u, opts)
		}
	}
}

func injectedError(cfg Config, u *url.URL, opts *fetch.Options) error {
	if cfg.ErrorStatus == 0 {
		return &net.OpError{Op: "dial", Net: "tcp", Err: ErrChaosInjected}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req := &http.Request{Method: method, URL: u, Header: opts.Header}
	body := fmt.Sprintf(`{"error":%q}`, ErrChaosInjected.Error())
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", cfg.ErrorStatus, http.StatusText(cfg.ErrorStatus)),
		StatusCode:    cfg.ErrorStatus,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	return fetch.NewHTTPError(fetch.NewResponse(resp, req))
}
