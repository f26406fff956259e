// Package hedge reduces tail latency by sending duplicate requests when
// the original has not completed within a delay.
//
// The first successful response wins and every other attempt is cancelled.
// This technique is based on Google's "The Tail at Scale" paper.
//
// Only idempotent methods (GET, HEAD, OPTIONS, PUT, DELETE) are hedged;
// other requests pass through untouched.
package hedge

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the hedge plugin was applied to.
const Capability fetch.Capability = "hedge"

const trackerProperty = "hedge.tracker"

var disabledKey = fetch.NewKey[bool]("hedge.disabled")

// Config configures hedged requests.
//
// Example:
//
//	client := fetch.Default().WithPlugin(hedge.Plugin(hedge.Config{
//	    Delay:     50 * time.Millisecond, // hedge after 50ms
//	    MaxHedges: 1,                     // at most one duplicate
//	}))
//
// Best practices:
//   - Set Delay to the P95 or P99 latency of your target service
//   - Use MaxHedges of 1-2 to limit overhead
type Config struct {
	// Delay is how long to wait before sending each hedge request.
	// Default: 0 (disabled)
	Delay time.Duration

	// MaxHedges is the maximum number of hedge requests. With MaxHedges=1,
	// at most 2 requests are in flight.
	// Default: 0 (disabled)
	MaxHedges int
}

// Enabled returns true if hedging is configured.
func (c Config) Enabled() bool {
	return c.Delay > 0 && c.MaxHedges > 0
}

// AdaptiveConfig configures hedging whose delay follows the observed
// latency of each endpoint.
//
// After MinSamples responses of an endpoint were recorded, the hedge delay
// is its TargetPercentile latency. Until then FallbackDelay is used.
type AdaptiveConfig struct {
	// TargetPercentile is the percentile used as hedge delay (0-1).
	// Default: 0.95
	TargetPercentile float64

	// WindowSize is the number of latency samples kept per endpoint.
	// Default: 100
	WindowSize int

	// MinSamples is the number of samples required before the
	// percentile is used.
	// Default: 10
	MinSamples int

	// FallbackDelay is used while samples are insufficient.
	// Default: 50ms
	FallbackDelay time.Duration

	// MaxHedges is the maximum number of hedge requests.
	// Default: 1
	MaxHedges int
}

// DefaultAdaptiveConfig returns reasonable defaults for adaptive hedging.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		TargetPercentile: 0.95,
		WindowSize:       100,
		MinSamples:       10,
		FallbackDelay:    50 * time.Millisecond,
		MaxHedges:        1,
	}
}

// Enabled returns true if the config is valid for adaptive hedging.
func (c AdaptiveConfig) Enabled() bool {
	return c.FallbackDelay > 0 && c.MaxHedges > 0
}

// Disable opts a single call out of hedging.
func Disable() fetch.RequestOption {
	return disabledKey.Option(true)
}

// Plugin hedges idempotent requests of the client with a fixed delay.
// A disabled config installs nothing but the capability.
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		if !cfg.Enabled() {
			return c
		}
		delay := func(string) time.Duration { return cfg.Delay }
		return c.WithMiddleware(Middleware(delay, cfg.MaxHedges, nil))
	})
}

// Adaptive hedges idempotent requests of the client, deriving the delay
// of each endpoint from its recorded latencies.
func Adaptive(cfg AdaptiveConfig) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		if !cfg.Enabled() {
			return c
		}
		tracker := NewLatencyTracker(cfg.WindowSize, cfg.MinSamples)
		delay := func(endpoint string) time.Duration {
			if d, ok := tracker.Percentile(endpoint, cfg.TargetPercentile); ok {
				return d
			}
			return cfg.FallbackDelay
		}
		return c.
			WithProperties(map[string]any{trackerProperty: tracker}).
			WithMiddleware(Middleware(delay, cfg.MaxHedges, tracker))
	})
}

// TrackerOf returns the latency tracker installed by Adaptive, or nil.
func TrackerOf(client *fetch.Client) *LatencyTracker {
	tracker, _ := fetch.PropertyOf[*LatencyTracker](client, trackerProperty)
	return tracker
}

// Endpoint returns the tracker key of a request: method, host and path.
func Endpoint(method string, u *url.URL) string {
	return method + " " + u.Host + u.Path
}

// Middleware hedges requests. delay returns the hedge delay of an
// endpoint; tracker, when non-nil, records the latency of every winning
// attempt.
func Middleware(delay func(endpoint string) time.Duration, maxHedges int, tracker *LatencyTracker) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			method := opts.Method
			if method == "" {
				method = http.MethodGet
			}
			if disabled, _ := disabledKey.Get(opts); disabled || !idempotent(method) {
				return next(ctx, u, opts)
			}
			if err := opts.BufferBody(); err != nil {
				return nil, err
			}

			endpoint := Endpoint(method, u)
			h := &hedged{
				next:      next,
				url:       u,
				opts:      opts,
				delay:     delay(endpoint),
				maxHedges: maxHedges,
				results:   make(chan result, maxHedges+1),
			}
			resp, latency, err := h.run(ctx)
			if err == nil && tracker != nil {
				tracker.Record(endpoint, latency)
			}
			return resp, err
		}
	}
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

// result holds the outcome of a single attempt.
type result struct {
	attempt int
	resp    *fetch.Response
	err     error
	latency time.Duration
}

type hedged struct {
	next      fetch.FetchFunc
	url       *url.URL
	opts      *fetch.Options
	delay     time.Duration
	maxHedges int

	results chan result
	cancels []context.CancelFunc
	pending int
}

// launch starts one attempt with its own URL, options and context.
func (h *hedged) launch(ctx context.Context) {
	attemptCtx, cancel := context.WithCancel(ctx)
	attempt := len(h.cancels)
	h.cancels = append(h.cancels, cancel)
	h.pending++

	u := *h.url
	opts := h.opts.Clone()
	go func() {
		start := time.Now()
		resp, err := h.next(attemptCtx, &u, opts)
		h.results <- result{attempt: attempt, resp: resp, err: err, latency: time.Since(start)}
	}()
}

func (h *hedged) canHedge() bool {
	return len(h.cancels) <= h.maxHedges
}

func (h *hedged) run(ctx context.Context) (*fetch.Response, time.Duration, error) {
	h.launch(ctx)

	timer := time.NewTimer(h.delay)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			if h.canHedge() {
				h.launch(ctx)
				timer.Reset(h.delay)
			}

		case r := <-h.results:
			h.pending--
			if r.err == nil || final(r.err) || (!h.canHedge() && h.pending == 0) {
				if r.err != nil {
					h.settle(-1)
					return nil, 0, r.err
				}
				h.settle(r.attempt)
				keepAlive(r.resp, h.cancels[r.attempt])
				return r.resp, r.latency, nil
			}

			// Retryable failure: hedge right away instead of waiting.
			h.cancels[r.attempt]()
			if h.canHedge() {
				h.launch(ctx)
				timer.Reset(h.delay)
			}

		case <-ctx.Done():
			h.settle(-1)
			return nil, 0, context.Cause(ctx)
		}
	}
}

// settle cancels every attempt but winner and closes the bodies of
// attempts still in flight once they return.
func (h *hedged) settle(winner int) {
	for i, cancel := range h.cancels {
		if i != winner {
			cancel()
		}
	}
	if h.pending == 0 {
		return
	}
	go func(results <-chan result, pending int) {
		for range pending {
			r := <-results
			if r.resp != nil && r.resp.Response != nil && r.resp.Response.Body != nil {
				_ = r.resp.Response.Body.Close()
			}
		}
	}(h.results, h.pending)
}

// final reports whether an error would repeat on every attempt: client
// errors are not hedged around.
func final(err error) bool {
	if se, ok := fetch.AsStatusError(err); ok {
		return se.StatusCode() < http.StatusInternalServerError
	}
	return false
}

// keepAlive cancels the winning attempt only once its body is closed.
func keepAlive(resp *fetch.Response, cancel context.CancelFunc) {
	if resp == nil || resp.Response == nil || resp.Response.Body == nil {
		cancel()
		return
	}
	resp.Response.Body = &cancelOnClose{ReadCloser: resp.Response.Body, cancel: cancel}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
