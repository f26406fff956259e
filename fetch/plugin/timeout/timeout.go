// Package timeout bounds how long a request may wait for its response.
//
// The deadline covers the rest of the middleware chain up to the response
// headers. Reading the body is not bounded; the request context stays
// alive until the body is closed.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the timeout plugin was applied to.
const Capability fetch.Capability = "timeout"

const (
	observersProperty      = "timeout.observers"
	abortObserversProperty = "timeout.abort_observers"
)

var durationKey = fetch.NewKey[time.Duration]("timeout")

// Error is returned when the deadline elapses before the response
// arrives. It matches context.DeadlineExceeded with errors.Is.
type Error struct {
	// Timeout is the deadline that elapsed.
	Timeout time.Duration

	// URL is the request URL.
	URL *url.URL

	// Method is the request method.
	Method string
}

func (e *Error) Error() string {
	target := "request"
	if e.URL != nil {
		target = e.URL.Redacted()
	}
	return fmt.Sprintf("timeout: %s %s did not complete within %s", e.Method, target, e.Timeout)
}

func (e *Error) Unwrap() error {
	return context.DeadlineExceeded
}

// Abort describes a request given up because the caller's context was done
// before the response arrived, for a reason other than this plugin's
// deadline.
type Abort struct {
	// URL is the request URL.
	URL *url.URL

	// Method is the request method.
	Method string

	// Err is the cause of the context, usually context.Canceled.
	Err error
}

// IsTimeout reports whether err was produced by this plugin.
func IsTimeout(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// Plugin aborts requests that take longer than d. A non-positive d only
// installs the capability, so that per-call After values take effect.
//
// Example:
//
//	client := fetch.Default().WithPlugin(timeout.Plugin(5 * time.Second))
//
//	report, err := fetch.JSON[Report](ctx, client.Get("/reports/q4", timeout.After(time.Minute)))
//	if timeout.IsTimeout(err) {
//	    // ...
//	}
func Plugin(d time.Duration) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		timeouts := &fetch.Observers[*Error]{}
		aborts := &fetch.Observers[Abort]{}
		return c.
			WithProperties(map[string]any{
				observersProperty:      timeouts,
				abortObserversProperty: aborts,
			}).
			WithMiddleware(Middleware(d, timeouts, aborts))
	})
}

// After overrides the plugin timeout for a single call. Zero disables it.
func After(d time.Duration) fetch.RequestOption {
	return durationKey.Option(d)
}

// OnTimeout registers fn to be called whenever a request sent through
// client times out. It panics with a *fetch.MissingCapabilityError when
// the timeout plugin is not applied.
//
// Observers are shared by every client derived from the one Plugin was
// applied to: registering on a derived client also notifies its parent and
// siblings.
func OnTimeout(client *fetch.Client, fn func(*Error)) *fetch.Client {
	fetch.ObserversOf[*Error](client, observersProperty, Capability).Add(fn)
	return client
}

// OnAbort registers fn to be called whenever a request sent through client
// is abandoned because the caller's context was cancelled or reached its
// own deadline. Plugin timeouts are reported to OnTimeout only. It panics
// with a *fetch.MissingCapabilityError when the timeout plugin is not
// applied.
//
// Observers are shared by every client derived from the one Plugin was
// applied to: registering on a derived client also notifies its parent and
// siblings.
func OnAbort(client *fetch.Client, fn func(Abort)) *fetch.Client {
	fetch.ObserversOf[Abort](client, abortObserversProperty, Capability).Add(fn)
	return client
}

// Recover returns a lazy response that hands timeouts to fn. Other
// failures pass through.
//
// Example - serve a cached copy when the origin is slow:
//
//	lazy := timeout.Recover(client.Get("/prices"), func(*timeout.Error) (*fetch.Response, error) {
//	    return cache.Prices()
//	})
func Recover(lazy *fetch.LazyResponse, fn func(*Error) (*fetch.Response, error)) *fetch.LazyResponse {
	return lazy.Catch(func(err error) (*fetch.Response, error) {
		var te *Error
		if !errors.As(err, &te) {
			return nil, err
		}
		return fn(te)
	})
}

type result struct {
	resp *fetch.Response
	err  error
}

// Middleware returns the deadline middleware. Either observer registry may
// be nil.
func Middleware(d time.Duration, timeouts *fetch.Observers[*Error], aborts *fetch.Observers[Abort]) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			limit := d
			if override, ok := durationKey.Get(opts); ok {
				limit = override
			}
			if limit <= 0 {
				resp, err := next(ctx, u, opts)
				if err != nil && ctx.Err() != nil {
					notifyAbort(ctx, aborts, u, opts)
				}
				return resp, err
			}

			timeoutErr := &Error{Timeout: limit, URL: u, Method: opts.Method}
			attemptCtx, cancel := context.WithCancelCause(ctx)

			done := make(chan result, 1)
			go func() {
				resp, err := next(attemptCtx, u, opts)
				done <- result{resp: resp, err: err}
			}()

			timer := time.NewTimer(limit)
			defer timer.Stop()

			select {
			case r := <-done:
				if r.err != nil {
					cancel(nil)
					if ctx.Err() != nil {
						notifyAbort(ctx, aborts, u, opts)
					}
					return nil, r.err
				}
				releaseOnClose(r.resp, cancel)
				return r.resp, nil

			case <-timer.C:
				cancel(timeoutErr)
				go discard(done)
				if timeouts != nil {
					timeouts.Notify(timeoutErr)
				}
				return nil, timeoutErr

			case <-ctx.Done():
				cancel(context.Cause(ctx))
				go discard(done)
				notifyAbort(ctx, aborts, u, opts)
				return nil, context.Cause(ctx)
			}
		}
	}
}

func notifyAbort(ctx context.Context, aborts *fetch.Observers[Abort], u *url.URL, opts *fetch.Options) {
	if aborts == nil {
		return
	}
	aborts.Notify(Abort{URL: u, Method: opts.Method, Err: context.Cause(ctx)})
}

// discard waits for an abandoned call and closes its response body.
func discard(done <-chan result) {
	r := <-done
	if r.resp != nil && r.resp.Response != nil && r.resp.Response.Body != nil {
		_ = r.resp.Response.Body.Close()
	}
}

// releaseOnClose keeps the request context alive until the body is closed.
func releaseOnClose(resp *fetch.Response, cancel context.CancelCauseFunc) {
	if resp == nil || resp.Response == nil || resp.Response.Body == nil {
		cancel(nil)
		return
	}
	resp.Response.Body = &cancelOnClose{ReadCloser: resp.Response.Body, cancel: cancel}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
