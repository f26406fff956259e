package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the retry plugin was applied to.
const Capability fetch.Capability = "retry"

const observersProperty = "retry.observers"

// maxRetryAfter caps server-provided Retry-After delays.
const maxRetryAfter = time.Hour

var (
	configKey   = fetch.NewKey[Config]("retry")
	observerKey = fetch.NewKey[func(Event)]("retry.observer")
)

// Event describes a failed attempt that is about to be retried.
type Event struct {
	// URL is the request URL.
	URL *url.URL

	// Options are the request options shared with the rest of the chain.
	Options *fetch.Options

	// Response is the failed response, nil for transport errors.
	Response *fetch.Response

	// Err is the error of the failed attempt.
	Err error

	// Attempt is the 1-indexed number of the retry about to happen.
	Attempt int

	// Delay is the wait before the retry.
	Delay time.Duration
}

// MaxRetryAttemptsError is returned when every allowed attempt failed
// retryably, or when the time budget ran out first.
type MaxRetryAttemptsError struct {
	// MaxRetries is the configured retry budget.
	MaxRetries uint

	// Attempts is the number of retries performed, not counting the
	// initial attempt.
	Attempts int

	// LastResponse is the response of the last attempt, nil when it
	// failed at the transport level.
	LastResponse *fetch.Response

	// Err is the error of the last attempt.
	Err error
}

func (e *MaxRetryAttemptsError) Error() string {
	return fmt.Sprintf("retry: max number of attempts exceeded after %d retries: %v", e.Attempts, e.Err)
}

func (e *MaxRetryAttemptsError) Unwrap() error {
	return e.Err
}

// retryableError marks an attempt the classifier decided to retry.
type retryableError struct {
	resp       *fetch.Response
	err        error
	retryAfter time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

// As lets backoff.Retry honor a Retry-After header as the next delay.
func (e *retryableError) As(target any) bool {
	if e.retryAfter <= 0 {
		return false
	}
	ra, ok := target.(**backoff.RetryAfterError)
	if !ok {
		return false
	}
	*ra = &backoff.RetryAfterError{Duration: e.retryAfter}
	return true
}

// Plugin retries failed requests according to cfg.
//
// MaxRetries counts retries only: MaxRetries = 3 sends a request at most
// four times before failing with *MaxRetryAttemptsError. Request bodies are
// buffered once and re-sent intact on every attempt.
//
// Example:
//
//	client := fetch.Default().WithPlugin(retry.Plugin(retry.DefaultConfig()))
//
//	retry.OnRetry(client, func(e retry.Event) {
//	    log.Warn().Int("attempt", e.Attempt).Dur("delay", e.Delay).Err(e.Err).Msg("retrying")
//	})
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		observers := &fetch.Observers[Event]{}
		return c.
			WithProperties(map[string]any{observersProperty: observers}).
			WithMiddleware(Middleware(cfg, observers))
	})
}

// OnRetry registers fn to be called before every retry of requests sent
// through client. It returns client for chaining and panics with a
// *fetch.MissingCapabilityError when the retry plugin is not applied.
//
// Observers are shared by every client derived from the one Plugin was
// applied to: registering on a derived client also notifies its parent and
// siblings.
func OnRetry(client *fetch.Client, fn func(Event)) *fetch.Client {
	fetch.ObserversOf[Event](client, observersProperty, Capability).Add(fn)
	return client
}

// With overrides the plugin configuration for a single call.
//
// Example:
//
//	client.Post("/payments", fetch.WithJSON(p), retry.With(retry.NoRetryConfig()))
func With(cfg Config) fetch.RequestOption {
	return configKey.Option(cfg)
}

// Observe registers fn for the retries of a single call.
func Observe(fn func(Event)) fetch.RequestOption {
	return observerKey.Option(fn)
}

// Middleware returns the retry loop. Most callers want Plugin; observers
// may be nil.
func Middleware(cfg Config, observers *fetch.Observers[Event]) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			effective := cfg
			if override, ok := configKey.Get(opts); ok {
				effective = override
			}
			if !effective.Enabled() || (effective.Skip != nil && effective.Skip(u, opts)) {
				return next(ctx, u, opts)
			}

			if err := opts.BufferBody(); err != nil {
				return nil, err
			}

			l := &loop{
				cfg:       effective,
				next:      next,
				url:       u,
				opts:      opts,
				observers: observers,
			}
			l.observer, _ = observerKey.Get(opts)
			return l.run(ctx)
		}
	}
}

type loop struct {
	cfg       Config
	next      fetch.FetchFunc
	url       *url.URL
	opts      *fetch.Options
	observers *fetch.Observers[Event]
	observer  func(Event)
	attempts  int
}

func (l *loop) run(ctx context.Context) (*fetch.Response, error) {
	span := trace.SpanFromContext(ctx)
	classify := l.cfg.classifier()

	retryOpts := []backoff.RetryOption{
		backoff.WithBackOff(l.cfg.newBackOff()),
		backoff.WithMaxTries(l.cfg.MaxRetries + 1),
		// Zero disables the library's 15 minute default.
		backoff.WithMaxElapsedTime(l.cfg.MaxElapsedTime),
		backoff.WithNotify(func(err error, delay time.Duration) {
			l.attempts++
			l.notify(span, err, delay)
		}),
	}

	resp, err := backoff.Retry(ctx, func() (*fetch.Response, error) {
		resp, err := l.next(ctx, l.url, l.opts)
		if err == nil {
			return resp, nil
		}

		failed := failedResponse(err)
		if !classify(failed, err) {
			return nil, backoff.Permanent(err)
		}
		if failed != nil {
			// Drain and close before the next attempt.
			_, _ = failed.Body()
		}
		return nil, &retryableError{resp: failed, err: err, retryAfter: retryAfter(failed)}
	}, retryOpts...)

	if l.attempts > 0 && span.IsRecording() {
		span.SetAttributes(
			attribute.Int("http.retry_count", l.attempts),
			attribute.Bool("http.retry_success", err == nil),
		)
	}

	var exhausted *retryableError
	if errors.As(err, &exhausted) {
		return nil, &MaxRetryAttemptsError{
			MaxRetries:   l.cfg.MaxRetries,
			Attempts:     l.attempts,
			LastResponse: exhausted.resp,
			Err:          exhausted.err,
		}
	}
	return resp, err
}

func (l *loop) notify(span trace.Span, err error, delay time.Duration) {
	e := Event{
		URL:     l.url,
		Options: l.opts,
		Err:     err,
		Attempt: l.attempts,
		Delay:   delay,
	}
	var re *retryableError
	if errors.As(err, &re) {
		e.Response = re.resp
		e.Err = re.err
	}

	recordRetryEvent(span, e)
	if l.observers != nil {
		l.observers.Notify(e)
	}
	if l.observer != nil {
		l.observer(e)
	}
}

// recordRetryEvent adds a span event for the retry attempt.
func recordRetryEvent(span trace.Span, e Event) {
	if !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.Int("retry.attempt", e.Attempt),
		attribute.Int64("retry.delay_ms", e.Delay.Milliseconds()),
	}
	if e.Response != nil {
		attrs = append(attrs, attribute.Int("http.response.status_code", e.Response.StatusCode))
	}

	if e.Err != nil {
		reason := e.Err.Error()
		if isRetryableNetworkError(e.Err) {
			reason = "network_error"
		} else if len(reason) > 50 {
			reason = reason[:50] + "..."
		}
		attrs = append(attrs, attribute.String("retry.reason", reason))

		span.RecordError(e.Err)
		span.SetStatus(codes.Error, e.Err.Error())
	}

	span.AddEvent("http.retry", trace.WithAttributes(attrs...))
}

// failedResponse returns the response carried by a status error.
func failedResponse(err error) *fetch.Response {
	if se, ok := fetch.AsStatusError(err); ok {
		return se.Response()
	}
	return nil
}

// retryAfter parses the Retry-After header of 429 and 503 responses,
// either as delay seconds or as an HTTP date.
func retryAfter(resp *fetch.Response) time.Duration {
	if resp == nil || resp.Response == nil {
		return 0
	}
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	return parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}

	var d time.Duration
	if seconds, err := strconv.Atoi(value); err == nil {
		d = time.Duration(seconds) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}

	if d <= 0 {
		return 0
	}
	return min(d, maxRetryAfter)
}
