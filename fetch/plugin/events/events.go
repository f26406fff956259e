// Package events notifies observers about the outcome of every request.
package events

import (
	"context"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the events plugin was applied to.
const Capability fetch.Capability = "events"

const (
	successProperty = "events.success"
	errorProperty   = "events.error"
)

// Outcome describes a settled request.
type Outcome struct {
	URL      *url.URL
	Method   string
	Response *fetch.Response
	Err      error
	Duration time.Duration
}

// Plugin records the outcome of every request for OnSuccess and OnError
// observers. Place it first so that the outcome reflects retries and
// other recoveries.
func Plugin() fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		success := &fetch.Observers[Outcome]{}
		failure := &fetch.Observers[Outcome]{}
		return c.
			WithProperties(map[string]any{
				successProperty: success,
				errorProperty:   failure,
			}).
			WithMiddleware(middleware(func(o Outcome) {
				if o.Err != nil {
					failure.Notify(o)
					return
				}
				success.Notify(o)
			}))
	})
}

// OnSuccess registers fn for every successful request.
//
// Observers are shared by every client derived from the one Plugin was
// applied to: registering on a derived client also notifies its parent and
// siblings.
func OnSuccess(client *fetch.Client, fn func(Outcome)) *fetch.Client {
	fetch.ObserversOf[Outcome](client, successProperty, Capability).Add(fn)
	return client
}

// OnError registers fn for every failed request.
//
// Observers are shared by every client derived from the one Plugin was
// applied to: registering on a derived client also notifies its parent and
// siblings.
func OnError(client *fetch.Client, fn func(Outcome)) *fetch.Client {
	fetch.ObserversOf[Outcome](client, errorProperty, Capability).Add(fn)
	return client
}

// Logger logs every outcome: successes at debug level, failures at warn.
//
// Example:
//
//	client := fetch.Default().WithPlugin(events.Logger(log.Logger))
func Logger(logger zerolog.Logger) fetch.Plugin {
	return func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(middleware(func(o Outcome) {
			logOutcome(logger, o)
		}))
	}
}

func logOutcome(logger zerolog.Logger, o Outcome) {
	event := logger.Debug()
	if o.Err != nil {
		event = logger.Warn().Err(o.Err)
	}
	if o.URL != nil {
		event = event.Str("url", o.URL.Redacted())
	}
	if o.Response != nil {
		event = event.Int("status", o.Response.StatusCode)
	} else if se, ok := fetch.AsStatusError(o.Err); ok {
		event = event.Int("status", se.StatusCode())
	}
	event.
		Str("method", o.Method).
		Dur("duration", o.Duration).
		Msg("http request completed")
}

func middleware(report func(Outcome)) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			start := time.Now()
			resp, err := next(ctx, u, opts)

			report(Outcome{
				URL:      u,
				Method:   opts.Method,
				Response: resp,
				Err:      err,
				Duration: time.Since(start),
			})
			return resp, err
		}
	}
}
