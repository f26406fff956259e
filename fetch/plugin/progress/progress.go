// Package progress reports how much of a response body has been read.
package progress

import (
	"context"
	"io"
	"net/url"
	"sync"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the progress plugin was applied to.
const Capability fetch.Capability = "progress"

// Progress is a snapshot of a body download.
type Progress struct {
	// Loaded is the number of bytes read so far.
	Loaded int64

	// Total is the Content-Length, or -1 when unknown.
	Total int64

	// Done is set on the final report, once the body reached EOF.
	Done bool
}

// Fraction returns Loaded/Total, or -1 when Total is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return -1
	}
	return float64(p.Loaded) / float64(p.Total)
}

// Track returns a lazy response whose body reports progress to fn while it
// is read. The first report, with nothing loaded, arrives before the body is
// read.
//
// Example:
//
//	blob, err := progress.Track(client.Get("/exports/q4.csv"), func(p progress.Progress) {
//	    bar.Set(p.Fraction())
//	}).Bytes(ctx)
func Track(lazy *fetch.LazyResponse, fn func(Progress)) *fetch.LazyResponse {
	return lazy.Then(func(resp *fetch.Response) (*fetch.Response, error) {
		wrap(resp, fn)
		return resp, nil
	}, nil)
}

// Plugin reports the download progress of every response body to fn,
// together with the request URL.
func Plugin(fn func(u *url.URL, p Progress)) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{
		Name:     Capability,
		Requires: []fetch.Capability{fetch.CapabilityBodyResolvers},
	}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(func(next fetch.FetchFunc) fetch.FetchFunc {
			return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
				resp, err := next(ctx, u, opts)
				if err != nil {
					return resp, err
				}
				wrap(resp, func(p Progress) { fn(u, p) })
				return resp, nil
			}
		})
	})
}

func wrap(resp *fetch.Response, fn func(Progress)) {
	if resp == nil || resp.Response == nil || resp.Response.Body == nil || fn == nil {
		return
	}
	total := resp.ContentLength
	if total < 0 {
		total = -1
	}
	resp.Response.Body = &countingBody{ReadCloser: resp.Response.Body, total: total, report: fn}
	fn(Progress{Total: total})
}

type countingBody struct {
	io.ReadCloser
	total  int64
	report func(Progress)

	mu     sync.Mutex
	loaded int64
	done   bool
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)

	b.mu.Lock()
	b.loaded += int64(n)
	snapshot := Progress{Loaded: b.loaded, Total: b.total}
	notify := n > 0
	if err == io.EOF && !b.done {
		b.done = true
		snapshot.Done = true
		notify = true
	}
	b.mu.Unlock()

	if notify {
		b.report(snapshot)
	}
	return n, err
}
