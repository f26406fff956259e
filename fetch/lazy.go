package fetch

import (
	"context"
	"errors"
	"net/url"
)

var errNoFetchFunc = errors.New("fetch: lazy response has no fetch function")

// LazyResponse is a prepared request that has not been sent yet.
//
// Then, Catch and Finally chain post-processing without sending anything;
// each returns a new LazyResponse wrapping the previous one. Run (or any
// of the Run*/resolver methods) sends the request.
//
// The URL and *Options held by a LazyResponse are shared with the
// middlewares and with every value chained from it. Resolvers set the
// Accept header on those options before running, and they do not memoize:
// each resolver call sends the request again. Resolve a LazyResponse once.
//
// Example:
//
//	lazy := client.Get("/users/42").
//	    Catch(func(err error) (*fetch.Response, error) {
//	        if se, ok := fetch.AsStatusError(err); ok && se.StatusCode() == http.StatusNotFound {
//	            return nil, ErrUserNotFound
//	        }
//	        return nil, err
//	    })
//
//	var user User
//	if err := lazy.DecodeJSON(ctx, &user); err != nil {
//	    return err
//	}
type LazyResponse struct {
	url       *url.URL
	options   *Options
	fetch     FetchFunc
	resolvers Resolvers
}

func newLazyResponse(u *url.URL, opts *Options, fn FetchFunc, resolvers Resolvers) *LazyResponse {
	return &LazyResponse{url: u, options: opts, fetch: fn, resolvers: resolvers}
}

// NewLazyResponse builds a lazy response around fn. Clients build these
// through Fetch; it is exported for middleware and resolver tests.
func NewLazyResponse(u *url.URL, opts *Options, fn FetchFunc, resolvers Resolvers) *LazyResponse {
	if opts == nil {
		opts = NewOptions()
	}
	return newLazyResponse(u, opts, fn, resolvers)
}

// URL returns the resolved request URL. It is nil when resolution failed.
func (r *LazyResponse) URL() *url.URL {
	return r.url
}

// Options returns the merged request options shared with the middleware
// chain.
func (r *LazyResponse) Options() *Options {
	return r.options
}

// Then returns a new lazy response that applies onFulfilled to a
// successful result and onRejected to a failure. A nil continuation passes
// the outcome through unchanged.
func (r *LazyResponse) Then(
	onFulfilled func(*Response) (*Response, error),
	onRejected func(error) (*Response, error),
) *LazyResponse {
	prev := r.fetch
	return r.derive(func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
		return settle(prev(ctx, u, opts))(onFulfilled, onRejected)
	})
}

// Catch returns a new lazy response that recovers failures with onRejected.
func (r *LazyResponse) Catch(onRejected func(error) (*Response, error)) *LazyResponse {
	return r.Then(nil, onRejected)
}

// Finally returns a new lazy response that calls fn after the request
// settles, whatever the outcome.
func (r *LazyResponse) Finally(fn func()) *LazyResponse {
	prev := r.fetch
	return r.derive(func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
		if fn != nil {
			defer fn()
		}
		return prev(ctx, u, opts)
	})
}

// Run sends the request through the middleware chain.
func (r *LazyResponse) Run(ctx context.Context) (*Response, error) {
	if r.fetch == nil {
		return nil, errNoFetchFunc
	}
	return r.fetch(ctx, r.url, r.options)
}

// Execute is an alias of Run.
func (r *LazyResponse) Execute(ctx context.Context) (*Response, error) {
	return r.Run(ctx)
}

// RunThen sends the request and applies the continuations to the result.
func (r *LazyResponse) RunThen(
	ctx context.Context,
	onFulfilled func(*Response) (*Response, error),
	onRejected func(error) (*Response, error),
) (*Response, error) {
	return settle(r.Run(ctx))(onFulfilled, onRejected)
}

// RunCatch sends the request and recovers failures with onRejected.
func (r *LazyResponse) RunCatch(
	ctx context.Context,
	onRejected func(error) (*Response, error),
) (*Response, error) {
	return r.RunThen(ctx, nil, onRejected)
}

// RunFinally sends the request and calls fn once it settles.
func (r *LazyResponse) RunFinally(ctx context.Context, fn func()) (*Response, error) {
	if fn != nil {
		defer fn()
	}
	return r.Run(ctx)
}

func (r *LazyResponse) derive(fn FetchFunc) *LazyResponse {
	return &LazyResponse{url: r.url, options: r.options, fetch: fn, resolvers: r.resolvers}
}

// settle captures an outcome so continuations can be applied to it.
func settle(resp *Response, err error) func(
	onFulfilled func(*Response) (*Response, error),
	onRejected func(error) (*Response, error),
) (*Response, error) {
	return func(
		onFulfilled func(*Response) (*Response, error),
		onRejected func(error) (*Response, error),
	) (*Response, error) {
		if err != nil {
			if onRejected == nil {
				return nil, err
			}
			return onRejected(err)
		}
		if onFulfilled == nil {
			return resp, nil
		}
		return onFulfilled(resp)
	}
}
