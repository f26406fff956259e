package fetch

import (
	"context"
	"net/url"
)

// FetchFunc performs one logical request. Middlewares and the terminal call
// share this signature.
type FetchFunc func(ctx context.Context, u *url.URL, opts *Options) (*Response, error)

// Middleware decorates the next FetchFunc.
//
// A middleware calls next at most once per attempt, returns next's error
// unless it deliberately recovers from it, and must not assume its position
// in the chain.
type Middleware func(next FetchFunc) FetchFunc

// Link composes middlewares around terminal. The first middleware is the
// outermost one: Link(t, a, b) behaves as a(b(t)).
func Link(terminal FetchFunc, middlewares ...Middleware) FetchFunc {
	linked := terminal
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] == nil {
			continue
		}
		linked = middlewares[i](linked)
	}
	return linked
}

// RequestInterceptor inspects or modifies the request before it is sent.
// Returning an error aborts the request.
type RequestInterceptor func(ctx context.Context, u *url.URL, opts *Options) error

// ResponseInterceptor inspects a successful response. Returning an error
// turns the response into a failure.
type ResponseInterceptor func(ctx context.Context, resp *Response) error

// InterceptRequest returns a middleware running interceptors in order
// before calling next.
//
// Example:
//
//	client = client.WithMiddleware(fetch.InterceptRequest(
//	    func(_ context.Context, _ *url.URL, opts *fetch.Options) error {
//	        opts.Header.Set("X-Tenant", tenant)
//	        return nil
//	    },
//	))
func InterceptRequest(interceptors ...RequestInterceptor) Middleware {
	return func(next FetchFunc) FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
			for _, intercept := range interceptors {
				if err := intercept(ctx, u, opts); err != nil {
					return nil, err
				}
			}
			return next(ctx, u, opts)
		}
	}
}

// InterceptResponse returns a middleware running interceptors in order on
// every successful response.
func InterceptResponse(interceptors ...ResponseInterceptor) Middleware {
	return func(next FetchFunc) FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
			resp, err := next(ctx, u, opts)
			if err != nil {
				return resp, err
			}
			for _, intercept := range interceptors {
				if err := intercept(ctx, resp); err != nil {
					return nil, err
				}
			}
			return resp, nil
		}
	}
}
