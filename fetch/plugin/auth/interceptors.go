package auth

import (
	"context"
	"net/url"

	"github.com/google/uuid"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// DefaultCorrelationHeader is the header set by CorrelationID.
const DefaultCorrelationHeader = "X-Correlation-ID"

// Bearer sets "Authorization: Bearer <token>" from source on every request.
// A source error aborts the request.
func Bearer(source TokenSource) fetch.Plugin {
	return interceptor(func(ctx context.Context, _ *url.URL, opts *fetch.Options) error {
		token, err := source(ctx)
		if err != nil {
			return err
		}
		opts.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
}

// APIKey sets header to key on every request.
func APIKey(header, key string) fetch.Plugin {
	return interceptor(func(_ context.Context, _ *url.URL, opts *fetch.Options) error {
		opts.Header.Set(header, key)
		return nil
	})
}

// UserAgent sets the User-Agent header on every request.
func UserAgent(userAgent string) fetch.Plugin {
	return interceptor(func(_ context.Context, _ *url.URL, opts *fetch.Options) error {
		opts.Header.Set("User-Agent", userAgent)
		return nil
	})
}

// CorrelationID sets header to a fresh ID unless the request already has
// one. An empty header means DefaultCorrelationHeader; a nil newID
// generates random UUIDs.
func CorrelationID(header string, newID func() string) fetch.Plugin {
	if header == "" {
		header = DefaultCorrelationHeader
	}
	if newID == nil {
		newID = uuid.NewString
	}
	return interceptor(func(_ context.Context, _ *url.URL, opts *fetch.Options) error {
		if opts.Header.Get(header) == "" {
			opts.Header.Set(header, newID())
		}
		return nil
	})
}

func interceptor(fn fetch.RequestInterceptor) fetch.Plugin {
	return func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(fetch.InterceptRequest(fn))
	}
}
