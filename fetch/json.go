package fetch

import (
	"context"
	"fmt"
	"net/url"

	json "github.com/goccy/go-json"
)

var jsonKey = NewKey[any]("json")

// WithJSON sets a value that JSONSerializer encodes as the request body.
func WithJSON(v any) RequestOption {
	return jsonKey.Option(v)
}

// JSONSerializer installs a middleware that encodes the WithJSON value as
// the request body and sets Content-Type: application/json. An explicit body
// takes precedence and leaves the request untouched.
//
// An unencodable value fails the request before anything is sent.
func JSONSerializer() Plugin {
	return Define(PluginInfo{Name: CapabilityJSON}, func(c *Client) *Client {
		return c.WithMiddleware(jsonMiddleware)
	})
}

func jsonMiddleware(next FetchFunc) FetchFunc {
	return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
		v, ok := jsonKey.Get(opts)
		if !ok || opts.Body != nil {
			return next(ctx, u, opts)
		}

		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("fetch: encode json body: %w", err)
		}
		opts.Body = newBufferedBody(data)
		opts.Header.Set("Content-Type", "application/json")
		return next(ctx, u, opts)
	}
}
