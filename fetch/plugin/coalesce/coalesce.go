// Package coalesce deduplicates identical in-flight requests with
// golang.org/x/sync/singleflight.
//
// While a request is in flight, identical requests wait for it instead of
// reaching the server. Every caller receives its own copy of the response
// with an independently readable body. Nothing is cached: a request that
// starts after the shared one completed is sent again.
package coalesce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"slices"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the coalesce plugin was applied to.
const Capability fetch.Capability = "coalesce"

var modeKey = fetch.NewKey[bool]("coalesce")

// Enable coalesces a single call regardless of its method. The request
// body, when held in memory, is part of the deduplication key.
func Enable() fetch.RequestOption {
	return modeKey.Option(true)
}

// Disable opts a single call out of coalescing.
func Disable() fetch.RequestOption {
	return modeKey.Option(false)
}

// GenerateKey creates a key for request deduplication:
// SHA256(method | URL without query | sorted query | Accept | body hash).
func GenerateKey(method string, u *url.URL, accept string, body []byte) string {
	query := u.Query()
	var sortedParams []string
	for key, values := range query {
		values = slices.Clone(values)
		sort.Strings(values)
		for _, v := range values {
			sortedParams = append(sortedParams, key+"="+v)
		}
	}
	sort.Strings(sortedParams)

	keyParts := []string{
		method,
		u.Scheme + "://" + u.Host + u.EscapedPath(),
		strings.Join(sortedParams, "&"),
		accept,
	}
	if len(body) > 0 {
		bodyHash := sha256.Sum256(body)
		keyParts = append(keyParts, hex.EncodeToString(bodyHash[:]))
	}

	hash := sha256.Sum256([]byte(strings.Join(keyParts, "|")))
	return hex.EncodeToString(hash[:])
}

// Plugin coalesces concurrent GET and HEAD requests of the client.
// Other methods are coalesced only when the call opts in with Enable.
//
// Each plugin application owns its own singleflight group, so coalescing
// never crosses clients built from different Plugin calls.
//
// Example:
//
//	client := fetch.Default().WithPlugin(coalesce.Plugin())
func Plugin() fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(Middleware(&singleflight.Group{}))
	})
}

// Middleware coalesces requests through group.
//
// The shared request runs detached from the cancellation of whichever
// caller started it; each caller still stops waiting when its own context
// is done.
func Middleware(group *singleflight.Group) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			method := opts.Method
			if method == "" {
				method = http.MethodGet
			}

			enabled := method == http.MethodGet || method == http.MethodHead
			if mode, ok := modeKey.Get(opts); ok {
				enabled = mode
			}
			if !enabled {
				return next(ctx, u, opts)
			}

			var body []byte
			if opts.Body != nil {
				if err := opts.BufferBody(); err != nil {
					return nil, err
				}
				body, _ = opts.BodyBytes()
			}
			key := GenerateKey(method, u, opts.Header.Get("Accept"), body)

			shared := context.WithoutCancel(ctx)
			ch := group.DoChan(key, func() (any, error) {
				resp, err := next(shared, u, opts)
				if err != nil {
					return nil, err
				}
				// Buffer once so every waiter can clone.
				if _, err := resp.Body(); err != nil {
					return nil, err
				}
				return resp, nil
			})

			select {
			case res := <-ch:
				if res.Err != nil {
					return nil, res.Err
				}
				return res.Val.(*fetch.Response).Clone()
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			}
		}
	}
}
