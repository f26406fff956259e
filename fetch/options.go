package fetch

import (
	"io"
	"maps"
	"net/http"
	"net/url"
	"strings"
)

// Options is the per-call request configuration threaded through the
// middleware chain.
//
// After Client.Fetch merges client defaults with call options, the same
// *Options value (together with the resolved *url.URL) is shared by every
// middleware and the terminal call of that request. Middlewares may mutate
// it in place, e.g. to set a header or replace the body.
type Options struct {
	// Method is the HTTP method. Empty means GET.
	Method string

	// Header is the concrete header set sent with the request.
	// Always non-nil on options produced by Client.Fetch.
	Header http.Header

	// Body is the request body. Bodies set through WithBody, WithJSON or
	// WithMultipart are replayable and are re-sent intact on every attempt.
	// Arbitrary readers can be made replayable with BufferBody.
	Body io.Reader

	// values holds plugin-contributed fields, keyed by *Key[T].
	values map[any]any
}

// RequestOption configures an Options value.
type RequestOption func(*Options)

// NewOptions builds an Options value from opts.
func NewOptions(opts ...RequestOption) *Options {
	o := &Options{Header: make(http.Header)}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Clone returns a shallow copy with independent header and extension maps.
// The body reader is shared.
func (o *Options) Clone() *Options {
	if o == nil {
		return NewOptions()
	}
	return &Options{
		Method: o.Method,
		Header: o.Header.Clone(),
		Body:   o.Body,
		values: maps.Clone(o.values),
	}
}

// mergeOptions overlays override onto base: override's method, body and
// extension fields win, headers are merged with MergeHeaders.
func mergeOptions(base, override *Options) *Options {
	merged := base.Clone()
	if merged.Header == nil {
		merged.Header = make(http.Header)
	}
	if override == nil {
		return merged
	}
	if override.Method != "" {
		merged.Method = override.Method
	}
	if override.Body != nil {
		merged.Body = override.Body
	}
	merged.Header = MergeHeaders(merged.Header, override.Header)
	if len(override.values) > 0 {
		if merged.values == nil {
			merged.values = make(map[any]any, len(override.values))
		}
		maps.Copy(merged.values, override.values)
	}
	return merged
}

// WithMethod sets the HTTP method.
func WithMethod(method string) RequestOption {
	return func(o *Options) {
		o.Method = method
	}
}

// WithHeader sets a single header, replacing previous values of key.
func WithHeader(key, value string) RequestOption {
	return func(o *Options) {
		if o.Header == nil {
			o.Header = make(http.Header)
		}
		o.Header.Set(key, value)
	}
}

// WithHeaders merges h into the request headers; keys in h win.
func WithHeaders(h http.Header) RequestOption {
	return func(o *Options) {
		o.Header = MergeHeaders(o.Header, h)
	}
}

// =============================================================================
// Typed extension fields
// =============================================================================

// Key identifies a plugin-contributed option field of type T.
//
// Keys are compared by identity, so two keys with the same name never
// collide. Plugins declare them once at package level:
//
//	var timeoutKey = fetch.NewKey[time.Duration]("timeout")
//
//	func After(d time.Duration) fetch.RequestOption { return timeoutKey.Option(d) }
type Key[T any] struct {
	name string
}

// NewKey returns a new, unique key.
func NewKey[T any](name string) *Key[T] {
	return &Key[T]{name: name}
}

// String returns the key's name.
func (k *Key[T]) String() string {
	return k.name
}

// Get returns the value stored under k, if any.
func (k *Key[T]) Get(o *Options) (T, bool) {
	var zero T
	if o == nil || o.values == nil {
		return zero, false
	}
	v, ok := o.values[k]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Set stores v under k.
func (k *Key[T]) Set(o *Options, v T) {
	if o.values == nil {
		o.values = make(map[any]any)
	}
	o.values[k] = v
}

// Delete removes the value stored under k.
func (k *Key[T]) Delete(o *Options) {
	delete(o.values, k)
}

// Option returns a RequestOption that stores v under k.
func (k *Key[T]) Option(v T) RequestOption {
	return func(o *Options) {
		k.Set(o, v)
	}
}

// =============================================================================
// Path parameters
// =============================================================================

var pathParamsKey = NewKey[map[string]string]("path-params")

// WithPathParam fills the {key} placeholder of a string resource with the
// path-escaped value.
//
// Example:
//
//	client.Get("/users/{id}/posts/{postId}",
//	    fetch.WithPathParam("id", userID),
//	    fetch.WithPathParam("postId", postID),
//	)
func WithPathParam(key, value string) RequestOption {
	return WithPathParams(map[string]string{key: value})
}

// WithPathParams fills several placeholders at once.
func WithPathParams(params map[string]string) RequestOption {
	return func(o *Options) {
		existing, _ := pathParamsKey.Get(o)
		merged := make(map[string]string, len(existing)+len(params))
		maps.Copy(merged, existing)
		maps.Copy(merged, params)
		pathParamsKey.Set(o, merged)
	}
}

// expandPath replaces {name} placeholders in resource with the path
// parameters stored on opts.
func expandPath(resource string, opts *Options) string {
	params, ok := pathParamsKey.Get(opts)
	if !ok {
		return resource
	}
	for k, v := range params {
		resource = strings.ReplaceAll(resource, "{"+k+"}", url.PathEscape(v))
	}
	return resource
}
