package fetch

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strings"
)

// Query holds query string parameters. Values may be strings, numbers,
// booleans, fmt.Stringers or slices of those. Falsy values are skipped:
// nil, "", false, numeric zero and empty slices. A slice is sent as one
// comma-joined value; wrap it in Repeated to send the key once per element.
//
// Example:
//
//	fetch.WithQuery(fetch.Query{
//	    "limit": 20,                           // limit=20
//	    "ids":   []int{1, 2},                  // ids=1,2
//	    "tag":   fetch.Repeated{"go", "http"}, // tag=go&tag=http
//	    "skip":  0,                            // omitted
//	})
type Query map[string]any

// Repeated is a Query value sent as one parameter per non-falsy element.
type Repeated []any

var queryKey = NewKey[Query]("query")

// WithQuery sets the query parameters serialized by QuerySerializer.
// Repeated calls merge, later keys winning.
func WithQuery(q Query) RequestOption {
	return func(o *Options) {
		existing, _ := queryKey.Get(o)
		merged := make(Query, len(existing)+len(q))
		for k, v := range existing {
			merged[k] = v
		}
		for k, v := range q {
			merged[k] = v
		}
		queryKey.Set(o, merged)
	}
}

// QuerySerializer installs a middleware writing the WithQuery parameters
// into the request URL. Each parameter replaces any value already present
// in the URL under the same name.
func QuerySerializer() Plugin {
	return Define(PluginInfo{Name: CapabilityQuery}, func(c *Client) *Client {
		return c.WithMiddleware(queryMiddleware)
	})
}

func queryMiddleware(next FetchFunc) FetchFunc {
	return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
		q, ok := queryKey.Get(opts)
		if !ok || len(q) == 0 || u == nil {
			return next(ctx, u, opts)
		}

		values := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			params := queryValues(q[k])
			if len(params) == 0 {
				continue
			}
			values[k] = params
		}
		u.RawQuery = values.Encode()
		return next(ctx, u, opts)
	}
}

// queryValues renders v as zero or more query parameter values.
func queryValues(v any) []string {
	if r, ok := v.(Repeated); ok {
		out := make([]string, 0, len(r))
		for _, e := range r {
			if s, ok := queryValue(e); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := queryValue(v); ok {
		return []string{s}
	}
	return nil
}

// queryValue renders v as a single parameter value. It reports false for
// nil, empty, false and zero values.
func queryValue(v any) (string, bool) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return "", false
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return "", false
		}
		if _, ok := v.(fmt.Stringer); !ok {
			return queryValue(rv.Elem().Interface())
		}
	}

	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		if rv.Len() == 0 {
			return "", false
		}
	case reflect.Bool:
		if !rv.Bool() {
			return "", false
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		if rv.IsZero() {
			return "", false
		}
	case reflect.Float32, reflect.Float64:
		if f := rv.Float(); f == 0 || math.IsNaN(f) {
			return "", false
		}
	}

	if s, ok := v.(fmt.Stringer); ok {
		return s.String(), true
	}
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = queryElement(rv.Index(i).Interface())
		}
		return strings.Join(parts, ","), true
	}
	return fmt.Sprint(v), true
}

// queryElement renders one slice element. Unlike top-level values, zero
// elements are kept so positions are preserved; nil renders empty.
func queryElement(v any) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() == reflect.Pointer && rv.IsNil()) {
		return ""
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	if rv.Kind() == reflect.Pointer {
		return queryElement(rv.Elem().Interface())
	}
	return fmt.Sprint(v)
}
