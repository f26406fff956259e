package fetch

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// MergeHeaders returns a new header set holding every entry of base, with
// each key present in override replacing all values of that key.
//
// Neither input is modified. Keys are canonicalized, so "x-app" in override
// replaces "X-App" in base.
//
// Example:
//
//	h := fetch.MergeHeaders(
//	    http.Header{"Accept": {"text/plain"}, "X-App": {"1"}},
//	    http.Header{"Accept": {"application/json"}},
//	)
//	// h: Accept: application/json, X-App: 1
func MergeHeaders(base, override http.Header) http.Header {
	merged := make(http.Header, len(base)+len(override))
	for k, vs := range base {
		key := http.CanonicalHeaderKey(k)
		merged[key] = append(merged[key], vs...)
	}
	for k, vs := range override {
		key := http.CanonicalHeaderKey(k)
		merged[key] = append([]string(nil), vs...)
	}
	return merged
}

// MergeURL resolves resource against base.
//
// A *url.URL (or url.URL) resource is copied and base is ignored. A string
// resource is joined onto base's path: a single leading slash is stripped and
// exactly one separating slash is kept, so "/user", "user" against
// "http://x/api" and "http://x/api/" all resolve to "http://x/api/user".
// base's query and fragment survive unless the resource carries its own.
//
// Without a base, a string resource must be an absolute URL, otherwise
// ErrInvalidURL is returned.
func MergeURL(resource any, base *url.URL) (*url.URL, error) {
	switch r := resource.(type) {
	case *url.URL:
		if r == nil {
			return nil, fmt.Errorf("%w: nil url", ErrInvalidURL)
		}
		return cloneURL(r), nil
	case url.URL:
		return cloneURL(&r), nil
	case string:
		if base == nil {
			return parseAbsoluteURL(r)
		}
		return joinURL(base, r)
	default:
		return nil, fmt.Errorf("%w: unsupported resource type %T", ErrInvalidURL, resource)
	}
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidURL, raw, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: %q is not absolute and no base URL is set", ErrInvalidURL, raw)
	}
	return u, nil
}

func joinURL(base *url.URL, resource string) (*url.URL, error) {
	joined := cloneURL(base)
	if resource == "" {
		return joined, nil
	}

	rel, err := url.Parse(resource)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidURL, resource, err)
	}
	if rel.IsAbs() {
		return rel, nil
	}

	relPath := strings.TrimPrefix(rel.EscapedPath(), "/")
	if relPath != "" {
		basePath := base.EscapedPath()
		if !strings.HasSuffix(basePath, "/") {
			basePath += "/"
		}
		rawPath := basePath + relPath
		path, err := url.PathUnescape(rawPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %w", ErrInvalidURL, resource, err)
		}
		joined.Path = path
		joined.RawPath = rawPath
	}

	if rel.RawQuery != "" || rel.ForceQuery {
		joined.RawQuery = rel.RawQuery
		joined.ForceQuery = rel.ForceQuery
	}
	if rel.Fragment != "" {
		joined.Fragment = rel.Fragment
		joined.RawFragment = rel.RawFragment
	}
	return joined, nil
}

func cloneURL(u *url.URL) *url.URL {
	cp := *u
	return &cp
}
