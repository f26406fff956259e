package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

var (
	// ErrInvalidURL is returned when a resource cannot be resolved into an
	// absolute URL.
	ErrInvalidURL = errors.New("fetch: invalid url")

	// ErrResolverNotFound is returned when a lazy response is asked for a
	// resolver the client never registered.
	ErrResolverNotFound = errors.New("fetch: resolver not found")

	// ErrUnexpectedResolverType is returned when a resolver produced a value
	// of a different type than the typed accessor expects.
	ErrUnexpectedResolverType = errors.New("fetch: unexpected resolver result type")
)

// ErrorFactory builds the error returned for a response whose status is not
// successful. It may read the response body.
type ErrorFactory func(ctx context.Context, resp *Response) error

// StatusError is the contract shared by errors that describe a failed HTTP
// exchange. Custom ErrorFactory implementations should return errors that
// satisfy it so IsHTTPError keeps working.
type StatusError interface {
	error
	StatusCode() int
	URL() string
	Response() *Response
	Request() *http.Request
}

// IsHTTPError reports whether err, or any error it wraps, carries an HTTP
// status.
func IsHTTPError(err error) bool {
	_, ok := AsStatusError(err)
	return ok
}

// AsStatusError finds the first StatusError in err's chain.
func AsStatusError(err error) (StatusError, bool) {
	var se StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HTTPError is the default error for unsuccessful responses.
//
// The body is parsed best-effort: Text holds the raw body when it could be
// read, JSON holds the decoded value when the body was valid JSON. Failures
// while reading or decoding are swallowed.
type HTTPError struct {
	// Status is the HTTP status code, e.g. 404.
	Status int

	// StatusText is the status line reported by the server, e.g. "404 Not Found".
	StatusText string

	// Text is the raw response body. Empty when the body was empty or unreadable.
	Text string

	// JSON is the decoded response body when it was valid JSON, otherwise nil.
	JSON any

	url      string
	response *Response
	request  *http.Request
}

// NewHTTPError builds an HTTPError from resp, reading its body.
func NewHTTPError(resp *Response) *HTTPError {
	e := &HTTPError{
		Status:     resp.StatusCode,
		StatusText: resp.Status,
		response:   resp,
		request:    resp.Request(),
	}
	if e.request != nil && e.request.URL != nil {
		e.url = e.request.URL.String()
	}

	body, err := resp.Body()
	if err != nil || len(body) == 0 {
		return e
	}
	e.Text = string(body)

	var decoded any
	if json.Unmarshal(body, &decoded) == nil {
		e.JSON = decoded
	}
	return e
}

// DefaultErrorFactory returns a *HTTPError for resp.
func DefaultErrorFactory(_ context.Context, resp *Response) error {
	return NewHTTPError(resp)
}

// Error returns the compact JSON body, the body text, the status text or
// "Unknown error", whichever is available first.
func (e *HTTPError) Error() string {
	if e.JSON != nil {
		if _, isString := e.JSON.(string); !isString {
			if b, err := json.Marshal(e.JSON); err == nil {
				return string(b)
			}
		}
	}
	if text := strings.TrimSpace(e.Text); text != "" {
		return text
	}
	if e.StatusText != "" {
		return e.StatusText
	}
	if text := http.StatusText(e.Status); text != "" {
		return text
	}
	return "Unknown error"
}

// StatusCode returns the HTTP status code.
func (e *HTTPError) StatusCode() int { return e.Status }

// URL returns the request URL.
func (e *HTTPError) URL() string { return e.url }

// Response returns the failed response. Its body has already been read and
// is served from cache by Response.Body.
func (e *HTTPError) Response() *Response { return e.response }

// Request returns the request that produced the response.
func (e *HTTPError) Request() *http.Request { return e.request }

// MissingCapabilityError is raised (as a panic value) when a plugin is
// applied to a client lacking a capability the plugin requires.
type MissingCapabilityError struct {
	Plugin  Capability
	Missing []Capability
}

func (e *MissingCapabilityError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		missing[i] = string(c)
	}
	return "fetch: plugin " + string(e.Plugin) + " requires " + strings.Join(missing, ", ")
}
