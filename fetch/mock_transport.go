package fetch

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
)

// MockTransport is a configurable http.RoundTripper for tests.
// It stubs responses and records every request it receives.
//
// Example:
//
//	mock := fetch.NewMockTransport().
//	    StubJSON(http.StatusOK, `{"todos":[]}`).
//	    OnRequest(func(req *http.Request) {
//	        assert.Equal(t, "application/json", req.Header.Get("Accept"))
//	    })
//
//	client := fetch.Default().WithHTTPClient(&http.Client{Transport: mock})
type MockTransport struct {
	mu          sync.RWMutex
	stubs       []stub
	fallback    Responder
	requests    []*http.Request
	requestHook func(*http.Request)
}

// Responder produces the outcome of a stubbed round trip.
type Responder func(*http.Request) (*http.Response, error)

type stub struct {
	matcher   func(*http.Request) bool
	responder Responder
}

// NewMockTransport creates a new MockTransport for testing.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// StubResponse stubs all unmatched requests to return the given response.
func (m *MockTransport) StubResponse(statusCode int, body string) *MockTransport {
	return m.StubHandler(staticResponse(statusCode, nil, body))
}

// StubJSON stubs all unmatched requests to return body as application/json.
func (m *MockTransport) StubJSON(statusCode int, body string) *MockTransport {
	header := http.Header{"Content-Type": {"application/json"}}
	return m.StubHandler(staticResponse(statusCode, header, body))
}

// StubError stubs all unmatched requests to fail with err.
func (m *MockTransport) StubError(err error) *MockTransport {
	return m.StubHandler(RespondError(err))
}

// StubHandler stubs all unmatched requests with fn.
func (m *MockTransport) StubHandler(fn Responder) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = fn
	return m
}

// StubSequence answers unmatched requests with responders in order. Once
// exhausted, the last responder answers every further request.
//
// Example - fail twice, then succeed:
//
//	mock.StubSequence(
//	    fetch.Respond(http.StatusServiceUnavailable, ""),
//	    fetch.Respond(http.StatusServiceUnavailable, ""),
//	    fetch.Respond(http.StatusOK, `{"ok":true}`),
//	)
func (m *MockTransport) StubSequence(responders ...Responder) *MockTransport {
	if len(responders) == 0 {
		return m
	}
	var (
		mu   sync.Mutex
		next int
	)
	return m.StubHandler(func(req *http.Request) (*http.Response, error) {
		mu.Lock()
		r := responders[min(next, len(responders)-1)]
		next++
		mu.Unlock()
		return r(req)
	})
}

// Respond returns a Responder answering with statusCode and body.
func Respond(statusCode int, body string) Responder {
	return staticResponse(statusCode, nil, body)
}

// RespondError returns a Responder failing with err.
func RespondError(err error) Responder {
	return func(*http.Request) (*http.Response, error) {
		return nil, err
	}
}

// StubPath stubs requests matching the path to return the given response.
func (m *MockTransport) StubPath(path string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.URL.Path == path
	}, statusCode, body)
}

// StubPathRegex stubs requests matching the path regex to return the given response.
func (m *MockTransport) StubPathRegex(pattern string, statusCode int, body string) *MockTransport {
	re := regexp.MustCompile(pattern)
	return m.StubFunc(func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, statusCode, body)
}

// StubMethod stubs requests with the given method to return the given response.
func (m *MockTransport) StubMethod(method string, statusCode int, body string) *MockTransport {
	return m.StubFunc(func(req *http.Request) bool {
		return req.Method == method
	}, statusCode, body)
}

// StubFunc stubs requests matching the predicate to return the given response.
func (m *MockTransport) StubFunc(
	matcher func(*http.Request) bool,
	statusCode int,
	body string,
) *MockTransport {
	return m.StubMatch(matcher, staticResponse(statusCode, nil, body))
}

// StubFuncError stubs requests matching the predicate to return the given error.
func (m *MockTransport) StubFuncError(matcher func(*http.Request) bool, err error) *MockTransport {
	return m.StubMatch(matcher, RespondError(err))
}

// StubMatch stubs requests matching the predicate with responder.
// Stubs are checked in registration order; the first match wins.
func (m *MockTransport) StubMatch(matcher func(*http.Request) bool, responder Responder) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, stub{matcher: matcher, responder: responder})
	return m
}

// OnRequest sets a hook that is called for each request before it is
// answered. Useful for assertions or to simulate latency.
func (m *MockTransport) OnRequest(fn func(*http.Request)) *MockTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// RoundTrip implements http.RoundTripper.
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	m.mu.RLock()
	responder := m.fallback
	for _, s := range m.stubs {
		if s.matcher(req) {
			responder = s.responder
			break
		}
	}
	m.mu.RUnlock()

	if responder == nil {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL.String())
	}

	resp, err := responder(req)
	if resp != nil && resp.Request == nil {
		resp.Request = req
	}
	return resp, err
}

// Requests returns all requests made through this transport.
func (m *MockTransport) Requests() []*http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*http.Request{}, m.requests...)
}

// RequestCount returns the number of requests made.
func (m *MockTransport) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil if none.
func (m *MockTransport) LastRequest() *http.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded requests and stubs.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.stubs = nil
	m.fallback = nil
	m.requestHook = nil
}

// staticResponse answers every call with a fresh copy of the same response,
// so the body can be read by each caller.
func staticResponse(statusCode int, header http.Header, body string) Responder {
	return func(*http.Request) (*http.Response, error) {
		h := header.Clone()
		if h == nil {
			h = make(http.Header)
		}
		return &http.Response{
			StatusCode:    statusCode,
			Status:        http.StatusText(statusCode),
			Proto:         "HTTP/1.1",
			ProtoMajor:    1,
			ProtoMinor:    1,
			Header:        h,
			Body:          io.NopCloser(bytes.NewBufferString(body)),
			ContentLength: int64(len(body)),
		}, nil
	}
}
