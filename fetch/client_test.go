package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_EndToEnd(t *testing.T) {
	var gotURL, gotApp, gotAccept string
	mock := NewMockTransport().
		StubJSON(http.StatusOK, `{"todos":[],"total":0,"skip":0,"limit":2}`).
		OnRequest(func(req *http.Request) {
			gotURL = req.URL.String()
			gotApp = req.Header.Get("X-App")
			gotAccept = req.Header.Get("Accept")
		})

	client := Default().
		WithBaseURL("https://api.test/").
		WithHeaders(http.Header{"X-App": {"1"}}).
		WithHTTPClient(&http.Client{Transport: mock})

	got, err := JSON[map[string]any](context.Background(),
		client.Get("/todos", WithQuery(Query{"limit": 2})),
	)

	require.NoError(t, err)
	assert.Equal(t, "https://api.test/todos?limit=2", gotURL)
	assert.Equal(t, "1", gotApp)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, map[string]any{
		"todos": []any{},
		"total": float64(0),
		"skip":  float64(0),
		"limit": float64(2),
	}, got)
}

func TestClient_Immutability(t *testing.T) {
	base := New().
		WithBaseURL("https://api.example.com").
		WithHeaders(http.Header{"X-App": {"1"}}).
		WithOptions(WithMethod(http.MethodPost))

	noop := func(next FetchFunc) FetchFunc { return next }

	tests := []struct {
		name  string
		build func(*Client) *Client
	}{
		{name: "given WithBaseURL, then original keeps base url", build: func(c *Client) *Client { return c.WithBaseURL("https://other.example.com") }},
		{name: "given WithHeaders, then original keeps headers", build: func(c *Client) *Client { return c.WithHeaders(http.Header{"X-App": {"2"}, "X-New": {"1"}}) }},
		{name: "given WithOptions, then original keeps options", build: func(c *Client) *Client { return c.WithOptions(WithMethod(http.MethodPut)) }},
		{name: "given WithMiddleware, then original keeps chain", build: func(c *Client) *Client { return c.WithMiddleware(noop) }},
		{name: "given WithResolvers, then original keeps resolvers", build: func(c *Client) *Client {
			return c.WithResolvers(Resolvers{"x": func(context.Context, *LazyResponse) (any, error) { return nil, nil }})
		}},
		{name: "given WithProperties, then original keeps properties", build: func(c *Client) *Client { return c.WithProperties(map[string]any{"k": 1}) }},
		{name: "given WithPlugin, then original keeps capabilities", build: func(c *Client) *Client { return c.WithPlugin(BodyResolvers()) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := snapshot(base)

			derived := tt.build(base)

			assert.NotSame(t, base, derived)
			assert.Equal(t, before, snapshot(base))
		})
	}
}

type clientSnapshot struct {
	baseURL      string
	header       http.Header
	method       string
	middlewares  int
	resolvers    int
	properties   int
	capabilities []Capability
}

func snapshot(c *Client) clientSnapshot {
	return clientSnapshot{
		baseURL:      c.BaseURL().String(),
		header:       c.Header(),
		method:       c.Options().Method,
		middlewares:  len(c.Middlewares()),
		resolvers:    len(c.Resolvers()),
		properties:   len(c.properties),
		capabilities: c.Capabilities(),
	}
}

func TestClient_SiblingsDoNotShareMiddlewares(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next FetchFunc) FetchFunc {
			return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
				order = append(order, name)
				return next(ctx, u, opts)
			}
		}
	}

	mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
	base := newMockClient(mock).WithMiddleware(mark("base"))
	a := base.WithMiddleware(mark("a"))
	b := base.WithMiddleware(mark("b"))

	_, err := a.Get("/").Run(context.Background())
	require.NoError(t, err)
	_, err = b.Get("/").Run(context.Background())
	require.NoError(t, err)
	_, err = base.Get("/").Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"base", "a", "base", "b", "base"}, order)
}

func TestClient_Laziness(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
	client := newMockClient(mock)

	lazy := client.Get("/todos")
	_ = client.Post("/todos", WithJSON(map[string]string{"title": "x"}))
	_ = lazy.Then(nil, nil)

	assert.Equal(t, 0, mock.RequestCount())

	_, err := lazy.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, mock.RequestCount())
}

func TestClient_MiddlewareOrder(t *testing.T) {
	var order []string
	trace := func(name string) Middleware {
		return func(next FetchFunc) FetchFunc {
			return func(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
				order = append(order, name+":in")
				resp, err := next(ctx, u, opts)
				order = append(order, name+":out")
				return resp, err
			}
		}
	}

	mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
	client := newMockClient(mock).
		WithMiddleware(trace("first")).
		WithMiddlewares(trace("second"), nil, trace("third"))

	_, err := client.Get("/").Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{
		"first:in", "second:in", "third:in",
		"third:out", "second:out", "first:out",
	}, order)
}

func TestClient_LinksChainOnce(t *testing.T) {
	var built atomic.Int32
	counting := func(next FetchFunc) FetchFunc {
		built.Add(1)
		return next
	}

	mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
	client := newMockClient(mock).WithMiddleware(counting)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = client.Get("/").Run(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), built.Load())

	_, err := client.WithMiddleware(func(next FetchFunc) FetchFunc { return next }).
		Get("/").Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), built.Load(), "a new chain relinks")
}

func TestClient_ErrorFactory(t *testing.T) {
	t.Run("given failure status, then factory is called exactly once", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusTeapot, `short and stout`)
		calls := 0
		client := newMockClient(mock).WithErrorFactory(func(ctx context.Context, resp *Response) error {
			calls++
			return NewHTTPError(resp)
		})

		_, err := client.Get("/brew").Run(context.Background())

		require.Error(t, err)
		assert.Equal(t, 1, calls)
		se, ok := AsStatusError(err)
		require.True(t, ok)
		assert.Equal(t, http.StatusTeapot, se.StatusCode())
		assert.Equal(t, "https://api.example.com/brew", se.URL())
	})

	t.Run("given success status, then factory is not called", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusNoContent, ``)
		calls := 0
		client := newMockClient(mock).WithErrorFactory(func(ctx context.Context, resp *Response) error {
			calls++
			return errors.New("unexpected")
		})

		_, err := client.Delete("/todos/1").Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, 0, calls)
	})

	t.Run("given custom error type, then surfaces it", func(t *testing.T) {
		errGone := errors.New("gone")
		mock := NewMockTransport().StubResponse(http.StatusGone, ``)
		client := newMockClient(mock).WithErrorFactory(func(context.Context, *Response) error {
			return errGone
		})

		_, err := client.Get("/old").Run(context.Background())

		require.ErrorIs(t, err, errGone)
		assert.False(t, IsHTTPError(err))
	})

	t.Run("given nil factory, then falls back to default", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusNotFound, `missing`)

		_, err := newMockClient(mock).WithErrorFactory(nil).Get("/x").Run(context.Background())

		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, "missing", httpErr.Text)
	})
}

func TestClient_TransportErrorPassesThrough(t *testing.T) {
	want := errors.New("dial tcp: connection refused")
	mock := NewMockTransport().StubError(want)

	_, err := newMockClient(mock).Get("/").Run(context.Background())

	require.ErrorIs(t, err, want)
	assert.False(t, IsHTTPError(err))
}

func TestClient_BaseURL(t *testing.T) {
	t.Run("given invalid base url, then every request fails on run", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
		client := New().WithBaseURL("not a url").WithHTTPClient(&http.Client{Transport: mock})

		lazy := client.Get("/todos")
		_, err := lazy.Run(context.Background())

		require.ErrorIs(t, err, ErrInvalidURL)
		assert.Nil(t, client.BaseURL())
		assert.Equal(t, 0, mock.RequestCount())
	})

	t.Run("given invalid base url, then absolute FetchURL still works", func(t *testing.T) {
		mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
		client := New().WithBaseURL("::").WithHTTPClient(&http.Client{Transport: mock})
		u, _ := url.Parse("https://api.example.com/health")

		_, err := client.FetchURL(u).Run(context.Background())

		require.NoError(t, err)
	})

	t.Run("given no base url and relative resource, then fails", func(t *testing.T) {
		_, err := New().Get("/todos").Run(context.Background())

		require.ErrorIs(t, err, ErrInvalidURL)
	})

	t.Run("given replaced base url, then clears previous error", func(t *testing.T) {
		client := New().WithBaseURL("bad").WithBaseURL("https://api.example.com/v1")

		assert.Equal(t, "https://api.example.com/v1", client.BaseURL().String())
		assert.Equal(t, "https://api.example.com/v1/x", client.Get("x").URL().String())
	})
}

func TestClient_OptionsMerge(t *testing.T) {
	var captured *http.Request
	var capturedBody string
	mock := NewMockTransport().
		StubResponse(http.StatusOK, `ok`).
		OnRequest(func(req *http.Request) {
			captured = req
			if req.Body != nil {
				b, _ := io.ReadAll(req.Body)
				capturedBody = string(b)
			}
		})

	client := newMockClient(mock).
		WithHeaders(http.Header{"X-App": {"1"}, "Accept-Language": {"en"}}).
		WithOptions(WithMethod(http.MethodPut), WithHeader("X-Env", "test"))

	_, err := client.Fetch("/items",
		WithHeader("Accept-Language", "id"),
		WithBody("payload"),
	).Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, captured.Method)
	assert.Equal(t, "1", captured.Header.Get("X-App"))
	assert.Equal(t, "id", captured.Header.Get("Accept-Language"))
	assert.Equal(t, "test", captured.Header.Get("X-Env"))
	assert.Equal(t, "payload", capturedBody)
	assert.Equal(t, int64(len("payload")), captured.ContentLength)

	assert.Empty(t, client.Options().Header, "headers live on the client header set")
}

func TestClient_Verbs(t *testing.T) {
	mock := NewMockTransport().StubResponse(http.StatusOK, `ok`)
	client := newMockClient(mock)

	tests := []struct {
		name   string
		call   func(string, ...RequestOption) *LazyResponse
		method string
	}{
		{name: "given Get, then sends GET", call: client.Get, method: http.MethodGet},
		{name: "given Post, then sends POST", call: client.Post, method: http.MethodPost},
		{name: "given Put, then sends PUT", call: client.Put, method: http.MethodPut},
		{name: "given Patch, then sends PATCH", call: client.Patch, method: http.MethodPatch},
		{name: "given Delete, then sends DELETE", call: client.Delete, method: http.MethodDelete},
		{name: "given Fetch without method, then sends GET", call: client.Fetch, method: http.MethodGet},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.call("/items").Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.method, mock.LastRequest().Method)
		})
	}

	t.Run("given explicit method option, then verb wins", func(t *testing.T) {
		_, err := client.Post("/items", WithMethod(http.MethodGet)).Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, mock.LastRequest().Method)
	})
}

func TestClient_Plugins(t *testing.T) {
	t.Run("given default client, then has default capabilities", func(t *testing.T) {
		client := Default()

		assert.Equal(t, []Capability{CapabilityBodyResolvers, CapabilityJSON, CapabilityQuery}, client.Capabilities())
		for _, name := range []string{ResolverJSON, ResolverText, ResolverArrayBuffer, ResolverBlob, ResolverFormData} {
			assert.Contains(t, client.Resolvers(), name)
		}
	})

	t.Run("given unmet requirement, then panics with missing capability", func(t *testing.T) {
		needy := Define(PluginInfo{
			Name:     "progress",
			Requires: []Capability{CapabilityBodyResolvers, CapabilityQuery},
		}, func(c *Client) *Client { return c })

		defer func() {
			r := recover()
			require.NotNil(t, r)
			missingErr, ok := r.(*MissingCapabilityError)
			require.True(t, ok)
			assert.Equal(t, Capability("progress"), missingErr.Plugin)
			assert.Equal(t, []Capability{CapabilityBodyResolvers, CapabilityQuery}, missingErr.Missing)
			assert.Contains(t, missingErr.Error(), "requires body-resolvers, query")
		}()

		New().WithPlugin(needy)
	})

	t.Run("given met requirement, then records capability", func(t *testing.T) {
		needy := Define(PluginInfo{
			Name:     "progress",
			Requires: []Capability{CapabilityBodyResolvers},
		}, func(c *Client) *Client { return c.WithProperties(map[string]any{"progress": true}) })

		client := Default().WithPlugin(needy)

		assert.True(t, client.Has("progress"))
		v, ok := PropertyOf[bool](client, "progress")
		assert.True(t, ok)
		assert.True(t, v)
	})

	t.Run("given nil plugin, then returns same client", func(t *testing.T) {
		client := New()
		assert.Same(t, client, client.WithPlugin(nil))
	})
}

func TestClient_Property(t *testing.T) {
	client := New().WithProperties(map[string]any{"name": "billing"})

	v, ok := client.Property("name")
	assert.True(t, ok)
	assert.Equal(t, "billing", v)

	_, ok = PropertyOf[int](client, "name")
	assert.False(t, ok, "wrong type")

	_, ok = client.Property("missing")
	assert.False(t, ok)
}

func TestClient_RealServer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/todos":
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message":"not found"}`))
		}
	}))
	defer server.Close()

	client := Default().WithBaseURL(server.URL)

	created, err := JSON[todo](context.Background(),
		client.Post("/todos", WithJSON(todo{ID: 1, Title: "ship"})),
	)
	require.NoError(t, err)
	assert.Equal(t, todo{ID: 1, Title: "ship"}, created)

	_, err = client.Get("/missing").Run(context.Background())
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
	assert.Equal(t, `{"message":"not found"}`, httpErr.Error())
	assert.Equal(t, map[string]any{"message": "not found"}, httpErr.JSON)
}
