// Package fetch provides an immutable, extensible HTTP client built around
// lazy responses, composable middleware and plugins.
//
// # Features
//
//   - Immutable clients: every With* builder returns a new client
//   - Lazy responses: nothing is sent until Run or a resolver is called
//   - Middleware chain with the first-registered middleware outermost
//   - Plugins that add middleware, resolvers and properties
//   - Body resolvers (json, text, arrayBuffer, blob, formData) that set Accept
//   - Pluggable error factory for unsuccessful statuses
//   - Header and URL merge utilities
//
// # Quick Start
//
//	client := fetch.Default().
//	    WithBaseURL("https://api.example.com/").
//	    WithHeaders(http.Header{"X-App": {"billing"}})
//
//	// Nothing is sent yet.
//	lazy := client.Get("/todos", fetch.WithQuery(fetch.Query{"limit": 2}))
//
//	// Sends GET https://api.example.com/todos?limit=2 with Accept: application/json.
//	page, err := fetch.JSON[TodoPage](ctx, lazy)
//
// Bodies:
//
//	client.Post("/todos", fetch.WithJSON(Todo{Title: "ship it"}))
//	client.Post("/login", fetch.WithBody(url.Values{"user": {"ada"}}))
//	client.Post("/upload", fetch.WithMultipart(
//	    map[string]string{"title": "Q4"},
//	    fetch.File("document", "/path/to/report.pdf"),
//	))
//
// # Lazy Responses
//
// Then, Catch and Finally chain continuations without sending anything.
// Run sends the request; resolvers run it and decode the body:
//
//	user, err := fetch.JSON[User](ctx, client.Get("/users/{id}",
//	    fetch.WithPathParam("id", "42"),
//	).Catch(func(err error) (*fetch.Response, error) {
//	    if se, ok := fetch.AsStatusError(err); ok && se.StatusCode() == http.StatusNotFound {
//	        return nil, ErrUserNotFound
//	    }
//	    return nil, err
//	}))
//
// Resolvers are not memoized: each resolver call sends the request again.
//
// # Middleware
//
// A middleware wraps the next FetchFunc. The URL and *Options passed to it
// are shared with the rest of the chain for that request:
//
//	tenant := func(next fetch.FetchFunc) fetch.FetchFunc {
//	    return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
//	        opts.Header.Set("X-Tenant", tenantFrom(ctx))
//	        return next(ctx, u, opts)
//	    }
//	}
//	client = client.WithMiddleware(tenant)
//
// # Plugins
//
// The plugin subpackages add resilience and observability on top of the core:
//
//	client := fetch.Default().
//	    WithBaseURL("https://api.example.com").
//	    WithPlugins(
//	        tracing.Plugin(tracing.WithServiceName("billing")),
//	        prommetrics.Plugin(prometheus.DefaultRegisterer),
//	        retry.Plugin(retry.DefaultConfig()),
//	        timeout.Plugin(5*time.Second),
//	        auth.Bearer(tokenSource),
//	    )
//
//	retry.OnRetry(client, func(e retry.Event) {
//	    log.Warn().Int("attempt", e.Attempt).Err(e.Err).Msg("retrying")
//	})
//
// Available plugins: auth, breaker, chaos, coalesce, events, hedge,
// progress, prommetrics, ratelimit, retry, timeout and tracing.
//
// # Configuration Presets
//
// The underlying *http.Client is built from a TransportConfig:
//
//	client := fetch.Default().WithTransportConfig(fetch.HighThroughputConfig())
//	client := fetch.Default().WithTransportConfig(fetch.LowLatencyConfig())
//	client := fetch.Default().WithTransportConfig(fetch.ConservativeConfig())
//
// # Debug Utilities
//
// Log every request and response with an equivalent cURL command:
//
//	client := fetch.Default().
//	    WithLogger(zerolog.New(os.Stderr).Level(zerolog.DebugLevel)).
//	    WithDebug(true)
//
// # Testing
//
// MockTransport stubs responses and records requests:
//
//	mock := fetch.NewMockTransport().StubJSON(http.StatusOK, `{"todos":[]}`)
//	client := fetch.Default().WithHTTPClient(&http.Client{Transport: mock})
package fetch
