package fetch

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Client is an immutable, extensible HTTP calling context.
//
// Every With* method returns a new Client and leaves the receiver untouched,
// so a base client can be shared as the foundation of several specialized
// clients:
//
//	base := fetch.Default().
//	    WithBaseURL("https://api.example.com/").
//	    WithHeaders(http.Header{"X-App": {"billing"}})
//
//	payments := base.WithPlugin(retry.Plugin(retry.DefaultConfig()))
//	reports := base.WithPlugin(timeout.Plugin(30 * time.Second))
//
// Fetch and the verb helpers never perform I/O. They return a *LazyResponse
// that runs the request when Run or a resolver is called.
type Client struct {
	// baseURL is joined with relative resources passed to Fetch.
	baseURL *url.URL

	// baseURLErr holds the error of an invalid WithBaseURL call.
	// It is reported by every request built from this client.
	baseURLErr error

	// header holds the default headers, overlaid by per-call headers.
	header http.Header

	// options holds the default request options, excluding headers.
	options *Options

	// middlewares are linked around the terminal call, first outermost.
	middlewares []Middleware

	// resolvers are copied onto every lazy response.
	resolvers Resolvers

	// properties are plugin-contributed values, e.g. observer registries.
	properties map[string]any

	// capabilities records which plugins have been applied.
	capabilities map[Capability]struct{}

	// errorFactory maps unsuccessful responses to errors.
	errorFactory ErrorFactory

	// doer performs the actual HTTP exchange.
	doer Doer

	// logger receives debug output when debug is enabled.
	logger zerolog.Logger

	// debug enables request/response logging with cURL equivalents.
	debug bool

	// chain memoizes the linked middleware chain. Builders that change
	// anything the chain depends on give the new client a fresh one.
	chain *linkedChain
}

// linkedChain is the lazily built composition of a client's middlewares.
type linkedChain struct {
	once sync.Once
	fn   FetchFunc
}

// New returns the bare core client: no middleware, no resolvers, the default
// error factory and an *http.Client built from DefaultTransportConfig.
//
// Most callers want Default, which adds the body resolvers and the query
// and JSON serializers.
func New() *Client {
	return &Client{
		header:       make(http.Header),
		options:      &Options{},
		resolvers:    Resolvers{},
		properties:   map[string]any{},
		capabilities: map[Capability]struct{}{},
		errorFactory: DefaultErrorFactory,
		doer:         NewHTTPClient(DefaultTransportConfig()),
		logger:       zerolog.Nop(),
		chain:        &linkedChain{},
	}
}

// Default returns a freshly composed client with the default plugin set:
// body resolvers (json, text, arrayBuffer, blob, formData), the query
// serializer and the JSON body serializer.
func Default() *Client {
	return New().WithPlugins(
		BodyResolvers(),
		QuerySerializer(),
		JSONSerializer(),
	)
}

// clone copies every mutable field so the copy can be changed freely.
// The link cache is shared until a builder replaces it.
func (c *Client) clone() *Client {
	cp := *c
	cp.header = c.header.Clone()
	cp.options = c.options.Clone()
	cp.middlewares = slices.Clip(slices.Clone(c.middlewares))
	cp.resolvers = maps.Clone(c.resolvers)
	cp.properties = maps.Clone(c.properties)
	cp.capabilities = maps.Clone(c.capabilities)
	return &cp
}

// =============================================================================
// Builders
// =============================================================================

// WithBaseURL returns a client resolving relative resources against rawURL.
//
// rawURL must be absolute. An invalid value does not panic: every request
// built from the returned client fails with an ErrInvalidURL error.
func (c *Client) WithBaseURL(rawURL string) *Client {
	cp := c.clone()
	u, err := parseAbsoluteURL(rawURL)
	if err != nil {
		cp.baseURL = nil
		cp.baseURLErr = fmt.Errorf("base url: %w", err)
		return cp
	}
	cp.baseURL = u
	cp.baseURLErr = nil
	return cp
}

// WithHeaders returns a client whose default headers are merged with h;
// keys in h win.
func (c *Client) WithHeaders(h http.Header) *Client {
	cp := c.clone()
	cp.header = MergeHeaders(cp.header, h)
	return cp
}

// WithOptions returns a client whose default options are shallow-merged
// with opts; opts win. Headers set by opts are merged into the default
// headers.
func (c *Client) WithOptions(opts ...RequestOption) *Client {
	cp := c.clone()
	override := NewOptions(opts...)
	cp.header = MergeHeaders(cp.header, override.Header)
	override.Header = nil
	cp.options = mergeOptions(cp.options, override)
	cp.options.Header = nil
	return cp
}

// WithErrorFactory returns a client that builds errors for unsuccessful
// responses with fn.
func (c *Client) WithErrorFactory(fn ErrorFactory) *Client {
	cp := c.clone()
	if fn == nil {
		fn = DefaultErrorFactory
	}
	cp.errorFactory = fn
	cp.chain = &linkedChain{}
	return cp
}

// WithMiddleware returns a client with mw appended to the chain.
func (c *Client) WithMiddleware(mw Middleware) *Client {
	return c.WithMiddlewares(mw)
}

// WithMiddlewares returns a client with mws appended to the chain, in order.
// Middlewares registered earlier wrap the ones registered later.
func (c *Client) WithMiddlewares(mws ...Middleware) *Client {
	cp := c.clone()
	for _, mw := range mws {
		if mw != nil {
			cp.middlewares = append(cp.middlewares, mw)
		}
	}
	cp.chain = &linkedChain{}
	return cp
}

// WithResolvers returns a client with resolvers merged into its resolver
// set; same-named resolvers are replaced.
func (c *Client) WithResolvers(resolvers Resolvers) *Client {
	cp := c.clone()
	if cp.resolvers == nil {
		cp.resolvers = make(Resolvers, len(resolvers))
	}
	maps.Copy(cp.resolvers, resolvers)
	return cp
}

// WithProperties returns a client with props merged into its properties.
//
// Plugins use properties to hand state to their package-level helpers,
// such as the observer registry behind retry.OnRetry.
func (c *Client) WithProperties(props map[string]any) *Client {
	cp := c.clone()
	if cp.properties == nil {
		cp.properties = make(map[string]any, len(props))
	}
	maps.Copy(cp.properties, props)
	return cp
}

// WithPlugin returns plugin(c).
func (c *Client) WithPlugin(plugin Plugin) *Client {
	if plugin == nil {
		return c
	}
	return plugin(c)
}

// WithPlugins applies plugins in order.
func (c *Client) WithPlugins(plugins ...Plugin) *Client {
	out := c
	for _, p := range plugins {
		out = out.WithPlugin(p)
	}
	return out
}

// WithHTTPClient returns a client sending requests through doer.
//
// Example - stub transport in tests:
//
//	mock := fetch.NewMockTransport().StubResponse(200, `{"ok":true}`)
//	client := fetch.Default().WithHTTPClient(&http.Client{Transport: mock})
func (c *Client) WithHTTPClient(doer Doer) *Client {
	cp := c.clone()
	if doer == nil {
		doer = NewHTTPClient(DefaultTransportConfig())
	}
	cp.doer = doer
	cp.chain = &linkedChain{}
	return cp
}

// WithTransportConfig returns a client using an *http.Client built from cfg.
func (c *Client) WithTransportConfig(cfg TransportConfig) *Client {
	return c.WithHTTPClient(NewHTTPClient(cfg))
}

// WithLogger returns a client logging debug output to logger.
func (c *Client) WithLogger(logger zerolog.Logger) *Client {
	cp := c.clone()
	cp.logger = logger
	cp.chain = &linkedChain{}
	return cp
}

// WithDebug returns a client that logs every request and response at debug
// level, including an equivalent cURL command.
func (c *Client) WithDebug(enabled bool) *Client {
	cp := c.clone()
	cp.debug = enabled
	cp.chain = &linkedChain{}
	return cp
}

func (c *Client) withCapability(name Capability) *Client {
	cp := c.clone()
	if cp.capabilities == nil {
		cp.capabilities = make(map[Capability]struct{})
	}
	cp.capabilities[name] = struct{}{}
	return cp
}

// =============================================================================
// Accessors
// =============================================================================

// BaseURL returns a copy of the base URL, or nil when none is set.
func (c *Client) BaseURL() *url.URL {
	if c.baseURL == nil {
		return nil
	}
	return cloneURL(c.baseURL)
}

// Header returns a copy of the default headers.
func (c *Client) Header() http.Header {
	return c.header.Clone()
}

// Options returns a copy of the default options.
func (c *Client) Options() *Options {
	return c.options.Clone()
}

// Middlewares returns a copy of the middleware chain.
func (c *Client) Middlewares() []Middleware {
	return slices.Clone(c.middlewares)
}

// Resolvers returns a copy of the resolver set.
func (c *Client) Resolvers() Resolvers {
	return maps.Clone(c.resolvers)
}

// Property returns the property stored under name.
func (c *Client) Property(name string) (any, bool) {
	v, ok := c.properties[name]
	return v, ok
}

// PropertyOf returns the property stored under name if it has type T.
func PropertyOf[T any](c *Client, name string) (T, bool) {
	v, ok := c.properties[name]
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

// Has reports whether a plugin providing capability has been applied.
func (c *Client) Has(capability Capability) bool {
	_, ok := c.capabilities[capability]
	return ok
}

// Capabilities returns the applied capabilities, sorted.
func (c *Client) Capabilities() []Capability {
	return slices.Sorted(maps.Keys(c.capabilities))
}

// =============================================================================
// Requests
// =============================================================================

// Fetch prepares a request for resource, resolved against the base URL.
//
// Per-call options are merged over the client defaults (call wins, headers
// merged key by key). No I/O happens until the returned lazy response is
// run or resolved.
//
// Example:
//
//	todos, err := fetch.JSON[TodoPage](ctx, client.Fetch("/todos",
//	    fetch.WithQuery(fetch.Query{"limit": 2}),
//	))
func (c *Client) Fetch(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, opts)
}

// FetchURL is Fetch for an already absolute URL. The base URL is ignored.
func (c *Client) FetchURL(u *url.URL, opts ...RequestOption) *LazyResponse {
	return c.fetch(u, opts)
}

// Get prepares a GET request.
func (c *Client) Get(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, append(slices.Clip(opts), WithMethod(http.MethodGet)))
}

// Post prepares a POST request.
func (c *Client) Post(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, append(slices.Clip(opts), WithMethod(http.MethodPost)))
}

// Put prepares a PUT request.
func (c *Client) Put(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, append(slices.Clip(opts), WithMethod(http.MethodPut)))
}

// Patch prepares a PATCH request.
func (c *Client) Patch(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, append(slices.Clip(opts), WithMethod(http.MethodPatch)))
}

// Delete prepares a DELETE request.
func (c *Client) Delete(resource string, opts ...RequestOption) *LazyResponse {
	return c.fetch(resource, append(slices.Clip(opts), WithMethod(http.MethodDelete)))
}

func (c *Client) fetch(resource any, opts []RequestOption) *LazyResponse {
	call := NewOptions(opts...)
	merged := mergeOptions(c.options, call)
	merged.Header = MergeHeaders(c.header, call.Header)

	if path, ok := resource.(string); ok {
		resource = expandPath(path, merged)
	}
	u, err := c.resolve(resource)
	if err != nil {
		return newLazyResponse(u, merged, failedFetch(err), c.resolvers)
	}
	return newLazyResponse(u, merged, c.linked(), c.resolvers)
}

func (c *Client) resolve(resource any) (*url.URL, error) {
	if _, absolute := resource.(*url.URL); !absolute && c.baseURLErr != nil {
		return nil, c.baseURLErr
	}
	return MergeURL(resource, c.baseURL)
}

// linked returns the composed middleware chain, building it on first use.
func (c *Client) linked() FetchFunc {
	chain := c.chain
	if chain == nil {
		chain = &linkedChain{}
	}
	chain.once.Do(func() {
		chain.fn = Link(c.terminal, c.middlewares...)
	})
	return chain.fn
}

// terminal performs the HTTP exchange and maps unsuccessful statuses
// through the error factory.
func (c *Client) terminal(ctx context.Context, u *url.URL, opts *Options) (*Response, error) {
	body, length, err := requestBody(opts.Body)
	if err != nil {
		return nil, err
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if length >= 0 && body != nil {
		req.ContentLength = length
	}
	req.Header = opts.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	if c.debug {
		logRequest(c.logger, req, opts)
	}

	start := time.Now()
	httpResp, err := c.doer.Do(req)
	if err != nil {
		if c.debug {
			logFailure(c.logger, req, err, time.Since(start))
		}
		return nil, err
	}

	if c.debug {
		logResponse(c.logger, httpResp, time.Since(start))
	}

	resp := NewResponse(httpResp, req)
	if resp.IsSuccess() {
		return resp, nil
	}
	return nil, c.errorFactory(ctx, resp)
}

func failedFetch(err error) FetchFunc {
	return func(context.Context, *url.URL, *Options) (*Response, error) {
		return nil, err
	}
}
