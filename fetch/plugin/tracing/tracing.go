// Package tracing instruments requests with OpenTelemetry spans and
// metrics.
//
// Every logical request gets one client span carrying HTTP semantic
// convention attributes. The trace context is injected into the request
// headers (W3C traceparent and baggage by default). With network tracing
// on, DNS, connect, TLS and first-byte timings are added as span events
// and metrics.
//
// Apply the plugin before retry, timeout and hedge so their attempts and
// events land on the same span:
//
//	client := fetch.Default().WithPlugins(
//	    tracing.Plugin(tracing.WithServiceName("billing")),
//	    retry.Plugin(retry.DefaultConfig()),
//	)
package tracing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the tracing plugin was applied to.
const Capability fetch.Capability = "tracing"

// Plugin instruments every request of the client.
func Plugin(opts ...Option) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(Middleware(opts...))
	})
}

// Middleware returns the instrumentation middleware.
func Middleware(opts ...Option) fetch.Middleware {
	cfg := newConfig(opts...)

	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, o *fetch.Options) (*fetch.Response, error) {
			if !cfg.traced(u, o) {
				return next(ctx, u, o)
			}
			return cfg.instrument(ctx, next, u, o)
		}
	}
}

func (cfg *config) instrument(
	ctx context.Context,
	next fetch.FetchFunc,
	u *url.URL,
	opts *fetch.Options,
) (*fetch.Response, error) {
	start := time.Now()
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, span := cfg.tracer.Start(ctx, cfg.spanName(method, u),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(cfg.requestAttributes(method, u, opts)...),
	)
	defer span.End()

	if opts.Header == nil {
		opts.Header = make(http.Header)
	}
	cfg.propagator.Inject(ctx, propagation.HeaderCarrier(opts.Header))

	base := cfg.baseAttributes()
	cfg.metrics.recordActiveRequest(ctx, 1, base)
	defer cfg.metrics.recordActiveRequest(ctx, -1, base)

	if body, ok := opts.BodyBytes(); ok && len(body) > 0 {
		cfg.metrics.recordRequestBodySize(ctx, int64(len(body)), base)
	}

	var nt *networkTrace
	if cfg.networkTrace {
		nt = &networkTrace{}
		ctx = httptrace.WithClientTrace(ctx, nt.clientTrace())
	}

	resp, err := next(ctx, u, opts)
	duration := time.Since(start)

	if nt != nil {
		nt.addEvents(span)
		nt.recordMetrics(ctx, cfg.metrics, base)
	}

	if se, ok := fetch.AsStatusError(err); ok {
		cfg.recordResponse(ctx, span, method, u, se.Response(), duration)
		return resp, err
	}
	if err != nil {
		errorType := classifyError(err)
		setSpanError(span, err, errorType)
		cfg.metrics.recordError(ctx, errorType, base)
		cfg.metrics.recordRequestDuration(ctx, duration, cfg.metricAttributes(method, u, 0, errorType))
		return resp, err
	}

	cfg.recordResponse(ctx, span, method, u, resp, duration)
	return resp, nil
}

// recordResponse sets response attributes and status on span and records
// the duration and size metrics.
func (cfg *config) recordResponse(
	ctx context.Context,
	span trace.Span,
	method string,
	u *url.URL,
	resp *fetch.Response,
	duration time.Duration,
) {
	if resp == nil || resp.Response == nil {
		cfg.metrics.recordRequestDuration(ctx, duration, cfg.metricAttributes(method, u, 0, ""))
		return
	}

	span.SetAttributes(responseAttributes(resp)...)

	errorType := errorTypeFromStatusCode(resp.StatusCode)
	if errorType != "" {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", resp.StatusCode))
		span.SetAttributes(attribute.String("error.type", errorType))
	}

	if resp.ContentLength > 0 {
		cfg.metrics.recordResponseBodySize(ctx, resp.ContentLength, cfg.baseAttributes())
	}
	cfg.metrics.recordRequestDuration(ctx, duration, cfg.metricAttributes(method, u, resp.StatusCode, errorType))
}

// requestAttributes returns span attributes for the request.
func (cfg *config) requestAttributes(method string, u *url.URL, opts *fetch.Options) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 10)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", method))

	if u != nil {
		attrs = append(attrs,
			attribute.String("url.full", u.Redacted()),
			attribute.String("url.scheme", u.Scheme),
		)
		attrs = append(attrs, serverAttributes(u)...)
	}

	if body, ok := opts.BodyBytes(); ok && len(body) > 0 {
		attrs = append(attrs, attribute.Int("http.request.body.size", len(body)))
	}
	if ua := opts.Header.Get("User-Agent"); ua != "" {
		attrs = append(attrs, attribute.String("user_agent.original", ua))
	}
	return attrs
}

// responseAttributes returns span attributes for the response.
func responseAttributes(resp *fetch.Response) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.Int("http.response.status_code", resp.StatusCode)}

	if resp.ContentLength > 0 {
		attrs = append(attrs, attribute.Int64("http.response.body.size", resp.ContentLength))
	}
	if resp.ProtoMajor > 0 {
		version := strconv.Itoa(resp.ProtoMajor)
		if resp.ProtoMajor == 1 {
			version += "." + strconv.Itoa(resp.ProtoMinor)
		}
		attrs = append(attrs, attribute.String("network.protocol.version", version))
	}
	return attrs
}

// metricAttributes returns the low-cardinality attributes of the duration
// histogram. statusCode zero means no response was received.
func (cfg *config) metricAttributes(method string, u *url.URL, statusCode int, errorType string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 6)
	attrs = append(attrs, cfg.baseAttributes()...)
	attrs = append(attrs, attribute.String("http.request.method", method))
	if u != nil {
		attrs = append(attrs, serverAttributes(u)...)
	}
	if statusCode > 0 {
		attrs = append(attrs, attribute.Int("http.response.status_code", statusCode))
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}
	return attrs
}

// serverAttributes returns server.address and server.port, defaulting the
// port from the scheme.
func serverAttributes(u *url.URL) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if host := u.Hostname(); host != "" {
		attrs = append(attrs, attribute.String("server.address", host))
	}

	if port, err := strconv.Atoi(u.Port()); err == nil {
		attrs = append(attrs, attribute.Int("server.port", port))
	} else {
		switch u.Scheme {
		case "http":
			attrs = append(attrs, attribute.Int("server.port", 80))
		case "https":
			attrs = append(attrs, attribute.Int("server.port", 443))
		}
	}
	return attrs
}
