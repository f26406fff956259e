package tracing

import (
	"net/url"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// scope is the instrumentation scope name for OpenTelemetry.
const scope = "github.com/kroma-labs/sentinel-fetch/fetch/plugin/tracing"

// Filter determines whether a request should be traced.
// All filters must return true for a request to be traced.
//
// Example - skip health checks:
//
//	func(u *url.URL, _ *fetch.Options) bool {
//	    return !strings.HasPrefix(u.Path, "/health")
//	}
type Filter func(u *url.URL, opts *fetch.Options) bool

// SpanNameFormatter formats span names. The default produces
// "HTTP {method}".
type SpanNameFormatter func(method string, u *url.URL) string

// Option configures the tracing plugin.
type Option func(*config)

type config struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	propagator     propagation.TextMapPropagator

	serviceName  string
	networkTrace bool
	filters      []Filter
	spanName     SpanNameFormatter

	tracer  trace.Tracer
	metrics *metrics
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
		networkTrace: true,
		spanName: func(method string, _ *url.URL) string {
			return "HTTP " + method
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	cfg.tracer = cfg.tracerProvider.Tracer(scope)
	// Instruments stay nil when the meter rejects them; recording is nil-safe.
	cfg.metrics, _ = newMetrics(cfg.meterProvider.Meter(scope))
	return cfg
}

// baseAttributes returns attributes shared by every span and metric.
func (cfg *config) baseAttributes() []attribute.KeyValue {
	if cfg.serviceName == "" {
		return nil
	}
	return []attribute.KeyValue{attribute.String("http.client.name", cfg.serviceName)}
}

func (cfg *config) traced(u *url.URL, opts *fetch.Options) bool {
	for _, f := range cfg.filters {
		if !f(u, opts) {
			return false
		}
	}
	return true
}

// WithServiceName sets the "http.client.name" attribute on every span
// and metric, identifying this client in your observability tools.
//
// Example:
//
//	client := fetch.Default().WithPlugin(tracing.Plugin(
//	    tracing.WithServiceName("order-service"),
//	))
func WithServiceName(name string) Option {
	return func(cfg *config) {
		cfg.serviceName = name
	}
}

// WithTracerProvider sets a custom TracerProvider. If not called, the
// global provider from otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(cfg *config) {
		cfg.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom MeterProvider. If not called, the
// global provider from otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(cfg *config) {
		cfg.meterProvider = mp
	}
}

// WithPropagator replaces the W3C trace context and baggage propagator.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(cfg *config) {
		cfg.propagator = p
	}
}

// WithNetworkTrace toggles httptrace span events and timing metrics for
// DNS, connect, TLS and first byte. Default: true
func WithNetworkTrace(enabled bool) Option {
	return func(cfg *config) {
		cfg.networkTrace = enabled
	}
}

// WithFilter adds a filter; requests any filter rejects are not traced.
func WithFilter(f Filter) Option {
	return func(cfg *config) {
		cfg.filters = append(cfg.filters, f)
	}
}

// WithSpanNameFormatter sets a custom span name formatter.
//
// Example:
//
//	tracing.WithSpanNameFormatter(func(method string, u *url.URL) string {
//	    return method + " " + u.Path
//	})
func WithSpanNameFormatter(f SpanNameFormatter) Option {
	return func(cfg *config) {
		cfg.spanName = f
	}
}
