// Package prommetrics exports request metrics to Prometheus.
//
// Metrics (prefixed with the namespace, "fetch" by default):
//
//	fetch_requests_total{method,host,code}
//	fetch_request_duration_seconds{method,host,code}
//	fetch_requests_in_flight{method,host}
//
// code is "0" for requests that failed without a response.
package prommetrics

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the metrics plugin was applied to.
const Capability fetch.Capability = "prommetrics"

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "fetch"

// Option configures the metrics plugin.
type Option func(*options)

type options struct {
	namespace   string
	buckets     []float64
	constLabels prometheus.Labels
}

// WithNamespace replaces the metric name prefix.
func WithNamespace(ns string) Option {
	return func(o *options) {
		o.namespace = ns
	}
}

// WithBuckets sets the duration histogram buckets.
// Default: prometheus.DefBuckets
func WithBuckets(buckets ...float64) Option {
	return func(o *options) {
		o.buckets = buckets
	}
}

// WithConstLabels adds labels with fixed values to every metric, e.g. the
// name of the upstream service.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(o *options) {
		o.constLabels = labels
	}
}

// Collector holds the Prometheus instruments of a client.
type Collector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec
}

// NewCollector creates the instruments and registers them with reg.
// Instruments already registered under the same names are reused, so
// several clients may share one registry. A nil reg means
// prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer, opts ...Option) (*Collector, error) {
	o := &options{namespace: DefaultNamespace, buckets: prometheus.DefBuckets}
	for _, opt := range opts {
		opt(o)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   o.namespace,
			Name:        "requests_total",
			Help:        "Total number of HTTP requests sent.",
			ConstLabels: o.constLabels,
		}, []string{"method", "host", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.namespace,
			Name:        "request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			Buckets:     o.buckets,
			ConstLabels: o.constLabels,
		}, []string{"method", "host", "code"}),
		requestsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   o.namespace,
			Name:        "requests_in_flight",
			Help:        "Number of HTTP requests currently in flight.",
			ConstLabels: o.constLabels,
		}, []string{"method", "host"}),
	}

	var err error
	if c.requestsTotal, err = register(reg, c.requestsTotal); err != nil {
		return nil, err
	}
	if c.requestDuration, err = register(reg, c.requestDuration); err != nil {
		return nil, err
	}
	if c.requestsInFlight, err = register(reg, c.requestsInFlight); err != nil {
		return nil, err
	}
	return c, nil
}

// register registers c, returning the existing collector when an equal
// one is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Plugin records metrics for every request of the client. It panics when
// the instruments conflict with differently shaped collectors in reg.
//
// Example:
//
//	client := fetch.Default().WithPlugin(prommetrics.Plugin(prometheus.DefaultRegisterer))
func Plugin(reg prometheus.Registerer, opts ...Option) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		collector, err := NewCollector(reg, opts...)
		if err != nil {
			panic(err)
		}
		return c.WithMiddleware(collector.Middleware())
	})
}

// Middleware records the request into the collector instruments.
func (c *Collector) Middleware() fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			method := opts.Method
			if method == "" {
				method = http.MethodGet
			}
			host := u.Host

			inFlight := c.requestsInFlight.WithLabelValues(method, host)
			inFlight.Inc()
			defer inFlight.Dec()

			start := time.Now()
			resp, err := next(ctx, u, opts)

			code := "0"
			if se, ok := fetch.AsStatusError(err); ok {
				code = strconv.Itoa(se.StatusCode())
			} else if err == nil && resp != nil && resp.Response != nil {
				code = strconv.Itoa(resp.StatusCode)
			}

			c.requestsTotal.WithLabelValues(method, host, code).Inc()
			c.requestDuration.WithLabelValues(method, host, code).Observe(time.Since(start).Seconds())
			return resp, err
		}
	}
}

// Handler returns an http.Handler serving the metrics of g in the
// Prometheus text format.
//
// Example:
//
//	mux.Handle("/metrics", prommetrics.Handler(prometheus.DefaultGatherer))
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
