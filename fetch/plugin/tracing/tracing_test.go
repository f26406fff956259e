package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

type testEnv struct {
	exporter *tracetest.InMemoryExporter
	tp       *sdktrace.TracerProvider
	reader   *sdkmetric.ManualReader
	mp       *sdkmetric.MeterProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_ = mp.Shutdown(context.Background())
	})
	return &testEnv{exporter: exporter, tp: tp, reader: reader, mp: mp}
}

func (e *testEnv) plugin(opts ...Option) fetch.Plugin {
	return Plugin(append([]Option{WithTracerProvider(e.tp), WithMeterProvider(e.mp)}, opts...)...)
}

func (e *testEnv) collect(t *testing.T) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, e.reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestPlugin_Spans(t *testing.T) {
	type args struct {
		method      string
		body        string
		serviceName string
	}

	tests := []struct {
		name         string
		args         args
		serverStatus int
		wantSpanName string
		wantStatus   codes.Code
		wantErr      bool
	}{
		{
			name:         "given successful GET request, then creates span",
			args:         args{method: http.MethodGet, serviceName: "test-service"},
			serverStatus: http.StatusOK,
			wantSpanName: "HTTP GET",
			wantStatus:   codes.Unset,
		},
		{
			name:         "given POST with body, then records body size",
			args:         args{method: http.MethodPost, body: "test body content"},
			serverStatus: http.StatusCreated,
			wantSpanName: "HTTP POST",
			wantStatus:   codes.Unset,
		},
		{
			name:         "given server error, then span has error status",
			args:         args{method: http.MethodGet},
			serverStatus: http.StatusInternalServerError,
			wantSpanName: "HTTP GET",
			wantStatus:   codes.Error,
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.serverStatus)
			}))
			defer server.Close()

			env := newTestEnv(t)
			client := fetch.Default().
				WithBaseURL(server.URL).
				WithPlugin(env.plugin(WithServiceName(tt.args.serviceName)))

			var opts []fetch.RequestOption
			if tt.args.body != "" {
				opts = append(opts, fetch.WithBody(tt.args.body))
			}
			_, err := client.Fetch("/test", append(opts, fetch.WithMethod(tt.args.method))...).
				Run(context.Background())
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			spans := env.exporter.GetSpans().Snapshots()
			require.Len(t, spans, 1)
			span := spans[0]
			assert.Equal(t, tt.wantSpanName, span.Name())
			assert.Equal(t, trace.SpanKindClient, span.SpanKind())
			assert.Equal(t, tt.wantStatus, span.Status().Code)

			status, ok := spanAttr(span, "http.response.status_code")
			require.True(t, ok)
			assert.Equal(t, int64(tt.serverStatus), status.AsInt64())

			if tt.args.serviceName != "" {
				name, ok := spanAttr(span, "http.client.name")
				require.True(t, ok)
				assert.Equal(t, tt.args.serviceName, name.AsString())
			}
			if tt.args.body != "" {
				size, ok := spanAttr(span, "http.request.body.size")
				require.True(t, ok)
				assert.Equal(t, int64(len(tt.args.body)), size.AsInt64())
			}
		})
	}
}

func TestPlugin_TracePropagation(t *testing.T) {
	var received http.Header
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
	}))
	defer server.Close()

	env := newTestEnv(t)
	client := fetch.Default().WithBaseURL(server.URL).WithPlugin(env.plugin())

	ctx, parent := env.tp.Tracer("test").Start(context.Background(), "parent")
	_, err := client.Get("/test").Run(ctx)
	parent.End()
	require.NoError(t, err)

	traceparent := received.Get("traceparent")
	require.NotEmpty(t, traceparent)
	assert.True(t, strings.Contains(traceparent, parent.SpanContext().TraceID().String()))

	spans := env.exporter.GetSpans().Snapshots()
	require.Len(t, spans, 2)
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID(),
		"request span is a child of the caller span")
}

func TestPlugin_TransportError(t *testing.T) {
	env := newTestEnv(t)
	mock := fetch.NewMockTransport().StubError(syscall.ECONNREFUSED)
	client := fetch.Default().
		WithBaseURL("http://api.example.com").
		WithHTTPClient(&http.Client{Transport: mock}).
		WithPlugin(env.plugin(WithNetworkTrace(false)))

	_, err := client.Get("/test").Run(context.Background())
	require.ErrorIs(t, err, syscall.ECONNREFUSED)

	spans := env.exporter.GetSpans().Snapshots()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	errorType, ok := spanAttr(spans[0], "error.type")
	require.True(t, ok)
	assert.Equal(t, ErrorTypeConnectionRefused, errorType.AsString())

	m, ok := findMetric(env.collect(t), "http.client.request.error")
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestPlugin_FilterAndSpanName(t *testing.T) {
	env := newTestEnv(t)
	mock := fetch.NewMockTransport().StubResponse(http.StatusOK, "")
	client := fetch.Default().
		WithBaseURL("https://api.example.com").
		WithHTTPClient(&http.Client{Transport: mock}).
		WithPlugin(env.plugin(
			WithFilter(func(u *url.URL, _ *fetch.Options) bool {
				return !strings.HasPrefix(u.Path, "/health")
			}),
			WithSpanNameFormatter(func(method string, u *url.URL) string {
				return method + " " + u.Path
			}),
		))

	for _, path := range []string{"/health", "/orders"} {
		_, err := client.Get(path).Run(context.Background())
		require.NoError(t, err)
	}

	spans := env.exporter.GetSpans().Snapshots()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /orders", spans[0].Name())

	port, ok := spanAttr(spans[0], "server.port")
	require.True(t, ok)
	assert.Equal(t, int64(443), port.AsInt64())
}

func TestPlugin_Metrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer server.Close()

	env := newTestEnv(t)
	client := fetch.Default().WithBaseURL(server.URL).WithPlugin(env.plugin())

	for range 2 {
		_, err := client.Get("/test").Run(context.Background())
		require.NoError(t, err)
	}

	rm := env.collect(t)

	duration, ok := findMetric(rm, "http.client.request.duration")
	require.True(t, ok)
	hist, ok := duration.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	active, ok := findMetric(rm, "http.client.active_requests")
	require.True(t, ok)
	gauge, ok := active.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(0), gauge.DataPoints[0].Value, "every request finished")

	_, ok = findMetric(rm, "http.client.connections.opened")
	assert.True(t, ok, "network trace records new connections")
}

func TestPlugin_Capability(t *testing.T) {
	client := fetch.Default().WithPlugin(Plugin())
	assert.True(t, client.Has(Capability))
}
