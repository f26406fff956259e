package tracing

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error type classifications for the error.type attribute.
const (
	ErrorTypeTimeout           = "timeout"
	ErrorTypeConnectionRefused = "connection_refused"
	ErrorTypeDNSError          = "dns_error"
	ErrorTypeTLSError          = "tls_error"
	ErrorTypeCancelled         = "cancelled"
	ErrorTypeConnectionReset   = "connection_reset"
	ErrorTypeEOF               = "eof"
	ErrorTypeUnknown           = "unknown"
)

// networkTrace collects timings from httptrace.ClientTrace. Hedged and
// retried attempts share one trace, so every field is guarded by mu and
// the latest attempt wins.
type networkTrace struct {
	mu sync.Mutex

	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	gotConn                   time.Time
	wroteRequest              time.Time
	firstByte                 time.Time

	connReused bool
	connIdle   bool
	connRemote string
	protocol   string
	dnsAddrs   []string
}

// clientTrace returns hooks that populate nt.
func (nt *networkTrace) clientTrace() *httptrace.ClientTrace {
	stamp := func(field *time.Time) {
		nt.mu.Lock()
		*field = time.Now()
		nt.mu.Unlock()
	}

	return &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.gotConn = time.Now()
			nt.connReused = info.Reused
			nt.connIdle = info.WasIdle
			if info.Conn != nil && info.Conn.RemoteAddr() != nil {
				nt.connRemote = info.Conn.RemoteAddr().String()
			}
		},
		DNSStart: func(httptrace.DNSStartInfo) { stamp(&nt.dnsStart) },
		DNSDone: func(info httptrace.DNSDoneInfo) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.dnsDone = time.Now()
			nt.dnsAddrs = nt.dnsAddrs[:0]
			for _, addr := range info.Addrs {
				nt.dnsAddrs = append(nt.dnsAddrs, addr.String())
			}
		},
		ConnectStart:      func(_, _ string) { stamp(&nt.connectStart) },
		ConnectDone:       func(_, _ string, _ error) { stamp(&nt.connectDone) },
		TLSHandshakeStart: func() { stamp(&nt.tlsStart) },
		TLSHandshakeDone: func(state tls.ConnectionState, _ error) {
			nt.mu.Lock()
			defer nt.mu.Unlock()
			nt.tlsDone = time.Now()
			nt.protocol = state.NegotiatedProtocol
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { stamp(&nt.wroteRequest) },
		GotFirstResponseByte: func() { stamp(&nt.firstByte) },
	}
}

func phase(start, done time.Time) (time.Duration, bool) {
	if start.IsZero() || done.IsZero() {
		return 0, false
	}
	return done.Sub(start), true
}

// addEvents adds span events for every completed network phase.
func (nt *networkTrace) addEvents(span trace.Span) {
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if d, ok := phase(nt.dnsStart, nt.dnsDone); ok {
		span.AddEvent("dns.start", trace.WithTimestamp(nt.dnsStart))
		span.AddEvent("dns.done", trace.WithTimestamp(nt.dnsDone), trace.WithAttributes(
			attribute.Float64("dns.duration_ms", float64(d.Milliseconds())),
			attribute.StringSlice("dns.addresses", nt.dnsAddrs),
		))
	}

	if d, ok := phase(nt.connectStart, nt.connectDone); ok {
		span.AddEvent("connect.start", trace.WithTimestamp(nt.connectStart))
		span.AddEvent("connect.done", trace.WithTimestamp(nt.connectDone), trace.WithAttributes(
			attribute.Float64("connect.duration_ms", float64(d.Milliseconds())),
		))
	}

	if d, ok := phase(nt.tlsStart, nt.tlsDone); ok {
		span.AddEvent("tls.start", trace.WithTimestamp(nt.tlsStart))
		span.AddEvent("tls.done", trace.WithTimestamp(nt.tlsDone), trace.WithAttributes(
			attribute.Float64("tls.duration_ms", float64(d.Milliseconds())),
			attribute.String("tls.protocol", nt.protocol),
		))
	}

	if !nt.gotConn.IsZero() {
		span.AddEvent("got_conn", trace.WithTimestamp(nt.gotConn), trace.WithAttributes(
			attribute.Bool("connection.reused", nt.connReused),
			attribute.Bool("connection.was_idle", nt.connIdle),
			attribute.String("network.peer.address", nt.connRemote),
		))
	}

	if !nt.wroteRequest.IsZero() {
		span.AddEvent("wrote_request", trace.WithTimestamp(nt.wroteRequest))
	}

	if !nt.firstByte.IsZero() {
		ttfb, _ := phase(nt.wroteRequest, nt.firstByte)
		span.AddEvent("got_first_response_byte", trace.WithTimestamp(nt.firstByte), trace.WithAttributes(
			attribute.Float64("ttfb_ms", float64(ttfb.Milliseconds())),
		))
	}
}

// recordMetrics records the network timing metrics.
func (nt *networkTrace) recordMetrics(ctx context.Context, m *metrics, attrs []attribute.KeyValue) {
	if m == nil {
		return
	}
	nt.mu.Lock()
	defer nt.mu.Unlock()

	if !nt.connReused && !nt.connectStart.IsZero() {
		m.recordConnectionOpened(ctx, attrs)
	}
	if d, ok := phase(nt.dnsStart, nt.dnsDone); ok {
		recordSeconds(ctx, m.dnsDuration, d, attrs)
	}
	if d, ok := phase(nt.connectStart, nt.connectDone); ok {
		recordSeconds(ctx, m.connectionDuration, d, attrs)
	}
	if d, ok := phase(nt.tlsStart, nt.tlsDone); ok {
		recordSeconds(ctx, m.tlsDuration, d, attrs)
	}
	if d, ok := phase(nt.wroteRequest, nt.firstByte); ok {
		recordSeconds(ctx, m.ttfb, d, attrs)
	}
}

// classifyError returns the error.type classification of err.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return ErrorTypeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}

	var (
		dnsErr  *net.DNSError
		tlsErr  *tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
	)
	switch {
	case errors.As(err, &dnsErr):
		return ErrorTypeDNSError
	case errors.As(err, &tlsErr), errors.As(err, &certErr):
		return ErrorTypeTLSError
	case errors.Is(err, syscall.ECONNREFUSED):
		return ErrorTypeConnectionRefused
	case errors.Is(err, syscall.ECONNRESET):
		return ErrorTypeConnectionReset
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return ErrorTypeEOF
	}

	// Fallback for errors that lost their type while being wrapped.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "connection refused"):
		return ErrorTypeConnectionRefused
	case strings.Contains(msg, "connection reset"):
		return ErrorTypeConnectionReset
	case strings.Contains(msg, "no such host"):
		return ErrorTypeDNSError
	case strings.Contains(msg, "tls"), strings.Contains(msg, "certificate"), strings.Contains(msg, "x509"):
		return ErrorTypeTLSError
	case strings.Contains(msg, "eof"):
		return ErrorTypeEOF
	}
	return ErrorTypeUnknown
}

// errorTypeFromStatusCode returns the status code itself for 4xx and 5xx,
// as OTel semantic conventions prescribe.
func errorTypeFromStatusCode(statusCode int) string {
	if statusCode >= 400 {
		return strconv.Itoa(statusCode)
	}
	return ""
}

// setSpanError records err on span with error status and error.type.
func setSpanError(span trace.Span, err error, errorType string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errorType != "" {
		span.SetAttributes(attribute.String("error.type", errorType))
	}
}
