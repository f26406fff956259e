package retry

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Classifier decides whether a failed attempt should be retried.
// Return true to retry, false to stop immediately.
//
// err is the error returned by the rest of the chain. When it carries an
// HTTP status (see fetch.AsStatusError), resp is the failed response;
// otherwise resp is nil.
//
// Example classifier that retries every 5xx:
//
//	cfg.ShouldRetry = func(resp *fetch.Response, err error) bool {
//	    if resp != nil && resp.StatusCode >= 500 {
//	        return true
//	    }
//	    return retry.DefaultClassifier(resp, err)
//	}
type Classifier func(resp *fetch.Response, err error) bool

// DefaultClassifier applies production-safe retry rules.
//
// Retries on:
//   - Network errors (timeout, connection refused, DNS errors)
//   - 429 Too Many Requests
//   - 502 Bad Gateway
//   - 503 Service Unavailable
//   - 504 Gateway Timeout
//
// Does NOT retry on:
//   - 500 Internal Server Error
//   - other 4xx client errors
//   - context cancellation or deadline
//   - permanent errors (TLS certificate errors, unknown hosts)
func DefaultClassifier(resp *fetch.Response, err error) bool {
	if err == nil {
		return false
	}

	if resp != nil {
		return isRetryableStatusCode(resp.StatusCode)
	}
	if se, ok := fetch.AsStatusError(err); ok {
		return isRetryableStatusCode(se.StatusCode())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if isPermanentError(err) {
		return false
	}

	// Unknown transport errors are assumed transient.
	return true
}

// isRetryableStatusCode returns true for status codes that indicate
// transient failures.
func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// isRetryableNetworkError returns true for network errors that are
// typically transient.
func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return containsPattern(err, transientPatterns)
}

// isPermanentError returns true for errors that will not succeed on retry.
func isPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return true
	}

	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EHOSTDOWN) {
		return true
	}

	return containsPattern(err, permanentPatterns)
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"network is down",
	"network unreachable",
	"i/o timeout",
	"temporary failure",
	"server closed",
	"broken pipe",
	"eof",
}

var permanentPatterns = []string{
	"x509:",
	"certificate",
	"tls:",
	"protocol error",
	"no route to host",
	"permission denied",
}

// containsPattern is a fallback for wrapped errors whose types were lost.
func containsPattern(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// NetworkErrorClassifier retries transient network errors only and never
// retries HTTP status errors.
func NetworkErrorClassifier() Classifier {
	return func(resp *fetch.Response, err error) bool {
		if resp != nil || fetch.IsHTTPError(err) {
			return false
		}
		return isRetryableNetworkError(err) && !isPermanentError(err)
	}
}

// AlwaysRetryClassifier retries every failure except context cancellation.
// Use with caution: this may cause excessive retries.
func AlwaysRetryClassifier() Classifier {
	return func(_ *fetch.Response, err error) bool {
		return err != nil && !errors.Is(err, context.Canceled)
	}
}

// NeverRetryClassifier never retries.
func NeverRetryClassifier() Classifier {
	return func(_ *fetch.Response, _ error) bool {
		return false
	}
}

// StatusCodeClassifier retries the given status codes and transient
// network errors.
//
// Example:
//
//	cfg.ShouldRetry = retry.StatusCodeClassifier(500, 502, 503, 504)
func StatusCodeClassifier(codes ...int) Classifier {
	codeSet := make(map[int]bool, len(codes))
	for _, code := range codes {
		codeSet[code] = true
	}

	return func(resp *fetch.Response, err error) bool {
		if resp != nil {
			return codeSet[resp.StatusCode]
		}
		if se, ok := fetch.AsStatusError(err); ok {
			return codeSet[se.StatusCode()]
		}
		if err != nil && isPermanentError(err) {
			return false
		}
		return err != nil && isRetryableNetworkError(err)
	}
}

// UntilClassifier adapts a stop predicate: attempts are retried until done
// reports true. It mirrors the "retry until" style where done receives the
// failed response (if any) and the error.
//
// Example: stop on anything below 500:
//
//	cfg.ShouldRetry = retry.UntilClassifier(func(resp *fetch.Response, err error) bool {
//	    return resp != nil && resp.StatusCode < 500
//	})
func UntilClassifier(done func(resp *fetch.Response, err error) bool) Classifier {
	return func(resp *fetch.Response, err error) bool {
		return !done(resp, err)
	}
}
