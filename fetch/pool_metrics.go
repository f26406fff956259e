package fetch

import (
	"net/http"
	"time"
)

// PoolStats is a snapshot of the connection pool configuration behind a
// client. It is useful when verifying that a TransportConfig preset took
// effect.
//
// Example:
//
//	stats := client.PoolStats()
//	logger.Info().
//	    Int("max_idle_per_host", stats.MaxIdleConnsPerHost).
//	    Dur("idle_timeout", stats.IdleConnTimeout).
//	    Msg("http pool")
type PoolStats struct {
	// MaxIdleConns is the maximum idle connections across all hosts.
	MaxIdleConns int

	// MaxIdleConnsPerHost is the maximum idle connections per host.
	// Zero means Go's default (currently 2).
	MaxIdleConnsPerHost int

	// MaxConnsPerHost is the maximum total connections per host.
	// Zero means unlimited.
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept before closing.
	IdleConnTimeout time.Duration

	// DisableKeepAlives indicates if HTTP keep-alives are disabled.
	DisableKeepAlives bool
}

// PoolStats returns the pool configuration of the underlying *http.Transport.
//
// Returns empty PoolStats when the client sends through something other than
// an *http.Client, or when the transport chain does not end in an
// *http.Transport.
func (c *Client) PoolStats() PoolStats {
	httpClient, ok := c.doer.(*http.Client)
	if !ok || httpClient == nil {
		return PoolStats{}
	}

	transport := UnwrapTransport(httpClient.Transport)
	if transport == nil {
		return PoolStats{}
	}

	return PoolStats{
		MaxIdleConns:        transport.MaxIdleConns,
		MaxIdleConnsPerHost: transport.MaxIdleConnsPerHost,
		MaxConnsPerHost:     transport.MaxConnsPerHost,
		IdleConnTimeout:     transport.IdleConnTimeout,
		DisableKeepAlives:   transport.DisableKeepAlives,
	}
}

// UnwrapTransport follows Unwrap() http.RoundTripper links until it reaches
// an *http.Transport. A nil transport resolves to http.DefaultTransport.
func UnwrapTransport(rt http.RoundTripper) *http.Transport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	for {
		switch t := rt.(type) {
		case *http.Transport:
			return t
		case interface{ Unwrap() http.RoundTripper }:
			rt = t.Unwrap()
		default:
			return nil
		}
	}
}
