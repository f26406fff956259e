package fetch

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"
)

// TransportConfig holds the net/http transport settings used to build the
// client's *http.Client. Use DefaultTransportConfig() to get a properly
// initialized configuration, then modify specific fields as needed.
//
// Example:
//
//	cfg := fetch.DefaultTransportConfig()
//	cfg.Timeout = 5 * time.Second
//	cfg.MaxIdleConnsPerHost = 25
//
//	client := fetch.Default().WithTransportConfig(cfg)
type TransportConfig struct {
	// Timeout specifies a time limit for the entire exchange, including
	// reading the response body. Zero means no timeout.
	//
	// Per-request deadlines belong to the timeout plugin; this is the
	// outer safety net.
	//
	// Default: 15s
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle (keep-alive)
	// connections across all hosts.
	//
	// Default: 100
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections kept per host.
	// This is often the most important setting when calling a single API.
	//
	// Default: 20
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total number of connections (idle + active)
	// per host. Zero means unlimited.
	//
	// Default: 100
	MaxConnsPerHost int

	// IdleConnTimeout is how long an idle connection remains in the pool.
	//
	// Default: 90s
	IdleConnTimeout time.Duration

	// TLSHandshakeTimeout is the maximum time to wait for a TLS handshake.
	//
	// Default: 10s
	TLSHandshakeTimeout time.Duration

	// ExpectContinueTimeout is how long to wait for "100 Continue".
	//
	// Default: 1s
	ExpectContinueTimeout time.Duration

	// ResponseHeaderTimeout is the time to wait for response headers after
	// the request is written. Zero means no separate limit.
	//
	// Default: 0
	ResponseHeaderTimeout time.Duration

	// DialTimeout is the maximum time to establish a TCP connection.
	//
	// Default: 5s
	DialTimeout time.Duration

	// KeepAlive specifies the TCP keep-alive probe interval.
	//
	// Default: 30s
	KeepAlive time.Duration

	// FallbackDelay is the RFC 6555 "Happy Eyeballs" delay.
	// Negative disables it.
	//
	// Default: 300ms
	FallbackDelay time.Duration

	// WriteBufferSize and ReadBufferSize size the per-connection buffers.
	//
	// Default: 64KB
	WriteBufferSize int
	ReadBufferSize  int

	// MaxResponseHeaderBytes limits the size of response headers.
	//
	// Default: 0 (http.DefaultMaxHeaderBytes)
	MaxResponseHeaderBytes int64

	// DisableKeepAlives forces a new connection for each request.
	DisableKeepAlives bool

	// DisableCompression disables transparent gzip.
	//
	// Default: true
	DisableCompression bool

	// ForceHTTP2 forces an HTTP/2 attempt when a custom dialer or TLS
	// config is set.
	ForceHTTP2 bool

	// TLSConfig customizes TLS (client certificates, root CAs).
	TLSConfig *tls.Config

	// ProxyURL routes every request through the given proxy.
	ProxyURL *url.URL

	// ProxyFromEnvironment uses HTTP_PROXY/HTTPS_PROXY/NO_PROXY when ProxyURL
	// is not set.
	ProxyFromEnvironment bool
}

// DefaultTransportConfig returns a balanced configuration suitable for most
// API clients.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout: 15 * time.Second,

		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		DialTimeout:   5 * time.Second,
		KeepAlive:     30 * time.Second,
		FallbackDelay: 300 * time.Millisecond,

		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,

		DisableCompression:   true,
		ProxyFromEnvironment: true,
	}
}

// HighThroughputConfig returns a configuration for many concurrent requests
// to the same hosts: larger pools, larger buffers, unlimited connections
// per host.
func HighThroughputConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.Timeout = 30 * time.Second
	cfg.MaxIdleConns = 500
	cfg.MaxIdleConnsPerHost = 100
	cfg.MaxConnsPerHost = 0
	cfg.IdleConnTimeout = 120 * time.Second
	cfg.WriteBufferSize = 128 * 1024
	cfg.ReadBufferSize = 128 * 1024
	return cfg
}

// LowLatencyConfig returns a configuration that fails fast: short timeouts,
// quick dial and HTTP/2.
func LowLatencyConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.Timeout = 5 * time.Second
	cfg.MaxIdleConns = 50
	cfg.MaxIdleConnsPerHost = 25
	cfg.MaxConnsPerHost = 50
	cfg.IdleConnTimeout = 60 * time.Second
	cfg.TLSHandshakeTimeout = 5 * time.Second
	cfg.ExpectContinueTimeout = 500 * time.Millisecond
	cfg.ResponseHeaderTimeout = 3 * time.Second
	cfg.DialTimeout = 2 * time.Second
	cfg.KeepAlive = 15 * time.Second
	cfg.FallbackDelay = 150 * time.Millisecond
	cfg.WriteBufferSize = 32 * 1024
	cfg.ReadBufferSize = 32 * 1024
	cfg.ForceHTTP2 = true
	return cfg
}

// ConservativeConfig returns a resource-conscious configuration for
// constrained environments or processes holding many clients.
func ConservativeConfig() TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.Timeout = 10 * time.Second
	cfg.MaxIdleConns = 20
	cfg.MaxIdleConnsPerHost = 5
	cfg.MaxConnsPerHost = 20
	cfg.IdleConnTimeout = 30 * time.Second
	cfg.WriteBufferSize = 4 * 1024
	cfg.ReadBufferSize = 4 * 1024
	return cfg
}

// NewHTTPClient builds an *http.Client from cfg.
func NewHTTPClient(cfg TransportConfig) *http.Client {
	return &http.Client{
		Transport: buildTransport(cfg),
		Timeout:   cfg.Timeout,
	}
}

// buildTransport creates an http.Transport from the configuration.
func buildTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:       cfg.DialTimeout,
		KeepAlive:     cfg.KeepAlive,
		FallbackDelay: cfg.FallbackDelay,
	}

	transport := &http.Transport{
		DialContext:            dialer.DialContext,
		MaxIdleConns:           cfg.MaxIdleConns,
		MaxIdleConnsPerHost:    cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:        cfg.MaxConnsPerHost,
		IdleConnTimeout:        cfg.IdleConnTimeout,
		TLSHandshakeTimeout:    cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout:  cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout:  cfg.ExpectContinueTimeout,
		DisableKeepAlives:      cfg.DisableKeepAlives,
		DisableCompression:     cfg.DisableCompression,
		WriteBufferSize:        cfg.WriteBufferSize,
		ReadBufferSize:         cfg.ReadBufferSize,
		MaxResponseHeaderBytes: cfg.MaxResponseHeaderBytes,
		TLSClientConfig:        cfg.TLSConfig,
		ForceAttemptHTTP2:      cfg.ForceHTTP2,
	}

	if cfg.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(cfg.ProxyURL)
	} else if cfg.ProxyFromEnvironment {
		transport.Proxy = http.ProxyFromEnvironment
	}

	return transport
}
