// Package auth attaches credentials to requests and refreshes expired
// tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kroma-labs/sentinel-fetch/fetch"
)

// Capability is recorded on clients the token plugin was applied to.
const Capability fetch.Capability = "auth"

// ErrNoToken is returned when neither the saved token nor a refresh
// produced a token.
var ErrNoToken = errors.New("auth: no token available")

// TokenSource returns the current token, or "" when there is none.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// Config describes how tokens are obtained and attached.
type Config struct {
	// SavedToken returns the cached token. When it yields "" the token is
	// refreshed before the first attempt.
	SavedToken TokenSource

	// RefreshToken obtains a new token. When set, a 401 response triggers
	// one refresh and one replay of the request.
	RefreshToken TokenSource

	// Format builds the header value from a token.
	// Default: "Bearer " + token
	Format func(token string) string

	// Header is the header carrying the credentials.
	// Default: Authorization
	Header string
}

func (c Config) format(token string) string {
	if c.Format != nil {
		return c.Format(token)
	}
	return "Bearer " + token
}

func (c Config) header() string {
	if c.Header != "" {
		return c.Header
	}
	return "Authorization"
}

// Plugin attaches a token to every request and, when RefreshToken is set,
// refreshes it and replays the request once after a 401. A token that was
// just refreshed because SavedToken had none is not refreshed again: the
// 401 is returned as is.
//
// Example:
//
//	client := fetch.Default().WithPlugin(auth.Plugin(auth.Config{
//	    SavedToken:   store.Token,
//	    RefreshToken: func(ctx context.Context) (string, error) {
//	        tok, err := oauth.Refresh(ctx)
//	        if err == nil {
//	            store.Save(tok)
//	        }
//	        return tok, err
//	    },
//	}))
func Plugin(cfg Config) fetch.Plugin {
	return fetch.Define(fetch.PluginInfo{Name: Capability}, func(c *fetch.Client) *fetch.Client {
		return c.WithMiddleware(Middleware(cfg))
	})
}

// Middleware returns the token middleware. Most callers want Plugin.
func Middleware(cfg Config) fetch.Middleware {
	return func(next fetch.FetchFunc) fetch.FetchFunc {
		return func(ctx context.Context, u *url.URL, opts *fetch.Options) (*fetch.Response, error) {
			token, refreshed, err := initialToken(ctx, cfg)
			if err != nil {
				return nil, err
			}
			opts.Header.Set(cfg.header(), cfg.format(token))

			// A token refreshed for this call is not refreshed again on 401.
			if cfg.RefreshToken == nil || refreshed {
				return next(ctx, u, opts)
			}
			if err := opts.BufferBody(); err != nil {
				return nil, err
			}

			resp, err := next(ctx, u, opts)
			if !isUnauthorized(err) {
				return resp, err
			}

			token, refreshErr := refresh(ctx, cfg)
			if refreshErr != nil {
				return nil, errors.Join(err, refreshErr)
			}
			opts.Header.Set(cfg.header(), cfg.format(token))
			return next(ctx, u, opts)
		}
	}
}

// initialToken returns the token for the first attempt and whether it had
// to be refreshed.
func initialToken(ctx context.Context, cfg Config) (string, bool, error) {
	if cfg.SavedToken != nil {
		token, err := cfg.SavedToken(ctx)
		if err != nil {
			return "", false, fmt.Errorf("auth: saved token: %w", err)
		}
		if token != "" {
			return token, false, nil
		}
	}
	if cfg.RefreshToken == nil {
		return "", false, ErrNoToken
	}
	token, err := refresh(ctx, cfg)
	return token, true, err
}

func refresh(ctx context.Context, cfg Config) (string, error) {
	token, err := cfg.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("auth: refresh token: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

func isUnauthorized(err error) bool {
	se, ok := fetch.AsStatusError(err)
	return ok && se.StatusCode() == http.StatusUnauthorized
}
