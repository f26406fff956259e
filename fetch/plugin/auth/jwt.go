package auth

import (
	"context"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Expiry returns the exp claim of a JWT. The signature is not verified:
// the token is only inspected to decide when to refresh it.
func Expiry(token string) (time.Time, bool) {
	claims := &gojwt.RegisteredClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// UnlessExpired wraps a saved token source so that a JWT expiring within
// leeway reads as missing, which makes Plugin refresh it before sending.
// Tokens that are not JWTs, or carry no exp claim, pass through.
//
// Example:
//
//	auth.Plugin(auth.Config{
//	    SavedToken:   auth.UnlessExpired(store.Token, 30*time.Second),
//	    RefreshToken: refresh,
//	})
func UnlessExpired(source TokenSource, leeway time.Duration) TokenSource {
	return func(ctx context.Context) (string, error) {
		token, err := source(ctx)
		if err != nil || token == "" {
			return token, err
		}
		if exp, ok := Expiry(token); ok && time.Until(exp) <= leeway {
			return "", nil
		}
		return token, nil
	}
}
