package session

import (
	"context"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// DefaultTokenRefreshMargin is how long before expiry the about-to-expire
// signal fires.
const DefaultTokenRefreshMargin = 3 * time.Minute

// TokenSupplier returns a fresh access token.
type TokenSupplier func(ctx context.Context) (string, error)

// tokenExpiry reads the exp claim of a JWT without verifying it. Tokens that
// are not JWTs, or carry no exp, report false.
func tokenExpiry(token string) (time.Time, bool) {
	if token == "" {
		return time.Time{}, false
	}
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// refreshDelay returns how long to wait before signalling that token is
// about to expire.
func refreshDelay(token string, margin time.Duration, now time.Time) (time.Duration, bool) {
	exp, ok := tokenExpiry(token)
	if !ok {
		return 0, false
	}
	d := exp.Sub(now) - margin
	if d < 0 {
		d = 0
	}
	return d, true
}
