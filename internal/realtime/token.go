// internal/realtime/token.go
package realtime

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/markb/sbrealtime/internal/log"
)

// tokenExpiry reads the exp claim of a JWT without verifying it. The server
// does the verification; the client only wants to warn early.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

func warnIfExpired(token string, now time.Time) {
	if token == "" {
		return
	}
	exp, ok := tokenExpiry(token)
	if !ok {
		log.Debug("realtime: access token has no readable expiry")
		return
	}
	if !exp.After(now) {
		log.Warn("realtime: access token is expired", "expired_at", exp)
	}
}
