package credentials

import (
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// IsExpiredJWT inspects the expiry claim of a bearer token attached to an
// HTTP-stream upstream request, without verifying its signature — we are
// not the token's issuer, only its non-interactive carrier. A token that
// does not parse as a JWT (an opaque API key, say) is reported as not
// expired, together with the parse error: only tokens with a readable "exp"
// claim are ever judged expired.
func IsExpiredJWT(token string) (bool, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimSpace(token)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return false, err
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return false, err
	}
	if exp == nil {
		return false, nil
	}
	return time.Now().After(exp.Time), nil
}
