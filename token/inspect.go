package token

import (
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Info is what the client can learn from an access token without verifying it.
// The backend is the only party that validates signatures.
type Info struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Inspect parses rawToken as an unverified JWT. Opaque tokens return ok == false.
func Inspect(rawToken string) (Info, bool) {
	if strings.Count(rawToken, ".") != 2 {
		return Info{}, false
	}
	unverified, _, err := jwtlib.NewParser().ParseUnverified(rawToken, jwtlib.MapClaims{})
	if err != nil {
		return Info{}, false
	}
	claims, ok := unverified.Claims.(jwtlib.MapClaims)
	if !ok {
		return Info{}, false
	}

	var info Info
	info.Subject, _ = claims.GetSubject()
	info.Issuer, _ = claims.GetIssuer()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		info.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}
	return info, true
}

// Expiry returns the token's exp claim, zero when unknown.
func Expiry(rawToken string) time.Time {
	info, _ := Inspect(rawToken)
	return info.ExpiresAt
}

// Expired reports whether the token carries an exp claim that is before now.
// Tokens without a readable expiry are never considered expired here.
func Expired(rawToken string, now time.Time) bool {
	exp := Expiry(rawToken)
	return !exp.IsZero() && now.After(exp)
}
