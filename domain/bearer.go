package domain

import "strings"

var (
	ErrNoToken  = NewAuthError(AuthMissing, "Not authorized, no token provided", nil)
	ErrBadToken = NewAuthError(AuthMalformed, "Not authorized, invalid token", nil)
)

const bearerPrefix = "Bearer "

// BearerToken returns the compact JWT from an Authorization value of the form
// "Bearer <token>". An empty value is AuthMissing; anything else that does not
// parse is AuthMalformed.
func BearerToken(raw string) (string, error) {
	raw = strings.Trim(raw, " ")
	if raw == "" {
		return "", ErrNoToken
	}
	if len(raw) <= len(bearerPrefix) || !strings.EqualFold(raw[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrBadToken
	}
	token := strings.TrimLeft(raw[len(bearerPrefix):], " ")
	if strings.Count(token, ".") != 2 {
		return "", ErrBadToken
	}
	return token, nil
}
