package auth

import (
	"errors"
	"strings"
)

var ErrMissingToken = errors.New("missing authorization")

// Validator resolves a raw token to its claims.
type Validator interface {
	Validate(token string) (*Claims, error)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrInvalidToken
	}
	return parts[1], nil
}
