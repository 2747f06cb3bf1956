package chatsync

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoUserID is returned when a token carries no usable user id claim.
var ErrNoUserID = errors.New("chatsync: token has no user id")

// UserIDFromToken reads the current user's id from a bearer JWT. The
// signature is not checked; the server verifies the credential on every
// request and this is only used to tell own messages from the peer's.
func UserIDFromToken(token string) (ID, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"user_id", "sub"} {
		switch v := claims[key].(type) {
		case string:
			if v != "" {
				return ID(v), nil
			}
		case float64:
			return ID(fmt.Sprintf("%.0f", v)), nil
		}
	}
	return "", ErrNoUserID
}

// TokenExpiry returns the token's exp claim, or the zero time if it has none.
func TokenExpiry(token string) (time.Time, error) {
	claims, err := parseClaims(token)
	if err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, err
	}
	return exp.Time, nil
}

func parseClaims(token string) (jwt.MapClaims, error) {
	if token == "" {
		return nil, ErrNoUserID
	}
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("parse token: unexpected claims type %T", parsed.Claims)
	}
	return claims, nil
}
