package ticketsync

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityFromToken reads the identity claims of an access token. The
// signature is not verified here; the server verifies the token when the
// connection authenticates.
func IdentityFromToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parse access token: %w", err)
	}

	id := Identity{
		UserID: stringClaim(claims, "userId"),
		Email:  stringClaim(claims, "email"),
		Role:   stringClaim(claims, "role"),
	}
	if id.UserID == "" {
		id.UserID = stringClaim(claims, "sub")
	}
	if id.UserID == "" {
		return Identity{}, errors.New("access token carries no user id")
	}
	return id, nil
}

func stringClaim(claims jwt.MapClaims, name string) string {
	switch v := claims[name].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
