package testutil

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenOptions tunes the claims of a test token.
type TokenOptions struct {
	TTL      time.Duration
	Audience string
	Issuer   string
}

// TestToken returns an HS256 token for userID signed with TEST_JWT_SECRET,
// which the realtime service accepts when AUTH0_TEST_MODE=1.
func TestToken(userID string) (string, error) {
	secret := os.Getenv("TEST_JWT_SECRET")
	if secret == "" {
		return "", errors.New("TEST_JWT_SECRET must be set")
	}
	return SignToken([]byte(secret), userID, TokenOptions{})
}

// SignToken issues an HS256 token for userID. TTL defaults to one hour.
func SignToken(secret []byte, userID string, opts TokenOptions) (string, error) {
	if userID == "" {
		return "", errors.New("user id must not be empty")
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
