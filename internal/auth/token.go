// ABOUTME: HS256 bearer tokens for agents and operators calling the hub
// ABOUTME: The subject names the caller; tokens without exp never expire

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// MinSecretLength is the shortest HS256 secret the hub accepts.
const MinSecretLength = 32

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier resolves a bearer token to the caller it was issued for.
type TokenVerifier interface {
	Verify(tokenString string) (subject string, err error)
}

// JWTVerifier checks and issues tokens signed with one shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	v := &JWTVerifier{secret: secret, now: time.Now}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return v.now() }),
	)
	return v, nil
}

// Verify returns the token's sub claim. Expired tokens yield ErrExpiredToken;
// any other rejection wraps ErrInvalidToken.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims.Subject, nil
}

// Generate signs a token for subject. A zero expiresIn leaves out the exp
// claim; each token gets a fresh jti so issued tokens can be told apart in logs.
func (v *JWTVerifier) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		ID:       uuid.NewString(),
		IssuedAt: jwt.NewNumericDate(now),
	}
	if expiresIn != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiresIn))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
