package crypto

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "mk"

// SignOperatorToken mints a short-lived HS256 token whose subject is the operator.
func SignOperatorToken(key []byte, operator string, ttl time.Duration) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", errors.New("empty operator")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   operator,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// ParseOperatorToken verifies tok and returns the operator name.
func ParseOperatorToken(key []byte, tok string, leeway time.Duration) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithLeeway(leeway), jwt.WithExpirationRequired(), jwt.WithIssuer(issuer))
	if err != nil || !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("bad subject")
	}
	return claims.Subject, nil
}
