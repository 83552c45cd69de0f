// Package security verifies operator API bearer tokens. Tokens are minted
// out of band (ops tooling shares the HMAC secret) and the server only
// validates them, so there is no issue/refresh flow here.
package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token is malformed, expired, or signed
// with the wrong key or algorithm.
var ErrInvalidToken = errors.New("invalid token")

// OperatorClaims holds JWT claims for an operator API token. Subject is the
// operator identifier recorded on audited requests.
type OperatorClaims struct {
	jwt.RegisteredClaims
}

// TokenVerifier validates operator bearer tokens signed with HS256 and a
// shared secret.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier returns a TokenVerifier for the given HMAC secret and
// expected iss claim.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates token and returns the operator subject.
func (v *TokenVerifier) Verify(token string) (string, error) {
	claims := &OperatorClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithIssuer(v.issuer))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// IssueOperatorToken signs an HS256 operator token for subject with the given
// ttl. The server never calls this; it exists for ops tooling and tests.
func IssueOperatorToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
