// Package identity is the boundary to the external login flow. It turns the
// raw token produced by an identity provider into a Credential and keeps the
// current credential in a Store between process runs.
package identity

import (
	"errors"
	"fmt"
	"time"

	"blockverse/internal/models"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoCredential is returned when no credential has been established.
	ErrNoCredential = errors.New("identity: no credential")
	// ErrCredentialExpired is returned when the stored credential is past its expiry.
	ErrCredentialExpired = errors.New("identity: credential expired")
)

// Credential is an opaque identity token plus the principal it proves.
type Credential struct {
	Token     string           `json:"token"`
	Principal models.Principal `json:"principal"`
	ExpiresAt time.Time        `json:"expires_at"`
}

// Valid reports whether the credential can be used at the given instant.
// A zero ExpiresAt never expires.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" || c.Principal.IsZero() {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}

// ParseToken extracts a Credential from a JWT whose subject is the principal.
// With a signing key the HMAC signature and expiry are verified; without one
// the claims are read unverified and expiry is left to Credential.Valid.
func ParseToken(raw string, signingKey []byte) (Credential, error) {
	claims := jwt.MapClaims{}

	if len(signingKey) > 0 {
		token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return signingKey, nil
		})
		if err != nil {
			return Credential{}, fmt.Errorf("identity: invalid token: %w", err)
		}
		if !token.Valid {
			return Credential{}, errors.New("identity: invalid token")
		}
	} else if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Credential{}, fmt.Errorf("identity: malformed token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Credential{}, errors.New("identity: token has no subject")
	}

	cred := Credential{Token: raw, Principal: models.Principal(sub)}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// IssueToken mints an HS256 token for the principal. It backs the local
// development login flow and tests.
func IssueToken(principal models.Principal, ttl time.Duration, signingKey []byte) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principal.String(),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(signingKey)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}
