// Package token implements the two signed capabilities the runtime consumes:
// the HTTP-issued AuthToken (verified, never minted, here) and the
// runtime-issued RouteToken (minted and verified here). The AuthToken is an
// HS256 (HMAC-SHA256) JWT; the RouteToken carries a keyed BLAKE2b-256 MAC.
// Both are checked with a constant-time comparison.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"muruntime/internal/domain"
)

// AuthClaims mirrors the token contract in spec.md §6: the HTTP login
// endpoint signs a structure containing at least these fields, and the
// runtime shares the HMAC secret with the issuer but never calls back to
// verify (spec.md §6).
type AuthClaims struct {
	AccountID            string   `json:"account_id"`
	HTTPSessionID        string   `json:"http_session_id"`
	AuthorizedCharacters []string `json:"authorized_character_ids"`
	jwt.RegisteredClaims
}

// AuthVerifier verifies AuthTokens signed by the external HTTP issuer.
type AuthVerifier struct {
	secret []byte
}

// NewAuthVerifier constructs a verifier bound to the shared HMAC secret.
func NewAuthVerifier(secret []byte) *AuthVerifier {
	return &AuthVerifier{secret: secret}
}

var (
	// ErrExpired is returned when the token's expires_at has passed.
	ErrExpired = errors.New("token: expired")
	// ErrSignature is returned when the HMAC signature does not verify.
	ErrSignature = errors.New("token: invalid signature")
)

// Verify parses and validates tokenString, rejecting tokens with a bad
// signature or an expiry in the past (spec.md §3's AuthToken invariant).
// It never persists the token; the claims are rederived from the bytes.
func (v *AuthVerifier) Verify(tokenString string) (AuthClaims, error) {
	var claims AuthClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrSignature
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AuthClaims{}, ErrExpired
		}
		return AuthClaims{}, ErrSignature
	}
	if !token.Valid {
		return AuthClaims{}, ErrSignature
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return AuthClaims{}, ErrExpired
	}
	return claims, nil
}

// Authorizes reports whether the claims grant the given character.
func (c AuthClaims) Authorizes(id domain.CharacterID) bool {
	for _, allowed := range c.AuthorizedCharacters {
		if domain.CharacterID(allowed) == id {
			return true
		}
	}
	return false
}

// Issue mints an AuthToken. The runtime never calls this in production (the
// HTTP collaborator is the issuer of record) but the httpapi test-login
// stub uses it to keep the module runnable end to end without a second
// process (SPEC_FULL.md's internal/httpapi).
func Issue(secret []byte, accountID, httpSessionID string, characters []string, ttl time.Duration) (string, error) {
	claims := AuthClaims{
		AccountID:            accountID,
		HTTPSessionID:        httpSessionID,
		AuthorizedCharacters: characters,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "muruntime-test-issuer",
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(secret)
}
