// Package auth verifies gateway API keys.
//
// Keys have the form aig_<keyId>_<secret>. Only a bcrypt hash of the secret
// is stored. Verified keys are cached in process per (keyId, revocation
// version); revoking a key bumps its version in the shared kv store, which
// invalidates every instance's cache on the next request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/aistats/gateway/internal/domain"
)

const keyPrefix = "aig_"

var ErrMalformedKey = errors.New("malformed API key")

// ParseKey splits a raw key into its id and secret.
func ParseKey(raw string) (keyID, secret string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, keyPrefix) {
		return "", "", ErrMalformedKey
	}
	rest := raw[len(keyPrefix):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", ErrMalformedKey
	}
	keyID, secret = rest[:i], rest[i+1:]
	for _, c := range keyID {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return "", "", ErrMalformedKey
		}
	}
	return keyID, secret, nil
}

// FormatKey is the inverse of ParseKey.
func FormatKey(keyID, secret string) string {
	return keyPrefix + keyID + "_" + secret
}

func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

func checkSecret(key *domain.APIKey, secret string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(secret)); err != nil {
		return domain.ErrInvalidAPIKey
	}
	return nil
}

// KeyStore looks up key records and their teams.
type KeyStore interface {
	GetKey(ctx context.Context, keyID string) (*domain.APIKey, error)
	GetTeam(ctx context.Context, teamID string) (*domain.Team, error)
}

// KeyManager is a KeyStore that can also switch keys off.
type KeyManager interface {
	KeyStore
	SetEnabled(ctx context.Context, keyID string, enabled bool) error
}

// Principal is the authenticated caller.
type Principal struct {
	KeyID string
	Team  domain.Team
}

type contextKey string

const principalContextKey contextKey = "principal"

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	return p, ok
}
