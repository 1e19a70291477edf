package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aistats/gateway/internal/domain"
	"github.com/aistats/gateway/internal/kv"
)

type cachedKey struct {
	version   string
	principal Principal
	// sum ties the entry to the secret it was verified with.
	sum       [sha256.Size]byte
	expiresAt time.Time
}

// Verifier authenticates raw keys.
type Verifier struct {
	keys  KeyStore
	kv    kv.Store
	ttl   time.Duration
	now   func() time.Time
	mu    sync.RWMutex
	cache map[string]cachedKey
}

func NewVerifier(keys KeyStore, store kv.Store) *Verifier {
	return &Verifier{
		keys:  keys,
		kv:    store,
		ttl:   5 * time.Minute,
		now:   time.Now,
		cache: make(map[string]cachedKey),
	}
}

// Verify returns the principal for raw, or ErrInvalidAPIKey, ErrKeyRevoked,
// ErrTeamNotFound or ErrMalformedKey.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Principal, error) {
	keyID, secret, err := ParseKey(raw)
	if err != nil {
		return nil, err
	}

	version, err := v.version(ctx, keyID)
	if err != nil {
		// The revocation store is down: fall through to a full check so a
		// revoked key is still caught by the key record.
		slog.Warn("read revocation version failed", "key_id", keyID, "error", err)
		version = ""
	}

	now := v.now()
	sum := sha256.Sum256([]byte(secret))
	v.mu.RLock()
	entry, ok := v.cache[keyID]
	v.mu.RUnlock()
	if ok && err == nil && entry.version == version &&
		subtle.ConstantTimeCompare(entry.sum[:], sum[:]) == 1 && now.Before(entry.expiresAt) {
		p := entry.principal
		return &p, nil
	}

	key, err := v.keys.GetKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidAPIKey) {
			return nil, err
		}
		return nil, fmt.Errorf("load key %s: %w", keyID, err)
	}
	if !key.Enabled {
		v.forget(keyID)
		return nil, domain.ErrKeyRevoked
	}
	if err := checkSecret(key, secret); err != nil {
		return nil, err
	}

	team, err := v.keys.GetTeam(ctx, key.TeamID)
	if err != nil {
		return nil, err
	}

	p := Principal{KeyID: keyID, Team: *team}
	v.mu.Lock()
	v.cache[keyID] = cachedKey{version: version, principal: p, sum: sum, expiresAt: now.Add(v.ttl)}
	v.mu.Unlock()
	return &p, nil
}

func (v *Verifier) version(ctx context.Context, keyID string) (string, error) {
	if v.kv == nil {
		return "", nil
	}
	ver, _, err := v.kv.Get(ctx, kv.RevocationKey(keyID))
	return ver, err
}

func (v *Verifier) forget(keyID string) {
	v.mu.Lock()
	delete(v.cache, keyID)
	v.mu.Unlock()
}

// Revoke bumps the key's revocation version so cached verifications on
// every instance are discarded. Disabling the key record is the key
// store's job.
func (v *Verifier) Revoke(ctx context.Context, keyID string) error {
	v.forget(keyID)
	if v.kv == nil {
		return nil
	}
	if err := v.kv.Put(ctx, kv.RevocationKey(keyID), uuid.NewString(), 0); err != nil {
		return fmt.Errorf("bump revocation version for %s: %w", keyID, err)
	}
	return nil
}

// KeyFromRequest reads the key from "Authorization: Bearer" or "x-api-key".
func KeyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// Middleware authenticates every request. onError writes the failure in
// whatever shape the route speaks.
func (v *Verifier) Middleware(onError func(w http.ResponseWriter, r *http.Request, status int, msg string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := KeyFromRequest(r)
			if raw == "" {
				onError(w, r, http.StatusUnauthorized, "missing API key")
				return
			}

			p, err := v.Verify(r.Context(), raw)
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			case errors.Is(err, ErrMalformedKey), errors.Is(err, domain.ErrInvalidAPIKey):
				onError(w, r, http.StatusUnauthorized, "invalid API key")
			case errors.Is(err, domain.ErrKeyRevoked):
				onError(w, r, http.StatusUnauthorized, "API key revoked")
			case errors.Is(err, domain.ErrTeamNotFound):
				onError(w, r, http.StatusForbidden, "team not found")
			default:
				slog.Error("verify API key failed", "error", err)
				onError(w, r, http.StatusInternalServerError, "authentication unavailable")
			}
		})
	}
}
