package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"time"
)

// verifiedKeyTTL is how long a successful API key check is remembered, so a busy client
// pays for one bcrypt comparison per key instead of one per request.
const verifiedKeyTTL = 5 * time.Minute

// ErrInvalidCredential is returned for any token that does not resolve to an identity.
// One error for every failure mode avoids leaking which part was wrong.
var ErrInvalidCredential = errors.New("invalid credential")

// Verifier turns a caller-presented token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// APIKey binds a key id to an identity. Hash is the bcrypt hash of the secret half.
// Keys are presented as "<ID>.<secret>".
type APIKey struct {
	ID       string `yaml:"id"`
	Identity string `yaml:"identity"`
	Hash     string `yaml:"hash"`
}

// Authenticator accepts HS256 JWTs (when a secret is configured) and API keys.
type Authenticator struct {
	jwtSecret []byte
	keys      map[string]APIKey

	// compare and now are swapped in tests.
	compare func(hash, secret string) bool
	now     func() time.Time

	mu       sync.Mutex
	verified map[string]verifiedKey
}

// verifiedKey remembers the digest of a secret that passed bcrypt for a key id.
type verifiedKey struct {
	digest  [sha256.Size]byte
	expires time.Time
}

// NewAuthenticator builds an Authenticator. A nil jwtSecret disables JWT verification.
func NewAuthenticator(jwtSecret []byte, keys []APIKey) *Authenticator {
	m := make(map[string]APIKey, len(keys))
	for _, k := range keys {
		m[k.ID] = k
	}
	return &Authenticator{
		jwtSecret: jwtSecret,
		keys:      m,
		compare:   VerifyAPIKey,
		now:       time.Now,
		verified:  make(map[string]verifiedKey),
	}
}

// Verify implements Verifier.
func (a *Authenticator) Verify(_ context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidCredential
	}

	// JWTs have exactly three dot-separated segments; API keys have two.
	if strings.Count(token, ".") == 2 {
		if len(a.jwtSecret) == 0 {
			return "", ErrInvalidCredential
		}
		claims, err := ParseJWT(a.jwtSecret, token)
		if err != nil {
			return "", ErrInvalidCredential
		}
		return claims.Identity(), nil
	}

	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidCredential
	}
	key, found := a.keys[id]
	if !found || !a.checkSecret(id, key.Hash, secret) {
		return "", ErrInvalidCredential
	}
	return key.Identity, nil
}

// checkSecret answers from the verified cache when the same secret passed recently and
// falls back to bcrypt otherwise. Only successes are cached.
func (a *Authenticator) checkSecret(id, hash, secret string) bool {
	digest := sha256.Sum256([]byte(secret))
	now := a.now()

	a.mu.Lock()
	v, ok := a.verified[id]
	a.mu.Unlock()
	if ok && now.Before(v.expires) && subtle.ConstantTimeCompare(v.digest[:], digest[:]) == 1 {
		return true
	}

	if !a.compare(hash, secret) {
		return false
	}
	a.mu.Lock()
	a.verified[id] = verifiedKey{digest: digest, expires: now.Add(verifiedKeyTTL)}
	a.mu.Unlock()
	return true
}
