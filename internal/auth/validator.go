// Package auth resolves terminal credentials (API keys and CLI tokens) to
// user ids, with a short-lived cache of positive results.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/remoto/termrelay/internal/database"
	"github.com/remoto/termrelay/internal/logutil"
)

// DevUserID is the placeholder user every credential maps to in dev mode.
const DevUserID = "dev-user"

// DefaultCacheTTL is how long a validated credential is trusted without a
// store lookup.
const DefaultCacheTTL = 5 * time.Minute

const (
	lookupTimeout = 5 * time.Second
	touchTimeout  = 10 * time.Second
)

// Store is the credential backend. *database.CredentialStore satisfies it.
type Store interface {
	FindAPIKey(ctx context.Context, hash string) (*database.APIKey, error)
	FindCLIToken(ctx context.Context, token string) (*database.CLIToken, error)
	TouchCLIToken(ctx context.Context, id uint) error
}

type cachedCredential struct {
	UserID   string
	CachedAt time.Time
}

// Validator maps a credential to a user id. It never mutates session state.
type Validator struct {
	store Store
	ttl   time.Duration
	dev   bool

	// cache: sha256(credential) → cachedCredential
	cache sync.Map
	// touches tracks in-flight last-used updates.
	touches sync.WaitGroup

	nowFn func() time.Time
}

// NewValidator creates a validator backed by store.
func NewValidator(store Store, ttl time.Duration) *Validator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Validator{store: store, ttl: ttl, nowFn: time.Now}
}

// NewDevValidator creates a validator that accepts every nonempty credential
// as DevUserID. It must only be used when dev mode is explicitly enabled.
func NewDevValidator() *Validator {
	log.Printf("[auth] WARNING: dev mode is enabled, every credential is accepted as %q. Never run this in production.", DevUserID)
	return &Validator{ttl: DefaultCacheTTL, dev: true, nowFn: time.Now}
}

// DevMode reports whether the validator skips the credential store.
func (v *Validator) DevMode() bool {
	return v.dev
}

// Validate returns the user id for credential. Unknown, inactive and
// unverifiable credentials all yield ok=false.
func (v *Validator) Validate(ctx context.Context, credential string) (string, bool) {
	if credential == "" {
		return "", false
	}
	if v.dev {
		log.Printf("[auth] WARNING: dev mode accepted credential %s without validation", logutil.Mask(credential))
		return DevUserID, true
	}

	key := cacheKey(credential)
	if cached, ok := v.cache.Load(key); ok {
		c := cached.(cachedCredential)
		if v.nowFn().Sub(c.CachedAt) < v.ttl {
			return c.UserID, true
		}
		v.cache.Delete(key)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	var userID string
	if strings.HasPrefix(credential, database.CLITokenPrefix) {
		tok, err := v.store.FindCLIToken(lookupCtx, credential)
		if err != nil {
			logLookupError("cli token", credential, err)
			return "", false
		}
		if !tok.IsActive {
			return "", false
		}
		userID = tok.UserID
		v.touch(tok.ID)
	} else {
		k, err := v.store.FindAPIKey(lookupCtx, database.HashAPIKey(credential))
		if err != nil {
			logLookupError("api key", credential, err)
			return "", false
		}
		if !k.IsActive {
			return "", false
		}
		userID = k.UserID
	}

	v.cache.Store(key, cachedCredential{UserID: userID, CachedAt: v.nowFn()})
	return userID, true
}

// touch updates the token's last-used time without blocking the caller.
// Failures are logged and otherwise ignored.
func (v *Validator) touch(id uint) {
	v.touches.Add(1)
	go func() {
		defer v.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := v.store.TouchCLIToken(ctx, id); err != nil {
			log.Printf("[auth] update last_used_at for cli token %d: %v", id, err)
		}
	}()
}

// Wait blocks until pending last-used updates finish.
func (v *Validator) Wait() {
	v.touches.Wait()
}

// Invalidate drops credential from the cache.
func (v *Validator) Invalidate(credential string) {
	v.cache.Delete(cacheKey(credential))
}

// Sweep removes expired cache entries and returns how many were dropped.
func (v *Validator) Sweep() int {
	now := v.nowFn()
	n := 0
	v.cache.Range(func(key, value any) bool {
		if now.Sub(value.(cachedCredential).CachedAt) >= v.ttl {
			v.cache.Delete(key)
			n++
		}
		return true
	})
	return n
}

// cacheKey keeps raw credentials out of long-lived memory.
func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

func logLookupError(kind, credential string, err error) {
	if database.IsNotFound(err) {
		log.Printf("[auth] unknown %s %s", kind, logutil.Mask(credential))
		return
	}
	log.Printf("[auth] %s lookup failed for %s: %v", kind, logutil.Mask(credential), err)
}
