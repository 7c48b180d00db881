// Package secrets resolves opaque secret identifiers to values.
// Configurations store identifiers only; resolved values live on the call
// stack of the adapter that needs them.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/filescout/filescout/internal/clock"
)

// ErrSecretNotFound is returned when an identifier cannot be resolved.
var ErrSecretNotFound = errors.New("secret not found")

// Resolver resolves a secret identifier to its value. Implementations are
// injected; the service never talks to a vault directly.
type Resolver interface {
	ResolveSecret(ctx context.Context, identifier string) (string, error)
}

// EnvResolver resolves secrets from environment variables. Identifier
// "db-password" maps to FILESCOUT_SECRET_DB_PASSWORD. This is the default
// for deployments without an external vault.
type EnvResolver struct {
	// Prefix defaults to "FILESCOUT_SECRET_" when empty.
	Prefix string
}

// ResolveSecret implements Resolver.
func (r *EnvResolver) ResolveSecret(_ context.Context, identifier string) (string, error) {
	prefix := r.Prefix
	if prefix == "" {
		prefix = "FILESCOUT_SECRET_"
	}
	key := prefix + sanitizeIdentifier(identifier)
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, identifier, key)
	}
	return value, nil
}

func sanitizeIdentifier(id string) string {
	up := strings.ToUpper(id)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, up)
}

// MaxCacheTTL bounds how long a resolved secret may be served from cache.
const MaxCacheTTL = 5 * time.Minute

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// CachedResolver decorates a Resolver with a per-process TTL cache. A cache
// miss blocks at most one caller per key; concurrent callers for the same
// key share the single in-flight resolution.
type CachedResolver struct {
	inner Resolver
	ttl   time.Duration
	clk   clock.Clock

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCachedResolver wraps inner with a TTL cache. TTLs above MaxCacheTTL
// are clamped.
func NewCachedResolver(inner Resolver, ttl time.Duration, clk clock.Clock) *CachedResolver {
	if ttl <= 0 || ttl > MaxCacheTTL {
		ttl = MaxCacheTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	return &CachedResolver{
		inner:   inner,
		ttl:     ttl,
		clk:     clk,
		entries: make(map[string]cacheEntry),
	}
}

// ResolveSecret implements Resolver.
func (c *CachedResolver) ResolveSecret(ctx context.Context, identifier string) (string, error) {
	c.mu.RLock()
	entry, ok := c.entries[identifier]
	c.mu.RUnlock()
	if ok && c.clk.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	value, err, _ := c.group.Do(identifier, func() (interface{}, error) {
		v, err := c.inner.ResolveSecret(ctx, identifier)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.entries[identifier] = cacheEntry{value: v, expiresAt: c.clk.Now().Add(c.ttl)}
		c.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// Invalidate drops one identifier from the cache.
func (c *CachedResolver) Invalidate(identifier string) {
	c.mu.Lock()
	delete(c.entries, identifier)
	c.mu.Unlock()
}

// StaticResolver resolves from a fixed map; used in tests.
type StaticResolver map[string]string

// ResolveSecret implements Resolver.
func (s StaticResolver) ResolveSecret(_ context.Context, identifier string) (string, error) {
	v, ok := s[identifier]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, identifier)
	}
	return v, nil
}
