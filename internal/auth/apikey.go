// Package auth validates caller API keys. Keys are resolved against the
// store by SHA-256 hash and cached so the hot path stays off the database.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	strider "github.com/striderhq/strider/internal"
	"github.com/striderhq/strider/internal/cache"
	"github.com/striderhq/strider/internal/storage"
)

const (
	cacheTTL     = 30 * time.Second // short enough to pick up key revocations promptly
	cacheEntries = 10_000           // max concurrent active keys expected per deployment
	touchTimeout = 5 * time.Second
)

// Service authenticates raw caller keys against the store. The per-format
// extraction of the key from a request lives with the routes; the service
// only sees the raw value.
type Service struct {
	store storage.APIKeyStore
	keys  *cache.TTL[*strider.APIKey]
	log   *slog.Logger
}

// New returns a Service backed by store.
func New(store storage.APIKeyStore, log *slog.Logger) (*Service, error) {
	c, err := cache.NewTTL[*strider.APIKey](cacheEntries, cacheTTL)
	if err != nil {
		return nil, fmt.Errorf("auth cache: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, keys: c, log: log}, nil
}

// Authenticate validates one raw caller key and returns its identity. Keys
// without the sk- prefix are rejected without touching the store. Blocked
// and expired keys fail even when cached; blocked keys stay cached so a
// misbehaving client cannot turn its rejections into database load.
func (s *Service) Authenticate(ctx context.Context, raw string) (*strider.Identity, error) {
	if !strings.HasPrefix(raw, strider.APIKeyPrefix) {
		return nil, strider.ErrAuthInvalid
	}
	hash := strider.HashKey(raw)

	if key, ok := s.keys.Get(hash); ok {
		return s.vet(key, hash)
	}

	key, err := s.store.GetKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, strider.ErrNotFound) {
			return nil, strider.ErrAuthInvalid
		}
		return nil, fmt.Errorf("key lookup: %w", err)
	}

	// The store matched on the hash already; the constant-time recheck
	// guards against collation or encoding surprises in the database.
	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, strider.ErrAuthInvalid
	}

	s.keys.Set(hash, key, cacheTTL)
	go s.touch(ctx, key.ID)

	return s.vet(key, hash)
}

// vet applies the checks that must hold on every request, cached or not.
// Expiry evicts the entry so a replaced key is picked up promptly.
func (s *Service) vet(key *strider.APIKey, hash string) (*strider.Identity, error) {
	if key.Blocked {
		return nil, strider.ErrKeyBlocked
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		s.keys.Delete(hash)
		return nil, strider.ErrKeyExpired
	}
	return identity(key), nil
}

// touch records last-used off the request path.
func (s *Service) touch(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), touchTimeout)
	defer cancel()
	if err := s.store.TouchKeyUsed(ctx, id); err != nil {
		s.log.LogAttrs(ctx, slog.LevelDebug, "key touch failed",
			slog.String("key_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// identity maps a vetted key onto the caller identity the core consumes.
func identity(key *strider.APIKey) *strider.Identity {
	id := &strider.Identity{
		KeyID:            key.ID,
		Name:             key.Name,
		AllowedProviders: key.AllowedProviders,
	}
	if id.Name == "" {
		id.Name = key.KeyPrefix
	}
	if key.RPMLimit != nil {
		id.RPMLimit = *key.RPMLimit
	}
	if key.TPMLimit != nil {
		id.TPMLimit = *key.TPMLimit
	}
	if key.TokenBudget != nil {
		id.TokenBudget = *key.TokenBudget
	}
	return id
}
