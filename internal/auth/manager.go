// Package auth resolves bearer API keys to tenants. Only the SHA-256 hash
// of a key is ever stored or cached; the plaintext exists once, at issuance.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/maypok86/otter"

	"github.com/ignite/clickstock/internal/domain"
)

const (
	prefixLive = "ky_live_"
	prefixTest = "ky_test_"

	// Total plaintext length: 8-char prefix + 32 chars of key material.
	keyLength = 40

	cacheTTL      = 60 * time.Second
	maxCachedKeys = 10_000
)

// Sentinel errors for key verification. Everything fails closed.
var (
	ErrKeyNotFound  = errors.New("api key not found")
	ErrInvalidKey   = errors.New("api key malformed")
	ErrModeMismatch = errors.New("api key mode mismatch")
)

// Repository is the lookup surface for stored key hashes.
type Repository interface {
	FindByHash(ctx context.Context, keyHash string) (*domain.APIKey, error)
	TouchLastUsed(ctx context.Context, id string) error
}

// Manager verifies presented API keys. Resolved keys are cached for a
// minute so a hot key costs one SHA-256 per request instead of one SELECT.
type Manager struct {
	repo  Repository
	cache otter.Cache[string, *domain.APIKey]
}

// NewManager creates a key manager backed by the given repository.
func NewManager(repo Repository) (*Manager, error) {
	cache, err := otter.MustBuilder[string, *domain.APIKey](maxCachedKeys).
		WithTTL(cacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build key cache: %w", err)
	}
	return &Manager{repo: repo, cache: cache}, nil
}

// Close releases the cache's background resources.
func (m *Manager) Close() { m.cache.Close() }

// Verify resolves a presented plaintext key to its stored record. Format
// errors, unknown hashes, and a prefix that disagrees with the stored mode
// are all rejected; the caller distinguishes them only as 401 vs 403.
func (m *Manager) Verify(ctx context.Context, presented string) (*domain.APIKey, error) {
	mode, err := parseKeyMode(presented)
	if err != nil {
		return nil, err
	}
	hash := HashKey(presented)

	key, ok := m.cache.Get(hash)
	if !ok {
		key, err = m.repo.FindByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		m.cache.Set(hash, key)
		// Stamp at most once per cache TTL, off the request path.
		go m.touch(key.ID)
	}

	if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
		return nil, ErrKeyNotFound
	}
	if key.Mode != mode {
		return nil, ErrModeMismatch
	}
	return key, nil
}

func (m *Manager) touch(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.repo.TouchLastUsed(ctx, id); err != nil {
		log.Printf("[APIKeyAuth] touch failed key=%s: %v", id, err)
	}
}

func parseKeyMode(presented string) (domain.KeyMode, error) {
	if len(presented) != keyLength {
		return "", ErrInvalidKey
	}
	switch {
	case strings.HasPrefix(presented, prefixLive):
		return domain.KeyModeLive, nil
	case strings.HasPrefix(presented, prefixTest):
		return domain.KeyModeTest, nil
	}
	return "", ErrInvalidKey
}

// HashKey returns the hex SHA-256 digest under which a plaintext key is
// stored and cached.
func HashKey(presented string) string {
	sum := sha256.Sum256([]byte(presented))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a plaintext key for the given mode together with its
// storable hash and display prefix. The plaintext is returned exactly once
// and must not be persisted.
func GenerateKey(mode domain.KeyMode) (plaintext, hash, displayPrefix string, err error) {
	p := prefixTest
	if mode == domain.KeyModeLive {
		p = prefixLive
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	plaintext = p + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, HashKey(plaintext), plaintext[:12], nil
}
