package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/domain"
)

// APIKeyRepo resolves presented API keys by their SHA-256 hash.
type APIKeyRepo struct{ db *sql.DB }

// NewAPIKeyRepo creates a Postgres-backed API key repository.
func NewAPIKeyRepo(db *sql.DB) *APIKeyRepo { return &APIKeyRepo{db: db} }

// FindByHash returns the non-deleted key with the given hash. Keys of
// deleted tenants do not resolve.
func (r *APIKeyRepo) FindByHash(ctx context.Context, keyHash string) (*domain.APIKey, error) {
	k := &domain.APIKey{}
	err := r.db.QueryRowContext(ctx, `
		SELECT k.id, k.tenant_id, k.name, k.key_hash, k.key_prefix, k.mode,
		       k.last_used_at, k.created_at
		FROM api_keys k
		JOIN tenants t ON t.id = k.tenant_id AND t.deleted_at IS NULL
		WHERE k.key_hash = $1 AND k.deleted_at IS NULL
	`, keyHash).Scan(
		&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Mode,
		&k.LastUsedAt, &k.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, auth.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find api key: %w", err)
	}
	return k, nil
}

// TouchLastUsed stamps the key after a successful authentication.
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}
