package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/campaign"
)

// CampaignMetaRepo implements campaign.Repository against PostgreSQL.
type CampaignMetaRepo struct{ db *sql.DB }

// NewCampaignMetaRepo creates a Postgres-backed campaign metadata repository.
func NewCampaignMetaRepo(db *sql.DB) *CampaignMetaRepo { return &CampaignMetaRepo{db: db} }

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// findCampaignMeta is shared by every repo that resolves campaign metadata.
// It passes sql.ErrNoRows through so each caller can map it onto the
// sentinel its service expects.
func findCampaignMeta(ctx context.Context, q querier, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	m := &domain.CampaignMeta{}
	err := q.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, name, country_code, final_url,
		       external_account_id, timezone, status, last_synced_at,
		       created_at, updated_at
		FROM campaign_meta
		WHERE tenant_id = $1 AND campaign_id = $2 AND deleted_at IS NULL
	`, tenantID, campaignID).Scan(
		&m.ID, &m.TenantID, &m.CampaignID, &m.Name, &m.CountryCode, &m.FinalURL,
		&m.ExternalAccountID, &m.Timezone, &m.Status, &m.LastSyncedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (r *CampaignMetaRepo) Find(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	m, err := findCampaignMeta(ctx, r.db, tenantID, campaignID)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign: %w", err)
	}
	return m, nil
}

func (r *CampaignMetaRepo) Create(ctx context.Context, meta *domain.CampaignMeta) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_meta (id, tenant_id, campaign_id, name, country_code,
			final_url, external_account_id, timezone, status, last_synced_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, meta.ID, meta.TenantID, meta.CampaignID, meta.Name, meta.CountryCode,
		meta.FinalURL, meta.ExternalAccountID, meta.Timezone, meta.Status,
		meta.LastSyncedAt, meta.CreatedAt, meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignMetaRepo) Update(ctx context.Context, meta *domain.CampaignMeta) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_meta
		SET name = $3, country_code = $4, final_url = $5, external_account_id = $6,
		    timezone = $7, status = $8, last_synced_at = $9, updated_at = $10
		WHERE tenant_id = $1 AND campaign_id = $2 AND deleted_at IS NULL
	`, meta.TenantID, meta.CampaignID, meta.Name, meta.CountryCode, meta.FinalURL,
		meta.ExternalAccountID, meta.Timezone, meta.Status, meta.LastSyncedAt,
		meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n == 0 {
		return campaign.ErrNotFound
	}
	return nil
}

func (r *CampaignMetaRepo) StockCounts(ctx context.Context, tenantID, campaignID string) (*domain.StockCounts, error) {
	c := &domain.StockCounts{TenantID: tenantID, CampaignID: campaignID}
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'available'),
		       COUNT(*) FILTER (WHERE status = 'leased'),
		       COUNT(*) FILTER (WHERE status = 'consumed'),
		       COUNT(*) FILTER (WHERE status = 'failed')
		FROM pool_items
		WHERE tenant_id = $1 AND campaign_id = $2 AND deleted_at IS NULL
	`, tenantID, campaignID).Scan(&c.Available, &c.Leased, &c.Consumed, &c.Failed)
	if err != nil {
		return nil, fmt.Errorf("count stock: %w", err)
	}
	return c, nil
}

func (r *CampaignMetaRepo) RecordAudit(ctx context.Context, entry *domain.AuditEntry) error {
	return insertAuditEntry(ctx, r.db, entry)
}
