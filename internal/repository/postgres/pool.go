package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/campaign"
	"github.com/ignite/clickstock/internal/service/produce"
)

// PoolRepo implements produce.Repository against PostgreSQL.
type PoolRepo struct{ db *sql.DB }

// NewPoolRepo creates a Postgres-backed pool repository.
func NewPoolRepo(db *sql.DB) *PoolRepo { return &PoolRepo{db: db} }

func (r *PoolRepo) FindCampaignMeta(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	m, err := findCampaignMeta(ctx, r.db, tenantID, campaignID)
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign meta: %w", err)
	}
	return m, nil
}

func (r *PoolRepo) HighestPriorityLink(ctx context.Context, tenantID, campaignID string) (*domain.AffiliateLink, error) {
	l := &domain.AffiliateLink{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, campaign_id, url, priority, enabled, created_at, updated_at
		FROM affiliate_links
		WHERE tenant_id = $1 AND campaign_id = $2 AND enabled AND deleted_at IS NULL
		ORDER BY priority, created_at
		LIMIT 1
	`, tenantID, campaignID).Scan(
		&l.ID, &l.TenantID, &l.CampaignID, &l.URL, &l.Priority, &l.Enabled,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, produce.ErrNoEnabledLink
	}
	if err != nil {
		return nil, fmt.Errorf("find affiliate link: %w", err)
	}
	return l, nil
}

// StoreProduction persists one produced suffix in a single transaction: the
// pool item, the exit-IP usage row when the pass went through a proxy, and
// the audit entry.
func (r *PoolRepo) StoreProduction(ctx context.Context, item *domain.PoolItem, usage *domain.IPUsage, entry *domain.AuditEntry) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store production: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pool_items (id, tenant_id, campaign_id, final_url_suffix,
			exit_ip, source_affiliate_link_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, item.ID, item.TenantID, item.CampaignID, item.FinalURLSuffix,
		item.ExitIP, nullableString(item.SourceLinkID), item.Status, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("store production: insert pool item: %w", err)
	}

	if usage != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ip_usage (id, tenant_id, campaign_id, exit_ip, used_at)
			VALUES ($1, $2, $3, $4, $5)
		`, usage.ID, usage.TenantID, usage.CampaignID, usage.ExitIP, usage.UsedAt)
		if err != nil {
			return fmt.Errorf("store production: insert ip usage: %w", err)
		}
	}

	if entry != nil {
		if err := insertAuditEntry(ctx, tx, entry); err != nil {
			return fmt.Errorf("store production: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store production: commit: %w", err)
	}
	return nil
}
