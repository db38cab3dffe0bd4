package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/clickstock/internal/domain"
)

// ProxyRepo implements proxy.Repository against PostgreSQL.
type ProxyRepo struct{ db *sql.DB }

// NewProxyRepo creates a Postgres-backed proxy repository.
func NewProxyRepo(db *sql.DB) *ProxyRepo { return &ProxyRepo{db: db} }

func (r *ProxyRepo) ListEnabledForTenant(ctx context.Context, tenantID string) ([]*domain.ProxyProvider, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.host, p.port, p.username_template, p.password,
		       p.priority, p.enabled, p.created_at, p.updated_at
		FROM proxy_providers p
		JOIN proxy_assignments a ON a.provider_id = p.id
		WHERE a.tenant_id = $1 AND p.enabled AND p.deleted_at IS NULL
		ORDER BY p.priority, p.created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list proxy providers: %w", err)
	}
	defer rows.Close()

	var out []*domain.ProxyProvider
	for rows.Next() {
		p := &domain.ProxyProvider{}
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Host, &p.Port, &p.UsernameTemplate, &p.Password,
			&p.Priority, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan proxy provider: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProxyRepo) RecentExitIPs(ctx context.Context, tenantID, campaignID string, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT exit_ip
		FROM ip_usage
		WHERE tenant_id = $1 AND campaign_id = $2 AND used_at >= $3
	`, tenantID, campaignID, since)
	if err != nil {
		return nil, fmt.Errorf("list recent exit ips: %w", err)
	}
	defer rows.Close()

	var ips []string
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, fmt.Errorf("scan exit ip: %w", err)
		}
		ips = append(ips, ip)
	}
	return ips, rows.Err()
}

// PurgeUsageBefore deletes ip_usage rows older than the cutoff. Rows past
// the reuse window no longer constrain selection, so they only cost scan
// time.
func (r *ProxyRepo) PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM ip_usage WHERE used_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge ip usage: %w", err)
	}
	return res.RowsAffected()
}
