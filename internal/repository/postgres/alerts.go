package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clickstock/internal/domain"
)

// AlertRepo persists operational alerts raised by the monitors and read back
// over the jobs API.
type AlertRepo struct{ db *sql.DB }

// NewAlertRepo creates a Postgres-backed alert repository.
func NewAlertRepo(db *sql.DB) *AlertRepo { return &AlertRepo{db: db} }

func (r *AlertRepo) Record(ctx context.Context, a *domain.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	createdAt := a.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, tenant_id, campaign_id, type, level, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TenantID, a.CampaignID, a.Type, a.Level, a.Title, a.Body, createdAt)
	if err != nil {
		return fmt.Errorf("record alert: %w", err)
	}
	return nil
}

// ExistsRecent reports whether the same alert condition was already recorded
// since the cutoff. campaignID compares NULL-safe so campaign-less alerts
// dedup too.
func (r *AlertRepo) ExistsRecent(ctx context.Context, tenantID string, typ domain.AlertType, campaignID *string, since time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM alerts
			WHERE tenant_id = $1 AND type = $2
			  AND campaign_id IS NOT DISTINCT FROM $3
			  AND created_at >= $4 AND deleted_at IS NULL
		)
	`, tenantID, typ, campaignID, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alert dedup: %w", err)
	}
	return exists, nil
}

// AlertFilter narrows a List call. Zero values mean "no constraint".
type AlertFilter struct {
	Level domain.AlertLevel
	Since time.Time
	Limit int
}

func (r *AlertRepo) List(ctx context.Context, tenantID string, f AlertFilter) ([]*domain.Alert, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, campaign_id, type, level, title, body,
		       created_at, acknowledged_at
		FROM alerts
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND ($2 = '' OR level = $2)
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		ORDER BY created_at DESC
		LIMIT $4
	`, tenantID, string(f.Level), nullableTime(f.Since), limit)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*domain.Alert
	for rows.Next() {
		a := &domain.Alert{}
		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.CampaignID, &a.Type, &a.Level, &a.Title,
			&a.Body, &a.CreatedAt, &a.AcknowledgedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// PurgeBefore hard-deletes alerts older than the cutoff. Retention is 30
// days; the monitor calls this on its nightly tick.
func (r *AlertRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE created_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge alerts: %w", err)
	}
	return res.RowsAffected()
}
