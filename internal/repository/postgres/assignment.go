package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/assign"
)

// AssignmentRepo implements assign.Repository against PostgreSQL. The lease
// and report transitions each run inside one transaction so a crash can
// never leave a pool item and its assignment disagreeing.
type AssignmentRepo struct{ db *sql.DB }

// NewAssignmentRepo creates a Postgres-backed assignment repository.
func NewAssignmentRepo(db *sql.DB) *AssignmentRepo { return &AssignmentRepo{db: db} }

const assignmentColumns = `id, tenant_id, campaign_id, pool_item_id, final_url_suffix,
		       idempotency_key, now_clicks_at_assign_time, window_start_epoch_seconds,
		       status, applied, error_message, assigned_at, acked_at`

func scanAssignment(row *sql.Row) (*domain.Assignment, error) {
	a := &domain.Assignment{}
	err := row.Scan(
		&a.ID, &a.TenantID, &a.CampaignID, &a.PoolItemID, &a.FinalURLSuffix,
		&a.IdempotencyKey, &a.NowClicksAtAssignTime, &a.WindowStartEpochSeconds,
		&a.Status, &a.Applied, &a.ErrorMessage, &a.AssignedAt, &a.AckedAt,
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (r *AssignmentRepo) FindAssignmentByKey(ctx context.Context, tenantID, idempotencyKey string) (*domain.Assignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM suffix_assignments
		WHERE tenant_id = $1 AND idempotency_key = $2 AND deleted_at IS NULL
	`, tenantID, idempotencyKey))
	if err == sql.ErrNoRows {
		return nil, assign.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find assignment by key: %w", err)
	}
	return a, nil
}

func (r *AssignmentRepo) FindActiveLease(ctx context.Context, tenantID, campaignID string) (*domain.Assignment, error) {
	a, err := scanAssignment(r.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM suffix_assignments
		WHERE tenant_id = $1 AND campaign_id = $2 AND status = 'leased' AND deleted_at IS NULL
	`, tenantID, campaignID))
	if err == sql.ErrNoRows {
		return nil, assign.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active lease: %w", err)
	}
	return a, nil
}

func (r *AssignmentRepo) FindAssignment(ctx context.Context, tenantID, campaignID, id string) (*domain.Assignment, error) {
	// The id column is UUID-typed; a malformed client value is a lookup
	// miss, not a query error.
	if _, err := uuid.Parse(id); err != nil {
		return nil, assign.ErrAssignmentNotFound
	}
	a, err := scanAssignment(r.db.QueryRowContext(ctx, `
		SELECT `+assignmentColumns+`
		FROM suffix_assignments
		WHERE id = $1 AND tenant_id = $2 AND campaign_id = $3 AND deleted_at IS NULL
	`, id, tenantID, campaignID))
	if err == sql.ErrNoRows {
		return nil, assign.ErrAssignmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find assignment: %w", err)
	}
	return a, nil
}

func (r *AssignmentRepo) FindCampaignMeta(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	m, err := findCampaignMeta(ctx, r.db, tenantID, campaignID)
	if err == sql.ErrNoRows {
		return nil, assign.ErrCampaignNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find campaign meta: %w", err)
	}
	return m, nil
}

func (r *AssignmentRepo) CreateCampaignMeta(ctx context.Context, meta *domain.CampaignMeta) error {
	if meta.ID == "" {
		meta.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaign_meta (id, tenant_id, campaign_id, name, country_code,
			final_url, external_account_id, timezone, status, last_synced_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, meta.ID, meta.TenantID, meta.CampaignID, meta.Name, meta.CountryCode,
		meta.FinalURL, meta.ExternalAccountID, meta.Timezone, meta.Status)
	if isUniqueViolation(err) {
		return assign.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("create campaign meta: %w", err)
	}
	return nil
}

func (r *AssignmentRepo) UpdateCampaignMeta(ctx context.Context, meta *domain.CampaignMeta) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaign_meta
		SET name = $3, country_code = $4, final_url = $5, external_account_id = $6,
		    timezone = $7, status = $8, last_synced_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND campaign_id = $2 AND deleted_at IS NULL
	`, meta.TenantID, meta.CampaignID, meta.Name, meta.CountryCode,
		meta.FinalURL, meta.ExternalAccountID, meta.Timezone, meta.Status)
	if err != nil {
		return fmt.Errorf("update campaign meta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update campaign meta: %w", err)
	}
	if n == 0 {
		return assign.ErrCampaignNotFound
	}
	return nil
}

func (r *AssignmentRepo) GetClickState(ctx context.Context, tenantID, campaignID string) (*domain.ClickState, error) {
	s := &domain.ClickState{}
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, campaign_id, last_applied_clicks, last_observed_clicks,
		       last_observed_at, updated_at
		FROM click_states
		WHERE tenant_id = $1 AND campaign_id = $2
	`, tenantID, campaignID).Scan(
		&s.TenantID, &s.CampaignID, &s.LastAppliedClicks, &s.LastObservedClicks,
		&s.LastObservedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, assign.ErrClickStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get click state: %w", err)
	}
	return s, nil
}

func (r *AssignmentRepo) RecordObserved(ctx context.Context, tenantID, campaignID string, observedClicks int64, observedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO click_states (tenant_id, campaign_id, last_observed_clicks, last_observed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, campaign_id) DO UPDATE
		SET last_observed_clicks = EXCLUDED.last_observed_clicks,
		    last_observed_at = EXCLUDED.last_observed_at,
		    updated_at = NOW()
	`, tenantID, campaignID, observedClicks, observedAt)
	if err != nil {
		return fmt.Errorf("record observed clicks: %w", err)
	}
	return nil
}

func (r *AssignmentRepo) ResetApplied(ctx context.Context, tenantID, campaignID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE click_states
		SET last_applied_clicks = 0, updated_at = NOW()
		WHERE tenant_id = $1 AND campaign_id = $2
	`, tenantID, campaignID)
	if err != nil {
		return fmt.Errorf("reset applied clicks: %w", err)
	}
	return nil
}

// LeaseOldestAvailable claims the oldest available pool item with
// FOR UPDATE SKIP LOCKED, inserts the assignment, and raises the applied
// click counter, all in one transaction. The partial unique indexes on
// (tenant, idempotency_key) and on the single active lease turn concurrent
// winners into ErrConflict for the losers.
func (r *AssignmentRepo) LeaseOldestAvailable(ctx context.Context, p assign.LeaseParams) (*domain.Assignment, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("lease: begin: %w", err)
	}
	defer tx.Rollback()

	var itemID, suffix string
	err = tx.QueryRowContext(ctx, `
		WITH claimed AS (
			SELECT id
			FROM pool_items
			WHERE tenant_id = $1 AND campaign_id = $2
			  AND status = 'available' AND deleted_at IS NULL
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE pool_items p
		SET status = 'leased', leased_at = NOW()
		FROM claimed
		WHERE p.id = claimed.id
		RETURNING p.id, p.final_url_suffix
	`, p.TenantID, p.CampaignID).Scan(&itemID, &suffix)
	if err == sql.ErrNoRows {
		return nil, assign.ErrNoStock
	}
	if err != nil {
		return nil, fmt.Errorf("lease: claim pool item: %w", err)
	}

	a := &domain.Assignment{
		ID:                      uuid.New().String(),
		TenantID:                p.TenantID,
		CampaignID:              p.CampaignID,
		PoolItemID:              itemID,
		FinalURLSuffix:          suffix,
		IdempotencyKey:          p.IdempotencyKey,
		NowClicksAtAssignTime:   p.NowClicks,
		WindowStartEpochSeconds: p.WindowStartEpochSeconds,
		Status:                  domain.AssignLeased,
		AssignedAt:              time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO suffix_assignments (id, tenant_id, campaign_id, pool_item_id,
			final_url_suffix, idempotency_key, now_clicks_at_assign_time,
			window_start_epoch_seconds, status, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.TenantID, a.CampaignID, a.PoolItemID, a.FinalURLSuffix,
		a.IdempotencyKey, a.NowClicksAtAssignTime, a.WindowStartEpochSeconds,
		a.Status, a.AssignedAt)
	if isUniqueViolation(err) {
		return nil, assign.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("lease: insert assignment: %w", err)
	}

	// GREATEST keeps an out-of-order request from dragging the applied
	// counter backwards within the day.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO click_states (tenant_id, campaign_id, last_applied_clicks, last_observed_clicks, last_observed_at)
		VALUES ($1, $2, $3, $3, NOW())
		ON CONFLICT (tenant_id, campaign_id) DO UPDATE
		SET last_applied_clicks = GREATEST(click_states.last_applied_clicks, EXCLUDED.last_applied_clicks),
		    updated_at = NOW()
	`, p.TenantID, p.CampaignID, p.NowClicks)
	if err != nil {
		return nil, fmt.Errorf("lease: raise applied clicks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("lease: commit: %w", err)
	}
	return a, nil
}

func (r *AssignmentRepo) FindWriteLog(ctx context.Context, assignmentID string) (*domain.WriteLog, error) {
	w := &domain.WriteLog{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, assignment_id, tenant_id, campaign_id, write_success,
		       write_error_message, reported_at
		FROM write_logs
		WHERE assignment_id = $1 AND deleted_at IS NULL
	`, assignmentID).Scan(
		&w.ID, &w.AssignmentID, &w.TenantID, &w.CampaignID, &w.WriteSuccess,
		&w.WriteErrorMessage, &w.ReportedAt,
	)
	if err == sql.ErrNoRows {
		return nil, assign.ErrWriteLogNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find write log: %w", err)
	}
	return w, nil
}

// ConsumeAssignment writes the success log row, marks the assignment
// consumed, and retires its pool item. The unique index on
// write_logs.assignment_id arbitrates duplicate reports. A lease that
// recovery already expired is left untouched: the log row still commits
// and the call returns assign.ErrLeaseExpired.
func (r *AssignmentRepo) ConsumeAssignment(ctx context.Context, p assign.ReportParams) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("consume: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertWriteLog(ctx, tx, p, true); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE suffix_assignments
		SET status = 'consumed', applied = TRUE, acked_at = $4
		WHERE id = $1 AND tenant_id = $2 AND campaign_id = $3
			AND status = 'leased' AND deleted_at IS NULL
	`, p.AssignmentID, p.TenantID, p.CampaignID, p.ReportedAt)
	if err != nil {
		return fmt.Errorf("consume: update assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume: update assignment: %w", err)
	}
	if n == 0 {
		// Recovery settled this lease first. Its pool item may already be
		// re-leased, so only the log row lands.
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("consume: commit: %w", err)
		}
		return assign.ErrLeaseExpired
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pool_items
		SET status = 'consumed', consumed_at = $3
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, p.PoolItemID, p.TenantID, p.ReportedAt)
	if err != nil {
		return fmt.Errorf("consume: update pool item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("consume: commit: %w", err)
	}
	return nil
}

// FailAssignment writes the failure log row, marks the assignment failed,
// and returns its pool item to the available pool for re-lease. Like
// ConsumeAssignment it refuses to touch a lease recovery already expired,
// committing only the log row and returning assign.ErrLeaseExpired.
func (r *AssignmentRepo) FailAssignment(ctx context.Context, p assign.ReportParams) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertWriteLog(ctx, tx, p, false); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE suffix_assignments
		SET status = 'failed', applied = FALSE, error_message = $4, acked_at = $5
		WHERE id = $1 AND tenant_id = $2 AND campaign_id = $3
			AND status = 'leased' AND deleted_at IS NULL
	`, p.AssignmentID, p.TenantID, p.CampaignID, nullableString(p.ErrorMessage), p.ReportedAt)
	if err != nil {
		return fmt.Errorf("fail: update assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("fail: update assignment: %w", err)
	}
	if n == 0 {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("fail: commit: %w", err)
		}
		return assign.ErrLeaseExpired
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pool_items
		SET status = 'available', leased_at = NULL
		WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
	`, p.PoolItemID, p.TenantID)
	if err != nil {
		return fmt.Errorf("fail: update pool item: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("fail: commit: %w", err)
	}
	return nil
}

func insertWriteLog(ctx context.Context, tx *sql.Tx, p assign.ReportParams, success bool) error {
	var errMsg *string
	if !success {
		errMsg = nullableString(p.ErrorMessage)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO write_logs (id, assignment_id, tenant_id, campaign_id,
			write_success, write_error_message, reported_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), p.AssignmentID, p.TenantID, p.CampaignID,
		success, errMsg, p.ReportedAt)
	if isUniqueViolation(err) {
		return assign.ErrAlreadyLogged
	}
	if err != nil {
		return fmt.Errorf("insert write log: %w", err)
	}
	return nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isUniqueViolation reports Postgres error 23505, raised here by the partial
// unique indexes on idempotency key, single lease, and write_logs.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
