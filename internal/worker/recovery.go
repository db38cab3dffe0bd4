package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/proxy"
)

// UsagePurger trims aged exit-IP usage rows. *postgres.ProxyRepo satisfies it.
type UsagePurger interface {
	PurgeUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryMonitor returns stuck leases to the pool. An ad-script that dies
// between lease and report leaves the assignment leased and its campaign
// blocked on the single-lease constraint; past the lease TTL the window is
// over and nothing will report, so the lease expires and the item goes back
// to available.
type RecoveryMonitor struct {
	db      *sql.DB
	alerter *Alerter
	usage   UsagePurger
	cfg     config.RecoveryConfig
}

// NewRecoveryMonitor wires a recovery monitor. usage may be nil to skip the
// exit-IP trim.
func NewRecoveryMonitor(db *sql.DB, alerter *Alerter, usage UsagePurger, cfg config.RecoveryConfig) *RecoveryMonitor {
	return &RecoveryMonitor{db: db, alerter: alerter, usage: usage, cfg: cfg}
}

// Run is the cron entry point: expire stuck leases, then trim usage rows.
func (m *RecoveryMonitor) Run(ctx context.Context) error {
	if err := m.ExpireStuckLeases(ctx); err != nil {
		return err
	}
	m.purgeUsage(ctx)
	return nil
}

// ExpireStuckLeases transitions leased assignments older than the lease TTL
// to expired and returns their pool items to available, all in one
// transaction. Recoveries are reported per tenant as info alerts.
func (m *RecoveryMonitor) ExpireStuckLeases(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin lease recovery: %w", err)
	}
	defer tx.Rollback()

	// SKIP LOCKED leaves rows mid-report to their reporter; the next tick
	// picks up whatever is still stuck.
	rows, err := tx.QueryContext(ctx, `
		WITH stuck AS (
			SELECT id, pool_item_id
			FROM suffix_assignments
			WHERE status = 'leased'
			  AND assigned_at < NOW() - $1::interval
			  AND deleted_at IS NULL
			FOR UPDATE SKIP LOCKED
		)
		UPDATE suffix_assignments a
		SET status = 'expired'
		FROM stuck
		WHERE a.id = stuck.id
		RETURNING a.tenant_id, stuck.pool_item_id
	`, m.cfg.LeaseTTL().String())
	if err != nil {
		return fmt.Errorf("expire stuck leases: %w", err)
	}

	byTenant := make(map[string]int)
	var itemIDs []string
	for rows.Next() {
		var tenantID, itemID string
		if err := rows.Scan(&tenantID, &itemID); err != nil {
			rows.Close()
			return fmt.Errorf("scan expired lease: %w", err)
		}
		byTenant[tenantID]++
		itemIDs = append(itemIDs, itemID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("read expired leases: %w", err)
	}
	rows.Close()

	if len(itemIDs) == 0 {
		return tx.Commit()
	}

	// Items consumed between the lease expiring and now keep their status.
	if _, err := tx.ExecContext(ctx, `
		UPDATE pool_items
		SET status = 'available', leased_at = NULL
		WHERE id = ANY($1) AND status = 'leased'
	`, pq.Array(itemIDs)); err != nil {
		return fmt.Errorf("return pool items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit lease recovery: %w", err)
	}

	log.Printf("[RecoveryMonitor] expired %d stuck leases across %d tenants", len(itemIDs), len(byTenant))
	for tenantID, n := range byTenant {
		m.alerter.Raise(ctx, &domain.Alert{
			TenantID: tenantID,
			Type:     domain.AlertLeasesRecovered,
			Level:    domain.AlertInfo,
			Title:    fmt.Sprintf("Recovered %d stuck leases", n),
			Body: fmt.Sprintf("%d assignments leased longer than %s were expired and their pool items returned to available.",
				n, m.cfg.LeaseTTL()),
		})
	}
	return nil
}

// purgeUsage drops ip_usage rows too old to ever match the reuse check
// again.
func (m *RecoveryMonitor) purgeUsage(ctx context.Context) {
	if m.usage == nil {
		return
	}
	cutoff := time.Now().UTC().Add(-2 * proxy.DefaultIPReuseWindow)
	n, err := m.usage.PurgeUsageBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[RecoveryMonitor] ip usage purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[RecoveryMonitor] purged %d aged ip usage rows", n)
	}
}
