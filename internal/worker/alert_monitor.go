package worker

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/domain"
)

// AlertStore persists alerts. *postgres.AlertRepo satisfies it.
type AlertStore interface {
	Record(ctx context.Context, a *domain.Alert) error
	ExistsRecent(ctx context.Context, tenantID string, typ domain.AlertType, campaignID *string, since time.Time) (bool, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Alerter records alerts and pushes each created one to the optional
// webhook. A repeat of the same (tenant, type, campaign) inside the dedup
// window is suppressed.
type Alerter struct {
	store    AlertStore
	notifier *WebhookNotifier
	dedup    time.Duration
}

// NewAlerter wires the alert sink. notifier may be nil.
func NewAlerter(store AlertStore, notifier *WebhookNotifier, dedup time.Duration) *Alerter {
	if dedup <= 0 {
		dedup = time.Hour
	}
	return &Alerter{store: store, notifier: notifier, dedup: dedup}
}

// Raise records the alert unless a duplicate fired inside the dedup window.
// Failures are logged, never propagated: alerting must not break the job
// that noticed the condition.
func (a *Alerter) Raise(ctx context.Context, alert *domain.Alert) {
	since := time.Now().UTC().Add(-a.dedup)
	exists, err := a.store.ExistsRecent(ctx, alert.TenantID, alert.Type, alert.CampaignID, since)
	if err != nil {
		log.Printf("[Alerter] dedup check failed tenant=%s type=%s: %v", alert.TenantID, alert.Type, err)
		return
	}
	if exists {
		return
	}
	if err := a.store.Record(ctx, alert); err != nil {
		log.Printf("[Alerter] record failed tenant=%s type=%s: %v", alert.TenantID, alert.Type, err)
		return
	}
	log.Printf("[Alerter] %s tenant=%s type=%s: %s", alert.Level, alert.TenantID, alert.Type, alert.Title)
	if a.notifier != nil {
		go a.notifier.Notify(alert)
	}
}

// PurgeBefore drops alerts older than cutoff from the store.
func (a *Alerter) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return a.store.PurgeBefore(ctx, cutoff)
}

// AlertMonitor watches stock levels and write failure rates across all
// active campaigns.
type AlertMonitor struct {
	db      *sql.DB
	alerter *Alerter
	cfg     config.RecoveryConfig

	// zeroSince tracks when each campaign's available stock was first seen
	// at zero, keyed tenant/campaign. In-process only: after a restart the
	// clock starts over, which at worst delays one warning by an interval.
	zeroSince *xsync.Map[string, time.Time]
}

// NewAlertMonitor wires a monitor over the shared alert sink.
func NewAlertMonitor(db *sql.DB, alerter *Alerter, cfg config.RecoveryConfig) *AlertMonitor {
	return &AlertMonitor{
		db:        db,
		alerter:   alerter,
		cfg:       cfg,
		zeroSince: xsync.NewMap[string, time.Time](),
	}
}

// Run is the cron entry point: stock checks, failure-rate checks, retention.
func (m *AlertMonitor) Run(ctx context.Context) error {
	if err := m.CheckStock(ctx); err != nil {
		return err
	}
	if err := m.CheckFailureRate(ctx); err != nil {
		return err
	}
	m.purgeExpired(ctx)
	return nil
}

// CheckStock warns on campaigns sitting at zero available stock. Warning
// past the warn threshold, error past the error threshold; the two use
// distinct alert types so escalation is not swallowed by dedup.
func (m *AlertMonitor) CheckStock(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := m.db.QueryContext(ctx, `
		SELECT m.tenant_id, m.campaign_id, COUNT(p.id) AS available
		FROM campaign_meta m
		LEFT JOIN pool_items p
		  ON p.tenant_id = m.tenant_id
		 AND p.campaign_id = m.campaign_id
		 AND p.status = 'available'
		 AND p.deleted_at IS NULL
		WHERE m.status = 'active' AND m.deleted_at IS NULL
		GROUP BY m.tenant_id, m.campaign_id
	`)
	if err != nil {
		return fmt.Errorf("scan stock levels: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	warnAfter := time.Duration(m.cfg.StockZeroWarnMinutes) * time.Minute
	errorAfter := time.Duration(m.cfg.StockZeroErrorMinutes) * time.Minute

	seen := make(map[string]struct{})
	for rows.Next() {
		var tenantID, campaignID string
		var available int
		if err := rows.Scan(&tenantID, &campaignID, &available); err != nil {
			return fmt.Errorf("scan stock row: %w", err)
		}
		key := tenantID + "/" + campaignID
		seen[key] = struct{}{}

		if available > 0 {
			m.zeroSince.Delete(key)
			continue
		}
		onset, _ := m.zeroSince.LoadOrStore(key, now)
		age := now.Sub(onset)
		switch {
		case age > errorAfter:
			m.alerter.Raise(ctx, &domain.Alert{
				TenantID:   tenantID,
				CampaignID: &campaignID,
				Type:       domain.AlertStockZeroLong,
				Level:      domain.AlertError,
				Title:      fmt.Sprintf("Campaign %s out of stock for over %s", campaignID, errorAfter),
				Body:       fmt.Sprintf("No available pool items since %s. Replenishment is not keeping up.", onset.Format(time.RFC3339)),
			})
		case age > warnAfter:
			m.alerter.Raise(ctx, &domain.Alert{
				TenantID:   tenantID,
				CampaignID: &campaignID,
				Type:       domain.AlertStockZero,
				Level:      domain.AlertWarning,
				Title:      fmt.Sprintf("Campaign %s out of stock", campaignID),
				Body:       fmt.Sprintf("No available pool items since %s.", onset.Format(time.RFC3339)),
			})
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read stock rows: %w", err)
	}

	// Campaigns that went inactive while at zero drop out of the scan;
	// forget their onsets.
	m.zeroSince.Range(func(key string, _ time.Time) bool {
		if _, ok := seen[key]; !ok {
			m.zeroSince.Delete(key)
		}
		return true
	})
	return nil
}

// CheckFailureRate raises an error alert for campaigns whose write reports
// in the trailing hour failed above the threshold, given a minimum sample.
func (m *AlertMonitor) CheckFailureRate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := m.db.QueryContext(ctx, `
		SELECT tenant_id, campaign_id,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE NOT write_success) AS failed
		FROM write_logs
		WHERE reported_at >= NOW() - interval '1 hour' AND deleted_at IS NULL
		GROUP BY tenant_id, campaign_id
		HAVING COUNT(*) >= $1
	`, m.cfg.FailureMinSample)
	if err != nil {
		return fmt.Errorf("scan failure rates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tenantID, campaignID string
		var total, failed int
		if err := rows.Scan(&tenantID, &campaignID, &total, &failed); err != nil {
			return fmt.Errorf("scan failure row: %w", err)
		}
		rate := float64(failed) / float64(total)
		if rate <= m.cfg.FailureRateThreshold {
			continue
		}
		m.alerter.Raise(ctx, &domain.Alert{
			TenantID:   tenantID,
			CampaignID: &campaignID,
			Type:       domain.AlertFailureRate,
			Level:      domain.AlertError,
			Title:      fmt.Sprintf("Write failure rate %.0f%% on campaign %s", rate*100, campaignID),
			Body:       fmt.Sprintf("%d of %d write reports in the trailing hour failed.", failed, total),
		})
	}
	return rows.Err()
}

func (m *AlertMonitor) purgeExpired(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -m.cfg.AlertRetentionDays)
	n, err := m.alerter.PurgeBefore(ctx, cutoff)
	if err != nil {
		log.Printf("[AlertMonitor] retention purge failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[AlertMonitor] purged %d alerts past retention", n)
	}
}
