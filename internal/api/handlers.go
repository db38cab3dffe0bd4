// Package api exposes the HTTP surface: suffix leasing and write reporting
// for ad-scripts, campaign sync and stock for operators, and job triggers
// for the cron scheduler. All /v1 routes require a tenant API key except the
// job triggers, which alternatively accept the shared cron secret.
package api

import (
	"context"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/repository/postgres"
	"github.com/ignite/clickstock/internal/service/assign"
	"github.com/ignite/clickstock/internal/service/campaign"
	"github.com/ignite/clickstock/internal/worker"
)

// SuffixEngine is the assignment decision pipeline.
type SuffixEngine interface {
	AssignBatch(ctx context.Context, tenantID string, items []assign.AssignItem) []assign.AssignResult
	ReportBatch(ctx context.Context, tenantID string, reports []assign.Report) []assign.ReportResult
}

// CampaignDirectory serves campaign metadata and pool stock.
type CampaignDirectory interface {
	Sync(ctx context.Context, tenantID string, rows []campaign.SyncInput) (*campaign.SyncResult, error)
	Stock(ctx context.Context, tenantID, campaignID string) (*domain.StockCounts, error)
}

// ReplenishRunner triggers pool top-ups on demand.
type ReplenishRunner interface {
	ReplenishCampaign(ctx context.Context, tenantID, campaignID string, force bool) (int, error)
	Sweep(ctx context.Context) error
	QueueDepth() int
}

// RecoveryRunner releases stuck leases on demand.
type RecoveryRunner interface {
	ExpireStuckLeases(ctx context.Context) error
}

// AlertScanner runs the alert condition scans on demand.
type AlertScanner interface {
	CheckStock(ctx context.Context) error
	CheckFailureRate(ctx context.Context) error
}

// AlertReader lists recorded alerts for a tenant.
type AlertReader interface {
	List(ctx context.Context, tenantID string, f postgres.AlertFilter) ([]*domain.Alert, error)
}

// JobRegistry reports scheduled job state.
type JobRegistry interface {
	Snapshot() []worker.JobStatus
}

// AuditRecorder appends audit-log rows for manual admin actions.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, entry *domain.AuditEntry) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	engine      SuffixEngine
	campaigns   CampaignDirectory
	replenisher ReplenishRunner
	recovery    RecoveryRunner
	alertScans  AlertScanner
	alerts      AlertReader
	jobs        JobRegistry
	audit       AuditRecorder
	cronSecret  string
}

// NewHandlers creates the handler set. replenisher, recovery, alertScans,
// jobs and audit may be nil when the corresponding capability is disabled;
// the job routes then answer 503 and manual triggers skip the audit row.
func NewHandlers(
	engine SuffixEngine,
	campaigns CampaignDirectory,
	replenisher ReplenishRunner,
	recovery RecoveryRunner,
	alertScans AlertScanner,
	alerts AlertReader,
	jobs JobRegistry,
	audit AuditRecorder,
	cronSecret string,
) *Handlers {
	return &Handlers{
		engine:      engine,
		campaigns:   campaigns,
		replenisher: replenisher,
		recovery:    recovery,
		alertScans:  alertScans,
		alerts:      alerts,
		jobs:        jobs,
		audit:       audit,
		cronSecret:  cronSecret,
	}
}
