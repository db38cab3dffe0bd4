package assign

import (
	"context"
	"time"

	"github.com/ignite/clickstock/internal/domain"
)

// Repository defines the data access contract for the assignment engine.
// Implementations must be safe for concurrent use. Methods taking a
// *Params struct perform all their row transitions in one transaction.
type Repository interface {
	// FindAssignmentByKey returns the non-deleted assignment for
	// (tenant, idempotency key). Returns ErrAssignmentNotFound if absent.
	FindAssignmentByKey(ctx context.Context, tenantID, idempotencyKey string) (*domain.Assignment, error)

	// FindActiveLease returns the at-most-one leased assignment for the
	// campaign. Returns ErrAssignmentNotFound if none is leased.
	FindActiveLease(ctx context.Context, tenantID, campaignID string) (*domain.Assignment, error)

	// FindAssignment returns an assignment by id scoped to tenant and
	// campaign. Returns ErrAssignmentNotFound if absent.
	FindAssignment(ctx context.Context, tenantID, campaignID, id string) (*domain.Assignment, error)

	// FindCampaignMeta returns campaign metadata.
	// Returns ErrCampaignNotFound if absent.
	FindCampaignMeta(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error)

	// CreateCampaignMeta inserts metadata for a campaign first seen on an
	// assignment request.
	CreateCampaignMeta(ctx context.Context, meta *domain.CampaignMeta) error

	// UpdateCampaignMeta overwrites the mutable metadata attributes and
	// bumps last_synced_at.
	UpdateCampaignMeta(ctx context.Context, meta *domain.CampaignMeta) error

	// GetClickState returns the click counters for the campaign.
	// Returns ErrClickStateNotFound when the campaign has never reported.
	GetClickState(ctx context.Context, tenantID, campaignID string) (*domain.ClickState, error)

	// RecordObserved upserts the click-state row with the latest reported
	// counter and timestamp, leaving last_applied_clicks untouched.
	RecordObserved(ctx context.Context, tenantID, campaignID string, observedClicks int64, observedAt time.Time) error

	// ResetApplied zeroes last_applied_clicks after a day rollover.
	ResetApplied(ctx context.Context, tenantID, campaignID string) error

	// LeaseOldestAvailable atomically claims the oldest available pool item
	// for the campaign, creates the assignment, and raises
	// last_applied_clicks to at least NowClicks. Returns ErrNoStock when the
	// pool is empty and ErrConflict when a concurrent call won a unique
	// constraint (idempotency key or single active lease).
	LeaseOldestAvailable(ctx context.Context, p LeaseParams) (*domain.Assignment, error)

	// FindWriteLog returns the write log row for an assignment.
	// Returns ErrWriteLogNotFound if the outcome was never reported.
	FindWriteLog(ctx context.Context, assignmentID string) (*domain.WriteLog, error)

	// ConsumeAssignment marks the assignment and its pool item consumed and
	// writes the success log row. Returns ErrAlreadyLogged if a log row
	// exists, and ErrLeaseExpired when the assignment is no longer leased;
	// in the latter case the log row still commits but nothing else moves.
	ConsumeAssignment(ctx context.Context, p ReportParams) error

	// FailAssignment marks the assignment failed, returns the pool item to
	// available, and writes the failure log row. Returns ErrAlreadyLogged if
	// a log row exists, and ErrLeaseExpired (log row committed, no other
	// transition) when the assignment is no longer leased.
	FailAssignment(ctx context.Context, p ReportParams) error
}

// LeaseParams carries one atomic lease request.
type LeaseParams struct {
	TenantID                string
	CampaignID              string
	IdempotencyKey          string
	NowClicks               int64
	WindowStartEpochSeconds int64
}

// ReportParams carries one write-outcome transition.
type ReportParams struct {
	TenantID     string
	CampaignID   string
	AssignmentID string
	PoolItemID   string
	ReportedAt   time.Time
	ErrorMessage string
}

// ReplenishTrigger requests asynchronous stock replenishment for a campaign.
// Implementations must return promptly; the work runs elsewhere.
type ReplenishTrigger interface {
	TriggerAsync(tenantID, campaignID string)
}
