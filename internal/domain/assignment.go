package domain

import "time"

// AssignmentStatus enumerates the lifecycle of a suffix assignment.
// consumed, failed, and expired are terminal; only the referenced pool item
// may re-enter circulation after failed or expired.
type AssignmentStatus string

const (
	AssignLeased   AssignmentStatus = "leased"
	AssignConsumed AssignmentStatus = "consumed"
	AssignFailed   AssignmentStatus = "failed"
	AssignExpired  AssignmentStatus = "expired"
)

// Assignment binds one pool item to one reporting window. There is at most
// one non-deleted row per (TenantID, IdempotencyKey), and at most one row
// with status leased per (TenantID, CampaignID) at any moment.
type Assignment struct {
	ID                      string           `json:"id" db:"id"`
	TenantID                string           `json:"tenant_id" db:"tenant_id"`
	CampaignID              string           `json:"campaign_id" db:"campaign_id"`
	PoolItemID              string           `json:"pool_item_id" db:"pool_item_id"`
	FinalURLSuffix          string           `json:"final_url_suffix" db:"final_url_suffix"`
	IdempotencyKey          string           `json:"idempotency_key" db:"idempotency_key"`
	NowClicksAtAssignTime   int64            `json:"now_clicks_at_assign_time" db:"now_clicks_at_assign_time"`
	WindowStartEpochSeconds int64            `json:"window_start_epoch_seconds" db:"window_start_epoch_seconds"`
	Status                  AssignmentStatus `json:"status" db:"status"`
	Applied                 *bool            `json:"applied,omitempty" db:"applied"`
	ErrorMessage            *string          `json:"error_message,omitempty" db:"error_message"`
	AssignedAt              time.Time        `json:"assigned_at" db:"assigned_at"`
	AckedAt                 *time.Time       `json:"acked_at,omitempty" db:"acked_at"`
	DeletedAt               *time.Time       `json:"deleted_at,omitempty" db:"deleted_at"`
}

// IsTerminal reports whether the assignment can no longer transition.
func (a *Assignment) IsTerminal() bool {
	return a.Status == AssignConsumed || a.Status == AssignFailed || a.Status == AssignExpired
}

// WriteLog records the ad-script's report of the write outcome for one
// assignment. AssignmentID is unique among live rows; a second report is a
// no-op.
type WriteLog struct {
	ID                string     `json:"id" db:"id"`
	AssignmentID      string     `json:"assignment_id" db:"assignment_id"`
	TenantID          string     `json:"tenant_id" db:"tenant_id"`
	CampaignID        string     `json:"campaign_id" db:"campaign_id"`
	WriteSuccess      bool       `json:"write_success" db:"write_success"`
	WriteErrorMessage *string    `json:"write_error_message,omitempty" db:"write_error_message"`
	ReportedAt        time.Time  `json:"reported_at" db:"reported_at"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}
