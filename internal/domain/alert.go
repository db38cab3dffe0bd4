package domain

import "time"

// AlertLevel is the severity of an operational alert.
type AlertLevel string

const (
	AlertInfo    AlertLevel = "info"
	AlertWarning AlertLevel = "warning"
	AlertError   AlertLevel = "error"
)

// AlertType names the condition that raised an alert. Dedup windows key on
// (TenantID, Type, CampaignID).
type AlertType string

const (
	AlertStockZero       AlertType = "stock_zero"
	AlertStockZeroLong   AlertType = "stock_zero_long"
	AlertLeasesRecovered AlertType = "leases_recovered"
	AlertFailureRate     AlertType = "failure_rate"
)

// Alert is a persisted operational notification. Rows are retained for 30
// days and surfaced over the jobs API.
type Alert struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id"`
	CampaignID     *string    `json:"campaign_id,omitempty" db:"campaign_id"`
	Type           AlertType  `json:"type" db:"type"`
	Level          AlertLevel `json:"level" db:"level"`
	Title          string     `json:"title" db:"title"`
	Body           string     `json:"body" db:"body"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// AuditEntry is one append-only record of a state-changing action, indexed
// by (TenantID, Action, CreatedAt).
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	TenantID  string    `json:"tenant_id" db:"tenant_id"`
	Action    string    `json:"action" db:"action"`
	Entity    string    `json:"entity" db:"entity"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	Detail    string    `json:"detail" db:"detail"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
