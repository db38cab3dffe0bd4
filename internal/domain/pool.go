package domain

import "time"

// PoolItemStatus enumerates the lifecycle of a stocked suffix.
type PoolItemStatus string

const (
	PoolAvailable PoolItemStatus = "available"
	PoolLeased    PoolItemStatus = "leased"
	PoolConsumed  PoolItemStatus = "consumed"
	PoolFailed    PoolItemStatus = "failed"
)

// PoolItem is one pre-built tracking-URL suffix waiting to be assigned.
// Lifecycle: available on creation, leased when an assignment references it,
// consumed on a successful write report, back to available when the
// assignment fails or expires, failed on unrecoverable errors or staleness.
type PoolItem struct {
	ID              string         `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	CampaignID      string         `json:"campaign_id" db:"campaign_id"`
	FinalURLSuffix  string         `json:"final_url_suffix" db:"final_url_suffix"`
	ExitIP          string         `json:"exit_ip" db:"exit_ip"`
	SourceLinkID    string         `json:"source_affiliate_link_id" db:"source_affiliate_link_id"`
	Status          PoolItemStatus `json:"status" db:"status"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	LeasedAt        *time.Time     `json:"leased_at,omitempty" db:"leased_at"`
	ConsumedAt      *time.Time     `json:"consumed_at,omitempty" db:"consumed_at"`
	DeletedAt       *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// StockCounts is a per-status tally of one campaign's pool.
type StockCounts struct {
	TenantID   string `json:"tenant_id" db:"tenant_id"`
	CampaignID string `json:"campaign_id" db:"campaign_id"`
	Available  int    `json:"available" db:"available"`
	Leased     int    `json:"leased" db:"leased"`
	Consumed   int    `json:"consumed" db:"consumed"`
	Failed     int    `json:"failed" db:"failed"`
}

// IPUsage records that an exit IP produced a suffix for a campaign. Rows
// older than 24 h no longer constrain proxy selection and may be purged.
type IPUsage struct {
	ID         string    `json:"id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	CampaignID string    `json:"campaign_id" db:"campaign_id"`
	ExitIP     string    `json:"exit_ip" db:"exit_ip"`
	UsedAt     time.Time `json:"used_at" db:"used_at"`
}
