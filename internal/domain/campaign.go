package domain

import "time"

// CampaignStatus enumerates the states a synced campaign can be in.
type CampaignStatus string

const (
	CampaignActive   CampaignStatus = "active"
	CampaignInactive CampaignStatus = "inactive"
)

// CampaignMeta is the per-tenant record of an externally owned ad campaign.
// (TenantID, CampaignID) is unique among non-deleted rows. Rows are created
// by an explicit sync call or lazily on first assignment when the request
// carries a meta block.
type CampaignMeta struct {
	ID                string         `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	CampaignID        string         `json:"campaign_id" db:"campaign_id"`
	Name              string         `json:"name" db:"name"`
	CountryCode       string         `json:"country_code" db:"country_code"`
	FinalURL          string         `json:"final_url" db:"final_url"`
	ExternalAccountID string         `json:"external_account_id" db:"external_account_id"`
	Timezone          string         `json:"timezone" db:"timezone"`
	Status            CampaignStatus `json:"status" db:"status"`
	LastSyncedAt      *time.Time     `json:"last_synced_at,omitempty" db:"last_synced_at"`
	CreatedAt         time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at" db:"updated_at"`
	DeletedAt         *time.Time     `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Location returns the campaign's reporting time zone, defaulting to UTC
// when metadata does not specify one or names an unknown zone.
func (c *CampaignMeta) Location() *time.Location {
	if c == nil || c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AffiliateLink is one entry URL for a campaign. The producer uses the
// highest-priority enabled link (lowest Priority value).
type AffiliateLink struct {
	ID         string     `json:"id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	CampaignID string     `json:"campaign_id" db:"campaign_id"`
	URL        string     `json:"url" db:"url"`
	Priority   int        `json:"priority" db:"priority"`
	Enabled    bool       `json:"enabled" db:"enabled"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// ClickState tracks applied and observed click counters for one
// (tenant, campaign). LastAppliedClicks is non-decreasing within a calendar
// day in the campaign's reporting zone and resets only across a day
// boundary.
type ClickState struct {
	TenantID           string    `json:"tenant_id" db:"tenant_id"`
	CampaignID         string    `json:"campaign_id" db:"campaign_id"`
	LastAppliedClicks  int64     `json:"last_applied_clicks" db:"last_applied_clicks"`
	LastObservedClicks int64     `json:"last_observed_clicks" db:"last_observed_clicks"`
	LastObservedAt     time.Time `json:"last_observed_at" db:"last_observed_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}
