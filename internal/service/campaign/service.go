package campaign

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clickstock/internal/domain"
)

// Service implements campaign metadata business logic. All public methods
// are safe for concurrent use if the underlying repository is
// concurrency-safe.
type Service struct {
	repo Repository
}

// NewService creates a campaign service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SyncInput is one metadata row pushed by the admin sync surface. Empty
// fields leave the stored value untouched so partial rows are safe.
type SyncInput struct {
	CampaignID        string `json:"campaignId"`
	Name              string `json:"name"`
	CountryCode       string `json:"countryCode"`
	FinalURL          string `json:"finalUrl"`
	ExternalAccountID string `json:"externalAccountId"`
	Timezone          string `json:"timezone"`
	Status            string `json:"status"`
}

// Per-row sync results.
const (
	SyncCreated   = "created"
	SyncUpdated   = "updated"
	SyncUnchanged = "unchanged"
	SyncError     = "error"
)

// SyncOutcome reports what happened to one row.
type SyncOutcome struct {
	CampaignID string `json:"campaignId"`
	Result     string `json:"result"`
	Error      string `json:"error,omitempty"`
}

// SyncResult summarizes one sync call.
type SyncResult struct {
	Created   int           `json:"created"`
	Updated   int           `json:"updated"`
	Unchanged int           `json:"unchanged"`
	Failed    int           `json:"failed"`
	Outcomes  []SyncOutcome `json:"outcomes"`
}

// Sync upserts metadata rows. Rows are independent: a bad row is reported in
// its outcome and does not stop the rest. lastSyncedAt is bumped only when a
// row actually created or changed something.
func (s *Service) Sync(ctx context.Context, tenantID string, rows []SyncInput) (*SyncResult, error) {
	out := &SyncResult{Outcomes: make([]SyncOutcome, 0, len(rows))}
	for _, in := range rows {
		oc := s.syncOne(ctx, tenantID, in)
		out.Outcomes = append(out.Outcomes, oc)
		switch oc.Result {
		case SyncCreated:
			out.Created++
		case SyncUpdated:
			out.Updated++
		case SyncUnchanged:
			out.Unchanged++
		default:
			out.Failed++
		}
	}
	return out, nil
}

func (s *Service) syncOne(ctx context.Context, tenantID string, in SyncInput) SyncOutcome {
	oc := SyncOutcome{CampaignID: in.CampaignID}

	if err := validateSyncInput(in); err != nil {
		oc.Result = SyncError
		oc.Error = err.Error()
		return oc
	}

	now := time.Now().UTC()
	meta, err := s.repo.Find(ctx, tenantID, in.CampaignID)
	if err == ErrNotFound {
		created := &domain.CampaignMeta{
			ID:                uuid.New().String(),
			TenantID:          tenantID,
			CampaignID:        in.CampaignID,
			Name:              in.Name,
			CountryCode:       in.CountryCode,
			FinalURL:          in.FinalURL,
			ExternalAccountID: in.ExternalAccountID,
			Timezone:          in.Timezone,
			Status:            statusOrActive(in.Status),
			LastSyncedAt:      &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := s.repo.Create(ctx, created); err != nil {
			oc.Result = SyncError
			oc.Error = "create failed"
			log.Printf("[CampaignSync] create failed tenant=%s campaign=%s: %v", tenantID, in.CampaignID, err)
			return oc
		}
		s.audit(ctx, tenantID, "campaign.created", created.ID, in.CampaignID)
		oc.Result = SyncCreated
		return oc
	}
	if err != nil {
		oc.Result = SyncError
		oc.Error = "lookup failed"
		log.Printf("[CampaignSync] lookup failed tenant=%s campaign=%s: %v", tenantID, in.CampaignID, err)
		return oc
	}

	if !applySyncInput(meta, in) {
		oc.Result = SyncUnchanged
		return oc
	}
	meta.LastSyncedAt = &now
	meta.UpdatedAt = now
	if err := s.repo.Update(ctx, meta); err != nil {
		oc.Result = SyncError
		oc.Error = "update failed"
		log.Printf("[CampaignSync] update failed tenant=%s campaign=%s: %v", tenantID, in.CampaignID, err)
		return oc
	}
	s.audit(ctx, tenantID, "campaign.updated", meta.ID, in.CampaignID)
	oc.Result = SyncUpdated
	return oc
}

// applySyncInput copies non-empty input fields onto meta and reports whether
// anything changed.
func applySyncInput(meta *domain.CampaignMeta, in SyncInput) bool {
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&meta.Name, in.Name)
	set(&meta.CountryCode, in.CountryCode)
	set(&meta.FinalURL, in.FinalURL)
	set(&meta.ExternalAccountID, in.ExternalAccountID)
	set(&meta.Timezone, in.Timezone)
	if in.Status != "" && meta.Status != domain.CampaignStatus(in.Status) {
		meta.Status = domain.CampaignStatus(in.Status)
		changed = true
	}
	return changed
}

func validateSyncInput(in SyncInput) error {
	if in.CampaignID == "" {
		return fmt.Errorf("campaignId is required")
	}
	switch in.Status {
	case "", string(domain.CampaignActive), string(domain.CampaignInactive):
	default:
		return fmt.Errorf("status must be active or inactive")
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return fmt.Errorf("unknown timezone %q", in.Timezone)
		}
	}
	return nil
}

func statusOrActive(s string) domain.CampaignStatus {
	if s == "" {
		return domain.CampaignActive
	}
	return domain.CampaignStatus(s)
}

// Get returns one campaign's metadata.
func (s *Service) Get(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	return s.repo.Find(ctx, tenantID, campaignID)
}

// Stock returns the campaign's pool tallies. The campaign must exist; a
// synced campaign with no pool items yet reports all-zero counts.
func (s *Service) Stock(ctx context.Context, tenantID, campaignID string) (*domain.StockCounts, error) {
	if _, err := s.repo.Find(ctx, tenantID, campaignID); err != nil {
		return nil, err
	}
	return s.repo.StockCounts(ctx, tenantID, campaignID)
}

// audit appends a log row; failures are logged, never fatal to the caller.
func (s *Service) audit(ctx context.Context, tenantID, action, entityID, campaignID string) {
	entry := &domain.AuditEntry{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Action:    action,
		Entity:    "campaign_meta",
		EntityID:  entityID,
		Detail:    fmt.Sprintf(`{"campaignId":%q}`, campaignID),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.RecordAudit(ctx, entry); err != nil {
		log.Printf("[CampaignSync] audit write failed tenant=%s action=%s: %v", tenantID, action, err)
	}
}
