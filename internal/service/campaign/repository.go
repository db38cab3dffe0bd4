package campaign

import (
	"context"

	"github.com/ignite/clickstock/internal/domain"
)

// Repository defines the data access contract for campaign metadata.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Find returns one campaign's metadata. Returns ErrNotFound when no
	// non-deleted row exists for (tenantID, campaignID).
	Find(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error)

	// Create inserts a new metadata row.
	Create(ctx context.Context, meta *domain.CampaignMeta) error

	// Update rewrites the mutable fields of an existing row.
	Update(ctx context.Context, meta *domain.CampaignMeta) error

	// StockCounts tallies the campaign's pool items by status.
	StockCounts(ctx context.Context, tenantID, campaignID string) (*domain.StockCounts, error)

	// RecordAudit appends one audit-log row.
	RecordAudit(ctx context.Context, entry *domain.AuditEntry) error
}
