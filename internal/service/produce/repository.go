package produce

import (
	"context"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/proxy"
)

// Repository is the persistence surface the producer writes through.
type Repository interface {
	// FindCampaignMeta returns the campaign's synced metadata.
	FindCampaignMeta(ctx context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error)

	// HighestPriorityLink returns the campaign's enabled affiliate link with
	// the lowest priority value, ErrNoEnabledLink when none exists.
	HighestPriorityLink(ctx context.Context, tenantID, campaignID string) (*domain.AffiliateLink, error)

	// StoreProduction persists one produced suffix: the pool item, the
	// exit-IP usage row (skipped when usage is nil), and the audit entry,
	// all in a single transaction.
	StoreProduction(ctx context.Context, item *domain.PoolItem, usage *domain.IPUsage, entry *domain.AuditEntry) error
}

// ProxyIterator yields probed candidates for one production pass.
// *proxy.Iterator satisfies it.
type ProxyIterator interface {
	Next(ctx context.Context) (*proxy.Candidate, error)
	MarkUsed(exitIP string)
	Skips() []proxy.Skip
}

// ProxySource opens candidate iterators. Wraps *proxy.Selector at wiring.
type ProxySource interface {
	SelectForCampaign(ctx context.Context, tenantID, campaignID, country string) (ProxyIterator, error)
}

// SelectorSource lifts *proxy.Selector to the ProxySource interface.
type SelectorSource struct {
	Selector *proxy.Selector
}

func (s SelectorSource) SelectForCampaign(ctx context.Context, tenantID, campaignID, country string) (ProxyIterator, error) {
	it, err := s.Selector.SelectForCampaign(ctx, tenantID, campaignID, country)
	if err != nil {
		return nil, err
	}
	return it, nil
}
