// Package proxy picks the SOCKS5 endpoint a production run should dial
// through. Selection walks a tenant's enabled providers in priority order,
// probes each candidate's exit IP, and refuses IPs the campaign has already
// burned within the reuse window.
package proxy

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/redirect"
)

// ErrNoProxyAvailable means every provider was tried and none yielded a
// usable, unburned exit IP.
var ErrNoProxyAvailable = errors.New("no proxy available")

// DefaultIPReuseWindow is how long an exit IP stays burned for a campaign.
const DefaultIPReuseWindow = 24 * time.Hour

// Repository supplies providers and recent exit-IP usage.
type Repository interface {
	// ListEnabledForTenant returns the tenant's assigned, enabled,
	// non-deleted providers ordered by ascending priority, ties broken by
	// creation time.
	ListEnabledForTenant(ctx context.Context, tenantID string) ([]*domain.ProxyProvider, error)
	// RecentExitIPs returns exit IPs recorded for (tenant, campaign) at or
	// after the cutoff.
	RecentExitIPs(ctx context.Context, tenantID, campaignID string, since time.Time) ([]string, error)
}

// Selector builds per-campaign candidate iterators.
type Selector struct {
	repo          Repository
	prober        *Prober
	ipReuseWindow time.Duration
}

// NewSelector wires a selector over the provider repository and prober.
func NewSelector(repo Repository, prober *Prober) *Selector {
	return &Selector{repo: repo, prober: prober, ipReuseWindow: DefaultIPReuseWindow}
}

// Candidate is one ready-to-dial proxy with a verified exit IP.
type Candidate struct {
	Provider *domain.ProxyProvider
	Config   redirect.ProxyConfig
	ExitIP   string
	Country  string
}

// Skip records why a provider was passed over during one selection pass.
type Skip struct {
	ProviderID   string
	ProviderName string
	Reason       string
}

// SelectForCampaign loads the tenant's providers and the campaign's burned
// IPs and returns an iterator over usable candidates. The iterator holds no
// database resources; Next probes lazily.
func (s *Selector) SelectForCampaign(ctx context.Context, tenantID, campaignID, country string) (*Iterator, error) {
	providers, err := s.repo.ListEnabledForTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-s.ipReuseWindow)
	recent, err := s.repo.RecentExitIPs(ctx, tenantID, campaignID, cutoff)
	if err != nil {
		return nil, err
	}
	usedIPs := make(map[string]bool, len(recent))
	for _, ip := range recent {
		usedIPs[ip] = true
	}

	return &Iterator{
		prober:      s.prober,
		tenantID:    tenantID,
		campaignID:  campaignID,
		country:     country,
		providers:   providers,
		usedIPs:     usedIPs,
		sessionSeed: randomToken(32),
	}, nil
}

// Iterator yields candidates one at a time. Each provider is offered at most
// once and each exit IP at most once per pass; IPs yielded earlier in the
// pass count as used even before the producer records them. Not safe for
// concurrent use.
type Iterator struct {
	prober      *Prober
	tenantID    string
	campaignID  string
	country     string
	providers   []*domain.ProxyProvider
	idx         int
	usedIPs     map[string]bool
	sessionSeed string
	skips       []Skip
}

// Next probes providers until one yields a fresh exit IP. Exhaustion returns
// ErrNoProxyAvailable; context errors abort the pass.
func (it *Iterator) Next(ctx context.Context) (*Candidate, error) {
	for it.idx < len(it.providers) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := it.providers[it.idx]
		it.idx++

		username := ExpandTemplate(p.UsernameTemplate, TemplateVars{
			Country:     it.country,
			SessionSeed: it.sessionSeed,
		})
		cfg := redirect.ProxyConfig{
			Host:     p.Host,
			Port:     p.Port,
			Username: username,
			Password: p.Password,
		}

		exitIP, err := it.prober.ExitIP(ctx, &cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			it.skip(p, "probe failed: "+err.Error())
			continue
		}
		if it.usedIPs[exitIP] {
			it.skip(p, "exit ip "+exitIP+" already used for campaign within window")
			continue
		}

		it.usedIPs[exitIP] = true
		return &Candidate{Provider: p, Config: cfg, ExitIP: exitIP, Country: it.country}, nil
	}
	return nil, ErrNoProxyAvailable
}

// MarkUsed adds an exit IP to the pass-local burn set. Batch producers call
// this after recording usage so a retried provider cannot re-yield the IP.
func (it *Iterator) MarkUsed(exitIP string) {
	it.usedIPs[exitIP] = true
}

// Skips returns the providers passed over so far and why.
func (it *Iterator) Skips() []Skip {
	return it.skips
}

func (it *Iterator) skip(p *domain.ProxyProvider, reason string) {
	it.skips = append(it.skips, Skip{ProviderID: p.ID, ProviderName: p.Name, Reason: reason})
	log.Printf("[ProxySelector] skipping provider %s for %s/%s: %s", p.Name, it.tenantID, it.campaignID, reason)
}
