// Package produce composes the proxy selector and the redirect tracker into
// pool items: one affiliate entry URL walked through one proxy yields one
// (suffix, exitIp) pair stocked as available.
package produce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/proxy"
	"github.com/ignite/clickstock/internal/redirect"
)

// ChainTracker walks redirect chains. *redirect.Tracker satisfies it.
type ChainTracker interface {
	Track(ctx context.Context, req redirect.Request) redirect.Result
}

// Config tunes one producer instance.
type Config struct {
	// TotalBudget bounds one ProduceOne call end to end, probes included.
	TotalBudget time.Duration
	// StepRetries retries a single chain hop on connection-class errors.
	StepRetries int
	// MockFallback, for development only, substitutes a direct walk and
	// finally a synthetic suffix when every proxy is exhausted.
	MockFallback bool
}

// Producer turns affiliate entry URLs into stocked pool items.
type Producer struct {
	proxies ProxySource
	tracker ChainTracker
	repo    Repository
	cfg     Config
}

// NewProducer wires a producer. Zero config fields get working defaults.
func NewProducer(proxies ProxySource, tracker ChainTracker, repo Repository, cfg Config) *Producer {
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = 30 * time.Second
	}
	if cfg.StepRetries < 0 {
		cfg.StepRetries = 0
	}
	return &Producer{proxies: proxies, tracker: tracker, repo: repo, cfg: cfg}
}

// Production is one successfully stocked suffix.
type Production struct {
	PoolItemID     string
	FinalURLSuffix string
	ExitIP         string
	TrackedURL     string
	RedirectCount  int
	Mock           bool
}

// BatchResult summarizes one ProduceBatch run.
type BatchResult struct {
	Requested int
	Produced  int
	// Exhausted marks an early stop: no proxy could yield a fresh exit IP
	// for the remaining items. The cron sweep catches up later.
	Exhausted bool
	LastError string
}

// ProduceOne walks the affiliate URL through the first workable proxy and
// stocks the landing query string as an available pool item. Connection-class
// tracker failures rotate to the next candidate; site-class failures surface
// immediately as *TrackFailure.
func (p *Producer) ProduceOne(ctx context.Context, tenantID, campaignID, linkID, affiliateURL, country string) (*Production, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TotalBudget)
	defer cancel()

	if !isHTTPURL(affiliateURL) {
		return nil, ErrInvalidURL
	}

	it, err := p.proxies.SelectForCampaign(ctx, tenantID, campaignID, country)
	if err != nil {
		return nil, fmt.Errorf("select proxies: %w", err)
	}

	for {
		cand, err := it.Next(ctx)
		if errors.Is(err, proxy.ErrNoProxyAvailable) {
			break
		}
		if err != nil {
			return nil, err
		}

		res := p.tracker.Track(ctx, redirect.Request{
			URL:        affiliateURL,
			Proxy:      &cand.Config,
			RetryCount: p.cfg.StepRetries,
		})
		if res.Success {
			return p.store(ctx, storeParams{
				tenantID:   tenantID,
				campaignID: campaignID,
				linkID:     linkID,
				exitIP:     cand.ExitIP,
				suffix:     SuffixFromURL(res.FinalURL),
				trackedURL: res.FinalURL,
				hops:       len(res.Chain),
			})
		}
		if res.ErrorCategory.ConnectionClass() {
			log.Printf("[SuffixProducer] proxy %s failed (%s) tenant=%s campaign=%s, rotating: %s",
				cand.Provider.Name, res.ErrorCategory, tenantID, campaignID, res.ErrorMessage)
			continue
		}
		return nil, &TrackFailure{Category: res.ErrorCategory, Message: res.ErrorMessage}
	}

	if !p.cfg.MockFallback {
		return nil, proxy.ErrNoProxyAvailable
	}
	return p.produceMock(ctx, tenantID, campaignID, linkID, affiliateURL)
}

// produceMock is the dev-only escape hatch: a direct (proxyless) walk, and
// when even that fails, a synthetic suffix tagged with a marker parameter.
func (p *Producer) produceMock(ctx context.Context, tenantID, campaignID, linkID, affiliateURL string) (*Production, error) {
	log.Printf("[SuffixProducer] proxies exhausted tenant=%s campaign=%s, mock fallback engaged", tenantID, campaignID)

	res := p.tracker.Track(ctx, redirect.Request{URL: affiliateURL, RetryCount: p.cfg.StepRetries})
	if res.Success {
		return p.store(ctx, storeParams{
			tenantID:   tenantID,
			campaignID: campaignID,
			linkID:     linkID,
			suffix:     SuffixFromURL(res.FinalURL),
			trackedURL: res.FinalURL,
			hops:       len(res.Chain),
			mock:       true,
		})
	}
	return p.store(ctx, storeParams{
		tenantID:   tenantID,
		campaignID: campaignID,
		linkID:     linkID,
		suffix:     fmt.Sprintf("mock=1&nonce=%s", randNonce(12)),
		mock:       true,
	})
}

// ProduceBatch runs ProduceOne serially until count successes. It stops
// early when proxies are exhausted or a production fails; every success is
// already persisted, so the next sweep resumes from the shortfall.
func (p *Producer) ProduceBatch(ctx context.Context, tenantID, campaignID string, count int) (*BatchResult, error) {
	out := &BatchResult{Requested: count}
	if count <= 0 {
		return out, nil
	}

	meta, err := p.repo.FindCampaignMeta(ctx, tenantID, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign meta: %w", err)
	}
	link, err := p.repo.HighestPriorityLink(ctx, tenantID, campaignID)
	if err != nil {
		return nil, err
	}

	for i := 0; i < count; i++ {
		prod, err := p.ProduceOne(ctx, tenantID, campaignID, link.ID, link.URL, meta.CountryCode)
		if err != nil {
			out.LastError = err.Error()
			out.Exhausted = errors.Is(err, proxy.ErrNoProxyAvailable)
			log.Printf("[SuffixProducer] batch stopped tenant=%s campaign=%s produced=%d/%d: %v",
				tenantID, campaignID, out.Produced, count, err)
			return out, nil
		}
		out.Produced++
		log.Printf("[SuffixProducer] stocked item %s tenant=%s campaign=%s exitIp=%s hops=%d",
			prod.PoolItemID, tenantID, campaignID, prod.ExitIP, prod.RedirectCount)
	}
	return out, nil
}

type storeParams struct {
	tenantID   string
	campaignID string
	linkID     string
	exitIP     string
	suffix     string
	trackedURL string
	hops       int
	mock       bool
}

func (p *Producer) store(ctx context.Context, sp storeParams) (*Production, error) {
	now := time.Now().UTC()

	item := &domain.PoolItem{
		ID:             uuid.NewString(),
		TenantID:       sp.tenantID,
		CampaignID:     sp.campaignID,
		FinalURLSuffix: sp.suffix,
		ExitIP:         sp.exitIP,
		SourceLinkID:   sp.linkID,
		Status:         domain.PoolAvailable,
		CreatedAt:      now,
	}

	// Direct and synthetic productions carry no exit IP and consume no IP
	// budget.
	var usage *domain.IPUsage
	if sp.exitIP != "" {
		usage = &domain.IPUsage{
			ID:         uuid.NewString(),
			TenantID:   sp.tenantID,
			CampaignID: sp.campaignID,
			ExitIP:     sp.exitIP,
			UsedAt:     now,
		}
	}

	detail, _ := json.Marshal(map[string]any{
		"suffix":        sp.suffix,
		"exitIp":        sp.exitIP,
		"trackedUrl":    sp.trackedURL,
		"redirectCount": sp.hops,
		"mock":          sp.mock,
	})
	entry := &domain.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  sp.tenantID,
		Action:    "pool_item.produced",
		Entity:    "pool_item",
		EntityID:  item.ID,
		Detail:    string(detail),
		CreatedAt: now,
	}

	if err := p.repo.StoreProduction(ctx, item, usage, entry); err != nil {
		return nil, fmt.Errorf("store production: %w", err)
	}

	return &Production{
		PoolItemID:     item.ID,
		FinalURLSuffix: sp.suffix,
		ExitIP:         sp.exitIP,
		TrackedURL:     sp.trackedURL,
		RedirectCount:  sp.hops,
		Mock:           sp.mock,
	}, nil
}

// SuffixFromURL returns the tail of a landing URL after the first '?',
// without the '?' itself. Parameter order and case are preserved byte for
// byte; a URL without a query yields "".
func SuffixFromURL(raw string) string {
	_, after, found := strings.Cut(raw, "?")
	if !found {
		return ""
	}
	return after
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

const nonceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randNonce(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = nonceAlphabet[rand.Intn(len(nonceAlphabet))]
	}
	return string(b)
}
