package assign

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/clickstock/internal/domain"
)

// Action is the terminal decision for one assign item.
type Action string

const (
	ActionApply Action = "APPLY"
	ActionNoop  Action = "NOOP"
)

// Outcome codes carried in per-item results when neither APPLY nor NOOP
// applies. The HTTP layer maps them to statuses.
const (
	CodeNoStock       = "NO_STOCK"
	CodePendingImport = "PENDING_IMPORT"
	CodeInternalError = "INTERNAL_ERROR"
)

// NOOP reasons.
const (
	ReasonDeltaNotPositive = "delta<=0"
	ReasonReplayCompleted  = "replay-of-completed-window"
)

const (
	// MaxBatchSize bounds items per assign or report call.
	MaxBatchSize = 100

	maxLeaseAttempts = 3
	retryBaseDelay   = 50 * time.Millisecond

	campaignParallelism = 8
)

// AssignItem is one campaign's click report inside an assign batch.
type AssignItem struct {
	CampaignID              string
	NowClicks               int64
	ObservedAt              time.Time
	WindowStartEpochSeconds int64
	IdempotencyKey          string
	Meta                    *MetaInput
}

// MetaInput is the optional campaign metadata block accompanying a first
// assignment for an unsynced campaign.
type MetaInput struct {
	Name              string
	CountryCode       string
	FinalURL          string
	ExternalAccountID string
	Timezone          string
}

// AssignResult is the per-item outcome. Exactly one of Action or Code is
// set: Action for the APPLY/NOOP decisions, Code for error outcomes.
type AssignResult struct {
	CampaignID     string  `json:"campaignId"`
	IdempotencyKey string  `json:"idempotencyKey"`
	Action         Action  `json:"action,omitempty"`
	AssignmentID   string  `json:"assignmentId,omitempty"`
	FinalURLSuffix *string `json:"finalUrlSuffix,omitempty"`
	Reason         string  `json:"reason,omitempty"`
	Code           string  `json:"code,omitempty"`
	Message        string  `json:"message,omitempty"`
}

// Report is one write-outcome notification from the ad-script.
type Report struct {
	AssignmentID      string
	CampaignID        string
	WriteSuccess      bool
	WriteErrorMessage string
	ReportedAt        time.Time
}

// ReportResult is the per-report outcome.
type ReportResult struct {
	AssignmentID string `json:"assignmentId"`
	OK           bool   `json:"ok"`
	Message      string `json:"message,omitempty"`
}

// Engine implements the assignment decisions. All public methods are safe
// for concurrent use if the underlying repository is concurrency-safe.
type Engine struct {
	repo      Repository
	replenish ReplenishTrigger
}

// NewEngine creates an assignment engine. replenish may be nil, in which
// case drained pools wait for the next cron sweep.
func NewEngine(repo Repository, replenish ReplenishTrigger) *Engine {
	return &Engine{repo: repo, replenish: replenish}
}

// AssignBatch processes up to MaxBatchSize click reports. Items are grouped
// by campaign; groups run in parallel while items within a group run in
// input order, preserving per-campaign serialization. One item's failure
// never blocks another's outcome.
func (e *Engine) AssignBatch(ctx context.Context, tenantID string, items []AssignItem) []AssignResult {
	results := make([]AssignResult, len(items))

	groups := make(map[string][]int, len(items))
	for i, it := range items {
		groups[it.CampaignID] = append(groups[it.CampaignID], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(campaignParallelism)
	for _, idxs := range groups {
		idxs := idxs
		g.Go(func() error {
			for _, i := range idxs {
				results[i] = e.assignOne(gctx, tenantID, items[i])
			}
			return nil
		})
	}
	// Workers only record per-item outcomes, never fail the group.
	_ = g.Wait()

	return results
}

// assignOne runs the decision pipeline for a single item, retrying the
// lease step on storage conflicts.
func (e *Engine) assignOne(ctx context.Context, tenantID string, item AssignItem) AssignResult {
	base := AssignResult{CampaignID: item.CampaignID, IdempotencyKey: item.IdempotencyKey}

	for attempt := 0; ; attempt++ {
		res, err := e.tryAssign(ctx, tenantID, item)
		if err == nil {
			return res
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxLeaseAttempts-1 {
			if errors.Is(err, ErrConflict) {
				log.Printf("[assign.Engine] conflict retries exhausted tenant=%s campaign=%s key=%s",
					tenantID, item.CampaignID, item.IdempotencyKey)
			} else {
				log.Printf("[assign.Engine] assign failed tenant=%s campaign=%s key=%s: %v",
					tenantID, item.CampaignID, item.IdempotencyKey, err)
			}
			base.Code = CodeInternalError
			base.Message = "assignment failed, retry with the same idempotencyKey"
			return base
		}

		jitter := retryBaseDelay + time.Duration(rand.Int63n(int64(retryBaseDelay)*int64(attempt+1)))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			base.Code = CodeInternalError
			base.Message = "request cancelled"
			return base
		}
	}
}

func (e *Engine) tryAssign(ctx context.Context, tenantID string, item AssignItem) (AssignResult, error) {
	res := AssignResult{CampaignID: item.CampaignID, IdempotencyKey: item.IdempotencyKey}

	// Idempotency: an assignment under this key decides the outcome.
	existing, err := e.repo.FindAssignmentByKey(ctx, tenantID, item.IdempotencyKey)
	if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
		return res, fmt.Errorf("idempotency lookup: %w", err)
	}
	if existing != nil {
		switch existing.Status {
		case domain.AssignLeased, domain.AssignConsumed:
			res.Action = ActionApply
			res.AssignmentID = existing.ID
			res.FinalURLSuffix = &existing.FinalURLSuffix
		default:
			res.Action = ActionNoop
			res.Reason = ReasonReplayCompleted
		}
		return res, nil
	}

	// Metadata hydration.
	meta, err := e.repo.FindCampaignMeta(ctx, tenantID, item.CampaignID)
	switch {
	case errors.Is(err, ErrCampaignNotFound):
		if item.Meta == nil {
			res.Code = CodePendingImport
			res.Message = "campaign metadata not imported yet"
			return res, nil
		}
		meta = item.Meta.toDomain(tenantID, item.CampaignID)
		if err := e.repo.CreateCampaignMeta(ctx, meta); err != nil {
			if errors.Is(err, ErrConflict) {
				return res, ErrConflict
			}
			return res, fmt.Errorf("create campaign meta: %w", err)
		}
	case err != nil:
		return res, fmt.Errorf("campaign meta lookup: %w", err)
	default:
		if item.Meta != nil && item.Meta.differsFrom(meta) {
			item.Meta.applyTo(meta)
			if err := e.repo.UpdateCampaignMeta(ctx, meta); err != nil {
				return res, fmt.Errorf("update campaign meta: %w", err)
			}
		}
	}

	// Click state: read the prior counters, then record the observation.
	prior, err := e.repo.GetClickState(ctx, tenantID, item.CampaignID)
	if err != nil && !errors.Is(err, ErrClickStateNotFound) {
		return res, fmt.Errorf("click state lookup: %w", err)
	}
	if err := e.repo.RecordObserved(ctx, tenantID, item.CampaignID, item.NowClicks, item.ObservedAt); err != nil {
		return res, fmt.Errorf("record observation: %w", err)
	}

	var lastApplied int64
	var lastObservedAt time.Time
	if prior != nil {
		lastApplied = prior.LastAppliedClicks
		lastObservedAt = prior.LastObservedAt
	}

	delta := item.NowClicks - lastApplied
	if delta <= 0 && lastApplied > 0 && dayRolledOver(lastObservedAt, item.ObservedAt, meta.Location()) {
		if err := e.repo.ResetApplied(ctx, tenantID, item.CampaignID); err != nil {
			return res, fmt.Errorf("reset applied clicks: %w", err)
		}
		lastApplied = 0
		delta = item.NowClicks
	}

	if delta <= 0 {
		res.Action = ActionNoop
		res.Reason = ReasonDeltaNotPositive
		return res, nil
	}

	// A leased assignment for this campaign covers script reruns inside the
	// same window that arrive under a fresh idempotency key.
	lease, err := e.repo.FindActiveLease(ctx, tenantID, item.CampaignID)
	if err != nil && !errors.Is(err, ErrAssignmentNotFound) {
		return res, fmt.Errorf("active lease lookup: %w", err)
	}
	if lease != nil {
		res.Action = ActionApply
		res.AssignmentID = lease.ID
		res.FinalURLSuffix = &lease.FinalURLSuffix
		return res, nil
	}

	created, err := e.repo.LeaseOldestAvailable(ctx, LeaseParams{
		TenantID:                tenantID,
		CampaignID:              item.CampaignID,
		IdempotencyKey:          item.IdempotencyKey,
		NowClicks:               item.NowClicks,
		WindowStartEpochSeconds: item.WindowStartEpochSeconds,
	})
	if errors.Is(err, ErrNoStock) {
		e.kickReplenish(tenantID, item.CampaignID)
		res.Code = CodeNoStock
		res.Message = "suffix pool is empty, replenishment triggered"
		return res, nil
	}
	if err != nil {
		// Unique-constraint losers re-read the winner's row on retry.
		return res, err
	}

	e.kickReplenish(tenantID, item.CampaignID)
	res.Action = ActionApply
	res.AssignmentID = created.ID
	res.FinalURLSuffix = &created.FinalURLSuffix
	return res, nil
}

// ReportBatch records up to MaxBatchSize write outcomes. Reports are
// idempotent: the first log row per assignment wins and repeats return
// already-logged.
func (e *Engine) ReportBatch(ctx context.Context, tenantID string, reports []Report) []ReportResult {
	results := make([]ReportResult, len(reports))
	for i, rep := range reports {
		results[i] = e.reportOne(ctx, tenantID, rep)
	}
	return results
}

func (e *Engine) reportOne(ctx context.Context, tenantID string, rep Report) ReportResult {
	res := ReportResult{AssignmentID: rep.AssignmentID}

	a, err := e.repo.FindAssignment(ctx, tenantID, rep.CampaignID, rep.AssignmentID)
	if errors.Is(err, ErrAssignmentNotFound) {
		res.Message = "not-found"
		return res
	}
	if err != nil {
		log.Printf("[assign.Engine] report lookup failed tenant=%s assignment=%s: %v", tenantID, rep.AssignmentID, err)
		res.Message = "internal-error"
		return res
	}

	if _, err := e.repo.FindWriteLog(ctx, a.ID); err == nil {
		res.OK = true
		res.Message = "already-logged"
		return res
	} else if !errors.Is(err, ErrWriteLogNotFound) {
		log.Printf("[assign.Engine] write log lookup failed assignment=%s: %v", a.ID, err)
		res.Message = "internal-error"
		return res
	}

	reportedAt := rep.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now().UTC()
	}
	params := ReportParams{
		TenantID:     tenantID,
		CampaignID:   rep.CampaignID,
		AssignmentID: a.ID,
		PoolItemID:   a.PoolItemID,
		ReportedAt:   reportedAt,
		ErrorMessage: rep.WriteErrorMessage,
	}

	if rep.WriteSuccess {
		err = e.repo.ConsumeAssignment(ctx, params)
	} else {
		err = e.repo.FailAssignment(ctx, params)
	}
	if errors.Is(err, ErrAlreadyLogged) {
		res.OK = true
		res.Message = "already-logged"
		return res
	}
	if errors.Is(err, ErrLeaseExpired) {
		// Recovery reclaimed this lease before the script reported. The log
		// row is kept as evidence; the assignment and its pool item stay as
		// recovery left them (the item may already carry a new lease).
		res.OK = true
		res.Message = "lease-expired"
		return res
	}
	if err != nil {
		log.Printf("[assign.Engine] report transition failed assignment=%s success=%v: %v", a.ID, rep.WriteSuccess, err)
		res.Message = "internal-error"
		return res
	}

	res.OK = true
	return res
}

func (e *Engine) kickReplenish(tenantID, campaignID string) {
	if e.replenish != nil {
		e.replenish.TriggerAsync(tenantID, campaignID)
	}
}

// dayRolledOver reports whether the incoming observation falls on a later
// calendar date than the previous one, compared as YYYY-MM-DD strings in the
// campaign's reporting zone. This is how TODAY-semantic counters that reset
// at local midnight are detected.
func dayRolledOver(prevObservedAt, nowObservedAt time.Time, loc *time.Location) bool {
	if prevObservedAt.IsZero() {
		return false
	}
	prev := prevObservedAt.In(loc).Format("2006-01-02")
	curr := nowObservedAt.In(loc).Format("2006-01-02")
	return prev < curr
}

func (m *MetaInput) toDomain(tenantID, campaignID string) *domain.CampaignMeta {
	return &domain.CampaignMeta{
		TenantID:          tenantID,
		CampaignID:        campaignID,
		Name:              m.Name,
		CountryCode:       m.CountryCode,
		FinalURL:          m.FinalURL,
		ExternalAccountID: m.ExternalAccountID,
		Timezone:          m.Timezone,
		Status:            domain.CampaignActive,
	}
}

func (m *MetaInput) differsFrom(meta *domain.CampaignMeta) bool {
	return (m.Name != "" && m.Name != meta.Name) ||
		(m.CountryCode != "" && m.CountryCode != meta.CountryCode) ||
		(m.FinalURL != "" && m.FinalURL != meta.FinalURL) ||
		(m.ExternalAccountID != "" && m.ExternalAccountID != meta.ExternalAccountID) ||
		(m.Timezone != "" && m.Timezone != meta.Timezone)
}

func (m *MetaInput) applyTo(meta *domain.CampaignMeta) {
	if m.Name != "" {
		meta.Name = m.Name
	}
	if m.CountryCode != "" {
		meta.CountryCode = m.CountryCode
	}
	if m.FinalURL != "" {
		meta.FinalURL = m.FinalURL
	}
	if m.ExternalAccountID != "" {
		meta.ExternalAccountID = m.ExternalAccountID
	}
	if m.Timezone != "" {
		meta.Timezone = m.Timezone
	}
}
