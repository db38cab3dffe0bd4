package assign_test

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/assign"
)

// memRepo is an in-memory assignment repository. It enforces the same
// uniqueness rules as the Postgres schema (one assignment per idempotency
// key, one active lease per campaign, one write log per assignment) so the
// engine's conflict handling is exercised for real.
type memRepo struct {
	mu          sync.Mutex
	metas       map[string]*domain.CampaignMeta // tenant|campaign
	states      map[string]*domain.ClickState   // tenant|campaign
	assignments map[string]*domain.Assignment   // by id
	byKey       map[string]string               // tenant|idempotencyKey -> assignment id
	pool        []*poolItem                     // insertion order = created_at order
	writeLogs   map[string]*domain.WriteLog     // by assignment id

	// failLeases, when positive, makes that many LeaseOldestAvailable calls
	// return ErrConflict before behaving normally.
	failLeases int
	nextID     int
}

type poolItem struct {
	id         string
	tenantID   string
	campaignID string
	suffix     string
	status     domain.PoolItemStatus
}

func newMemRepo() *memRepo {
	return &memRepo{
		metas:       make(map[string]*domain.CampaignMeta),
		states:      make(map[string]*domain.ClickState),
		assignments: make(map[string]*domain.Assignment),
		byKey:       make(map[string]string),
		writeLogs:   make(map[string]*domain.WriteLog),
	}
}

func key(tenantID, campaignID string) string { return tenantID + "|" + campaignID }

func (m *memRepo) addMeta(tenantID, campaignID, timezone string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[key(tenantID, campaignID)] = &domain.CampaignMeta{
		ID: fmt.Sprintf("meta-%s-%s", tenantID, campaignID), TenantID: tenantID,
		CampaignID: campaignID, Name: campaignID, Timezone: timezone,
		Status: domain.CampaignActive,
	}
}

func (m *memRepo) addStock(tenantID, campaignID string, suffixes ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range suffixes {
		m.nextID++
		m.pool = append(m.pool, &poolItem{
			id:         fmt.Sprintf("item-%d", m.nextID),
			tenantID:   tenantID,
			campaignID: campaignID,
			suffix:     s,
			status:     domain.PoolAvailable,
		})
	}
}

func (m *memRepo) poolStatuses(tenantID, campaignID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, it := range m.pool {
		if it.tenantID == tenantID && it.campaignID == campaignID {
			out = append(out, string(it.status))
		}
	}
	return out
}

// expireLease does what the recovery worker does to a stale lease: the
// assignment goes terminal and its pool item returns to available.
func (m *memRepo) expireLease(assignmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.assignments[assignmentID]
	a.Status = domain.AssignExpired
	for _, it := range m.pool {
		if it.id == a.PoolItemID {
			it.status = domain.PoolAvailable
		}
	}
}

func (m *memRepo) FindAssignmentByKey(_ context.Context, tenantID, idempotencyKey string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key(tenantID, idempotencyKey)]
	if !ok {
		return nil, assign.ErrAssignmentNotFound
	}
	cp := *m.assignments[id]
	return &cp, nil
}

func (m *memRepo) FindActiveLease(_ context.Context, tenantID, campaignID string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.assignments {
		if a.TenantID == tenantID && a.CampaignID == campaignID && a.Status == domain.AssignLeased {
			cp := *a
			return &cp, nil
		}
	}
	return nil, assign.ErrAssignmentNotFound
}

func (m *memRepo) FindAssignment(_ context.Context, tenantID, campaignID, id string) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[id]
	if !ok || a.TenantID != tenantID || a.CampaignID != campaignID {
		return nil, assign.ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memRepo) FindCampaignMeta(_ context.Context, tenantID, campaignID string) (*domain.CampaignMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[key(tenantID, campaignID)]
	if !ok {
		return nil, assign.ErrCampaignNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *memRepo) CreateCampaignMeta(_ context.Context, meta *domain.CampaignMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[key(meta.TenantID, meta.CampaignID)]; ok {
		return assign.ErrConflict
	}
	cp := *meta
	m.metas[key(meta.TenantID, meta.CampaignID)] = &cp
	return nil
}

func (m *memRepo) UpdateCampaignMeta(_ context.Context, meta *domain.CampaignMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.metas[key(meta.TenantID, meta.CampaignID)]; !ok {
		return assign.ErrCampaignNotFound
	}
	cp := *meta
	m.metas[key(meta.TenantID, meta.CampaignID)] = &cp
	return nil
}

func (m *memRepo) GetClickState(_ context.Context, tenantID, campaignID string) (*domain.ClickState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(tenantID, campaignID)]
	if !ok {
		return nil, assign.ErrClickStateNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memRepo) RecordObserved(_ context.Context, tenantID, campaignID string, observedClicks int64, observedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key(tenantID, campaignID)]
	if !ok {
		s = &domain.ClickState{TenantID: tenantID, CampaignID: campaignID}
		m.states[key(tenantID, campaignID)] = s
	}
	s.LastObservedClicks = observedClicks
	s.LastObservedAt = observedAt
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memRepo) ResetApplied(_ context.Context, tenantID, campaignID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[key(tenantID, campaignID)]; ok {
		s.LastAppliedClicks = 0
	}
	return nil
}

func (m *memRepo) LeaseOldestAvailable(_ context.Context, p assign.LeaseParams) (*domain.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failLeases > 0 {
		m.failLeases--
		return nil, assign.ErrConflict
	}
	if _, ok := m.byKey[key(p.TenantID, p.IdempotencyKey)]; ok {
		return nil, assign.ErrConflict
	}
	for _, a := range m.assignments {
		if a.TenantID == p.TenantID && a.CampaignID == p.CampaignID && a.Status == domain.AssignLeased {
			return nil, assign.ErrConflict
		}
	}

	var claimed *poolItem
	for _, it := range m.pool {
		if it.tenantID == p.TenantID && it.campaignID == p.CampaignID && it.status == domain.PoolAvailable {
			claimed = it
			break
		}
	}
	if claimed == nil {
		return nil, assign.ErrNoStock
	}
	claimed.status = domain.PoolLeased

	m.nextID++
	a := &domain.Assignment{
		ID:                      fmt.Sprintf("as-%d", m.nextID),
		TenantID:                p.TenantID,
		CampaignID:              p.CampaignID,
		PoolItemID:              claimed.id,
		FinalURLSuffix:          claimed.suffix,
		IdempotencyKey:          p.IdempotencyKey,
		NowClicksAtAssignTime:   p.NowClicks,
		WindowStartEpochSeconds: p.WindowStartEpochSeconds,
		Status:                  domain.AssignLeased,
		AssignedAt:              time.Now().UTC(),
	}
	m.assignments[a.ID] = a
	m.byKey[key(p.TenantID, p.IdempotencyKey)] = a.ID

	s, ok := m.states[key(p.TenantID, p.CampaignID)]
	if !ok {
		s = &domain.ClickState{TenantID: p.TenantID, CampaignID: p.CampaignID}
		m.states[key(p.TenantID, p.CampaignID)] = s
	}
	if p.NowClicks > s.LastAppliedClicks {
		s.LastAppliedClicks = p.NowClicks
	}

	cp := *a
	return &cp, nil
}

func (m *memRepo) FindWriteLog(_ context.Context, assignmentID string) (*domain.WriteLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.writeLogs[assignmentID]
	if !ok {
		return nil, assign.ErrWriteLogNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memRepo) ConsumeAssignment(_ context.Context, p assign.ReportParams) error {
	return m.transition(p, true)
}

func (m *memRepo) FailAssignment(_ context.Context, p assign.ReportParams) error {
	return m.transition(p, false)
}

func (m *memRepo) transition(p assign.ReportParams, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.writeLogs[p.AssignmentID]; ok {
		return assign.ErrAlreadyLogged
	}
	m.nextID++
	m.writeLogs[p.AssignmentID] = &domain.WriteLog{
		ID: fmt.Sprintf("wl-%d", m.nextID), AssignmentID: p.AssignmentID,
		TenantID: p.TenantID, CampaignID: p.CampaignID,
		WriteSuccess: success, ReportedAt: p.ReportedAt,
	}

	a := m.assignments[p.AssignmentID]
	if a.Status != domain.AssignLeased {
		return assign.ErrLeaseExpired
	}
	ack := p.ReportedAt
	a.AckedAt = &ack
	applied := success
	a.Applied = &applied
	if success {
		a.Status = domain.AssignConsumed
	} else {
		a.Status = domain.AssignFailed
		if p.ErrorMessage != "" {
			msg := p.ErrorMessage
			a.ErrorMessage = &msg
		}
	}

	for _, it := range m.pool {
		if it.id == p.PoolItemID {
			if success {
				it.status = domain.PoolConsumed
			} else {
				it.status = domain.PoolAvailable
			}
		}
	}
	return nil
}

// recordTrigger captures replenish kicks. Safe for concurrent use because
// AssignBatch fans campaigns out over goroutines.
type recordTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordTrigger) TriggerAsync(tenantID, campaignID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tenantID+"/"+campaignID)
}

func (r *recordTrigger) campaigns() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.calls...)
	sort.Strings(out)
	return out
}

const testTenant = "t-1"

func observedAt(s string) time.Time {
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return ts
}

func item(campaignID string, nowClicks int64, idemKey string) assign.AssignItem {
	return assign.AssignItem{
		CampaignID:              campaignID,
		NowClicks:               nowClicks,
		ObservedAt:              observedAt("2026-08-25T10:00:00Z"),
		WindowStartEpochSeconds: 1787997600,
		IdempotencyKey:          idemKey,
	}
}

func assignOne(t *testing.T, e *assign.Engine, it assign.AssignItem) assign.AssignResult {
	t.Helper()
	results := e.AssignBatch(context.Background(), testTenant, []assign.AssignItem{it})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	return results[0]
}

func reportOne(t *testing.T, e *assign.Engine, rep assign.Report) assign.ReportResult {
	t.Helper()
	results := e.ReportBatch(context.Background(), testTenant, []assign.Report{rep})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	return results[0]
}

func TestAssignFreshApply(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "gclid=abc&t=1")
	trigger := &recordTrigger{}
	e := assign.NewEngine(repo, trigger)

	res := assignOne(t, e, item("c1", 5, "k1"))

	if res.Action != assign.ActionApply {
		t.Fatalf("expected APPLY, got %+v", res)
	}
	if res.FinalURLSuffix == nil || *res.FinalURLSuffix != "gclid=abc&t=1" {
		t.Fatalf("wrong suffix: %+v", res.FinalURLSuffix)
	}
	if res.AssignmentID == "" {
		t.Fatal("assignmentId must be set on APPLY")
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"leased"}) {
		t.Fatalf("pool item should be leased, got %v", got)
	}
	state, err := repo.GetClickState(context.Background(), testTenant, "c1")
	if err != nil || state.LastAppliedClicks != 5 {
		t.Fatalf("applied counter should be 5, got %+v (%v)", state, err)
	}
	if got := trigger.campaigns(); !reflect.DeepEqual(got, []string{"t-1/c1"}) {
		t.Fatalf("lease should kick replenish once, got %v", got)
	}
}

func TestAssignReplayIsByteIdentical(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "gclid=abc&t=1")
	e := assign.NewEngine(repo, nil)

	first := assignOne(t, e, item("c1", 5, "k1"))
	replay := assignOne(t, e, item("c1", 5, "k1"))

	if !reflect.DeepEqual(first, replay) {
		t.Fatalf("replay must return the identical result:\n first: %+v\nreplay: %+v", first, replay)
	}
	if len(repo.assignments) != 1 {
		t.Fatalf("replay must not create a second assignment, have %d", len(repo.assignments))
	}
}

func TestAssignReplayOfCompletedWindowNoops(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	first := assignOne(t, e, item("c1", 5, "k1"))
	res := reportOne(t, e, assign.Report{AssignmentID: first.AssignmentID, CampaignID: "c1", WriteSuccess: false, WriteErrorMessage: "quota"})
	if !res.OK {
		t.Fatalf("report failed: %+v", res)
	}

	// The key now points at a failed assignment; replaying it must not
	// hand out a new suffix.
	replay := assignOne(t, e, item("c1", 5, "k1"))
	if replay.Action != assign.ActionNoop || replay.Reason != assign.ReasonReplayCompleted {
		t.Fatalf("expected NOOP replay-of-completed-window, got %+v", replay)
	}
}

func TestAssignNoopWhenCounterUnchanged(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1", "s=2")
	e := assign.NewEngine(repo, nil)

	first := assignOne(t, e, item("c1", 6, "k1"))
	if first.Action != assign.ActionApply {
		t.Fatalf("setup lease failed: %+v", first)
	}
	reportOne(t, e, assign.Report{AssignmentID: first.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	for _, now := range []int64{6, 5, 0} {
		res := assignOne(t, e, item("c1", now, fmt.Sprintf("k-noop-%d", now)))
		if res.Action != assign.ActionNoop || res.Reason != assign.ReasonDeltaNotPositive {
			t.Fatalf("nowClicks=%d: expected NOOP delta<=0, got %+v", now, res)
		}
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"consumed", "available"}) {
		t.Fatalf("NOOPs must not touch the pool, got %v", got)
	}
}

func TestAssignDeltaOfOneApplies(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1", "s=2")
	e := assign.NewEngine(repo, nil)

	first := assignOne(t, e, item("c1", 6, "k1"))
	reportOne(t, e, assign.Report{AssignmentID: first.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	res := assignOne(t, e, item("c1", 7, "k2"))
	if res.Action != assign.ActionApply {
		t.Fatalf("delta of exactly 1 must APPLY, got %+v", res)
	}
	if *res.FinalURLSuffix != "s=2" {
		t.Fatalf("second lease must use the next pool item, got %s", *res.FinalURLSuffix)
	}
}

func TestAssignPendingImportWithoutMeta(t *testing.T) {
	repo := newMemRepo()
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	res := assignOne(t, e, item("c1", 5, "k1"))
	if res.Code != assign.CodePendingImport {
		t.Fatalf("expected PENDING_IMPORT for unknown campaign, got %+v", res)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"available"}) {
		t.Fatalf("pool must stay untouched, got %v", got)
	}
}

func TestAssignInlineMetaHydrates(t *testing.T) {
	repo := newMemRepo()
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	it := item("c1", 5, "k1")
	it.Meta = &assign.MetaInput{Name: "Spring Sale", CountryCode: "US", Timezone: "America/New_York"}
	res := assignOne(t, e, it)

	if res.Action != assign.ActionApply {
		t.Fatalf("inline meta should hydrate and APPLY, got %+v", res)
	}
	meta, err := repo.FindCampaignMeta(context.Background(), testTenant, "c1")
	if err != nil {
		t.Fatalf("meta not created: %v", err)
	}
	if meta.Name != "Spring Sale" || meta.Timezone != "America/New_York" {
		t.Fatalf("meta fields not stored: %+v", meta)
	}
	if meta.Status != domain.CampaignActive {
		t.Fatalf("hydrated campaign must default to active, got %s", meta.Status)
	}
}

func TestAssignInlineMetaUpdatesDrift(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	it := item("c1", 5, "k1")
	it.Meta = &assign.MetaInput{Name: "Renamed", CountryCode: "DE"}
	if res := assignOne(t, e, it); res.Action != assign.ActionApply {
		t.Fatalf("expected APPLY, got %+v", res)
	}

	meta, _ := repo.FindCampaignMeta(context.Background(), testTenant, "c1")
	if meta.Name != "Renamed" || meta.CountryCode != "DE" {
		t.Fatalf("drifted fields not applied: %+v", meta)
	}
	if meta.Timezone != "UTC" {
		t.Fatalf("unmentioned fields must survive the update: %+v", meta)
	}
}

func TestAssignNoStockTriggersReplenish(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	trigger := &recordTrigger{}
	e := assign.NewEngine(repo, trigger)

	res := assignOne(t, e, item("c1", 5, "k1"))
	if res.Code != assign.CodeNoStock {
		t.Fatalf("expected NO_STOCK, got %+v", res)
	}
	if got := trigger.campaigns(); !reflect.DeepEqual(got, []string{"t-1/c1"}) {
		t.Fatalf("drained pool must kick replenish, got %v", got)
	}

	// Replenishment lands; the retry with a fresh key succeeds.
	repo.addStock(testTenant, "c1", "s=late")
	retry := assignOne(t, e, item("c1", 5, "k2"))
	if retry.Action != assign.ActionApply || *retry.FinalURLSuffix != "s=late" {
		t.Fatalf("post-replenish retry should APPLY, got %+v", retry)
	}
}

func TestAssignReusesActiveLeaseForNewKey(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1", "s=2")
	e := assign.NewEngine(repo, nil)

	first := assignOne(t, e, item("c1", 5, "k1"))

	// Script rerun inside the window: higher counter, fresh key, but the
	// suffix already leased for this campaign is still in flight.
	rerun := assignOne(t, e, item("c1", 6, "k2"))
	if rerun.Action != assign.ActionApply {
		t.Fatalf("expected APPLY, got %+v", rerun)
	}
	if rerun.AssignmentID != first.AssignmentID {
		t.Fatalf("rerun must reuse the active lease: %s vs %s", rerun.AssignmentID, first.AssignmentID)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"leased", "available"}) {
		t.Fatalf("second item must stay available, got %v", got)
	}
}

func TestAssignDayRolloverResetsApplied(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "America/New_York")
	repo.addStock(testTenant, "c1", "s=old", "s=new")
	e := assign.NewEngine(repo, nil)

	// Yesterday evening New York time: counter reached 10 and was consumed.
	evening := item("c1", 10, "k1")
	evening.ObservedAt = observedAt("2026-08-25T02:30:00Z") // Aug 24, 22:30 EDT
	first := assignOne(t, e, evening)
	if first.Action != assign.ActionApply {
		t.Fatalf("setup: %+v", first)
	}
	reportOne(t, e, assign.Report{AssignmentID: first.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	// This morning the platform counter restarted at 3. 3-10 <= 0, but the
	// local date advanced, so the applied counter resets and 3 clicks apply.
	morning := item("c1", 3, "k2")
	morning.ObservedAt = observedAt("2026-08-25T12:00:00Z") // Aug 25, 08:00 EDT
	res := assignOne(t, e, morning)
	if res.Action != assign.ActionApply {
		t.Fatalf("rollover must reset the applied counter, got %+v", res)
	}

	state, _ := repo.GetClickState(context.Background(), testTenant, "c1")
	if state.LastAppliedClicks != 3 {
		t.Fatalf("applied counter should be 3 after rollover lease, got %d", state.LastAppliedClicks)
	}
}

func TestAssignSameLocalDayLowerCounterNoops(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "America/New_York")
	repo.addStock(testTenant, "c1", "s=1", "s=2")
	e := assign.NewEngine(repo, nil)

	first := item("c1", 10, "k1")
	first.ObservedAt = observedAt("2026-08-25T12:00:00Z")
	lease := assignOne(t, e, first)
	reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	// Same New York date, counter glitches downward: not a rollover.
	later := item("c1", 4, "k2")
	later.ObservedAt = observedAt("2026-08-25T18:00:00Z")
	res := assignOne(t, e, later)
	if res.Action != assign.ActionNoop || res.Reason != assign.ReasonDeltaNotPositive {
		t.Fatalf("intraday counter dip must NOOP, got %+v", res)
	}
}

func TestAssignRetriesConflictThenSucceeds(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	repo.failLeases = 1
	e := assign.NewEngine(repo, nil)

	res := assignOne(t, e, item("c1", 5, "k1"))
	if res.Action != assign.ActionApply {
		t.Fatalf("one conflict must be retried into APPLY, got %+v", res)
	}
}

func TestAssignConflictRetriesExhausted(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	repo.failLeases = 100
	e := assign.NewEngine(repo, nil)

	res := assignOne(t, e, item("c1", 5, "k1"))
	if res.Code != assign.CodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR after retry budget, got %+v", res)
	}
	if res.Message == "" {
		t.Fatal("internal errors must tell the caller to retry with the same key")
	}
}

func TestAssignBatchKeepsInputOrder(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addMeta(testTenant, "c2", "UTC")
	repo.addStock(testTenant, "c1", "c1-s1")
	repo.addStock(testTenant, "c2", "c2-s1")
	e := assign.NewEngine(repo, nil)

	items := []assign.AssignItem{
		item("c1", 5, "k1"),
		item("c2", 3, "k2"),
		item("c1", 5, "k1"), // replay inside the same batch
		item("c3", 1, "k4"), // unknown campaign
	}
	results := e.AssignBatch(context.Background(), testTenant, items)

	if len(results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(results))
	}
	for i, it := range items {
		if results[i].CampaignID != it.CampaignID || results[i].IdempotencyKey != it.IdempotencyKey {
			t.Fatalf("result %d out of position: %+v", i, results[i])
		}
	}
	if results[0].Action != assign.ActionApply || results[1].Action != assign.ActionApply {
		t.Fatalf("independent campaigns must both APPLY: %+v / %+v", results[0], results[1])
	}
	if results[2].AssignmentID != results[0].AssignmentID {
		t.Fatalf("in-batch replay must return the first assignment: %+v", results[2])
	}
	if results[3].Code != assign.CodePendingImport {
		t.Fatalf("unknown campaign must report PENDING_IMPORT, got %+v", results[3])
	}
}

func TestAssignTenantsDoNotShareStock(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addMeta("t-2", "c1", "UTC")
	repo.addStock("t-2", "c1", "other-tenant-suffix")
	e := assign.NewEngine(repo, nil)

	res := assignOne(t, e, item("c1", 5, "k1"))
	if res.Code != assign.CodeNoStock {
		t.Fatalf("tenant must not see another tenant's pool, got %+v", res)
	}
}

func TestReportConsumeRetiresItem(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	res := reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	if !res.OK || res.Message != "" {
		t.Fatalf("fresh success report should be ok with no message, got %+v", res)
	}
	a, _ := repo.FindAssignment(context.Background(), testTenant, "c1", lease.AssignmentID)
	if a.Status != domain.AssignConsumed || a.Applied == nil || !*a.Applied {
		t.Fatalf("assignment should be consumed+applied, got %+v", a)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"consumed"}) {
		t.Fatalf("pool item should be consumed, got %v", got)
	}
}

func TestReportFailureRecoversStock(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "gclid=abc&t=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	res := reportOne(t, e, assign.Report{
		AssignmentID: lease.AssignmentID, CampaignID: "c1",
		WriteSuccess: false, WriteErrorMessage: "google ads rejected the suffix",
	})
	if !res.OK {
		t.Fatalf("failure report should still be ok, got %+v", res)
	}

	a, _ := repo.FindAssignment(context.Background(), testTenant, "c1", lease.AssignmentID)
	if a.Status != domain.AssignFailed || a.ErrorMessage == nil {
		t.Fatalf("assignment should be failed with message, got %+v", a)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"available"}) {
		t.Fatalf("pool item should return to available, got %v", got)
	}

	// The recovered suffix is handed out again on the next delta.
	release := assignOne(t, e, item("c1", 6, "k2"))
	if release.Action != assign.ActionApply || *release.FinalURLSuffix != "gclid=abc&t=1" {
		t.Fatalf("recovered suffix should be re-leased, got %+v", release)
	}
}

func TestReportReplayIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	// A retried report, even one contradicting the first, changes nothing.
	replay := reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: false, WriteErrorMessage: "late duplicate"})
	if !replay.OK || replay.Message != "already-logged" {
		t.Fatalf("expected already-logged, got %+v", replay)
	}
	a, _ := repo.FindAssignment(context.Background(), testTenant, "c1", lease.AssignmentID)
	if a.Status != domain.AssignConsumed {
		t.Fatalf("first report must win, got %s", a.Status)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"consumed"}) {
		t.Fatalf("pool item must stay consumed, got %v", got)
	}
}

func TestReportAfterRecoveryExpiry(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	repo.expireLease(lease.AssignmentID)

	res := reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true})
	if !res.OK || res.Message != "lease-expired" {
		t.Fatalf("expected lease-expired, got %+v", res)
	}

	a, _ := repo.FindAssignment(context.Background(), testTenant, "c1", lease.AssignmentID)
	if a.Status != domain.AssignExpired {
		t.Fatalf("expired is terminal, got %s", a.Status)
	}
	if got := repo.poolStatuses(testTenant, "c1"); !reflect.DeepEqual(got, []string{"available"}) {
		t.Fatalf("reclaimed item must stay available, got %v", got)
	}
	if _, err := repo.FindWriteLog(context.Background(), lease.AssignmentID); err != nil {
		t.Fatalf("late report must still leave a log row: %v", err)
	}
}

func TestReportUnknownAssignment(t *testing.T) {
	repo := newMemRepo()
	e := assign.NewEngine(repo, nil)

	res := reportOne(t, e, assign.Report{AssignmentID: "as-ghost", CampaignID: "c1", WriteSuccess: true})
	if res.OK || res.Message != "not-found" {
		t.Fatalf("expected not-found, got %+v", res)
	}
}

func TestReportBatchMixedOutcomes(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	results := e.ReportBatch(context.Background(), testTenant, []assign.Report{
		{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true},
		{AssignmentID: "as-ghost", CampaignID: "c1", WriteSuccess: true},
		{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true},
	})

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK || results[0].Message != "" {
		t.Fatalf("first: %+v", results[0])
	}
	if results[1].OK || results[1].Message != "not-found" {
		t.Fatalf("second: %+v", results[1])
	}
	if !results[2].OK || results[2].Message != "already-logged" {
		t.Fatalf("third: %+v", results[2])
	}
}

func TestReportDefaultsReportedAt(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	e := assign.NewEngine(repo, nil)

	lease := assignOne(t, e, item("c1", 5, "k1"))
	before := time.Now().UTC()
	reportOne(t, e, assign.Report{AssignmentID: lease.AssignmentID, CampaignID: "c1", WriteSuccess: true})

	a, _ := repo.FindAssignment(context.Background(), testTenant, "c1", lease.AssignmentID)
	if a.AckedAt == nil || a.AckedAt.Before(before) {
		t.Fatalf("zero ReportedAt must default to now, got %+v", a.AckedAt)
	}
}

func TestAssignContextCancellation(t *testing.T) {
	repo := newMemRepo()
	repo.addMeta(testTenant, "c1", "UTC")
	repo.addStock(testTenant, "c1", "s=1")
	repo.failLeases = 100 // force the retry loop into its backoff wait
	e := assign.NewEngine(repo, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := e.AssignBatch(ctx, testTenant, []assign.AssignItem{item("c1", 5, "k1")})
	if results[0].Code != assign.CodeInternalError {
		t.Fatalf("cancelled context must surface INTERNAL_ERROR, got %+v", results[0])
	}
}
