//go:build ignore
// +build ignore

// Lease Load Test - validates suffix assignment throughput under concurrent
// ad-script polling.
//
// Test Scenarios:
// 1. Steady Polling - N script instances × M campaigns, batched lease +
//    report every cycle, advancing click counters
// 2. Retry Storm - every payload re-sent verbatim; replays must return the
//    original outcome and never mint a second assignment
// 3. Exhaustion Burst - hammer one campaign past its stock and measure
//    NO_STOCK turnaround while replenishment catches up
//
// Usage:
//
//	go run scripts/lease_loadtest.go \
//	  --base-url=http://localhost:8080 \
//	  --api-key=ky_live_xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx \
//	  --scenario=all \
//	  --scripts=25 \
//	  --campaigns=100 \
//	  --cycles=20 \
//	  --batch-size=50
//
// The target tenant needs synced campaigns named load-c-0..load-c-(M-1)
// with stocked pools, or rely on inline meta hydration plus a running
// replenisher (the script sends a meta block on every item).
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

type LeaseLoadConfig struct {
	BaseURL  string
	APIKey   string
	Scenario string // all, steady, retry-storm, exhaustion

	Scripts     int // concurrent script instances
	Campaigns   int
	Cycles      int // polling cycles per script
	BatchSize   int
	FailureRate float64 // fraction of reports sent as write failures

	RequestTimeout time.Duration
}

func DefaultLeaseLoadConfig() *LeaseLoadConfig {
	return &LeaseLoadConfig{
		BaseURL:        "http://localhost:8080",
		Scenario:       "all",
		Scripts:        25,
		Campaigns:      100,
		Cycles:         20,
		BatchSize:      50,
		FailureRate:    0.05,
		RequestTimeout: 30 * time.Second,
	}
}

// =============================================================================
// METRICS COLLECTION
// =============================================================================

type LeaseLoadMetrics struct {
	mu sync.Mutex

	RequestsSent   int64
	RequestErrors  int64
	Non200Statuses int64

	Applies        int64
	Noops          int64
	NoStock        int64
	PendingImport  int64
	InternalErrors int64

	ReportsOK     int64
	ReportsFailed int64

	ReplayMints      int64 // replays that minted a new assignment (must stay 0)
	ReplayMismatches int64 // replays returning a different suffix for the same assignment

	LeaseLatencies []time.Duration
}

func (m *LeaseLoadMetrics) RecordLease(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.LeaseLatencies) < 200_000 {
		m.LeaseLatencies = append(m.LeaseLatencies, latency)
	}
}

func (m *LeaseLoadMetrics) Percentile(p float64) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.LeaseLatencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(m.LeaseLatencies))
	copy(sorted, m.LeaseLatencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

func (m *LeaseLoadMetrics) CountAction(action, code string) {
	switch {
	case code == "NO_STOCK":
		atomic.AddInt64(&m.NoStock, 1)
	case code == "PENDING_IMPORT":
		atomic.AddInt64(&m.PendingImport, 1)
	case code == "INTERNAL_ERROR":
		atomic.AddInt64(&m.InternalErrors, 1)
	case action == "APPLY":
		atomic.AddInt64(&m.Applies, 1)
	case action == "NOOP":
		atomic.AddInt64(&m.Noops, 1)
	}
}

// =============================================================================
// API CLIENT
// =============================================================================

type apiClient struct {
	base    string
	key     string
	metrics *LeaseLoadMetrics
	http    *http.Client
}

type leaseItem struct {
	CampaignID              string            `json:"campaignId"`
	NowClicks               int64             `json:"nowClicks"`
	ObservedAt              time.Time         `json:"observedAt"`
	WindowStartEpochSeconds int64             `json:"windowStartEpochSeconds"`
	IdempotencyKey          string            `json:"idempotencyKey"`
	Meta                    map[string]string `json:"meta,omitempty"`
}

type leaseResult struct {
	CampaignID     string  `json:"campaignId"`
	Action         string  `json:"action"`
	AssignmentID   string  `json:"assignmentId"`
	FinalURLSuffix *string `json:"finalUrlSuffix"`
	Code           string  `json:"code"`
}

type reportItem struct {
	AssignmentID      string `json:"assignmentId"`
	CampaignID        string `json:"campaignId"`
	WriteSuccess      bool   `json:"writeSuccess"`
	WriteErrorMessage string `json:"writeErrorMessage,omitempty"`
}

func (c *apiClient) post(path string, payload, out interface{}) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key)

	atomic.AddInt64(&c.metrics.RequestsSent, 1)
	resp, err := c.http.Do(req)
	if err != nil {
		atomic.AddInt64(&c.metrics.RequestErrors, 1)
		return 0, nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		atomic.AddInt64(&c.metrics.RequestErrors, 1)
		return resp.StatusCode, nil, err
	}
	raw := buf.Bytes()
	if resp.StatusCode != http.StatusOK {
		atomic.AddInt64(&c.metrics.Non200Statuses, 1)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, raw, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp.StatusCode, raw, nil
}

func (c *apiClient) leaseBatch(items []leaseItem, script string) ([]leaseResult, []byte, error) {
	start := time.Now()
	var out struct {
		Results []leaseResult `json:"results"`
	}
	_, raw, err := c.post("/v1/suffix/lease/batch", map[string]interface{}{
		"campaigns":        items,
		"scriptInstanceId": script,
		"cycleMinutes":     15,
	}, &out)
	c.metrics.RecordLease(time.Since(start))
	return out.Results, raw, err
}

func (c *apiClient) reportBatch(reports []reportItem) error {
	var out struct {
		Results []struct {
			OK bool `json:"ok"`
		} `json:"results"`
	}
	_, _, err := c.post("/v1/suffix/report/batch", map[string]interface{}{"reports": reports}, &out)
	if err != nil {
		return err
	}
	for _, r := range out.Results {
		if r.OK {
			atomic.AddInt64(&c.metrics.ReportsOK, 1)
		} else {
			atomic.AddInt64(&c.metrics.ReportsFailed, 1)
		}
	}
	return nil
}

// =============================================================================
// SCENARIOS
// =============================================================================

// runSteadyPolling drives Scripts workers, each walking its share of the
// campaign space for Cycles rounds. Click counters advance every round so
// most items are fresh APPLY work.
func runSteadyPolling(cfg *LeaseLoadConfig, m *LeaseLoadMetrics) {
	log.Printf("--- scenario: steady polling (%d scripts × %d campaigns × %d cycles) ---",
		cfg.Scripts, cfg.Campaigns, cfg.Cycles)

	var wg sync.WaitGroup
	for s := 0; s < cfg.Scripts; s++ {
		wg.Add(1)
		go func(script int) {
			defer wg.Done()
			c := newClient(cfg, m)
			rng := rand.New(rand.NewSource(int64(script)))
			clicks := make(map[string]int64)

			for cycle := 0; cycle < cfg.Cycles; cycle++ {
				window := time.Now().Truncate(15 * time.Minute).Unix()
				items := make([]leaseItem, 0, cfg.BatchSize)
				for i := 0; i < cfg.BatchSize; i++ {
					camp := fmt.Sprintf("load-c-%d", rng.Intn(cfg.Campaigns))
					clicks[camp] += int64(rng.Intn(3)) // 0..2 new clicks
					items = append(items, leaseItem{
						CampaignID:              camp,
						NowClicks:               clicks[camp],
						ObservedAt:              time.Now().UTC(),
						WindowStartEpochSeconds: window,
						IdempotencyKey:          fmt.Sprintf("lt-s%d-c%d-%s-%d", script, cycle, camp, clicks[camp]),
						Meta: map[string]string{
							"name":     "Load " + camp,
							"timezone": "UTC",
						},
					})
				}

				results, _, err := c.leaseBatch(items, fmt.Sprintf("loadtest-%d", script))
				if err != nil {
					continue
				}

				reports := make([]reportItem, 0, len(results))
				for _, r := range results {
					m.CountAction(r.Action, r.Code)
					if r.Action == "APPLY" && r.AssignmentID != "" {
						reports = append(reports, reportItem{
							AssignmentID: r.AssignmentID,
							CampaignID:   r.CampaignID,
							WriteSuccess: rng.Float64() >= cfg.FailureRate,
						})
					}
				}
				if len(reports) > 0 {
					if err := c.reportBatch(reports); err != nil {
						log.Printf("script %d: report batch failed: %v", script, err)
					}
				}
			}
		}(s)
	}
	wg.Wait()
}

// runRetryStorm sends one batch, then re-sends the identical payload from
// several goroutines at once. Every replay must return the first response.
func runRetryStorm(cfg *LeaseLoadConfig, m *LeaseLoadMetrics) {
	log.Printf("--- scenario: retry storm (%d replayers) ---", cfg.Scripts)

	c := newClient(cfg, m)
	window := time.Now().Truncate(15 * time.Minute).Unix()
	items := make([]leaseItem, 0, cfg.BatchSize)
	for i := 0; i < cfg.BatchSize; i++ {
		camp := fmt.Sprintf("load-c-%d", i%cfg.Campaigns)
		items = append(items, leaseItem{
			CampaignID:              camp,
			NowClicks:               1_000_000, // far above steady counters
			ObservedAt:              time.Now().UTC(),
			WindowStartEpochSeconds: window,
			IdempotencyKey:          fmt.Sprintf("storm-%s-%d", camp, window),
			Meta:                    map[string]string{"name": "Load " + camp, "timezone": "UTC"},
		})
	}

	original, _, err := c.leaseBatch(items, "storm-origin")
	if err != nil {
		log.Printf("retry storm seed failed: %v", err)
		return
	}
	firstIDs := make(map[string]string, len(original))
	firstSuffix := make(map[string]string, len(original))
	for _, r := range original {
		m.CountAction(r.Action, r.Code)
		if r.Action == "APPLY" && r.AssignmentID != "" {
			firstIDs[r.CampaignID] = r.AssignmentID
			if r.FinalURLSuffix != nil {
				firstSuffix[r.CampaignID] = *r.FinalURLSuffix
			}
		}
	}

	var wg sync.WaitGroup
	for s := 0; s < cfg.Scripts; s++ {
		wg.Add(1)
		go func(script int) {
			defer wg.Done()
			rc := newClient(cfg, m)
			replay, _, err := rc.leaseBatch(items, "storm-origin")
			if err != nil {
				return
			}
			for _, r := range replay {
				id, ok := firstIDs[r.CampaignID]
				if !ok {
					continue // original hit NO_STOCK; a later APPLY is legitimate
				}
				if r.AssignmentID != id {
					atomic.AddInt64(&m.ReplayMints, 1)
					continue
				}
				if want := firstSuffix[r.CampaignID]; r.FinalURLSuffix != nil && *r.FinalURLSuffix != want {
					atomic.AddInt64(&m.ReplayMismatches, 1)
				}
			}
		}(s)
	}
	wg.Wait()
}

// runExhaustionBurst rains distinct keys with climbing counters onto one
// campaign until the pool gives out, then counts how fast NO_STOCK turns
// back into APPLY as the replenisher refills.
func runExhaustionBurst(cfg *LeaseLoadConfig, m *LeaseLoadMetrics) {
	log.Printf("--- scenario: exhaustion burst (single campaign) ---")

	c := newClient(cfg, m)
	camp := "load-burst"
	window := time.Now().Truncate(15 * time.Minute).Unix()

	var clicks int64 = 2_000_000
	sawNoStock := false
	recoveredAt := time.Time{}
	burstStart := time.Now()

	for i := 0; i < cfg.Cycles*cfg.BatchSize; i++ {
		clicks++
		results, _, err := c.leaseBatch([]leaseItem{{
			CampaignID:              camp,
			NowClicks:               clicks,
			ObservedAt:              time.Now().UTC(),
			WindowStartEpochSeconds: window,
			IdempotencyKey:          fmt.Sprintf("burst-%d-%d", window, clicks),
			Meta:                    map[string]string{"name": "Load burst", "timezone": "UTC"},
		}}, "burst")
		if err != nil || len(results) == 0 {
			continue
		}
		r := results[0]
		m.CountAction(r.Action, r.Code)

		switch {
		case r.Code == "NO_STOCK":
			sawNoStock = true
		case sawNoStock && r.Action == "APPLY" && recoveredAt.IsZero():
			recoveredAt = time.Now()
		}
		if r.Action == "APPLY" && r.AssignmentID != "" {
			c.reportBatch([]reportItem{{AssignmentID: r.AssignmentID, CampaignID: camp, WriteSuccess: true}})
		}
	}

	if sawNoStock && !recoveredAt.IsZero() {
		log.Printf("exhaustion: first NO_STOCK→APPLY recovery after %v", recoveredAt.Sub(burstStart).Round(time.Millisecond))
	} else if sawNoStock {
		log.Printf("exhaustion: pool never recovered during the burst (is the replenisher running?)")
	} else {
		log.Printf("exhaustion: pool never drained; raise --cycles or lower the campaign's stock")
	}
}

// =============================================================================
// MAIN
// =============================================================================

func main() {
	cfg := DefaultLeaseLoadConfig()
	flag.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "server base URL")
	flag.StringVar(&cfg.APIKey, "api-key", cfg.APIKey, "tenant API key (ky_live_... or ky_test_...)")
	flag.StringVar(&cfg.Scenario, "scenario", cfg.Scenario, "all, steady, retry-storm, exhaustion")
	flag.IntVar(&cfg.Scripts, "scripts", cfg.Scripts, "concurrent script instances")
	flag.IntVar(&cfg.Campaigns, "campaigns", cfg.Campaigns, "campaign count (load-c-0..N-1)")
	flag.IntVar(&cfg.Cycles, "cycles", cfg.Cycles, "polling cycles per script")
	flag.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "items per lease batch (max 100)")
	flag.Float64Var(&cfg.FailureRate, "report-failure-rate", cfg.FailureRate, "fraction of reports sent as write failures")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", cfg.RequestTimeout, "per-request timeout")
	flag.Parse()

	if cfg.APIKey == "" {
		log.Fatal("--api-key is required")
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 100 {
		log.Fatal("--batch-size must be between 1 and 100")
	}

	m := &LeaseLoadMetrics{}
	start := time.Now()

	switch cfg.Scenario {
	case "all":
		runSteadyPolling(cfg, m)
		runRetryStorm(cfg, m)
		runExhaustionBurst(cfg, m)
	case "steady":
		runSteadyPolling(cfg, m)
	case "retry-storm":
		runRetryStorm(cfg, m)
	case "exhaustion":
		runExhaustionBurst(cfg, m)
	default:
		log.Fatalf("unknown scenario %q", cfg.Scenario)
	}

	printReport(cfg, m, time.Since(start))
	if m.ReplayMints > 0 || m.ReplayMismatches > 0 {
		os.Exit(1)
	}
}

func newClient(cfg *LeaseLoadConfig, m *LeaseLoadMetrics) *apiClient {
	return &apiClient{
		base:    cfg.BaseURL,
		key:     cfg.APIKey,
		metrics: m,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
	}
}

func printReport(cfg *LeaseLoadConfig, m *LeaseLoadMetrics, elapsed time.Duration) {
	requests := atomic.LoadInt64(&m.RequestsSent)
	rps := float64(requests) / elapsed.Seconds()

	fmt.Println()
	fmt.Println("================================================================")
	fmt.Println("  LEASE LOAD TEST REPORT")
	fmt.Println("================================================================")
	fmt.Printf("  Scenario:            %s\n", cfg.Scenario)
	fmt.Printf("  Duration:            %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Requests:            %d (%.1f/s)\n", requests, rps)
	fmt.Printf("  Transport errors:    %d\n", atomic.LoadInt64(&m.RequestErrors))
	fmt.Printf("  Non-200 responses:   %d\n", atomic.LoadInt64(&m.Non200Statuses))
	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("  APPLY:               %d\n", atomic.LoadInt64(&m.Applies))
	fmt.Printf("  NOOP:                %d\n", atomic.LoadInt64(&m.Noops))
	fmt.Printf("  NO_STOCK:            %d\n", atomic.LoadInt64(&m.NoStock))
	fmt.Printf("  PENDING_IMPORT:      %d\n", atomic.LoadInt64(&m.PendingImport))
	fmt.Printf("  INTERNAL_ERROR:      %d\n", atomic.LoadInt64(&m.InternalErrors))
	fmt.Printf("  Reports ok/failed:   %d/%d\n", atomic.LoadInt64(&m.ReportsOK), atomic.LoadInt64(&m.ReportsFailed))
	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("  Lease latency p50:   %v\n", m.Percentile(0.50).Round(time.Microsecond))
	fmt.Printf("  Lease latency p95:   %v\n", m.Percentile(0.95).Round(time.Microsecond))
	fmt.Printf("  Lease latency p99:   %v\n", m.Percentile(0.99).Round(time.Microsecond))
	fmt.Println("----------------------------------------------------------------")
	fmt.Printf("  Replay mints:        %d (must be 0)\n", atomic.LoadInt64(&m.ReplayMints))
	fmt.Printf("  Replay mismatches:   %d (must be 0)\n", atomic.LoadInt64(&m.ReplayMismatches))
	fmt.Println("================================================================")
}
