package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultJobTimeout = 10 * time.Minute

// JobStatus is one scheduled job's run history, surfaced by GET /v1/jobs.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Runs      int64      `json:"runs"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastError string     `json:"lastError,omitempty"`
	NextRun   *time.Time `json:"nextRun,omitempty"`
}

// Registry schedules background jobs on cron expressions and tracks their
// outcomes. One instance per process.
type Registry struct {
	cron *cron.Cron

	mu      sync.RWMutex
	jobs    map[string]*jobRecord
	order   []string
	started bool
}

type jobRecord struct {
	status  JobStatus
	entryID cron.EntryID
	timeout time.Duration
}

// NewRegistry creates an empty job registry using standard 5-field cron
// expressions.
func NewRegistry() *Registry {
	return &Registry{
		cron: cron.New(),
		jobs: make(map[string]*jobRecord),
	}
}

// Register schedules fn under the given cron expression. Each run gets a
// fresh context bounded by timeout (default 10 min). Duplicate names are
// rejected.
func (r *Registry) Register(name, spec string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[name]; exists {
		return fmt.Errorf("register job %q: already registered", name)
	}

	rec := &jobRecord{
		status:  JobStatus{Name: name, Schedule: spec},
		timeout: timeout,
	}
	entryID, err := r.cron.AddFunc(spec, func() { r.run(name, fn) })
	if err != nil {
		return fmt.Errorf("register job %q: %w", name, err)
	}
	rec.entryID = entryID
	r.jobs[name] = rec
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) run(name string, fn func(ctx context.Context) error) {
	r.mu.RLock()
	rec := r.jobs[name]
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), rec.timeout)
	defer cancel()

	start := time.Now().UTC()
	err := fn(ctx)

	r.mu.Lock()
	rec.status.Runs++
	rec.status.LastRun = &start
	if err != nil {
		rec.status.LastError = err.Error()
	} else {
		rec.status.LastError = ""
	}
	r.mu.Unlock()

	if err != nil {
		log.Printf("[JobRegistry] job %s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
	}
}

// Start begins firing schedules. Safe to call once.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.cron.Start()
	log.Printf("[JobRegistry] started with %d jobs", len(r.jobs))
}

// Stop halts the scheduler and waits for running jobs to finish.
func (r *Registry) Stop(ctx context.Context) {
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		log.Println("[JobRegistry] stop wait cancelled with jobs still running")
	}
}

// Snapshot returns the status of every registered job in registration
// order, with NextRun filled from the live schedule.
func (r *Registry) Snapshot() []JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]JobStatus, 0, len(r.order))
	for _, name := range r.order {
		rec := r.jobs[name]
		st := rec.status
		if r.started {
			if next := r.cron.Entry(rec.entryID).Next; !next.IsZero() {
				n := next
				st.NextRun = &n
			}
		}
		out = append(out, st)
	}
	return out
}
