package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/pkg/httputil"
	"github.com/ignite/clickstock/internal/repository/postgres"
	"github.com/ignite/clickstock/internal/worker"
)

// sweepTimeout bounds a manually triggered full sweep, matching the
// scheduler's default job timeout.
const sweepTimeout = 10 * time.Minute

// auditJob appends an audit row for a manual job trigger. Cron-secret calls
// carry no tenant to attribute the row to and are skipped; the scheduler's
// own runs are visible on the jobs status surface. Failures are logged,
// never fatal to the trigger.
func (h *Handlers) auditJob(r *http.Request, action, entityID, detail string) {
	if h.audit == nil {
		return
	}
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return
	}
	entry := &domain.AuditEntry{
		ID:        uuid.New().String(),
		TenantID:  p.TenantID,
		Action:    action,
		Entity:    "job",
		EntityID:  entityID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.audit.RecordAudit(r.Context(), entry); err != nil {
		log.Printf("[api] audit write failed action=%s: %v", action, err)
	}
}

type replenishRequest struct {
	Mode       string `json:"mode"` // "all" or "single"
	CampaignID string `json:"campaignId,omitempty"`
	Force      bool   `json:"force,omitempty"`
}

// HandleJobsReplenish triggers pool replenishment out of schedule. Mode
// "single" tops up one of the caller's campaigns synchronously; mode "all"
// kicks off a full sweep in the background. The cron scheduler calls this
// with the shared secret and mode "all".
//
//	POST /v1/jobs/replenish
func (h *Handlers) HandleJobsReplenish(w http.ResponseWriter, r *http.Request) {
	if h.replenisher == nil {
		httputil.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "replenisher is disabled")
		return
	}

	var req replenishRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	switch req.Mode {
	case "all":
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			if err := h.replenisher.Sweep(ctx); err != nil {
				log.Printf("[api] manual replenish sweep failed: %v", err)
			}
		}()
		h.auditJob(r, "jobs.replenish", "all", `{"mode":"all"}`)
		httputil.JSON(w, http.StatusAccepted, map[string]interface{}{"status": "started", "mode": "all"})

	case "single":
		p, ok := auth.FromContext(r.Context())
		if !ok {
			httputil.Unprocessable(w, r, "mode single requires a tenant api key")
			return
		}
		if req.CampaignID == "" {
			httputil.Unprocessable(w, r, "campaignId is required for mode single")
			return
		}
		produced, err := h.replenisher.ReplenishCampaign(r.Context(), p.TenantID, req.CampaignID, req.Force)
		if errors.Is(err, worker.ErrAlreadyRunning) {
			httputil.Error(w, r, http.StatusConflict, "CONFLICT", "replenish already running for campaign")
			return
		}
		if err != nil {
			httputil.InternalError(w, r, err)
			return
		}
		h.auditJob(r, "jobs.replenish", req.CampaignID,
			fmt.Sprintf(`{"mode":"single","force":%t,"produced":%d}`, req.Force, produced))
		httputil.OK(w, map[string]interface{}{
			"status":     "completed",
			"campaignId": req.CampaignID,
			"produced":   produced,
		})

	default:
		httputil.Unprocessable(w, r, `mode must be "all" or "single"`)
	}
}

type recoveryRequest struct {
	Action string `json:"action"` // "leases", "stock-alerts", "failure-alerts" or "all"
}

// HandleJobsRecovery runs the recovery scans out of schedule.
//
//	POST /v1/jobs/recovery
func (h *Handlers) HandleJobsRecovery(w http.ResponseWriter, r *http.Request) {
	if h.recovery == nil || h.alertScans == nil {
		httputil.Error(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "recovery monitor is disabled")
		return
	}

	var req recoveryRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	var err error
	switch req.Action {
	case "leases":
		err = h.recovery.ExpireStuckLeases(r.Context())
	case "stock-alerts":
		err = h.alertScans.CheckStock(r.Context())
	case "failure-alerts":
		err = h.alertScans.CheckFailureRate(r.Context())
	case "all":
		if err = h.recovery.ExpireStuckLeases(r.Context()); err == nil {
			if err = h.alertScans.CheckStock(r.Context()); err == nil {
				err = h.alertScans.CheckFailureRate(r.Context())
			}
		}
	default:
		httputil.Unprocessable(w, r, `action must be "leases", "stock-alerts", "failure-alerts" or "all"`)
		return
	}

	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	h.auditJob(r, "jobs.recovery", req.Action, fmt.Sprintf(`{"action":%q}`, req.Action))
	httputil.OK(w, map[string]interface{}{"status": "completed", "action": req.Action})
}

type jobsStatusResponse struct {
	Jobs                []worker.JobStatus `json:"jobs"`
	ReplenishQueueDepth int                `json:"replenishQueueDepth"`
}

// HandleJobsStatus reports the scheduler registry and the replenish trigger
// queue depth.
//
//	GET /v1/jobs
func (h *Handlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	resp := jobsStatusResponse{Jobs: []worker.JobStatus{}}
	if h.jobs != nil {
		resp.Jobs = h.jobs.Snapshot()
	}
	if h.replenisher != nil {
		resp.ReplenishQueueDepth = h.replenisher.QueueDepth()
	}
	httputil.OK(w, resp)
}

type alertsResponse struct {
	Alerts []*domain.Alert `json:"alerts"`
}

// HandleJobsAlerts lists the caller's recorded alerts, newest first.
// Supports ?limit, ?level and ?since (RFC 3339) filters.
//
//	GET /v1/jobs/alerts
func (h *Handlers) HandleJobsAlerts(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	var f postgres.AlertFilter
	q := r.URL.Query()

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httputil.Unprocessable(w, r, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}
	if raw := q.Get("level"); raw != "" {
		switch domain.AlertLevel(raw) {
		case domain.AlertInfo, domain.AlertWarning, domain.AlertError:
			f.Level = domain.AlertLevel(raw)
		default:
			httputil.Unprocessable(w, r, `level must be "info", "warning" or "error"`)
			return
		}
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httputil.Unprocessable(w, r, "since must be an RFC 3339 timestamp")
			return
		}
		f.Since = t
	}

	alerts, err := h.alerts.List(r.Context(), p.TenantID, f)
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*domain.Alert{}
	}
	httputil.OK(w, alertsResponse{Alerts: alerts})
}
