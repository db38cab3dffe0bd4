package api

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/pkg/httputil"
	"github.com/ignite/clickstock/internal/service/assign"
)

// leaseItem is one campaign's click report. The ad-script sends the counter
// it just read (nowClicks) plus the window it belongs to; the response says
// whether to apply a fresh suffix.
type leaseItem struct {
	CampaignID              string     `json:"campaignId"`
	NowClicks               int64      `json:"nowClicks"`
	ObservedAt              time.Time  `json:"observedAt"`
	WindowStartEpochSeconds int64      `json:"windowStartEpochSeconds"`
	IdempotencyKey          string     `json:"idempotencyKey"`
	Meta                    *leaseMeta `json:"meta,omitempty"`
}

type leaseMeta struct {
	Name              string `json:"name"`
	CountryCode       string `json:"countryCode"`
	FinalURL          string `json:"finalUrl"`
	ExternalAccountID string `json:"externalAccountId"`
	Timezone          string `json:"timezone"`
}

const maxIdempotencyKeyLen = 128

func (it *leaseItem) validate() string {
	if it.CampaignID == "" {
		return "campaignId is required"
	}
	if it.NowClicks < 0 {
		return "nowClicks must not be negative"
	}
	if it.ObservedAt.IsZero() {
		return "observedAt is required"
	}
	if it.WindowStartEpochSeconds <= 0 {
		return "windowStartEpochSeconds must be positive"
	}
	if it.IdempotencyKey == "" {
		return "idempotencyKey is required"
	}
	if len(it.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Sprintf("idempotencyKey must be at most %d characters", maxIdempotencyKeyLen)
	}
	return ""
}

func (it *leaseItem) toAssignItem() assign.AssignItem {
	out := assign.AssignItem{
		CampaignID:              it.CampaignID,
		NowClicks:               it.NowClicks,
		ObservedAt:              it.ObservedAt.UTC(),
		WindowStartEpochSeconds: it.WindowStartEpochSeconds,
		IdempotencyKey:          it.IdempotencyKey,
	}
	if it.Meta != nil {
		out.Meta = &assign.MetaInput{
			Name:              it.Meta.Name,
			CountryCode:       it.Meta.CountryCode,
			FinalURL:          it.Meta.FinalURL,
			ExternalAccountID: it.Meta.ExternalAccountID,
			Timezone:          it.Meta.Timezone,
		}
	}
	return out
}

// leaseStatus maps a per-item outcome onto the HTTP status used when the
// item travels alone. Batch responses are always 200.
func leaseStatus(res assign.AssignResult) int {
	switch res.Code {
	case "":
		return http.StatusOK
	case assign.CodePendingImport:
		return http.StatusAccepted
	case assign.CodeNoStock:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// HandleLease processes a single click report.
//
//	POST /v1/suffix/lease
func (h *Handlers) HandleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseItem
	if !httputil.Decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.Unprocessable(w, r, msg)
		return
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	results := h.engine.AssignBatch(r.Context(), p.TenantID, []assign.AssignItem{req.toAssignItem()})
	res := results[0]
	httputil.JSON(w, leaseStatus(res), res)
}

type leaseBatchRequest struct {
	Campaigns        []leaseItem `json:"campaigns"`
	ScriptInstanceID string      `json:"scriptInstanceId"`
	CycleMinutes     int         `json:"cycleMinutes"`
}

type leaseBatchResponse struct {
	Results []assign.AssignResult `json:"results"`
}

// HandleLeaseBatch processes one polling cycle's worth of click reports.
// The response is always 200 with per-item outcomes; one campaign's failure
// never hides another's suffix.
//
//	POST /v1/suffix/lease/batch
func (h *Handlers) HandleLeaseBatch(w http.ResponseWriter, r *http.Request) {
	var req leaseBatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Campaigns) == 0 {
		httputil.Unprocessable(w, r, "campaigns must not be empty")
		return
	}
	if len(req.Campaigns) > assign.MaxBatchSize {
		httputil.Unprocessable(w, r, fmt.Sprintf("campaigns must not exceed %d items", assign.MaxBatchSize))
		return
	}
	if req.CycleMinutes < 10 || req.CycleMinutes > 60 {
		httputil.Unprocessable(w, r, "cycleMinutes must be between 10 and 60")
		return
	}
	for i := range req.Campaigns {
		if msg := req.Campaigns[i].validate(); msg != "" {
			httputil.ErrorWithDetails(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", msg,
				map[string]interface{}{"index": i, "campaignId": req.Campaigns[i].CampaignID})
			return
		}
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	items := make([]assign.AssignItem, len(req.Campaigns))
	for i := range req.Campaigns {
		items[i] = req.Campaigns[i].toAssignItem()
	}

	results := h.engine.AssignBatch(r.Context(), p.TenantID, items)
	log.Printf("[api] lease batch tenant=%s script=%s items=%d", p.TenantID, req.ScriptInstanceID, len(items))
	httputil.OK(w, leaseBatchResponse{Results: results})
}

// reportRequest is the ad-script's write outcome for one assignment.
type reportRequest struct {
	AssignmentID      string    `json:"assignmentId"`
	CampaignID        string    `json:"campaignId"`
	WriteSuccess      *bool     `json:"writeSuccess"`
	WriteErrorMessage string    `json:"writeErrorMessage,omitempty"`
	ReportedAt        time.Time `json:"reportedAt,omitempty"`
}

func (rr *reportRequest) validate() string {
	if rr.AssignmentID == "" {
		return "assignmentId is required"
	}
	if rr.CampaignID == "" {
		return "campaignId is required"
	}
	if rr.WriteSuccess == nil {
		return "writeSuccess is required"
	}
	return ""
}

func (rr *reportRequest) toReport() assign.Report {
	return assign.Report{
		AssignmentID:      rr.AssignmentID,
		CampaignID:        rr.CampaignID,
		WriteSuccess:      *rr.WriteSuccess,
		WriteErrorMessage: rr.WriteErrorMessage,
		ReportedAt:        rr.ReportedAt.UTC(),
	}
}

func reportStatus(res assign.ReportResult) int {
	switch {
	case res.OK:
		return http.StatusOK
	case res.Message == "not-found":
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// HandleReport records a single write outcome.
//
//	POST /v1/suffix/report
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		httputil.Unprocessable(w, r, msg)
		return
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	results := h.engine.ReportBatch(r.Context(), p.TenantID, []assign.Report{req.toReport()})
	res := results[0]
	httputil.JSON(w, reportStatus(res), res)
}

type reportBatchRequest struct {
	Reports []reportRequest `json:"reports"`
}

type reportBatchResponse struct {
	Results []assign.ReportResult `json:"results"`
}

// HandleReportBatch records up to 100 write outcomes. Always 200 with
// per-item outcomes.
//
//	POST /v1/suffix/report/batch
func (h *Handlers) HandleReportBatch(w http.ResponseWriter, r *http.Request) {
	var req reportBatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Reports) == 0 {
		httputil.Unprocessable(w, r, "reports must not be empty")
		return
	}
	if len(req.Reports) > assign.MaxBatchSize {
		httputil.Unprocessable(w, r, fmt.Sprintf("reports must not exceed %d items", assign.MaxBatchSize))
		return
	}
	for i := range req.Reports {
		if msg := req.Reports[i].validate(); msg != "" {
			httputil.ErrorWithDetails(w, r, http.StatusUnprocessableEntity, "VALIDATION_ERROR", msg,
				map[string]interface{}{"index": i, "assignmentId": req.Reports[i].AssignmentID})
			return
		}
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	reports := make([]assign.Report, len(req.Reports))
	for i := range req.Reports {
		reports[i] = req.Reports[i].toReport()
	}

	results := h.engine.ReportBatch(r.Context(), p.TenantID, reports)
	httputil.OK(w, reportBatchResponse{Results: results})
}
