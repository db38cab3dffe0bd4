package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/clickstock/internal/auth"
	"github.com/ignite/clickstock/internal/pkg/httputil"
	"github.com/ignite/clickstock/internal/service/campaign"
)

const maxSyncRows = 500

type campaignSyncRequest struct {
	Campaigns []campaign.SyncInput `json:"campaigns"`
}

// HandleCampaignSync upserts campaign metadata from the operator's export.
// Row failures are reported per-row, never as a request failure.
//
//	POST /v1/campaigns/sync
func (h *Handlers) HandleCampaignSync(w http.ResponseWriter, r *http.Request) {
	var req campaignSyncRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Campaigns) == 0 {
		httputil.Unprocessable(w, r, "campaigns must not be empty")
		return
	}
	if len(req.Campaigns) > maxSyncRows {
		httputil.Unprocessable(w, r, fmt.Sprintf("campaigns must not exceed %d rows", maxSyncRows))
		return
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	result, err := h.campaigns.Sync(r.Context(), p.TenantID, req.Campaigns)
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}
	httputil.OK(w, result)
}

type stockResponse struct {
	CampaignID string `json:"campaignId"`
	Available  int    `json:"available"`
	Leased     int    `json:"leased"`
	Consumed   int    `json:"consumed"`
	Failed     int    `json:"failed"`
}

// HandleCampaignStock returns the campaign's pool tallies.
//
//	GET /v1/campaigns/{campaignID}/stock
func (h *Handlers) HandleCampaignStock(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if campaignID == "" {
		httputil.Unprocessable(w, r, "campaignId is required")
		return
	}

	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}

	counts, err := h.campaigns.Stock(r.Context(), p.TenantID, campaignID)
	if errors.Is(err, campaign.ErrNotFound) {
		httputil.NotFound(w, r, "campaign not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, r, err)
		return
	}

	httputil.OK(w, stockResponse{
		CampaignID: counts.CampaignID,
		Available:  counts.Available,
		Leased:     counts.Leased,
		Consumed:   counts.Consumed,
		Failed:     counts.Failed,
	})
}

// HandleAuthVerify echoes the authenticated principal so script installs
// can smoke-test their key.
//
//	GET /v1/auth/verify
func (h *Handlers) HandleAuthVerify(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		httputil.Error(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing tenant principal")
		return
	}
	httputil.OK(w, map[string]interface{}{
		"tenantId":  p.TenantID,
		"keyPrefix": p.KeyPrefix,
		"mode":      p.Mode,
	})
}
