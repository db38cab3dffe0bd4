package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/service/campaign"
)

func TestHandleCampaignSync(t *testing.T) {
	dir := &fakeDirectory{syncResult: &campaign.SyncResult{
		Created:   1,
		Updated:   1,
		Unchanged: 0,
		Outcomes: []campaign.SyncOutcome{
			{CampaignID: "c1", Result: campaign.SyncCreated},
			{CampaignID: "c2", Result: campaign.SyncUpdated},
		},
	}}
	router := tenantRouter(NewHandlers(&fakeEngine{}, dir, nil, nil, nil, nil, nil, nil, ""))

	body := map[string]interface{}{
		"campaigns": []map[string]interface{}{
			{"campaignId": "c1", "name": "Summer DE", "countryCode": "DE", "finalUrl": "https://shop.example/de", "timezone": "Europe/Berlin"},
			{"campaignId": "c2", "name": "Summer FR", "countryCode": "FR", "finalUrl": "https://shop.example/fr", "timezone": "Europe/Paris"},
		},
	}
	rec := doJSON(t, router, http.MethodPost, "/v1/campaigns/sync", body)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, float64(1), resp["created"])
	assert.Equal(t, float64(1), resp["updated"])

	assert.Equal(t, "t1", dir.syncTenant)
	require.Len(t, dir.syncRows, 2)
	assert.Equal(t, "c1", dir.syncRows[0].CampaignID)
	assert.Equal(t, "Europe/Paris", dir.syncRows[1].Timezone)
}

func TestHandleCampaignSyncValidation(t *testing.T) {
	dir := &fakeDirectory{}
	router := tenantRouter(NewHandlers(&fakeEngine{}, dir, nil, nil, nil, nil, nil, nil, ""))

	rec := doJSON(t, router, http.MethodPost, "/v1/campaigns/sync",
		map[string]interface{}{"campaigns": []map[string]interface{}{}})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, dir.syncRows)
}

func TestHandleCampaignStock(t *testing.T) {
	dir := &fakeDirectory{stock: map[string]*domain.StockCounts{
		"c1": {TenantID: "t1", CampaignID: "c1", Available: 7, Leased: 1, Consumed: 40, Failed: 2},
	}}
	router := tenantRouter(NewHandlers(&fakeEngine{}, dir, nil, nil, nil, nil, nil, nil, ""))

	rec := doJSON(t, router, http.MethodGet, "/v1/campaigns/c1/stock", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "c1", resp["campaignId"])
	assert.Equal(t, float64(7), resp["available"])
	assert.Equal(t, float64(1), resp["leased"])
	assert.Equal(t, float64(40), resp["consumed"])
	assert.Equal(t, float64(2), resp["failed"])
}

func TestHandleCampaignStockNotFound(t *testing.T) {
	router := tenantRouter(NewHandlers(&fakeEngine{}, &fakeDirectory{}, nil, nil, nil, nil, nil, nil, ""))

	rec := doJSON(t, router, http.MethodGet, "/v1/campaigns/ghost/stock", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["code"])
}

func TestHandleAuthVerify(t *testing.T) {
	router := tenantRouter(NewHandlers(&fakeEngine{}, &fakeDirectory{}, nil, nil, nil, nil, nil, nil, ""))

	rec := doJSON(t, router, http.MethodGet, "/v1/auth/verify", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody(t, rec)
	assert.Equal(t, "t1", resp["tenantId"])
	assert.Equal(t, "ky_live_ab", resp["keyPrefix"])
	assert.Equal(t, "live", resp["mode"])
}
