package worker

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/ignite/clickstock/internal/config"
	"github.com/ignite/clickstock/internal/domain"
	"github.com/ignite/clickstock/internal/pkg/httpretry"
)

// WebhookNotifier POSTs created alerts to an external hook as JSON.
type WebhookNotifier struct {
	url    string
	client httpretry.HTTPDoer
}

// NewWebhookNotifier builds the notifier, or nil when no webhook URL is
// configured. A nil notifier means delivery is disabled.
func NewWebhookNotifier(cfg config.AlertsConfig) *WebhookNotifier {
	if cfg.WebhookURL == "" {
		return nil
	}
	base := &http.Client{Timeout: cfg.Timeout()}
	return &WebhookNotifier{
		url:    cfg.WebhookURL,
		client: httpretry.NewRetryClientWithBackoff(base, cfg.MaxRetries, 500*time.Millisecond, 10*time.Second),
	}
}

// Notify delivers one alert. Safe to call from a goroutine; failures are
// logged and dropped, never retried past the client's backoff budget.
func (n *WebhookNotifier) Notify(alert *domain.Alert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		log.Printf("[AlertWebhook] marshal failed: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("[AlertWebhook] build request failed: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Printf("[AlertWebhook] delivery failed tenant=%s type=%s: %v", alert.TenantID, alert.Type, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[AlertWebhook] hook returned %d tenant=%s type=%s", resp.StatusCode, alert.TenantID, alert.Type)
	}
}
