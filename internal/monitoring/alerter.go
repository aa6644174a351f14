package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertIngestionFailureRate AlertType = "ingestion_failure_rate"
	AlertStaleContradictions  AlertType = "stale_contradictions"
	AlertStuckReviews         AlertType = "stuck_reviews"
)

// minFinishedRuns is how many sealed runs the failure rate needs before it alerts.
const minFinishedRuns = 5

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.finished()
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertIngestionFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Ingestion failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d sealed in last %dh)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate":   snap.RunFailRate,
				"threshold":      a.cfg.FailureRateThreshold,
				"failed":         snap.RunsFailed,
				"finished":       finished,
				"failed_sources": snap.FailedSources,
			},
			Timestamp: now,
		})
	}

	if n := len(snap.StaleContradictions); n > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertStaleContradictions,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d contradiction(s) open for more than %dh (%d open in total)",
				n, snap.StaleHours, snap.OpenContradictions,
			),
			Details: map[string]any{
				"contradiction_ids": snap.StaleContradictions,
				"open_total":        snap.OpenContradictions,
			},
			Timestamp: now,
		})
	}

	if n := len(snap.StuckReviews); n > 0 {
		items := make([]string, n)
		for i, h := range snap.StuckReviews {
			items[i] = h.ContentItemID + "@" + string(h.Stage)
		}
		alerts = append(alerts, Alert{
			Type:     AlertStuckReviews,
			Severity: "medium",
			Message:  fmt.Sprintf("%d review(s) waiting on a human for more than %dh", n, snap.StuckHours),
			Details: map[string]any{
				"items": items,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Warn("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
