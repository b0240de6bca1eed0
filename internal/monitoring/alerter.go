package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/progress"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobError     AlertType = "job_error"
	AlertJobAttention AlertType = "job_attention"
)

// Alert is a single notification about one job.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	JobID     string         `json:"jobId"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns report recommendations into alerts and posts them to a
// webhook. An alert identical to the last one sent for the same job is
// suppressed.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client

	mu   sync.Mutex
	last map[string]string
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		last:   map[string]string{},
	}
}

// Evaluate returns one alert per report that carries recommendations.
// Paused and stopped jobs are not watched, so they never appear here.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	for _, rep := range snap.Reports {
		if len(rep.Recommendations) == 0 {
			continue
		}
		alert := Alert{
			Type:     AlertJobAttention,
			Severity: "medium",
			JobID:    rep.JobID,
			Message:  strings.Join(rep.Recommendations, " "),
			Details: map[string]any{
				"stage":          rep.Status.Stage,
				"unitErrors":     rep.Status.UnitErrors,
				"elapsedMinutes": rep.Progress.Estimates.ElapsedMinutes,
				"total":          rep.Progress.Total,
			},
			Timestamp: snap.CollectedAt,
		}
		if rep.Status.Current == model.JobStatusError {
			alert.Type = AlertJobError
			alert.Severity = "high"
			alert.Details["lastError"] = rep.Status.LastError
		}
		if rate, ok := currentRate(rep); ok {
			alert.Details["ratePerMinute"] = rate
		}
		alerts = append(alerts, alert)
	}
	return alerts
}

// SendAlerts posts alerts to the webhook and returns how many were sent.
// Without a webhook alerts are only logged.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	sent := 0
	for _, alert := range alerts {
		if !a.isNew(alert) {
			continue
		}
		zap.L().Warn("monitoring: job needs attention",
			zap.String("job_id", alert.JobID),
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
		)
		if a.cfg.WebhookURL == "" {
			a.remember(alert)
			continue
		}
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("job_id", alert.JobID),
				zap.Error(err),
			)
			continue
		}
		a.remember(alert)
		sent++
	}
	return sent
}

func (a *Alerter) isNew(alert Alert) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last[alert.JobID] != fingerprint(alert)
}

func (a *Alerter) remember(alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last[alert.JobID] = fingerprint(alert)
}

func fingerprint(alert Alert) string {
	return string(alert.Type) + "|" + alert.Message
}

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

func currentRate(rep *progress.Report) (float64, bool) {
	switch rep.Status.Stage {
	case model.StageSegmentation:
		return rep.Progress.Rates.Stage1, true
	case model.StageEnrichment:
		return rep.Progress.Rates.Stage2, true
	case model.StageFinancials:
		return rep.Progress.Rates.Stage3, true
	}
	return 0, false
}
