package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/jobs"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/progress"
	"github.com/sells-group/registry-cli/internal/store"
)

type webhook struct {
	mu     sync.Mutex
	alerts []Alert
	status atomic.Int32
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var a Alert
	if err := json.NewDecoder(r.Body).Decode(&a); err == nil {
		w.mu.Lock()
		w.alerts = append(w.alerts, a)
		w.mu.Unlock()
	}
	if code := w.status.Load(); code != 0 {
		rw.WriteHeader(int(code))
	}
}

func (w *webhook) received() []Alert {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Alert(nil), w.alerts...)
}

type fixture struct {
	store   store.Store
	machine *jobs.Machine
	running string
	paused  string
	failed  string
}

func newFixture(t *testing.T) (*fixture, *Collector) {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	f := &fixture{store: st, machine: jobs.NewMachine(st, jobs.RestartRetain)}
	for _, id := range []*string{&f.running, &f.paused, &f.failed} {
		job, err := st.CreateJob(ctx, nil)
		require.NoError(t, err)
		*id = job.ID
	}
	_, err = f.machine.Pause(ctx, f.paused)
	require.NoError(t, err)
	require.NoError(t, f.machine.Fail(ctx, f.failed, errors.New("registry schema changed")))

	est := progress.NewEstimator(st, config.ProgressConfig{
		TargetCompanies:           100,
		ExpectedPeriodsPerCompany: 5,
		StallRatePerMinute:        0.1,
		StallGraceMinutes:         5,
	})
	later := time.Now().Add(time.Hour)
	est.WithClock(func() time.Time { return later })
	return f, NewCollector(st, est, 0)
}

func TestCollector_WatchesRunningAndErrorJobs(t *testing.T) {
	f, c := newFixture(t)

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Reports, 2)

	ids := []string{snap.Reports[0].JobID, snap.Reports[1].JobID}
	assert.ElementsMatch(t, []string{f.running, f.failed}, ids)
}

func TestAlerter_Evaluate(t *testing.T) {
	f, c := newFixture(t)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)

	alerts := NewAlerter(config.MonitoringConfig{}).Evaluate(snap)
	require.Len(t, alerts, 2)

	byJob := map[string]Alert{}
	for _, a := range alerts {
		byJob[a.JobID] = a
	}

	stalled := byJob[f.running]
	assert.Equal(t, AlertJobAttention, stalled.Type)
	assert.Equal(t, "medium", stalled.Severity)
	assert.Contains(t, stalled.Message, "Possible stall")
	assert.Equal(t, 0.0, stalled.Details["ratePerMinute"])

	failed := byJob[f.failed]
	assert.Equal(t, AlertJobError, failed.Type)
	assert.Equal(t, "high", failed.Severity)
	assert.Equal(t, "registry schema changed", failed.Details["lastError"])
}

func TestAlerter_Evaluate_HealthyReportsRaiseNothing(t *testing.T) {
	snap := &Snapshot{Reports: []*progress.Report{{JobID: "a", Recommendations: []string{}}}}
	assert.Empty(t, NewAlerter(config.MonitoringConfig{}).Evaluate(snap))
}

func TestChecker_SendsToWebhookOnce(t *testing.T) {
	_, c := newFixture(t)
	hook := &webhook{}
	srv := httptest.NewServer(hook)
	defer srv.Close()

	cfg := config.MonitoringConfig{WebhookURL: srv.URL, CheckIntervalSecs: 1}
	checker := NewChecker(c, NewAlerter(cfg), cfg)

	alerts := checker.Check(context.Background())
	assert.Len(t, alerts, 2)
	assert.Len(t, hook.received(), 2)

	checker.Check(context.Background())
	assert.Len(t, hook.received(), 2, "unchanged alerts are not resent")
}

func TestAlerter_WebhookFailureRetriedNextCheck(t *testing.T) {
	hook := &webhook{}
	hook.status.Store(http.StatusBadGateway)
	srv := httptest.NewServer(hook)
	defer srv.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: srv.URL})
	alerts := []Alert{{Type: AlertJobError, JobID: "j", Message: "down"}}

	assert.Equal(t, 0, a.SendAlerts(context.Background(), alerts))
	hook.status.Store(http.StatusOK)
	assert.Equal(t, 1, a.SendAlerts(context.Background(), alerts))
	assert.Len(t, hook.received(), 2)
}

func TestAlerter_NoWebhookOnlyLogs(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{JobID: "j", Message: "m"}}))
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	_, c := newFixture(t)
	checker := NewChecker(c, NewAlerter(config.MonitoringConfig{}), config.MonitoringConfig{CheckIntervalSecs: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestCollector_ReportsJobState(t *testing.T) {
	f, c := newFixture(t)
	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	for _, rep := range snap.Reports {
		if rep.JobID == f.failed {
			assert.Equal(t, model.JobStatusError, rep.Status.Current)
			assert.True(t, rep.Status.HasErrors)
		}
	}
}
