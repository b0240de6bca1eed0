package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

func testConfig() config.ProgressConfig {
	return config.ProgressConfig{
		TargetCompanies:           100,
		ExpectedPeriodsPerCompany: 5,
		StallRatePerMinute:        0.1,
		StallGraceMinutes:         5,
		StuckAfterMinutes:         720,
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "progress.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// createJob returns the job as stored, so clocks derived from CreatedAt
// match what the estimator reads back.
func createJob(t *testing.T, st store.Store) *model.Job {
	t.Helper()
	created, err := st.CreateJob(context.Background(), nil)
	require.NoError(t, err)
	job, err := st.GetJob(context.Background(), created.ID)
	require.NoError(t, err)
	return job
}

func stageCompanies(t *testing.T, st store.Store, jobID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, st.UpsertCompany(context.Background(), model.Company{JobID: jobID, Orgnr: fmt.Sprintf("9%08d", i)}))
	}
}

func TestReport_Stage1Scenario(t *testing.T) {
	st := newTestStore(t)
	job := createJob(t, st)
	stageCompanies(t, st, job.ID, 40)

	e := NewEstimator(st, testConfig()).WithClock(func() time.Time {
		return job.CreatedAt.Add(10 * time.Minute)
	})
	r, err := e.Report(context.Background(), job.ID)
	require.NoError(t, err)

	assert.InDelta(t, 40.0, r.Stages.Stage1.Percentage, 1e-9)
	assert.Equal(t, 40, r.Stages.Stage1.Completed)
	assert.Equal(t, 100, r.Stages.Stage1.Total)
	assert.InDelta(t, 4.0, r.Progress.Rates.Stage1, 1e-9)
	require.NotNil(t, r.Progress.Estimates.Stage1RemainingMinutes)
	assert.InDelta(t, 15.0, *r.Progress.Estimates.Stage1RemainingMinutes, 1e-9)
	require.NotNil(t, r.Progress.Estimates.CurrentRemainingMinutes)
	assert.InDelta(t, 15.0, *r.Progress.Estimates.CurrentRemainingMinutes, 1e-9)
	assert.InDelta(t, 10.0, r.Progress.Estimates.ElapsedMinutes, 1e-9)

	// Stage 2 expects every stage-1 company; nothing staged yet means unknown ETA.
	assert.Equal(t, 40, r.Stages.Stage2.Total)
	assert.Nil(t, r.Progress.Estimates.Stage2RemainingMinutes)
	// Stage 3 has nothing to do yet.
	assert.Equal(t, 0, r.Stages.Stage3.Total)
	assert.InDelta(t, 0.0, r.Stages.Stage3.Percentage, 1e-9)
	require.NotNil(t, r.Progress.Estimates.Stage3RemainingMinutes)
	assert.InDelta(t, 0.0, *r.Progress.Estimates.Stage3RemainingMinutes, 1e-9)

	assert.True(t, r.Status.IsRunning)
	assert.False(t, r.Status.IsCompleted)
	assert.False(t, r.Status.HasErrors)
	assert.Empty(t, r.Recommendations)
}

func TestReport_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := NewEstimator(st, testConfig()).Report(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}

func TestReport_Stage3Totals(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st)
	stageCompanies(t, st, job.ID, 4)
	for _, orgnr := range []string{"900000000", "900000001"} {
		require.NoError(t, st.UpsertCompanyIdentifier(ctx, model.CompanyIdentifier{JobID: job.ID, Orgnr: orgnr, CompanyID: "C" + orgnr}))
	}
	require.NoError(t, st.UpsertFinancialRecord(ctx, model.FinancialRecord{JobID: job.ID, Orgnr: "900000000", Year: 2023, RawJSON: json.RawMessage(`{}`)}))

	r, err := NewEstimator(st, testConfig()).WithClock(func() time.Time {
		return job.CreatedAt.Add(time.Minute)
	}).Report(ctx, job.ID)
	require.NoError(t, err)

	assert.Equal(t, StageProgress{Completed: 2, Total: 4, Percentage: 50}, r.Stages.Stage2)
	assert.Equal(t, StageProgress{Completed: 1, Total: 10, Percentage: 10}, r.Stages.Stage3)
	assert.Equal(t, model.JobStats{Companies: 4, CompanyIDs: 2, Financials: 1}, r.Progress.Total)
}

func TestReport_NoElapsedTime(t *testing.T) {
	st := newTestStore(t)
	job := createJob(t, st)
	stageCompanies(t, st, job.ID, 3)

	r, err := NewEstimator(st, testConfig()).WithClock(func() time.Time {
		return job.CreatedAt
	}).Report(context.Background(), job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, r.Progress.Rates.Stage1, 1e-9)
	assert.Nil(t, r.Progress.Estimates.Stage1RemainingMinutes)
}

func TestReport_Recommendations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st)

	// Running for 13 hours with nothing staged: stall and stuck.
	e := NewEstimator(st, testConfig()).WithClock(func() time.Time {
		return job.CreatedAt.Add(13 * time.Hour)
	})
	r, err := e.Report(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, r.Recommendations, 2)
	assert.Contains(t, r.Recommendations[0], "Possible stall")
	assert.Contains(t, r.Recommendations[1], "Possible stuck process")

	// Within the grace period nothing is flagged.
	r, err = NewEstimator(st, testConfig()).WithClock(func() time.Time {
		return job.CreatedAt.Add(2 * time.Minute)
	}).Report(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, r.Recommendations)

	require.NoError(t, st.UpdateJob(ctx, job.ID, model.JobUpdate{
		Status:    model.Ptr(model.JobStatusError),
		LastError: model.Ptr("store unreachable"),
	}))
	require.NoError(t, st.RecordUnitError(ctx, model.UnitError{JobID: job.ID, Stage: model.StageSegmentation, UnitKey: "page-1", Error: "bad"}))
	r, err = e.Report(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, r.Status.HasErrors)
	assert.Equal(t, 1, r.Status.UnitErrors)
	assert.Equal(t, "store unreachable", r.Status.LastError)
	require.Len(t, r.Recommendations, 2)
	assert.Contains(t, r.Recommendations[0], "error state")
	assert.Contains(t, r.Recommendations[1], "1 segment pages failed")
	assert.Contains(t, r.Recommendations[1], "restarted")
}

func TestReport_UnitFailureRecommendationsByStage(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st)
	require.NoError(t, st.UpdateJob(ctx, job.ID, model.JobUpdate{Status: model.Ptr(model.JobStatusPaused)}))

	for _, ue := range []model.UnitError{
		{JobID: job.ID, Stage: model.StageSegmentation, UnitKey: "3", Error: "HTTP 500"},
		{JobID: job.ID, Stage: model.StageSegmentation, UnitKey: "4", Error: "HTTP 500"},
		{JobID: job.ID, Stage: model.StageEnrichment, UnitKey: "917000001", Error: "HTTP 502"},
		{JobID: job.ID, Stage: model.StageFinancials, UnitKey: "917000001/2023", Error: "timeout"},
	} {
		require.NoError(t, st.RecordUnitError(ctx, ue))
	}

	r, err := NewEstimator(st, testConfig()).Report(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, r.Status.UnitErrors)
	assert.Equal(t, []string{
		"Job is paused: resume to continue from the staged data.",
		"2 segment pages failed; they are fetched again only when the job is restarted.",
		"2 units failed; they are retried on the next run of their stage.",
	}, r.Recommendations)
}

func TestReport_DoesNotMutateJob(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	job := createJob(t, st)

	_, err := NewEstimator(st, testConfig()).Report(ctx, job.ID)
	require.NoError(t, err)

	after, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, job.UpdatedAt.Equal(after.UpdatedAt))
	assert.Equal(t, job.Status, after.Status)
}

func TestPercentage_Monotonic(t *testing.T) {
	prev := -1.0
	for completed := 0; completed <= 150; completed += 7 {
		p := Percentage(completed, 100)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, 100.0)
		prev = p
	}
	assert.InDelta(t, 0.0, Percentage(5, 0), 1e-9)
}

func TestRemainingMinutes(t *testing.T) {
	assert.Nil(t, RemainingMinutes(10, 0, 0))
	got := RemainingMinutes(10, 10, 0)
	require.NotNil(t, got)
	assert.InDelta(t, 0.0, *got, 1e-9)
	got = RemainingMinutes(10, 12, 1)
	require.NotNil(t, got)
	assert.InDelta(t, 0.0, *got, 1e-9)
	got = RemainingMinutes(100, 40, 4)
	require.NotNil(t, got)
	assert.InDelta(t, 15.0, *got, 1e-9)
}

func TestRate(t *testing.T) {
	assert.InDelta(t, 4.0, Rate(40, 10), 1e-9)
	assert.InDelta(t, 0.0, Rate(40, 0), 1e-9)
	assert.InDelta(t, 0.0, Rate(40, -1), 1e-9)
}
