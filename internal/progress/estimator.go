// Package progress derives throughput, completion and ETA signals from
// staged counts and elapsed time. It never mutates job state.
package progress

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// Report is the monitoring view of one job.
type Report struct {
	JobID           string      `json:"jobId"`
	Status          StatusBlock `json:"status"`
	Progress        Progress    `json:"progress"`
	Stages          Stages      `json:"stages"`
	Recommendations []string    `json:"recommendations"`
	GeneratedAt     time.Time   `json:"generatedAt"`
}

// StatusBlock summarizes the job lifecycle state.
type StatusBlock struct {
	Current     model.JobStatus `json:"current"`
	Stage       model.Stage     `json:"stage"`
	IsRunning   bool            `json:"isRunning"`
	IsCompleted bool            `json:"isCompleted"`
	HasErrors   bool            `json:"hasErrors"`
	LastError   string          `json:"lastError,omitempty"`
	UnitErrors  int             `json:"unitErrors"`
}

// Progress holds the raw counts with derived rates and estimates.
type Progress struct {
	Total     model.JobStats `json:"total"`
	Rates     Rates          `json:"rates"`
	Estimates Estimates      `json:"estimates"`
}

// Rates are staged rows per minute since the job was created.
type Rates struct {
	Stage1 float64 `json:"stage1PerMinute"`
	Stage2 float64 `json:"stage2PerMinute"`
	Stage3 float64 `json:"stage3PerMinute"`
}

// Estimates are remaining-minute estimates. A nil estimate means unknown:
// work remains but nothing has been staged yet.
type Estimates struct {
	ElapsedMinutes          float64  `json:"elapsedMinutes"`
	Stage1RemainingMinutes  *float64 `json:"stage1RemainingMinutes"`
	Stage2RemainingMinutes  *float64 `json:"stage2RemainingMinutes"`
	Stage3RemainingMinutes  *float64 `json:"stage3RemainingMinutes"`
	CurrentRemainingMinutes *float64 `json:"currentStageRemainingMinutes"`
}

// Stages holds per-stage completion.
type Stages struct {
	Stage1 StageProgress `json:"stage1"`
	Stage2 StageProgress `json:"stage2"`
	Stage3 StageProgress `json:"stage3"`
}

// StageProgress is completion of one stage against its expected total.
type StageProgress struct {
	Completed  int     `json:"completed"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
}

// Estimator builds Reports from the staging store.
type Estimator struct {
	store store.Store
	cfg   config.ProgressConfig
	now   func() time.Time
}

// NewEstimator creates an Estimator using the wall clock.
func NewEstimator(st store.Store, cfg config.ProgressConfig) *Estimator {
	return &Estimator{store: st, cfg: cfg, now: time.Now}
}

// WithClock replaces the clock, for tests and replay.
func (e *Estimator) WithClock(now func() time.Time) *Estimator {
	e.now = now
	return e
}

// Report computes the monitoring view of a job. A missing job is a
// NotFoundError; no partial report is returned.
func (e *Estimator) Report(ctx context.Context, jobID string) (*Report, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats, err := e.store.GetJobStats(ctx, jobID)
	if err != nil {
		return nil, err
	}
	unitErrs, err := e.store.ListUnitErrors(ctx, jobID)
	if err != nil {
		return nil, err
	}
	failed := make(map[model.Stage]int, len(model.Stages))
	for _, ue := range unitErrs {
		failed[ue.Stage]++
	}
	return e.build(job, *stats, failed), nil
}

// build assembles the report. failed counts unresolved unit errors by stage.
func (e *Estimator) build(job *model.Job, stats model.JobStats, failed map[model.Stage]int) *Report {
	unitErrors := 0
	for _, n := range failed {
		unitErrors += n
	}

	now := e.now()
	elapsed := now.Sub(job.CreatedAt).Minutes()

	totals := [3]int{
		e.cfg.TargetCompanies,
		stats.Companies,
		stats.CompanyIDs * e.cfg.ExpectedPeriodsPerCompany,
	}
	completed := [3]int{stats.Companies, stats.CompanyIDs, stats.Financials}

	var rates [3]float64
	var remaining [3]*float64
	var stages [3]StageProgress
	for i := range completed {
		rates[i] = Rate(completed[i], elapsed)
		remaining[i] = RemainingMinutes(totals[i], completed[i], rates[i])
		stages[i] = StageProgress{
			Completed:  completed[i],
			Total:      totals[i],
			Percentage: Percentage(completed[i], totals[i]),
		}
	}

	r := &Report{
		JobID: job.ID,
		Status: StatusBlock{
			Current:     job.Status,
			Stage:       job.Stage,
			IsRunning:   job.Status == model.JobStatusRunning,
			IsCompleted: job.Status == model.JobStatusDone,
			HasErrors:   job.Status == model.JobStatusError || unitErrors > 0,
			LastError:   job.LastError,
			UnitErrors:  unitErrors,
		},
		Progress: Progress{
			Total: stats,
			Rates: Rates{Stage1: rates[0], Stage2: rates[1], Stage3: rates[2]},
			Estimates: Estimates{
				ElapsedMinutes:         math.Max(0, elapsed),
				Stage1RemainingMinutes: remaining[0],
				Stage2RemainingMinutes: remaining[1],
				Stage3RemainingMinutes: remaining[2],
			},
		},
		Stages:      Stages{Stage1: stages[0], Stage2: stages[1], Stage3: stages[2]},
		GeneratedAt: now.UTC(),
	}
	if idx := job.Stage.Index(); idx > 0 {
		r.Progress.Estimates.CurrentRemainingMinutes = remaining[idx-1]
	}
	r.Recommendations = e.recommend(job, elapsed, rates, failed)
	return r
}

func (e *Estimator) recommend(job *model.Job, elapsed float64, rates [3]float64, failed map[model.Stage]int) []string {
	recs := []string{}
	switch job.Status {
	case model.JobStatusRunning:
		if idx := job.Stage.Index(); idx > 0 && elapsed >= e.cfg.StallGraceMinutes &&
			rates[idx-1] < e.cfg.StallRatePerMinute {
			recs = append(recs, fmt.Sprintf(
				"Possible stall: %s is staging %.2f rows/min (threshold %.2f). Check the source and worker logs.",
				job.Stage, rates[idx-1], e.cfg.StallRatePerMinute))
		}
		if e.cfg.StuckAfterMinutes > 0 && elapsed > e.cfg.StuckAfterMinutes {
			recs = append(recs, fmt.Sprintf(
				"Possible stuck process: job has been running for %.0f minutes. Consider pause and resume.", elapsed))
		}
	case model.JobStatusError:
		recs = append(recs, "Job is in error state: fix the cause in lastError, then resume.")
	case model.JobStatusPaused:
		recs = append(recs, "Job is paused: resume to continue from the staged data.")
	case model.JobStatusStopped:
		recs = append(recs, "Job is stopped: resume to continue or restart to begin again from stage 1.")
	}
	// Stage 1 does not run again once the job has advanced, so its failed
	// pages come back only through a restart.
	if n := failed[model.StageSegmentation]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d segment pages failed; they are fetched again only when the job is restarted.", n))
	}
	if n := failed[model.StageEnrichment] + failed[model.StageFinancials]; n > 0 {
		recs = append(recs, fmt.Sprintf("%d units failed; they are retried on the next run of their stage.", n))
	}
	return recs
}

// Rate returns staged rows per minute. It is 0 when no time has elapsed.
func Rate(staged int, elapsedMinutes float64) float64 {
	if elapsedMinutes <= 0 {
		return 0
	}
	return float64(staged) / elapsedMinutes
}

// Percentage returns min(100, completed/expected*100), or 0 when nothing is
// expected.
func Percentage(completed, expected int) float64 {
	if expected <= 0 {
		return 0
	}
	return math.Min(100, float64(completed)*100/float64(expected))
}

// RemainingMinutes estimates the minutes left at the given rate. It returns
// nil when work remains and the rate is 0.
func RemainingMinutes(expected, completed int, rate float64) *float64 {
	left := math.Max(0, float64(expected-completed))
	if left == 0 {
		return model.Ptr(0.0)
	}
	if rate <= 0 {
		return nil
	}
	return model.Ptr(left / rate)
}
