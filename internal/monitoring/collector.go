// Package monitoring watches active jobs in the background and raises
// alerts from their progress reports.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/progress"
	"github.com/sells-group/registry-cli/internal/store"
)

// Reporter produces a progress report for one job.
type Reporter interface {
	Report(ctx context.Context, jobID string) (*progress.Report, error)
}

// Snapshot is one observation of the watched jobs.
type Snapshot struct {
	Reports     []*progress.Report
	CollectedAt time.Time
}

// watchedStatuses are the statuses that can need operator attention.
var watchedStatuses = []model.JobStatus{model.JobStatusRunning, model.JobStatusError}

// Collector gathers reports for running and errored jobs.
type Collector struct {
	store    store.Store
	reporter Reporter
	limit    int
}

// NewCollector creates a Collector. limit caps jobs per status; 0 means 100.
func NewCollector(st store.Store, rep Reporter, limit int) *Collector {
	if limit <= 0 {
		limit = 100
	}
	return &Collector{store: st, reporter: rep, limit: limit}
}

// Collect builds a Snapshot. A job that vanishes between listing and
// reporting is skipped.
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}
	for _, status := range watchedStatuses {
		jobs, err := c.store.ListJobs(ctx, store.JobFilter{Status: status, Limit: c.limit})
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			rep, err := c.reporter.Report(ctx, job.ID)
			if model.IsNotFound(err) {
				zap.L().Debug("monitoring: job disappeared", zap.String("job_id", job.ID))
				continue
			}
			if err != nil {
				return nil, err
			}
			snap.Reports = append(snap.Reports, rep)
		}
	}
	return snap, nil
}
