package stage

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// Dispatcher polls for running jobs and starts a Runner for each one that
// has no active run in this process. A job resumed through the control
// surface is therefore picked up on the next poll.
type Dispatcher struct {
	runner   *Runner
	store    store.Store
	interval time.Duration
	maxJobs  int

	mu     sync.Mutex
	active map[string]bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. maxJobs caps concurrently running jobs;
// 0 means 1.
func NewDispatcher(r *Runner, st store.Store, interval time.Duration, maxJobs int) *Dispatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Dispatcher{runner: r, store: st, interval: interval, maxJobs: maxJobs, active: map[string]bool{}}
}

// Run polls until ctx is cancelled, then waits for active runs to return.
func (d *Dispatcher) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "stage.dispatcher"))
	log.Info("starting job dispatcher", zap.Duration("interval", d.interval), zap.Int("max_jobs", d.maxJobs))

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.Poll(ctx)
		select {
		case <-ctx.Done():
			d.wg.Wait()
			log.Info("job dispatcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// Poll starts runs for running jobs up to the concurrency cap and returns
// the ids it started.
func (d *Dispatcher) Poll(ctx context.Context) []string {
	jobs, err := d.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusRunning, Limit: 100})
	if err != nil {
		zap.L().Error("dispatcher: list running jobs", zap.Error(err))
		return nil
	}

	var started []string
	for _, job := range jobs {
		if !d.claim(job.ID) {
			continue
		}
		started = append(started, job.ID)
		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			defer d.release(id)
			if _, err := d.runner.Run(ctx, id); err != nil {
				zap.L().Error("dispatcher: run failed", zap.String("job_id", id), zap.Error(err))
			}
		}(job.ID)
	}
	return started
}

// Wait blocks until every started run has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns the number of runs in flight.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

func (d *Dispatcher) claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[id] || len(d.active) >= d.maxJobs {
		return false
	}
	d.active[id] = true
	d.runner.metrics.Dispatched(len(d.active))
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
	d.runner.metrics.Dispatched(len(d.active))
}
