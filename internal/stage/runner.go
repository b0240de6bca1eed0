// Package stage runs the three ingest stages for a job. Each stage is a
// bounded worker pool over disjoint units keyed by natural key; already
// staged units are skipped, so a stage can be re-entered at any point.
package stage

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/metrics"
	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/source"
	"github.com/sells-group/registry-cli/internal/store"
)

var (
	// errHalted means a control action suspended the stage.
	errHalted = errors.New("stage halted by control action")
	// errSkipUnit marks a unit that turned out to need no work.
	errSkipUnit = errors.New("unit skipped")
)

// Lifecycle is the part of the job state machine the runner drives.
type Lifecycle interface {
	ShouldContinue(ctx context.Context, jobID string, stage model.Stage) (bool, error)
	Advance(ctx context.Context, jobID string, completed model.Stage) (*model.Job, error)
	Fail(ctx context.Context, jobID string, cause error) error
}

// Summary counts the units handled by one stage pass.
type Summary struct {
	Stage     model.Stage
	Processed int64
	Skipped   int64
	Failed    int64
}

// Runner executes stages for jobs.
type Runner struct {
	store   store.Store
	src     source.Source
	life    Lifecycle
	cfg     config.StagesConfig
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewRunner creates a Runner. Non-positive worker and page settings take
// defaults of 4 workers and 500 segment pages.
func NewRunner(st store.Store, src source.Source, life Lifecycle, cfg config.StagesConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxSegmentPages <= 0 {
		cfg.MaxSegmentPages = 500
	}
	return &Runner{
		store: st,
		src:   src,
		life:  life,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "stage")),
	}
}

// WithMetrics records unit outcomes and stage durations on m.
func (r *Runner) WithMetrics(m *metrics.Metrics) *Runner {
	r.metrics = m
	return r
}

// Run drives the job from its current stage until it is done or no longer
// running. A control action is observed at the next unit boundary and
// ends Run without error. A store failure marks the job error.
func (r *Runner) Run(ctx context.Context, jobID string) ([]Summary, error) {
	var summaries []Summary
	for {
		job, err := r.store.GetJob(ctx, jobID)
		if err != nil {
			return summaries, err
		}
		if job.Status != model.JobStatusRunning {
			r.log.Info("job not running, nothing to do",
				zap.String("job_id", jobID),
				zap.String("status", string(job.Status)),
			)
			return summaries, nil
		}

		current := job.Stage
		sum, err := r.RunStage(ctx, job, current)
		summaries = append(summaries, sum)
		switch {
		case errors.Is(err, errHalted):
			r.log.Info("stage halted", zap.String("job_id", jobID), zap.String("stage", string(current)))
			return summaries, nil
		case err != nil && ctx.Err() != nil:
			return summaries, ctx.Err()
		case err != nil:
			if ferr := r.life.Fail(context.WithoutCancel(ctx), jobID, err); ferr != nil {
				r.log.Error("mark job failed", zap.String("job_id", jobID), zap.Error(ferr))
			}
			return summaries, err
		}

		next, err := r.life.Advance(ctx, jobID, current)
		if err != nil {
			return summaries, err
		}
		if next.Status != model.JobStatusRunning || next.Stage == current {
			return summaries, nil
		}
	}
}

// RunStage runs one stage pass for job.
func (r *Runner) RunStage(ctx context.Context, job *model.Job, st model.Stage) (Summary, error) {
	log := r.log.With(zap.String("job_id", job.ID), zap.String("stage", string(st)))
	log.Info("stage started", zap.Int("workers", r.cfg.Workers))
	start := time.Now()

	var sum Summary
	var err error
	switch st {
	case model.StageSegmentation:
		sum, err = r.segmentation(ctx, job)
	case model.StageEnrichment:
		sum, err = r.enrichment(ctx, job)
	case model.StageFinancials:
		sum, err = r.financials(ctx, job)
	default:
		return Summary{Stage: st}, model.NewValidationError("stage", eris.Errorf("unknown stage %q", st))
	}
	sum.Stage = st

	r.metrics.Units(string(st), "processed", sum.Processed)
	r.metrics.Units(string(st), "skipped", sum.Skipped)
	r.metrics.Units(string(st), "failed", sum.Failed)
	r.metrics.StageDone(string(st), time.Since(start).Seconds())
	log.Info("stage finished",
		zap.Int64("processed", sum.Processed),
		zap.Int64("skipped", sum.Skipped),
		zap.Int64("failed", sum.Failed),
		zap.Bool("halted", errors.Is(err, errHalted)),
	)
	return sum, err
}

// pool runs units with bounded concurrency. Each unit first checks that the
// job may continue; a unit returning a non-nil error aborts the stage.
type pool struct {
	r      *Runner
	job    *model.Job
	stage  model.Stage
	g      *errgroup.Group
	ctx    context.Context
	halted atomic.Bool

	processed, failed atomic.Int64
}

func (r *Runner) newPool(ctx context.Context, job *model.Job, st model.Stage) *pool {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	return &pool{r: r, job: job, stage: st, g: g, ctx: gctx}
}

// stopped reports whether no more units should be dispatched.
func (p *pool) stopped() bool {
	return p.halted.Load() || p.ctx.Err() != nil
}

// submit blocks until a worker is free, then runs fn for unitKey. A fetch
// failure from fn is recorded against the unit; store failures abort.
func (p *pool) submit(unitKey string, fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		if p.stopped() {
			return nil
		}
		ok, err := p.r.life.ShouldContinue(p.ctx, p.job.ID, p.stage)
		if err != nil {
			return err
		}
		if !ok {
			p.halted.Store(true)
			return nil
		}

		err = fn(p.ctx)
		var fe *source.FetchError
		switch {
		case errors.Is(err, errSkipUnit):
			return nil
		case err == nil:
			p.processed.Add(1)
			return p.r.store.ClearUnitError(p.ctx, p.job.ID, p.stage, unitKey)
		case errors.As(err, &fe):
			p.failed.Add(1)
			p.r.log.Warn("unit failed",
				zap.String("job_id", p.job.ID),
				zap.String("stage", string(p.stage)),
				zap.String("unit", unitKey),
				zap.Bool("transient", source.IsTransient(err)),
				zap.Error(err),
			)
			return p.r.store.RecordUnitError(p.ctx, model.UnitError{
				JobID:   p.job.ID,
				Stage:   p.stage,
				UnitKey: unitKey,
				Error:   err.Error(),
			})
		default:
			return err
		}
	})
}

func (p *pool) wait(skipped int64) (Summary, error) {
	err := p.g.Wait()
	sum := Summary{Processed: p.processed.Load(), Skipped: skipped, Failed: p.failed.Load()}
	if err != nil {
		return sum, eris.Wrapf(err, "stage %s", p.stage)
	}
	if p.halted.Load() {
		return sum, errHalted
	}
	return sum, nil
}

// segmentation walks segment pages until the source reports no more or the
// page cap is reached. Pages are units; companies are batch upserted per page.
func (r *Runner) segmentation(ctx context.Context, job *model.Job) (Summary, error) {
	p := r.newPool(ctx, job, model.StageSegmentation)
	var exhausted atomic.Bool

	for page := 1; page <= r.cfg.MaxSegmentPages; page++ {
		if p.stopped() || exhausted.Load() {
			break
		}
		p.submit("page:"+strconv.Itoa(page), func(ctx context.Context) error {
			if exhausted.Load() {
				return errSkipUnit
			}
			sp, err := r.src.FetchSegment(ctx, job.Filters, page)
			if err != nil {
				return err
			}
			if !sp.HasMore {
				exhausted.Store(true)
			}
			for i := range sp.Companies {
				sp.Companies[i].JobID = job.ID
			}
			if len(sp.Companies) == 0 {
				return nil
			}
			_, err = r.store.UpsertCompanies(ctx, sp.Companies)
			return err
		})
	}
	return p.wait(0)
}

// enrichment resolves an identifier for every staged company that lacks one.
func (r *Runner) enrichment(ctx context.Context, job *model.Job) (Summary, error) {
	companies, err := r.store.ListCompanies(ctx, job.ID)
	if err != nil {
		return Summary{}, err
	}
	ids, err := r.store.ListCompanyIdentifiers(ctx, job.ID)
	if err != nil {
		return Summary{}, err
	}
	resolved := make(map[string]bool, len(ids))
	for _, id := range ids {
		resolved[id.Orgnr] = true
	}

	p := r.newPool(ctx, job, model.StageEnrichment)
	var skipped int64
	for _, c := range companies {
		if resolved[c.Orgnr] {
			skipped++
			continue
		}
		if p.stopped() {
			break
		}
		orgnr := c.Orgnr
		p.submit(orgnr, func(ctx context.Context) error {
			cp, err := r.src.FetchCompany(ctx, orgnr)
			if err != nil {
				return err
			}
			return r.store.UpsertCompanyIdentifier(ctx, model.CompanyIdentifier{
				JobID:      job.ID,
				Orgnr:      orgnr,
				CompanyID:  cp.CompanyID,
				Confidence: cp.Confidence,
			})
		})
	}
	return p.wait(skipped)
}

// financials fetches statements for every resolved company whose staged
// years fall short of the configured window.
func (r *Runner) financials(ctx context.Context, job *model.Job) (Summary, error) {
	ids, err := r.store.ListCompanyIdentifiers(ctx, job.ID)
	if err != nil {
		return Summary{}, err
	}
	records, err := r.store.ListFinancialRecords(ctx, job.ID)
	if err != nil {
		return Summary{}, err
	}
	staged := make(map[string]map[int]bool)
	for _, rec := range records {
		if staged[rec.Orgnr] == nil {
			staged[rec.Orgnr] = make(map[int]bool)
		}
		staged[rec.Orgnr][rec.Year] = true
	}

	p := r.newPool(ctx, job, model.StageFinancials)
	var skipped int64
	for _, id := range ids {
		if r.complete(len(staged[id.Orgnr])) {
			skipped++
			continue
		}
		if p.stopped() {
			break
		}
		p.submit(id.Orgnr, func(ctx context.Context) error {
			pages, err := r.src.FetchFinancials(ctx, id.CompanyID)
			if err != nil {
				return err
			}
			for _, fp := range WithinYears(pages, r.cfg.Years) {
				err := r.store.UpsertFinancialRecord(ctx, model.FinancialRecord{
					JobID:       job.ID,
					Orgnr:       id.Orgnr,
					Year:        fp.Year,
					Period:      fp.Period,
					PeriodStart: fp.PeriodStart,
					PeriodEnd:   fp.PeriodEnd,
					Currency:    fp.Currency,
					Revenue:     fp.Revenue,
					Profit:      fp.Profit,
					Employees:   fp.Employees,
					RawJSON:     fp.Raw,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return p.wait(skipped)
}

// complete reports whether a company with stagedYears distinct years needs
// no further fetch. With no year window any staged year is enough.
func (r *Runner) complete(stagedYears int) bool {
	if r.cfg.Years <= 0 {
		return stagedYears > 0
	}
	return stagedYears >= r.cfg.Years
}

// WithinYears keeps the pages of the latest n distinct years. n <= 0 keeps all.
func WithinYears(pages []source.FinancialPage, n int) []source.FinancialPage {
	if n <= 0 || len(pages) == 0 {
		return pages
	}
	latest := pages[0].Year
	for _, p := range pages[1:] {
		latest = max(latest, p.Year)
	}
	out := make([]source.FinancialPage, 0, len(pages))
	for _, p := range pages {
		if p.Year > latest-n {
			out = append(out, p)
		}
	}
	return out
}
