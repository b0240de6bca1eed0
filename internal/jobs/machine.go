// Package jobs owns the job lifecycle: control transitions, stage
// advancement and the resume-point derivation from staged counts.
package jobs

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/store"
)

// RestartPolicy decides what happens to staged rows when a job restarts.
type RestartPolicy string

const (
	// RestartRetain resets the stage pointer only; stage idempotency makes
	// re-running stage 1 over retained rows safe.
	RestartRetain RestartPolicy = "retain"
	// RestartPurge deletes the job's staged rows before resetting the pointer.
	RestartPurge RestartPolicy = "purge"
)

// ParseRestartPolicy converts a policy name. The empty string means retain.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch RestartPolicy(s) {
	case "", RestartRetain:
		return RestartRetain, nil
	case RestartPurge:
		return RestartPurge, nil
	}
	return "", model.NewValidationError("policy", eris.Errorf("unknown restart policy %q", s))
}

// Result is the outcome of a control transition.
type Result struct {
	Job     *model.Job
	Stats   *model.JobStats
	Message string
}

// Machine applies lifecycle transitions against the staging store. It keeps
// no state of its own: every decision is made from the persisted job row and
// live staged counts.
type Machine struct {
	store  store.Store
	policy RestartPolicy
	log    *zap.Logger
}

// NewMachine creates a Machine. policy is the default restart policy.
func NewMachine(st store.Store, policy RestartPolicy) *Machine {
	if policy == "" {
		policy = RestartRetain
	}
	return &Machine{
		store:  st,
		policy: policy,
		log:    zap.L().With(zap.String("component", "jobs")),
	}
}

// ResumeStage derives the resume point from staged counts alone.
func ResumeStage(stats model.JobStats) model.Stage {
	switch {
	case stats.Financials > 0:
		return model.StageFinancials
	case stats.CompanyIDs > 0:
		return model.StageEnrichment
	default:
		return model.StageSegmentation
	}
}

// Stop moves any job to stopped and records the stop message.
func (m *Machine) Stop(ctx context.Context, jobID string) (*Result, error) {
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	err := m.store.UpdateJob(ctx, jobID, model.JobUpdate{
		Status:    model.Ptr(model.JobStatusStopped),
		LastError: model.Ptr(model.StopMessage),
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("job stopped", zap.String("job_id", jobID))
	return m.result(ctx, jobID, "Job stopped")
}

// Pause moves a running job to paused. Pausing a paused job is a no-op.
func (m *Machine) Pause(ctx context.Context, jobID string) (*Result, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobStatusPaused:
		return m.result(ctx, jobID, "Job already paused")
	case model.JobStatusRunning:
	default:
		return nil, invalidTransition("pause", job.Status)
	}

	if err := m.store.UpdateJob(ctx, jobID, model.JobUpdate{Status: model.Ptr(model.JobStatusPaused)}); err != nil {
		return nil, err
	}
	m.log.Info("job paused", zap.String("job_id", jobID), zap.String("stage", string(job.Stage)))
	return m.result(ctx, jobID, "Job paused")
}

// Resume moves a paused, stopped or errored job back to running at the
// stage derived from its staged counts.
func (m *Machine) Resume(ctx context.Context, jobID string) (*Result, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case model.JobStatusPaused, model.JobStatusStopped, model.JobStatusError:
	default:
		return nil, invalidTransition("resume", job.Status)
	}

	stats, err := m.store.GetJobStats(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stage := ResumeStage(*stats)

	err = m.store.UpdateJob(ctx, jobID, model.JobUpdate{
		Status:         model.Ptr(model.JobStatusRunning),
		Stage:          model.Ptr(stage),
		ClearLastError: true,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("job resumed",
		zap.String("job_id", jobID),
		zap.String("stage", string(stage)),
		zap.String("previous_stage", string(job.Stage)),
	)
	return m.result(ctx, jobID, "Job resumed at "+string(stage))
}

// Restart forces any job back to running at stage 1 with processedCount 0.
// An empty policy uses the machine default.
func (m *Machine) Restart(ctx context.Context, jobID string, policy RestartPolicy) (*Result, error) {
	if policy == "" {
		policy = m.policy
	}
	if _, err := ParseRestartPolicy(string(policy)); err != nil {
		return nil, err
	}
	if _, err := m.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}

	err := m.store.RestartJob(ctx, jobID, model.JobUpdate{
		Status:         model.Ptr(model.JobStatusRunning),
		Stage:          model.Ptr(model.StageSegmentation),
		ProcessedCount: model.Ptr(0),
		ClearLastError: true,
	}, policy == RestartPurge)
	if err != nil {
		return nil, err
	}
	m.log.Info("job restarted", zap.String("job_id", jobID), zap.String("policy", string(policy)))
	return m.result(ctx, jobID, "Job restarted ("+string(policy)+")")
}

// Status returns the job and its live stats without a transition.
func (m *Machine) Status(ctx context.Context, jobID string) (*Result, error) {
	return m.result(ctx, jobID, "Job status")
}

// Advance records completion of a stage: the job moves to the next stage,
// or to done after the last one. It is a no-op when the job is no longer
// running at the completed stage, so a concurrent control action wins.
func (m *Machine) Advance(ctx context.Context, jobID string, completed model.Stage) (*model.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusRunning || job.Stage != completed {
		return job, nil
	}
	stats, err := m.store.GetJobStats(ctx, jobID)
	if err != nil {
		return nil, err
	}

	update := model.JobUpdate{ProcessedCount: model.Ptr(stats.Completed(completed))}
	if next, ok := completed.Next(); ok {
		update.Stage = &next
	} else {
		update.Status = model.Ptr(model.JobStatusDone)
	}
	if err := m.store.UpdateJob(ctx, jobID, update); err != nil {
		return nil, err
	}
	update.Apply(job)
	m.log.Info("stage completed",
		zap.String("job_id", jobID),
		zap.String("stage", string(completed)),
		zap.Int("processed", job.ProcessedCount),
	)
	return job, nil
}

// Fail marks a job-level failure. The job stays in error until an explicit
// resume.
func (m *Machine) Fail(ctx context.Context, jobID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	m.log.Error("job failed", zap.String("job_id", jobID), zap.Error(cause))
	return m.store.UpdateJob(ctx, jobID, model.JobUpdate{
		Status:    model.Ptr(model.JobStatusError),
		LastError: &msg,
	})
}

// ShouldContinue reports whether workers of stage may start another unit.
func (m *Machine) ShouldContinue(ctx context.Context, jobID string, stage model.Stage) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.Status == model.JobStatusRunning && job.Stage == stage, nil
}

func (m *Machine) result(ctx context.Context, jobID, msg string) (*Result, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	stats, err := m.store.GetJobStats(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &Result{Job: job, Stats: stats, Message: msg}, nil
}

func invalidTransition(action string, from model.JobStatus) error {
	return model.NewValidationError("action", eris.Errorf("cannot %s a job that is %s", action, from))
}
