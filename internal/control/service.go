// Package control is the single entry point for job control actions. It
// validates request shape and maps state-machine results onto a stable
// response envelope.
package control

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/jobs"
	"github.com/sells-group/registry-cli/internal/metrics"
	"github.com/sells-group/registry-cli/internal/model"
)

// Action is a control command.
type Action string

const (
	ActionStop    Action = "stop"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionRestart Action = "restart"
	ActionStatus  Action = "status"
)

// Actions lists every supported action.
var Actions = []Action{ActionStop, ActionPause, ActionResume, ActionRestart, ActionStatus}

// Request is a control command for one job. Stage is validated when present
// but never overrides the derived resume stage. Policy applies to restart.
type Request struct {
	JobID  string `json:"jobId"`
	Action string `json:"action"`
	Stage  string `json:"stage,omitempty"`
	Policy string `json:"policy,omitempty"`
}

// Response is the success envelope.
type Response struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message"`
	JobID     string          `json:"jobId"`
	Status    model.JobStatus `json:"status"`
	Stage     model.Stage     `json:"stage,omitempty"`
	Stats     *model.JobStats `json:"stats,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorResponse is the failure envelope.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Code      int       `json:"code"`
	JobID     string    `json:"jobId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Controller is the lifecycle API the service drives.
type Controller interface {
	Stop(ctx context.Context, jobID string) (*jobs.Result, error)
	Pause(ctx context.Context, jobID string) (*jobs.Result, error)
	Resume(ctx context.Context, jobID string) (*jobs.Result, error)
	Restart(ctx context.Context, jobID string, policy jobs.RestartPolicy) (*jobs.Result, error)
	Status(ctx context.Context, jobID string) (*jobs.Result, error)
}

// Service dispatches control requests.
type Service struct {
	ctl     Controller
	now     func() time.Time
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewService creates a Service around ctl.
func NewService(ctl Controller) *Service {
	return &Service{
		ctl: ctl,
		now: time.Now,
		log: zap.L().With(zap.String("component", "control")),
	}
}

// WithMetrics counts handled actions on m. The router also serves m on
// GET /metrics.
func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

// Handle validates req and applies it.
func (s *Service) Handle(ctx context.Context, req Request) (*Response, error) {
	action, policy, err := validate(req)
	if err != nil {
		s.metrics.Control("invalid", false)
		return nil, err
	}

	var res *jobs.Result
	switch action {
	case ActionStop:
		res, err = s.ctl.Stop(ctx, req.JobID)
	case ActionPause:
		res, err = s.ctl.Pause(ctx, req.JobID)
	case ActionResume:
		res, err = s.ctl.Resume(ctx, req.JobID)
	case ActionRestart:
		res, err = s.ctl.Restart(ctx, req.JobID, policy)
	case ActionStatus:
		res, err = s.ctl.Status(ctx, req.JobID)
	}
	if err != nil {
		s.log.Warn("control action failed",
			zap.String("job_id", req.JobID),
			zap.String("action", req.Action),
			zap.Error(err),
		)
		s.metrics.Control(string(action), false)
		return nil, err
	}
	s.metrics.Control(string(action), true)

	s.log.Info("control action applied",
		zap.String("job_id", req.JobID),
		zap.String("action", req.Action),
		zap.String("status", string(res.Job.Status)),
	)
	return &Response{
		Success:   true,
		Message:   res.Message,
		JobID:     res.Job.ID,
		Status:    res.Job.Status,
		Stage:     res.Job.Stage,
		Stats:     res.Stats,
		Timestamp: s.now().UTC(),
	}, nil
}

// ErrorEnvelope builds the failure envelope for err.
func (s *Service) ErrorEnvelope(jobID string, err error) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		Error:     errorMessage(err),
		Code:      StatusCode(err),
		JobID:     jobID,
		Timestamp: s.now().UTC(),
	}
}

// StatusCode maps an error onto its HTTP-equivalent status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case model.IsValidation(err):
		return http.StatusBadRequest
	case model.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func validate(req Request) (Action, jobs.RestartPolicy, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return "", "", model.NewValidationError("jobId", eris.New("is required"))
	}
	if req.Action == "" {
		return "", "", model.NewValidationError("action", eris.New("is required"))
	}
	action, err := ParseAction(req.Action)
	if err != nil {
		return "", "", err
	}
	if req.Stage != "" {
		if _, err := model.ParseStage(req.Stage); err != nil {
			return "", "", err
		}
	}
	var policy jobs.RestartPolicy
	if req.Policy != "" {
		if policy, err = jobs.ParseRestartPolicy(req.Policy); err != nil {
			return "", "", err
		}
	}
	return action, policy, nil
}

// ParseAction converts an action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}
	return "", model.NewValidationError("action", eris.Errorf("unknown action %q", s))
}

// errorMessage prefers the message of a classified error over its wrappers.
func errorMessage(err error) string {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Error()
	}
	var nf *model.NotFoundError
	if errors.As(err, &nf) {
		return nf.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return "internal error"
}
