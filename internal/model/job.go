package model

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusPaused  JobStatus = "paused"
	JobStatusStopped JobStatus = "stopped"
	JobStatusError   JobStatus = "error"
	JobStatusDone    JobStatus = "done"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusRunning, JobStatusPaused, JobStatusStopped, JobStatusError, JobStatusDone:
		return true
	}
	return false
}

// Stage identifies one of the three ordered phases of a job.
type Stage string

const (
	StageSegmentation Stage = "stage1_segmentation"
	StageEnrichment   Stage = "stage2_enrichment"
	StageFinancials   Stage = "stage3_financials"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageSegmentation, StageEnrichment, StageFinancials}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageSegmentation, StageEnrichment, StageFinancials:
		return true
	}
	return false
}

// Next returns the stage after s. The second return is false for the last stage.
func (s Stage) Next() (Stage, bool) {
	switch s {
	case StageSegmentation:
		return StageEnrichment, true
	case StageEnrichment:
		return StageFinancials, true
	}
	return "", false
}

// Index returns the 1-based position of s, or 0 if s is unknown.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i + 1
		}
	}
	return 0
}

// ParseStage converts a stage name into a Stage.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", NewValidationError("stage", eris.Errorf("unknown stage %q", s))
	}
	return st, nil
}

// StopMessage is recorded as lastError when a user stops a job.
const StopMessage = "Process stopped by user"

// Job identifies one scraping run. It owns lifecycle metadata only; staged
// rows reference it by id.
type Job struct {
	ID             string          `json:"id"`
	Status         JobStatus       `json:"status"`
	Stage          Stage           `json:"stage"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LastError      string          `json:"lastError,omitempty"`
	Filters        json.RawMessage `json:"filters,omitempty"`
	ProcessedCount int             `json:"processedCount"`
}

// JobUpdate is a partial update applied by UpdateJob. Nil fields are left
// untouched; ClearLastError wins over LastError.
type JobUpdate struct {
	Status         *JobStatus
	Stage          *Stage
	LastError      *string
	ClearLastError bool
	ProcessedCount *int
	Filters        json.RawMessage
}

// Empty reports whether the update changes no fields.
func (u JobUpdate) Empty() bool {
	return u.Status == nil && u.Stage == nil && u.LastError == nil &&
		!u.ClearLastError && u.ProcessedCount == nil && u.Filters == nil
}

// Apply merges the update into j. UpdatedAt is not touched; stores stamp it.
func (u JobUpdate) Apply(j *Job) {
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.Stage != nil {
		j.Stage = *u.Stage
	}
	if u.LastError != nil {
		j.LastError = *u.LastError
	}
	if u.ClearLastError {
		j.LastError = ""
	}
	if u.ProcessedCount != nil {
		j.ProcessedCount = *u.ProcessedCount
	}
	if u.Filters != nil {
		j.Filters = u.Filters
	}
}

// JobStats holds live counts of the rows staged for a job.
type JobStats struct {
	Companies  int `json:"companies"`
	CompanyIDs int `json:"companyIds"`
	Financials int `json:"financials"`
}

// Completed returns the staged count that measures progress of stage s.
func (s JobStats) Completed(stage Stage) int {
	switch stage {
	case StageSegmentation:
		return s.Companies
	case StageEnrichment:
		return s.CompanyIDs
	case StageFinancials:
		return s.Financials
	}
	return 0
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
