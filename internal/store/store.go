// Package store implements the durable, job-scoped staging store.
package store

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/config"
	"github.com/sells-group/registry-cli/internal/model"
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the staging persistence interface. Every staged row is keyed
// by its natural key within a job, and every upsert is idempotent on that key.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, filters json.RawMessage) (*model.Job, error)
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error)
	UpdateJob(ctx context.Context, jobID string, update model.JobUpdate) error
	GetJobStats(ctx context.Context, jobID string) (*model.JobStats, error)
	// RestartJob applies update and, if purge is set, deletes the job's
	// staged rows, all in one transaction.
	RestartJob(ctx context.Context, jobID string, update model.JobUpdate, purge bool) error

	// Stage 1
	UpsertCompany(ctx context.Context, c model.Company) error
	UpsertCompanies(ctx context.Context, cs []model.Company) (int64, error)
	ListCompanies(ctx context.Context, jobID string) ([]model.Company, error)

	// Stage 2
	UpsertCompanyIdentifier(ctx context.Context, id model.CompanyIdentifier) error
	ListCompanyIdentifiers(ctx context.Context, jobID string) ([]model.CompanyIdentifier, error)

	// Stage 3
	UpsertFinancialRecord(ctx context.Context, r model.FinancialRecord) error
	GetFinancialRecordsWithRawData(ctx context.Context, jobID, orgnr string) ([]model.FinancialRecord, error)
	ListFinancialRecords(ctx context.Context, jobID string) ([]model.FinancialRecord, error)

	// Per-unit failures
	RecordUnitError(ctx context.Context, ue model.UnitError) error
	ClearUnitError(ctx context.Context, jobID string, stage model.Stage, unitKey string) error
	ListUnitErrors(ctx context.Context, jobID string) ([]model.UnitError, error)
	CountUnitErrors(ctx context.Context, jobID string) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open connects to the backend named by cfg.Driver. The caller owns the
// returned store and must Close it.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DatabaseURL
		if dsn == "" {
			dsn = "registry.db"
		}
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, &PoolConfig{MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	default:
		return nil, eris.Errorf("store: unsupported driver %q", cfg.Driver)
	}
}

// WithStore opens the store, runs migrations, calls fn and always closes the store.
func WithStore(ctx context.Context, cfg config.StoreConfig, fn func(Store) error) (err error) {
	st, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := st.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "store: close")
		}
	}()
	if err := st.Migrate(ctx); err != nil {
		return err
	}
	return fn(st)
}

func validateCompany(c model.Company) error {
	if c.JobID == "" {
		return model.NewValidationError("jobId", eris.New("is required"))
	}
	if c.Orgnr == "" {
		return model.NewValidationError("orgnr", eris.New("is required"))
	}
	return nil
}

// dedupeCompanies validates cs and collapses repeated (job, orgnr) keys onto
// the last occurrence, keeping first-seen order. A single upsert statement
// may not touch the same conflict key twice.
func dedupeCompanies(cs []model.Company) ([]model.Company, error) {
	type key struct{ job, orgnr string }
	idx := make(map[key]int, len(cs))
	out := make([]model.Company, 0, len(cs))
	for _, c := range cs {
		if err := validateCompany(c); err != nil {
			return nil, err
		}
		k := key{c.JobID, c.Orgnr}
		if i, ok := idx[k]; ok {
			out[i] = c
			continue
		}
		idx[k] = len(out)
		out = append(out, c)
	}
	return out, nil
}

func validateIdentifier(id model.CompanyIdentifier) error {
	if id.JobID == "" {
		return model.NewValidationError("jobId", eris.New("is required"))
	}
	if id.Orgnr == "" {
		return model.NewValidationError("orgnr", eris.New("is required"))
	}
	if id.CompanyID == "" {
		return model.NewValidationError("companyId", eris.New("is required"))
	}
	return nil
}

func validateFinancial(r model.FinancialRecord) error {
	if r.JobID == "" {
		return model.NewValidationError("jobId", eris.New("is required"))
	}
	if r.Orgnr == "" {
		return model.NewValidationError("orgnr", eris.New("is required"))
	}
	if r.Year <= 0 {
		return model.NewValidationError("year", eris.Errorf("must be positive, got %d", r.Year))
	}
	if len(r.RawJSON) == 0 {
		return model.NewValidationError("rawJson", eris.New("is required"))
	}
	return nil
}

// normalizePeriod keeps the natural key stable when the source omits a period.
func normalizePeriod(p string) string {
	if p == "" {
		return "annual"
	}
	return p
}

func marshalStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, nil
	}
	return v, nil
}

func filtersOrEmpty(f json.RawMessage) json.RawMessage {
	if len(f) == 0 {
		return json.RawMessage(`{}`)
	}
	return f
}
