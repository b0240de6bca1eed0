package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/registry-cli/internal/db"
	"github.com/sells-group/registry-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgJobColumns = `id, status, stage, filters, processed_count, last_error, created_at, updated_at`

// preparedStatements lists queries to prepare on each new connection for
// the hot paths of the stage workers.
var preparedStatements = map[string]string{
	"get_job":           `SELECT ` + pgJobColumns + ` FROM jobs WHERE id = $1`,
	"upsert_company":    pgUpsertCompany,
	"upsert_company_id": pgUpsertCompanyID,
	"upsert_financial":  pgUpsertFinancial,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'running',
	stage           TEXT NOT NULL DEFAULT 'stage1_segmentation',
	filters         JSONB NOT NULL DEFAULT '{}',
	processed_count INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS companies (
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	orgnr           TEXT NOT NULL,
	company_name    TEXT NOT NULL DEFAULT '',
	homepage        TEXT,
	foundation_year INTEGER,
	revenue         DOUBLE PRECISION,
	profit          DOUBLE PRECISION,
	nace_codes      TEXT[] NOT NULL DEFAULT '{}',
	segment         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS company_ids (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	orgnr      TEXT NOT NULL,
	company_id TEXT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS financials (
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	orgnr        TEXT NOT NULL,
	year         INTEGER NOT NULL,
	period       TEXT NOT NULL,
	period_start TIMESTAMPTZ,
	period_end   TIMESTAMPTZ,
	currency     TEXT NOT NULL DEFAULT '',
	revenue      DOUBLE PRECISION,
	profit       DOUBLE PRECISION,
	employees    DOUBLE PRECISION,
	raw_json     JSONB NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, orgnr, year, period)
);

CREATE TABLE IF NOT EXISTS unit_errors (
	job_id         TEXT NOT NULL REFERENCES jobs(id),
	stage          TEXT NOT NULL,
	unit_key       TEXT NOT NULL,
	error          TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 1,
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, stage, unit_key)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_financials_orgnr ON financials(job_id, orgnr);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, filters json.RawMessage) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusRunning,
		Stage:     model.StageSegmentation,
		Filters:   filtersOrEmpty(filters),
		CreatedAt: time.Now().UTC(),
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, status, stage, filters, processed_count, created_at, updated_at) VALUES ($1, $2, $3, $4, 0, $5, $6)`,
		job.ID, string(job.Status), string(job.Stage), []byte(job.Filters), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, model.NewStoreError("postgres: insert job", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgJobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return nil, model.NewStoreError("postgres: get job "+jobID, err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + pgJobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("postgres: list jobs", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, model.NewStoreError("postgres: scan job", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("postgres: list jobs iterate", err)
	}
	return jobs, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, jobID string, update model.JobUpdate) error {
	return pgUpdateJob(ctx, s.pool, jobID, update)
}

// pgExecer is satisfied by db.Pool and pgx.Tx.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func pgUpdateJob(ctx context.Context, ex pgExecer, jobID string, update model.JobUpdate) error {
	sets, args := jobUpdateClauses(update, func(n int) string { return fmt.Sprintf("$%d", n) })
	args = append(args, time.Now().UTC())
	sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
	args = append(args, jobID)

	tag, err := ex.Exec(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+fmt.Sprintf(` WHERE id = $%d`, len(args)),
		args...,
	)
	if err != nil {
		return model.NewStoreError("postgres: update job "+jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError("job", jobID)
	}
	return nil
}

func (s *PostgresStore) GetJobStats(ctx context.Context, jobID string) (*model.JobStats, error) {
	var exists bool
	var stats model.JobStats
	err := s.pool.QueryRow(ctx,
		`SELECT
			EXISTS (SELECT 1 FROM jobs WHERE id = $1),
			(SELECT COUNT(*) FROM companies WHERE job_id = $1),
			(SELECT COUNT(*) FROM company_ids WHERE job_id = $1),
			(SELECT COUNT(*) FROM financials WHERE job_id = $1)`,
		jobID,
	).Scan(&exists, &stats.Companies, &stats.CompanyIDs, &stats.Financials)
	if err != nil {
		return nil, model.NewStoreError("postgres: job stats "+jobID, err)
	}
	if !exists {
		return nil, model.NewNotFoundError("job", jobID)
	}
	return &stats, nil
}

// RestartJob applies update in the same transaction that, when purge is
// set, deletes the job's staged rows.
func (s *PostgresStore) RestartJob(ctx context.Context, jobID string, update model.JobUpdate, purge bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.NewStoreError("postgres: restart begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if purge {
		for _, table := range purgeTables {
			if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE job_id = $1`, jobID); err != nil {
				return model.NewStoreError("postgres: purge "+table, err)
			}
		}
	}
	if err := pgUpdateJob(ctx, tx, jobID, update); err != nil {
		return err
	}
	return model.NewStoreError("postgres: restart commit", tx.Commit(ctx))
}

// --- Stage 1 ---

const pgUpsertCompany = `INSERT INTO companies
	(job_id, orgnr, company_name, homepage, foundation_year, revenue, profit, nace_codes, segment, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (job_id, orgnr) DO UPDATE SET
		company_name = EXCLUDED.company_name,
		homepage = EXCLUDED.homepage,
		foundation_year = EXCLUDED.foundation_year,
		revenue = EXCLUDED.revenue,
		profit = EXCLUDED.profit,
		nace_codes = EXCLUDED.nace_codes,
		segment = EXCLUDED.segment`

var companyColumns = []string{
	"job_id", "orgnr", "company_name", "homepage", "foundation_year",
	"revenue", "profit", "nace_codes", "segment", "created_at",
}

func (s *PostgresStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if err := validateCompany(c); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, pgUpsertCompany, pgCompanyRow(c)...)
	return model.NewStoreError("postgres: upsert company "+c.Orgnr, err)
}

// UpsertCompanies merges a batch through a temp table with COPY, so the
// whole page of companies lands in one transaction.
func (s *PostgresStore) UpsertCompanies(ctx context.Context, cs []model.Company) (int64, error) {
	cs, err := dedupeCompanies(cs)
	if err != nil {
		return 0, err
	}
	rows := make([][]any, 0, len(cs))
	for _, c := range cs {
		rows = append(rows, pgCompanyRow(c))
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "companies",
		Columns:      companyColumns,
		ConflictKeys: []string{"job_id", "orgnr"},
		UpdateCols:   []string{"company_name", "homepage", "foundation_year", "revenue", "profit", "nace_codes", "segment"},
	}, rows)
	if err != nil {
		return 0, model.NewStoreError("postgres: upsert companies", err)
	}
	return n, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context, jobID string) ([]model.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+strings.Join(companyColumns, ", ")+` FROM companies WHERE job_id = $1 ORDER BY orgnr`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("postgres: list companies", err)
	}
	defer rows.Close()

	var out []model.Company
	for rows.Next() {
		var c model.Company
		var foundation *int32
		if err := rows.Scan(&c.JobID, &c.Orgnr, &c.CompanyName, &c.Homepage, &foundation,
			&c.Revenue, &c.Profit, &c.NACECodes, &c.Segment, &c.CreatedAt); err != nil {
			return nil, model.NewStoreError("postgres: scan company", err)
		}
		if foundation != nil {
			c.FoundationYear = model.Ptr(int(*foundation))
		}
		if len(c.NACECodes) == 0 {
			c.NACECodes = nil
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("postgres: list companies iterate", err)
	}
	return out, nil
}

// --- Stage 2 ---

const pgUpsertCompanyID = `INSERT INTO company_ids (job_id, orgnr, company_id, confidence, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $5)
	ON CONFLICT (job_id, orgnr) DO UPDATE SET
		company_id = EXCLUDED.company_id,
		confidence = EXCLUDED.confidence,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) UpsertCompanyIdentifier(ctx context.Context, id model.CompanyIdentifier) error {
	if err := validateIdentifier(id); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, pgUpsertCompanyID,
		id.JobID, id.Orgnr, id.CompanyID, id.Confidence, time.Now().UTC(),
	)
	return model.NewStoreError("postgres: upsert company id "+id.Orgnr, err)
}

func (s *PostgresStore) ListCompanyIdentifiers(ctx context.Context, jobID string) ([]model.CompanyIdentifier, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, orgnr, company_id, confidence, created_at, updated_at
		 FROM company_ids WHERE job_id = $1 ORDER BY orgnr`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("postgres: list company ids", err)
	}
	defer rows.Close()

	var out []model.CompanyIdentifier
	for rows.Next() {
		var id model.CompanyIdentifier
		if err := rows.Scan(&id.JobID, &id.Orgnr, &id.CompanyID, &id.Confidence, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, model.NewStoreError("postgres: scan company id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("postgres: list company ids iterate", err)
	}
	return out, nil
}

// --- Stage 3 ---

const pgUpsertFinancial = `INSERT INTO financials
	(job_id, orgnr, year, period, period_start, period_end, currency, revenue, profit, employees, raw_json, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	ON CONFLICT (job_id, orgnr, year, period) DO UPDATE SET
		period_start = EXCLUDED.period_start,
		period_end = EXCLUDED.period_end,
		currency = EXCLUDED.currency,
		revenue = EXCLUDED.revenue,
		profit = EXCLUDED.profit,
		employees = EXCLUDED.employees,
		raw_json = EXCLUDED.raw_json,
		updated_at = EXCLUDED.updated_at`

func (s *PostgresStore) UpsertFinancialRecord(ctx context.Context, r model.FinancialRecord) error {
	if err := validateFinancial(r); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, pgUpsertFinancial,
		r.JobID, r.Orgnr, r.Year, normalizePeriod(r.Period), r.PeriodStart, r.PeriodEnd, r.Currency,
		r.Revenue, r.Profit, r.Employees, []byte(r.RawJSON), time.Now().UTC(),
	)
	return model.NewStoreError("postgres: upsert financial "+r.Orgnr, err)
}

const pgFinancialColumns = `job_id, orgnr, year, period, period_start, period_end, currency, revenue, profit, employees, raw_json, created_at, updated_at`

func (s *PostgresStore) GetFinancialRecordsWithRawData(ctx context.Context, jobID, orgnr string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+pgFinancialColumns+` FROM financials WHERE job_id = $1 AND orgnr = $2 ORDER BY year, period`,
		jobID, orgnr,
	)
}

func (s *PostgresStore) ListFinancialRecords(ctx context.Context, jobID string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+pgFinancialColumns+` FROM financials WHERE job_id = $1 ORDER BY orgnr, year, period`,
		jobID,
	)
}

func (s *PostgresStore) queryFinancials(ctx context.Context, query string, args ...any) ([]model.FinancialRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("postgres: query financials", err)
	}
	defer rows.Close()

	var out []model.FinancialRecord
	for rows.Next() {
		var r model.FinancialRecord
		var raw []byte
		if err := rows.Scan(&r.JobID, &r.Orgnr, &r.Year, &r.Period, &r.PeriodStart, &r.PeriodEnd, &r.Currency,
			&r.Revenue, &r.Profit, &r.Employees, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, model.NewStoreError("postgres: scan financial", err)
		}
		r.RawJSON = json.RawMessage(raw)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("postgres: query financials iterate", err)
	}
	return out, nil
}

// --- Unit errors ---

func (s *PostgresStore) RecordUnitError(ctx context.Context, ue model.UnitError) error {
	at := ue.LastFailedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO unit_errors (job_id, stage, unit_key, error, attempts, last_failed_at)
		 VALUES ($1, $2, $3, $4, 1, $5)
		 ON CONFLICT (job_id, stage, unit_key) DO UPDATE SET
			error = EXCLUDED.error,
			attempts = unit_errors.attempts + 1,
			last_failed_at = EXCLUDED.last_failed_at`,
		ue.JobID, string(ue.Stage), ue.UnitKey, ue.Error, at,
	)
	return model.NewStoreError("postgres: record unit error "+ue.UnitKey, err)
}

func (s *PostgresStore) ClearUnitError(ctx context.Context, jobID string, stage model.Stage, unitKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM unit_errors WHERE job_id = $1 AND stage = $2 AND unit_key = $3`,
		jobID, string(stage), unitKey,
	)
	return model.NewStoreError("postgres: clear unit error "+unitKey, err)
}

func (s *PostgresStore) ListUnitErrors(ctx context.Context, jobID string) ([]model.UnitError, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT job_id, stage, unit_key, error, attempts, last_failed_at
		 FROM unit_errors WHERE job_id = $1 ORDER BY stage, unit_key`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("postgres: list unit errors", err)
	}
	defer rows.Close()

	var out []model.UnitError
	for rows.Next() {
		var ue model.UnitError
		var stage string
		if err := rows.Scan(&ue.JobID, &stage, &ue.UnitKey, &ue.Error, &ue.Attempts, &ue.LastFailedAt); err != nil {
			return nil, model.NewStoreError("postgres: scan unit error", err)
		}
		ue.Stage = model.Stage(stage)
		out = append(out, ue)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("postgres: list unit errors iterate", err)
	}
	return out, nil
}

func (s *PostgresStore) CountUnitErrors(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM unit_errors WHERE job_id = $1`, jobID).Scan(&n)
	if err != nil {
		return 0, model.NewStoreError("postgres: count unit errors", err)
	}
	return n, nil
}

func scanPgJob(row scannable) (*model.Job, error) {
	var j model.Job
	var status, stage string
	var filters []byte
	var lastErr *string
	if err := row.Scan(&j.ID, &status, &stage, &filters, &j.ProcessedCount, &lastErr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.Stage = model.Stage(stage)
	j.Filters = json.RawMessage(filters)
	if lastErr != nil {
		j.LastError = *lastErr
	}
	return &j, nil
}

func pgCompanyRow(c model.Company) []any {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	nace := c.NACECodes
	if nace == nil {
		nace = []string{}
	}
	var year *int32
	if c.FoundationYear != nil {
		year = model.Ptr(int32(*c.FoundationYear))
	}
	return []any{
		c.JobID, c.Orgnr, c.CompanyName, c.Homepage, year,
		c.Revenue, c.Profit, nace, c.Segment, created,
	}
}
