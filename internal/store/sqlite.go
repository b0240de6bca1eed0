package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/registry-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection; a single writer connection keeps
	// busy_timeout in effect for every statement.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	status          TEXT NOT NULL DEFAULT 'running',
	stage           TEXT NOT NULL DEFAULT 'stage1_segmentation',
	filters         TEXT NOT NULL DEFAULT '{}',
	processed_count INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS companies (
	job_id          TEXT NOT NULL REFERENCES jobs(id),
	orgnr           TEXT NOT NULL,
	company_name    TEXT NOT NULL DEFAULT '',
	homepage        TEXT,
	foundation_year INTEGER,
	revenue         REAL,
	profit          REAL,
	nace_codes      TEXT NOT NULL DEFAULT '[]',
	segment         TEXT NOT NULL DEFAULT '',
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS company_ids (
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	orgnr      TEXT NOT NULL,
	company_id TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, orgnr)
);

CREATE TABLE IF NOT EXISTS financials (
	job_id       TEXT NOT NULL REFERENCES jobs(id),
	orgnr        TEXT NOT NULL,
	year         INTEGER NOT NULL,
	period       TEXT NOT NULL,
	period_start DATETIME,
	period_end   DATETIME,
	currency     TEXT NOT NULL DEFAULT '',
	revenue      REAL,
	profit       REAL,
	employees    REAL,
	raw_json     TEXT NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, orgnr, year, period)
);

CREATE TABLE IF NOT EXISTS unit_errors (
	job_id         TEXT NOT NULL REFERENCES jobs(id),
	stage          TEXT NOT NULL,
	unit_key       TEXT NOT NULL,
	error          TEXT NOT NULL,
	attempts       INTEGER NOT NULL DEFAULT 1,
	last_failed_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, stage, unit_key)
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_financials_orgnr ON financials(job_id, orgnr);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, filters json.RawMessage) (*model.Job, error) {
	job := &model.Job{
		ID:        uuid.New().String(),
		Status:    model.JobStatusRunning,
		Stage:     model.StageSegmentation,
		Filters:   filtersOrEmpty(filters),
		CreatedAt: time.Now().UTC(),
	}
	job.UpdatedAt = job.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, stage, filters, processed_count, created_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		job.ID, string(job.Status), string(job.Stage), string(job.Filters), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return nil, model.NewStoreError("sqlite: insert job", err)
	}
	return job, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, stage, filters, processed_count, last_error, created_at, updated_at FROM jobs WHERE id = ?`,
		jobID,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return nil, model.NewStoreError("sqlite: get job "+jobID, err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, status, stage, filters, processed_count, last_error, created_at, updated_at FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("sqlite: list jobs", err)
	}
	defer rows.Close() //nolint:errcheck

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, model.NewStoreError("sqlite: scan job", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("sqlite: list jobs iterate", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, jobID string, update model.JobUpdate) error {
	return sqliteUpdateJob(ctx, s.db, jobID, update)
}

// sqlExecer is satisfied by *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteUpdateJob(ctx context.Context, ex sqlExecer, jobID string, update model.JobUpdate) error {
	sets, args := jobUpdateClauses(update, func(int) string { return "?" })
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), jobID)

	res, err := ex.ExecContext(ctx,
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`,
		args...,
	)
	if err != nil {
		return model.NewStoreError("sqlite: update job "+jobID, err)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) GetJobStats(ctx context.Context, jobID string) (*model.JobStats, error) {
	var exists bool
	var stats model.JobStats
	err := s.db.QueryRowContext(ctx,
		`SELECT
			EXISTS (SELECT 1 FROM jobs WHERE id = ?),
			(SELECT COUNT(*) FROM companies WHERE job_id = ?),
			(SELECT COUNT(*) FROM company_ids WHERE job_id = ?),
			(SELECT COUNT(*) FROM financials WHERE job_id = ?)`,
		jobID, jobID, jobID, jobID,
	).Scan(&exists, &stats.Companies, &stats.CompanyIDs, &stats.Financials)
	if err != nil {
		return nil, model.NewStoreError("sqlite: job stats "+jobID, err)
	}
	if !exists {
		return nil, model.NewNotFoundError("job", jobID)
	}
	return &stats, nil
}

// RestartJob applies update in the same transaction that, when purge is
// set, deletes the job's staged rows. Nothing is deleted if the update fails.
func (s *SQLiteStore) RestartJob(ctx context.Context, jobID string, update model.JobUpdate, purge bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.NewStoreError("sqlite: restart begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if purge {
		for _, table := range purgeTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE job_id = ?`, jobID); err != nil {
				return model.NewStoreError("sqlite: purge "+table, err)
			}
		}
	}
	if err := sqliteUpdateJob(ctx, tx, jobID, update); err != nil {
		return err
	}
	return model.NewStoreError("sqlite: restart commit", tx.Commit())
}

// --- Stage 1 ---

const sqliteUpsertCompany = `INSERT INTO companies
	(job_id, orgnr, company_name, homepage, foundation_year, revenue, profit, nace_codes, segment, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (job_id, orgnr) DO UPDATE SET
		company_name = excluded.company_name,
		homepage = excluded.homepage,
		foundation_year = excluded.foundation_year,
		revenue = excluded.revenue,
		profit = excluded.profit,
		nace_codes = excluded.nace_codes,
		segment = excluded.segment`

func (s *SQLiteStore) UpsertCompany(ctx context.Context, c model.Company) error {
	if err := validateCompany(c); err != nil {
		return err
	}
	args, err := companyArgs(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, sqliteUpsertCompany, args...)
	return model.NewStoreError("sqlite: upsert company "+c.Orgnr, err)
}

func (s *SQLiteStore) UpsertCompanies(ctx context.Context, cs []model.Company) (int64, error) {
	cs, err := dedupeCompanies(cs)
	if err != nil {
		return 0, err
	}
	if len(cs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.NewStoreError("sqlite: upsert companies begin", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsertCompany)
	if err != nil {
		return 0, model.NewStoreError("sqlite: prepare upsert companies", err)
	}
	defer stmt.Close() //nolint:errcheck

	var n int64
	for _, c := range cs {
		args, err := companyArgs(c)
		if err != nil {
			return 0, err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, model.NewStoreError("sqlite: upsert company "+c.Orgnr, err)
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, model.NewStoreError("sqlite: upsert companies commit", err)
	}
	return n, nil
}

func (s *SQLiteStore) ListCompanies(ctx context.Context, jobID string) ([]model.Company, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, orgnr, company_name, homepage, foundation_year, revenue, profit, nace_codes, segment, created_at
		 FROM companies WHERE job_id = ? ORDER BY orgnr`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("sqlite: list companies", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, model.NewStoreError("sqlite: scan company", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("sqlite: list companies iterate", err)
	}
	return out, nil
}

// --- Stage 2 ---

func (s *SQLiteStore) UpsertCompanyIdentifier(ctx context.Context, id model.CompanyIdentifier) error {
	if err := validateIdentifier(id); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO company_ids (job_id, orgnr, company_id, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, orgnr) DO UPDATE SET
			company_id = excluded.company_id,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		id.JobID, id.Orgnr, id.CompanyID, id.Confidence, now, now,
	)
	return model.NewStoreError("sqlite: upsert company id "+id.Orgnr, err)
}

func (s *SQLiteStore) ListCompanyIdentifiers(ctx context.Context, jobID string) ([]model.CompanyIdentifier, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, orgnr, company_id, confidence, created_at, updated_at
		 FROM company_ids WHERE job_id = ? ORDER BY orgnr`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("sqlite: list company ids", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CompanyIdentifier
	for rows.Next() {
		var id model.CompanyIdentifier
		if err := rows.Scan(&id.JobID, &id.Orgnr, &id.CompanyID, &id.Confidence, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, model.NewStoreError("sqlite: scan company id", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("sqlite: list company ids iterate", err)
	}
	return out, nil
}

// --- Stage 3 ---

func (s *SQLiteStore) UpsertFinancialRecord(ctx context.Context, r model.FinancialRecord) error {
	if err := validateFinancial(r); err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO financials
			(job_id, orgnr, year, period, period_start, period_end, currency, revenue, profit, employees, raw_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (job_id, orgnr, year, period) DO UPDATE SET
			period_start = excluded.period_start,
			period_end = excluded.period_end,
			currency = excluded.currency,
			revenue = excluded.revenue,
			profit = excluded.profit,
			employees = excluded.employees,
			raw_json = excluded.raw_json,
			updated_at = excluded.updated_at`,
		r.JobID, r.Orgnr, r.Year, normalizePeriod(r.Period),
		nullTime(r.PeriodStart), nullTime(r.PeriodEnd), r.Currency,
		nullFloat(r.Revenue), nullFloat(r.Profit), nullFloat(r.Employees),
		string(r.RawJSON), now, now,
	)
	return model.NewStoreError("sqlite: upsert financial "+r.Orgnr, err)
}

const sqliteFinancialColumns = `job_id, orgnr, year, period, period_start, period_end, currency, revenue, profit, employees, raw_json, created_at, updated_at`

func (s *SQLiteStore) GetFinancialRecordsWithRawData(ctx context.Context, jobID, orgnr string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+sqliteFinancialColumns+` FROM financials WHERE job_id = ? AND orgnr = ? ORDER BY year, period`,
		jobID, orgnr,
	)
}

func (s *SQLiteStore) ListFinancialRecords(ctx context.Context, jobID string) ([]model.FinancialRecord, error) {
	return s.queryFinancials(ctx,
		`SELECT `+sqliteFinancialColumns+` FROM financials WHERE job_id = ? ORDER BY orgnr, year, period`,
		jobID,
	)
}

func (s *SQLiteStore) queryFinancials(ctx context.Context, query string, args ...any) ([]model.FinancialRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.NewStoreError("sqlite: query financials", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.FinancialRecord
	for rows.Next() {
		var r model.FinancialRecord
		var start, end sql.NullTime
		var revenue, profit, employees sql.NullFloat64
		var raw string
		if err := rows.Scan(&r.JobID, &r.Orgnr, &r.Year, &r.Period, &start, &end, &r.Currency,
			&revenue, &profit, &employees, &raw, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, model.NewStoreError("sqlite: scan financial", err)
		}
		r.PeriodStart = timePtr(start)
		r.PeriodEnd = timePtr(end)
		r.Revenue = floatPtr(revenue)
		r.Profit = floatPtr(profit)
		r.Employees = floatPtr(employees)
		r.RawJSON = json.RawMessage(raw)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("sqlite: query financials iterate", err)
	}
	return out, nil
}

// --- Unit errors ---

func (s *SQLiteStore) RecordUnitError(ctx context.Context, ue model.UnitError) error {
	at := ue.LastFailedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unit_errors (job_id, stage, unit_key, error, attempts, last_failed_at)
		 VALUES (?, ?, ?, ?, 1, ?)
		 ON CONFLICT (job_id, stage, unit_key) DO UPDATE SET
			error = excluded.error,
			attempts = unit_errors.attempts + 1,
			last_failed_at = excluded.last_failed_at`,
		ue.JobID, string(ue.Stage), ue.UnitKey, ue.Error, at,
	)
	return model.NewStoreError("sqlite: record unit error "+ue.UnitKey, err)
}

func (s *SQLiteStore) ClearUnitError(ctx context.Context, jobID string, stage model.Stage, unitKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM unit_errors WHERE job_id = ? AND stage = ? AND unit_key = ?`,
		jobID, string(stage), unitKey,
	)
	return model.NewStoreError("sqlite: clear unit error "+unitKey, err)
}

func (s *SQLiteStore) ListUnitErrors(ctx context.Context, jobID string) ([]model.UnitError, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, stage, unit_key, error, attempts, last_failed_at
		 FROM unit_errors WHERE job_id = ? ORDER BY stage, unit_key`,
		jobID,
	)
	if err != nil {
		return nil, model.NewStoreError("sqlite: list unit errors", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UnitError
	for rows.Next() {
		var ue model.UnitError
		if err := rows.Scan(&ue.JobID, &ue.Stage, &ue.UnitKey, &ue.Error, &ue.Attempts, &ue.LastFailedAt); err != nil {
			return nil, model.NewStoreError("sqlite: scan unit error", err)
		}
		out = append(out, ue)
	}
	if err := rows.Err(); err != nil {
		return nil, model.NewStoreError("sqlite: list unit errors iterate", err)
	}
	return out, nil
}

func (s *SQLiteStore) CountUnitErrors(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unit_errors WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, model.NewStoreError("sqlite: count unit errors", err)
	}
	return n, nil
}

// helpers

// purgeTables lists staged tables in child-first order.
var purgeTables = []string{"unit_errors", "financials", "company_ids", "companies"}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return model.NewStoreError("rows affected", err)
	}
	if n == 0 {
		return model.NewNotFoundError(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var filters string
	var lastErr sql.NullString
	if err := row.Scan(&j.ID, &j.Status, &j.Stage, &filters, &j.ProcessedCount, &lastErr, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Filters = json.RawMessage(filters)
	j.LastError = lastErr.String
	return &j, nil
}

func scanCompany(row scannable) (*model.Company, error) {
	var c model.Company
	var homepage sql.NullString
	var year sql.NullInt64
	var revenue, profit sql.NullFloat64
	var nace string
	if err := row.Scan(&c.JobID, &c.Orgnr, &c.CompanyName, &homepage, &year, &revenue, &profit, &nace, &c.Segment, &c.CreatedAt); err != nil {
		return nil, err
	}
	if homepage.Valid {
		c.Homepage = &homepage.String
	}
	if year.Valid {
		y := int(year.Int64)
		c.FoundationYear = &y
	}
	c.Revenue = floatPtr(revenue)
	c.Profit = floatPtr(profit)
	codes, err := unmarshalStrings(nace)
	if err != nil {
		return nil, eris.Wrap(err, "unmarshal nace codes")
	}
	c.NACECodes = codes
	return &c, nil
}

func companyArgs(c model.Company) ([]any, error) {
	nace, err := marshalStrings(c.NACECodes)
	if err != nil {
		return nil, eris.Wrap(err, "marshal nace codes")
	}
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var homepage any
	if c.Homepage != nil {
		homepage = *c.Homepage
	}
	var year any
	if c.FoundationYear != nil {
		year = *c.FoundationYear
	}
	return []any{
		c.JobID, c.Orgnr, c.CompanyName, homepage, year,
		nullFloat(c.Revenue), nullFloat(c.Profit), nace, c.Segment, created,
	}, nil
}

// jobUpdateClauses renders the SET clauses of a partial job update. ph
// returns the placeholder for the n-th (1-based) argument.
func jobUpdateClauses(u model.JobUpdate, ph func(n int) string) ([]string, []any) {
	var sets []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, col+" = "+ph(len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Stage != nil {
		add("stage", string(*u.Stage))
	}
	if u.ClearLastError {
		sets = append(sets, "last_error = NULL")
	} else if u.LastError != nil {
		add("last_error", *u.LastError)
	}
	if u.ProcessedCount != nil {
		add("processed_count", *u.ProcessedCount)
	}
	if u.Filters != nil {
		add("filters", string(u.Filters))
	}
	return sets, args
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
