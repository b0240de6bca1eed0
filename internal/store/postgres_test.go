package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var jobCols = []string{"id", "status", "stage", "filters", "processed_count", "last_error", "created_at", "updated_at"}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs(pgxmock.AnyArg(), "running", "stage1_segmentation", []byte(`{"segment":"it"}`), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), json.RawMessage(`{"segment":"it"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, model.JobStatusRunning, job.Status)
	assert.Equal(t, model.StageSegmentation, job.Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	lastErr := model.StopMessage

	mock.ExpectQuery(`SELECT id, status, stage, filters, processed_count, last_error, created_at, updated_at FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("job-1", "stopped", "stage2_enrichment", []byte(`{}`), 7, &lastErr, now, now))

	job, err := s.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusStopped, job.Status)
	assert.Equal(t, model.StageEnrichment, job.Stage)
	assert.Equal(t, 7, job.ProcessedCount)
	assert.Equal(t, model.StopMessage, job.LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM jobs WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetJob(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJob_StoreError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnError(errors.New("connection refused"))

	_, err := s.GetJob(context.Background(), "job-1")
	require.Error(t, err)
	assert.True(t, model.IsStore(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET status = \$1, stage = \$2, last_error = NULL, updated_at = \$3 WHERE id = \$4`).
		WithArgs("running", "stage3_financials", pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateJob(context.Background(), "job-1", model.JobUpdate{
		Status:         model.Ptr(model.JobStatusRunning),
		Stage:          model.Ptr(model.StageFinancials),
		ClearLastError: true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE jobs SET`).
		WithArgs("paused", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJob(context.Background(), "missing", model.JobUpdate{Status: model.Ptr(model.JobStatusPaused)})
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJobStats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT\s+EXISTS`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists", "companies", "company_ids", "financials"}).
			AddRow(true, 40, 12, 3))

	stats, err := s.GetJobStats(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobStats{Companies: 40, CompanyIDs: 12, Financials: 3}, *stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetJobStats_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT\s+EXISTS`).
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists", "companies", "company_ids", "financials"}).
			AddRow(false, 0, 0, 0))

	_, err := s.GetJobStats(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCompany(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO companies .* ON CONFLICT \(job_id, orgnr\) DO UPDATE`).
		WithArgs("job-1", "917000001", "Fjord AS", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), []string{"62.010"}, "software", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertCompany(context.Background(), model.Company{
		JobID: "job-1", Orgnr: "917000001", CompanyName: "Fjord AS",
		NACECodes: []string{"62.010"}, Segment: "software",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCompanies_BulkUpsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_companies"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_companies"}, companyColumns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "companies" .* ON CONFLICT \("job_id", "orgnr"\) DO UPDATE SET "company_name" = EXCLUDED."company_name"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertCompanies(context.Background(), []model.Company{
		{JobID: "job-1", Orgnr: "1", CompanyName: "A"},
		{JobID: "job-1", Orgnr: "2", CompanyName: "B"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertCompanies_RepeatedOrgnrLastWins(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_companies"`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_companies"}, companyColumns).
		WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "companies" .* ON CONFLICT \("job_id", "orgnr"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertCompanies(context.Background(), []model.Company{
		{JobID: "job-1", Orgnr: "1", CompanyName: "A"},
		{JobID: "job-1", Orgnr: "2", CompanyName: "B"},
		{JobID: "job-1", Orgnr: "1", CompanyName: "A2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDedupeCompanies(t *testing.T) {
	got, err := dedupeCompanies([]model.Company{
		{JobID: "job-1", Orgnr: "1", CompanyName: "A"},
		{JobID: "job-1", Orgnr: "2", CompanyName: "B"},
		{JobID: "job-2", Orgnr: "1", CompanyName: "C"},
		{JobID: "job-1", Orgnr: "1", CompanyName: "A2"},
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "A2", got[0].CompanyName)
	assert.Equal(t, "B", got[1].CompanyName)
	assert.Equal(t, "C", got[2].CompanyName)

	_, err = dedupeCompanies([]model.Company{{JobID: "job-1", Orgnr: "1"}, {JobID: "job-1"}})
	assert.True(t, model.IsValidation(err))
}

func TestPostgresStore_UpsertCompanies_Validation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.UpsertCompanies(context.Background(), []model.Company{{JobID: "job-1"}})
	require.Error(t, err)
	assert.True(t, model.IsValidation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertFinancialRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	raw := []byte(`{"accounts":{"SDI":100}}`)
	mock.ExpectExec(`(?s)INSERT INTO financials .* ON CONFLICT \(job_id, orgnr, year, period\) DO UPDATE`).
		WithArgs("job-1", "917000001", 2023, "annual", pgxmock.AnyArg(), pgxmock.AnyArg(), "NOK",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), raw, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertFinancialRecord(context.Background(), model.FinancialRecord{
		JobID: "job-1", Orgnr: "917000001", Year: 2023, Currency: "NOK", RawJSON: raw,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetFinancialRecordsWithRawData(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	revenue := 72000.0

	cols := []string{"job_id", "orgnr", "year", "period", "period_start", "period_end", "currency",
		"revenue", "profit", "employees", "raw_json", "created_at", "updated_at"}
	mock.ExpectQuery(`FROM financials WHERE job_id = \$1 AND orgnr = \$2 ORDER BY year, period`).
		WithArgs("job-1", "917000001").
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("job-1", "917000001", 2023, "annual", (*time.Time)(nil), (*time.Time)(nil), "NOK",
				&revenue, (*float64)(nil), (*float64)(nil), []byte(`{"revenue":72000}`), now, now))

	recs, err := s.GetFinancialRecordsWithRawData(context.Background(), "job-1", "917000001")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 2023, recs[0].Year)
	require.NotNil(t, recs[0].Revenue)
	assert.InDelta(t, 72000.0, *recs[0].Revenue, 0.001)
	assert.Nil(t, recs[0].Profit)
	assert.JSONEq(t, `{"revenue":72000}`, string(recs[0].RawJSON))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordUnitError(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`(?s)INSERT INTO unit_errors .* attempts = unit_errors.attempts \+ 1`).
		WithArgs("job-1", "stage2_enrichment", "917000001", "HTTP 502", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordUnitError(context.Background(), model.UnitError{
		JobID: "job-1", Stage: model.StageEnrichment, UnitKey: "917000001", Error: "HTTP 502",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RestartJob_Purge(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	for _, table := range purgeTables {
		mock.ExpectExec(`DELETE FROM ` + table + ` WHERE job_id = \$1`).
			WithArgs("job-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
	}
	mock.ExpectExec(`UPDATE jobs SET stage = \$1, processed_count = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("stage1_segmentation", 0, pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.RestartJob(context.Background(), "job-1", model.JobUpdate{
		Stage:          model.Ptr(model.StageSegmentation),
		ProcessedCount: model.Ptr(0),
	}, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RestartJob_RetainSkipsDeletes(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET stage = \$1, updated_at = \$2 WHERE id = \$3`).
		WithArgs("stage1_segmentation", pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.RestartJob(context.Background(), "job-1", model.JobUpdate{Stage: model.Ptr(model.StageSegmentation)}, false)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RestartJob_FailedUpdateRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	for _, table := range purgeTables {
		mock.ExpectExec(`DELETE FROM ` + table + ` WHERE job_id = \$1`).
			WithArgs("job-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))
	}
	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.RestartJob(context.Background(), "job-1", model.JobUpdate{Stage: model.Ptr(model.StageSegmentation)}, true)
	require.Error(t, err)
	assert.True(t, model.IsStore(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RestartJob_UnknownJobRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE jobs SET`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.RestartJob(context.Background(), "missing", model.JobUpdate{Stage: model.Ptr(model.StageSegmentation)}, false)
	assert.True(t, model.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobs_Filters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM jobs WHERE 1=1 AND status = \$1 ORDER BY created_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("paused", 10, 20).
		WillReturnRows(pgxmock.NewRows(jobCols))

	jobs, err := s.ListJobs(context.Background(), JobFilter{Status: model.JobStatusPaused, Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
