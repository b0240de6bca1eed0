// Package export delivers normalized account rows downstream. Rows are
// always derived from the stored raw payloads at export time, so a
// re-export after a normalizer change reflects the new mapping.
package export

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/normalize"
	"github.com/sells-group/registry-cli/internal/store"
)

// Sink receives normalized rows. Delivery is at-least-once; sinks must
// tolerate a repeated batch.
type Sink interface {
	Write(ctx context.Context, rows []model.AccountRow) error
}

// Result counts an export.
type Result struct {
	Records int `json:"records"`
	Rows    int `json:"rows"`
	Empty   int `json:"empty"`
}

// Exporter reads staged financial records and writes their account rows.
type Exporter struct {
	store store.Store
	log   *zap.Logger
}

// NewExporter creates an Exporter.
func NewExporter(st store.Store) *Exporter {
	return &Exporter{store: st, log: zap.L().With(zap.String("component", "export"))}
}

// Export writes one batch per financial record of jobID. Records that yield
// no accounts are counted as empty and skipped.
func (e *Exporter) Export(ctx context.Context, jobID string, sink Sink) (Result, error) {
	if _, err := e.store.GetJob(ctx, jobID); err != nil {
		return Result{}, err
	}
	records, err := e.store.ListFinancialRecords(ctx, jobID)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Records++
		rows := normalize.Rows(rec)
		if len(rows) == 0 {
			res.Empty++
			e.log.Debug("record has no accounts",
				zap.String("job_id", jobID),
				zap.String("orgnr", rec.Orgnr),
				zap.Int("year", rec.Year),
			)
			continue
		}
		if err := sink.Write(ctx, rows); err != nil {
			return res, err
		}
		res.Rows += len(rows)
	}

	e.log.Info("export complete",
		zap.String("job_id", jobID),
		zap.Int("records", res.Records),
		zap.Int("rows", res.Rows),
		zap.Int("empty", res.Empty),
	)
	return res, nil
}
