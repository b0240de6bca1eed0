package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/registry-cli/internal/model"
)

// Header is the column order of exported sheets.
var Header = []string{"orgnr", "year", "period", "account_code", "amount"}

// XLSXSink collects rows into a single-sheet workbook saved on Close.
type XLSXSink struct {
	path  string
	file  *xlsx.File
	sheet *xlsx.Sheet
}

// NewXLSXSink creates a workbook with a header row that is written to path
// on Close.
func NewXLSXSink(path, sheetName string) (*XLSXSink, error) {
	if sheetName == "" {
		sheetName = "accounts"
	}
	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: add sheet")
	}
	header := sheet.AddRow()
	for _, h := range Header {
		header.AddCell().SetString(h)
	}
	return &XLSXSink{path: path, file: f, sheet: sheet}, nil
}

// Write implements Sink.
func (s *XLSXSink) Write(_ context.Context, rows []model.AccountRow) error {
	for _, r := range rows {
		row := s.sheet.AddRow()
		row.AddCell().SetString(r.Orgnr)
		row.AddCell().SetInt(r.Year)
		row.AddCell().SetString(r.Period)
		row.AddCell().SetString(r.AccountCode)
		row.AddCell().SetFloat(r.Amount)
	}
	return nil
}

// Close saves the workbook.
func (s *XLSXSink) Close() error {
	return eris.Wrap(s.file.Save(s.path), "xlsx: save")
}

// JSONLSink writes one JSON object per row.
type JSONLSink struct {
	enc *json.Encoder
}

// NewJSONLSink creates a JSONLSink on w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

// Write implements Sink.
func (s *JSONLSink) Write(_ context.Context, rows []model.AccountRow) error {
	for _, r := range rows {
		if err := s.enc.Encode(r); err != nil {
			return eris.Wrapf(err, "jsonl: encode %s/%d", r.Orgnr, r.Year)
		}
	}
	return nil
}
