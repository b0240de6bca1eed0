// Package source fetches segment pages, company pages and financial
// statements from the business registry.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sells-group/registry-cli/internal/model"
	"github.com/sells-group/registry-cli/internal/resilience"
)

// Source is the fetch capability the stage runners drive.
type Source interface {
	// FetchSegment returns one page of companies matching filters. Pages start at 1.
	FetchSegment(ctx context.Context, filters json.RawMessage, page int) (SegmentPage, error)
	// FetchCompany resolves the registry's internal id for orgnr.
	FetchCompany(ctx context.Context, orgnr string) (CompanyPage, error)
	// FetchFinancials returns every statement period published for companyID.
	FetchFinancials(ctx context.Context, companyID string) ([]FinancialPage, error)
}

// SegmentPage is one page of segmentation results.
type SegmentPage struct {
	Page      int
	Companies []model.Company
	HasMore   bool
}

// CompanyPage is the identifier resolution for one orgnr.
type CompanyPage struct {
	Orgnr      string
	CompanyID  string
	Confidence float64
}

// FinancialPage is one statement period with its raw payload.
type FinancialPage struct {
	Year        int
	Period      string
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Currency    string
	Revenue     *float64
	Profit      *float64
	Employees   *float64
	Raw         json.RawMessage
}

// FetchError is the typed failure for one unit of work.
type FetchError struct {
	Op         string
	Key        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("source: %s %s: http %d: %v", e.Op, e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("source: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a fetch failure may succeed on a later run.
func IsTransient(err error) bool {
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return true
	}
	return resilience.IsTransient(err)
}

// IsNotFound reports whether the registry answered 404 for the unit.
func IsNotFound(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.StatusCode == 404
}
