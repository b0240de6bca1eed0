package model

import (
	"encoding/json"
	"time"
)

// Company is the stage-1 output: one company discovered in a segment.
type Company struct {
	JobID          string    `json:"jobId"`
	Orgnr          string    `json:"orgnr"`
	CompanyName    string    `json:"companyName"`
	Homepage       *string   `json:"homepage,omitempty"`
	FoundationYear *int      `json:"foundationYear,omitempty"`
	Revenue        *float64  `json:"revenue,omitempty"`
	Profit         *float64  `json:"profit,omitempty"`
	NACECodes      []string  `json:"naceCodes,omitempty"`
	Segment        string    `json:"segment,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CompanyIdentifier is the stage-2 output: the source's internal id for an orgnr.
type CompanyIdentifier struct {
	JobID      string    `json:"jobId"`
	Orgnr      string    `json:"orgnr"`
	CompanyID  string    `json:"companyId"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// FinancialRecord is the stage-3 output for one (orgnr, year, period).
// RawJSON is the unprocessed source payload; account values are derived
// from it on read.
type FinancialRecord struct {
	JobID       string          `json:"jobId"`
	Orgnr       string          `json:"orgnr"`
	Year        int             `json:"year"`
	Period      string          `json:"period"`
	PeriodStart *time.Time      `json:"periodStart,omitempty"`
	PeriodEnd   *time.Time      `json:"periodEnd,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	Revenue     *float64        `json:"revenue,omitempty"`
	Profit      *float64        `json:"profit,omitempty"`
	Employees   *float64        `json:"employees,omitempty"`
	RawJSON     json.RawMessage `json:"rawJson"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// UnitError records a failed unit of work so one bad company does not block a stage.
type UnitError struct {
	JobID        string    `json:"jobId"`
	Stage        Stage     `json:"stage"`
	UnitKey      string    `json:"unitKey"`
	Error        string    `json:"error"`
	Attempts     int       `json:"attempts"`
	LastFailedAt time.Time `json:"lastFailedAt"`
}

// AccountRow is one normalized account value delivered downstream.
type AccountRow struct {
	Orgnr       string  `json:"orgnr"`
	Year        int     `json:"year"`
	Period      string  `json:"period"`
	AccountCode string  `json:"accountCode"`
	Amount      float64 `json:"amount"`
}
