// Package normalize extracts flat account-code maps from raw financial
// payloads whose shape varies by company and report vintage.
package normalize

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/registry-cli/internal/model"
)

// codePattern admits 2-6 uppercase letters or digits, including the
// Norwegian extended alphabet.
var codePattern = regexp.MustCompile(`^[A-Z0-9ÆØÅ]{2,6}$`)

// containerPaths are tried in order. Paths with '#' yield one container
// per period.
var containerPaths = []string{
	"accounts",
	"report.accounts",
	"data.accounts",
	"company.accounts",
	"page.report.accounts",
	"props.pageProps.company.accounts",
	"pageProps.company.accounts",
	"report.company.accounts",
	"periods.#.accounts",
	"annualAccounts.#.accounts",
	"accountingPeriods.#.accounts",
}

var (
	codeAliases   = []string{"code", "accountCode", "number"}
	amountAliases = []string{"amount", "value", "balance"}
)

// coarseFields maps named payload fields onto account codes. Order matters
// when two fields map to the same code.
var coarseFields = []struct {
	Field string
	Code  string
}{
	{"revenue", "SDI"},
	{"operatingRevenue", "SDI"},
	{"totalRevenue", "SDI"},
	{"profit", "DR"},
	{"operatingProfit", "DR"},
	{"operatingResult", "DR"},
	{"netProfit", "AARS"},
	{"netIncome", "AARS"},
	{"annualResult", "AARS"},
	{"totalAssets", "SED"},
	{"equity", "SEK"},
	{"totalEquity", "SEK"},
	{"employees", "ANT"},
}

// Coarse holds the record-level fallback fields captured at fetch time.
type Coarse struct {
	Revenue   *float64
	Profit    *float64
	Employees *float64
}

// CoarseOf returns the fallback fields of a financial record.
func CoarseOf(rec model.FinancialRecord) Coarse {
	return Coarse{Revenue: rec.Revenue, Profit: rec.Profit, Employees: rec.Employees}
}

// accountMap is a first-writer-wins code map.
type accountMap map[string]float64

func (m accountMap) setIfAbsent(code string, amount float64) {
	if _, ok := m[code]; !ok {
		m[code] = amount
	}
}

// Accounts derives {accountCode: amount} from one raw payload. Steps run in
// a fixed order and later steps only fill codes not already set, so the
// result is deterministic for a given input. An empty map means the payload
// carries no financial data.
func Accounts(raw []byte, coarse Coarse) map[string]float64 {
	out := accountMap{}
	if !gjson.ValidBytes(raw) {
		zap.L().Debug("normalize: invalid json payload", zap.Int("bytes", len(raw)))
		applyCoarseRecord(out, coarse)
		return out
	}
	doc := gjson.ParseBytes(raw)
	fold := newFolder()

	for _, path := range containerPaths {
		res := doc.Get(path)
		if !res.Exists() {
			continue
		}
		if strings.Contains(path, "#") {
			res.ForEach(func(_, container gjson.Result) bool {
				readContainer(out, container, fold)
				return true
			})
			continue
		}
		readContainer(out, res, fold)
	}

	applyCoarseRecord(out, coarse)
	for _, cf := range coarseFields {
		if _, ok := out[cf.Code]; ok {
			continue
		}
		if v, ok := amountOf(doc.Get(cf.Field), cf.Field); ok {
			out[cf.Code] = v
		}
	}

	if doc.IsObject() {
		doc.ForEach(func(key, value gjson.Result) bool {
			code := key.String()
			if !codePattern.MatchString(code) {
				return true
			}
			if value.Type != gjson.Number && value.Type != gjson.String {
				return true
			}
			if v, ok := amountOf(value, code); ok {
				out.setIfAbsent(code, v)
			}
			return true
		})
	}
	return out
}

// Rows derives the downstream rows of a stored record, sorted by code.
func Rows(rec model.FinancialRecord) []model.AccountRow {
	accounts := Accounts(rec.RawJSON, CoarseOf(rec))
	codes := make([]string, 0, len(accounts))
	for code := range accounts {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	rows := make([]model.AccountRow, 0, len(codes))
	for _, code := range codes {
		rows = append(rows, model.AccountRow{
			Orgnr:       rec.Orgnr,
			Year:        rec.Year,
			Period:      rec.Period,
			AccountCode: code,
			Amount:      accounts[code],
		})
	}
	return rows
}

// readContainer accepts either an array of entries or a {code: amount} object.
func readContainer(out accountMap, container gjson.Result, fold func(string) string) {
	switch {
	case container.IsArray():
		container.ForEach(func(_, entry gjson.Result) bool {
			if !entry.IsObject() {
				return true
			}
			rawCode, ok := firstAlias(entry, codeAliases)
			if !ok {
				return true
			}
			code := fold(rawCode.String())
			if !codePattern.MatchString(code) {
				return true
			}
			amount, ok := firstAlias(entry, amountAliases)
			if !ok {
				return true
			}
			if v, ok := amountOf(amount, code); ok {
				out.setIfAbsent(code, v)
			}
			return true
		})
	case container.IsObject():
		container.ForEach(func(key, value gjson.Result) bool {
			code := fold(key.String())
			if !codePattern.MatchString(code) {
				return true
			}
			if value.IsObject() {
				nested, ok := firstAlias(value, amountAliases)
				if !ok {
					return true
				}
				value = nested
			}
			if v, ok := amountOf(value, code); ok {
				out.setIfAbsent(code, v)
			}
			return true
		})
	}
}

func applyCoarseRecord(out accountMap, c Coarse) {
	if c.Revenue != nil {
		out.setIfAbsent("SDI", *c.Revenue)
	}
	if c.Profit != nil {
		out.setIfAbsent("DR", *c.Profit)
	}
	if c.Employees != nil {
		out.setIfAbsent("ANT", *c.Employees)
	}
}

func firstAlias(obj gjson.Result, aliases []string) (gjson.Result, bool) {
	for _, a := range aliases {
		if v := obj.Get(a); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// amountOf converts a JSON number or numeric string. Anything else,
// including a number that overflows float64, is a skip for this code only.
func amountOf(v gjson.Result, code string) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		f := v.Float()
		if !Finite(f) {
			zap.L().Debug("normalize: skip non-finite amount",
				zap.String("code", code),
				zap.String("value", v.Raw),
			)
			return 0, false
		}
		return f, true
	case gjson.String:
		f, err := ParseAmount(v.Str)
		if err != nil {
			zap.L().Debug("normalize: skip unparsable amount",
				zap.String("code", code),
				zap.String("value", v.Str),
				zap.Error(err),
			)
			return 0, false
		}
		return f, true
	case gjson.Null:
		return 0, false
	default:
		zap.L().Debug("normalize: skip non-numeric amount",
			zap.String("code", code),
			zap.String("type", v.Type.String()),
		)
		return 0, false
	}
}

// newFolder returns a code folder for one normalization pass. Casers keep
// state and are not shared across goroutines.
func newFolder() func(string) string {
	upper := cases.Upper(language.Norwegian)
	return func(s string) string {
		return upper.String(norm.NFC.String(strings.TrimSpace(s)))
	}
}
