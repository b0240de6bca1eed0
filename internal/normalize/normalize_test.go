package normalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/registry-cli/internal/model"
)

func TestAccounts_ReportAccountsCaseFolded(t *testing.T) {
	raw := []byte(`{"report":{"accounts":[{"code":"sdi","amount":"72 000"}]}}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"SDI": 72000}, got)
}

func TestAccounts_ContainerShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]float64
	}{
		{
			name: "top-level accounts array",
			raw:  `{"accounts":[{"code":"SDI","amount":100},{"code":"DR","amount":-5}]}`,
			want: map[string]float64{"SDI": 100, "DR": -5},
		},
		{
			name: "code map object",
			raw:  `{"data":{"accounts":{"SDI":100,"sed":"1 000,50"}}}`,
			want: map[string]float64{"SDI": 100, "SED": 1000.5},
		},
		{
			name: "aliases accountCode and value",
			raw:  `{"company":{"accounts":[{"accountCode":"AARS","value":42}]}}`,
			want: map[string]float64{"AARS": 42},
		},
		{
			name: "aliases number and balance",
			raw:  `{"page":{"report":{"accounts":[{"number":"sek","balance":"(2 500)"}]}}}`,
			want: map[string]float64{"SEK": -2500},
		},
		{
			name: "next.js page props",
			raw:  `{"props":{"pageProps":{"company":{"accounts":[{"code":"SDI","amount":7}]}}}}`,
			want: map[string]float64{"SDI": 7},
		},
		{
			name: "per-period arrays",
			raw:  `{"periods":[{"accounts":[{"code":"SDI","amount":1}]},{"accounts":{"DR":2}}]}`,
			want: map[string]float64{"SDI": 1, "DR": 2},
		},
		{
			name: "nested amount object in code map",
			raw:  `{"accounts":{"SDI":{"amount":"9,5"}}}`,
			want: map[string]float64{"SDI": 9.5},
		},
		{
			name: "norwegian letters",
			raw:  `{"accounts":[{"code":"sumæø","amount":3}]}`,
			want: map[string]float64{"SUMÆØ": 3},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Accounts([]byte(tt.raw), Coarse{}))
		})
	}
}

func TestAccounts_FirstContainerWins(t *testing.T) {
	raw := []byte(`{"accounts":[{"code":"SDI","amount":1}],"report":{"accounts":[{"code":"SDI","amount":2},{"code":"DR","amount":3}]}}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"SDI": 1, "DR": 3}, got)
}

func TestAccounts_ContainerBeatsTopLevelScalar(t *testing.T) {
	raw := []byte(`{"SDI":999,"accounts":[{"code":"SDI","amount":100}],"SED":5}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"SDI": 100, "SED": 5}, got)
}

func TestAccounts_CodePatternRejection(t *testing.T) {
	raw := []byte(`{
		"accounts":[
			{"code":"S","amount":1},
			{"code":"TOOLONGX","amount":2},
			{"code":"SD-I","amount":3},
			{"code":"","amount":4},
			{"code":"OK","amount":5}
		],
		"Sdi":6,
		"ab":7,
		"ABCDEFG":8,
		"XY":"n/a",
		"ZZ":{"nested":1}
	}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"OK": 5}, got)
	for code := range got {
		assert.Regexp(t, `^[A-Z0-9ÆØÅ]{2,6}$`, code)
	}
}

func TestAccounts_TopLevelKeysNotFolded(t *testing.T) {
	got := Accounts([]byte(`{"sdi":10,"ANT":"12"}`), Coarse{})
	assert.Equal(t, map[string]float64{"ANT": 12}, got)
}

func TestAccounts_CoarseRecordFallback(t *testing.T) {
	revenue := 500.0
	profit := 50.0
	employees := 7.0
	raw := []byte(`{"accounts":[{"code":"SDI","amount":100}]}`)

	got := Accounts(raw, Coarse{Revenue: &revenue, Profit: &profit, Employees: &employees})
	assert.Equal(t, map[string]float64{"SDI": 100, "DR": 50, "ANT": 7}, got)
}

func TestAccounts_CoarsePayloadFallback(t *testing.T) {
	raw := []byte(`{"operatingRevenue":"1 200","operatingProfit":30,"netIncome":20,"totalAssets":900,"equity":400,"employees":3}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{
		"SDI": 1200, "DR": 30, "AARS": 20, "SED": 900, "SEK": 400, "ANT": 3,
	}, got)
}

func TestAccounts_CoarseRecordBeforePayload(t *testing.T) {
	revenue := 500.0
	got := Accounts([]byte(`{"revenue":100}`), Coarse{Revenue: &revenue})
	assert.Equal(t, map[string]float64{"SDI": 500}, got)
}

func TestAccounts_UnparsableAmountDropped(t *testing.T) {
	raw := []byte(`{"accounts":[{"code":"SDI","amount":"abc"},{"code":"DR","amount":"12"},{"code":"SED","amount":true}]}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"DR": 12}, got)
}

func TestAccounts_OverflowingNumberDropped(t *testing.T) {
	raw := []byte(`{"accounts":[{"code":"SDI","amount":1e400},{"code":"SED","amount":-1e400}],"DR":5}`)
	got := Accounts(raw, Coarse{})
	assert.Equal(t, map[string]float64{"DR": 5}, got)

	out, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, `{"DR":5}`, string(out))
}

func TestAccounts_Empty(t *testing.T) {
	for _, raw := range []string{`{}`, `[]`, `null`, `not json`, ``, `{"report":{"title":"x"}}`} {
		got := Accounts([]byte(raw), Coarse{})
		assert.NotNil(t, got, raw)
		assert.Empty(t, got, raw)
	}
}

func TestAccounts_Deterministic(t *testing.T) {
	raw := []byte(`{"periods":[{"accounts":{"SDI":1,"DR":2}},{"accounts":{"SDI":3}}],"report":{"accounts":[{"code":"aars","amount":"4,5"}]},"SED":9,"revenue":10}`)
	first := Accounts(raw, Coarse{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Accounts(raw, Coarse{}))
	}
	assert.Equal(t, map[string]float64{"SDI": 1, "DR": 2, "AARS": 4.5, "SED": 9}, first)
}

func TestRows_SortedByCode(t *testing.T) {
	profit := 3.0
	rec := model.FinancialRecord{
		Orgnr:   "917000001",
		Year:    2023,
		Period:  "annual",
		Profit:  &profit,
		RawJSON: json.RawMessage(`{"accounts":{"SED":2,"ANT":1,"SDI":5}}`),
	}
	rows := Rows(rec)
	require.Len(t, rows, 4)

	var codes []string
	for _, r := range rows {
		codes = append(codes, r.AccountCode)
		assert.Equal(t, "917000001", r.Orgnr)
		assert.Equal(t, 2023, r.Year)
		assert.Equal(t, "annual", r.Period)
	}
	assert.Equal(t, []string{"ANT", "DR", "SDI", "SED"}, codes)
	assert.InDelta(t, 3.0, rows[1].Amount, 0.0001)
}

func TestRows_NoData(t *testing.T) {
	rows := Rows(model.FinancialRecord{RawJSON: json.RawMessage(`{}`)})
	assert.Empty(t, rows)
}
