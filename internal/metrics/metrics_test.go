package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.Units("stage2_enrichment", "processed", 2)
	m.Units("stage2_enrichment", "failed", 1)
	m.Units("stage2_enrichment", "skipped", 0)
	m.Fetch("company", 200, 0.2)
	m.Fetch("company", 0, 1.5)
	m.StageDone("stage1_segmentation", 3)
	m.Dispatched(2)
	m.Control("pause", true)

	out := scrape(t, m.Handler())
	assert.Contains(t, out, `registry_stage_units_total{outcome="processed",stage="stage2_enrichment"} 2`)
	assert.Contains(t, out, `registry_stage_units_total{outcome="failed",stage="stage2_enrichment"} 1`)
	assert.Contains(t, out, `registry_source_fetches_total{op="company",status="200"} 1`)
	assert.Contains(t, out, `registry_source_fetches_total{op="company",status="error"} 1`)
	assert.NotContains(t, out, `outcome="skipped"`)
	assert.Contains(t, out, `registry_dispatcher_jobs_active 2`)
	assert.Contains(t, out, `registry_control_actions_total{action="pause",result="ok"} 1`)
	assert.Contains(t, out, `registry_stage_duration_seconds_count{stage="stage1_segmentation"} 1`)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Units("s", "processed", 1)
		m.Fetch("op", 500, 1)
		m.StageDone("s", 1)
		m.Dispatched(1)
		m.Control("stop", false)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	a, b := New(nil), New(nil)
	a.Units("s", "processed", 1)
	assert.NotContains(t, scrape(t, b.Handler()), `registry_stage_units_total{outcome="processed",stage="s"}`)
}
