package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheusIncludesStages(t *testing.T) {
	ObserveStage("Training", 2*time.Second, nil)
	ObserveStage("Training", time.Second, errors.New("boom"))
	ObservePrediction(nil)

	var sb strings.Builder
	require.NoError(t, WritePrometheus(&sb))

	var p expfmt.TextParser
	families, err := p.TextToMetricFamilies(strings.NewReader(sb.String()))
	require.NoError(t, err)

	stageValue := func(name string) float64 {
		mf, ok := families[name]
		require.True(t, ok, name)
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "stage" && l.GetValue() == "Training" {
					if m.GetCounter() != nil {
						return m.GetCounter().GetValue()
					}
					return m.GetGauge().GetValue()
				}
			}
		}
		t.Fatalf("no Training series in %s", name)
		return 0
	}
	assert.Equal(t, 2.0, stageValue("ctscan_pipeline_stage_runs_total"))
	assert.Equal(t, 1.0, stageValue("ctscan_pipeline_stage_failures_total"))
	assert.Equal(t, 1.0, stageValue("ctscan_pipeline_stage_last_duration_seconds"))

	served, ok := families["ctscan_predictions_served_total"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, served.GetMetric()[0].GetCounter().GetValue(), 1.0)
}

func TestHandlerServesTextFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "# TYPE ctscan_predictions_failed_total counter")
}
