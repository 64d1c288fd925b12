package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

func TestExporter_RecordAnomalies(t *testing.T) {
	e := NewExporter(prometheus.NewRegistry())

	e.RecordAnomalies([]anomaly.AnomalyRecord{
		{Service: "api", Metric: "cpu", Severity: anomaly.SeverityHigh},
		{Service: "api", Metric: "cpu", Severity: anomaly.SeverityLow},
		{Service: "web", Metric: "latency", Severity: anomaly.SeverityHigh},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(e.AnomaliesTotal.WithLabelValues("api", "cpu")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.AnomaliesTotal.WithLabelValues("web", "latency")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.AnomaliesBySeverity.WithLabelValues("high")))
}

func TestExporter_RecordRun(t *testing.T) {
	e := NewExporter(prometheus.NewRegistry())

	e.RecordRun(anomaly.RunSummary{
		TotalPredictions: 10,
		TotalAnomalies:   2,
		Failed:           1,
		Skipped:          3,
		AnomalyRate:      0.2,
		Duration:         5 * time.Millisecond,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(e.DetectionRuns))
	assert.Equal(t, 7.0, testutil.ToFloat64(e.PredictionsTotal.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.PredictionsTotal.WithLabelValues("anomaly")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.PredictionsTotal.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.SkippedTotal))
	assert.Equal(t, 0.2, testutil.ToFloat64(e.AnomalyRate))
}

func TestExporter_TrainingAndHealth(t *testing.T) {
	e := NewExporter(prometheus.NewRegistry())

	e.RecordTraining(anomaly.TrainReport{
		Trained: []anomaly.Pair{{Service: "api", Metric: "cpu"}},
		Skipped: map[anomaly.Pair]int{{Service: "api", Metric: "disk"}: 3},
	}, 4)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.ModelsTrained))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.PairsSkipped))
	assert.Equal(t, 4.0, testutil.ToFloat64(e.ModelsInstalled))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.ModelHealth.WithLabelValues("api", "cpu")))

	e.SetModelHealth("api", "cpu", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(e.ModelHealth.WithLabelValues("api", "cpu")))
}

func TestExporter_ObserveValuesAndRemediations(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := NewExporter(reg)

	e.ObserveValues([]anomaly.DataPoint{
		{Service: "api", Metric: "cpu", Value: 10},
		{Service: "api", Metric: "cpu", Value: 42},
	})
	e.RecordRemediation("api", "scale_up")

	expected := `
# HELP kubilitics_anomaly_service_metric Latest observed value of a service metric
# TYPE kubilitics_anomaly_service_metric gauge
kubilitics_anomaly_service_metric{metric="cpu",service="api"} 42
# HELP kubilitics_anomaly_remediations_total Total number of remediation actions suggested
# TYPE kubilitics_anomaly_remediations_total counter
kubilitics_anomaly_remediations_total{action_type="scale_up",service="api"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"kubilitics_anomaly_service_metric", "kubilitics_anomaly_remediations_total"))
}

func TestNewExporter_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewExporter(reg)
	assert.Panics(t, func() { NewExporter(reg) })
}
