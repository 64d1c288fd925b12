package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

const namespace = "kubilitics_anomaly"

// Exporter publishes detection results as Prometheus metrics.
type Exporter struct {
	// Per-pair metrics
	AnomaliesTotal *prometheus.CounterVec
	ServiceMetric  *prometheus.GaugeVec
	ModelHealth    *prometheus.GaugeVec

	// Remediation metrics
	RemediationsTotal *prometheus.CounterVec

	// Detection run metrics
	DetectionRuns       prometheus.Counter
	PredictionsTotal    *prometheus.CounterVec // result: ok/anomaly/failed
	SkippedTotal        prometheus.Counter
	AnomalyRate         prometheus.Gauge
	DetectionDuration   prometheus.Histogram
	AnomaliesBySeverity *prometheus.CounterVec

	// Training metrics
	TrainingRuns    prometheus.Counter
	ModelsTrained   prometheus.Counter
	PairsSkipped    prometheus.Counter
	ModelsInstalled prometheus.Gauge
}

// NewExporter registers all metrics with reg. Pass prometheus.DefaultRegisterer
// to expose them on the default /metrics handler.
func NewExporter(reg prometheus.Registerer) *Exporter {
	f := promauto.With(reg)
	return &Exporter{
		AnomaliesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_total",
				Help:      "Total number of anomalies detected",
			},
			[]string{"service", "metric"},
		),
		ServiceMetric: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_metric",
				Help:      "Latest observed value of a service metric",
			},
			[]string{"service", "metric"},
		),
		ModelHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "model_health",
				Help:      "1 when the pair model predicted successfully on its last run, 0 otherwise",
			},
			[]string{"service", "metric"},
		),
		RemediationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Total number of remediation actions suggested",
			},
			[]string{"service", "action_type"},
		),
		DetectionRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detection_runs_total",
			Help:      "Total number of detection runs",
		}),
		PredictionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Total number of predictions by result",
			},
			[]string{"result"},
		),
		SkippedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_without_model_total",
			Help:      "Pairs seen at detection without a trained model",
		}),
		AnomalyRate: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "anomaly_rate",
			Help:      "Anomaly rate of the last detection run",
		}),
		DetectionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "detection_duration_seconds",
			Help:      "Detection run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		AnomaliesBySeverity: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "anomalies_by_severity_total",
				Help:      "Total number of anomalies by severity",
			},
			[]string{"severity"},
		),
		TrainingRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_runs_total",
			Help:      "Total number of training runs",
		}),
		ModelsTrained: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "models_trained_total",
			Help:      "Total number of pair models fitted",
		}),
		PairsSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_pairs_skipped_total",
			Help:      "Pairs skipped at training for insufficient data",
		}),
		ModelsInstalled: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_installed",
			Help:      "Number of pairs with an installed model",
		}),
	}
}

// ObserveValues sets service_metric to the last value of each pair in points.
func (e *Exporter) ObserveValues(points []anomaly.DataPoint) {
	for _, p := range points {
		e.ServiceMetric.WithLabelValues(p.Service, p.Metric).Set(p.Value)
	}
}

// RecordAnomalies counts detected records per pair and severity.
func (e *Exporter) RecordAnomalies(records []anomaly.AnomalyRecord) {
	for _, r := range records {
		e.AnomaliesTotal.WithLabelValues(r.Service, r.Metric).Inc()
		e.AnomaliesBySeverity.WithLabelValues(string(r.Severity)).Inc()
	}
}

// RecordRun publishes a detection run summary.
func (e *Exporter) RecordRun(s anomaly.RunSummary) {
	e.DetectionRuns.Inc()
	ok := s.TotalPredictions - s.Failed - s.TotalAnomalies
	e.PredictionsTotal.WithLabelValues("ok").Add(float64(ok))
	e.PredictionsTotal.WithLabelValues("anomaly").Add(float64(s.TotalAnomalies))
	e.PredictionsTotal.WithLabelValues("failed").Add(float64(s.Failed))
	e.SkippedTotal.Add(float64(s.Skipped))
	e.AnomalyRate.Set(s.AnomalyRate)
	e.DetectionDuration.Observe(s.Duration.Seconds())
}

// RecordTraining publishes a training report. installed is the registry size
// after training.
func (e *Exporter) RecordTraining(r anomaly.TrainReport, installed int) {
	e.TrainingRuns.Inc()
	e.ModelsTrained.Add(float64(len(r.Trained)))
	e.PairsSkipped.Add(float64(len(r.Skipped)))
	e.ModelsInstalled.Set(float64(installed))
	for _, p := range r.Trained {
		e.ModelHealth.WithLabelValues(p.Service, p.Metric).Set(1)
	}
}

// RecordRemediation counts one suggested action.
func (e *Exporter) RecordRemediation(service, actionType string) {
	e.RemediationsTotal.WithLabelValues(service, actionType).Inc()
}

// SetModelHealth marks a pair model healthy or failing.
func (e *Exporter) SetModelHealth(service, metric string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	e.ModelHealth.WithLabelValues(service, metric).Set(v)
}
