// Package anomaly detects per-service metric anomalies with one isolation
// forest per (service, metric) pair.
//
// Responsibilities:
//   - Train a model and a statistical baseline for every pair with enough samples
//   - Keep the latest model and baseline for each pair in a registry, replaced together
//   - Predict on the most recent observation of each pair in a batch
//   - Grade flagged observations by their z-score against the pair's baseline
//   - Record one run summary per detection call
//
// Side effects (model persistence, experiment tracking) never fail a batch.
// They run through a boundary that logs the error with its kind and moves on.
package anomaly

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientData marks a pair skipped at training for having fewer than MinSamples points.
	ErrInsufficientData = errors.New("insufficient training data")

	// ErrModelAbsent marks a pair skipped at detection because no model was trained for it.
	ErrModelAbsent = errors.New("no model for pair")

	// ErrPredictionFailure marks a prediction that could not be made for one pair.
	ErrPredictionFailure = errors.New("prediction failed")

	// ErrPersistence wraps failures writing or reading a model blob.
	ErrPersistence = errors.New("model persistence failed")

	// ErrTracking wraps failures of the experiment tracker.
	ErrTracking = errors.New("experiment tracking failed")

	// ErrIncompatibleModel is returned when a stored blob has an unknown schema version.
	ErrIncompatibleModel = errors.New("incompatible model blob")
)

// DataPoint is a single metric observation.
type DataPoint struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Service   string    `json:"service" yaml:"service"`
	Metric    string    `json:"metric" yaml:"metric"`
	Value     float64   `json:"value" yaml:"value"`
}

// Pair returns the (service, metric) key of the point.
func (p DataPoint) Pair() Pair {
	return Pair{Service: p.Service, Metric: p.Metric}
}

// Pair identifies one monitored series.
type Pair struct {
	Service string `json:"service"`
	Metric  string `json:"metric"`
}

func (p Pair) String() string {
	return p.Service + "/" + p.Metric
}

func (p Pair) less(o Pair) bool {
	if p.Service != o.Service {
		return p.Service < o.Service
	}
	return p.Metric < o.Metric
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities: low < medium < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	}
	return 0
}

// ParseSeverity accepts low, medium or high.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// AnomalyRecord is one flagged observation.
type AnomalyRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Severity  Severity  `json:"severity"`

	// Score is the forest anomaly score in [0, 1].
	Score float64 `json:"score"`
	// ZScore is |value-mean|/std against the pair baseline, 0 when std is 0.
	ZScore float64 `json:"z_score"`
}

// RunSummary describes one detection call.
type RunSummary struct {
	RunID            string        `json:"run_id"`
	StartedAt        time.Time     `json:"started_at"`
	Duration         time.Duration `json:"duration"`
	TotalPredictions int           `json:"total_predictions"`
	TotalAnomalies   int           `json:"total_anomalies"`
	AnomalyRate      float64       `json:"anomaly_rate"`
	Skipped          int           `json:"skipped"`
	Failed           int           `json:"failed"`
}

// TrainReport describes one training call.
type TrainReport struct {
	RunID     string          `json:"run_id"`
	Trained   []Pair          `json:"trained"`
	Skipped   map[Pair]int    `json:"-"`
	Failed    map[Pair]string `json:"-"`
	Persisted map[Pair]string `json:"-"`
}

// FeatureFunc maps an observation to the model's feature vector.
type FeatureFunc func(DataPoint) []float64

// ValueFeatures uses the raw value as the only feature.
func ValueFeatures(p DataPoint) []float64 {
	return []float64{p.Value}
}

// ModelStore holds serialized pair models under string keys.
type ModelStore interface {
	// Put writes blob at key and returns a location string for logs.
	Put(ctx context.Context, key string, blob []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns all keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// ExperimentTracker records training and detection runs.
type ExperimentTracker interface {
	StartRun(ctx context.Context, runID, name string) error
	LogParams(ctx context.Context, runID string, params map[string]string) error
	LogMetrics(ctx context.Context, runID string, metrics map[string]float64) error
	EndRun(ctx context.Context, runID, status string) error
}

type noopTracker struct{}

func (noopTracker) StartRun(context.Context, string, string) error { return nil }
func (noopTracker) LogParams(context.Context, string, map[string]string) error { return nil }
func (noopTracker) LogMetrics(context.Context, string, map[string]float64) error { return nil }
func (noopTracker) EndRun(context.Context, string, string) error { return nil }
