// Package evaluation scores detector output against labelled outcomes.
//
// Each recorded prediction is classified into the confusion matrix; accuracy,
// precision, recall and F1 are derived from the counts with divisions guarded
// by a small epsilon so empty classes report 0 instead of NaN.
package evaluation

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const epsilon = 1e-10

// Outcome is the confusion-matrix cell of one prediction.
type Outcome string

const (
	TruePositive  Outcome = "true_positive"
	FalsePositive Outcome = "false_positive"
	TrueNegative  Outcome = "true_negative"
	FalseNegative Outcome = "false_negative"
)

// Classify returns the cell for a predicted and actual label.
func Classify(predicted, actual bool) Outcome {
	switch {
	case predicted && actual:
		return TruePositive
	case predicted:
		return FalsePositive
	case actual:
		return FalseNegative
	default:
		return TrueNegative
	}
}

// Prediction is one labelled detector decision.
type Prediction struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Predicted bool      `json:"predicted_anomaly"`
	Actual    bool      `json:"actual_anomaly"`
	Outcome   Outcome   `json:"result"`
}

// Counts is a confusion matrix.
type Counts struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalseNegatives int `json:"false_negatives"`
}

func (c *Counts) add(o Outcome) {
	switch o {
	case TruePositive:
		c.TruePositives++
	case FalsePositive:
		c.FalsePositives++
	case TrueNegative:
		c.TrueNegatives++
	case FalseNegative:
		c.FalseNegatives++
	}
}

// Total returns the number of predictions counted.
func (c Counts) Total() int {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

// Metrics holds the derived scores.
type Metrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1_score"`
	Counts    Counts  `json:"counts"`
}

// Compute derives Metrics from c.
func (c Counts) Compute() Metrics {
	tp := float64(c.TruePositives)
	precision := tp / math.Max(epsilon, float64(c.TruePositives+c.FalsePositives))
	recall := tp / math.Max(epsilon, float64(c.TruePositives+c.FalseNegatives))
	return Metrics{
		Accuracy:  float64(c.TruePositives+c.TrueNegatives) / math.Max(epsilon, float64(c.Total())),
		Precision: precision,
		Recall:    recall,
		F1:        2 * precision * recall / math.Max(epsilon, precision+recall),
		Counts:    c,
	}
}

// Summary is the overall and per-service performance.
type Summary struct {
	Overall          Metrics            `json:"overall"`
	ByService        map[string]Metrics `json:"by_service"`
	TotalPredictions int                `json:"total_predictions"`
	GeneratedAt      time.Time          `json:"timestamp"`
}

// Evaluator accumulates labelled predictions. Safe for concurrent use.
type Evaluator struct {
	mu        sync.RWMutex
	counts    Counts
	byService map[string]*Counts
	history   []Prediction
	logger    *zap.Logger
}

// NewEvaluator creates an empty evaluator.
func NewEvaluator(logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{byService: make(map[string]*Counts), logger: logger}
}

// Record classifies p, adds it to the history and returns the updated overall
// metrics.
func (e *Evaluator) Record(p Prediction) Metrics {
	p.Outcome = Classify(p.Predicted, p.Actual)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts.add(p.Outcome)
	sc, ok := e.byService[p.Service]
	if !ok {
		sc = &Counts{}
		e.byService[p.Service] = sc
	}
	sc.add(p.Outcome)
	e.history = append(e.history, p)

	e.logger.Debug("Recorded prediction outcome",
		zap.String("service", p.Service),
		zap.String("metric", p.Metric),
		zap.String("result", string(p.Outcome)))
	return e.counts.Compute()
}

// Metrics returns the overall metrics.
func (e *Evaluator) Metrics() Metrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.counts.Compute()
}

// History returns a copy of all recorded predictions.
func (e *Evaluator) History() []Prediction {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Prediction, len(e.history))
	copy(out, e.history)
	return out
}

// Summary returns overall metrics plus one entry per service.
func (e *Evaluator) Summary() Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	services := make([]string, 0, len(e.byService))
	for s := range e.byService {
		services = append(services, s)
	}
	sort.Strings(services)

	by := make(map[string]Metrics, len(services))
	for _, s := range services {
		by[s] = e.byService[s].Compute()
	}
	return Summary{
		Overall:          e.counts.Compute(),
		ByService:        by,
		TotalPredictions: len(e.history),
		GeneratedAt:      time.Now(),
	}
}

// Reset clears all counts and history.
func (e *Evaluator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = Counts{}
	e.byService = make(map[string]*Counts)
	e.history = nil
}
