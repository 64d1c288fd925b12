package anomaly

import (
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/ml"
)

// Algorithm is the name logged to the experiment tracker.
const Algorithm = "isolation_forest"

// PairModel is a fitted isolation forest bound to one pair.
type PairModel struct {
	pair      Pair
	forest    *ml.IsolationForest
	trainedAt time.Time
	samples   int
}

// fitPairModel trains a forest on the given feature vectors.
func fitPairModel(pair Pair, features [][]float64, cfg Config, trainedAt time.Time) (*PairModel, error) {
	data := make([]ml.DataPoint, len(features))
	for i, f := range features {
		data[i] = ml.DataPoint{Features: f}
	}

	forest := ml.NewIsolationForest(cfg.NumTrees, cfg.SubSampleSize, cfg.MaxDepth,
		ml.WithSeed(cfg.Seed), ml.WithContamination(cfg.Contamination))
	if err := forest.Fit(data); err != nil {
		return nil, fmt.Errorf("fit %s: %w", pair, err)
	}
	if !forest.Fitted() {
		return nil, fmt.Errorf("fit %s: %w", pair, ErrInsufficientData)
	}

	return &PairModel{
		pair:      pair,
		forest:    forest,
		trainedAt: trainedAt,
		samples:   len(features),
	}, nil
}

// Predict scores one feature vector.
func (m *PairModel) Predict(features []float64) (ml.AnomalyResult, error) {
	return m.forest.Predict(ml.DataPoint{Features: features})
}

func (m *PairModel) Pair() Pair { return m.pair }
func (m *PairModel) TrainedAt() time.Time { return m.trainedAt }
func (m *PairModel) Samples() int { return m.samples }
func (m *PairModel) Threshold() float64 { return m.forest.Threshold() }
