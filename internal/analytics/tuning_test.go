package analytics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

func tuningBase() anomaly.Config {
	cfg := anomaly.DefaultConfig()
	cfg.MinSamples = 20
	cfg.NumTrees = 50
	cfg.Contamination = 0.01
	return cfg
}

func labelled(value float64, isAnomaly bool) LabelledPoint {
	return LabelledPoint{DataPoint: spike("api", "cpu_usage", value), Anomaly: isAnomaly}
}

func TestTune_PicksBestF1(t *testing.T) {
	points := []LabelledPoint{
		labelled(500, true),
		labelled(450, true),
		labelled(45, false),
		labelled(50, false),
	}
	grid := TuningGrid{
		NumTrees:      []int{50},
		Contamination: []float64{0.01, 1.5, 0.1},
	}

	result, err := Tune(context.Background(), tuningBase(), series("api", "cpu_usage", 100), points, grid, nil)
	require.NoError(t, err)

	assert.Len(t, result.Trials, 2, "the invalid contamination is skipped")
	assert.Equal(t, 1.0, result.Best.Metrics.F1)
	assert.Equal(t, 0.01, result.Best.Contamination)
	assert.Equal(t, 1, result.Best.Trained)
	assert.Equal(t, 0.01, result.Config.Contamination)
	assert.Equal(t, 256, result.Config.SubSampleSize, "empty grid dimensions keep the base value")
	assert.False(t, result.Config.PersistModels)
}

func TestTune_NoScorableTrial(t *testing.T) {
	points := []LabelledPoint{{DataPoint: spike("web", "latency", 1), Anomaly: true}}

	_, err := Tune(context.Background(), tuningBase(), series("api", "cpu_usage", 100), points, TuningGrid{NumTrees: []int{10}}, nil)
	assert.ErrorIs(t, err, ErrNoTrials)

	_, err = Tune(context.Background(), tuningBase(), series("api", "cpu_usage", 5), points, TuningGrid{}, nil)
	assert.ErrorIs(t, err, ErrNoTrials)
}

func TestTune_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Tune(ctx, tuningBase(), series("api", "cpu_usage", 100), nil, DefaultTuningGrid(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}
