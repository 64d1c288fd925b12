package analytics

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/evaluation"
)

// ErrNoTrials is returned by Tune when no grid combination produced a
// scored model.
var ErrNoTrials = errors.New("no tuning trial could be scored")

// TuningGrid lists candidate hyperparameters. An empty list keeps the base
// configuration's value.
type TuningGrid struct {
	NumTrees      []int     `json:"num_trees" yaml:"num_trees"`
	Contamination []float64 `json:"contamination" yaml:"contamination"`
	SubSampleSize []int     `json:"sub_sample_size" yaml:"sub_sample_size"`
}

// DefaultTuningGrid returns the standard search space.
func DefaultTuningGrid() TuningGrid {
	return TuningGrid{
		NumTrees:      []int{50, 100, 200},
		Contamination: []float64{0.01, 0.05, 0.1},
		SubSampleSize: []int{256, 100, 200},
	}
}

// TuningTrial is one scored combination.
type TuningTrial struct {
	NumTrees      int                `json:"num_trees"`
	Contamination float64            `json:"contamination"`
	SubSampleSize int                `json:"sub_sample_size"`
	Trained       int                `json:"trained_pairs"`
	Metrics       evaluation.Metrics `json:"metrics"`
}

// TuningResult holds every scored trial and the one with the best F1.
type TuningResult struct {
	Best   TuningTrial   `json:"best"`
	Trials []TuningTrial `json:"trials"`
	// Config is base with the best trial's hyperparameters applied.
	Config anomaly.Config `json:"-"`
}

// Tune trains one throwaway engine per grid combination on train, scores it
// on labelled by F1 and returns the best. Ties keep the earlier combination.
// Combinations that fail validation, train no pair or match no labelled
// point are skipped.
func Tune(ctx context.Context, base anomaly.Config, train []anomaly.DataPoint, labelled []LabelledPoint, grid TuningGrid, logger *zap.Logger) (TuningResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(grid.NumTrees) == 0 {
		grid.NumTrees = []int{base.NumTrees}
	}
	if len(grid.Contamination) == 0 {
		grid.Contamination = []float64{base.Contamination}
	}
	if len(grid.SubSampleSize) == 0 {
		grid.SubSampleSize = []int{base.SubSampleSize}
	}

	var result TuningResult
	found := false
	for _, trees := range grid.NumTrees {
		for _, c := range grid.Contamination {
			for _, sub := range grid.SubSampleSize {
				if err := ctx.Err(); err != nil {
					return result, err
				}
				cfg := base
				cfg.NumTrees, cfg.Contamination, cfg.SubSampleSize = trees, c, sub
				cfg.PersistModels = false

				trial := TuningTrial{NumTrees: trees, Contamination: c, SubSampleSize: sub}
				fields := []zap.Field{zap.Int("num_trees", trees), zap.Float64("contamination", c), zap.Int("sub_sample_size", sub)}

				engine, err := anomaly.NewEngine(cfg, nil, nil, nil)
				if err != nil {
					logger.Warn("Skipping invalid tuning combination", append(fields, zap.Error(err))...)
					continue
				}
				report := engine.Train(ctx, train)
				trial.Trained = len(report.Trained)
				if trial.Trained == 0 {
					continue
				}

				ev := evaluation.NewEvaluator(nil)
				summary := NewPipeline(engine, PipelineConfig{}, Deps{Evaluator: ev}).Evaluate(ctx, labelled)
				if summary.TotalPredictions == 0 {
					continue
				}
				trial.Metrics = summary.Overall
				result.Trials = append(result.Trials, trial)
				logger.Debug("Scored tuning trial", append(fields, zap.Float64("f1", trial.Metrics.F1))...)

				if !found || trial.Metrics.F1 > result.Best.Metrics.F1 {
					result.Best, result.Config, found = trial, cfg, true
				}
			}
		}
	}

	if !found {
		return result, ErrNoTrials
	}
	logger.Info("Tuning complete",
		zap.Int("trials", len(result.Trials)),
		zap.Int("num_trees", result.Best.NumTrees),
		zap.Float64("contamination", result.Best.Contamination),
		zap.Int("sub_sample_size", result.Best.SubSampleSize),
		zap.Float64("f1", result.Best.Metrics.F1))
	return result, nil
}
