package anomaly

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Engine wires a registry, trainer, detector and run history that share one
// configuration.
type Engine struct {
	cfg      Config
	registry *ModelRegistry
	trainer  *Trainer
	detector *Detector
}

// NewEngine validates cfg and builds the components. store and tracker may be nil.
func NewEngine(cfg Config, store ModelStore, tracker ExperimentTracker, logger *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid anomaly config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil && cfg.PersistModels {
		logger.Warn("Model persistence enabled without a store, models stay in memory")
		cfg.PersistModels = false
	}

	registry := NewModelRegistry(store, logger.Named("registry"))
	return &Engine{
		cfg:      cfg,
		registry: registry,
		trainer:  NewTrainer(cfg, registry, tracker, logger.Named("trainer")),
		detector: NewDetector(cfg, registry, NewRunTracker(), tracker, logger.Named("detector")),
	}, nil
}

func (e *Engine) Config() Config { return e.cfg }
func (e *Engine) Registry() *ModelRegistry { return e.registry }
func (e *Engine) Scorer() *SeverityScorer { return e.detector.Scorer() }
func (e *Engine) Runs() *RunTracker { return e.detector.Runs() }

// Train fits every pair in points with enough samples.
func (e *Engine) Train(ctx context.Context, points []DataPoint) TrainReport {
	return e.trainer.Train(ctx, points)
}

// Detect scores the latest point of every trained pair in points.
func (e *Engine) Detect(ctx context.Context, points []DataPoint) ([]AnomalyRecord, RunSummary) {
	return e.detector.Detect(ctx, points)
}
