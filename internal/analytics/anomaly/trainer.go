package anomaly

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly")

// Trainer fits one model per pair and installs it in the registry.
type Trainer struct {
	cfg      Config
	registry *ModelRegistry
	tracker  ExperimentTracker
	logger   *zap.Logger
	now      func() time.Time
}

// NewTrainer creates a trainer. tracker and logger may be nil.
func NewTrainer(cfg Config, registry *ModelRegistry, tracker ExperimentTracker, logger *zap.Logger) *Trainer {
	if tracker == nil {
		tracker = noopTracker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{
		cfg:      cfg,
		registry: registry,
		tracker:  tracker,
		logger:   logger,
		now:      time.Now,
	}
}

// Train groups points by pair and trains every pair with at least MinSamples
// finite values. Pairs are processed in (service, metric) order. Persistence
// and tracking failures are logged and do not affect the report's Trained list.
func (t *Trainer) Train(ctx context.Context, points []DataPoint) TrainReport {
	ctx, span := tracer.Start(ctx, "anomaly.train")
	defer span.End()

	report := TrainReport{
		RunID:     uuid.NewString(),
		Skipped:   make(map[Pair]int),
		Failed:    make(map[Pair]string),
		Persisted: make(map[Pair]string),
	}
	runID := report.RunID
	logger := t.logger.With(zap.String("run_id", runID))
	started := t.now()

	t.track(logger, "start run", func() error {
		return t.tracker.StartRun(ctx, runID, "train_"+started.UTC().Format("20060102_150405"))
	})
	t.track(logger, "log params", func() error {
		return t.tracker.LogParams(ctx, runID, map[string]string{
			"algorithm":     Algorithm,
			"contamination": strconv.FormatFloat(t.cfg.Contamination, 'g', -1, 64),
			"n_estimators":  strconv.Itoa(t.cfg.NumTrees),
			"max_samples":   strconv.Itoa(t.cfg.SubSampleSize),
			"random_state":  strconv.FormatInt(t.cfg.Seed, 10),
			"min_samples":   strconv.Itoa(t.cfg.MinSamples),
			"data_points":   strconv.Itoa(len(points)),
		})
	})

	groups := groupByPair(points)
	pairs := make([]Pair, 0, len(groups))
	for p := range groups {
		pairs = append(pairs, p)
	}
	sortPairs(pairs)

	features := t.cfg.features()
	services := make(map[string]struct{})
	metrics := make(map[string]struct{})

	for _, pair := range pairs {
		fields := []zap.Field{zap.String("service", pair.Service), zap.String("metric", pair.Metric)}

		finite := make([]DataPoint, 0, len(groups[pair]))
		for _, p := range groups[pair] {
			if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
				continue
			}
			finite = append(finite, p)
		}
		if dropped := len(groups[pair]) - len(finite); dropped > 0 {
			logger.Warn("Dropped non-finite training values", append(fields, zap.Int("dropped", dropped))...)
		}

		if len(finite) < t.cfg.MinSamples {
			report.Skipped[pair] = len(finite)
			logger.Info("Skipping pair", append(fields,
				zap.Int("samples", len(finite)),
				zap.Int("min_samples", t.cfg.MinSamples),
				zap.Error(ErrInsufficientData))...)
			continue
		}

		values := make([]float64, len(finite))
		for i, p := range finite {
			values[i] = p.Value
		}

		model, err := t.fit(pair, finite, features)
		if err != nil {
			report.Failed[pair] = err.Error()
			logger.Error("Training failed", append(fields, zap.Error(err))...)
			continue
		}
		baseline := NewStatBaseline(values)
		t.registry.Put(pair.Service, pair.Metric, model, baseline)
		report.Trained = append(report.Trained, pair)
		services[pair.Service] = struct{}{}
		metrics[pair.Metric] = struct{}{}

		prefix := pairKey(pair)
		t.track(logger, "log pair metrics", func() error {
			return t.tracker.LogMetrics(ctx, runID, map[string]float64{
				prefix + "/samples": float64(baseline.Count()),
				prefix + "/mean":    baseline.Mean(),
				prefix + "/std":     baseline.StdDev(),
				prefix + "/min":     baseline.Min(),
				prefix + "/max":     baseline.Max(),
			})
		})

		if t.cfg.PersistModels {
			var loc string
			err := guard(logger, kindPersistence, "persist model", fields, func() error {
				var perr error
				loc, perr = t.registry.Persist(ctx, pair.Service, pair.Metric)
				return perr
			})
			if err == nil {
				report.Persisted[pair] = loc
				logger.Debug("Persisted model", append(fields, zap.String("location", loc))...)
			}
		}
	}

	t.track(logger, "log summary", func() error {
		return t.tracker.LogMetrics(ctx, runID, map[string]float64{
			"models_trained":   float64(len(report.Trained)),
			"services_trained": float64(len(services)),
			"metrics_trained":  float64(len(metrics)),
		})
	})
	t.track(logger, "end run", func() error {
		return t.tracker.EndRun(ctx, runID, "FINISHED")
	})

	span.SetAttributes(
		attribute.Int("anomaly.points", len(points)),
		attribute.Int("anomaly.pairs", len(pairs)),
		attribute.Int("anomaly.trained", len(report.Trained)),
	)
	logger.Info("Training complete",
		zap.Int("trained", len(report.Trained)),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("failed", len(report.Failed)),
		zap.Duration("duration", t.now().Sub(started)))
	return report
}

// fit extracts features and fits the pair model. A panic in either step is
// returned as an error so the remaining pairs still train.
func (t *Trainer) fit(pair Pair, points []DataPoint, features FeatureFunc) (model *PairModel, err error) {
	defer func() {
		if r := recover(); r != nil {
			model, err = nil, fmt.Errorf("fit %s panicked: %v", pair, r)
		}
	}()
	vectors := make([][]float64, len(points))
	for i, p := range points {
		vectors[i] = features(p)
	}
	return fitPairModel(pair, vectors, t.cfg, t.now())
}

func (t *Trainer) track(logger *zap.Logger, op string, fn func() error) {
	_ = guard(logger, kindTracking, op, nil, fn)
}

// groupByPair keeps the input order within each pair.
func groupByPair(points []DataPoint) map[Pair][]DataPoint {
	groups := make(map[Pair][]DataPoint)
	for _, p := range points {
		groups[p.Pair()] = append(groups[p.Pair()], p)
	}
	return groups
}
