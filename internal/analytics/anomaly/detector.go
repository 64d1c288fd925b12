package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/ml"
)

// Detector runs installed models over the newest observation of each pair.
type Detector struct {
	registry *ModelRegistry
	scorer   *SeverityScorer
	runs     *RunTracker
	tracker  ExperimentTracker
	features FeatureFunc
	logger   *zap.Logger
	now      func() time.Time
}

// NewDetector creates a detector. runs, tracker and logger may be nil.
func NewDetector(cfg Config, registry *ModelRegistry, runs *RunTracker, tracker ExperimentTracker, logger *zap.Logger) *Detector {
	if runs == nil {
		runs = NewRunTracker()
	}
	if tracker == nil {
		tracker = noopTracker{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		registry: registry,
		scorer:   NewSeverityScorer(registry, cfg.Thresholds),
		runs:     runs,
		tracker:  tracker,
		features: cfg.features(),
		logger:   logger,
		now:      time.Now,
	}
}

// Scorer returns the severity scorer used for flagged points.
func (d *Detector) Scorer() *SeverityScorer { return d.scorer }

// Runs returns the run history the detector appends to.
func (d *Detector) Runs() *RunTracker { return d.runs }

// Detect predicts on the latest point of every pair in points. Pairs without
// a model are skipped and a failed prediction only affects its own pair. The
// records are ordered by service then metric, and one summary is appended to
// the run history per call.
func (d *Detector) Detect(ctx context.Context, points []DataPoint) ([]AnomalyRecord, RunSummary) {
	ctx, span := tracer.Start(ctx, "anomaly.detect")
	defer span.End()

	summary := RunSummary{
		RunID:     uuid.NewString(),
		StartedAt: d.now(),
	}
	logger := d.logger.With(zap.String("run_id", summary.RunID))

	latest := latestByPair(points)
	pairs := make([]Pair, 0, len(latest))
	for p := range latest {
		pairs = append(pairs, p)
	}
	sortPairs(pairs)

	var records []AnomalyRecord
	for _, pair := range pairs {
		fields := []zap.Field{zap.String("service", pair.Service), zap.String("metric", pair.Metric)}

		e, ok := d.registry.lookup(pair)
		if !ok {
			summary.Skipped++
			logger.Debug("Skipping pair", append(fields, zap.Error(ErrModelAbsent))...)
			continue
		}

		summary.TotalPredictions++
		point := latest[pair]
		res, err := d.predict(e.model, point)
		if err != nil {
			summary.Failed++
			logger.Warn("Prediction failed", append(fields,
				zap.Float64("value", point.Value),
				zap.Error(fmt.Errorf("%w: %w", ErrPredictionFailure, err)))...)
			continue
		}
		if !res.IsAnomaly {
			continue
		}

		severity, z := d.scorer.Score(e.baseline, point.Value)
		records = append(records, AnomalyRecord{
			Timestamp: point.Timestamp,
			Service:   point.Service,
			Metric:    point.Metric,
			Value:     point.Value,
			Severity:  severity,
			Score:     res.Score,
			ZScore:    z,
		})
		summary.TotalAnomalies++
		logger.Info("Detected anomaly", append(fields,
			zap.Float64("value", point.Value),
			zap.String("severity", string(severity)),
			zap.Float64("score", res.Score))...)
	}

	if summary.TotalPredictions > 0 {
		summary.AnomalyRate = float64(summary.TotalAnomalies) / float64(summary.TotalPredictions)
	}
	summary.Duration = d.now().Sub(summary.StartedAt)
	d.runs.Record(summary)

	if summary.TotalPredictions > 0 {
		d.trackRun(ctx, logger, summary)
	}

	span.SetAttributes(
		attribute.Int("anomaly.pairs", len(pairs)),
		attribute.Int("anomaly.predictions", summary.TotalPredictions),
		attribute.Int("anomaly.anomalies", summary.TotalAnomalies),
	)
	return records, summary
}

// predict scores one point. A panic in feature extraction or scoring is
// returned as an error so it only affects this pair.
func (d *Detector) predict(model *PairModel, point DataPoint) (res ml.AnomalyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prediction panicked: %v", r)
		}
	}()
	return model.Predict(d.features(point))
}

func (d *Detector) trackRun(ctx context.Context, logger *zap.Logger, s RunSummary) {
	track := func(op string, fn func() error) {
		_ = guard(logger, kindTracking, op, nil, fn)
	}
	track("start run", func() error {
		return d.tracker.StartRun(ctx, s.RunID, "detection_"+s.StartedAt.UTC().Format("20060102_150405"))
	})
	track("log metrics", func() error {
		return d.tracker.LogMetrics(ctx, s.RunID, map[string]float64{
			"total_predictions": float64(s.TotalPredictions),
			"total_anomalies":   float64(s.TotalAnomalies),
			"anomaly_rate":      s.AnomalyRate,
		})
	})
	track("end run", func() error {
		return d.tracker.EndRun(ctx, s.RunID, "FINISHED")
	})
}

// latestByPair keeps the newest point of each pair. On equal timestamps the
// later point in input order wins.
func latestByPair(points []DataPoint) map[Pair]DataPoint {
	latest := make(map[Pair]DataPoint)
	for _, p := range points {
		cur, ok := latest[p.Pair()]
		if !ok || !p.Timestamp.Before(cur.Timestamp) {
			latest[p.Pair()] = p
		}
	}
	return latest
}
