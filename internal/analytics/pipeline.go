// Package analytics wires the anomaly engine to its collaborators.
//
// A Pipeline accepts batches of service metrics and for each batch:
//   - exports the latest values as gauges
//   - runs detection against the installed pair models
//   - persists anomaly events and publishes them to stream subscribers
//   - selects a remediation action per anomaly, with an optional advisor suggestion
//   - occasionally retrains every pair from a bounded window of recent points
package analytics

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/ml"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/remediation"
	"github.com/kubilitics/kubilitics-anomaly/internal/stream"
)

// AnomalySink stores detected anomalies.
type AnomalySink interface {
	AppendAnomalies(ctx context.Context, records []anomaly.AnomalyRecord) error
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// PipelineConfig tunes history retention and retraining.
type PipelineConfig struct {
	// HistorySize bounds the window of recent points kept for retraining.
	HistorySize int
	// RecentSize bounds the cached anomalies and actions.
	RecentSize int
	// RetrainProbability is the chance that an ingest call retrains.
	RetrainProbability float64
	// RetrainMinSamples is the history size required before retraining.
	RetrainMinSamples int
	// RetrainInterval retrains on a timer when Start is called. Zero disables it.
	RetrainInterval time.Duration
	// Seed drives the retraining coin flip.
	Seed int64
}

// DefaultPipelineConfig returns the defaults used by the server.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		HistorySize:        1000,
		RecentSize:         100,
		RetrainProbability: 0.05,
		RetrainMinSamples:  100,
		Seed:               42,
	}
}

// Deps holds the optional pipeline collaborators. Nil members are skipped.
type Deps struct {
	Exporter  *metrics.Exporter
	Selector  *remediation.Selector
	Advisor   *remediation.Advisor
	Sink      AnomalySink
	Publisher Publisher
	Evaluator *evaluation.Evaluator
	Logger    *zap.Logger
}

// IngestResult is what one Ingest call produced.
type IngestResult struct {
	Anomalies []anomaly.AnomalyRecord `json:"anomalies"`
	Actions   []remediation.Action    `json:"actions"`
	Summary   anomaly.RunSummary      `json:"summary"`
	Retrained *anomaly.TrainReport    `json:"-"`
}

// LabelledPoint is a data point with its ground truth label.
type LabelledPoint struct {
	anomaly.DataPoint `yaml:",inline"`
	Anomaly           bool `json:"anomaly" yaml:"anomaly"`
}

// Pipeline orchestrates detection, export, remediation and retraining.
type Pipeline struct {
	mu     sync.Mutex // serializes Ingest and Train
	dataMu sync.RWMutex

	engine *anomaly.Engine
	cfg    PipelineConfig
	deps   Deps
	logger *zap.Logger
	rng    *rand.Rand

	history         []anomaly.DataPoint
	recentAnomalies []anomaly.AnomalyRecord
	recentActions   []remediation.Action

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPipeline creates a pipeline around engine.
func NewPipeline(engine *anomaly.Engine, cfg PipelineConfig, deps Deps) *Pipeline {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultPipelineConfig().HistorySize
	}
	if cfg.RecentSize <= 0 {
		cfg.RecentSize = DefaultPipelineConfig().RecentSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		engine: engine,
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("pipeline"),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Engine returns the underlying anomaly engine.
func (p *Pipeline) Engine() *anomaly.Engine { return p.engine }

// Evaluator returns the evaluator, or nil when none is configured.
func (p *Pipeline) Evaluator() *evaluation.Evaluator { return p.deps.Evaluator }

// Start begins scheduled retraining when RetrainInterval is set.
func (p *Pipeline) Start(ctx context.Context) {
	if p.cfg.RetrainInterval <= 0 || p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(p.cfg.RetrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				p.retrain(ctx)
				p.mu.Unlock()
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts scheduled retraining.
func (p *Pipeline) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.stopCh = nil
}

// Train fits models on points and seeds the retraining window with them.
func (p *Pipeline) Train(ctx context.Context, points []anomaly.DataPoint) anomaly.TrainReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.appendHistory(points)
	report := p.engine.Train(ctx, points)
	p.recordTraining(report)
	return report
}

// Ingest runs one batch through detection and its side effects.
func (p *Pipeline) Ingest(ctx context.Context, points []anomaly.DataPoint) IngestResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deps.Exporter != nil {
		p.deps.Exporter.ObserveValues(points)
	}
	p.appendHistory(points)

	records, summary := p.engine.Detect(ctx, points)
	result := IngestResult{Anomalies: records, Summary: summary}

	if p.deps.Exporter != nil {
		p.deps.Exporter.RecordRun(summary)
		p.deps.Exporter.RecordAnomalies(records)
	}
	if p.deps.Sink != nil && len(records) > 0 {
		if err := p.deps.Sink.AppendAnomalies(ctx, records); err != nil {
			p.logger.Warn("Failed to store anomalies", zap.Int("count", len(records)), zap.Error(err))
		}
	}

	for _, rec := range records {
		p.publish(stream.TopicAnomaly, rec)
		if p.deps.Selector == nil {
			continue
		}
		action := p.deps.Selector.Select(rec)
		if p.deps.Advisor != nil {
			action.Suggestion = p.suggest(ctx, rec)
		}
		result.Actions = append(result.Actions, action)
		if p.deps.Exporter != nil {
			p.deps.Exporter.RecordRemediation(rec.Service, string(action.Type))
		}
		p.publish(stream.TopicRemediation, action)
	}
	p.publish(stream.TopicRun, summary)
	p.remember(records, result.Actions)

	if p.cfg.RetrainProbability > 0 && p.rng.Float64() < p.cfg.RetrainProbability {
		result.Retrained = p.retrain(ctx)
	}
	return result
}

// Evaluate predicts each labelled point against its pair model and records the
// outcome. Points without a model are skipped.
func (p *Pipeline) Evaluate(ctx context.Context, points []LabelledPoint) evaluation.Summary {
	ev := p.deps.Evaluator
	if ev == nil {
		ev = evaluation.NewEvaluator(p.logger)
	}
	features := p.engine.Config().Features
	if features == nil {
		features = anomaly.ValueFeatures
	}

	for _, lp := range points {
		if ctx.Err() != nil {
			break
		}
		model, ok := p.engine.Registry().Get(lp.Service, lp.Metric)
		if !ok {
			continue
		}
		res, err := predictLabelled(model, features, lp.DataPoint)
		if p.deps.Exporter != nil {
			p.deps.Exporter.SetModelHealth(lp.Service, lp.Metric, err == nil)
		}
		if err != nil {
			p.logger.Warn("Evaluation prediction failed",
				zap.String("service", lp.Service),
				zap.String("metric", lp.Metric),
				zap.Error(err))
			continue
		}
		ev.Record(evaluation.Prediction{
			Timestamp: lp.Timestamp,
			Service:   lp.Service,
			Metric:    lp.Metric,
			Value:     lp.Value,
			Predicted: res.IsAnomaly,
			Actual:    lp.Anomaly,
		})
	}
	return ev.Summary()
}

// RecentAnomalies returns cached anomalies, optionally filtered by service.
func (p *Pipeline) RecentAnomalies(service string) []anomaly.AnomalyRecord {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()

	out := make([]anomaly.AnomalyRecord, 0, len(p.recentAnomalies))
	for _, r := range p.recentAnomalies {
		if service == "" || r.Service == service {
			out = append(out, r)
		}
	}
	return out
}

// RecentActions returns cached remediation actions, oldest first.
func (p *Pipeline) RecentActions() []remediation.Action {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()
	out := make([]remediation.Action, len(p.recentActions))
	copy(out, p.recentActions)
	return out
}

// HistoryLen returns the number of points in the retraining window.
func (p *Pipeline) HistoryLen() int {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()
	return len(p.history)
}

// ─── Internal ─────────────────────────────────────────────────────────────────

// retrain must be called with mu held.
func (p *Pipeline) retrain(ctx context.Context) *anomaly.TrainReport {
	p.dataMu.RLock()
	window := make([]anomaly.DataPoint, len(p.history))
	copy(window, p.history)
	p.dataMu.RUnlock()

	if len(window) < p.cfg.RetrainMinSamples {
		p.logger.Debug("Skipping retrain, history too small",
			zap.Int("history", len(window)),
			zap.Int("min_samples", p.cfg.RetrainMinSamples))
		return nil
	}
	p.logger.Info("Retraining from history window", zap.Int("points", len(window)))
	report := p.engine.Train(ctx, window)
	p.recordTraining(report)
	return &report
}

func (p *Pipeline) recordTraining(report anomaly.TrainReport) {
	if p.deps.Exporter != nil {
		p.deps.Exporter.RecordTraining(report, p.engine.Registry().Len())
	}
}

func (p *Pipeline) publish(topic string, payload interface{}) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.Publish(topic, payload); err != nil {
		p.logger.Debug("Event not published", zap.String("topic", topic), zap.Error(err))
	}
}

func (p *Pipeline) appendHistory(points []anomaly.DataPoint) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	p.history = appendBounded(p.history, points, p.cfg.HistorySize)
}

func (p *Pipeline) remember(records []anomaly.AnomalyRecord, actions []remediation.Action) {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	p.recentAnomalies = appendBounded(p.recentAnomalies, records, p.cfg.RecentSize)
	p.recentActions = appendBounded(p.recentActions, actions, p.cfg.RecentSize)
}

// appendBounded appends items and drops the oldest entries beyond limit.
func appendBounded[T any](dst, items []T, limit int) []T {
	dst = append(dst, items...)
	if over := len(dst) - limit; over > 0 {
		dst = append(dst[:0:0], dst[over:]...)
	}
	return dst
}

// suggest asks the advisor for a suggestion. Failures and panics are logged
// and leave the suggestion empty.
func (p *Pipeline) suggest(ctx context.Context, rec anomaly.AnomalyRecord) (text string) {
	fields := []zap.Field{zap.String("service", rec.Service), zap.String("metric", rec.Metric)}
	defer func() {
		if r := recover(); r != nil {
			text = ""
			p.logger.Warn("Remediation advisor panicked", append(fields, zap.Any("panic", r))...)
		}
	}()
	text, err := p.deps.Advisor.Suggest(ctx, rec)
	if err != nil {
		p.logger.Warn("Remediation advisor failed", append(fields, zap.Error(err))...)
		return ""
	}
	return text
}

func predictLabelled(model *anomaly.PairModel, features anomaly.FeatureFunc, dp anomaly.DataPoint) (res ml.AnomalyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("prediction panicked: %v", r)
		}
	}()
	return model.Predict(features(dp))
}
