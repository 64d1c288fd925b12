package analytics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/remediation"
	"github.com/kubilitics/kubilitics-anomaly/internal/stream"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func series(service, metric string, n int) []anomaly.DataPoint {
	pts := make([]anomaly.DataPoint, n)
	for i := range pts {
		pts[i] = anomaly.DataPoint{
			Timestamp: t0.Add(time.Duration(i) * time.Second),
			Service:   service,
			Metric:    metric,
			Value:     40 + float64(i%20),
		}
	}
	return pts
}

func spike(service, metric string, value float64) anomaly.DataPoint {
	return anomaly.DataPoint{Timestamp: t0.Add(time.Hour), Service: service, Metric: metric, Value: value}
}

type fakeSink struct {
	records []anomaly.AnomalyRecord
	err     error
}

func (s *fakeSink) AppendAnomalies(_ context.Context, records []anomaly.AnomalyRecord) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(topic string, _ interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func newTestPipeline(t *testing.T, cfg PipelineConfig, deps Deps) *Pipeline {
	t.Helper()
	acfg := anomaly.DefaultConfig()
	acfg.MinSamples = 20
	acfg.NumTrees = 50
	acfg.Contamination = 0.01
	acfg.PersistModels = false
	engine, err := anomaly.NewEngine(acfg, nil, nil, nil)
	require.NoError(t, err)
	return NewPipeline(engine, cfg, deps)
}

func TestPipeline_IngestFlagsAndRemediates(t *testing.T) {
	exp := metrics.NewExporter(prometheus.NewRegistry())
	sink := &fakeSink{}
	pub := &fakePublisher{}
	p := newTestPipeline(t, PipelineConfig{}, Deps{
		Exporter:  exp,
		Selector:  remediation.NewSelector(nil, nil),
		Sink:      sink,
		Publisher: pub,
	})
	ctx := context.Background()

	report := p.Train(ctx, series("api", "cpu_usage", 100))
	require.Len(t, report.Trained, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.ModelsInstalled))

	res := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 500)})
	require.Len(t, res.Anomalies, 1)
	assert.Equal(t, anomaly.SeverityHigh, res.Anomalies[0].Severity)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, "Scale api by 50%", res.Actions[0].Description)
	assert.Equal(t, 1, res.Summary.TotalPredictions)
	assert.Nil(t, res.Retrained)

	assert.Len(t, sink.records, 1)
	assert.Equal(t, []string{stream.TopicAnomaly, stream.TopicRemediation, stream.TopicRun}, pub.topics)
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.AnomaliesTotal.WithLabelValues("api", "cpu_usage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(exp.RemediationsTotal.WithLabelValues("api", "scale")))
	assert.Equal(t, 500.0, testutil.ToFloat64(exp.ServiceMetric.WithLabelValues("api", "cpu_usage")))

	assert.Len(t, p.RecentAnomalies(""), 1)
	assert.Len(t, p.RecentAnomalies("api"), 1)
	assert.Empty(t, p.RecentAnomalies("web"))
	assert.Len(t, p.RecentActions(), 1)
}

func TestPipeline_NormalBatchHasNoSideEffects(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(t, PipelineConfig{}, Deps{Selector: remediation.NewSelector(nil, nil), Sink: sink})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))

	res := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 45)})
	assert.Empty(t, res.Anomalies)
	assert.Empty(t, res.Actions)
	assert.Empty(t, sink.records)
	assert.Equal(t, 1, res.Summary.TotalPredictions)
}

func TestPipeline_SinkFailureIsNonFatal(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{}, Deps{Sink: &fakeSink{err: errors.New("db down")}})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))

	res := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 500)})
	assert.Len(t, res.Anomalies, 1)
	assert.Len(t, p.RecentAnomalies(""), 1)
}

func TestPipeline_RetrainsFromHistory(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{RetrainProbability: 1, RetrainMinSamples: 50}, Deps{})
	ctx := context.Background()
	first := p.Train(ctx, series("api", "cpu_usage", 100))

	res := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 45)})
	require.NotNil(t, res.Retrained)
	assert.NotEqual(t, first.RunID, res.Retrained.RunID)

	m, ok := p.Engine().Registry().Get("api", "cpu_usage")
	require.True(t, ok)
	assert.Equal(t, 101, m.Samples())
}

func TestPipeline_RetrainSkippedBelowMinSamples(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{RetrainProbability: 1, RetrainMinSamples: 1000}, Deps{})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))

	res := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 45)})
	assert.Nil(t, res.Retrained)
}

func TestPipeline_HistoryIsBounded(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{HistorySize: 30, RecentSize: 2}, Deps{})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))
	assert.Equal(t, 30, p.HistoryLen())

	for i := 0; i < 3; i++ {
		p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 500+float64(i))})
	}
	recent := p.RecentAnomalies("")
	require.Len(t, recent, 2)
	assert.Equal(t, 502.0, recent[1].Value)
}

func TestPipeline_Evaluate(t *testing.T) {
	ev := evaluation.NewEvaluator(nil)
	p := newTestPipeline(t, PipelineConfig{}, Deps{Evaluator: ev})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))

	summary := p.Evaluate(ctx, []LabelledPoint{
		{DataPoint: spike("api", "cpu_usage", 500), Anomaly: true},
		{DataPoint: spike("api", "cpu_usage", 45), Anomaly: false},
		{DataPoint: spike("api", "cpu_usage", 47), Anomaly: true},
		{DataPoint: spike("web", "latency", 1), Anomaly: true},
	})

	assert.Equal(t, 3, summary.TotalPredictions)
	assert.Equal(t, evaluation.Counts{TruePositives: 1, TrueNegatives: 1, FalseNegatives: 1}, summary.Overall.Counts)
	assert.Equal(t, 1.0, summary.Overall.Precision)
	assert.InDelta(t, 0.5, summary.Overall.Recall, 1e-9)
	assert.Same(t, ev, p.Evaluator())
}

func TestPipeline_ScheduledRetrain(t *testing.T) {
	p := newTestPipeline(t, PipelineConfig{RetrainInterval: 10 * time.Millisecond, RetrainMinSamples: 20}, Deps{})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 40))
	first, _ := p.Engine().Registry().Get("api", "cpu_usage")

	p.Start(ctx)
	require.Eventually(t, func() bool {
		m, _ := p.Engine().Registry().Get("api", "cpu_usage")
		return m != first
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestAppendBounded(t *testing.T) {
	got := appendBounded([]int{1, 2, 3}, []int{4, 5}, 3)
	assert.Equal(t, []int{3, 4, 5}, got)
	assert.Equal(t, []int{1}, appendBounded(nil, []int{1}, 3))
}

type scriptedCompleter struct {
	answer string
	err    error
	panics bool
}

func (c *scriptedCompleter) Complete(context.Context, string) (string, error) {
	if c.panics {
		panic("advisor exploded")
	}
	return c.answer, c.err
}

func TestPipeline_AdvisorAddsSuggestion(t *testing.T) {
	llm := &scriptedCompleter{answer: "Add two replicas to api."}
	p := newTestPipeline(t, PipelineConfig{}, Deps{
		Selector: remediation.NewSelector(nil, nil),
		Advisor:  remediation.NewAdvisor(llm, remediation.AdvisorOptions{}, nil),
	})
	ctx := context.Background()
	p.Train(ctx, series("api", "cpu_usage", 100))

	result := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 500)})
	require.Len(t, result.Actions, 1)
	assert.Equal(t, "Add two replicas to api.", result.Actions[0].Suggestion)
	assert.NotEmpty(t, result.Actions[0].Description)
}

func TestPipeline_AdvisorFailureKeepsTemplateAction(t *testing.T) {
	for name, llm := range map[string]*scriptedCompleter{
		"error": {err: errors.New("no quota")},
		"panic": {panics: true},
	} {
		t.Run(name, func(t *testing.T) {
			p := newTestPipeline(t, PipelineConfig{}, Deps{
				Selector: remediation.NewSelector(nil, nil),
				Advisor:  remediation.NewAdvisor(llm, remediation.AdvisorOptions{}, nil),
			})
			ctx := context.Background()
			p.Train(ctx, series("api", "cpu_usage", 100))

			result := p.Ingest(ctx, []anomaly.DataPoint{spike("api", "cpu_usage", 500)})
			require.Len(t, result.Anomalies, 1)
			require.Len(t, result.Actions, 1)
			assert.Empty(t, result.Actions[0].Suggestion)
			assert.Equal(t, remediation.ActionScale, result.Actions[0].Type)
		})
	}
}
