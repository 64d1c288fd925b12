package evaluation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, TruePositive, Classify(true, true))
	assert.Equal(t, FalsePositive, Classify(true, false))
	assert.Equal(t, FalseNegative, Classify(false, true))
	assert.Equal(t, TrueNegative, Classify(false, false))
}

func TestCounts_Compute(t *testing.T) {
	m := Counts{TruePositives: 8, FalsePositives: 2, TrueNegatives: 85, FalseNegatives: 5}.Compute()
	assert.InDelta(t, 0.93, m.Accuracy, 1e-9)
	assert.InDelta(t, 0.8, m.Precision, 1e-9)
	assert.InDelta(t, 8.0/13.0, m.Recall, 1e-9)
	assert.InDelta(t, 2*0.8*(8.0/13.0)/(0.8+8.0/13.0), m.F1, 1e-9)
}

func TestCounts_ComputeEmptyIsZero(t *testing.T) {
	m := Counts{}.Compute()
	assert.Zero(t, m.Accuracy)
	assert.Zero(t, m.Precision)
	assert.Zero(t, m.Recall)
	assert.Zero(t, m.F1)

	// Only negatives: precision and recall stay finite.
	m = Counts{TrueNegatives: 10}.Compute()
	assert.Equal(t, 1.0, m.Accuracy)
	assert.Zero(t, m.Precision)
	assert.Zero(t, m.F1)
}

func TestEvaluator_RecordAndSummary(t *testing.T) {
	e := NewEvaluator(nil)
	e.Record(Prediction{Service: "api", Metric: "cpu", Predicted: true, Actual: true})
	e.Record(Prediction{Service: "api", Metric: "cpu", Predicted: true, Actual: false})
	m := e.Record(Prediction{Service: "web", Metric: "latency", Predicted: false, Actual: false})

	assert.Equal(t, Counts{TruePositives: 1, FalsePositives: 1, TrueNegatives: 1}, m.Counts)

	s := e.Summary()
	assert.Equal(t, 3, s.TotalPredictions)
	require.Contains(t, s.ByService, "api")
	assert.InDelta(t, 0.5, s.ByService["api"].Precision, 1e-9)
	assert.Equal(t, 1.0, s.ByService["web"].Accuracy)

	h := e.History()
	require.Len(t, h, 3)
	assert.Equal(t, FalsePositive, h[1].Outcome)
	h[0].Service = "mutated"
	assert.Equal(t, "api", e.History()[0].Service)

	e.Reset()
	assert.Zero(t, e.Metrics().Counts.Total())
	assert.Empty(t, e.History())
}

func TestEvaluator_Concurrent(t *testing.T) {
	e := NewEvaluator(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Record(Prediction{Service: "svc", Predicted: j%2 == 0, Actual: i%2 == 0})
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 800, e.Metrics().Counts.Total())
	assert.Len(t, e.History(), 800)
}
