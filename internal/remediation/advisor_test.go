package remediation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

type fakeCompleter struct {
	mu      sync.Mutex
	prompts []string
	answer  string
	err     error
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

var cpuHigh = anomaly.AnomalyRecord{Service: "checkout", Metric: "cpu_usage", Value: 97.5, Severity: anomaly.SeverityHigh}

func TestAdvisor_SuggestCachesPerPairAndSeverity(t *testing.T) {
	llm := &fakeCompleter{answer: "  Add two replicas to checkout.\n"}
	a := NewAdvisor(llm, AdvisorOptions{}, nil)
	ctx := context.Background()

	s, err := a.Suggest(ctx, cpuHigh)
	require.NoError(t, err)
	assert.Equal(t, "Add two replicas to checkout.", s)
	require.Equal(t, 1, llm.calls())
	assert.Contains(t, llm.prompts[0], "Service: checkout")
	assert.Contains(t, llm.prompts[0], "CPU utilization percentage")
	assert.Contains(t, llm.prompts[0], "Severity: high")

	again := cpuHigh
	again.Value = 99
	s, err = a.Suggest(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, "Add two replicas to checkout.", s)
	assert.Equal(t, 1, llm.calls(), "same service, metric and severity hits the cache")

	medium := cpuHigh
	medium.Severity = anomaly.SeverityMedium
	_, err = a.Suggest(ctx, medium)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls())
	assert.Equal(t, 2, a.CacheLen())
}

func TestAdvisor_CacheExpires(t *testing.T) {
	llm := &fakeCompleter{answer: "Restart checkout."}
	a := NewAdvisor(llm, AdvisorOptions{CacheTTL: 20 * time.Millisecond}, nil)
	ctx := context.Background()

	_, err := a.Suggest(ctx, cpuHigh)
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = a.Suggest(ctx, cpuHigh)
	require.NoError(t, err)
	assert.Equal(t, 2, llm.calls())
}

func TestAdvisor_FailuresAreNotCached(t *testing.T) {
	llm := &fakeCompleter{err: errors.New("upstream unavailable")}
	a := NewAdvisor(llm, AdvisorOptions{}, nil)
	ctx := context.Background()

	_, err := a.Suggest(ctx, cpuHigh)
	assert.ErrorContains(t, err, "upstream unavailable")

	llm.err = nil
	_, err = a.Suggest(ctx, cpuHigh)
	assert.ErrorIs(t, err, ErrEmptySuggestion)
	assert.Equal(t, 0, a.CacheLen())

	llm.answer = "Scale checkout."
	s, err := a.Suggest(ctx, cpuHigh)
	require.NoError(t, err)
	assert.Equal(t, "Scale checkout.", s)
	assert.Equal(t, 3, llm.calls())
}

func TestAdvisorPrompt_UnknownMetricUsesName(t *testing.T) {
	p := advisorPrompt(anomaly.AnomalyRecord{Service: "search", Metric: "disk_iops", Value: 3, Severity: anomaly.SeverityLow})
	assert.Contains(t, p, "Metric: disk_iops")
	assert.Contains(t, p, "Current value: 3")
}
