package remediation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

func TestSelect_DefaultTable(t *testing.T) {
	s := NewSelector(nil, nil)

	tests := []struct {
		metric   string
		severity anomaly.Severity
		wantType ActionType
		wantText string
	}{
		{"cpu_usage", anomaly.SeverityHigh, ActionScale, "Scale checkout by 50%"},
		{"memory_usage", anomaly.SeverityMedium, ActionGarbageCollection, "Trigger garbage collection for checkout"},
		{"response_time", anomaly.SeverityHigh, ActionRerouteTraffic, "Reroute traffic from checkout to checkout-backup"},
		{"error_rate", anomaly.SeverityMedium, ActionRestart, "Restart checkout"},
		{"request_count", anomaly.SeverityLow, ActionIncreaseLogging, "Increase logging for checkout to INFO"},
	}
	for _, tt := range tests {
		a := s.Select(anomaly.AnomalyRecord{Service: "checkout", Metric: tt.metric, Severity: tt.severity})
		assert.Equal(t, tt.wantType, a.Type, "%s/%s", tt.metric, tt.severity)
		assert.Equal(t, tt.wantText, a.Description)
		assert.False(t, a.Fallback)
	}
}

func TestSelect_Fallback(t *testing.T) {
	s := NewSelector(nil, nil)
	a := s.Select(anomaly.AnomalyRecord{Service: "search", Metric: "disk_iops", Severity: anomaly.SeverityHigh})

	assert.True(t, a.Fallback)
	assert.Equal(t, ActionIncreaseLogging, a.Type)
	assert.Equal(t, "Increase logging for search to DEBUG", a.Description)
	assert.Equal(t, "disk_iops", a.Anomaly.Metric)
}

func TestSelectAll_PreservesOrder(t *testing.T) {
	s := NewSelector(nil, nil)
	actions := s.SelectAll([]anomaly.AnomalyRecord{
		{Service: "a", Metric: "cpu_usage", Severity: anomaly.SeverityLow},
		{Service: "b", Metric: "error_rate", Severity: anomaly.SeverityHigh},
	})
	require.Len(t, actions, 2)
	assert.Equal(t, "a", actions[0].Anomaly.Service)
	assert.Equal(t, ActionCircuitBreaker, actions[1].Type)
}

func TestParseTable(t *testing.T) {
	doc := `
actions:
  cpu:
    high:
      type: scale
      text: "Add two replicas to {service} ({metric}={value})"
    low: "Watch {service}"
`
	table, err := ParseTable([]byte(doc))
	require.NoError(t, err)

	high, ok := table.Lookup("cpu", anomaly.SeverityHigh)
	require.True(t, ok)
	assert.Equal(t, ActionScale, high.Type)
	assert.Equal(t, "Add two replicas to api (cpu=97.50)",
		high.Render(anomaly.AnomalyRecord{Service: "api", Metric: "cpu", Value: 97.5}))

	low, ok := table.Lookup("cpu", anomaly.SeverityLow)
	require.True(t, ok)
	assert.Equal(t, ActionCustom, low.Type)

	_, ok = table.Lookup("cpu", anomaly.SeverityMedium)
	assert.False(t, ok)
}

func TestParseTable_Errors(t *testing.T) {
	_, err := ParseTable([]byte("actions:\n  cpu:\n    critical: \"x\"\n"))
	assert.Error(t, err)

	_, err = ParseTable([]byte("actions:\n  cpu:\n    high:\n      type: scale\n"))
	assert.Error(t, err)

	_, err = ParseTable([]byte("actions: ["))
	assert.Error(t, err)
}

func TestLoadTable_MergesWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions.yaml")
	require.NoError(t, os.WriteFile(path, []byte("actions:\n  cpu_usage:\n    high: \"Page on-call for {service}\"\n"), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)

	s := NewSelector(table, nil)
	a := s.Select(anomaly.AnomalyRecord{Service: "api", Metric: "cpu_usage", Severity: anomaly.SeverityHigh})
	assert.Equal(t, "Page on-call for api", a.Description)

	// Replaced metric loses its other severities.
	a = s.Select(anomaly.AnomalyRecord{Service: "api", Metric: "cpu_usage", Severity: anomaly.SeverityLow})
	assert.True(t, a.Fallback)

	a = s.Select(anomaly.AnomalyRecord{Service: "api", Metric: "error_rate", Severity: anomaly.SeverityMedium})
	assert.Equal(t, "Restart api", a.Description)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
