// Package remediation maps detected anomalies to suggested actions. It only
// selects and describes an action; executing it is left to operators.
package remediation

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// ActionType classifies a suggested action.
type ActionType string

const (
	ActionScale             ActionType = "scale"
	ActionOptimizeQueries   ActionType = "optimize_queries"
	ActionAllocateMemory    ActionType = "allocate_memory"
	ActionGarbageCollection ActionType = "garbage_collection"
	ActionIncreaseLogging   ActionType = "increase_logging"
	ActionRerouteTraffic    ActionType = "reroute_traffic"
	ActionCircuitBreaker    ActionType = "circuit_breaker"
	ActionRestart           ActionType = "restart"
	ActionRateLimiting      ActionType = "rate_limiting"
	ActionCustom            ActionType = "custom"
)

// Template describes an action. Text may reference {service}, {metric},
// {severity} and {value}.
type Template struct {
	Type ActionType `yaml:"type" json:"type"`
	Text string     `yaml:"text" json:"text"`
}

// UnmarshalYAML accepts either a mapping with type and text or a bare string,
// which becomes a custom action.
func (t *Template) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Type = ActionCustom
		t.Text = node.Value
		return nil
	}
	type plain Template
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	if p.Text == "" {
		return fmt.Errorf("line %d: action template without text", node.Line)
	}
	if p.Type == "" {
		p.Type = ActionCustom
	}
	*t = Template(p)
	return nil
}

// Render substitutes the placeholders.
func (t Template) Render(rec anomaly.AnomalyRecord) string {
	return strings.NewReplacer(
		"{service}", rec.Service,
		"{metric}", rec.Metric,
		"{severity}", string(rec.Severity),
		"{value}", fmt.Sprintf("%.2f", rec.Value),
	).Replace(t.Text)
}

// Table holds one template per metric and severity.
type Table map[string]map[anomaly.Severity]Template

// Lookup returns the template for metric and severity.
func (t Table) Lookup(metric string, severity anomaly.Severity) (Template, bool) {
	bySeverity, ok := t[metric]
	if !ok {
		return Template{}, false
	}
	tmpl, ok := bySeverity[severity]
	return tmpl, ok
}

// fallbackTemplate is used for combinations missing from the table.
var fallbackTemplate = Template{
	Type: ActionIncreaseLogging,
	Text: "Increase logging for {service} to DEBUG",
}

// DefaultTable returns the built-in actions for the standard service metrics.
func DefaultTable() Table {
	return Table{
		"cpu_usage": {
			anomaly.SeverityHigh:   {ActionScale, "Scale {service} by 50%"},
			anomaly.SeverityMedium: {ActionScale, "Scale {service} by 20%"},
			anomaly.SeverityLow:    {ActionOptimizeQueries, "Optimize queries for {service}"},
		},
		"memory_usage": {
			anomaly.SeverityHigh:   {ActionAllocateMemory, "Allocate 512MB additional memory to {service}"},
			anomaly.SeverityMedium: {ActionGarbageCollection, "Trigger garbage collection for {service}"},
			anomaly.SeverityLow:    {ActionIncreaseLogging, "Increase logging for {service} to INFO"},
		},
		"response_time": {
			anomaly.SeverityHigh:   {ActionRerouteTraffic, "Reroute traffic from {service} to {service}-backup"},
			anomaly.SeverityMedium: {ActionOptimizeQueries, "Optimize queries for {service}"},
			anomaly.SeverityLow:    {ActionIncreaseLogging, "Increase logging for {service} to DEBUG"},
		},
		"error_rate": {
			anomaly.SeverityHigh:   {ActionCircuitBreaker, "Enable circuit breaker for {service} with threshold 0.5"},
			anomaly.SeverityMedium: {ActionRestart, "Restart {service}"},
			anomaly.SeverityLow:    {ActionIncreaseLogging, "Increase logging for {service} to DEBUG"},
		},
		"request_count": {
			anomaly.SeverityHigh:   {ActionRateLimiting, "Enable rate limiting for {service} at 1000 RPS"},
			anomaly.SeverityMedium: {ActionRerouteTraffic, "Reroute traffic from {service} to {service}-backup"},
			anomaly.SeverityLow:    {ActionIncreaseLogging, "Increase logging for {service} to INFO"},
		},
	}
}

type tableFile struct {
	Actions map[string]map[string]Template `yaml:"actions"`
}

// ParseTable decodes a YAML document with a top-level actions mapping of
// metric -> severity -> template.
func ParseTable(data []byte) (Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse remediation table: %w", err)
	}
	table := make(Table, len(f.Actions))
	for metric, bySeverity := range f.Actions {
		table[metric] = make(map[anomaly.Severity]Template, len(bySeverity))
		for sev, tmpl := range bySeverity {
			severity, err := anomaly.ParseSeverity(sev)
			if err != nil {
				return nil, fmt.Errorf("metric %s: %w", metric, err)
			}
			table[metric][severity] = tmpl
		}
	}
	return table, nil
}

// LoadTable reads a table file. Metrics it defines replace the defaults for
// that metric; other metrics keep their defaults.
func LoadTable(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read remediation table: %w", err)
	}
	custom, err := ParseTable(data)
	if err != nil {
		return nil, err
	}
	table := DefaultTable()
	for metric, bySeverity := range custom {
		table[metric] = bySeverity
	}
	return table, nil
}
