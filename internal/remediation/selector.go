package remediation

import (
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// Action is the suggestion produced for one anomaly.
type Action struct {
	Timestamp   time.Time             `json:"timestamp"`
	Anomaly     anomaly.AnomalyRecord `json:"anomaly"`
	Type        ActionType            `json:"type"`
	Description string                `json:"description"`
	// Fallback is set when no template matched the metric and severity.
	Fallback bool `json:"fallback"`
	// Suggestion is the advisor's free-text recommendation, when enabled.
	Suggestion string `json:"suggestion,omitempty"`
}

// Selector picks actions from a template table.
type Selector struct {
	table  Table
	logger *zap.Logger
	now    func() time.Time
}

// NewSelector creates a selector. A nil table uses DefaultTable.
func NewSelector(table Table, logger *zap.Logger) *Selector {
	if table == nil {
		table = DefaultTable()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{table: table, logger: logger, now: time.Now}
}

// Select returns the action for rec. Unknown metric and severity combinations
// get the increase-logging fallback.
func (s *Selector) Select(rec anomaly.AnomalyRecord) Action {
	tmpl, ok := s.table.Lookup(rec.Metric, rec.Severity)
	if !ok {
		s.logger.Warn("No action template, using fallback",
			zap.String("service", rec.Service),
			zap.String("metric", rec.Metric),
			zap.String("severity", string(rec.Severity)))
		tmpl = fallbackTemplate
	}

	action := Action{
		Timestamp:   s.now(),
		Anomaly:     rec,
		Type:        tmpl.Type,
		Description: tmpl.Render(rec),
		Fallback:    !ok,
	}
	s.logger.Info("Selected remediation",
		zap.String("service", rec.Service),
		zap.String("metric", rec.Metric),
		zap.String("action", action.Description))
	return action
}

// SelectAll returns one action per record in order.
func (s *Selector) SelectAll(records []anomaly.AnomalyRecord) []Action {
	actions := make([]Action, len(records))
	for i, r := range records {
		actions[i] = s.Select(r)
	}
	return actions
}
