package anomaly

import (
	"fmt"
)

// SeverityThresholds are the z-score band edges. A z-score below Low is low,
// below High is medium, anything else is high.
type SeverityThresholds struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// DefaultSeverityThresholds returns Low 0.8 and High 1.5.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{Low: 0.8, High: 1.5}
}

func (t SeverityThresholds) Validate() error {
	if t.Low <= 0 || t.High <= 0 {
		return fmt.Errorf("severity thresholds must be positive, got low=%v high=%v", t.Low, t.High)
	}
	if t.Low >= t.High {
		return fmt.Errorf("severity low threshold %v must be below high threshold %v", t.Low, t.High)
	}
	return nil
}

// Classify maps a z-score to its band.
func (t SeverityThresholds) Classify(z float64) Severity {
	switch {
	case z < t.Low:
		return SeverityLow
	case z < t.High:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}

// SeverityScorer grades values against the baseline of their pair.
type SeverityScorer struct {
	registry   *ModelRegistry
	thresholds SeverityThresholds
}

// NewSeverityScorer creates a scorer reading baselines from registry.
func NewSeverityScorer(registry *ModelRegistry, thresholds SeverityThresholds) *SeverityScorer {
	return &SeverityScorer{registry: registry, thresholds: thresholds}
}

// Thresholds returns the configured bands.
func (s *SeverityScorer) Thresholds() SeverityThresholds {
	return s.thresholds
}

// Severity grades value against the stored baseline of (service, metric).
// A pair without a baseline is medium.
func (s *SeverityScorer) Severity(service, metric string, value float64) Severity {
	b, ok := s.registry.Baseline(service, metric)
	if !ok {
		return SeverityMedium
	}
	sev, _ := s.Score(b, value)
	return sev
}

// Score grades value against b and returns the z-score used. A zero standard
// deviation makes every value high with a reported z-score of 0.
func (s *SeverityScorer) Score(b *StatBaseline, value float64) (Severity, float64) {
	if b == nil {
		return SeverityMedium, 0
	}
	z, ok := b.ZScore(value)
	if !ok {
		return SeverityHigh, 0
	}
	return s.thresholds.Classify(z), z
}
