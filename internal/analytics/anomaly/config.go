package anomaly

import (
	"errors"
	"fmt"
)

// Config holds the training and scoring parameters shared by Trainer and Detector.
type Config struct {
	// MinSamples is the minimum number of finite points a pair needs to be trained.
	MinSamples int

	// Isolation forest hyperparameters.
	Contamination float64
	NumTrees      int
	SubSampleSize int
	MaxDepth      int
	Seed          int64

	// PersistModels writes each trained pair to the registry's ModelStore.
	PersistModels bool

	Thresholds SeverityThresholds

	// Features defaults to ValueFeatures.
	Features FeatureFunc
}

// DefaultConfig returns the parameters used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MinSamples:    10,
		Contamination: 0.05,
		NumTrees:      100,
		SubSampleSize: 256,
		Seed:          42,
		PersistModels: true,
		Thresholds:    DefaultSeverityThresholds(),
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.MinSamples < 1 {
		errs = append(errs, fmt.Errorf("min_samples must be >= 1, got %d", c.MinSamples))
	}
	if c.Contamination <= 0 || c.Contamination >= 1 {
		errs = append(errs, fmt.Errorf("contamination must be in (0, 1), got %v", c.Contamination))
	}
	if c.NumTrees < 1 {
		errs = append(errs, fmt.Errorf("num_trees must be >= 1, got %d", c.NumTrees))
	}
	if c.SubSampleSize < 0 {
		errs = append(errs, fmt.Errorf("sub_sample_size must be >= 0, got %d", c.SubSampleSize))
	}
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) features() FeatureFunc {
	if c.Features == nil {
		return ValueFeatures
	}
	return c.Features
}
