package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
)

// batchPoint is one entry of a batch file. Timestamps are RFC3339 strings so
// the same file can be written as YAML or JSON.
type batchPoint struct {
	Timestamp string  `yaml:"timestamp"`
	Service   string  `yaml:"service"`
	Metric    string  `yaml:"metric"`
	Value     float64 `yaml:"value"`
	Anomaly   bool    `yaml:"anomaly"`
}

// readBatch reads a YAML or JSON batch file holding either a list of points
// or a mapping with a points list.
func readBatch(path string) ([]analytics.LabelledPoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("%s: empty batch", path)
	}

	var raw []batchPoint
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&raw)
	case yaml.MappingNode:
		var wrapped struct {
			Points []batchPoint `yaml:"points"`
		}
		err = root.Decode(&wrapped)
		raw = wrapped.Points
	default:
		err = errors.New("expected a list of points or a mapping with a points key")
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s: empty batch", path)
	}

	points := make([]analytics.LabelledPoint, len(raw))
	for i, p := range raw {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%s: point %d: invalid timestamp %q", path, i, p.Timestamp)
		}
		if p.Service == "" || p.Metric == "" {
			return nil, fmt.Errorf("%s: point %d: service and metric are required", path, i)
		}
		points[i] = analytics.LabelledPoint{
			DataPoint: anomaly.DataPoint{Timestamp: ts, Service: p.Service, Metric: p.Metric, Value: p.Value},
			Anomaly:   p.Anomaly,
		}
	}
	return points, nil
}

func dataPoints(points []analytics.LabelledPoint) []anomaly.DataPoint {
	out := make([]anomaly.DataPoint, len(points))
	for i, p := range points {
		out[i] = p.DataPoint
	}
	return out
}

// runBatch builds the stack, loads the batch file and hands both to fn.
func (a *app) runBatch(ctx context.Context, file string, restore bool, fn func(*components, []analytics.LabelledPoint) error) error {
	if file == "" {
		return errors.New("--file is required")
	}
	points, err := readBatch(file)
	if err != nil {
		return err
	}

	logger, err := a.newLogger()
	if err != nil {
		return err
	}
	defer logger.Close()

	c, err := buildComponents(ctx, a.cfg, logger.Logger, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if restore {
		c.restore(ctx, logger.Logger)
	}
	return fn(c, points)
}

func newTrainCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit pair models from a batch file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.runBatch(ctx, file, false, func(c *components, points []analytics.LabelledPoint) error {
				report := c.pipeline.Train(ctx, dataPoints(points))
				printTrainReport(a, report)
				if len(report.Trained) == 0 {
					return errors.New("no pair had enough samples to train")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON batch of data points")
	return cmd
}

func newDetectCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect anomalies in a batch file using persisted models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.runBatch(ctx, file, true, func(c *components, points []analytics.LabelledPoint) error {
				if c.engine.Registry().Len() == 0 {
					return errors.New("no trained models available; run train first")
				}
				result := c.pipeline.Ingest(ctx, dataPoints(points))
				return writeJSON(a, result)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON batch of data points")
	return cmd
}

func newEvaluateCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score labelled points against persisted models",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return a.runBatch(ctx, file, true, func(c *components, points []analytics.LabelledPoint) error {
				summary := c.pipeline.Evaluate(ctx, points)
				if summary.TotalPredictions == 0 {
					return errors.New("no labelled point matched a trained model")
				}
				return writeJSON(a, summary)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON batch of labelled data points")
	return cmd
}

func newTuneCmd(a *app) *cobra.Command {
	var file, labelledFile string
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Search isolation forest hyperparameters scored by F1 on labelled points",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" || labelledFile == "" {
				return errors.New("--file and --labelled are required")
			}
			train, err := readBatch(file)
			if err != nil {
				return err
			}
			labelled, err := readBatch(labelledFile)
			if err != nil {
				return err
			}

			logger, err := a.newLogger()
			if err != nil {
				return err
			}
			defer logger.Close()

			result, err := analytics.Tune(cmd.Context(), a.cfg.AnomalyConfig(), dataPoints(train), labelled,
				analytics.DefaultTuningGrid(), logger.Logger)
			if err != nil {
				return err
			}
			return writeJSON(a, result)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML or JSON batch of training points")
	cmd.Flags().StringVar(&labelledFile, "labelled", "", "YAML or JSON batch of labelled points to score against")
	return cmd
}

func printTrainReport(a *app, r anomaly.TrainReport) {
	fmt.Fprintf(a.stdout, "Run %s: trained %d pair(s)\n", r.RunID, len(r.Trained))
	for _, p := range r.Trained {
		line := "  trained " + p.String()
		if key, ok := r.Persisted[p]; ok {
			line += " -> " + key
		}
		fmt.Fprintln(a.stdout, line)
	}
	for _, p := range sortedPairs(r.Skipped) {
		fmt.Fprintf(a.stdout, "  skipped %s (%d samples)\n", p, r.Skipped[p])
	}
	for _, p := range sortedPairs(r.Failed) {
		fmt.Fprintf(a.stdout, "  failed  %s: %s\n", p, r.Failed[p])
	}
}

func sortedPairs[V any](m map[anomaly.Pair]V) []anomaly.Pair {
	pairs := make([]anomaly.Pair, 0, len(m))
	for p := range m {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

func writeJSON(a *app, v interface{}) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// logPoints is used by serve to log the size of an initial training file.
func logPoints(logger *zap.Logger, path string, points []analytics.LabelledPoint) {
	pairs := make(map[anomaly.Pair]struct{})
	for _, p := range points {
		pairs[p.Pair()] = struct{}{}
	}
	logger.Info("Loaded batch file",
		zap.String("path", path),
		zap.Int("points", len(points)),
		zap.Int("pairs", len(pairs)))
}
