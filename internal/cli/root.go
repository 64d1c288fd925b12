// Package cli implements the anomalyd command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/logging"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type app struct {
	configPath string
	logLevel   string

	mgr    config.ConfigManager
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand returns the anomalyd root command.
func NewRootCommand() *cobra.Command {
	return newRootCommand(os.Stdout, os.Stderr)
}

// NewRootCommandWithIO is NewRootCommand with explicit output streams.
func NewRootCommandWithIO(out, errOut io.Writer) *cobra.Command {
	return newRootCommand(out, errOut)
}

func newRootCommand(out, errOut io.Writer) *cobra.Command {
	a := &app{stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "anomalyd",
		Short:         "Per-service metric anomaly detection",
		Long:          "anomalyd trains an isolation forest per (service, metric) pair, flags anomalous observations, grades their severity and suggests a remediation.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig(cmd.Context())
		},
	}
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultConfigPath, "path to the configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newServeCmd(a),
		newTrainCmd(a),
		newDetectCmd(a),
		newEvaluateCmd(a),
		newTuneCmd(a),
	)
	return cmd
}

func (a *app) loadConfig(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := mgr.Get(ctx)
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %v", errs[0])
	}
	a.mgr, a.cfg = mgr, cfg
	return nil
}

func (a *app) newLogger() (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:      a.cfg.Logging.Level,
		Format:     a.cfg.Logging.Format,
		File:       a.cfg.Logging.File,
		MaxSizeMB:  a.cfg.Logging.MaxSizeMB,
		MaxBackups: a.cfg.Logging.MaxBackups,
		MaxAgeDays: a.cfg.Logging.MaxAgeDays,
		Compress:   true,
	})
}
