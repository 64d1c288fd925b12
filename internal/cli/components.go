package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/analytics"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-anomaly/internal/analytics/evaluation"
	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/llm/openai"
	"github.com/kubilitics/kubilitics-anomaly/internal/metrics"
	"github.com/kubilitics/kubilitics-anomaly/internal/modelstore"
	"github.com/kubilitics/kubilitics-anomaly/internal/remediation"
	"github.com/kubilitics/kubilitics-anomaly/internal/tracking"
)

// components is the wired detection stack shared by every subcommand.
type components struct {
	store    anomaly.ModelStore // nil when storage is "none"
	runs     *tracking.Store    // nil when tracking is disabled
	registry *prometheus.Registry
	engine   *anomaly.Engine
	pipeline *analytics.Pipeline
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger, publisher analytics.Publisher) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	if c.store, err = openModelStore(ctx, cfg); err != nil {
		return nil, err
	}
	if c.runs, err = openTracking(cfg); err != nil {
		return nil, err
	}

	var tracker anomaly.ExperimentTracker
	var sink analytics.AnomalySink
	if c.runs != nil {
		tracker, sink = c.runs, c.runs
	}

	c.engine, err = anomaly.NewEngine(cfg.AnomalyConfig(), c.store, tracker, logger)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	table := remediation.DefaultTable()
	if path := cfg.Remediation.TemplatesFile; path != "" {
		if table, err = remediation.LoadTable(path); err != nil {
			c.Close()
			return nil, fmt.Errorf("load remediation templates: %w", err)
		}
	}

	c.pipeline = analytics.NewPipeline(c.engine, cfg.PipelineConfig(), analytics.Deps{
		Exporter:  metrics.NewExporter(c.registry),
		Selector:  remediation.NewSelector(table, logger),
		Advisor:   newAdvisor(cfg, logger),
		Sink:      sink,
		Publisher: publisher,
		Evaluator: evaluation.NewEvaluator(logger),
		Logger:    logger,
	})
	return c, nil
}

// newAdvisor returns the remediation advisor, or nil when it is disabled or
// cannot be created. A missing API key only disables suggestions.
func newAdvisor(cfg *config.Config, logger *zap.Logger) *remediation.Advisor {
	adv := cfg.Remediation.Advisor
	if !adv.Enabled {
		return nil
	}
	client, err := openai.NewClient(openai.Config{
		APIKey:      os.Getenv(adv.APIKeyEnv),
		Model:       adv.Model,
		BaseURL:     adv.BaseURL,
		MaxTokens:   adv.MaxTokens,
		Temperature: adv.Temperature,
		Timeout:     time.Duration(adv.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		logger.Warn("Remediation advisor disabled",
			zap.String("api_key_env", adv.APIKeyEnv), zap.Error(err))
		return nil
	}
	logger.Info("Remediation advisor enabled", zap.String("model", client.Model()))
	return remediation.NewAdvisor(client, remediation.AdvisorOptions{
		CacheTTL:  time.Duration(adv.CacheTTLSeconds) * time.Second,
		CacheSize: adv.CacheSize,
		Timeout:   time.Duration(adv.TimeoutSeconds) * time.Second,
	}, logger)
}

// restore loads every persisted model. It is a no-op without a model store.
func (c *components) restore(ctx context.Context, logger *zap.Logger) {
	if c.store == nil {
		return
	}
	n, err := c.engine.Registry().RestoreAll(ctx)
	if err != nil {
		logger.Warn("Some models could not be restored", zap.Int("restored", n), zap.Error(err))
		return
	}
	logger.Info("Restored models", zap.Int("count", n))
}

func (c *components) Close() error {
	if c.runs != nil {
		return c.runs.Close()
	}
	return nil
}

func openModelStore(ctx context.Context, cfg *config.Config) (anomaly.ModelStore, error) {
	switch cfg.Storage.Type {
	case config.StorageFile:
		fs, err := modelstore.NewFileStore(cfg.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("open model store: %w", err)
		}
		return fs, nil
	case config.StorageS3:
		s3cfg := cfg.Storage.S3
		st, err := modelstore.NewS3Store(ctx, modelstore.S3Config{
			Bucket:          s3cfg.Bucket,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			Prefix:          s3cfg.Prefix,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("open s3 model store: %w", err)
		}
		return st, nil
	case config.StorageNone:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}

func openTracking(cfg *config.Config) (*tracking.Store, error) {
	switch cfg.Tracking.Type {
	case config.TrackingSQLite:
		path := cfg.Tracking.SQLitePath
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create tracking dir: %w", err)
			}
		}
		return tracking.Open(tracking.DriverSQLite, path)
	case config.TrackingPostgres:
		if cfg.Tracking.PostgresURL == "" {
			return nil, errors.New("tracking.postgres_url is required for postgres tracking")
		}
		return tracking.Open(tracking.DriverPostgres, cfg.Tracking.PostgresURL)
	case config.TrackingDisabled:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown tracking type %q", cfg.Tracking.Type)
}
