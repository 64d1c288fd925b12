package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/server"
	"github.com/kubilitics/kubilitics-anomaly/internal/stream"
	"github.com/kubilitics/kubilitics-anomaly/internal/tracing"
)

func newServeCmd(a *app) *cobra.Command {
	var trainFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, metrics endpoint, event stream and gRPC health server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, trainFile)
		},
	}
	cmd.Flags().StringVar(&trainFile, "train-file", "", "batch file to train on before serving")
	return cmd
}

func (a *app) serve(ctx context.Context, trainFile string) error {
	cfg := a.cfg
	logger, err := a.newLogger()
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Logger

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRate:  cfg.Tracing.SampleRate,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	hub := stream.NewHub(stream.Options{
		QueueSize:      cfg.Stream.QueueSize,
		ClientBuffer:   cfg.Stream.ClientBuffer,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, log)
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-hub.Done()
	}()

	c, err := buildComponents(ctx, cfg, log, hub)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Training.RestoreOnStart {
		c.restore(ctx, log)
	}
	if trainFile != "" {
		points, err := readBatch(trainFile)
		if err != nil {
			return err
		}
		logPoints(log, trainFile, points)
		c.pipeline.Train(ctx, dataPoints(points))
	}

	opts := server.Options{
		Addr:               net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Pipeline:           c.pipeline,
		Stream:             hub,
		Gatherer:           c.registry,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		ShutdownTimeout:    time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second,
		Version:            Version,
		Logger:             log,
	}
	if cfg.Server.GRPCPort > 0 {
		opts.GRPCAddr = net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
	}
	if c.runs != nil {
		opts.Runs = c.runs
	}
	srv, err := server.New(opts)
	if err != nil {
		return err
	}

	c.pipeline.Start(ctx)
	defer c.pipeline.Stop()

	if err := srv.Start(); err != nil {
		return err
	}

	updates := a.mgr.Watch(ctx)
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case next := <-updates:
			if err := logger.SetLevel(next.Logging.Level); err != nil {
				log.Warn("Ignoring log level from reloaded config", zap.Error(err))
				continue
			}
			log.Info("Configuration reloaded", zap.String("log_level", next.Logging.Level))
		}
	}

	log.Info("Received shutdown signal")
	return srv.Stop(context.Background())
}
