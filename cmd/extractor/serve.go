package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	httpAdapter "github.com/cwygoda/extractor/internal/adapter/http"
	"github.com/cwygoda/extractor/internal/config"
	"github.com/cwygoda/extractor/internal/domain"
	"github.com/cwygoda/extractor/internal/logging"
	"github.com/cwygoda/extractor/internal/worker"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool and cleanup sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	logger.WithFields(logrus.Fields{
		"addr":       cfg.Addr(),
		"database":   cfg.Storage.DBPath,
		"uploads":    cfg.Storage.UploadsDir,
		"results":    cfg.Storage.ResultsDir,
		"max_upload": humanize.IBytes(uint64(cfg.MaxUploadBytes())),
	}).Info("starting extractor")

	c, err := openComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	pool := worker.New(c.repo, c.registry, c.results, c.stager, logging.Component(logger, "pool"),
		worker.WithWorkers(cfg.Pool.Size),
		worker.WithQueueSize(cfg.Pool.QueueSize),
		worker.WithJobTimeout(cfg.Pool.JobTimeout.Duration),
		worker.WithHeartbeat(cfg.Pool.Heartbeat.Duration),
	)
	svc := domain.NewJobService(c.repo, pool, c.results)

	pool.Start()
	rep, err := svc.Recover(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to recover jobs from previous run")
	} else if rep != (domain.RecoveryReport{}) {
		logger.WithFields(logrus.Fields{"failed": rep.Failed, "requeued": rep.Requeued}).Info("recovered jobs from previous run")
	}

	sweeper := worker.NewSweeper(svc, c.repo, c.results, c.stager, sweepConfig(cfg), logging.Component(logger, "sweeper"))
	srv := httpAdapter.NewServer(svc, c.stager, pool, c.registry.Formats(), cfg.Addr(), logging.Component(logger, "http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", srv.Addr()).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP server shutdown incomplete")
		}
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("worker pool shutdown incomplete")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func sweepConfig(cfg *config.Config) worker.SweepConfig {
	return worker.SweepConfig{
		Retention:        cfg.Cleanup.Retention.Duration,
		StaleAfter:       cfg.Cleanup.StaleAfter.Duration,
		UploadsRetention: cfg.Cleanup.UploadsRetention.Duration,
	}
}
