package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the pull scheduler and the job workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, flush, err := opts.setup()
			if err != nil {
				return err
			}
			defer flush()
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

// serve blocks until ctx is cancelled, then drains the server and stops every dependency within
// the shutdown timeout.
func serve(ctx context.Context, cfg *config.Config, logger ectologger.Logger) error {
	shutdownTracing, err := tracing.Setup(ctx, cfg.AppName, cfg.OTLP())
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}

	a := newApp(cfg, logger)
	a.addCore(cfg.DatabaseMigrateOnStart)
	a.addAuth()
	if cfg.WorkerEnabled {
		a.addProcessor()
	}
	if cfg.SchedulerEnabled {
		a.addScheduler()
	}

	if err := a.startup.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = a.startup.Stop(stopCtx)
		_ = shutdownTracing(stopCtx)
		return err
	}

	checker := a.healthChecker()
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           a.newServer(checker),
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()
	checker.SetReady(true)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case runErr = <-serveErr:
		logger.WithError(runErr).Error("Server stopped unexpectedly")
	}
	checker.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to shut down server")
	}
	if err := a.startup.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to stop dependencies")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Error("Failed to flush traces")
	}

	logger.Info("Server stopped")
	return runErr
}
