package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sigelo/sigelo/backend/internal/config"
	"github.com/sigelo/sigelo/backend/internal/logging"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"github.com/sigelo/sigelo/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	built, err := buildComponents(signalCtx, appConfig, logger, registry)
	if err != nil {
		return err
	}
	defer built.Close()

	if built.redis != nil {
		relay, err := reporting.NewRedisRelay(built.redis, reporting.DefaultChannel, built.dispatcher, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := relay.Run(signalCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("invalidation relay stopped", zap.Error(err))
			}
		}()
	}

	deps := server.Dependencies{
		Sessions:         built.sessions,
		Members:          built.members,
		Connections:      built.tokens,
		Catalog:          built.catalog,
		Events:           built.dispatcher,
		Invalidator:      built.invalidator,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		AllowedOrigins:   appConfig.CORSAllowedOrigins,
		IntegrationsPath: appConfig.OAuth.IntegrationsPath,
		Logger:           logger,
	}
	if built.flow != nil {
		deps.Flow = built.flow
	}
	if built.reconciler != nil {
		deps.Syncer = built.reconciler
	}
	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
