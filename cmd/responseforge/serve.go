package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/oklog/run"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lvonguyen/responseforge/internal/api"
	"github.com/lvonguyen/responseforge/internal/api/gateway"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the response API",
	Long: `Serve the response engine over HTTP.

Endpoints:
- POST /api/v1/plan and /api/v1/respond
- GET /api/v1/approvals, POST /api/v1/approvals/{actionID}/approve|deny
- Prometheus metrics on /metrics
- Health checks on /health and /ready`,
	Example: `  responseforge serve
  responseforge serve --config configs/config.yaml --port 9090`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Override the configured HTTP port")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()
	logger := eng.logger

	var limiter *gateway.RateLimiter
	if cfg.RateLimit.Enabled {
		var scripter redis.Scripter
		if eng.redis != nil {
			scripter = eng.redis
		}
		limiter = gateway.NewRateLimiter(scripter, gateway.RateLimitConfig{
			Requests:       cfg.RateLimit.Requests,
			Window:         cfg.RateLimit.Window,
			Burst:          cfg.RateLimit.Burst,
			IncludeHeaders: true,
		}, logger.Named("ratelimit"), eng.telemetry.Metrics())
	}

	srv, err := api.NewServer(api.Options{
		Responder:         eng.responder,
		Approvals:         eng.approvals,
		Catalog:           eng.catalog,
		Execution:         eng.executionDefaults(),
		Ready:             eng.ready,
		MetricsHandler:    eng.telemetry.MetricsHandler(),
		RateLimiter:       limiter,
		RequestTimeout:    cfg.Server.WriteTimeout,
		Version:           Version,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		Logger:            logger.Named("api"),
		Metrics:           eng.telemetry.Metrics(),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	eng.telemetry.StartSystemMetricsCollector(ctx)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	g.Add(func() error {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown error", zap.Error(err))
		}
	})
	if limiter != nil {
		limCtx, limCancel := context.WithCancel(ctx)
		g.Add(func() error {
			if err := limiter.Run(limCtx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		}, func(error) {
			limCancel()
		})
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) {
		logger.Info("Received signal, shutting down", zap.String("signal", sig.Signal.String()))
		err = nil
	}
	logger.Info("Server stopped")
	return err
}
