// Command gateway runs the gateway daemon: it authenticates agent hosts
// and web clients, keeps the Client Registry, routes client requests to
// the correct host, and fans session events back out to client rooms
// (spec §4).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sessionhub/sessionhub/internal/fanout"
	"github.com/sessionhub/sessionhub/internal/gwauth"
	"github.com/sessionhub/sessionhub/internal/gwconfig"
	"github.com/sessionhub/sessionhub/internal/gwserver"
	"github.com/sessionhub/sessionhub/internal/idp"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/internal/registry"
	"github.com/sessionhub/sessionhub/internal/router"
	"github.com/sessionhub/sessionhub/internal/telemetry"
)

func main() {
	logging.Setup()
	logger := slog.Default()

	cfg, err := gwconfig.Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:     cfg.TracingOTLP != "",
		ServiceName: "gateway",
	})
	if err != nil {
		logger.Warn("tracer init failed, continuing without tracing", "error", err)
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}
	metrics := telemetry.NewMetrics("gateway")

	idpClient := idp.New(cfg.IDPBaseURL)

	jwtValidator, err := gwauth.NewJWTValidator(ctx, cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
	if err != nil {
		logger.Warn("jwt validator init failed, falling back to identity provider session calls", "error", err)
	}

	auth := gwauth.New(gwauth.Config{
		IDP:           idpClient,
		JWT:           jwtValidator,
		CookieName:    cfg.CookieName,
		SessionTTL:    cfg.SessionTTL,
		SessionCacheN: cfg.SessionCacheSize,
	})

	reg := registry.New()
	rt := router.New(reg)
	rooms := fanout.NewRooms(logger)
	fan := fanout.New(rooms, reg)

	srv := gwserver.New(gwserver.Config{
		Auth:              auth,
		Registry:          reg,
		Router:            rt,
		Rooms:             rooms,
		Fanout:            fan,
		Metrics:           metrics,
		Logger:            logger,
		AllowedOrigins:    cfg.AllowedOrigins,
		WSReadBufferSize:  cfg.WSReadBufferSize,
		WSWriteBufferSize: cfg.WSWriteBufferSize,
	})

	httpServer := &http.Server{
		Addr:         cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	go func() {
		logger.Info("gateway starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("gateway stopped")
}
