// Command agenthost runs the agent host daemon: it supervises agent-CLI
// subprocesses over ACP, persists their event stream locally, and keeps
// one outbound websocket connection to the gateway (spec §4).
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sessionhub/sessionhub/internal/acplink"
	"github.com/sessionhub/sessionhub/internal/backendreg"
	"github.com/sessionhub/sessionhub/internal/eventlog"
	"github.com/sessionhub/sessionhub/internal/hostconfig"
	"github.com/sessionhub/sessionhub/internal/hostuplink"
	"github.com/sessionhub/sessionhub/internal/logging"
	"github.com/sessionhub/sessionhub/internal/supervisor"
	"github.com/sessionhub/sessionhub/internal/telemetry"
)

func main() {
	logging.Setup()
	logger := slog.Default()

	cfg, err := hostconfig.Load()
	if err != nil {
		logger.Error("load config failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:     cfg.TracingOTLP != "",
		ServiceName: "agenthost",
	})
	if err != nil {
		logger.Warn("tracer init failed, continuing without tracing", "error", err)
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}
	metrics := telemetry.NewMetrics("agenthost")

	backends, err := backendreg.Load(cfg.BackendRegistryPath, logger)
	if err != nil {
		logger.Error("load backend registry failed", "error", err)
		os.Exit(1)
	}
	defer backends.Close()

	log, err := eventlog.Open(cfg.EventLogPath)
	if err != nil {
		logger.Error("open event log failed", "error", err)
		os.Exit(1)
	}
	defer log.Close()

	pool := acplink.NewPool()
	defer pool.Drain()

	var up *hostuplink.Uplink
	sup := supervisor.New(supervisor.Config{
		HostID:       cfg.MachineID,
		Log:          log,
		Backends:     backends,
		Pool:         pool,
		Logger:       logger,
		DefaultShell: cfg.DefaultShell,
		DefaultRows:  cfg.DefaultRows,
		DefaultCols:  cfg.DefaultCols,
		OnSessionEvent: func(ev eventlog.Event) {
			metrics.RecordSessionEvent(string(ev.Kind))
			if up != nil {
				up.EmitSessionEvent(ev)
			}
		},
		OnSessionsChange: func(d supervisor.SessionsChangedDelta) {
			if up != nil {
				up.EmitSessionsChanged(d)
			}
		},
		OnAttachDetach: func(ad supervisor.AttachedDetached) {
			if up != nil {
				up.EmitAttachDetach(ad)
			}
		},
		OnPermission: func(sessionID, requestID string, params json.RawMessage) {
			if up != nil {
				up.EmitPermissionRequest(sessionID, requestID, params)
			}
		},
		OnPermissionDone: func(sessionID, requestID string, outcome supervisor.PermissionOutcome) {
			if up != nil {
				up.EmitPermissionDone(sessionID, requestID, outcome)
			}
		},
	})

	up = hostuplink.New(hostuplink.Config{
		GatewayURL:        cfg.GatewayURL,
		HostID:            cfg.MachineID,
		HostAPIKey:        cfg.HostAPIKey,
		ClientName:        cfg.ClientName,
		ClientVersion:     cfg.ClientVersion,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectMinDelay: cfg.ReconnectMinDelay,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		BrowsableRoots:    cfg.BrowsableRoots,
		Supervisor:        sup,
		Backends:          backends,
		Log:               log,
		Logger:            logger,
	})

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.MetricsPort),
		Handler: metrics.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("agenthost starting", "machine_id", cfg.MachineID, "gateway", cfg.GatewayURL)
	up.Run(ctx)

	_ = metricsServer.Shutdown(context.Background())
	logger.Info("agenthost stopped")
}
