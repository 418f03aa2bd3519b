package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gerswin/ripor/internal/agent"
	"github.com/gerswin/ripor/internal/capture"
	"github.com/gerswin/ripor/internal/config"
	"github.com/gerswin/ripor/internal/control"
	"github.com/gerswin/ripor/internal/logging"
	"github.com/gerswin/ripor/internal/metrics"
	"github.com/gerswin/ripor/internal/paths"
	"github.com/gerswin/ripor/internal/policy"
	"github.com/gerswin/ripor/internal/queue"
	"github.com/gerswin/ripor/internal/sampler"
	"github.com/gerswin/ripor/internal/shipper"
	"github.com/gerswin/ripor/internal/state"
	"github.com/gerswin/ripor/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "agent.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("agent failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	p, err := paths.New()
	if err != nil {
		return err
	}
	closeLogs, err := logging.Setup(p.LogsDir(), cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer closeLogs()

	st, err := state.LoadOrInit(p, agent.Version)
	if err != nil {
		return err
	}
	slog.Info("starting ripor agent",
		"version", agent.Version,
		"device_id", st.DeviceID,
		"panel", cfg.PanelAddr,
		"shipping", cfg.ShippingConfigured(),
	)

	key, err := p.LoadOrCreateKey()
	if err != nil {
		return err
	}
	q, err := queue.Open(p.QueueDB(), key, []byte(st.DeviceID))
	if err != nil {
		return err
	}
	defer q.Close()

	rt := agent.NewRuntime()
	policies := policy.NewRuntime(policy.Load(p))
	counters := &policy.DropCounters{}
	drops := policy.NewDropLog(policy.DefaultDropLogCap)

	tp, err := telemetry.NewProvider(telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
		tp, _ = telemetry.NewProvider(telemetry.Config{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewHandle()
	go m.Run(ctx)

	go func() {
		if err := policy.Watch(ctx, p, policies); err != nil {
			slog.Warn("policy watcher unavailable", "error", err)
		}
	}()

	promptPermissionsEarly(cfg)

	loop := capture.New(rt, policies, counters, drops, q, sampler.Once)
	go loop.Run(ctx)

	var refreshPolicy func()
	if cfg.ShippingConfigured() {
		client, err := shipper.NewClient(cfg.APIBaseURL, cfg.OrgID, cfg.UserEmail, p, st, tp.Tracer(), cfg.DebugIngest)
		if err != nil {
			return err
		}
		go shipper.NewShipper(client, q, cfg.OrgID, cfg.UserEmail, cfg.IdleActiveThresholdMs).Run(ctx)
		go shipper.NewHeartbeat(client, rt, cfg.IdleActiveThresholdMs).Run(ctx)

		fetcher := shipper.NewPolicyFetcher(client, p, policies)
		refreshPolicy = fetcher.Refresh
		go fetcher.Run(ctx)
	} else {
		slog.Info("remote API not configured; shipper, heartbeat and policy loops idle")
	}

	handler := control.New(rt, policies, counters, drops, q, m, st, p,
		cfg.IdleActiveThresholdMs, refreshPolicy, cfg.PanelDir)
	server := &http.Server{
		Addr:         cfg.PanelAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // /state/stream holds the connection open
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("control plane listening", "addr", cfg.PanelAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("control server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
	}

	// The queue is durable; no drain on shutdown.
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("control server shutdown", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown", "error", err)
	}
	slog.Info("agent stopped")
	return nil
}

// promptPermissionsEarly asks for the OS permissions on first run so title
// capture works without a visit to the panel. RIPOR_NO_AUTO_PROMPT=1
// disables it.
func promptPermissionsEarly(cfg *config.Config) {
	perms := sampler.CheckPermissions()
	if perms.Unsupported || (perms.AccessibilityOK && perms.ScreenRecordingOK) {
		return
	}
	slog.Info("OS permissions incomplete; title capture may be degraded", "perms", perms)
	if cfg.NoAutoPrompt {
		slog.Info("auto prompt disabled")
		return
	}
	sampler.PromptPermissions()
	go func() {
		time.Sleep(15 * time.Second)
		slog.Info("permission recheck", "perms", sampler.CheckPermissions())
	}()
}
