package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/actiongate/internal/approval"
	"github.com/jkaninda/actiongate/internal/config"
	"github.com/jkaninda/actiongate/internal/gateway"
	"github.com/jkaninda/actiongate/internal/gateway/cli"
	"github.com/jkaninda/actiongate/internal/gateway/httpapi"
	"github.com/jkaninda/actiongate/internal/gateway/ws"
	"github.com/jkaninda/actiongate/internal/ratelimit"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateways (HTTP API, reviewer WebSocket, console)",
	RunE:  runServe,
}

func init() {
	// Registered on both root and serve so that `actiongate --port :8080`
	// and `actiongate serve --port :8080` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts every enabled gateway and blocks until a shutdown signal.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	logger := newLogger(cfg, os.Stderr)
	logger.Info("starting actiongate", slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger, sharedOptions{})
	defer sc.Cleanup()
	if err != nil {
		return err
	}

	// Approval expiry sweep and run retention share one schedule.
	janitor, err := approval.NewJanitor(sc.Approvals, cfg.Approval.Schedule(), cfg.Approval.RetainResolved(), logger)
	if err != nil {
		return err
	}
	janitor.AddTask("purge_runs", sc.Pipeline.PurgeFinished)
	stopJanitor := janitor.Start()
	defer stopJanitor()

	gateways, err := buildGateways(cfg, sc)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// buildGateways constructs every enabled gateway. The reviewer WebSocket is
// mounted on the HTTP gateway, so it requires it.
func buildGateways(cfg *config.Config, sc *Components) ([]gateway.Gateway, error) {
	var gws []gateway.Gateway
	gwCfg := cfg.Gateways
	logger := sc.Logger

	// Default to the console if no gateways section is configured.
	if gwCfg.CLI == nil && gwCfg.HTTP == nil && gwCfg.WebSocket == nil {
		gws = append(gws, newConsole(sc))
		logger.Debug("gateway enabled", slog.String("type", "cli"), slog.String("reason", "default"))
		return gws, nil
	}

	if gwCfg.CLI != nil && gwCfg.CLI.Enabled {
		if cfg.Approval.ProviderName() == "console" {
			logger.Warn("console approval provider and cli gateway both read stdin")
		}
		gws = append(gws, newConsole(sc))
		logger.Debug("gateway enabled", slog.String("type", "cli"))
	}

	wsEnabled := gwCfg.WebSocket != nil && gwCfg.WebSocket.Enabled
	if gwCfg.HTTP == nil || !gwCfg.HTTP.Enabled {
		if wsEnabled {
			return nil, fmt.Errorf("gateways.websocket requires gateways.http to be enabled")
		}
		return gws, nil
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: gwCfg.HTTP.RateLimit.RequestsPerMinute,
		BurstSize:         gwCfg.HTTP.RateLimit.BurstSize,
	})

	// API key → user ID mapping from config plus env override.
	apiKeys := make(map[string]string, len(gwCfg.HTTP.APIKeyUserMapping))
	for k, v := range gwCfg.HTTP.APIKeyUserMapping {
		apiKeys[k] = v
	}
	if envKeys := os.Getenv("ACTIONGATE_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     gwCfg.HTTP.ListenAddr,
		EnableDocs:     gwCfg.HTTP.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		httpCfg.Tracer = sc.Obs.Tracer
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}
	httpGW := httpapi.NewGateway(httpCfg, sc.Pipeline, limiter, logger).
		WithApprovals(sc.Approvals).
		WithCustomers(sc.Customers)

	if wsEnabled {
		wsServer := ws.NewServer(sc.Approvals, gwCfg.WebSocket, logger)
		sc.Approvals.WithNotifier(wsServer)
		httpGW.WithHandler(gwCfg.WebSocket.WSPath(), wsServer.Handler())
		logger.Debug("reviewer websocket mounted on http gateway",
			slog.String("path", gwCfg.WebSocket.WSPath()),
		)
	}

	gws = append(gws, httpGW)
	logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", gwCfg.HTTP.ListenAddr),
		slog.Bool("websocket", wsEnabled),
	)
	return gws, nil
}

func newConsole(sc *Components) *cli.Gateway {
	console := cli.NewGateway(sc.Pipeline, sc.Approvals, os.Stdin, os.Stdout, sc.Logger)
	sc.Approvals.WithNotifier(console)
	return console
}
