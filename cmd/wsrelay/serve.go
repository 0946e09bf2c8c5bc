package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/cyberinferno/wsrelay/cacher"
	"github.com/cyberinferno/wsrelay/config"
	"github.com/cyberinferno/wsrelay/dispatch"
	"github.com/cyberinferno/wsrelay/idgenerator"
	"github.com/cyberinferno/wsrelay/logger"
	"github.com/cyberinferno/wsrelay/metrics"
	"github.com/cyberinferno/wsrelay/registry"
	"github.com/cyberinferno/wsrelay/relay"
	"github.com/cyberinferno/wsrelay/router"
	"github.com/cyberinferno/wsrelay/server"
	"github.com/cyberinferno/wsrelay/wsconn"
)

type serveFlags struct {
	envFile       string
	addr          string
	wsPath        string
	logLevel      string
	rateLimit     float64
	replay        bool
	verboseErrors bool
}

func serveCmd() *cobra.Command {
	var f serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadServeConfig(cmd, f)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, f.verboseErrors)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.envFile, "env-file", ".env", "Path to a .env file (missing is fine)")
	flags.StringVar(&f.addr, "addr", "", "Listen address (overrides WSRELAY_ADDR)")
	flags.StringVar(&f.wsPath, "ws-path", "", "WebSocket upgrade path (overrides WSRELAY_WS_PATH)")
	flags.StringVar(&f.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	flags.Float64Var(&f.rateLimit, "rate-limit", 0, "Per-session messages per second, 0 disables (overrides WSRELAY_RATE_LIMIT)")
	flags.BoolVar(&f.replay, "replay", false, "Replay the last broadcast to new sessions (overrides WSRELAY_REPLAY_LAST)")
	flags.BoolVar(&f.verboseErrors, "verbose-errors", false, "Include full decoder errors in replies to malformed input")

	return cmd
}

// loadServeConfig loads the environment and applies the flags that were set.
func loadServeConfig(cmd *cobra.Command, f serveFlags) (*config.Config, error) {
	cfg, err := config.Load(f.envFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = f.addr
	}
	if flags.Changed("ws-path") {
		cfg.WSPath = f.wsPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if flags.Changed("rate-limit") {
		cfg.RateLimit = f.rateLimit
	}
	if flags.Changed("replay") {
		cfg.ReplayLast = f.replay
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	if cfg.LogDir != "" {
		return logger.NewZerologFileLogger(cfg.ServiceName, cfg.LogDir, level)
	}

	return logger.NewZerologLogger(os.Stdout, cfg.ServiceName, level), nil
}

// buildServer wires the relay components described by cfg.
//
// Parameters:
//   - cfg: A validated configuration
//   - log: Logger shared by every component
//   - verboseErrors: Include full decoder errors in replies
//
// Returns:
//   - A stopped Server
//   - An error if cfg names an unknown id strategy
func buildServer(cfg *config.Config, log logger.Logger, verboseErrors bool) (*server.Server, error) {
	ids, err := idgenerator.New(cfg.IDStrategy)
	if err != nil {
		return nil, err
	}

	reg := registry.New()

	dispatchOpts := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithMaxConcurrentWrites(cfg.MaxConcurrentWrites),
		dispatch.WithTracer(otel.Tracer(cfg.ServiceName)),
	}
	relayOpts := []relay.Option{
		relay.WithLogger(log),
		relay.WithIDGenerator(ids),
		relay.WithWriteTimeout(cfg.WriteTimeout),
		relay.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
	}
	serverOpts := []server.Option{
		server.WithLogger(log),
		server.WithName(cfg.ServiceName),
		server.WithWSPath(cfg.WSPath),
		server.WithShutdownTimeout(cfg.ShutdownTimeout),
		server.WithConnOptions(
			wsconn.WithMaxMessageSize(cfg.MaxMessageSize),
			wsconn.WithIdleTimeout(cfg.IdleTimeout),
		),
	}

	if len(cfg.AllowedOrigins) > 0 {
		serverOpts = append(serverOpts, server.WithCheckOrigin(server.OriginChecker(cfg.AllowedOrigins)))
	}

	if cfg.Metrics {
		m := metrics.New()
		dispatchOpts = append(dispatchOpts, dispatch.WithRecorder(m))
		relayOpts = append(relayOpts, relay.WithObserver(m))
		serverOpts = append(serverOpts, server.WithMetricsHandler(m.Handler()))
	}

	if cfg.ReplayLast {
		store := cacher.NewMemoryCacher(cfg.ReplayTTL, time.Minute)
		relayOpts = append(relayOpts, relay.WithReplay(store, cfg.ReplayTTL))
	}

	r := relay.New(reg, router.New(router.WithVerboseErrors(verboseErrors)), dispatch.New(reg, dispatchOpts...), relayOpts...)

	return server.New(cfg.Addr, r, serverOpts...), nil
}

func runServe(ctx context.Context, cfg *config.Config, verboseErrors bool) error {
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	srv, err := buildServer(cfg, log, verboseErrors)
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return fmt.Errorf("start relay: %w", err)
	}

	<-ctx.Done()
	log.Info("shutdown_requested")
	srv.Stop()

	return nil
}
