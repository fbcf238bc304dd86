package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/smilit/proxycast-sub002/internal/backend/kiro"
	"github.com/smilit/proxycast-sub002/internal/config"
	"github.com/smilit/proxycast-sub002/internal/credentials"
	"github.com/smilit/proxycast-sub002/internal/frontdoor"
	"github.com/smilit/proxycast-sub002/internal/gateway"
	"github.com/smilit/proxycast-sub002/internal/resilience"
	"github.com/smilit/proxycast-sub002/internal/server"
	"github.com/smilit/proxycast-sub002/internal/telemetry"
	"github.com/smilit/proxycast-sub002/internal/tokens"
	"github.com/smilit/proxycast-sub002/internal/transport"
)

const rootLongDesc = `proxycast-gateway serves the Anthropic Messages and OpenAI Chat
Completions APIs on top of a CodeWhisperer-style streaming backend.

Configuration is read from a YAML file and PROXYCAST_ environment
variables, e.g. PROXYCAST_SERVER__PORT=9090.`

type rootCommander struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	cmder := &rootCommander{}

	cmd := &cobra.Command{
		Use:           "proxycast-gateway",
		Short:         "Protocol-translating LLM gateway",
		Long:          rootLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cmder.run(ctx)
		},
	}

	cmd.PersistentFlags().StringVarP(&cmder.configPath, "config", "c", config.DefaultPath, "Path to the config file")
	cmd.PersistentFlags().BoolVarP(&cmder.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(newModelsCmd(cmder))
	return cmd
}

func (c *rootCommander) run(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.debug {
		cfg.Logging.Level = "debug"
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	if cfg.Telemetry.Tracing {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, os.Stderr, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	srv, err := build(cfg, logger)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// build wires configuration into a ready-to-start server.
func build(cfg *config.Config, logger *slog.Logger) (*server.Server, error) {
	pool, err := credentials.LoadPool(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	if len(cfg.Credentials) == 0 {
		logger.Warn("no backend credentials configured; completion requests will fail")
	}

	transports, err := transport.NewFactory(transport.Options{
		GlobalProxy:    cfg.Proxy.URL,
		ConnectTimeout: cfg.Proxy.ConnectTimeout,
		HeaderTimeout:  cfg.Proxy.HeaderTimeout,
	})
	if err != nil {
		return nil, err
	}
	if creds, err := pool.Credentials(context.Background()); err == nil {
		if err := transports.Validate(creds); err != nil {
			return nil, err
		}
	}

	logObserver := telemetry.NewLogObserver(logger)
	machineOpts := []resilience.Option{
		resilience.WithObserver(logObserver),
		resilience.WithObserver(telemetry.SpanObserver{}),
	}
	gatewayOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithCallObserver(logObserver),
		gateway.WithCallObserver(telemetry.SpanObserver{}),
	}

	var opts server.Options
	if cfg.Telemetry.Metrics {
		metrics := telemetry.NewMetrics()
		machineOpts = append(machineOpts, resilience.WithObserver(metrics))
		gatewayOpts = append(gatewayOpts, gateway.WithCallObserver(metrics))
		opts.Metrics = metrics.Handler()
	}

	machine := resilience.NewMachine(resilience.FromSettings(cfg.Resilience), machineOpts...)
	client := kiro.NewClient(
		kiro.WithBaseURL(cfg.Backend.Endpoint()),
		kiro.WithUserAgent(cfg.Backend.UserAgent),
	)
	svc := gateway.New(client, pool, transports, machine, gatewayOpts...)

	hashes := make([]string, 0, len(cfg.Server.APIKeys))
	for _, k := range cfg.Server.APIKeys {
		hashes = append(hashes, k.KeyHash)
	}
	opts.Authenticator, err = server.NewAuthenticator(hashes)
	if err != nil {
		return nil, fmt.Errorf("invalid server.api_keys: %w", err)
	}
	if opts.Authenticator == nil {
		logger.Warn("no API keys configured; /v1 routes are unauthenticated")
	}
	opts.RequestTimeout = cfg.Server.RequestTimeout
	opts.ServiceName = cfg.Telemetry.ServiceName

	srv := server.New(cfg.Server.Port, logger, opts)
	frontdoor.Mount(srv.API, frontdoor.Handlers(frontdoor.HandlerConfig{
		Service: svc,
		Models:  kiro.NewModelMap(cfg.Backend.Models),
		Tokens:  tokens.NewDefaultRegistry(),
		Logger:  logger,
		Created: time.Now(),
	}))
	return srv, nil
}

func newLogger(w io.Writer, cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func newModelsCmd(root *rootCommander) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "Print the client model names and the backend IDs they map to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			models := kiro.NewModelMap(cfg.Backend.Models)
			out := cmd.OutOrStdout()
			for _, name := range models.Models() {
				fmt.Fprintf(out, "%-32s %s\n", name, models.Resolve(name))
			}
			return nil
		},
	}
}
