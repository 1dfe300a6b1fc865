// Package main runs the flow runtime: it loads the configured storage,
// registers the built-in node types, starts the persisted flows and serves
// the admin API until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/nodeflow/api"
	"github.com/c360/nodeflow/comms"
	"github.com/c360/nodeflow/config"
	"github.com/c360/nodeflow/credentials"
	"github.com/c360/nodeflow/flows"
	"github.com/c360/nodeflow/health"
	"github.com/c360/nodeflow/loader"
	"github.com/c360/nodeflow/metric"
	"github.com/c360/nodeflow/natsclient"
	"github.com/c360/nodeflow/nodes"
	"github.com/c360/nodeflow/pkg/tlsutil"
	"github.com/c360/nodeflow/registry"
	"github.com/c360/nodeflow/storage"
	"github.com/c360/nodeflow/storage/file"
	"github.com/c360/nodeflow/storage/memory"
	"github.com/c360/nodeflow/storage/natskv"
	"github.com/c360/nodeflow/storage/redisstore"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nodeflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		_, _ = fmt.Fprintf(stdout, "%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		_, _ = fmt.Fprintln(stdout, "Configuration is valid")
		return nil
	}

	logger := setupLogger(stdout, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	logger.Info("Starting nodeflow", "build_time", BuildTime, "config_path", cli.ConfigPath, "config", cfg.String())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx, cli.ShutdownTimeout)
}

// loadConfig merges the defaults, the optional file, the environment and
// the command line overrides, in that order.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cl := config.NewLoader()
	if cli.ConfigPath != "" {
		cl.AddLayer(cli.ConfigPath)
	}
	cfg, err := cl.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		cfg.Log.Format = cli.LogFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app is the wired runtime.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	nats      *natsclient.Client
	store     storage.Store
	manager   *flows.Manager
	hub       *comms.Hub
	events    *comms.Async
	apiServer *http.Server
	metrics   *metric.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	metricsRegistry := metric.NewMetricsRegistry()
	core := metricsRegistry.CoreMetrics()

	if len(cfg.NATS.URLs) > 0 {
		client, err := connectNATS(ctx, cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		a.nats = client
	}

	store, err := openStore(ctx, cfg, a.nats)
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Mode, err)
	}
	a.store = store
	rt := storage.NewRuntime(store, logger)
	rt.SetMetrics(core)

	reg := registry.New(registry.WithStateStore(rt), registry.WithLogger(logger))
	results := loader.New(reg, logger).Load(ctx, nodes.Module(nodes.Options{LinkTimeout: cfg.Runtime.LinkCallTimeout}))
	for _, res := range results {
		if !res.OK() {
			logger.Warn("Node set unavailable", "set", res.ID, "error", res.Err)
		}
	}

	a.hub = comms.NewHub(logger, core)
	sinks := []comms.Sink{a.hub}
	if a.nats != nil && cfg.NATS.EventsSubject != "" {
		pub := comms.NewNATSPublisher(a.nats, cfg.NATS.EventsSubject, logger, core)
		async, err := comms.NewAsync(pub, "nats_events", metricsRegistry, logger)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("create NATS event sink: %w", err)
		}
		if err := async.Start(context.Background()); err != nil {
			a.close(ctx)
			return nil, err
		}
		a.events = async
		sinks = append(sinks, async)
	}

	creds := credentials.NewStore(rt, reg.CredentialSchema, logger)
	a.manager = flows.NewManager(rt, reg, creds,
		flows.WithLogger(logger),
		flows.WithEventSink(comms.NewFanout(sinks...)),
		flows.WithMetrics(metricsRegistry),
		flows.WithConfig(flows.Config{
			StopTimeout:   cfg.Runtime.StopTimeout,
			MaxCatchDepth: cfg.Runtime.MaxCatchDepth,
		}))
	reg.SetUsageChecker(a.manager)

	monitor := health.NewMonitor()
	if a.nats != nil {
		client := a.nats
		monitor.Register("nats", health.CheckerFunc(func() health.Status {
			if client.IsHealthy() {
				return health.NewHealthy("nats", client.Status().String())
			}
			return health.NewDegraded("nats", client.Status().String())
		}))
	}

	handler := api.NewServer(a.manager, reg,
		api.WithLogger(logger),
		api.WithMetrics(core),
		api.WithHealth(monitor),
		api.WithComms(cfg.HTTP.CommsPath, a.hub))
	tlsConfig, err := tlsutil.LoadServerConfig(cfg.HTTP.TLS)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	a.apiServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
	}
	return a, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithClientName(appName),
	}
	if cfg.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.MaxReconnects))
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(cfg.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	logger.Info("Connecting to NATS", "url", cfg.URLs[0])
	if err := client.Connect(connCtx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return client, nil
}

func openStore(ctx context.Context, cfg *config.Config, client *natsclient.Client) (storage.Store, error) {
	switch cfg.Storage.Mode {
	case config.StorageModeFile:
		return file.New(cfg.Storage.File)
	case config.StorageModeNATS:
		return natskv.New(ctx, client, cfg.Storage.NATS)
	case config.StorageModeRedis:
		return redisstore.New(ctx, cfg.Storage.Redis)
	default:
		return memory.New(), nil
	}
}

func (a *app) run(ctx context.Context, shutdownTimeout time.Duration) error {
	report, err := a.manager.Load(ctx)
	if err != nil {
		a.close(context.Background())
		return fmt.Errorf("start flows: %w", err)
	}
	a.logger.Info("Flows started", "rev", report.Rev, "nodes", len(report.Started),
		"failed", len(report.Failed), "missing", report.MissingTypes())

	errCh := make(chan error, 2)
	go func() {
		a.logger.Info("Admin API listening", "addr", a.apiServer.Addr, "tls", a.apiServer.TLSConfig != nil)
		var err error
		if a.apiServer.TLSConfig != nil {
			err = a.apiServer.ListenAndServeTLS("", "")
		} else {
			err = a.apiServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin API: %w", err)
		}
	}()
	if a.metrics != nil {
		go func() {
			a.logger.Info("Metrics listening", "addr", a.metrics.Address())
			if err := a.metrics.Start(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
	case runErr = <-errCh:
		a.logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("graceful shutdown failed: %w", err)
	}
	a.logger.Info("nodeflow shutdown complete")
	return runErr
}

// shutdown stops the flows, then the servers, then the backends.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.manager.State() == flows.StateRunning {
		if err := a.manager.StopFlows(ctx, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.apiServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop admin API: %w", err))
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.hub.Close()
	if a.events != nil {
		if err := a.events.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush NATS events: %w", err))
		}
	}
	a.close(ctx)
	return errors.Join(errs...)
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close storage", "error", err)
		}
	}
	if a.nats != nil {
		if err := a.nats.Close(ctx); err != nil {
			a.logger.Warn("Failed to close NATS connection", "error", err)
		}
	}
}
