// Package main implements spiced, the data and model serving runtime. It
// loads a spicepod, keeps the declared datasets and models loaded, follows
// spicepod changes and serves the status API until interrupted.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/rthomas/spiceai/config"
	"github.com/rthomas/spiceai/dataconnector"
	"github.com/rthomas/spiceai/errors"
	"github.com/rthomas/spiceai/metric"
	"github.com/rthomas/spiceai/model"
	"github.com/rthomas/spiceai/natsclient"
	"github.com/rthomas/spiceai/pkg/retry"
	"github.com/rthomas/spiceai/queryengine"
	"github.com/rthomas/spiceai/runtime"
	"github.com/rthomas/spiceai/secrets"
	"github.com/rthomas/spiceai/server"
	"github.com/rthomas/spiceai/spec"
	"github.com/rthomas/spiceai/specwatcher"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "spiced"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := goruntime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	app, err := loadInitialPod(cfg, logger, cliCfg.Validate)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsRegistry := metric.NewMetricsRegistry()
	metrics := metricsRegistry.CoreMetrics()

	var natsClient *natsclient.Client
	if cfg.NeedsNATS(secretStoreOf(app)) {
		natsClient, err = connectToNATS(ctx, cfg, metrics, logger)
		if err != nil {
			return err
		}
	}

	secretOpts := []secrets.Option{secrets.WithLogger(logger)}
	if cfg.Secrets.AuthFile != "" {
		secretOpts = append(secretOpts, secrets.WithAuthFile(cfg.Secrets.AuthFile))
	}
	if natsClient != nil && secretStoreOf(app) == string(secrets.KindKV) {
		kv, err := openKV(ctx, natsClient, cfg.NATS.SecretsBucket, logger)
		if err != nil {
			return closeOnError(natsClient, err)
		}
		secretOpts = append(secretOpts, secrets.WithKV(kv))
	}

	watcher, err := newWatcher(ctx, cfg, natsClient, logger)
	if err != nil {
		return closeOnError(natsClient, err)
	}

	connectors := dataconnector.NewRegistry()
	if err := dataconnector.RegisterAll(connectors); err != nil {
		return closeOnError(natsClient, err)
	}
	slog.Info("Data connectors registered", "sources", connectors.Sources())

	engine := queryengine.New(queryengine.WithLogger(logger))

	rt, err := runtime.New(runtime.Options{
		App:             app,
		Engine:          engine,
		Connectors:      connectors,
		Secrets:         secrets.NewProvider(secretOpts...),
		Loader:          model.NewLoader(cfg.Runtime.ModelCacheDir, model.WithLogger(logger)),
		Metrics:         metrics,
		Watcher:         watcher,
		Logger:          logger,
		RetryDelay:      cfg.Runtime.DatasetRetryDelay,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	if err != nil {
		return closeOnError(natsClient, err)
	}

	httpServer, err := server.New(server.Options{
		Addr:    cfg.Server.HTTPAddr,
		Catalog: engine,
		Status:  rt.Statuses(),
		Models:  rt.Models(),
		App:     rt.App,
		Logger:  logger,
	})
	if err != nil {
		return closeOnError(natsClient, err)
	}
	metricsServer := metric.NewServer(cfg.Server.MetricsAddr, "/metrics", metricsRegistry)

	if app != nil {
		rt.LoadSecrets(ctx)
		rt.LoadDatasets()
		rt.LoadModels(ctx)
	}

	slog.Info("spiced started successfully",
		"http", cfg.Server.HTTPAddr,
		"metrics", cfg.Server.MetricsAddr,
		"watcher", cfg.Pod.Watcher)

	runErr := rt.Run(ctx, httpServer, metricsServer)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx, engine, natsClient); err != nil {
		slog.Error("Error during shutdown", "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	slog.Info("spiced shutdown complete")
	return runErr
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		if stderrors.Is(err, flag.ErrHelp) {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting spiced",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the config file, applies flag overrides and validates
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.PodPath != "" {
		cfg.Pod.Path = cliCfg.PodPath
	}
	if cliCfg.ShutdownTimeout > 0 {
		cfg.Server.ShutdownTimeout = cliCfg.ShutdownTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadInitialPod reads the spicepod from disk. The kv watcher delivers its
// first snapshot later, so nothing is read here. Unless strict, a file
// watcher tolerates an invalid pod and waits for it to be fixed.
func loadInitialPod(cfg *config.Config, logger *slog.Logger, strict bool) (*spec.App, error) {
	if cfg.Pod.Watcher == config.WatcherKV {
		return nil, nil
	}

	app, err := spec.LoadDir(cfg.Pod.Path)
	if err != nil {
		if cfg.Pod.Watcher == config.WatcherFile && !strict {
			logger.Warn("Spicepod not loaded, waiting for changes", "path", cfg.Pod.Path, "error", err)
			return nil, nil
		}
		return nil, fmt.Errorf("load spicepod: %w", err)
	}

	logger.Info("Spicepod loaded",
		"name", app.Name,
		"datasets", len(app.Datasets),
		"models", len(app.Models))
	return app, nil
}

func secretStoreOf(app *spec.App) string {
	if app == nil || app.Secrets.Store == "" {
		return string(secrets.KindEnv)
	}
	return app.Secrets.Store
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg *config.Config, metrics *metric.Metrics, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metrics),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithCircuitBreakerThreshold(int32(cfg.NATS.CircuitThreshold)),
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}

	client, err := natsclient.NewClient(cfg.NATS.URLs[0], opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", client.URL())
	cfgRetry := retry.DefaultConfig()
	cfgRetry.OnRetry = func(attempt int, err error) {
		logger.Warn("NATS connect failed, retrying", "attempt", attempt, "error", err)
	}
	if err := retry.Do(ctx, cfgRetry, func() error {
		return client.Connect(ctx)
	}); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	return client, nil
}

func openKV(ctx context.Context, client *natsclient.Client, bucket string, logger *slog.Logger) (*natsclient.KVStore, error) {
	kv, err := openBucket(ctx, client, bucket)
	if err != nil {
		return nil, err
	}
	return natsclient.NewKVStore(kv, logger), nil
}

// openBucket retries transient failures. A missing bucket is permanent.
func openBucket(ctx context.Context, client *natsclient.Client, bucket string) (jetstream.KeyValue, error) {
	kv, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (jetstream.KeyValue, error) {
		kv, err := client.GetKeyValueBucket(ctx, bucket)
		if errors.IsInvalid(err) {
			return nil, retry.NonRetryable(err)
		}
		return kv, err
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// newWatcher selects the spicepod watcher for cfg.Pod.Watcher
func newWatcher(ctx context.Context, cfg *config.Config, client *natsclient.Client, logger *slog.Logger) (specwatcher.Watcher, error) {
	switch cfg.Pod.Watcher {
	case config.WatcherFile:
		return specwatcher.NewFileWatcher(cfg.Pod.Path, cfg.Pod.Debounce, logger), nil
	case config.WatcherKV:
		if client == nil {
			return nil, fmt.Errorf("kv watcher needs a NATS connection")
		}
		bucket, err := openBucket(ctx, client, cfg.NATS.PodBucket)
		if err != nil {
			return nil, err
		}
		return specwatcher.NewKVWatcher(bucket, cfg.Pod.KVKey, cfg.Pod.Path, logger), nil
	default:
		return specwatcher.Static{}, nil
	}
}

// shutdown closes the query engine and the NATS connection concurrently.
// Dataset pipelines have already stopped when Run returns.
func shutdown(ctx context.Context, engine *queryengine.Engine, client *natsclient.Client) error {
	var g errgroup.Group

	g.Go(func() error {
		if err := engine.Close(); err != nil {
			return fmt.Errorf("close query engine: %w", err)
		}
		return nil
	})
	if client != nil {
		g.Go(func() error {
			if err := client.Close(ctx); err != nil {
				return fmt.Errorf("close NATS: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func closeOnError(client *natsclient.Client, err error) error {
	if client != nil {
		_ = client.Close(context.Background())
	}
	return err
}
