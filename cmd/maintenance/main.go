package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/maintenance/config"
	"github.com/migadu/maintenance/db"
	"github.com/migadu/maintenance/host/httphost"
	"github.com/migadu/maintenance/logger"
	"github.com/migadu/maintenance/maintenance"
	"github.com/migadu/maintenance/pkg/errors"
	"github.com/migadu/maintenance/server/adminapi"
	"github.com/migadu/maintenance/server/hookapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// serviceDependencies holds everything the servers share.
type serviceDependencies struct {
	config     *configFile
	store      db.Store
	host       *httphost.Client
	controller *maintenance.Controller
	ticker     *maintenance.Ticker
	watcher    *config.Watcher
	wg         sync.WaitGroup
}

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("maintenance version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg, errorHandler)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAINTENANCE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MAINTENANCE: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("Maintenance daemon starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := initializeServices(ctx, *configPath, cfg)
	if err != nil {
		errorHandler.FatalError("initialize services", err)
		os.Exit(errorHandler.WaitForExit())
	}
	defer deps.close()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range signalChan {
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading configuration")
				if _, err := deps.reload(ctx); err != nil {
					logger.Warn("Configuration reload failed, keeping the current configuration", "error", err)
				}
				continue
			}
			logger.Infof("Received signal: %s, shutting down...", sig)
			cancel()
			return
		}
	}()

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
	case err := <-errChan:
		errorHandler.FatalError("server", err)
		cancel()
	}

	logger.Infof("Waiting for all servers to stop gracefully...")
	done := make(chan struct{})
	go func() {
		deps.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Infof("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}

	select {
	case code := <-errorHandler.Exit():
		deps.close()
		os.Exit(code)
	default:
	}
}

func loadAndValidateConfig(configPath string, cfg *config.Config, errorHandler *errors.ErrorHandler) {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if os.IsNotExist(err) && configPath == "config.toml" {
			logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", configPath)
		} else {
			errorHandler.ConfigError(configPath, err)
			os.Exit(errorHandler.WaitForExit())
		}
	} else {
		logger.Infof("loaded configuration from %s", configPath)
	}

	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

func initializeServices(ctx context.Context, configPath string, cfg config.Config) (*serviceDependencies, error) {
	deps := &serviceDependencies{config: newConfigFile(configPath, cfg)}

	host, err := httphost.New(cfg.Host)
	if err != nil {
		return nil, err
	}
	deps.host = host
	logger.Info("Proxy host configured", "base_url", cfg.Host.BaseURL, "listing_hook", cfg.Host.ListingHook)

	if cfg.SharedState.Enabled {
		store, err := db.Open(ctx, cfg.SharedState)
		if err != nil {
			return nil, fmt.Errorf("failed to open shared state: %w", err)
		}
		deps.store = store
		logger.Info("Shared state enabled", "driver", cfg.SharedState.Driver, "poll_interval", cfg.SharedState.GetPollIntervalWithDefault())
	}

	deps.controller = maintenance.NewController(cfg, maintenance.Options{
		Registry:  host,
		Listing:   host.ListingHook(),
		Persister: deps.config,
		Store:     deps.store,
	})

	if deps.store != nil {
		if reports, err := deps.controller.SyncShared(ctx); err != nil {
			logger.Warn("Initial shared state sync failed", "error", err)
		} else if len(reports) > 0 {
			logger.Info("Applied shared state at startup", "transitions", len(reports))
		}
	}

	if err := deps.controller.SyncListing(ctx); err != nil {
		logger.Warn("Server list integration not updated", "error", err)
	}

	deps.ticker = maintenance.NewTicker(maintenance.TickPeriod)
	deps.controller.Register(deps.ticker)
	deps.ticker.Start(ctx)

	watcher, err := config.NewWatcher(configPath, 0, func(newCfg config.Config) {
		deps.apply(ctx, newCfg)
	})
	if err != nil {
		logger.Warn("Configuration file watching disabled", "error", err)
	} else {
		deps.watcher = watcher
		deps.config.setWatcher(watcher)
	}

	return deps, nil
}

func (d *serviceDependencies) apply(ctx context.Context, cfg config.Config) []maintenance.Report {
	d.config.Replace(cfg)
	reports := d.controller.Reload(ctx, cfg)
	logger.Info("Configuration applied", "transitions", len(reports))
	return reports
}

// reload re-reads the config file; an invalid file leaves everything as is.
func (d *serviceDependencies) reload(ctx context.Context) ([]maintenance.Report, error) {
	cfg, err := d.config.Load()
	if err != nil {
		return nil, err
	}
	return d.apply(ctx, cfg), nil
}

func (d *serviceDependencies) close() {
	if d.watcher != nil {
		d.watcher.Close()
		d.watcher = nil
	}
	if d.ticker != nil {
		d.ticker.Stop()
		d.ticker = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			logger.Warn("Error closing shared state", "error", err)
		}
		d.store = nil
	}
}

func startServers(ctx context.Context, deps *serviceDependencies) chan error {
	errChan := make(chan error, 3)
	cfg := deps.config.Current()

	run := func(start func(context.Context, chan<- error)) {
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			start(ctx, errChan)
		}()
	}

	if cfg.HookAPI.Start {
		run(hookapi.New(deps.controller, cfg.HookAPI).Start)
	}
	if cfg.AdminAPI.Start {
		run(adminapi.New(deps.controller, deps.reload, cfg.AdminAPI).Start)
	}
	if cfg.Metrics.Enabled {
		run(func(ctx context.Context, errChan chan<- error) {
			startMetricsServer(ctx, cfg.Metrics, errChan)
		})
	}
	return errChan
}

func startMetricsServer(ctx context.Context, cfg config.MetricsConfig, errChan chan<- error) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Infof("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Infof("Error shutting down metrics server: %v", err)
		}
	}()

	logger.Info("Metrics server starting", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("metrics server failed: %w", err)
	}
}
