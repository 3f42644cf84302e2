// Package main runs renderd, the pooled headless-browser rendering service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/renderd/pkg/browser"
	"github.com/entrhq/renderd/pkg/config"
	"github.com/entrhq/renderd/pkg/logging"
	"github.com/entrhq/renderd/pkg/observability"
	"github.com/entrhq/renderd/pkg/pool"
	"github.com/entrhq/renderd/pkg/scheduler"
	"github.com/entrhq/renderd/pkg/security/target"
	"github.com/entrhq/renderd/pkg/server"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile  string
	Port        int
	LogLevel    string
	ShowVersion bool
}

func main() {
	cli := parseFlags()

	if cli.ShowVersion {
		fmt.Printf("renderd v%s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cli); err != nil {
		stop()
		log.Printf("renderd failed: %v", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags
func parseFlags() *CLIConfig {
	cli := &CLIConfig{}

	flag.StringVar(&cli.ConfigFile, "config", os.Getenv("RENDERD_CONFIG"), "Path to configuration file (YAML)")
	flag.IntVar(&cli.Port, "port", 0, "Listen port (overrides config and PORT)")
	flag.StringVar(&cli.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&cli.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "renderd - pooled headless Chromium rendering service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: renderd [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  renderd -port 8000\n")
		fmt.Fprintf(os.Stderr, "  renderd -config renderd.yaml\n\n")
	}

	flag.Parse()
	return cli
}

// loadConfig resolves file, environment and flag settings in that order.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.LoadFile(cli.ConfigFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

//nolint:gocyclo
func run(ctx context.Context, cli *CLIConfig) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Configure(cfg.Logging.Dir, logging.ParseLevel(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	logger := logging.MustLogger("renderd")
	defer logger.Close()
	logger.Infof("renderd v%s starting (config: %q)", version, cfg.FilePath)

	var tracer *observability.TracerProvider
	if cfg.Tracing.Enabled {
		tracer, err = observability.NewTracerProvider(cfg.Tracing.ServiceName, version, os.Stdout)
		if err != nil {
			return fmt.Errorf("failed to start tracing: %w", err)
		}
	}

	policy, err := target.NewPolicy(cfg.Browser.AllowedHosts, cfg.Browser.DeniedHosts, cfg.Browser.AllowPrivateIP)
	if err != nil {
		return err
	}

	launcher := browser.NewPlaywrightLauncher(browser.PlaywrightOptions{
		Headless:    cfg.Browser.Headless,
		Args:        cfg.Browser.Args,
		SkipInstall: cfg.Browser.SkipInstall,
	}, logging.MustLogger("playwright"))
	if err := launcher.Initialize(); err != nil {
		return err
	}

	recorder := observability.NewRecorder()
	manager := browser.NewManager(launcher, browser.ManagerOptions{
		MaxInstances:           cfg.Pool.MaxInstances,
		MinInstances:           cfg.Pool.MinInstances,
		MaxContextsPerInstance: cfg.Pool.MaxContextsPerInstance,
		MaxJobsPerInstance:     cfg.Pool.MaxJobsPerInstance,
		MaxInstanceAge:         cfg.Pool.MaxInstanceAge,
		HealthInterval:         cfg.Pool.HealthInterval,
	}, browser.WithLogger(logging.MustLogger("browser")), browser.WithObserver(recorder))

	sessions := pool.New(manager, pool.WithLogger(logging.MustLogger("pool")), pool.WithObserver(recorder))
	prometheus.MustRegister(observability.NewStatsCollector(sessions, manager))

	dispatcher := scheduler.New(sessions, scheduler.Options{
		GlobalConcurrencyCap: cfg.Scheduler.GlobalConcurrencyCap,
		DefaultDeadline:      cfg.Scheduler.DefaultDeadline,
		RetryBudget:          cfg.Scheduler.RetryBudget,
		BackoffBase:          cfg.Scheduler.BackoffBase,
		BackoffMax:           cfg.Scheduler.BackoffMax,
		MaxLeaseWait:         cfg.Scheduler.MaxLeaseWait,
		AbortGrace:           cfg.Scheduler.AbortGrace,
	},
		scheduler.WithLogger(logging.MustLogger("scheduler")),
		scheduler.WithObserver(recorder),
		scheduler.WithTargetCheck(policy.Check),
	)

	srv := server.New(dispatcher, sessions, manager, server.Options{
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		IntakeRate:   cfg.Server.IntakeRate,
		IntakeBurst:  cfg.Server.IntakeBurst,
		Version:      version,
	}, server.WithLogger(logging.MustLogger("server")))
	httpServer := srv.HTTPServer(cfg.Addr())

	if err := manager.Start(ctx); err != nil {
		logger.Warnf("browser warm-up incomplete: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s (capacity %d contexts)", httpServer.Addr, sessions.Capacity())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(manager.Monitor(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(sessions.Run(gctx, cfg.Pool.HealthInterval))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down")
		return shutdown(cfg.Server.ShutdownTimeout, logger, httpServer, dispatcher, sessions, manager, launcher, tracer)
	})

	return g.Wait()
}

// shutdown stops components front to back: no new requests, drain jobs,
// close the pool, then the browsers.
func shutdown(timeout time.Duration, logger *logging.Logger, httpServer *http.Server, dispatcher *scheduler.Dispatcher,
	sessions *pool.Pool, manager *browser.Manager, launcher *browser.PlaywrightLauncher, tracer *observability.TracerProvider) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	sessions.Close()
	if err := manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := launcher.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		logger.Errorf("shutdown finished with errors: %v", errors.Join(errs...))
		return errors.Join(errs...)
	}
	logger.Infof("shutdown complete")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
