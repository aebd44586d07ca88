// examseald watches sealed exams and reports, or releases, keys whose
// scheduled time has passed. It also serves Prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"examseal/internal/config"
	"examseal/internal/health"
	"examseal/internal/logging"
	"examseal/internal/metrics"
	"examseal/internal/sealing"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	once := flag.Bool("once", false, "run a single sweep and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "examseald - Release sweep daemon for sealed exam papers\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("examseald %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}

	if err := run(*configPath, *once); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, once bool) error {
	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()

	logger, err := sealing.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger = logger.WithComponent("examseald")

	reg := metrics.NewRegistry().WithProcessCollectors()
	rt, err := sealing.Open(cfg, logger, reg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Daemon.VerifyLogOnStart {
		if err := rt.AuditLog().Verify(); err != nil {
			logger.Error("audit chain verification failed", "error", err)
			return err
		}
		logger.Info("audit chain verified", "path", rt.AuditLog().Path())
	}
	if n, err := rt.RebuildCatalog(); err != nil {
		logger.Warn("catalog rebuild failed", "error", err)
	} else {
		logger.Info("catalog rebuilt", "exams", n)
	}

	d := newDaemon(rt, rt.Metrics, cfg.Daemon, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if once {
		return d.sweep(ctx)
	}

	checker := healthChecker(rt, d)
	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = startServer(cfg.Metrics, reg, checker, logger)
	}

	loader.OnChange(func(old, new *config.Config) {
		d.apply(new.Daemon)
		if old.Storage != new.Storage || old.Crypto != new.Crypto || old.Metrics != new.Metrics {
			logger.Warn("storage, crypto and metrics changes take effect after restart")
		}
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}
	go func() {
		for err := range loader.Errors() {
			logger.Error("config reload rejected", "error", err)
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", "signal", sig.String())
		cancel()
	}()

	logger.Info("examseald started",
		"version", version,
		"uploads", cfg.Storage.UploadsDir,
		"interval", cfg.SweepInterval().String(),
		"auto_release", cfg.Daemon.AutoRelease,
	)
	checker.SetReady(true)
	err = d.run(ctx)
	checker.SetReady(false)

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("metrics server shutdown", "error", serr)
		}
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// healthChecker registers the checks served under /healthz. The audit
// chain and the uploads directory are critical.
func healthChecker(rt *sealing.Runtime, d *daemon) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("audit_chain", true, health.FuncCheck("audit chain", rt.AuditLog().Verify))
	c.RegisterFunc("uploads_dir", true, health.WritableDirCheck(rt.Config.Storage.UploadsDir))
	if rt.Catalog != nil {
		c.RegisterFunc("catalog", false, health.DatabaseCheck(rt.Catalog.DB().PingContext))
	}
	c.RegisterFunc("release_sweep", false, health.FreshnessCheck(d.lastSuccess, 3*d.interval(), nil))
	return c
}

func startServer(mc config.MetricsConfig, reg *metrics.Registry, checker *health.Checker, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, reg.HTTPHandler())
	checker.Mount(mux)
	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", mc.Addr, "path", mc.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
