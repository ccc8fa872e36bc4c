// Command noidd is the file integrity monitoring daemon. It loads a YAML
// configuration file, opens the fingerprint store, starts every configured
// watch and notifier, exposes an optional /healthz liveness endpoint, and
// shuts down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noidd/noidd/internal/config"
	"github.com/noidd/noidd/internal/eventlog"
	"github.com/noidd/noidd/internal/retryqueue"
	"github.com/noidd/noidd/internal/store"
	"github.com/noidd/noidd/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "/etc/noidd/config.yml", "path to the noidd YAML configuration file")
	flag.StringVar(configPath, "c", *configPath, "shorthand for -config")
	leveldbOverride := flag.String("leveldb", "", "override the configured fingerprint store path")
	flag.StringVar(leveldbOverride, "l", *leveldbOverride, "shorthand for -leveldb")
	logfileOverride := flag.String("logfile", "", "override the configured log file path")
	recreate := flag.Bool("recreate", false, "wipe the fingerprint store on startup, forcing every watch to re-baseline")
	interactive := flag.Bool("interactive", false, "reserved for an inotify-driven interactive mode; not implemented")
	flag.BoolVar(interactive, "i", *interactive, "shorthand for -interactive")
	healthAddr := flag.String("health-addr", "", "listen address for the /healthz endpoint; empty disables it")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "noidd: %v\n", err)
		os.Exit(1)
	}
	if *leveldbOverride != "" {
		cfg.LevelDB = *leveldbOverride
	}
	if *logfileOverride != "" {
		cfg.Logfile = *logfileOverride
	}
	if *recreate {
		cfg.LevelDBRecreate = true
	}

	if err := config.EnsureRoot(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "noidd: %v\n", err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Logfile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "noidd: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)

	if *interactive {
		logger.Warn("interactive (inotify-driven) mode was requested but is not implemented; falling back to polling scans")
	}

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("leveldb", cfg.LevelDB),
		slog.String("scan_interval", cfg.ScanInterval),
		slog.Int("watchers", len(cfg.Watchers)),
		slog.Int("notifiers", len(cfg.Notifiers)),
	)

	st, err := store.Open(cfg.LevelDB, cfg.LevelDBRecreate, cfg.WorkerPoolSize)
	if err != nil {
		logger.Error("failed to open fingerprint store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	var supOpts []supervisor.Option

	rq, err := retryqueue.Open(cfg.RetryQueuePath, logger)
	if err != nil {
		logger.Warn("retry queue unavailable; failed deliveries will not be retried", slog.Any("error", err))
	} else {
		defer rq.Close()
		supOpts = append(supOpts, supervisor.WithRetryQueue(rq))
	}

	if cfg.EventLog != "" {
		el, err := eventlog.Open(cfg.EventLog, eventlog.Options{})
		if err != nil {
			logger.Error("failed to open event log", slog.Any("error", err))
			os.Exit(1)
		}
		defer el.Close()
		supOpts = append(supOpts, supervisor.WithEventLog(el))
	}

	sup, err := supervisor.New(cfg, st, logger, supOpts...)
	if err != nil {
		logger.Error("failed to build supervisor", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var healthServer *http.Server
	if *healthAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", sup.HealthzHandler())
		healthServer = &http.Server{
			Addr:         *healthAddr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("healthz server listening", slog.String("addr", *healthAddr))
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("healthz server error", slog.Any("error", err))
			}
		}()
	}

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor stopped", slog.Any("error", err))
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if healthServer != nil {
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("healthz server shutdown error", slog.Any("error", err))
		}
	}

	logger.Info("noidd exited cleanly")
}

// newLogger constructs a *slog.Logger that writes JSON-structured records to
// the configured log file, returning a close function for the underlying
// file handle.
func newLogger(path string) (*slog.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	return logger, f.Close, nil
}
