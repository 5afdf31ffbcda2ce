package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rubato-io/rubato/ai/anthropic"
	"github.com/rubato-io/rubato/config"
	"github.com/rubato-io/rubato/dispatch"
	"github.com/rubato-io/rubato/errors"
	"github.com/rubato-io/rubato/logger"
	"github.com/rubato-io/rubato/planner"
	"github.com/rubato-io/rubato/quota"
	"github.com/rubato-io/rubato/scheduler"
	"github.com/rubato-io/rubato/server"
	"github.com/rubato-io/rubato/store"
)

// ServeCmd runs the scheduler, planner, and management API in one process.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduler, planner, and management API in one process",
	Long: `Run the rubato process in foreground mode.

The process starts:
- the scheduler worker (claims due endpoints, dispatches, reschedules)
- the AI planner (analyzes endpoint behavior and writes scheduling hints)
- the management HTTP API with the websocket run event stream

The planner only starts when planner.enabled is set and an API key is
configured. The process runs until interrupted (Ctrl+C or SIGTERM) and
drains in-flight dispatches before exiting.

Examples:
  rubato serve                  # Everything in one process
  rubato serve --no-planner     # Scheduler + API only
  rubato serve --no-server      # Headless scheduler
  rubato serve --workers 20     # Override scheduler.workers`,
	RunE: runServe,
}

var (
	serveNoPlanner bool
	serveNoServer  bool
	serveWorkers   int
)

func init() {
	ServeCmd.Flags().BoolVar(&serveNoPlanner, "no-planner", false, "Run without the AI planner worker")
	ServeCmd.Flags().BoolVar(&serveNoServer, "no-server", false, "Run without the management API server")
	ServeCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Override scheduler.workers from configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serveWorkers > 0 {
		cfg.Scheduler.Workers = serveWorkers
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	stores := store.NewStores(database)
	tiers := cfg.TierTable()
	clk := clock.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The executor broadcasts run events through the server, and the
	// server's test-dispatch handler runs through the executor.
	srv := server.New(ctx, cfg.Server, stores, nil, tiers, clk, logger.Named("server"))
	dispatcher := dispatch.New(cfg.Dispatch, logger.Named("dispatch"))
	executor := scheduler.NewExecutor(stores.Runs, dispatcher, srv, logger.Named("scheduler"))
	srv.SetExecutor(executor)

	meter := quota.NewMeter(stores.Runs, stores.Users, tiers, logger.Named("quota"))
	worker := scheduler.NewWorker(ctx, cfg.Scheduler, stores, executor, meter, tiers, clk, logger.Named("scheduler"))

	var plan *planner.Planner
	if cfg.Planner.Enabled && !serveNoPlanner {
		llm := anthropic.NewClient(anthropic.Config{
			APIKey:            cfg.Planner.APIKey,
			Model:             cfg.Planner.Model,
			BaseURL:           cfg.Planner.BaseURL,
			RequestsPerMinute: cfg.Planner.RequestsPerMinute,
		})
		if llm.IsConfigured() {
			guard := quota.NewTokenGuard(stores.AISessions, stores.Users, tiers, logger.Named("quota"))
			plan = planner.NewPlanner(ctx, cfg.Planner, stores, llm, guard, tiers, clk, logger.Named("planner"))
		} else {
			pterm.Warning.Println("Planner is enabled but no API key is configured; continuing without it")
		}
	}

	if !serveNoServer {
		if err := srv.Start(); err != nil {
			return errors.Wrap(err, "failed to start server")
		}
	}
	worker.Start()
	if plan != nil {
		plan.Start()
	}

	watcher := watchConfig(plan)
	if watcher != nil {
		defer watcher.Stop()
	}

	pterm.Success.Println("rubato started")
	fmt.Printf("  Database:  %s\n", cfg.Database.Path)
	if !serveNoServer {
		fmt.Printf("  API:       http://%s\n", srv.Addr())
	}
	fmt.Printf("  Workers:   %d (batch %d, lease %v)\n", cfg.Scheduler.Workers, cfg.Scheduler.BatchSize, cfg.Scheduler.Lease())
	if plan != nil {
		fmt.Printf("  Planner:   %s every %v\n", cfg.Planner.Model, cfg.Planner.Interval())
	} else {
		fmt.Printf("  Planner:   off\n")
	}
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	pterm.Info.Println("Shutting down...")

	// Stop in reverse order of startup. The worker drains in-flight
	// dispatches inside its shutdown budget.
	if plan != nil {
		plan.Stop()
	}
	worker.Stop()
	if !serveNoServer {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout())
		defer shutdownCancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Warnw("Server shutdown incomplete", "error", err)
		}
	}

	pterm.Success.Println("rubato stopped")
	return nil
}

// watchConfig hot-reloads the user config file when it changes. Only the
// planner scan cadence applies live; other changes take effect on restart.
// Single-file runs (--config / RUBATO_CONFIG) skip the watch: the reload
// path re-reads the merge chain, which would be the wrong source.
func watchConfig(plan *planner.Planner) *config.Watcher {
	if ConfigPath != "" || os.Getenv("RUBATO_CONFIG") != "" {
		return nil
	}
	path := config.UserConfigPath()
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	watcher, err := config.NewWatcher(path)
	if err != nil {
		logger.Warnw("Config watch unavailable", "path", path, "error", err)
		return nil
	}
	watcher.OnReload(func(newCfg *config.Config) error {
		if plan != nil {
			plan.SetInterval(newCfg.Planner.Interval())
		}
		return nil
	})
	watcher.Start()
	return watcher
}
