package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskcycle/internal/api"
	"taskcycle/internal/config"
	"taskcycle/internal/core"
	"taskcycle/internal/logging"
	taskcyclemcp "taskcycle/internal/mcp"
	"taskcycle/internal/notify"
	"taskcycle/internal/store"
	"taskcycle/internal/wakeup"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)

	location, err := cfg.Location()
	if err != nil {
		logger.Error("resolve timezone", "err", err)
		os.Exit(1)
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer storeInst.Close()

	runner := core.NewScriptRunner(cfg.Engine.Interpreter, logger)
	driver := core.NewDriver(storeInst, runner, logger, location,
		core.WithHorizon(cfg.Engine.Horizon),
		core.WithNotifier(buildNotifier(cfg, logger)),
	)

	armer := wakeup.ForPlatform(wakeCommand(cfg), cfg.WakeLabel, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	switch cfg.Mode {
	case "run":
		runCycleMode(ctx, cfg, driver, armer, logger)
	case "serve":
		runServeMode(cfg, storeInst, driver, runner, armer, logger, location, ctx)
	case "mcp":
		runMCPMode(storeInst, runner, logger, location, cancel)
	case "both":
		runBothMode(cfg, storeInst, driver, runner, armer, logger, location, ctx)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"run", "serve", "mcp", "both"})
		os.Exit(1)
	}
}

// runCycleMode performs one wake cycle and exits: acquire the cycle lock,
// run every due task, arm the next OS wake-up, release the lock. This is
// the mode the OS wake-up scheduler invokes.
func runCycleMode(ctx context.Context, cfg *config.Config, driver *core.Driver, armer core.Armer, logger *slog.Logger) {
	lock := core.NewCycleLock(cfg.StateDir)
	if err := lock.Acquire(); err != nil {
		if errors.Is(err, core.ErrLocked) {
			// Another invocation is mid-cycle; its finish will re-arm.
			logger.Info("cycle already running, exiting")
			return
		}
		logger.Error("acquire cycle lock", "err", err)
		os.Exit(1)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("release cycle lock", "err", err)
		}
	}()

	report, err := driver.RunCycle(ctx)
	if err != nil {
		logger.Error("run cycle", "err", err)
		os.Exit(1)
	}

	if report.NextWake == nil {
		logger.Info("no tasks scheduled, wake-up left unarmed")
		return
	}
	if err := armer.Arm(ctx, *report.NextWake); err != nil {
		logger.Error("arm wake-up", "at", *report.NextWake, "err", err)
		os.Exit(1)
	}
}

// runServeMode starts the HTTP API plus the hourly wake-up maintenance job.
func runServeMode(cfg *config.Config, store *store.Store, driver *core.Driver, runner core.Runner, armer core.Armer, logger *slog.Logger, location *time.Location, ctx context.Context) {
	maintenance := core.NewMaintenance(store, armer, logger, location)
	if err := maintenance.Start(ctx); err != nil {
		logger.Error("start maintenance", "err", err)
		os.Exit(1)
	}

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, driver, runner, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdown(cfg, server, maintenance, logger)
}

// runMCPMode serves MCP over stdio until the client disconnects.
func runMCPMode(store *store.Store, runner core.Runner, logger *slog.Logger, location *time.Location, cancel context.CancelFunc) {
	mcpServer := taskcyclemcp.NewMCPServer(store, runner, logger, location)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
}

// runBothMode runs the HTTP API and the MCP stdio server in one process.
func runBothMode(cfg *config.Config, store *store.Store, driver *core.Driver, runner core.Runner, armer core.Armer, logger *slog.Logger, location *time.Location, ctx context.Context) {
	maintenance := core.NewMaintenance(store, armer, logger, location)
	if err := maintenance.Start(ctx); err != nil {
		logger.Error("start maintenance", "err", err)
		os.Exit(1)
	}

	mcpServer := taskcyclemcp.NewMCPServer(store, runner, logger, location)
	mcpErr := make(chan error, 1)
	go func() {
		if err := mcpServer.Run(); err != nil {
			mcpErr <- err
		}
	}()

	server := api.NewServer(cfg.Server.Addr, cfg.Server.AuthToken, store, driver, runner, logger, location)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	case err := <-mcpErr:
		logger.Error("mcp server error", "err", err)
	}

	shutdown(cfg, server, maintenance, logger)
	logger.Info("shutdown complete")
}

func shutdown(cfg *config.Config, server *api.Server, maintenance *core.Maintenance, logger *slog.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}

	stopCtx := maintenance.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("maintenance stop timed out")
	}
}

// wakeCommand is what the OS wake-up scheduler invokes: this binary in
// one-cycle mode, pinned to the same state directory.
func wakeCommand(cfg *config.Config) []string {
	exe, err := os.Executable()
	if err != nil {
		exe = "taskcycled"
	}
	return []string{exe, "-mode", "run", "-state-dir", cfg.StateDir}
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) core.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notification.BarkEnabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.BarkURL)
		if err != nil {
			logger.Warn("bark notifier disabled", "err", err)
		} else {
			notifiers = append(notifiers, bark)
		}
	}
	if cfg.Notification.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier())
	}
	if len(notifiers) == 0 {
		return nil
	}
	return notify.NewMultiNotifier(notifiers...)
}
