package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-isatty"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/cron"
	"github.com/basket/warden/internal/finalize"
	otelPkg "github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/reconcile"
	"github.com/basket/warden/internal/sandbox"
	"github.com/basket/warden/internal/supervisor"
	"github.com/basket/warden/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Run the supervision daemon (dispatcher,
                              recovery reconciler, cron scheduler)

SUBCOMMANDS:
  %s enqueue [options] <prompt>
                              Queue a task for supervised execution
                              Options: -agent <id,id,...> -workdir <dir>
                                       -repo <root> -branch <name>
  %s status [task-id]         Show tasks, or one task with attempt history
  %s stop <task-id>           Request a graceful cancel
  %s kill <task-id>           Request an immediate kill

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  WARDEN_HOME             Data directory (default: ~/.warden)
  WARDEN_LOG_LEVEL        Log level override (debug, info, warn, error)
  WARDEN_DOCKER_IMAGE     Container image override
  WARDEN_STAGING_DIR      Staging directory override
`)
}

func main() {
	daemon := flag.Bool("daemon", false, "run the supervision daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 && !*daemon {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "enqueue":
			os.Exit(runEnqueueCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "stop":
			os.Exit(runStopCommand(ctx, args[1:], persistence.UserStopCancel))
		case "kill":
			os.Exit(runStopCommand(ctx, args[1:], persistence.UserStopKill))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}
	os.Exit(runDaemon(ctx))
}

func runDaemon(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Audit first so logger failures are still auditable.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintf(os.Stderr, "audit init: %v\n", err)
		return 1
	}
	defer func() { _ = audit.Close() }()

	// Daemon logs go to file and stdout unless stdout is not a terminal
	// and the logs would just duplicate a supervisor's capture.
	quiet := !isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("WARDEN_LOG_STDOUT") == ""
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("warden starting", "version", Version, "home", cfg.HomeDir)

	// One daemon per home dir. A second instance would race the claim
	// loop and the reconciler.
	lock := flock.New(filepath.Join(cfg.HomeDir, "warden.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		logger.Error("instance lock failed", "error", err)
		return 1
	}
	if !locked {
		fmt.Fprintln(os.Stderr, "another warden daemon is already running for this home dir")
		return 1
	}
	defer func() { _ = lock.Unlock() }()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}

	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "warden.db"), eventBus)
	if err != nil {
		logger.Error("store open failed", "error", err)
		return 1
	}
	defer store.Close()
	audit.SetDB(store.DB())

	runtime, err := sandbox.NewRuntime(cfg.Docker.Image, cfg.Docker.MemoryMB, cfg.Docker.NetworkMode, logger)
	if err != nil {
		logger.Error("docker runtime init failed", "error", err)
		return 1
	}
	defer runtime.Close()

	cooldown := agent.NewCooldownTable(cfg.CooldownTTL(), store, logger)
	if err := cooldown.Load(ctx); err != nil {
		logger.Warn("cooldown restore failed", "error", err)
	}

	finalizer := finalize.NewWorker(store, eventBus, logger, metrics,
		cfg.StagingDir, filepath.Join(cfg.HomeDir, "artifacts"), cfg.ArtifactTimeout())

	sup := supervisor.New(store, runtime, cooldown, cfg, eventBus, logger, metrics)
	dispatcher := supervisor.NewDispatcher(store, sup, eventBus, logger, cfg.WorkerCount)
	reconciler := reconcile.New(store, runtime, finalizer, eventBus, logger, metrics,
		cfg.StagingDir, cfg.RecoveryInterval())

	markerWatcher := sandbox.NewMarkerWatcher(cfg.StagingDir, eventBus, logger)
	if err := markerWatcher.Start(ctx); err != nil {
		logger.Warn("marker watcher unavailable, relying on recovery ticks", "error", err)
	}

	scheduler := cron.NewScheduler(cron.Config{Store: store, App: cfg, Logger: logger})
	if err := scheduler.SyncConfigSchedules(ctx, time.Now()); err != nil {
		logger.Error("schedule sync failed", "error", err)
		return 1
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()
	go finalizeCompleted(ctx, eventBus, finalizer, logger)

	logger.Info("warden ready", "workers", cfg.WorkerCount, "recovery_interval", cfg.RecoveryInterval().String())
	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	return 0
}

// finalizeCompleted triggers finalization as soon as a supervisor reports
// a terminal task, so completions do not wait for the next recovery tick.
func finalizeCompleted(ctx context.Context, eventBus *bus.Bus, finalizer *finalize.Worker, logger *slog.Logger) {
	sub := eventBus.Subscribe(bus.TopicTaskCompleted)
	defer eventBus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			completed, isCompleted := ev.Payload.(bus.TaskCompletedEvent)
			if !isCompleted {
				continue
			}
			reason := finalize.ReasonTaskDone
			if completed.Status == string(persistence.TaskStatusCancelled) ||
				completed.Status == string(persistence.TaskStatusKilled) {
				reason = finalize.ReasonUserStop
			}
			go func(taskID, reason string) {
				if err := finalizer.Finalize(ctx, taskID, reason); err != nil {
					logger.Error("finalization failed", "task_id", taskID, "error", err)
				}
			}(completed.TaskID, reason)
		}
	}
}
