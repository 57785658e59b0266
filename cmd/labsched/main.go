package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/basket/labsched/internal/bus"
	"github.com/basket/labsched/internal/config"
	"github.com/basket/labsched/internal/drone"
	"github.com/basket/labsched/internal/notify"
	otelPkg "github.com/basket/labsched/internal/otel"
	"github.com/basket/labsched/internal/persistence"
	"github.com/basket/labsched/internal/scheduler"
	"github.com/basket/labsched/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// pendingWait is how long a partially assembled synchronous group waits
// for its remaining hosts before starting degraded.
const pendingWait = 5 * time.Minute

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the scheduler loop
  %s -test-mode               Run recovery plus exactly one tick, then exit
  %s -recover-hosts           Queue a Cleanup for every known host at startup
  %s -config <dir>            Use <dir> as the data directory
  %s -doctor [-json]          Run preflight diagnostics and exit

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  LABSCHED_HOME           Data directory (default: ~/.labsched)
`)
}

func main() {
	testMode := flag.Bool("test-mode", false, "run recovery and a single tick, then exit")
	recoverHosts := flag.Bool("recover-hosts", false, "queue a Cleanup for every known host before the first tick")
	configDir := flag.String("config", "", "data directory (overrides LABSCHED_HOME)")
	doctorMode := flag.Bool("doctor", false, "run preflight diagnostics and exit")
	jsonOutput := flag.Bool("json", false, "JSON output for -doctor")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("labsched", Version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := config.HomeDir()
	if *configDir != "" {
		homeDir = *configDir
	}
	cfg, err := config.LoadFrom(homeDir)
	if err != nil {
		fatalStartup(nil, "config_load", err)
	}

	if *doctorMode {
		os.Exit(runDoctor(ctx, &cfg, *jsonOutput))
	}

	// Mirror logs to stderr only when a human is watching. Under
	// supervision the journal file is the record.
	quietLogs := !isatty.IsTerminal(os.Stderr.Fd())
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "logger_init", err)
	}
	defer logCloser.Close()
	logger = logger.With("run_id", uuid.NewString())
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "home", cfg.HomeDir)

	releaseLock, err := acquireInstanceLock(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "instance_lock", err)
	}
	defer releaseLock()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "otel_init", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "otel_metrics", err)
	}

	eventBus := bus.New()
	go logBusEvents(ctx, eventBus, logger)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store_open", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	repoDir := filepath.Join(cfg.HomeDir, "results_repository")
	dm := drone.NewLocalManager(cfg.ResultsDir, repoDir, filepath.Base(cfg.RunnerPath), cfg.Drones.MaxProcesses, logger)

	nm, err := notify.NewManager(cfg.HomeDir, logger)
	if err != nil {
		fatalStartup(logger, "notify_init", err)
	}
	defer nm.Close()
	if cfg.Notify.SMTPServer != "" && cfg.Notify.ToAddress != "" {
		nm.SetSink(notify.NewSMTPSink(cfg.Notify.SMTPServer, cfg.Notify.FromAddress, cfg.Notify.ToAddress))
	}

	d := scheduler.NewDispatcher(store, dm, nm, logger, scheduler.Config{
		RunnerPath:           cfg.RunnerPath,
		ParserPath:           cfg.ParserPath,
		PidfileTimeout:       cfg.PidfileTimeout(),
		NiceLevel:            cfg.Drones.NiceLevel,
		MaxProcessesPerCycle: cfg.Throttle.MaxProcessesStartedPerCycle,
		MaxParseProcesses:    cfg.Throttle.MaxParseProcesses,
		MaxTransferProcesses: cfg.Throttle.MaxTransferProcesses,
		DieOnOrphans:         cfg.DieOnOrphans,
		CleanInterval:        cfg.CleanInterval(),
		GCStatsInterval:      cfg.GCStatsInterval(),
		RetentionDays:        cfg.RetentionDays,
		PendingWait:          pendingWait,
	}, metrics)
	d.SetTracer(otelProvider.Tracer)

	if *recoverHosts {
		if err := queueHostCleanups(ctx, store, logger); err != nil {
			fatalStartup(logger, "recover_hosts", err)
		}
	}

	if err := d.RecoverAtStartup(ctx); err != nil {
		logger.Error("startup recovery failed", "error", err)
		nm.Enqueuef("scheduler startup failed", "recovery error: %v", err)
		nm.Flush()
		os.Exit(1)
	}
	logger.Info("startup phase", "phase", "recovery_completed", "agents", d.NumAgents())

	if *testMode {
		if err := d.Tick(ctx); err != nil {
			logger.Error("tick failed", "error", err)
			os.Exit(1)
		}
		logger.Info("single tick completed, exiting")
		return
	}

	// Config hot-reload: the watcher goroutine only loads and hands the
	// result over; limits are applied between ticks on the loop thread.
	reloads := make(chan config.Config, 1)
	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "config_watcher", err)
	}
	go func() {
		fingerprint := cfg.Fingerprint()
		for ev := range confWatcher.Events() {
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if newCfg.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = newCfg.Fingerprint()
			select {
			case reloads <- newCfg:
			default:
			}
		}
	}()

	logger.Info("scheduler running", "tick_interval", cfg.TickInterval().String())
	ticker := time.NewTicker(cfg.TickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received, stopping after current tick")
			nm.Flush()
			return
		case newCfg := <-reloads:
			d.UpdateLimits(
				newCfg.Throttle.MaxProcessesStartedPerCycle,
				newCfg.Throttle.MaxParseProcesses,
				newCfg.Throttle.MaxTransferProcesses,
			)
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				// A tick error means shared state may be mid-flight.
				// Exit nonzero and let supervision restart us; the
				// recovery pass picks the pieces back up.
				logger.Error("tick failed, exiting for restart", "error", err)
				nm.Enqueuef("scheduler exiting after tick failure", "error: %v", err)
				nm.Flush()
				releaseLock()
				os.Exit(1)
			}
		}
	}
}

func fatalStartup(logger *slog.Logger, phase string, err error) {
	if logger != nil {
		logger.Error("startup failure", "phase", phase, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "labsched: %s: %v\n", phase, err)
	}
	os.Exit(1)
}

// acquireInstanceLock guards against two schedulers sharing a data dir.
// The lock is a pidfile; a stale one left by a dead process is replaced.
func acquireInstanceLock(homeDir string) (func(), error) {
	lockPath := filepath.Join(homeDir, "labsched.pid")
	if data, err := os.ReadFile(lockPath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if syscall.Kill(pid, 0) == nil {
				return nil, fmt.Errorf("another scheduler (pid %d) already owns %s", pid, homeDir)
			}
		}
	}
	if err := os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write instance lock: %w", err)
	}
	return func() { _ = os.Remove(lockPath) }, nil
}

// queueHostCleanups schedules a Cleanup for every host that does not
// already have maintenance waiting. Used after lab-wide incidents to
// sweep all hosts back to a known state.
func queueHostCleanups(ctx context.Context, store *persistence.Store, logger *slog.Logger) error {
	hosts, err := store.HostsInStatus(ctx,
		persistence.HostStatusReady,
		persistence.HostStatusRunning,
		persistence.HostStatusVerifying,
		persistence.HostStatusCleaning,
		persistence.HostStatusResetting,
		persistence.HostStatusRepairing,
		persistence.HostStatusRepairFailed,
		persistence.HostStatusProvisioning,
		persistence.HostStatusPending,
	)
	if err != nil {
		return err
	}
	queued, err := store.QueuedSpecialTasks(ctx)
	if err != nil {
		return err
	}
	covered := make(map[int64]bool, len(queued))
	for _, t := range queued {
		covered[t.HostID] = true
	}
	n := 0
	for _, h := range hosts {
		if covered[h.ID] {
			continue
		}
		task := &persistence.SpecialTask{
			HostID:      h.ID,
			Task:        persistence.TaskCleanup,
			RequestedBy: "recover-hosts",
		}
		if err := store.CreateSpecialTask(ctx, task); err != nil {
			return fmt.Errorf("queue cleanup for %s: %w", h.Hostname, err)
		}
		n++
	}
	logger.Info("queued recovery cleanups", "hosts", n)
	return nil
}

// logBusEvents drains the event bus into the debug log. Nothing in the
// scheduler blocks on this; delivery is best-effort.
func logBusEvents(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			logger.Debug("bus event", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
		}
	}
}
