// Package app is the composition root: it owns every long-lived subsystem
// a qudicore process needs and wires them to each other the way
// cmd/qudid's main expects.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/goombaio/namegenerator"

	"github.com/qudi-go/qudicore/config"
	"github.com/qudi-go/qudicore/descriptor"
	"github.com/qudi-go/qudicore/logging"
	"github.com/qudi-go/qudicore/manager"
	"github.com/qudi-go/qudicore/remote"
	"github.com/qudi-go/qudicore/telemetry"
	"github.com/qudi-go/qudicore/thread"
)

// Options configures one process's worth of qudicore runtime, generally
// filled in directly from parsed CLI flags.
type Options struct {
	// ConfigPath is the .cfg document to load. Empty means the platform
	// default config path under AppDataDir.
	ConfigPath string
	// AppDataDir is the per-user application state directory (status
	// files, log/ subdirectory, the session journal). Empty resolves to
	// the OS default via DefaultAppDataDir.
	AppDataDir string
	// Debug lowers the file log level from info to debug.
	Debug bool
	// NoGUI skips nothing at this layer today (qudicore ships no GUI
	// modules of its own), but is threaded through so a future GUI
	// package can key off it without another Options plumbing pass.
	NoGUI bool
}

// Application holds every subsystem the composition root starts; shutdown
// tears them back down.
type Application struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger
	runID  string

	loggingClose func() error
	tracer       *telemetry.Provider
	threads      *thread.Manager
	statusStore  *descriptor.Store
	journal      *manager.Journal
	mgr          *manager.ModuleManager
	remoteServer *remote.Server

	shutdownOnce func()
}

// DefaultAppDataDir returns the per-user application state directory qudicore
// uses when Options.AppDataDir is left empty: <UserConfigDir>/qudicore,
// created if it does not already exist.
func DefaultAppDataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("app: resolving user config directory: %w", err)
	}
	dir := filepath.Join(base, "qudicore")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("app: creating application directory %s: %w", dir, err)
	}
	return dir, nil
}

// New loads configuration, brings up logging, tracing, the status store,
// the session journal, and the module manager, and (if configured) the
// remote module server. It does not activate any module; call Run for
// that.
func New(ctx context.Context, opts Options) (*Application, error) {
	appDir := opts.AppDataDir
	if appDir == "" {
		dir, err := DefaultAppDataDir()
		if err != nil {
			return nil, err
		}
		appDir = dir
	}

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = filepath.Join(appDir, "qudicore.cfg.yml")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("app: loading configuration: %w", err)
	}

	logDir := filepath.Join(appDir, "log")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("app: creating log directory: %w", err)
	}

	level := logging.ParseLevel("info")
	if opts.Debug {
		level = logging.ParseLevel("debug")
	}

	a := &Application{opts: opts, cfg: cfg}

	logger, loggingClose, err := logging.Setup(logging.Config{
		Dir:        logDir,
		Level:      level,
		Notifier:   logging.NewConsoleNotifier(os.Stderr),
		OnCritical: func() { a.TriggerShutdown() },
	})
	if err != nil {
		return nil, fmt.Errorf("app: setting up logging: %w", err)
	}
	a.logger = logger
	a.loggingClose = loggingClose

	tracer, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    cfg.Global.TracingEndpoint,
		ServiceName: "qudicore",
		Insecure:    true,
	})
	if err != nil {
		loggingClose()
		return nil, fmt.Errorf("app: setting up tracing: %w", err)
	}
	a.tracer = tracer

	journal, err := manager.OpenJournal(filepath.Join(appDir, "qudicore.db"))
	if err != nil {
		tracer.Shutdown(ctx)
		loggingClose()
		return nil, fmt.Errorf("app: opening session journal: %w", err)
	}
	a.journal = journal

	a.runID = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano()).Generate()
	logger.InfoContext(ctx, "starting qudicore process", "run_id", a.runID)
	if err := journal.RecordEvent(ctx, "", "process_start", a.runID); err != nil {
		logger.WarnContext(ctx, "recording process start in journal", "error", err)
	}

	statusStore, err := descriptor.NewStore(appDir)
	if err != nil {
		journal.Close()
		tracer.Shutdown(ctx)
		loggingClose()
		return nil, fmt.Errorf("app: opening status store: %w", err)
	}
	a.statusStore = statusStore

	dataDir := appDir
	if cfg.Global.DefaultDataDir != nil && *cfg.Global.DefaultDataDir != "" {
		dataDir = *cfg.Global.DefaultDataDir
	}

	a.threads = thread.NewManager()
	a.mgr = manager.New(cfg, a.threads, statusStore, journal, logger, dataDir)

	if cfg.Global.RemoteModulesServer != nil {
		a.remoteServer = remote.NewServer(*cfg.Global.RemoteModulesServer, a.mgr, journal, logger)
	}

	a.shutdownOnce = sync.OnceFunc(func() {})

	return a, nil
}

// Run activates every global.startup_modules entry, then blocks until the
// process is asked to stop — by ctx cancellation, SIGINT/SIGTERM, or a
// critical log record — and runs an orderly, dependency-ordered shutdown.
// It returns the process exit code: 0 for a clean shutdown, 1 if a
// startup_modules entry fails to activate, 2 if the remote server's accept
// loop ends on an error other than the shutdown itself.
func (a *Application) Run(ctx context.Context) int {
	stopCh := make(chan struct{})
	a.shutdownOnce = sync.OnceFunc(func() { close(stopCh) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for _, name := range a.cfg.Global.StartupModules {
		if err := a.mgr.Activate(ctx, name); err != nil {
			a.logger.ErrorContext(ctx, "startup module failed to activate", "module", name, "error", err)
			a.shutdown(ctx)
			return 1
		}
	}

	remoteErrCh := make(chan error, 1)
	if a.remoteServer != nil {
		go func() {
			remoteErrCh <- a.remoteServer.Serve(ctx)
		}()
	}

	exitCode := 0
	select {
	case <-ctx.Done():
	case <-sigCh:
	case <-stopCh:
	case err := <-remoteErrCh:
		if err != nil {
			a.logger.ErrorContext(ctx, "remote module server stopped unexpectedly", "error", err)
			exitCode = 2
		}
	}

	a.shutdown(ctx)
	return exitCode
}

// TriggerShutdown asks a running Run loop to begin an orderly shutdown. It
// is safe to call from any goroutine, any number of times, including
// before Run has started (in which case the first Run sees it as already
// requested is not guaranteed — callers needing that ordering should use
// ctx cancellation instead).
func (a *Application) TriggerShutdown() {
	a.shutdownOnce()
}

// shutdown tears down every subsystem in reverse dependency order: modules
// first (deepest dependents before what they depend on, handled by
// manager.Deactivate's own closure walk per root), then the remote server,
// then the thread manager, then the journal, tracing, and logging.
func (a *Application) shutdown(ctx context.Context) {
	if err := a.journal.RecordEvent(ctx, "", "process_stop", a.runID); err != nil {
		a.logger.WarnContext(ctx, "recording process stop in journal", "error", err)
	}

	for _, row := range a.mgr.Snapshot() {
		if err := a.mgr.Deactivate(ctx, row.Name); err != nil {
			a.logger.WarnContext(ctx, "deactivating module during shutdown", "module", row.Name, "error", err)
		}
	}

	if a.remoteServer != nil {
		if err := a.remoteServer.Close(); err != nil {
			a.logger.WarnContext(ctx, "closing remote module server", "error", err)
		}
	}

	if err := a.threads.Shutdown(ctx, 5*time.Second); err != nil {
		a.logger.WarnContext(ctx, "shutting down thread manager", "error", err)
	}

	if err := a.journal.Close(); err != nil {
		a.logger.WarnContext(ctx, "closing session journal", "error", err)
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.WarnContext(ctx, "shutting down tracer provider", "error", err)
	}

	if err := a.loggingClose(); err != nil {
		// Nothing left to log to; this one genuinely has nowhere to go.
		fmt.Fprintf(os.Stderr, "app: closing log file: %v\n", err)
	}
}

// Manager exposes the module manager for a CLI subcommand (e.g. a
// "modules" listing) that needs read-only access without importing
// manager's internals directly.
func (a *Application) Manager() *manager.ModuleManager { return a.mgr }

// Config returns the loaded configuration document.
func (a *Application) Config() *config.Config { return a.cfg }

// RunID returns the human-readable name generated for this process
// instance at startup, used to correlate its log lines and journal rows
// across a single run.
func (a *Application) RunID() string { return a.runID }
