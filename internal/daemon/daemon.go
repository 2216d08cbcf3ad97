// Package daemon runs the graphflow pipeline: goal intake, the stage runner,
// the single-writer committer, and the UDS control surface.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mkondo/graphflow/internal/bridge"
	"github.com/mkondo/graphflow/internal/commit"
	"github.com/mkondo/graphflow/internal/continuation"
	"github.com/mkondo/graphflow/internal/events"
	"github.com/mkondo/graphflow/internal/lock"
	"github.com/mkondo/graphflow/internal/model"
	"github.com/mkondo/graphflow/internal/queue"
	"github.com/mkondo/graphflow/internal/stage"
	"github.com/mkondo/graphflow/internal/uds"
)

const defaultTickInterval = 100 * time.Millisecond

// Daemon is the main graphflow daemon process.
type Daemon struct {
	dataDir  string
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	queues     *queue.Manager
	eventLog   *events.Log
	bus        *events.Bus
	locks      *lock.Registry
	runner     *stage.Runner
	committer  *commit.Committer
	controller *continuation.Controller
	intake     *Intake
	recent     *recentEvents

	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
	done     chan struct{} // closed once Shutdown completes

	forceExit atomic.Bool
}

// New creates a new Daemon instance logging to dataDir/logs/daemon.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}

	return newDaemon(dataDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	tickInterval := time.Duration(cfg.Daemon.TickIntervalMs) * time.Millisecond
	if tickInterval <= 0 {
		tickInterval = defaultTickInterval
	}

	logger := log.New(w, "", 0)
	logLevel := model.ParseLogLevel(cfg.Logging.Level)

	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: logLevel,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName), logger, logLevel),
		ticker:   time.NewTicker(tickInterval),
		locks:    lock.NewRegistry(),
		recent:   newRecentEvents(20),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	// Step 1: Acquire file lock
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.startedAt = time.Now()
	d.log(model.LogLevelInfo, "daemon starting pid=%d", os.Getpid())

	// Step 2: Init fsnotify watcher on the intake directory
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.fileLock.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	intakeDir := filepath.Join(d.dataDir, "intake")
	if err := os.MkdirAll(intakeDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure dir %s: %w", intakeDir, err)
	}
	if err := watcher.Add(intakeDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", intakeDir, err)
	}

	// Step 3: Build the pipeline
	if err := d.initPipeline(); err != nil {
		d.cleanup()
		return err
	}

	// Step 4: Register UDS handlers
	d.registerHandlers()

	// Step 5: Start UDS server
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(model.LogLevelInfo, "UDS server listening on %s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	// Step 6: Start background loops
	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	// Step 7: Pick up goal files that arrived while the daemon was down
	d.intake.Scan()
	d.log(model.LogLevelInfo, "daemon ready")

	// Step 8: Wait for signals
	d.waitSignals()

	return nil
}

// initPipeline constructs the queue manager, event log, bridge clients, and
// the three pipeline actors.
func (d *Daemon) initPipeline() error {
	d.queues = queue.NewManager(filepath.Join(d.dataDir, "journal"), d.logger, d.logLevel)

	eventLog, err := events.NewLog(filepath.Join(d.dataDir, "events", "events.jsonl"), d.config.Events.MaxLogSize)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	eventLog.EnableChecksum(d.config.Events.Checksum)
	d.bus = events.NewBus(0)
	eventLog.SetBus(d.bus)
	d.eventLog = eventLog

	for _, t := range []events.Type{
		events.TypePatchApplied, events.TypePatchRejected,
		events.TypeGoalRejected, events.TypeBridgeError,
	} {
		d.bus.Subscribe(t, d.recent.add)
	}

	timeout := time.Duration(d.config.Bridge.TimeoutSec) * time.Second
	applier := bridge.NewClient(d.config.Bridge.ApplyURL, timeout)
	planner := bridge.NewPlannerClient(d.config.Bridge.PlannerURL, timeout)

	executor := stage.NewExecutor(d.config.Executor)
	d.runner = stage.NewRunner(d.queues, planner, applier, executor, d.eventLog,
		d.config.Queue.BatchMax, d.logger, d.logLevel)
	d.committer = commit.New(d.queues, d.locks, d.eventLog, applier, applier,
		d.config.Queue, d.logger, d.logLevel)
	d.controller = continuation.New(d.queues, planner, applier,
		d.config.Continuation, d.logger, d.logLevel)
	d.committer.SetContinuer(d.controller)

	d.intake = NewIntake(d.dataDir, d.queues, d.eventLog, d.logger, d.logLevel)
	return nil
}

// fsnotifyLoop processes filesystem change events on the intake directory.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				d.intake.HandleFile(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop drives the pipeline: planner/executor/auditor first, then the
// committer, so work produced in a tick is eligible for commit on the next.
func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.runner.Tick(d.ctx)
			d.committer.Tick(d.ctx)
		}
	}
}

// waitSignals blocks until a shutdown signal is received or Shutdown is
// triggered elsewhere (the UDS shutdown command).
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

		// Second signal → force exit
		go func() {
			<-sigCh
			d.log(model.LogLevelWarn, "received second signal, forcing exit")
			d.forceExit.Store(true)
			os.Exit(1)
		}()

		d.Shutdown()
	case <-d.done:
		// Shutdown already ran; nothing left to wait for.
	}
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(model.LogLevelInfo, "shutdown started")

		// 1. Cancel context (stops accepting new work)
		d.cancel()

		// 2. Stop producers
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		// 3. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeoutSec
		if timeout <= 0 {
			timeout = 30
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.log(model.LogLevelInfo, "all goroutines drained")
		case <-time.After(time.Duration(timeout) * time.Second):
			d.log(model.LogLevelWarn, "shutdown timeout after %ds, some operations may be incomplete", timeout)
		}

		// 4. Cleanup
		d.cleanup()
		d.log(model.LogLevelInfo, "daemon stopped")
		close(d.done)
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	if d.watcher != nil {
		d.watcher.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	if d.eventLog != nil {
		d.eventLog.Close()
	}
	if d.queues != nil {
		d.queues.Close()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level model.LogLevel, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	d.logger.Printf("%s %s daemon: %s", time.Now().Format(time.RFC3339), level, msg)
}
