package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"mediaflow/internal/config"
	"mediaflow/internal/coordinator"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/event"
	"mediaflow/internal/ingest"
	"mediaflow/internal/logging"
	"mediaflow/internal/metrics"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
	"mediaflow/internal/workflow"
)

// Daemon owns the pipeline runtime and enforces single-instance execution.
type Daemon struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *queue.Store
	events     *event.Broadcaster
	metrics    *metrics.Collector
	supervisor *worker.Supervisor
	workflow   *workflow.Manager
	watcher    *ingest.Watcher
	api        *apiServer
	forwarder  *event.NATSForwarder

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	stopped atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
}

// Options overrides collaborators for tests.
type Options struct {
	Invoker  worker.Invoker
	Handlers map[stage.Identity]dispatch.Handler
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool                   `json:"running"`
	PID              int                    `json:"pid"`
	Workflow         workflow.StatusSummary `json:"workflow"`
	QueueDBPath      string                 `json:"queue_db_path"`
	LockFilePath     string                 `json:"lock_file_path"`
	WorkersLive      int                    `json:"workers_live"`
	EventSubscribers int                    `json:"event_subscribers"`
	EventsDropped    uint64                 `json:"events_dropped"`
	IngestEnabled    bool                   `json:"ingest_enabled"`
}

// New wires the broadcaster, metrics, supervisor, and workflow manager
// around store. Every stage starts paused.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, opts Options) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	invoker := opts.Invoker
	if invoker == nil {
		invoker = worker.ExecInvoker{}
	}

	collector := metrics.New()
	events := event.NewBroadcaster(cfg.Events.Buffer)
	supervisor := worker.NewSupervisor(invoker,
		worker.WithLogger(logger),
		worker.WithGracePeriod(cfg.ShutdownGrace()),
		worker.WithObserver(collector),
	)
	mgr, err := workflow.NewManager(cfg, workflow.Options{
		Store:     store,
		Workers:   supervisor,
		Publisher: events,
		Observer:  collector,
		Depths:    collector,
		Handlers:  opts.Handlers,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build workflow: %w", err)
	}
	for _, id := range stage.All() {
		c, _ := mgr.Coordinator(id)
		collector.SetStageState(id, c.State())
	}

	d := &Daemon{
		cfg:        cfg,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		store:      store,
		events:     events,
		metrics:    collector,
		supervisor: supervisor,
		workflow:   mgr,
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
		done:       make(chan struct{}),
	}
	if cfg.Ingest.Enabled && len(cfg.Paths.WatchDirs) > 0 {
		d.watcher, err = ingest.New(cfg, store, mgr, logger)
		if err != nil {
			return nil, fmt.Errorf("build ingest watcher: %w", err)
		}
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock, resets claims left by a previous process,
// and launches the workflow, event consumers, ingest watcher, and API server.
func (d *Daemon) Start(ctx context.Context) error {
	if d.stopped.Load() {
		return errors.New("daemon already stopped")
	}
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	if err := os.MkdirAll(filepath.Dir(d.lockPath), 0o755); err != nil {
		return fmt.Errorf("ensure lock directory: %w", err)
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another mediaflow daemon instance is already running")
	}

	reset, err := d.store.ResetClaims(ctx)
	if err != nil {
		_ = d.lock.Unlock()
		return fmt.Errorf("reset claims: %w", err)
	}
	if reset > 0 {
		d.logger.Info("released claims from previous run",
			logging.String(logging.FieldEventType, "claims_reset"),
			logging.Int64("count", reset),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	subscription, unsubscribe := d.events.Subscribe()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		d.metrics.Watch(runCtx, subscription)
	}()
	d.startForwarder(runCtx)

	if err := d.api.start(runCtx); err != nil {
		d.abort()
		return err
	}
	if err := d.workflow.Start(runCtx); err != nil {
		d.abort()
		return fmt.Errorf("start workflow: %w", err)
	}
	if d.watcher != nil {
		if err := d.watcher.Start(runCtx); err != nil {
			logging.WarnWithContext(d.logger, "ingest watcher unavailable", "ingest_start_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check paths.watch_dirs exist and are readable"),
				logging.String(logging.FieldImpact, "new files must be added with 'mediaflow queue add'"),
			)
		}
	}

	d.running.Store(true)
	d.logger.Info("mediaflow daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Bool("auto_start", d.cfg.Workflow.AutoStart),
	)
	return nil
}

func (d *Daemon) startForwarder(ctx context.Context) {
	url := strings.TrimSpace(d.cfg.Events.NATSURL)
	if url == "" {
		return
	}
	forwarder, err := event.ConnectNATS(url, d.cfg.Events.Subject, d.logger)
	if err != nil {
		logging.WarnWithContext(d.logger, "event forwarding disabled", "nats_connect_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check events.nats_url"),
			logging.String(logging.FieldImpact, "transitions are only visible on /api/events"),
		)
		return
	}
	d.forwarder = forwarder
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		forwarder.Run(ctx, d.events)
	}()
}

func (d *Daemon) abort() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.forwarder.Close()
	d.api.stop()
	_ = d.lock.Unlock()
}

// Stop halts dispatch, terminates remaining workers, returns their claims to
// pending, and releases the lock. A stopped daemon cannot be started again.
func (d *Daemon) Stop() {
	if !d.running.Load() || !d.stopped.CompareAndSwap(false, true) {
		return
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.logger.Debug("ingest watcher close failed", logging.Error(err))
		}
	}
	d.api.stop()
	d.workflow.Stop()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), d.cfg.ShutdownGrace()+5*time.Second)
	if err := d.supervisor.Close(closeCtx); err != nil {
		logging.WarnWithContext(d.logger, "worker shutdown incomplete", "worker_shutdown_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check for leftover encoder processes"),
			logging.String(logging.FieldImpact, "orphaned processes may hold output files"),
		)
	}
	cancelClose()

	if released, err := d.store.ResetClaims(context.Background()); err != nil {
		d.logger.Warn("failed to release claims", logging.Error(err),
			logging.String(logging.FieldEventType, "claims_release_failed"),
			logging.String(logging.FieldErrorHint, "claims are reset on next start"),
			logging.String(logging.FieldImpact, "units stay claimed until restart"),
		)
	} else if released > 0 {
		d.logger.Info("released in-flight claims",
			logging.String(logging.FieldEventType, "claims_released"),
			logging.Int64("count", released),
		)
	}

	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	d.forwarder.Close()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err),
			logging.String(logging.FieldEventType, "lock_release_failed"),
			logging.String(logging.FieldErrorHint, "remove "+d.lockPath+" if the next start fails"),
			logging.String(logging.FieldImpact, "next start may report another instance"),
		)
	}
	d.running.Store(false)
	close(d.done)
	d.logger.Info("mediaflow daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Done is closed once Stop has completed.
func (d *Daemon) Done() <-chan struct{} {
	return d.done
}

// Close stops the daemon and closes the event broadcaster.
func (d *Daemon) Close() error {
	d.Stop()
	d.events.Close()
	return nil
}

// APIAddr returns the address the HTTP API is bound to, or "" when disabled.
func (d *Daemon) APIAddr() string {
	return d.api.Addr()
}

// Events returns the transition broadcaster.
func (d *Daemon) Events() *event.Broadcaster {
	return d.events
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		Workflow:         d.workflow.Status(ctx),
		QueueDBPath:      d.store.Path(),
		LockFilePath:     d.lockPath,
		WorkersLive:      d.supervisor.Live(),
		EventSubscribers: d.events.Subscribers(),
		EventsDropped:    d.events.Dropped(),
		IngestEnabled:    d.watcher != nil,
	}
}

// StageStatus returns the snapshot of one stage.
func (d *Daemon) StageStatus(ctx context.Context, id stage.Identity) (coordinator.Status, error) {
	return d.workflow.StageStatus(ctx, id)
}

// StartStage starts id.
func (d *Daemon) StartStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	return d.workflow.StartStage(ctx, id)
}

// PauseStage pauses id.
func (d *Daemon) PauseStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	return d.workflow.PauseStage(ctx, id)
}

// ResumeStage resumes id.
func (d *Daemon) ResumeStage(ctx context.Context, id stage.Identity) (stage.State, error) {
	return d.workflow.ResumeStage(ctx, id)
}

// DispatchStage asks id to fill free capacity.
func (d *Daemon) DispatchStage(ctx context.Context, id stage.Identity) (int, error) {
	return d.workflow.DispatchStage(ctx, id)
}

// ListQueue returns units filtered by stage and statuses.
func (d *Daemon) ListQueue(ctx context.Context, filter queue.ListFilter) ([]*queue.WorkUnit, error) {
	return d.store.List(ctx, filter)
}

// AddFile enqueues a source file for the analyzer. The bool reports whether
// the file was newly queued.
func (d *Daemon) AddFile(ctx context.Context, sourcePath string) (*queue.WorkUnit, bool, error) {
	trimmed := strings.TrimSpace(sourcePath)
	if trimmed == "" {
		return nil, false, errors.New("source path is required")
	}
	absPath, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, false, fmt.Errorf("resolve source path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return nil, false, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return nil, false, fmt.Errorf("source path %q is a directory", absPath)
	}
	unit, created, err := d.workflow.Enqueue(ctx, absPath, "")
	if err != nil {
		return nil, false, fmt.Errorf("enqueue file: %w", err)
	}
	d.logger.Info("file queued",
		logging.String(logging.FieldEventType, "unit_enqueued"),
		logging.Int64(logging.FieldUnitID, unit.ID),
		logging.String("source", absPath),
		logging.Bool("created", created),
	)
	return unit, created, nil
}

// RetryFailed returns failed units (optionally a subset) to pending.
func (d *Daemon) RetryFailed(ctx context.Context, ids []int64) (int64, error) {
	return d.store.RetryFailed(ctx, ids...)
}

// ReclaimStale returns claims whose heartbeat has expired to pending.
func (d *Daemon) ReclaimStale(ctx context.Context) (int64, error) {
	return d.store.ReclaimStale(ctx, time.Now().Add(-d.cfg.HeartbeatTimeout()))
}

// RemoveUnits deletes units that are not claimed.
func (d *Daemon) RemoveUnits(ctx context.Context, ids []int64) (int64, error) {
	return d.store.Remove(ctx, ids...)
}
