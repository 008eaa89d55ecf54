package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/coordinator"
	"mediaflow/internal/dispatch"
	"mediaflow/internal/handlers"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
)

// Store is the queue surface the manager and its coordinators use.
type Store interface {
	dispatch.Source
	Enqueue(ctx context.Context, sourcePath, title string) (*queue.WorkUnit, bool, error)
	Depths(ctx context.Context) (map[stage.Identity]int, error)
	Stats(ctx context.Context) (map[queue.Status]int, error)
	ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// DepthObserver receives per-stage queue depths after every poll.
type DepthObserver interface {
	SetQueueDepths(depths map[stage.Identity]int)
}

// Options configures a Manager.
type Options struct {
	Store     Store
	Workers   coordinator.Workers
	Publisher stage.Publisher
	Observer  dispatch.Observer
	Depths    DepthObserver
	// Handlers overrides the stage handlers; missing entries use handlers.For.
	Handlers map[stage.Identity]dispatch.Handler
	Logger   *slog.Logger
}

// Manager owns the stage coordinators and their background loops.
type Manager struct {
	cfg          *config.Config
	store        Store
	depths       DepthObserver
	logger       *slog.Logger
	pollInterval time.Duration
	retryDelay   time.Duration

	heartbeat    *HeartbeatMonitor
	coordinators map[stage.Identity]*coordinator.Coordinator
	nudges       map[stage.Identity]chan struct{}

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// NewManager builds one coordinator per stage. Every stage starts paused.
func NewManager(cfg *config.Config, opts Options) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("workflow: configuration required")
	}
	if opts.Store == nil || opts.Workers == nil {
		return nil, errors.New("workflow: store and workers are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &Manager{
		cfg:          cfg,
		store:        opts.Store,
		depths:       opts.Depths,
		logger:       logging.NewComponentLogger(logger, "workflow"),
		pollInterval: cfg.PollInterval(),
		retryDelay:   cfg.ErrorRetryInterval(),
		heartbeat:    NewHeartbeatMonitor(opts.Store, logger, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout()),
		coordinators: make(map[stage.Identity]*coordinator.Coordinator, len(stage.All())),
		nudges:       make(map[stage.Identity]chan struct{}, len(stage.All())),
	}
	for _, id := range stage.All() {
		m.nudges[id] = make(chan struct{}, 1)
	}

	observer := chainObserver{next: opts.Observer, nudge: m.nudgeNext}
	for _, id := range stage.All() {
		settings, _ := cfg.Stage(string(id))
		stageLogger := logging.ForStage(logger, cfg.Logging.StageOverrides, string(id))
		handler, ok := opts.Handlers[id]
		if !ok || handler == nil {
			built, err := handlers.For(id, cfg, stageLogger)
			if err != nil {
				return nil, err
			}
			handler = built
		}
		c, err := coordinator.New(coordinator.Options{
			Identity:          id,
			Concurrency:       settings.Concurrency,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			Source:            opts.Store,
			Workers:           opts.Workers,
			Handler:           handler,
			Publisher:         opts.Publisher,
			Observer:          observer,
			Logger:            stageLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("build %s coordinator: %w", id, err)
		}
		m.coordinators[id] = c
	}
	return m, nil
}

// Coordinator returns the coordinator for id.
func (m *Manager) Coordinator(id stage.Identity) (*coordinator.Coordinator, error) {
	c, ok := m.coordinators[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", stage.ErrInvalidStageIdentity, string(id))
	}
	return c, nil
}

// Enqueue registers a source for the analyzer and wakes it when the unit is
// new.
func (m *Manager) Enqueue(ctx context.Context, sourcePath, title string) (*queue.WorkUnit, bool, error) {
	unit, created, err := m.store.Enqueue(ctx, sourcePath, title)
	if err != nil || !created {
		return unit, created, err
	}
	if _, err := m.NotifyWorkAvailable(ctx); err != nil {
		m.logger.Debug("notify analyzer failed", logging.Error(err))
	}
	return unit, true, nil
}

// NotifyWorkAvailable wakes the analyzer. It lets the manager act as the
// ingest notifier.
func (m *Manager) NotifyWorkAvailable(ctx context.Context) (int, error) {
	return m.coordinators[stage.Analyzer].NotifyWorkAvailable(ctx)
}

// nudgeNext wakes the poll loop of the stage after id.
func (m *Manager) nudgeNext(id stage.Identity) {
	next, ok := id.Next()
	if !ok {
		return
	}
	m.nudge(next)
}

func (m *Manager) nudge(id stage.Identity) {
	select {
	case m.nudges[id] <- struct{}{}:
	default:
	}
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

// chainObserver forwards dispatch notifications and nudges the downstream
// stage when a unit succeeds.
type chainObserver struct {
	next  dispatch.Observer
	nudge func(stage.Identity)
}

func (o chainObserver) UnitStarted(name string) {
	if o.next != nil {
		o.next.UnitStarted(name)
	}
}

func (o chainObserver) UnitFinished(name, result string, elapsed time.Duration) {
	if o.next != nil {
		o.next.UnitFinished(name, result, elapsed)
	}
	if result == "succeeded" {
		o.nudge(stage.Identity(name))
	}
}

func (o chainObserver) InFlight(name string, count int) {
	if o.next != nil {
		o.next.InFlight(name, count)
	}
}
