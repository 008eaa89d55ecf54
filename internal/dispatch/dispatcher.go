package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

// Source is the persistent queue as seen by one stage.
type Source interface {
	NextEligible(ctx context.Context, id stage.Identity, limit int) ([]*queue.WorkUnit, error)
	CountEligible(ctx context.Context, id stage.Identity) (int, error)
	RecordOutcome(ctx context.Context, unit *queue.WorkUnit, outcome queue.Outcome) error
	ReleaseClaims(ctx context.Context, units ...*queue.WorkUnit) (int64, error)
	Heartbeat(ctx context.Context, unit *queue.WorkUnit, progress string) error
	Claimed(ctx context.Context, id stage.Identity) ([]*queue.WorkUnit, error)
}

// Workers is the process registry.
type Workers interface {
	Acquire(ctx context.Context, key string, cmd worker.Command) (*worker.Handle, error)
	Lookup(key string) (*worker.Handle, bool)
	Release(key string)
}

// Handler turns a unit into a subprocess and the finished subprocess into an
// outcome.
type Handler interface {
	Command(ctx context.Context, unit *queue.WorkUnit) (worker.Command, error)
	Complete(ctx context.Context, unit *queue.WorkUnit, result worker.Result) (queue.Outcome, error)
}

// StageControl is the slice of the stage coordinator the dispatcher drives.
// Implementations serialize these calls against other transitions.
type StageControl interface {
	State() stage.State
	StartProcessing() stage.State
	WorkCompleted(hasMore bool) stage.State
	// Settle moves a running stage with nothing left to do to idle.
	Settle() stage.State
}

// Observer receives dispatch notifications, typically metrics.
type Observer interface {
	UnitStarted(stage string)
	UnitFinished(stage, result string, elapsed time.Duration)
	InFlight(stage string, count int)
}

type noopObserver struct{}

func (noopObserver) UnitStarted(string)                         {}
func (noopObserver) UnitFinished(string, string, time.Duration) {}
func (noopObserver) InFlight(string, int)                       {}

// Options configures a Dispatcher.
type Options struct {
	Identity          stage.Identity
	Concurrency       int
	HeartbeatInterval time.Duration
	Source            Source
	Workers           Workers
	Handler           Handler
	Control           StageControl
	Observer          Observer
	Logger            *slog.Logger
}

// Dispatcher runs work for one stage.
type Dispatcher struct {
	id        stage.Identity
	bound     int
	heartbeat time.Duration
	source    Source
	workers   Workers
	handler   Handler
	control   StageControl
	observer  Observer
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inFlight map[int64]*queue.WorkUnit
	wg       sync.WaitGroup
}

// New validates opts and builds a dispatcher whose units run until Close.
func New(opts Options) (*Dispatcher, error) {
	if !opts.Identity.Valid() {
		return nil, fmt.Errorf("%w: %q", stage.ErrInvalidStageIdentity, string(opts.Identity))
	}
	if opts.Source == nil || opts.Workers == nil || opts.Handler == nil || opts.Control == nil {
		return nil, errors.New("dispatch: source, workers, handler, and control are required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 15 * time.Second
	}
	if opts.Observer == nil {
		opts.Observer = noopObserver{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		id:        opts.Identity,
		bound:     opts.Concurrency,
		heartbeat: opts.HeartbeatInterval,
		source:    opts.Source,
		workers:   opts.Workers,
		handler:   opts.Handler,
		control:   opts.Control,
		observer:  opts.Observer,
		logger:    logging.NewComponentLogger(opts.Logger, "dispatcher").With(logging.String(logging.FieldStage, string(opts.Identity))),
		ctx:       ctx,
		cancel:    cancel,
		inFlight:  make(map[int64]*queue.WorkUnit),
	}, nil
}

// Identity returns the stage this dispatcher serves.
func (d *Dispatcher) Identity() stage.Identity {
	return d.id
}

// Bound returns the concurrency bound.
func (d *Dispatcher) Bound() int {
	return d.bound
}

// InFlight returns the number of running units.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inFlight)
}

// Keys returns the worker keys of in-flight units.
func (d *Dispatcher) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]string, 0, len(d.inFlight))
	for id := range d.inFlight {
		keys = append(keys, worker.Key(string(d.id), id))
	}
	return keys
}

// DispatchAvailable starts up to bound-inFlight units when the stage is
// available for work and returns how many were started.
func (d *Dispatcher) DispatchAvailable(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatchLocked(ctx, false)
}

// Recover re-attaches to units this stage still holds claims on. Units whose
// worker handle survived are awaited again; the rest are released back to
// pending. It returns the number of adopted units.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	claimed, err := d.source.Claimed(ctx, d.id)
	if err != nil {
		return 0, fmt.Errorf("recover %s claims: %w", d.id, err)
	}
	var (
		orphans []*queue.WorkUnit
		adopted []*queue.WorkUnit
		handles []*worker.Handle
	)
	for _, unit := range claimed {
		if _, running := d.inFlight[unit.ID]; running {
			continue
		}
		h, ok := d.workers.Lookup(worker.Key(string(d.id), unit.ID))
		if !ok || len(d.inFlight)+len(adopted) >= d.bound {
			orphans = append(orphans, unit)
			continue
		}
		adopted = append(adopted, unit)
		handles = append(handles, h)
	}
	if len(orphans) > 0 {
		if _, err := d.source.ReleaseClaims(ctx, orphans...); err != nil {
			return 0, fmt.Errorf("release orphaned %s claims: %w", d.id, err)
		}
		d.logger.Info("released orphaned claims",
			logging.String(logging.FieldEventType, "claims_released"),
			logging.Int("count", len(orphans)),
		)
	}
	if len(adopted) == 0 {
		return 0, nil
	}
	if state := d.control.StartProcessing(); state != stage.StateProcessing {
		// Leave the handles running; a later Recover can still adopt them.
		return 0, nil
	}
	correlationID := uuid.NewString()
	for i, unit := range adopted {
		d.launchLocked(unit, handles[i], correlationID)
	}
	d.logger.Info("re-adopted running workers",
		logging.String(logging.FieldEventType, "workers_adopted"),
		logging.String(logging.FieldCorrelationID, correlationID),
		logging.Int("count", len(adopted)),
	)
	if _, err := d.dispatchLocked(ctx, true); err != nil {
		return len(adopted), err
	}
	return len(adopted), nil
}

// Wait blocks until every in-flight unit has settled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close cancels in-flight bookkeeping and waits for unit goroutines. Worker
// processes are owned by the supervisor and keep running.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) dispatchLocked(ctx context.Context, refill bool) (int, error) {
	state := d.control.State()
	if !stage.AvailableForWork(state) && !(refill && state == stage.StateProcessing) {
		return 0, nil
	}
	if d.ctx.Err() != nil {
		return 0, nil
	}
	capacity := d.bound - len(d.inFlight)
	if capacity <= 0 {
		return 0, nil
	}

	units, err := d.source.NextEligible(ctx, d.id, capacity)
	if err != nil {
		logging.ErrorWithContext(d.logger, "claim eligible units failed", "dispatch_claim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return 0, err
	}
	if len(units) == 0 {
		return 0, nil
	}

	if state := d.control.StartProcessing(); state != stage.StateProcessing {
		if _, err := d.source.ReleaseClaims(d.ctx, units...); err != nil {
			d.logger.Warn("release claims after rejected dispatch failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "claims_release_failed"),
				logging.String(logging.FieldErrorHint, "claims return to pending once their heartbeat goes stale"),
				logging.String(logging.FieldImpact, "units wait for stale-claim reclamation"),
			)
		}
		d.logger.Debug("dispatch round abandoned",
			logging.String(logging.FieldEventType, "dispatch_abandoned"),
			logging.String("state", string(state)),
			logging.Int("units", len(units)),
		)
		return 0, nil
	}

	correlationID := uuid.NewString()
	for _, unit := range units {
		d.launchLocked(unit, nil, correlationID)
	}
	d.logger.Info("dispatched work",
		logging.String(logging.FieldEventType, "dispatch_round"),
		logging.String(logging.FieldCorrelationID, correlationID),
		logging.Int("started", len(units)),
		logging.Int("in_flight", len(d.inFlight)),
		logging.Int("bound", d.bound),
	)
	return len(units), nil
}

func (d *Dispatcher) launchLocked(unit *queue.WorkUnit, handle *worker.Handle, correlationID string) {
	d.inFlight[unit.ID] = unit
	d.observer.InFlight(string(d.id), len(d.inFlight))
	d.observer.UnitStarted(string(d.id))
	d.wg.Add(1)
	go d.run(unit, handle, correlationID)
}

func (d *Dispatcher) run(unit *queue.WorkUnit, handle *worker.Handle, correlationID string) {
	defer d.wg.Done()
	started := time.Now()
	ctx := services.WithRequestID(services.WithUnitID(d.ctx, unit.ID), correlationID)
	logger := logging.WithContext(ctx, d.logger)
	key := worker.Key(string(d.id), unit.ID)

	outcome, disp := d.execute(ctx, logger, unit, key, handle)
	if disp == detach {
		// The dispatcher is closing; the claim and the handle stay in place
		// for Recover.
		d.finish(unit)
		return
	}

	result := "released"
	if disp == release {
		if _, err := d.source.ReleaseClaims(context.Background(), unit); err != nil {
			logger.Warn("release claim failed", logging.Error(err),
				logging.String(logging.FieldEventType, "claims_release_failed"),
				logging.String(logging.FieldErrorHint, "claims return to pending once their heartbeat goes stale"),
				logging.String(logging.FieldImpact, "unit waits for stale-claim reclamation"),
			)
		}
	} else {
		result = "failed"
		if outcome.Success {
			result = "succeeded"
		}
		if err := d.source.RecordOutcome(context.Background(), unit, outcome); err != nil {
			logging.WarnWithContext(logger, "record outcome failed", "outcome_record_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "the claim was reclaimed or the database is unavailable"),
				logging.String(logging.FieldImpact, "unit outcome lost; it will be re-run"),
			)
		}
	}
	d.workers.Release(key)
	d.observer.UnitFinished(string(d.id), result, time.Since(started))

	switch {
	case disp == release:
	case outcome.Success:
		logger.Info("work unit completed",
			logging.String(logging.FieldEventType, "unit_completed"),
			logging.Duration("elapsed", time.Since(started)),
		)
	default:
		logger.Warn("work unit failed",
			logging.String(logging.FieldEventType, "unit_failed"),
			logging.String("reason", outcome.Error),
			logging.String(logging.FieldErrorHint, "inspect the unit with 'mediaflow queue list' and retry it"),
			logging.String(logging.FieldImpact, "unit parked as failed"),
		)
	}

	d.finish(unit)
}

type disposition int

const (
	record disposition = iota
	release
	detach
)

// execute runs unit to completion and says what to do with its claim.
func (d *Dispatcher) execute(ctx context.Context, logger *slog.Logger, unit *queue.WorkUnit, key string, handle *worker.Handle) (queue.Outcome, disposition) {
	if handle == nil {
		cmd, err := d.handler.Command(ctx, unit)
		if err != nil {
			return queue.Outcome{Error: err.Error()}, record
		}
		handle, err = d.workers.Acquire(ctx, key, cmd)
		if err != nil {
			if errors.Is(err, worker.ErrSupervisorClosed) || ctx.Err() != nil {
				return queue.Outcome{}, release
			}
			return queue.Outcome{Error: err.Error()}, record
		}
		logger.Debug("worker acquired",
			logging.String(logging.FieldEventType, "worker_acquired"),
			logging.String(logging.FieldWorkerKey, key),
			logging.String("handle_id", handle.ID()),
		)
	}

	result, err := d.await(ctx, logger, unit, handle)
	switch {
	case errors.Is(err, worker.ErrSupervisorClosed):
		return queue.Outcome{}, release
	case errors.Is(err, context.Canceled):
		return queue.Outcome{}, detach
	case err != nil:
		return queue.Outcome{Error: err.Error()}, record
	}

	outcome, err := d.handler.Complete(ctx, unit, result)
	if err != nil {
		return queue.Outcome{Error: err.Error()}, record
	}
	return outcome, record
}

func (d *Dispatcher) await(ctx context.Context, logger *slog.Logger, unit *queue.WorkUnit, handle *worker.Handle) (worker.Result, error) {
	ticker := time.NewTicker(d.heartbeat)
	defer ticker.Stop()
	lastProgress := ""
	for {
		select {
		case <-handle.Done():
			return handle.Wait(ctx)
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		case <-ticker.C:
			progress := handle.LastLine()
			if progress == lastProgress {
				progress = ""
			} else {
				lastProgress = progress
			}
			if err := d.source.Heartbeat(ctx, unit, progress); err != nil && ctx.Err() == nil {
				logger.Warn("heartbeat update failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_failed"),
					logging.String(logging.FieldErrorHint, "check queue database access"),
					logging.String(logging.FieldImpact, "claim may be reclaimed as stale"),
				)
			}
		}
	}
}

func (d *Dispatcher) finish(unit *queue.WorkUnit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, unit.ID)
	d.observer.InFlight(string(d.id), len(d.inFlight))
	if d.ctx.Err() != nil {
		return
	}

	if len(d.inFlight) > 0 {
		if _, err := d.dispatchLocked(d.ctx, true); err != nil {
			d.logger.Debug("refill failed", logging.Error(err))
		}
		return
	}

	count, err := d.source.CountEligible(d.ctx, d.id)
	if err != nil {
		d.logger.Warn("count eligible units failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "count_eligible_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
			logging.String(logging.FieldImpact, "stage settles idle until the next poll"),
		)
		count = 0
	}
	state := d.control.WorkCompleted(count > 0)
	if state == stage.StateRunning && count == 0 {
		// Resumed while the last unit was still running.
		state = d.control.Settle()
	}
	if stage.AvailableForWork(state) && count > 0 {
		if _, err := d.dispatchLocked(d.ctx, false); err != nil {
			d.logger.Debug("follow-up dispatch failed", logging.Error(err))
		}
	}
}
