package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mediaflow/internal/dispatch"
	"mediaflow/internal/logging"
	"mediaflow/internal/stage"
)

// Workers is the supervisor surface a coordinator needs.
type Workers interface {
	dispatch.Workers
	IsAvailable(key string) bool
}

// HealthChecker reports whether a stage's external tooling is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) stage.Health
}

// Options configures a Coordinator.
type Options struct {
	Identity          stage.Identity
	Concurrency       int
	HeartbeatInterval time.Duration
	Source            dispatch.Source
	Workers           Workers
	Handler           dispatch.Handler
	Publisher         stage.Publisher
	Observer          dispatch.Observer
	Logger            *slog.Logger
}

// Status is a read-only snapshot of one stage.
type Status struct {
	Stage              stage.Identity `json:"stage"`
	State              stage.State    `json:"state"`
	DeclaredRunning    bool           `json:"declared_running"`
	ActivelyProcessing bool           `json:"actively_processing"`
	WorkerAvailable    bool           `json:"worker_available"`
	QueueDepth         int            `json:"queue_depth"`
	InFlight           int            `json:"in_flight"`
	Concurrency        int            `json:"concurrency"`
	Health             *stage.Health  `json:"health,omitempty"`
}

// Coordinator controls one stage.
type Coordinator struct {
	id         stage.Identity
	source     dispatch.Source
	workers    Workers
	health     HealthChecker
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	mu        sync.Mutex
	machine   *stage.Machine
	recovered bool
}

// New builds a coordinator. The stage starts paused.
func New(opts Options) (*Coordinator, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	logger := logging.NewComponentLogger(opts.Logger, "coordinator")
	machine, err := stage.New(opts.Identity, opts.Publisher, logger)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		id:      opts.Identity,
		source:  opts.Source,
		workers: opts.Workers,
		machine: machine,
		logger:  logger.With(logging.String(logging.FieldStage, string(opts.Identity))),
	}
	if checker, ok := opts.Handler.(HealthChecker); ok {
		c.health = checker
	}
	c.dispatcher, err = dispatch.New(dispatch.Options{
		Identity:          opts.Identity,
		Concurrency:       opts.Concurrency,
		HeartbeatInterval: opts.HeartbeatInterval,
		Source:            opts.Source,
		Workers:           opts.Workers,
		Handler:           opts.Handler,
		Control:           control{c},
		Observer:          opts.Observer,
		Logger:            opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s dispatcher: %w", opts.Identity, err)
	}
	return c, nil
}

// Identity returns the stage identity.
func (c *Coordinator) Identity() stage.Identity {
	return c.id
}

// State returns the current stage state.
func (c *Coordinator) State() stage.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Start resumes the stage, re-adopts surviving workers the first time it is
// called, and dispatches available work.
func (c *Coordinator) Start(ctx context.Context) (stage.State, error) {
	c.mu.Lock()
	c.machine.Resume()
	firstStart := !c.recovered
	c.recovered = true
	c.mu.Unlock()

	if firstStart {
		if _, err := c.dispatcher.Recover(ctx); err != nil {
			return c.State(), err
		}
	}
	if _, err := c.dispatcher.DispatchAvailable(ctx); err != nil {
		return c.State(), err
	}
	return c.State(), nil
}

// Pause drains in-flight work when processing and pauses directly otherwise.
func (c *Coordinator) Pause() stage.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Pause()
}

// Resume moves a paused or stopped stage to running and dispatches.
func (c *Coordinator) Resume(ctx context.Context) (stage.State, error) {
	c.mu.Lock()
	c.machine.Resume()
	c.mu.Unlock()
	if _, err := c.dispatcher.DispatchAvailable(ctx); err != nil {
		return c.State(), err
	}
	return c.State(), nil
}

// DispatchAvailable asks the dispatcher to fill free capacity. It does
// nothing unless the stage is idle or running.
func (c *Coordinator) DispatchAvailable(ctx context.Context) (int, error) {
	return c.dispatcher.DispatchAvailable(ctx)
}

// NotifyWorkAvailable wakes an idle stage and dispatches.
func (c *Coordinator) NotifyWorkAvailable(ctx context.Context) (int, error) {
	c.mu.Lock()
	c.machine.WorkAvailable()
	c.mu.Unlock()
	return c.dispatcher.DispatchAvailable(ctx)
}

// Stop moves the stage to stopped and detaches from in-flight units. Their
// worker processes keep running under the supervisor and their claims stay
// held.
func (c *Coordinator) Stop() stage.State {
	c.mu.Lock()
	state := c.machine.Stop()
	c.mu.Unlock()
	c.dispatcher.Close()
	return state
}

// Wait blocks until in-flight units have settled.
func (c *Coordinator) Wait() {
	c.dispatcher.Wait()
}

// IsActivelyRunning reports whether the stage is executing work.
func (c *Coordinator) IsActivelyRunning() bool {
	return stage.ActivelyWorking(c.State())
}

// Status assembles a snapshot without mutating anything.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	state := c.State()
	running, err := stage.IsRunning(state)
	if err != nil {
		return Status{}, err
	}
	status := Status{
		Stage:              c.id,
		State:              state,
		DeclaredRunning:    running,
		ActivelyProcessing: stage.ActivelyWorking(state),
		InFlight:           c.dispatcher.InFlight(),
		Concurrency:        c.dispatcher.Bound(),
	}
	for _, key := range c.dispatcher.Keys() {
		if c.workers.IsAvailable(key) {
			status.WorkerAvailable = true
			break
		}
	}
	depth, err := c.source.CountEligible(ctx, c.id)
	if err != nil {
		return status, fmt.Errorf("%s queue depth: %w", c.id, err)
	}
	status.QueueDepth = depth
	if c.health != nil {
		health := c.health.HealthCheck(ctx)
		status.Health = &health
	}
	return status, nil
}

type control struct {
	c *Coordinator
}

func (ctl control) State() stage.State {
	return ctl.c.State()
}

func (ctl control) StartProcessing() stage.State {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()
	return ctl.c.machine.StartProcessing()
}

func (ctl control) WorkCompleted(hasMore bool) stage.State {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()
	return ctl.c.machine.WorkCompleted(hasMore)
}

func (ctl control) Settle() stage.State {
	ctl.c.mu.Lock()
	defer ctl.c.mu.Unlock()
	if ctl.c.machine.State() != stage.StateRunning {
		return ctl.c.machine.State()
	}
	return ctl.c.machine.TransitionTo(stage.StateIdle)
}
