package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"mediaflow/internal/logging"
)

const (
	defaultGracePeriod = 10 * time.Second
	outputDrainTimeout = 2 * time.Second
)

// Observer receives supervisor lifecycle notifications. Implementations must
// be safe for concurrent use.
type Observer interface {
	WorkerStarted(stage string)
	WorkerFailed(stage, reason string)
	WorkersLive(count int)
}

type noopObserver struct{}

func (noopObserver) WorkerStarted(string)        {}
func (noopObserver) WorkerFailed(string, string) {}
func (noopObserver) WorkersLive(int)             {}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGracePeriod sets how long Close waits after SIGTERM before SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d >= 0 {
			s.grace = d
		}
	}
}

// WithObserver registers lifecycle callbacks, typically metrics.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observer = o
		}
	}
}

type entry struct {
	handle   *Handle
	released bool
}

// Supervisor is the process registry.
type Supervisor struct {
	invoker  Invoker
	logger   *slog.Logger
	observer Observer
	grace    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewSupervisor creates a registry that launches processes through invoker.
func NewSupervisor(invoker Invoker, opts ...Option) *Supervisor {
	if invoker == nil {
		invoker = ExecInvoker{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		invoker:  invoker,
		logger:   logging.NewNop(),
		observer: noopObserver{},
		grace:    defaultGracePeriod,
		ctx:      ctx,
		cancel:   cancel,
		entries:  make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "worker-supervisor")
	return s
}

// Key builds the registry key for one work unit of a stage.
func Key(stage string, unitID int64) string {
	return fmt.Sprintf("%s:%d", stage, unitID)
}

// StageOf returns the stage prefix of a registry key.
func StageOf(key string) string {
	stage, _, _ := strings.Cut(key, ":")
	return stage
}

// Acquire returns the running handle for key, starting cmd when none exists.
// Concurrent callers for the same key share one start.
func (s *Supervisor) Acquire(ctx context.Context, key string, cmd Command) (*Handle, error) {
	if h, ok := s.live(key); ok {
		return h, nil
	}
	ch := s.group.DoChan(key, func() (any, error) {
		if h, ok := s.live(key); ok {
			return h, nil
		}
		return s.start(key, cmd)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handle), nil
	}
}

// Lookup returns the registered handle for key, finished or not.
func (s *Supervisor) Lookup(key string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// IsAvailable reports whether a live, responsive handle exists for key.
func (s *Supervisor) IsAvailable(key string) bool {
	h, ok := s.Lookup(key)
	return ok && h.Alive()
}

// Release marks the handle for key reclaimable. A finished handle is dropped
// immediately; a running one is dropped when it exits. Release never signals
// the process.
func (s *Supervisor) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	e.released = true
	select {
	case <-e.handle.Done():
		delete(s.entries, key)
		s.observer.WorkersLive(s.liveCountLocked())
	default:
	}
}

// Keys returns every registered key.
func (s *Supervisor) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// Live returns the number of running handles.
func (s *Supervisor) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked()
}

func (s *Supervisor) live(key string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	select {
	case <-e.handle.Done():
		delete(s.entries, key)
		return nil, false
	default:
		return e.handle, true
	}
}

func (s *Supervisor) start(key string, cmd Command) (*Handle, error) {
	stage := StageOf(key)
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrSupervisorClosed
	}

	proc, err := s.invoker.Invoke(s.ctx, cmd)
	if err != nil {
		s.observer.WorkerFailed(stage, "startup")
		logging.WarnWithContext(s.logger, "worker startup failed", "worker_startup_failed",
			logging.String(logging.FieldWorkerKey, key),
			logging.String("command", cmd.String()),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify the stage binary is installed and executable"),
			logging.String(logging.FieldImpact, "work unit will be recorded as failed"),
		)
		return nil, fmt.Errorf("%w: %s: %w", ErrWorkerStartupFailed, key, err)
	}

	h := newHandle(uuid.NewString(), key, cmd, proc, s.now())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		discard(proc)
		return nil, ErrSupervisorClosed
	}
	s.entries[key] = &entry{handle: h}
	s.wg.Add(1)
	s.observer.WorkersLive(s.liveCountLocked())
	s.mu.Unlock()
	s.observer.WorkerStarted(stage)

	s.logger.Info("worker started",
		logging.String(logging.FieldEventType, "worker_started"),
		logging.String(logging.FieldWorkerKey, key),
		logging.String("handle_id", h.id),
		logging.Int("pid", proc.PID()),
		logging.String("command", cmd.String()),
	)

	go s.supervise(h)
	return h, nil
}

// discard kills and reaps a process started after Close began.
func discard(proc Process) {
	_ = proc.Signal(syscall.SIGKILL)
	_ = proc.Stdout().Close()
	_, _ = proc.Wait()
}

func (s *Supervisor) supervise(h *Handle) {
	defer s.wg.Done()

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		h.collect()
	}()

	status, waitErr := h.proc.Wait()
	select {
	case <-collected:
	case <-time.After(outputDrainTimeout):
		_ = h.proc.Stdout().Close()
		<-collected
	}
	_ = h.proc.Stdout().Close()

	s.mu.Lock()
	closing := s.closed
	s.mu.Unlock()

	var err error
	switch {
	case closing && (status.Signaled || waitErr != nil):
		err = fmt.Errorf("%w: %s", ErrSupervisorClosed, h.key)
	case waitErr != nil:
		err = fmt.Errorf("%w: %s: %w", ErrUnexpectedWorkerExit, h.key, waitErr)
	case status.Signaled:
		err = fmt.Errorf("%w: %s terminated by %s", ErrUnexpectedWorkerExit, h.key, status.Signal)
	}

	unexpected := err != nil
	if unexpected {
		// Purge before waiters wake so a retry starts fresh.
		s.mu.Lock()
		if e, ok := s.entries[h.key]; ok && e.handle == h {
			delete(s.entries, h.key)
		}
		s.mu.Unlock()
	}
	h.finish(status.Code, err, s.now())

	s.mu.Lock()
	if e, ok := s.entries[h.key]; ok && e.handle == h && e.released {
		delete(s.entries, h.key)
	}
	s.observer.WorkersLive(s.liveCountLocked())
	s.mu.Unlock()

	if unexpected {
		s.observer.WorkerFailed(StageOf(h.key), "exit")
		logging.WarnWithContext(s.logger, "worker exited unexpectedly", "worker_unexpected_exit",
			logging.String(logging.FieldWorkerKey, h.key),
			logging.Int("pid", h.proc.PID()),
			logging.Error(err),
			logging.String("last_output", h.LastLine()),
			logging.String(logging.FieldErrorHint, "check whether the process was killed externally"),
			logging.String(logging.FieldImpact, "work unit will be recorded as failed"),
		)
		return
	}
	s.logger.Info("worker exited",
		logging.String(logging.FieldEventType, "worker_exited"),
		logging.String(logging.FieldWorkerKey, h.key),
		logging.Int("exit_code", status.Code),
		logging.Duration("duration", h.result.Duration),
	)
}

func (s *Supervisor) liveCountLocked() int {
	count := 0
	for _, e := range s.entries {
		select {
		case <-e.handle.Done():
		default:
			count++
		}
	}
	return count
}

// Close terminates every running process group, escalating to SIGKILL
// after the grace period, and waits for supervision goroutines to finish.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := make([]*Handle, 0, len(s.entries))
	for _, e := range s.entries {
		running = append(running, e.handle)
	}
	s.mu.Unlock()

	for _, h := range running {
		if !h.Alive() {
			continue
		}
		s.logger.Info("terminating worker",
			logging.String(logging.FieldEventType, "worker_terminate"),
			logging.String(logging.FieldWorkerKey, h.key),
			logging.Int("pid", h.PID()),
		)
		_ = h.proc.Signal(syscall.SIGTERM)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-finished:
	case <-timer.C:
		for _, h := range running {
			if h.Alive() {
				_ = h.proc.Signal(syscall.SIGKILL)
			}
		}
		select {
		case <-finished:
		case <-ctx.Done():
			s.cancel()
			return ctx.Err()
		}
	case <-ctx.Done():
		for _, h := range running {
			_ = h.proc.Signal(syscall.SIGKILL)
		}
		s.cancel()
		return ctx.Err()
	}
	s.cancel()
	return nil
}
