package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"mediaflow/internal/worker"
)

type countingInvoker struct {
	inner worker.Invoker
	calls atomic.Int32
}

func (c *countingInvoker) Invoke(ctx context.Context, cmd worker.Command) (worker.Process, error) {
	c.calls.Add(1)
	return c.inner.Invoke(ctx, cmd)
}

type recordingObserver struct {
	mu      sync.Mutex
	started map[string]int
	failed  map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{started: map[string]int{}, failed: map[string]int{}}
}

func (r *recordingObserver) WorkerStarted(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[stage]++
}

func (r *recordingObserver) WorkerFailed(stage, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[stage+"/"+reason]++
}

func (r *recordingObserver) WorkersLive(int) {}

// gatedInvoker blocks each Invoke until release is closed.
type gatedInvoker struct {
	entered chan struct{}
	release chan struct{}
	started chan *signalRecorder
}

func (g *gatedInvoker) Invoke(_ context.Context, cmd worker.Command) (worker.Process, error) {
	close(g.entered)
	<-g.release
	proc, err := worker.ExecInvoker{}.Invoke(context.Background(), cmd)
	if err != nil {
		return nil, err
	}
	rec := &signalRecorder{Process: proc}
	g.started <- rec
	return rec, nil
}

type signalRecorder struct {
	worker.Process
	mu      sync.Mutex
	signals []syscall.Signal
}

func (r *signalRecorder) Signal(sig syscall.Signal) error {
	r.mu.Lock()
	r.signals = append(r.signals, sig)
	r.mu.Unlock()
	return r.Process.Signal(sig)
}

func (r *signalRecorder) received(sig syscall.Signal) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.signals {
		if got == sig {
			return true
		}
	}
	return false
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func newSupervisor(t *testing.T, invoker worker.Invoker, opts ...worker.Option) *worker.Supervisor {
	t.Helper()
	sup := worker.NewSupervisor(invoker, append([]worker.Option{worker.WithGracePeriod(time.Second)}, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return sup
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAcquireConcurrentCallersShareOneProcess(t *testing.T) {
	script := writeScript(t, "sleep 1\necho done")
	invoker := &countingInvoker{inner: worker.ExecInvoker{}}
	sup := newSupervisor(t, invoker)

	const callers = 8
	handles := make([]*worker.Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := sup.Acquire(waitCtx(t), "encoder:1", worker.Command{Binary: script})
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if got := invoker.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one process start, got %d", got)
	}
	for i, h := range handles {
		if h == nil || h != handles[0] {
			t.Fatalf("caller %d received a different handle", i)
		}
	}
	if !sup.IsAvailable("encoder:1") {
		t.Fatal("expected handle to be available while running")
	}

	result, err := handles[0].Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !result.Success() || result.LastLine != "done" {
		t.Fatalf("unexpected result %+v", result)
	}
	if sup.IsAvailable("encoder:1") {
		t.Fatal("finished handle should not be available")
	}
}

func TestAcquireStartupFailureLeavesKeyUnregistered(t *testing.T) {
	observer := newRecordingObserver()
	sup := newSupervisor(t, worker.ExecInvoker{}, worker.WithObserver(observer))

	_, err := sup.Acquire(waitCtx(t), "analyzer:7", worker.Command{Binary: filepath.Join(t.TempDir(), "missing-binary")})
	if !errors.Is(err, worker.ErrWorkerStartupFailed) {
		t.Fatalf("expected ErrWorkerStartupFailed, got %v", err)
	}
	if _, ok := sup.Lookup("analyzer:7"); ok {
		t.Fatal("failed startup must not register the key")
	}
	if observer.failed["analyzer/startup"] != 1 {
		t.Fatalf("expected startup failure to be observed, got %v", observer.failed)
	}
}

func TestUnexpectedExitPurgesEntry(t *testing.T) {
	script := writeScript(t, "echo starting\nkill -9 $$")
	invoker := &countingInvoker{inner: worker.ExecInvoker{}}
	sup := newSupervisor(t, invoker)

	h, err := sup.Acquire(waitCtx(t), "quality-search:3", worker.Command{Binary: script})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); !errors.Is(err, worker.ErrUnexpectedWorkerExit) {
		t.Fatalf("expected ErrUnexpectedWorkerExit, got %v", err)
	}
	if _, ok := sup.Lookup("quality-search:3"); ok {
		t.Fatal("expected crashed handle to be purged")
	}

	next, err := sup.Acquire(waitCtx(t), "quality-search:3", worker.Command{Binary: writeScript(t, "exit 0")})
	if err != nil {
		t.Fatalf("Acquire after crash: %v", err)
	}
	if next == h {
		t.Fatal("expected a fresh handle after crash")
	}
	if invoker.calls.Load() != 2 {
		t.Fatalf("expected second start, got %d", invoker.calls.Load())
	}
}

func TestNonZeroExitIsAResult(t *testing.T) {
	sup := newSupervisor(t, worker.ExecInvoker{})
	h, err := sup.Acquire(waitCtx(t), "encoder:9", worker.Command{Binary: writeScript(t, "echo boom >&2\nexit 3")})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	result, err := h.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if result.ExitCode != 3 || result.LastLine != "boom" {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, ok := sup.Lookup("encoder:9"); !ok {
		t.Fatal("a normal exit stays registered until released")
	}
	sup.Release("encoder:9")
	if _, ok := sup.Lookup("encoder:9"); ok {
		t.Fatal("release of a finished handle should drop it")
	}
}

func TestReleaseDoesNotKillRunningProcess(t *testing.T) {
	sup := newSupervisor(t, worker.ExecInvoker{})
	h, err := sup.Acquire(waitCtx(t), "encoder:5", worker.Command{Binary: writeScript(t, "sleep 0.5\necho finished")})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	sup.Release("encoder:5")
	if !h.Alive() {
		t.Fatal("release must not stop the process")
	}
	if _, ok := sup.Lookup("encoder:5"); !ok {
		t.Fatal("running handle should stay registered after release")
	}
	result, err := h.Wait(waitCtx(t))
	if err != nil || result.LastLine != "finished" {
		t.Fatalf("unexpected wait outcome %+v %v", result, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := sup.Lookup("encoder:5"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("released handle was not reaped after exit")
}

func TestCloseTerminatesProcessGroups(t *testing.T) {
	sup := worker.NewSupervisor(worker.ExecInvoker{}, worker.WithGracePeriod(500*time.Millisecond))
	h, err := sup.Acquire(waitCtx(t), "encoder:11", worker.Command{Binary: writeScript(t, "sleep 30")})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := h.Wait(waitCtx(t)); !errors.Is(err, worker.ErrSupervisorClosed) {
		t.Fatalf("expected ErrSupervisorClosed, got %v", err)
	}
	if _, err := sup.Acquire(waitCtx(t), "encoder:12", worker.Command{Binary: "true"}); !errors.Is(err, worker.ErrSupervisorClosed) {
		t.Fatalf("expected closed supervisor to refuse work, got %v", err)
	}
}

func TestStartRacingCloseKillsLateProcess(t *testing.T) {
	invoker := &gatedInvoker{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		started: make(chan *signalRecorder, 1),
	}
	sup := newSupervisor(t, invoker)

	script := writeScript(t, "sleep 30")
	ctxAcquire := waitCtx(t)
	errs := make(chan error, 1)
	go func() {
		_, err := sup.Acquire(ctxAcquire, "encoder:21", worker.Command{Binary: script})
		errs <- err
	}()
	<-invoker.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(invoker.release)

	select {
	case err := <-errs:
		if !errors.Is(err, worker.ErrSupervisorClosed) {
			t.Fatalf("expected ErrSupervisorClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not return after Close")
	}
	proc := <-invoker.started
	if !proc.received(syscall.SIGKILL) {
		t.Fatal("expected the late process group to be killed")
	}
	if proc.Alive() {
		t.Fatal("expected the late process to be gone")
	}
	if _, ok := sup.Lookup("encoder:21"); ok {
		t.Fatal("late process must not be registered")
	}
}

func TestKeyHelpers(t *testing.T) {
	key := worker.Key("quality-search", 42)
	if key != "quality-search:42" {
		t.Fatalf("unexpected key %q", key)
	}
	if worker.StageOf(key) != "quality-search" {
		t.Fatalf("unexpected stage %q", worker.StageOf(key))
	}
}
