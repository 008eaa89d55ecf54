package workflow_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
	"mediaflow/internal/worker"
	"mediaflow/internal/workflow"
)

const probeScript = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
echo '{"streams":[{"codec_name":"h264","codec_type":"video","width":1920,"height":1080}],"format":{"duration":"60"}}' > "$out"`

const searchScript = `echo "crf 31 VMAF 95.10 predicted video stream size 300 MiB (40%) taking 2 minutes"`

const encodeScript = `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
printf 'av1' > "$out"`

type harness struct {
	cfg       *config.Config
	store     *queue.Store
	manager   *workflow.Manager
	publisher *testsupport.RecordingPublisher
}

func newHarness(t *testing.T, autoStart bool) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t,
		testsupport.WithStageBinary("analyzer", probeScript),
		testsupport.WithStageBinary("quality-search", searchScript),
		testsupport.WithStageBinary("encoder", encodeScript),
	)
	cfg.Workflow.AutoStart = autoStart
	store := testsupport.MustOpenStore(t, cfg)
	sup := worker.NewSupervisor(worker.ExecInvoker{}, worker.WithGracePeriod(time.Second))
	publisher := &testsupport.RecordingPublisher{}

	manager, err := workflow.NewManager(cfg, workflow.Options{
		Store:     store,
		Workers:   sup,
		Publisher: publisher,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		manager.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Close(ctx)
	})
	return &harness{cfg: cfg, store: store, manager: manager, publisher: publisher}
}

func (h *harness) source(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(testsupport.BaseDir(h.cfg), "in", name)
	testsupport.WriteFile(t, path, 2048)
	return path
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineRunsUnitToDone(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	unit, created, err := h.manager.Enqueue(ctx, h.source(t, "clip.mkv"), "")
	if err != nil || !created {
		t.Fatalf("Enqueue: created=%v err=%v", created, err)
	}

	var final *queue.WorkUnit
	waitFor(t, "unit done", func() bool {
		got, err := h.store.GetByID(ctx, unit.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		final = got
		return got.Status == queue.StatusDone || got.Status == queue.StatusFailed
	})
	if final.Status != queue.StatusDone || final.Stage != stage.Encoder {
		t.Fatalf("unexpected final unit: %+v", final)
	}
	if final.AnalysisJSON == "" || final.SearchJSON == "" || final.EncodeJSON == "" {
		t.Fatalf("every stage payload should be persisted: %+v", final)
	}
	want := filepath.Join(h.cfg.Paths.OutputDir, "clip.mkv")
	if final.OutputPath != want {
		t.Fatalf("expected output %s, got %s", want, final.OutputPath)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("encoded file missing: %v", err)
	}

	waitFor(t, "stages idle", func() bool {
		for _, status := range h.manager.Status(ctx).Stages {
			if status.State != stage.StateIdle {
				return false
			}
		}
		return true
	})
}

func TestStagesStayPausedWithoutAutoStart(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if err := h.manager.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	unit, _, err := h.manager.Enqueue(ctx, h.source(t, "held.mkv"), "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	got, err := h.store.GetByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusPending || got.Stage != stage.Analyzer {
		t.Fatalf("paused pipeline should not touch the unit: %+v", got)
	}
	summary := h.manager.Status(ctx)
	if !summary.Running || len(summary.Stages) != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, status := range summary.Stages {
		if status.State != stage.StatePaused || status.DeclaredRunning {
			t.Fatalf("expected paused stage, got %+v", status)
		}
	}
	if summary.QueueStats[queue.StatusPending] != 1 {
		t.Fatalf("expected one pending unit, got %v", summary.QueueStats)
	}

	state, err := h.manager.StartStage(ctx, stage.Analyzer)
	if err != nil {
		t.Fatalf("StartStage: %v", err)
	}
	if state != stage.StateProcessing && state != stage.StateIdle && state != stage.StateRunning {
		t.Fatalf("unexpected analyzer state %s", state)
	}
	waitFor(t, "analysis", func() bool {
		got, _ := h.store.GetByID(ctx, unit.ID)
		return got != nil && got.Stage == stage.QualitySearch
	})
	if got, _ := h.store.GetByID(ctx, unit.ID); got.Status != queue.StatusPending {
		t.Fatalf("paused quality-search should leave the unit pending: %+v", got)
	}
}

func TestStageControlRejectsUnknownStage(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	if _, err := h.manager.StartStage(ctx, "ripper"); !errors.Is(err, stage.ErrInvalidStageIdentity) {
		t.Fatalf("expected ErrInvalidStageIdentity, got %v", err)
	}
	if _, err := h.manager.PauseStage(ctx, "ripper"); !errors.Is(err, stage.ErrInvalidStageIdentity) {
		t.Fatalf("expected ErrInvalidStageIdentity, got %v", err)
	}
	if _, err := h.manager.StageStatus(ctx, "ripper"); !errors.Is(err, stage.ErrInvalidStageIdentity) {
		t.Fatalf("expected ErrInvalidStageIdentity, got %v", err)
	}
	if len(h.publisher.Events()) != 3 {
		t.Fatalf("expected only the initial paused transitions, got %v", h.publisher.Events())
	}
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t, false)
	if err := h.manager.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.manager.Start(context.Background()); err == nil {
		t.Fatal("expected second Start to fail")
	}
	h.manager.Stop()
	if h.manager.Running() {
		t.Fatal("manager should report stopped")
	}
	for _, status := range h.manager.Status(context.Background()).Stages {
		if status.State != stage.StateStopped {
			t.Fatalf("expected stopped stage after Stop, got %+v", status)
		}
	}
}

type fakeReclaimer struct {
	mu      sync.Mutex
	cutoffs []time.Time
}

func (f *fakeReclaimer) ReclaimStale(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 2, nil
}

func TestHeartbeatMonitorReclaimsOnInterval(t *testing.T) {
	fake := &fakeReclaimer{}
	monitor := workflow.NewHeartbeatMonitor(fake, nil, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	reclaimed := make(chan struct{}, 8)
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx, func() { reclaimed <- struct{}{} })
		close(done)
	}()
	select {
	case <-reclaimed:
	case <-time.After(5 * time.Second):
		t.Fatal("reclaim callback never fired")
	}
	cancel()
	<-done

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.cutoffs) == 0 || time.Since(fake.cutoffs[0]) < time.Minute {
		t.Fatalf("cutoff should trail now by the timeout: %v", fake.cutoffs)
	}
}

func TestHeartbeatMonitorDisabledWithoutTimeout(t *testing.T) {
	fake := &fakeReclaimer{}
	monitor := workflow.NewHeartbeatMonitor(fake, nil, time.Second, 0)
	n, err := monitor.ReclaimStale(context.Background())
	if err != nil || n != 0 || len(fake.cutoffs) != 0 {
		t.Fatalf("disabled monitor touched the store: n=%d err=%v", n, err)
	}
}
