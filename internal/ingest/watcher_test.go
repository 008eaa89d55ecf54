package ingest_test

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"mediaflow/internal/ingest"
	"mediaflow/internal/queue"
	"mediaflow/internal/testsupport"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) NotifyWorkAvailable(context.Context) (int, error) {
	n.calls.Add(1)
	return 0, nil
}

func units(t *testing.T, store *queue.Store) []*queue.WorkUnit {
	t.Helper()
	list, err := store.List(context.Background(), queue.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return list
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherEnqueuesExistingAndNewFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	watchDir := filepath.Join(testsupport.BaseDir(cfg), "watch")
	cfg.Paths.WatchDirs = []string{watchDir}
	testsupport.WriteFile(t, filepath.Join(watchDir, "existing.mkv"), 10)
	testsupport.WriteFile(t, filepath.Join(watchDir, "notes.txt"), 10)
	testsupport.WriteFile(t, filepath.Join(watchDir, ".partial.mkv"), 10)

	store := testsupport.MustOpenStore(t, cfg)
	notifier := &countingNotifier{}
	w, err := ingest.New(cfg, store, notifier, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = w.Stop() }()

	waitFor(t, "initial scan", func() bool { return len(units(t, store)) == 1 })
	if got := units(t, store)[0]; got.Title != "existing" {
		t.Fatalf("unexpected unit: %+v", got)
	}

	testsupport.WriteFile(t, filepath.Join(watchDir, "season 1", "episode.MP4"), 10)
	waitFor(t, "new file", func() bool { return len(units(t, store)) == 2 })
	if notifier.calls.Load() < 2 {
		t.Fatalf("expected a notification per batch, got %d", notifier.calls.Load())
	}
}

func TestScanIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	watchDir := filepath.Join(testsupport.BaseDir(cfg), "watch")
	cfg.Paths.WatchDirs = []string{watchDir}
	testsupport.WriteFile(t, filepath.Join(watchDir, "a.mkv"), 10)

	store := testsupport.MustOpenStore(t, cfg)
	notifier := &countingNotifier{}
	w, err := ingest.New(cfg, store, notifier, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	first, err := w.Scan(context.Background())
	if err != nil || first != 1 {
		t.Fatalf("first scan: created=%d err=%v", first, err)
	}
	second, err := w.Scan(context.Background())
	if err != nil || second != 0 {
		t.Fatalf("second scan: created=%d err=%v", second, err)
	}
	if notifier.calls.Load() != 1 {
		t.Fatalf("expected one notification, got %d", notifier.calls.Load())
	}
}

func TestSettleWindowDefersFreshFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Ingest.SettleSeconds = 3600
	watchDir := filepath.Join(testsupport.BaseDir(cfg), "watch")
	cfg.Paths.WatchDirs = []string{watchDir}
	testsupport.WriteFile(t, filepath.Join(watchDir, "copying.mkv"), 10)

	store := testsupport.MustOpenStore(t, cfg)
	w, err := ingest.New(cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	created, err := w.Scan(context.Background())
	if err != nil || created != 0 {
		t.Fatalf("fresh file should wait for the settle window: created=%d err=%v", created, err)
	}
}

func TestStartRejectsMissingDirectory(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.WatchDirs = []string{filepath.Join(testsupport.BaseDir(cfg), "missing")}
	store := testsupport.MustOpenStore(t, cfg)
	w, err := ingest.New(cfg, store, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Fatal("expected missing watch dir to fail")
	}
}
