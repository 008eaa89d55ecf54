package daemon_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/daemon"
	"mediaflow/internal/event"
	"mediaflow/internal/logging"
	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

func newDaemon(t *testing.T, cfg *config.Config) (*daemon.Daemon, *queue.Store) {
	t.Helper()
	store := testsupport.MustOpenStore(t, cfg)
	d, err := daemon.New(cfg, store, logging.NewNop(), daemon.Options{})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() {
		_ = d.Close()
	})
	return d, store
}

func startDaemon(t *testing.T, d *daemon.Daemon) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := d.Start(ctx); err != nil {
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping daemon test: %v", err)
		}
		t.Fatalf("Start failed: %v", err)
	}
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)
	startDaemon(t, d)

	ctx := context.Background()
	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if len(status.Workflow.Stages) != len(stage.All()) {
		t.Fatalf("expected %d stage snapshots, got %d", len(stage.All()), len(status.Workflow.Stages))
	}
	for _, snapshot := range status.Workflow.Stages {
		if snapshot.State != stage.StatePaused {
			t.Fatalf("expected %s paused without auto_start, got %s", snapshot.Stage, snapshot.State)
		}
	}

	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close after Stop")
	}
	if d.Status(ctx).Running {
		t.Fatal("expected daemon to be stopped")
	}
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected start after stop to fail")
	}
}

func TestDaemonLockExcludesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	first, _ := newDaemon(t, cfg)
	startDaemon(t, first)

	second, _ := newDaemon(t, cfg)
	err := second.Start(context.Background())
	if err == nil {
		t.Fatal("expected second instance to be rejected")
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDaemonStartResetsLeftoverClaims(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, store := newDaemon(t, cfg)
	unit := testsupport.MustEnqueue(t, store, filepath.Join(t.TempDir(), "movie.mkv"))
	claimed, err := store.NextEligible(context.Background(), stage.Analyzer, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("NextEligible: %v (%d units)", err, len(claimed))
	}

	startDaemon(t, d)

	got, err := store.GetByID(context.Background(), unit.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != queue.StatusPending {
		t.Fatalf("expected leftover claim reset to pending, got %s", got.Status)
	}
}

func TestDaemonAddFile(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)
	ctx := context.Background()

	source := filepath.Join(t.TempDir(), "movie.mkv")
	testsupport.WriteFile(t, source, 1024)

	unit, created, err := d.AddFile(ctx, source)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	if !created || unit.Stage != stage.Analyzer || unit.Status != queue.StatusPending {
		t.Fatalf("unexpected unit: created=%v stage=%s status=%s", created, unit.Stage, unit.Status)
	}
	if _, created, err := d.AddFile(ctx, source); err != nil || created {
		t.Fatalf("expected duplicate add to be idempotent, created=%v err=%v", created, err)
	}

	units, err := d.ListQueue(ctx, queue.ListFilter{Stage: stage.Analyzer})
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(units) != 1 || units[0].SourcePath != source {
		t.Fatalf("unexpected queue contents: %+v", units)
	}

	if _, _, err := d.AddFile(ctx, filepath.Dir(source)); err == nil {
		t.Fatal("expected directory to be rejected")
	}
	if _, _, err := d.AddFile(ctx, "  "); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestDaemonStageControlRejectsUnknownStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)
	if _, err := d.StartStage(context.Background(), stage.Identity("ripper")); err == nil {
		t.Fatal("expected unknown stage to be rejected")
	}
}

func TestAPIStatusAndStage(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)
	startDaemon(t, d)
	base := "http://" + d.APIAddr()

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running || len(status.Workflow.Stages) != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}

	stageResp, err := http.Get(base + "/api/stages/crf-search")
	if err != nil {
		t.Fatalf("GET /api/stages: %v", err)
	}
	defer stageResp.Body.Close()
	var snapshot struct {
		Stage string `json:"stage"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(stageResp.Body).Decode(&snapshot); err != nil {
		t.Fatalf("decode stage: %v", err)
	}
	if snapshot.Stage != "quality-search" || snapshot.State != "paused" {
		t.Fatalf("unexpected stage snapshot: %+v", snapshot)
	}

	missing, err := http.Get(base + "/api/stages/ripper")
	if err != nil {
		t.Fatalf("GET unknown stage: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown stage, got %d", missing.StatusCode)
	}
}

func TestAPIRequiresTokenWhenConfigured(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIToken = "secret"
	d, _ := newDaemon(t, cfg)
	startDaemon(t, d)
	url := "http://" + d.APIAddr() + "/metrics"

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /metrics with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `mediaflow_stage_state{stage="encoder",state="paused"} 1`) {
		t.Fatalf("expected encoder paused gauge in metrics output")
	}
}

func TestAPIEventStream(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	d, _ := newDaemon(t, cfg)
	startDaemon(t, d)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+d.APIAddr()+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	if _, err := d.StartStage(context.Background(), stage.Encoder); err != nil {
		t.Fatalf("StartStage: %v", err)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt event.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if evt.Stage != stage.Encoder || evt.From != stage.StatePaused || evt.To != stage.StateRunning {
			t.Fatalf("unexpected first event: %+v", evt)
		}
		return
	}
	t.Fatalf("event stream ended without a transition: %v", scanner.Err())
}

func TestDaemonIngestsWatchDirectory(t *testing.T) {
	watchDir := t.TempDir()
	cfg := testsupport.NewConfig(t)
	cfg.Ingest.Enabled = true
	cfg.Paths.WatchDirs = []string{watchDir}
	source := filepath.Join(watchDir, "episode.mkv")
	testsupport.WriteFile(t, source, 2048)
	if err := os.WriteFile(filepath.Join(watchDir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write notes: %v", err)
	}

	d, store := newDaemon(t, cfg)
	startDaemon(t, d)
	if !d.Status(context.Background()).IngestEnabled {
		t.Fatal("expected ingest to be enabled")
	}

	units, err := store.List(context.Background(), queue.ListFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(units) != 1 || units[0].SourcePath != source {
		t.Fatalf("expected only the video to be queued, got %+v", units)
	}
}
