package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/queue"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

func TestEnqueueIsIdempotentOnPath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	first, created, err := store.Enqueue(ctx, "/media/in/Movie.2024.mkv", "")
	if err != nil || !created {
		t.Fatalf("Enqueue: created=%v err=%v", created, err)
	}
	if first.Stage != stage.Analyzer || first.Status != queue.StatusPending {
		t.Fatalf("unexpected initial placement %s/%s", first.Stage, first.Status)
	}
	if first.Title != "Movie.2024" {
		t.Fatalf("unexpected derived title %q", first.Title)
	}

	again, created, err := store.Enqueue(ctx, "/media/in/Movie.2024.mkv", "Other")
	if err != nil {
		t.Fatalf("Enqueue again: %v", err)
	}
	if created || again.ID != first.ID {
		t.Fatalf("expected existing unit %d, got %d (created=%v)", first.ID, again.ID, created)
	}
	if _, _, err := store.Enqueue(ctx, "  ", ""); err == nil {
		t.Fatal("expected empty path to be rejected")
	}
}

func TestNextEligibleClaimsOldestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	a := testsupport.MustEnqueue(t, store, "/in/a.mkv")
	b := testsupport.MustEnqueue(t, store, "/in/b.mkv")
	testsupport.MustEnqueue(t, store, "/in/c.mkv")

	claimed, err := store.NextEligible(ctx, stage.Analyzer, 2)
	if err != nil {
		t.Fatalf("NextEligible: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID != a.ID || claimed[1].ID != b.ID {
		t.Fatalf("unexpected claim order: %+v", claimed)
	}
	for _, unit := range claimed {
		if unit.Status != queue.StatusClaimed || unit.ClaimToken == "" || unit.Attempts != 1 {
			t.Fatalf("unit %d not claimed correctly: %+v", unit.ID, unit)
		}
	}
	if claimed[0].ClaimToken == claimed[1].ClaimToken {
		t.Fatal("claim tokens must be unique")
	}

	count, err := store.CountEligible(ctx, stage.Analyzer)
	if err != nil || count != 1 {
		t.Fatalf("CountEligible = %d, %v; want 1", count, err)
	}
	if none, err := store.NextEligible(ctx, stage.Encoder, 5); err != nil || len(none) != 0 {
		t.Fatalf("expected no encoder work, got %d (%v)", len(none), err)
	}
	if _, err := store.NextEligible(ctx, stage.Identity("ripper"), 1); !errors.Is(err, stage.ErrInvalidStageIdentity) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

func TestNextEligibleNeverDoubleClaims(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	for _, p := range []string{"/in/1.mkv", "/in/2.mkv", "/in/3.mkv", "/in/4.mkv", "/in/5.mkv"} {
		testsupport.MustEnqueue(t, store, p)
	}

	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			units, err := store.NextEligible(ctx, stage.Analyzer, 2)
			if err != nil {
				t.Errorf("NextEligible: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, u := range units {
				seen[u.ID]++
			}
		}()
	}
	wg.Wait()

	if len(seen) != 5 {
		t.Fatalf("expected all 5 units claimed once, got %v", seen)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("unit %d claimed %d times", id, n)
		}
	}
}

func TestRecordOutcomeAdvancesThroughStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	unit := testsupport.MustEnqueue(t, store, "/in/show.mkv")

	payloads := map[stage.Identity]string{
		stage.Analyzer:      `{"duration_seconds":60}`,
		stage.QualitySearch: `{"crf":28}`,
		stage.Encoder:       `{"size_bytes":1000}`,
	}
	for _, id := range stage.All() {
		claimed, err := store.NextEligible(ctx, id, 1)
		if err != nil || len(claimed) != 1 || claimed[0].ID != unit.ID {
			t.Fatalf("%s: expected to claim unit %d, got %+v (%v)", id, unit.ID, claimed, err)
		}
		outcome := queue.Outcome{Success: true, Payload: json.RawMessage(payloads[id])}
		if id == stage.Encoder {
			outcome.OutputPath = "/out/show.mkv"
		}
		if err := store.RecordOutcome(ctx, claimed[0], outcome); err != nil {
			t.Fatalf("%s: RecordOutcome: %v", id, err)
		}
	}

	final, err := store.GetByID(ctx, unit.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if final.Status != queue.StatusDone || final.Stage != stage.Encoder {
		t.Fatalf("expected done at encoder, got %s/%s", final.Stage, final.Status)
	}
	if final.OutputPath != "/out/show.mkv" || final.ClaimToken != "" {
		t.Fatalf("unexpected final unit %+v", final)
	}
	var search struct {
		CRF int `json:"crf"`
	}
	if err := final.DecodePayload(stage.QualitySearch, &search); err != nil || search.CRF != 28 {
		t.Fatalf("DecodePayload: crf=%d err=%v", search.CRF, err)
	}
}

func TestRecordOutcomeFailureAndRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	testsupport.MustEnqueue(t, store, "/in/broken.mkv")

	claimed, err := store.NextEligible(ctx, stage.Analyzer, 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("NextEligible: %v", err)
	}
	if err := store.RecordOutcome(ctx, claimed[0], queue.Outcome{Error: "ffprobe exited 1"}); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}
	failed, _ := store.GetByID(ctx, claimed[0].ID)
	if failed.Status != queue.StatusFailed || failed.ErrorMessage != "ffprobe exited 1" || failed.Stage != stage.Analyzer {
		t.Fatalf("unexpected failed unit %+v", failed)
	}
	if err := store.RecordOutcome(ctx, claimed[0], queue.Outcome{Success: true}); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost on settled claim, got %v", err)
	}

	retried, err := store.RetryFailed(ctx)
	if err != nil || retried != 1 {
		t.Fatalf("RetryFailed = %d, %v", retried, err)
	}
	pending, _ := store.GetByID(ctx, claimed[0].ID)
	if pending.Status != queue.StatusPending || pending.ErrorMessage != "" {
		t.Fatalf("unexpected retried unit %+v", pending)
	}
}

func TestReleaseReclaimAndReset(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	for _, p := range []string{"/in/x.mkv", "/in/y.mkv", "/in/z.mkv"} {
		testsupport.MustEnqueue(t, store, p)
	}
	claimed, err := store.NextEligible(ctx, stage.Analyzer, 3)
	if err != nil || len(claimed) != 3 {
		t.Fatalf("NextEligible: %d %v", len(claimed), err)
	}

	released, err := store.ReleaseClaims(ctx, claimed[0])
	if err != nil || released != 1 {
		t.Fatalf("ReleaseClaims = %d, %v", released, err)
	}
	if err := store.Heartbeat(ctx, claimed[0], "late"); !errors.Is(err, queue.ErrClaimLost) {
		t.Fatalf("expected heartbeat on released claim to fail, got %v", err)
	}
	if err := store.Heartbeat(ctx, claimed[1], "encoding 42%"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	live, _ := store.GetByID(ctx, claimed[1].ID)
	if live.ProgressMessage != "encoding 42%" {
		t.Fatalf("expected progress to persist, got %q", live.ProgressMessage)
	}

	reclaimed, err := store.ReclaimStale(ctx, time.Now().Add(-time.Hour))
	if err != nil || reclaimed != 0 {
		t.Fatalf("nothing should be stale yet: %d %v", reclaimed, err)
	}
	reclaimed, err = store.ReclaimStale(ctx, time.Now().Add(time.Hour))
	if err != nil || reclaimed != 2 {
		t.Fatalf("ReclaimStale = %d, %v; want 2", reclaimed, err)
	}

	again, _ := store.NextEligible(ctx, stage.Analyzer, 1)
	if len(again) != 1 {
		t.Fatalf("expected reclaimed unit to be claimable")
	}
	reset, err := store.ResetClaims(ctx)
	if err != nil || reset != 1 {
		t.Fatalf("ResetClaims = %d, %v", reset, err)
	}
	stats, err := store.Stats(ctx)
	if err != nil || stats[queue.StatusPending] != 3 {
		t.Fatalf("unexpected stats %v (%v)", stats, err)
	}
	depths, err := store.Depths(ctx)
	if err != nil || depths[stage.Analyzer] != 3 || depths[stage.Encoder] != 0 {
		t.Fatalf("unexpected depths %v (%v)", depths, err)
	}
}

func TestListFilterAndRemove(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	one := testsupport.MustEnqueue(t, store, "/in/one.mkv")
	two := testsupport.MustEnqueue(t, store, "/in/two.mkv")
	if _, err := store.NextEligible(ctx, stage.Analyzer, 1); err != nil {
		t.Fatalf("NextEligible: %v", err)
	}

	pending, err := store.List(ctx, queue.ListFilter{Statuses: []queue.Status{queue.StatusPending}})
	if err != nil || len(pending) != 1 || pending[0].ID != two.ID {
		t.Fatalf("unexpected pending list %+v (%v)", pending, err)
	}
	removed, err := store.Remove(ctx, one.ID, two.ID)
	if err != nil || removed != 1 {
		t.Fatalf("Remove = %d, %v; claimed units must survive", removed, err)
	}
	if _, err := store.GetByID(ctx, two.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected removed unit to be gone, got %v", err)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	testsupport.MustEnqueue(t, store, "/in/persist.mkv")
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	reopened := testsupport.MustOpenStore(t, cfg)
	units, err := reopened.List(context.Background(), queue.ListFilter{})
	if err != nil || len(units) != 1 {
		t.Fatalf("expected persisted unit after reopen, got %d (%v)", len(units), err)
	}
}
