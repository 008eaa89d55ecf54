package metrics_test

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mediaflow/internal/dispatch"
	"mediaflow/internal/event"
	"mediaflow/internal/metrics"
	"mediaflow/internal/stage"
	"mediaflow/internal/worker"
)

var (
	_ worker.Observer   = (*metrics.Collector)(nil)
	_ dispatch.Observer = (*metrics.Collector)(nil)
)

func scrape(t *testing.T, c *metrics.Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func expectLine(t *testing.T, body, line string) {
	t.Helper()
	for _, got := range strings.Split(body, "\n") {
		if got == line {
			return
		}
	}
	t.Fatalf("metric line %q missing from scrape", line)
}

func TestDispatchAndWorkerMetrics(t *testing.T) {
	c := metrics.New()
	c.UnitStarted("encoder")
	c.UnitFinished("encoder", "succeeded", 3*time.Second)
	c.InFlight("encoder", 2)
	c.WorkerStarted("encoder")
	c.WorkerFailed("encoder", "startup")
	c.WorkersLive(4)

	body := scrape(t, c)
	expectLine(t, body, `mediaflow_units_started_total{stage="encoder"} 1`)
	expectLine(t, body, `mediaflow_units_finished_total{result="succeeded",stage="encoder"} 1`)
	expectLine(t, body, `mediaflow_units_in_flight{stage="encoder"} 2`)
	expectLine(t, body, `mediaflow_workers_started_total{stage="encoder"} 1`)
	expectLine(t, body, `mediaflow_worker_failures_total{reason="startup",stage="encoder"} 1`)
	expectLine(t, body, `mediaflow_workers_live 4`)
	expectLine(t, body, `mediaflow_unit_duration_seconds_count{stage="encoder"} 1`)
}

func TestTransitionsAndQueueDepth(t *testing.T) {
	c := metrics.New()
	b := event.NewBroadcaster(8)
	events, cancel := b.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Watch(ctx, events)
		close(done)
	}()

	b.Publish(stage.Analyzer, stage.StatePaused, stage.StateRunning)
	b.Publish(stage.Analyzer, stage.StateRunning, stage.StateProcessing)
	c.SetQueueDepths(map[stage.Identity]int{stage.QualitySearch: 3})

	deadline := time.Now().Add(5 * time.Second)
	for {
		body := scrape(t, c)
		if strings.Contains(body, `mediaflow_stage_state{stage="analyzer",state="processing"} 1`) {
			expectLine(t, body, `mediaflow_stage_transitions_total{from="paused",stage="analyzer",to="running"} 1`)
			expectLine(t, body, `mediaflow_stage_state{stage="analyzer",state="running"} 0`)
			expectLine(t, body, `mediaflow_queue_depth{stage="quality-search"} 3`)
			expectLine(t, body, `mediaflow_queue_depth{stage="encoder"} 0`)
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transition metrics never appeared:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	stop()
	<-done
}
