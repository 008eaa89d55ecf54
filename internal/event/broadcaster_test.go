package event_test

import (
	"testing"

	"mediaflow/internal/event"
	"mediaflow/internal/stage"
)

func TestBroadcasterDeliversInOrder(t *testing.T) {
	b := event.NewBroadcaster(8)
	events, cancel := b.Subscribe()
	defer cancel()

	b.Publish(stage.Encoder, stage.StatePaused, stage.StateRunning)
	b.Publish(stage.Encoder, stage.StateRunning, stage.StateProcessing)
	b.Publish(stage.Encoder, stage.StateProcessing, stage.StateIdle)

	want := []stage.State{stage.StateRunning, stage.StateProcessing, stage.StateIdle}
	for i, to := range want {
		evt := <-events
		if evt.Stage != stage.Encoder || evt.To != to {
			t.Fatalf("event %d: got %+v, want to=%s", i, evt, to)
		}
		if evt.At.IsZero() {
			t.Fatalf("event %d missing timestamp", i)
		}
	}
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := event.NewBroadcaster(1)
	_, cancel := b.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		b.Publish(stage.Analyzer, stage.StatePaused, stage.StateRunning)
	}
	if b.Dropped() != 4 {
		t.Fatalf("expected 4 dropped deliveries, got %d", b.Dropped())
	}
}

func TestNilBroadcasterIsNoop(t *testing.T) {
	var b *event.Broadcaster
	b.Publish(stage.Analyzer, stage.StateStopped, stage.StatePaused)
	b.Close()
	if b.Subscribers() != 0 {
		t.Fatal("nil broadcaster should report zero subscribers")
	}
}

func TestBroadcasterFeedsMachine(t *testing.T) {
	b := event.NewBroadcaster(4)
	events, cancel := b.Subscribe()
	defer cancel()

	if _, err := stage.New(stage.QualitySearch, b, nil); err != nil {
		t.Fatalf("stage.New: %v", err)
	}
	evt := <-events
	if evt.From != stage.StateStopped || evt.To != stage.StatePaused || evt.Stage != stage.QualitySearch {
		t.Fatalf("unexpected initial event %+v", evt)
	}
}

func TestCancelAndClose(t *testing.T) {
	b := event.NewBroadcaster(2)
	first, cancelFirst := b.Subscribe()
	second, _ := b.Subscribe()
	if b.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", b.Subscribers())
	}
	cancelFirst()
	cancelFirst()
	if _, ok := <-first; ok {
		t.Fatal("expected cancelled channel to be closed")
	}
	b.Close()
	if _, ok := <-second; ok {
		t.Fatal("expected close to close remaining channels")
	}
	b.Publish(stage.Encoder, stage.StatePaused, stage.StateRunning)
	late, _ := b.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("expected subscribe after close to return a closed channel")
	}
}
