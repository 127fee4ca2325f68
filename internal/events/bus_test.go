package events

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeReceivesMatchingType(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventFill, func(e Event) { got <- e })

	bus.Emit(EventFill, map[string]interface{}{"symbol": "BTCUSDT"})

	select {
	case e := <-got:
		if e.Type != EventFill {
			t.Errorf("type = %s, want FILL", e.Type)
		}
		if e.Data["symbol"] != "BTCUSDT" {
			t.Errorf("data = %v", e.Data)
		}
		if e.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never called")
	}
}

func TestSubscribeIgnoresOtherTypes(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventFill, func(e Event) { got <- e })

	bus.Emit(EventBalance, nil)

	select {
	case e := <-got:
		t.Fatalf("unexpected delivery: %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var seen []EventType
	done := make(chan struct{}, 3)

	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
		done <- struct{}{}
	})

	bus.Emit(EventSignal, nil)
	bus.Emit(EventFill, nil)
	bus.Emit(EventError, nil)

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("missing deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Errorf("saw %d events, want 3", len(seen))
	}
}

func TestEmitError(t *testing.T) {
	bus := NewBus()
	got := make(chan Event, 1)
	bus.Subscribe(EventError, func(e Event) { got <- e })

	bus.EmitError("engine", "tick failed", errTest)

	select {
	case e := <-got:
		if e.Data["source"] != "engine" || e.Data["error"] != "boom" {
			t.Errorf("data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("error event never delivered")
	}
}

type testErr struct{}

func (testErr) Error() string { return "boom" }

var errTest = testErr{}
