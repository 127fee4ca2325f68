// Package events carries system events from the trading engine to observers:
// the WebSocket stream, the Redis mirror, and tests.
package events

import (
	"sync"
	"time"
)

type EventType string

const (
	EventSignal        EventType = "SIGNAL"
	EventOrderPlaced   EventType = "ORDER_PLACED"
	EventOrderCanceled EventType = "ORDER_CANCELED"
	EventFill          EventType = "FILL"
	EventPositionOpen  EventType = "POSITION_OPENED"
	EventPositionClose EventType = "POSITION_CLOSED"
	EventLiquidation   EventType = "LIQUIDATION"
	EventStopMoved     EventType = "STOP_MOVED"
	EventBalance       EventType = "BALANCE_UPDATE"
	EventDrift         EventType = "STATE_DRIFT"
	EventBreakerTrip   EventType = "BREAKER_TRIPPED"
	EventBreakerReset  EventType = "BREAKER_RESET"
	EventEmergencyStop EventType = "EMERGENCY_STOP"
	EventResume        EventType = "TRADING_RESUMED"
	EventEngineStarted EventType = "ENGINE_STARTED"
	EventEngineStopped EventType = "ENGINE_STOPPED"
	EventError         EventType = "ERROR"
)

// Event is one system event. Data holds event-specific fields serialized
// as-is to WebSocket clients.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type Subscriber func(Event)

// Bus fans events out to subscribers. Delivery is asynchronous; slow
// subscribers cannot stall the trading loop.
type Bus struct {
	mu      sync.RWMutex
	byType  map[EventType][]Subscriber
	allSubs []Subscriber
}

func NewBus() *Bus {
	return &Bus{
		byType: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t EventType, fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], fn)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, fn)
}

// Publish delivers an event to matching subscribers, each on its own
// goroutine. A zero timestamp is filled in.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, fn := range b.byType[event.Type] {
		go fn(event)
	}
	for _, fn := range b.allSubs {
		go fn(event)
	}
}

// Emit is shorthand for Publish with inline data.
func (b *Bus) Emit(t EventType, data map[string]interface{}) {
	b.Publish(Event{Type: t, Data: data})
}

// EmitError publishes an error event tagged with its source component.
func (b *Bus) EmitError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	b.Emit(EventError, data)
}
