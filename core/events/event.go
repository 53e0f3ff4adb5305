package events

import "bittrust/core/types"

// Event represents a structured state change emitted by an engine.
type Event interface {
	EventType() string
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the delegation
// engine, receipts, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Handler reacts to an event synchronously. A handler error aborts the
// enclosing operation.
type Handler func(Event) error

// Dispatcher fans events out to synchronous handlers inside the operation that
// produced them and records them for the operation receipt. It is not safe for
// concurrent use; each atomic operation owns its own dispatcher.
type Dispatcher struct {
	handlers map[string][]Handler
	recorded []Event
	err      error
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]Handler)}
}

// Subscribe registers h for events of the given type.
func (d *Dispatcher) Subscribe(eventType string, h Handler) {
	if d == nil || h == nil {
		return
	}
	d.handlers[eventType] = append(d.handlers[eventType], h)
}

// Emit records the event and runs its handlers. The first handler failure is
// kept and reported by Err; later events are still recorded.
func (d *Dispatcher) Emit(e Event) {
	if d == nil || e == nil {
		return
	}
	d.recorded = append(d.recorded, e)
	for _, h := range d.handlers[e.EventType()] {
		if err := h(e); err != nil && d.err == nil {
			d.err = err
		}
	}
}

// Err returns the first handler failure.
func (d *Dispatcher) Err() error {
	if d == nil {
		return nil
	}
	return d.err
}

// Mark returns a position that Truncate can rewind to.
func (d *Dispatcher) Mark() int {
	if d == nil {
		return 0
	}
	return len(d.recorded)
}

// Truncate drops events recorded after mark. Used when a savepoint reverts.
func (d *Dispatcher) Truncate(mark int) {
	if d == nil || mark < 0 || mark > len(d.recorded) {
		return
	}
	d.recorded = d.recorded[:mark]
}

// Recorded returns the flattened events in emission order.
func (d *Dispatcher) Recorded() []types.Event {
	if d == nil {
		return nil
	}
	out := make([]types.Event, 0, len(d.recorded))
	for _, e := range d.recorded {
		if ev := e.Event(); ev != nil {
			out = append(out, *ev)
		}
	}
	return out
}

// Raw returns the typed events in emission order.
func (d *Dispatcher) Raw() []Event {
	if d == nil {
		return nil
	}
	return append([]Event(nil), d.recorded...)
}
