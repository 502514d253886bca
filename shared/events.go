package shared

import (
	"sync"

	"otsync/ot"
)

// EventKind enumerates the observable events of a shared data type.
type EventKind string

const (
	// EventInsert fires after a text or list insert is applied.
	EventInsert EventKind = "insert"
	// EventDelete fires after a text, list or map delete is applied.
	EventDelete EventKind = "delete"
	// EventReplace fires after a list replace is applied.
	EventReplace EventKind = "replace"
	// EventMove fires after a list move is applied.
	EventMove EventKind = "move"
	// EventSet fires after a map set is applied.
	EventSet EventKind = "set"
	// EventBatch fires after a map batch is applied.
	EventBatch EventKind = "batch"
	// EventChange fires whenever the value changes, carrying the old and
	// new values. Snapshot restores emit only this event.
	EventChange EventKind = "change"
	// EventOperation fires for every applied operation, local or remote.
	EventOperation EventKind = "operation"
)

// Event is the payload delivered to handlers. Operation is nil for
// change events raised by a snapshot restore. OldValue and NewValue
// share structure with the type's internal state and must be treated
// as read-only.
type Event struct {
	Kind      EventKind
	Operation *ot.Operation
	OldValue  any
	NewValue  any
}

// Handler receives events synchronously on the mutating goroutine.
// Handlers must not mutate the emitting type.
type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// emitter is a typed callback registry keyed by event kind. Handlers
// for one kind run in registration order.
type emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventKind][]handlerEntry
}

// on registers a handler and returns a function that removes it.
func (e *emitter) on(kind EventKind, fn Handler) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[EventKind][]handlerEntry)
	}
	e.nextID++
	id := e.nextID
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: id, fn: fn})

	return func() { e.off(kind, id) }
}

func (e *emitter) off(kind EventKind, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[kind]
	for i, entry := range entries {
		if entry.id == id {
			e.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// emit invokes every handler registered for the event's kind. The
// registry lock is not held during invocation.
func (e *emitter) emit(ev Event) {
	e.mu.Lock()
	entries := e.handlers[ev.Kind]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	e.mu.Unlock()

	for _, entry := range snapshot {
		entry.fn(ev)
	}
}
