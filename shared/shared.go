// Package shared implements the stateful document types that sit on top
// of the operation algebra: a collaborative text, list and map. Each type
// holds a value and a version, turns local mutations into operations,
// applies remote operations, and notifies registered handlers.
//
// All methods are safe for concurrent use. Event handlers run
// synchronously on the goroutine that performed the mutation and must
// not call mutating methods of the same type.
package shared

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/jinzhu/copier"

	"otsync/common"
	"otsync/ot"
)

// Schema identifies the value shape of a shared data type.
type Schema string

const (
	SchemaText Schema = "text"
	SchemaList Schema = "list"
	SchemaMap  Schema = "map"
)

// Valid reports whether s is a known schema.
func (s Schema) Valid() bool {
	switch s {
	case SchemaText, SchemaList, SchemaMap:
		return true
	}
	return false
}

// InitialValue returns the empty value for the schema: "" for text,
// an empty slice for list, an empty map for map.
func (s Schema) InitialValue() any {
	switch s {
	case SchemaText:
		return ""
	case SchemaList:
		return []any{}
	case SchemaMap:
		return map[string]any{}
	}
	return nil
}

func (s Schema) kind() ot.Kind {
	switch s {
	case SchemaText:
		return ot.KindText
	case SchemaList:
		return ot.KindList
	case SchemaMap:
		return ot.KindMap
	}
	return ot.KindUnknown
}

// Snapshot is a point-in-time copy of a shared type's value and version.
type Snapshot struct {
	Value   any            `json:"value"`
	Version common.Version `json:"version"`
}

// Type is the interface common to Text, List and Map.
type Type interface {
	// Schema returns the value shape of the type.
	Schema() Schema
	// ClientID returns the author id stamped on locally generated
	// operations.
	ClientID() common.ClientID
	// Value returns a deep copy of the current value.
	Value() any
	// Version returns the current version.
	Version() common.Version
	// Apply applies an operation, usually one received from a remote
	// author. Apply either succeeds completely or leaves the value
	// unchanged.
	Apply(op ot.Operation) error
	// Snapshot captures the current value and version.
	Snapshot() Snapshot
	// Restore replaces the value and version from a snapshot. Only a
	// change event is emitted; the individual edits are opaque.
	Restore(snap Snapshot) error
	// SyncVersion raises the version to one acknowledged by an
	// authority. The value is untouched and no events fire.
	SyncVersion(v common.Version)
	// On registers an event handler and returns a function that
	// removes it.
	On(kind EventKind, fn Handler) func()
}

// New constructs an empty shared type for the schema.
func New(schema Schema, clientID common.ClientID) (Type, error) {
	switch schema {
	case SchemaText:
		return NewText(clientID), nil
	case SchemaList:
		return NewList(clientID), nil
	case SchemaMap:
		return NewMap(clientID), nil
	}
	return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown schema %q", schema)}
}

// base carries the state shared by the concrete types. The mutex guards
// value and version; events fire after the lock is released.
type base struct {
	mu       sync.RWMutex
	schema   Schema
	kind     ot.Kind
	clientID common.ClientID
	value    any
	version  common.Version
	events   emitter
}

func newBase(schema Schema, clientID common.ClientID) base {
	return base{
		schema:   schema,
		kind:     schema.kind(),
		clientID: clientID,
		value:    schema.InitialValue(),
	}
}

func (b *base) Schema() Schema            { return b.schema }
func (b *base) ClientID() common.ClientID { return b.clientID }

func (b *base) Value() any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return deepCopyValue(b.value)
}

func (b *base) Version() common.Version {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

func (b *base) Apply(op ot.Operation) error {
	b.mu.Lock()
	old, updated, err := b.applyLocked(op)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	b.emitApplied(op, old, updated)
	return nil
}

func (b *base) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Snapshot{Value: deepCopyValue(b.value), Version: b.version}
}

func (b *base) Restore(snap Snapshot) error {
	value, err := coerceValue(b.schema, snap.Value)
	if err != nil {
		return err
	}

	b.mu.Lock()
	old := b.value
	b.value = value
	b.version = snap.Version
	b.mu.Unlock()

	b.events.emit(Event{Kind: EventChange, OldValue: old, NewValue: value})
	return nil
}

func (b *base) SyncVersion(v common.Version) {
	b.mu.Lock()
	if v > b.version {
		b.version = v
	}
	b.mu.Unlock()
}

func (b *base) On(kind EventKind, fn Handler) func() {
	return b.events.on(kind, fn)
}

// mutate builds an operation against the current version, applies it and
// returns it for forwarding. The lock is held from version read through
// apply so concurrent mutations serialize cleanly.
func (b *base) mutate(build func(base common.Version) ot.Operation) (ot.Operation, error) {
	b.mu.Lock()
	op := build(b.version)
	if err := op.Validate(); err != nil {
		b.mu.Unlock()
		return ot.Operation{}, err
	}
	old, updated, err := b.applyLocked(op)
	if err != nil {
		b.mu.Unlock()
		return ot.Operation{}, err
	}
	b.mu.Unlock()

	b.emitApplied(op, old, updated)
	return op, nil
}

// applyLocked is the single mutation point. The caller holds b.mu.
func (b *base) applyLocked(op ot.Operation) (old, updated any, err error) {
	if op.Type.Kind() != b.kind {
		return nil, nil, common.ErrInvalidOperation{
			Message: fmt.Sprintf("operation %s does not apply to %s", op.Type, b.schema),
		}
	}
	updated, err = ot.Apply(b.value, op)
	if err != nil {
		return nil, nil, err
	}
	old = b.value
	b.value = updated
	b.version = nextVersion(b.version, op)
	return old, updated, nil
}

// nextVersion advances the version past the operation. AppliedVersion is
// set on server-acknowledged operations and keeps a client that received
// transformed remote operations in step with the authority.
func nextVersion(current common.Version, op ot.Operation) common.Version {
	v := op.BaseVersion + 1
	if op.AppliedVersion > v {
		v = op.AppliedVersion
	}
	if current > v {
		v = current
	}
	return v
}

func (b *base) emitApplied(op ot.Operation, old, updated any) {
	changed := !op.Noop && !reflect.DeepEqual(old, updated)

	if kind, ok := granularKind(op.Type); ok {
		b.events.emit(Event{Kind: kind, Operation: &op, OldValue: old, NewValue: updated})
	}
	if changed {
		b.events.emit(Event{Kind: EventChange, Operation: &op, OldValue: old, NewValue: updated})
	}
	b.events.emit(Event{Kind: EventOperation, Operation: &op, OldValue: old, NewValue: updated})
}

func granularKind(t ot.Type) (EventKind, bool) {
	switch t {
	case ot.TextInsert, ot.ListInsert:
		return EventInsert, true
	case ot.TextDelete, ot.ListDelete, ot.MapDelete:
		return EventDelete, true
	case ot.ListReplace:
		return EventReplace, true
	case ot.ListMove:
		return EventMove, true
	case ot.MapSet:
		return EventSet, true
	case ot.MapBatch:
		return EventBatch, true
	}
	return "", false
}

// coerceValue checks a snapshot value against the schema, mapping nil to
// the schema's initial value.
func coerceValue(schema Schema, value any) (any, error) {
	if value == nil {
		return schema.InitialValue(), nil
	}
	switch schema {
	case SchemaText:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case SchemaList:
		if items, ok := value.([]any); ok {
			return deepCopyValue(items), nil
		}
	case SchemaMap:
		if m, ok := value.(map[string]any); ok {
			return deepCopyValue(m), nil
		}
	}
	return nil, common.ErrInvalidOperation{
		Message: fmt.Sprintf("snapshot value %T does not match schema %s", value, schema),
	}
}

// deepCopyValue copies a value so callers can never alias internal
// state. Strings are immutable and returned as-is.
func deepCopyValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return v
	case []any:
		out := make([]any, 0, len(v))
		if err := copier.CopyWithOption(&out, v, copier.Option{DeepCopy: true}); err != nil {
			return v
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		if err := copier.CopyWithOption(&out, v, copier.Option{DeepCopy: true}); err != nil {
			return v
		}
		return out
	}
	return value
}
