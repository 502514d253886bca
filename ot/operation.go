// Package ot implements the operation algebra for real-time
// collaborative editing: transformation, composition, application and
// conflict detection over text, list and map operations.
//
// The transformation function Transform(a, b) rebases operation a over
// a concurrently applied operation b so that both authors converge on
// the same value regardless of the order the server linearized them
// in. Ties that positions alone cannot decide are broken by the
// (timestamp, clientId) total order on authors.
package ot

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"otsync/common"
)

// Type is the tag of an operation.
type Type string

const (
	// TextInsert inserts text before a position.
	TextInsert Type = "text-insert"
	// TextDelete removes a range of characters.
	TextDelete Type = "text-delete"
	// TextRetain is a positional no-op reserved for attribute application.
	TextRetain Type = "text-retain"
	// ListInsert inserts one item before an index.
	ListInsert Type = "list-insert"
	// ListDelete removes count items starting at an index.
	ListDelete Type = "list-delete"
	// ListReplace replaces the item at an index.
	ListReplace Type = "list-replace"
	// ListMove relocates the item at an index to a target index.
	ListMove Type = "list-move"
	// MapSet assigns a value to a key.
	MapSet Type = "map-set"
	// MapDelete removes a key.
	MapDelete Type = "map-delete"
	// MapBatch applies a sequence of map sub-operations atomically.
	MapBatch Type = "map-batch"
)

// Kind groups operation types by the data kind they address.
type Kind int

const (
	KindUnknown Kind = iota
	KindText
	KindList
	KindMap
)

// Kind returns the data kind the operation type addresses.
func (t Type) Kind() Kind {
	switch t {
	case TextInsert, TextDelete, TextRetain:
		return KindText
	case ListInsert, ListDelete, ListReplace, ListMove:
		return KindList
	case MapSet, MapDelete, MapBatch:
		return KindMap
	default:
		return KindUnknown
	}
}

// Operation is the tagged union of all edit operations. Only the
// fields relevant to Type are meaningful; the rest stay at their zero
// values and are omitted from the wire encoding.
//
// Unknown wire fields are captured in Extra at decode time and
// re-emitted verbatim at encode time, so operations survive
// transformation and application without losing additive extensions.
type Operation struct {
	ID          common.OperationID
	ClientID    common.ClientID
	BaseVersion common.Version
	Type        Type
	Timestamp   int64

	// Text payload.
	Position int
	Text     string
	Length   int

	// List payload.
	Index       int
	Item        any
	OldItem     any
	Count       int
	TargetIndex int

	// Map payload.
	Key           string
	Value         any
	PreviousValue any

	// Sub-operations of a map-batch.
	Operations []Operation

	// Optional attribute map carried opaquely.
	Attributes map[string]any

	// AppliedVersion is assigned by the document authority when the
	// operation enters the canonical history. Zero means unassigned.
	AppliedVersion common.Version

	// Noop marks an operation that lost a concurrency resolution and
	// must be skipped at apply time while still advancing the version.
	Noop bool

	// Extra preserves unrecognized wire fields.
	Extra map[string]json.RawMessage
}

// NewTextInsert builds a text-insert operation.
func NewTextInsert(clientID common.ClientID, baseVersion common.Version, position int, text string) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        TextInsert,
		Timestamp:   common.NowMillis(),
		Position:    position,
		Text:        text,
	}
}

// NewTextDelete builds a text-delete operation.
func NewTextDelete(clientID common.ClientID, baseVersion common.Version, position, length int) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        TextDelete,
		Timestamp:   common.NowMillis(),
		Position:    position,
		Length:      length,
	}
}

// NewTextRetain builds a text-retain operation.
func NewTextRetain(clientID common.ClientID, baseVersion common.Version, position, length int, attributes map[string]any) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        TextRetain,
		Timestamp:   common.NowMillis(),
		Position:    position,
		Length:      length,
		Attributes:  attributes,
	}
}

// NewListInsert builds a list-insert operation.
func NewListInsert(clientID common.ClientID, baseVersion common.Version, index int, item any) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        ListInsert,
		Timestamp:   common.NowMillis(),
		Index:       index,
		Item:        item,
	}
}

// NewListDelete builds a list-delete operation.
func NewListDelete(clientID common.ClientID, baseVersion common.Version, index, count int) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        ListDelete,
		Timestamp:   common.NowMillis(),
		Index:       index,
		Count:       count,
	}
}

// NewListReplace builds a list-replace operation.
func NewListReplace(clientID common.ClientID, baseVersion common.Version, index int, item, oldItem any) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        ListReplace,
		Timestamp:   common.NowMillis(),
		Index:       index,
		Item:        item,
		OldItem:     oldItem,
	}
}

// NewListMove builds a list-move operation.
func NewListMove(clientID common.ClientID, baseVersion common.Version, index, targetIndex int) Operation {
	return Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        ListMove,
		Timestamp:   common.NowMillis(),
		Index:       index,
		TargetIndex: targetIndex,
	}
}

// NewMapSet builds a map-set operation.
func NewMapSet(clientID common.ClientID, baseVersion common.Version, key string, value, previousValue any) Operation {
	return Operation{
		ID:            common.NewOperationID(),
		ClientID:      clientID,
		BaseVersion:   baseVersion,
		Type:          MapSet,
		Timestamp:     common.NowMillis(),
		Key:           key,
		Value:         value,
		PreviousValue: previousValue,
	}
}

// NewMapDelete builds a map-delete operation.
func NewMapDelete(clientID common.ClientID, baseVersion common.Version, key string, previousValue any) Operation {
	return Operation{
		ID:            common.NewOperationID(),
		ClientID:      clientID,
		BaseVersion:   baseVersion,
		Type:          MapDelete,
		Timestamp:     common.NowMillis(),
		Key:           key,
		PreviousValue: previousValue,
	}
}

// NewMapBatch builds a map-batch operation from set and delete
// sub-operations. Sub-operations inherit the batch author and
// timestamp.
func NewMapBatch(clientID common.ClientID, baseVersion common.Version, subOps []Operation) Operation {
	op := Operation{
		ID:          common.NewOperationID(),
		ClientID:    clientID,
		BaseVersion: baseVersion,
		Type:        MapBatch,
		Timestamp:   common.NowMillis(),
		Operations:  make([]Operation, len(subOps)),
	}
	for i, sub := range subOps {
		sub.ClientID = clientID
		sub.BaseVersion = baseVersion
		sub.Timestamp = op.Timestamp
		if sub.ID == "" {
			sub.ID = common.NewOperationID()
		}
		op.Operations[i] = sub
	}
	return op
}

// Validate checks the shape of an inbound operation. Upper bounds that
// depend on the current value are checked at apply time.
func (o Operation) Validate() error {
	if !o.ID.Valid() {
		return common.ErrInvalidOperation{Message: "missing or malformed id"}
	}
	if !o.ClientID.Valid() {
		return common.ErrInvalidOperation{Message: "missing or malformed clientId"}
	}
	if o.BaseVersion < 0 {
		return common.ErrInvalidOperation{Message: "negative baseVersion"}
	}

	switch o.Type {
	case TextInsert:
		if o.Position < 0 {
			return common.ErrInvalidOperation{Message: "negative position"}
		}
		if o.Text == "" {
			return common.ErrInvalidOperation{Message: "empty insert text"}
		}
	case TextDelete:
		if o.Position < 0 {
			return common.ErrInvalidOperation{Message: "negative position"}
		}
		if o.Length <= 0 {
			return common.ErrInvalidOperation{Message: "non-positive delete length"}
		}
	case TextRetain:
		if o.Position < 0 || o.Length < 0 {
			return common.ErrInvalidOperation{Message: "negative retain range"}
		}
	case ListInsert:
		if o.Index < 0 {
			return common.ErrInvalidOperation{Message: "negative index"}
		}
	case ListDelete:
		if o.Index < 0 {
			return common.ErrInvalidOperation{Message: "negative index"}
		}
		if o.Count < 1 {
			return common.ErrInvalidOperation{Message: "non-positive count"}
		}
	case ListReplace:
		if o.Index < 0 {
			return common.ErrInvalidOperation{Message: "negative index"}
		}
	case ListMove:
		if o.Index < 0 || o.TargetIndex < 0 {
			return common.ErrInvalidOperation{Message: "negative index"}
		}
		if o.Index == o.TargetIndex {
			return common.ErrInvalidOperation{Message: "move with equal source and target"}
		}
	case MapSet, MapDelete:
		if o.Key == "" {
			return common.ErrInvalidOperation{Message: "empty key"}
		}
	case MapBatch:
		if len(o.Operations) == 0 {
			return common.ErrInvalidOperation{Message: "empty batch"}
		}
		for _, sub := range o.Operations {
			if sub.Type != MapSet && sub.Type != MapDelete {
				return common.ErrInvalidOperation{Message: fmt.Sprintf("batch sub-operation of type %s", sub.Type)}
			}
			if sub.Key == "" {
				return common.ErrInvalidOperation{Message: "empty key in batch"}
			}
		}
	default:
		return common.ErrInvalidOperation{Message: fmt.Sprintf("unknown type %q", o.Type)}
	}
	return nil
}

// Clone returns a copy that shares no mutable bookkeeping with the
// original. Item and value payloads are shared; the algebra never
// mutates them.
func (o Operation) Clone() Operation {
	out := o
	if o.Operations != nil {
		out.Operations = make([]Operation, len(o.Operations))
		for i, sub := range o.Operations {
			out.Operations[i] = sub.Clone()
		}
	}
	if o.Attributes != nil {
		out.Attributes = make(map[string]any, len(o.Attributes))
		for k, v := range o.Attributes {
			out.Attributes[k] = v
		}
	}
	if o.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(o.Extra))
		for k, v := range o.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// CompareAuthors orders two operations by (timestamp, clientId).
// Returns:
//
//	-1 if a < b
//	 0 if a == b
//	 1 if a > b
func CompareAuthors(a, b Operation) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.ClientID != b.ClientID {
		if a.ClientID < b.ClientID {
			return -1
		}
		return 1
	}
	return 0
}

// authorWins reports whether a beats b in the (timestamp, clientId)
// total order.
func authorWins(a, b Operation) bool {
	return CompareAuthors(a, b) > 0
}

// runeLen returns the length of s in characters, the position unit of
// the text algebra.
func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// MarshalJSON encodes the operation in the flat wire layout, emitting
// only the fields relevant to the operation type plus any preserved
// extra fields.
func (o Operation) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(o.Extra)+10)
	for k, v := range o.Extra {
		m[k] = v
	}

	m["id"] = o.ID
	m["clientId"] = o.ClientID
	m["baseVersion"] = o.BaseVersion
	m["type"] = o.Type
	m["timestamp"] = o.Timestamp

	switch o.Type {
	case TextInsert:
		m["position"] = o.Position
		m["text"] = o.Text
	case TextDelete, TextRetain:
		m["position"] = o.Position
		m["length"] = o.Length
	case ListInsert:
		m["index"] = o.Index
		m["item"] = o.Item
	case ListDelete:
		m["index"] = o.Index
		m["count"] = o.Count
	case ListReplace:
		m["index"] = o.Index
		m["item"] = o.Item
		if o.OldItem != nil {
			m["oldItem"] = o.OldItem
		}
	case ListMove:
		m["index"] = o.Index
		m["targetIndex"] = o.TargetIndex
	case MapSet:
		m["key"] = o.Key
		m["value"] = o.Value
		if o.PreviousValue != nil {
			m["previousValue"] = o.PreviousValue
		}
	case MapDelete:
		m["key"] = o.Key
		if o.PreviousValue != nil {
			m["previousValue"] = o.PreviousValue
		}
	case MapBatch:
		m["operations"] = o.Operations
	}

	if len(o.Attributes) > 0 {
		m["attributes"] = o.Attributes
	}
	if o.AppliedVersion > 0 {
		m["appliedVersion"] = o.AppliedVersion
	}
	if o.Noop {
		m["noop"] = true
	}

	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat wire layout, keeping unrecognized
// fields in Extra.
func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	take := func(key string, dst any) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		return nil
	}

	_, hasCount := raw["count"]

	fields := []struct {
		key string
		dst any
	}{
		{"id", &o.ID},
		{"clientId", &o.ClientID},
		{"baseVersion", &o.BaseVersion},
		{"type", &o.Type},
		{"timestamp", &o.Timestamp},
		{"position", &o.Position},
		{"text", &o.Text},
		{"length", &o.Length},
		{"index", &o.Index},
		{"item", &o.Item},
		{"oldItem", &o.OldItem},
		{"count", &o.Count},
		{"targetIndex", &o.TargetIndex},
		{"key", &o.Key},
		{"value", &o.Value},
		{"previousValue", &o.PreviousValue},
		{"operations", &o.Operations},
		{"attributes", &o.Attributes},
		{"appliedVersion", &o.AppliedVersion},
		{"noop", &o.Noop},
	}
	for _, f := range fields {
		if err := take(f.key, f.dst); err != nil {
			return err
		}
	}

	if o.Type == ListDelete && !hasCount {
		o.Count = 1
	}
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}
