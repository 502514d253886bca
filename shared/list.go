package shared

import (
	"fmt"
	"reflect"

	"otsync/common"
	"otsync/ot"
)

// List is a collaboratively edited sequence of JSON-compatible values.
type List struct {
	base
}

// NewList returns an empty shared list authored by clientID.
func NewList(clientID common.ClientID) *List {
	return &List{base: newBase(SchemaList, clientID)}
}

// Len returns the number of items.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.value.([]any))
}

// Get returns a deep copy of the item at index.
func (l *List) Get(index int) (any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	items := l.value.([]any)
	if index < 0 || index >= len(items) {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("index %d out of range [0,%d)", index, len(items))}
	}
	return deepCopyValue(items[index]), nil
}

// Items returns a deep copy of the current items.
func (l *List) Items() []any {
	return l.Value().([]any)
}

// Insert inserts item at index and returns the generated operation.
func (l *List) Insert(index int, item any) (ot.Operation, error) {
	return l.mutate(func(base common.Version) ot.Operation {
		return ot.NewListInsert(l.clientID, base, index, item)
	})
}

// Append inserts item after the last element.
func (l *List) Append(item any) (ot.Operation, error) {
	return l.mutate(func(base common.Version) ot.Operation {
		return ot.NewListInsert(l.clientID, base, len(l.value.([]any)), item)
	})
}

// Delete removes count items starting at index.
func (l *List) Delete(index, count int) (ot.Operation, error) {
	return l.mutate(func(base common.Version) ot.Operation {
		return ot.NewListDelete(l.clientID, base, index, count)
	})
}

// Remove removes the single item at index.
func (l *List) Remove(index int) (ot.Operation, error) {
	return l.Delete(index, 1)
}

// Replace swaps the item at index for item. The replaced item rides on
// the operation so concurrent replaces can detect conflicts.
func (l *List) Replace(index int, item any) (ot.Operation, error) {
	return l.mutate(func(base common.Version) ot.Operation {
		var old any
		items := l.value.([]any)
		if index >= 0 && index < len(items) {
			old = deepCopyValue(items[index])
		}
		return ot.NewListReplace(l.clientID, base, index, item, old)
	})
}

// Move relocates the item at index to targetIndex, interpreted against
// the list with the item already removed.
func (l *List) Move(index, targetIndex int) (ot.Operation, error) {
	return l.mutate(func(base common.Version) ot.Operation {
		return ot.NewListMove(l.clientID, base, index, targetIndex)
	})
}

// ReplaceAll rewrites the list to match items, generating the smallest
// operation sequence this type knows how to produce: per-index replaces
// when the length is unchanged, otherwise a full delete plus re-insert.
func (l *List) ReplaceAll(items []any) ([]ot.Operation, error) {
	current := l.Items()

	ops := make([]ot.Operation, 0, len(items)+1)
	if len(current) == len(items) {
		for i := range items {
			if reflect.DeepEqual(current[i], items[i]) {
				continue
			}
			op, err := l.Replace(i, items[i])
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
		return ops, nil
	}

	if len(current) > 0 {
		op, err := l.Delete(0, len(current))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	for i, item := range items {
		op, err := l.Insert(i, item)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
