package shared

import (
	"encoding/json"
	"fmt"
	"sort"

	jsonpatch "github.com/evanphx/json-patch"

	"otsync/common"
	"otsync/ot"
)

// Map is a collaboratively edited string-keyed map of JSON-compatible
// values.
type Map struct {
	base
}

// NewMap returns an empty shared map authored by clientID.
func NewMap(clientID common.ClientID) *Map {
	return &Map{base: newBase(SchemaMap, clientID)}
}

// Len returns the number of keys.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.value.(map[string]any))
}

// Get returns a deep copy of the value under key.
func (m *Map) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.value.(map[string]any)[key]
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Keys returns the current keys in sorted order.
func (m *Map) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.value.(map[string]any)))
	for k := range m.value.(map[string]any) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a deep copy of the current map.
func (m *Map) Entries() map[string]any {
	return m.Value().(map[string]any)
}

// Set assigns value to key. The previous value rides on the operation
// so concurrent edits of the same key can be resolved.
func (m *Map) Set(key string, value any) (ot.Operation, error) {
	return m.mutate(func(base common.Version) ot.Operation {
		return ot.NewMapSet(m.clientID, base, key, value, m.previousLocked(key))
	})
}

// Delete removes key. Deleting an absent key succeeds and changes
// nothing.
func (m *Map) Delete(key string) (ot.Operation, error) {
	return m.mutate(func(base common.Version) ot.Operation {
		return ot.NewMapDelete(m.clientID, base, key, m.previousLocked(key))
	})
}

// Batch applies several sets and deletes as one atomic operation.
// Entries with a nil value delete the key; the rest set it. Keys are
// processed in sorted order.
func (m *Map) Batch(entries map[string]any) (ot.Operation, error) {
	if len(entries) == 0 {
		return ot.Operation{}, common.ErrInvalidOperation{Message: "empty batch"}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return m.mutate(func(base common.Version) ot.Operation {
		subs := make([]ot.Operation, 0, len(keys))
		for _, k := range keys {
			if v := entries[k]; v == nil {
				subs = append(subs, ot.NewMapDelete(m.clientID, base, k, m.previousLocked(k)))
			} else {
				subs = append(subs, ot.NewMapSet(m.clientID, base, k, v, m.previousLocked(k)))
			}
		}
		return ot.NewMapBatch(m.clientID, base, subs)
	})
}

// Clear deletes every key in one atomic batch. Clearing an empty map is
// a no-op and returns no operation.
func (m *Map) Clear() (*ot.Operation, error) {
	keys := m.Keys()
	if len(keys) == 0 {
		return nil, nil
	}

	op, err := m.mutate(func(base common.Version) ot.Operation {
		subs := make([]ot.Operation, 0, len(keys))
		for _, k := range keys {
			subs = append(subs, ot.NewMapDelete(m.clientID, base, k, m.previousLocked(k)))
		}
		return ot.NewMapBatch(m.clientID, base, subs)
	})
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// SetValue rewrites the map to equal target, diffing the current value
// with an RFC 7396 merge patch to find the changed keys. The edit is
// applied as one atomic batch; an unchanged map produces no operation.
func (m *Map) SetValue(target map[string]any) (*ot.Operation, error) {
	if target == nil {
		target = map[string]any{}
	}

	currentJSON, err := json.Marshal(m.Entries())
	if err != nil {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("encode current value: %v", err)}
	}
	targetJSON, err := json.Marshal(target)
	if err != nil {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("encode target value: %v", err)}
	}

	patch, err := jsonpatch.CreateMergePatch(currentJSON, targetJSON)
	if err != nil {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("diff values: %v", err)}
	}

	// The patch nests for partially changed sub-objects, so only its
	// top-level keys matter: they name what changed. Values come from
	// target so a key is always written whole.
	var changed map[string]json.RawMessage
	if err := json.Unmarshal(patch, &changed); err != nil {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("decode diff: %v", err)}
	}
	if len(changed) == 0 {
		return nil, nil
	}

	entries := make(map[string]any, len(changed))
	for key, raw := range changed {
		if string(raw) == "null" {
			entries[key] = nil
			continue
		}
		entries[key] = target[key]
	}

	op, err := m.Batch(entries)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// previousLocked reads the current value under key. Called from mutate
// build functions, which run under the write lock.
func (m *Map) previousLocked(key string) any {
	v, ok := m.value.(map[string]any)[key]
	if !ok {
		return nil
	}
	return deepCopyValue(v)
}
