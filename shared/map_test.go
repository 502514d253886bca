package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsync/common"
	"otsync/ot"
)

func TestMap_Mutations(t *testing.T) {
	m := NewMap("client-a")

	op, err := m.Set("title", "draft")
	require.NoError(t, err)
	assert.Equal(t, ot.MapSet, op.Type)
	assert.Nil(t, op.PreviousValue)

	op, err = m.Set("title", "final")
	require.NoError(t, err)
	assert.Equal(t, "draft", op.PreviousValue)

	op, err = m.Delete("title")
	require.NoError(t, err)
	assert.Equal(t, "final", op.PreviousValue)
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, common.Version(3), m.Version())
}

func TestMap_DeleteAbsentKey(t *testing.T) {
	m := NewMap("client-a")

	var changes int
	m.On(EventChange, func(Event) { changes++ })

	op, err := m.Delete("ghost")
	require.NoError(t, err)
	assert.Nil(t, op.PreviousValue)
	assert.Equal(t, common.Version(1), m.Version())
	assert.Equal(t, 0, changes)
}

func TestMap_Batch(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("stale", true)
	require.NoError(t, err)

	op, err := m.Batch(map[string]any{
		"title": "doc",
		"count": 3,
		"stale": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, ot.MapBatch, op.Type)
	require.Len(t, op.Operations, 3)

	// Keys process in sorted order for deterministic replay.
	assert.Equal(t, "count", op.Operations[0].Key)
	assert.Equal(t, "stale", op.Operations[1].Key)
	assert.Equal(t, ot.MapDelete, op.Operations[1].Type)
	assert.Equal(t, "title", op.Operations[2].Key)

	assert.Equal(t, map[string]any{"title": "doc", "count": 3}, m.Entries())
	assert.Equal(t, common.Version(2), m.Version())

	_, err = m.Batch(nil)
	require.Error(t, err)
}

func TestMap_BatchIsAtomic(t *testing.T) {
	m := NewMap("client-a")

	var batches, operations int
	m.On(EventBatch, func(Event) { batches++ })
	m.On(EventOperation, func(Event) { operations++ })

	_, err := m.Batch(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)

	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, operations)
	assert.Equal(t, common.Version(1), m.Version())
}

func TestMap_Clear(t *testing.T) {
	m := NewMap("client-a")

	op, err := m.Clear()
	require.NoError(t, err)
	assert.Nil(t, op)

	_, err = m.Set("a", 1)
	require.NoError(t, err)
	_, err = m.Set("b", 2)
	require.NoError(t, err)

	op, err = m.Clear()
	require.NoError(t, err)
	require.NotNil(t, op)
	assert.Equal(t, ot.MapBatch, op.Type)
	assert.Len(t, op.Operations, 2)
	assert.Equal(t, 0, m.Len())
}

func TestMap_SetValue(t *testing.T) {
	testCases := []struct {
		name    string
		initial map[string]any
		target  map[string]any
		changed []string
	}{
		{"no change", map[string]any{"a": 1}, map[string]any{"a": 1}, nil},
		{"add key", map[string]any{"a": 1}, map[string]any{"a": 1, "b": 2}, []string{"b"}},
		{"remove key", map[string]any{"a": 1, "b": 2}, map[string]any{"a": 1}, []string{"b"}},
		{"change value", map[string]any{"a": 1}, map[string]any{"a": 2}, []string{"a"}},
		{"to empty", map[string]any{"a": 1, "b": 2}, nil, []string{"a", "b"}},
		{
			"nested partial change writes whole key",
			map[string]any{"cfg": map[string]any{"on": true, "rate": 5}, "other": "x"},
			map[string]any{"cfg": map[string]any{"on": true, "rate": 9}, "other": "x"},
			[]string{"cfg"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := NewMap("client-a")
			if len(tc.initial) > 0 {
				_, err := m.Batch(tc.initial)
				require.NoError(t, err)
			}

			op, err := m.SetValue(tc.target)
			require.NoError(t, err)

			if tc.changed == nil {
				assert.Nil(t, op)
			} else {
				require.NotNil(t, op)
				keys := make([]string, 0, len(op.Operations))
				for _, sub := range op.Operations {
					keys = append(keys, sub.Key)
				}
				assert.Equal(t, tc.changed, keys)
			}

			want := tc.target
			if want == nil {
				want = map[string]any{}
			}
			assert.Equal(t, want, m.Entries())

			// Replay against a copy that saw only the initial state.
			replay := NewMap("client-b")
			if len(tc.initial) > 0 {
				_, err := replay.Batch(tc.initial)
				require.NoError(t, err)
			}
			if op != nil {
				require.NoError(t, replay.Apply(*op))
			}
			assert.Equal(t, want, replay.Entries())
		})
	}
}

func TestMap_SetValueNestedIsCompared(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("cfg", map[string]any{"on": true})
	require.NoError(t, err)

	op, err := m.SetValue(map[string]any{"cfg": map[string]any{"on": true}})
	require.NoError(t, err)
	assert.Nil(t, op)
}
