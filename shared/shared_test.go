package shared

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsync/common"
	"otsync/ot"
)

func TestNew(t *testing.T) {
	testCases := []struct {
		schema  Schema
		initial any
	}{
		{SchemaText, ""},
		{SchemaList, []any{}},
		{SchemaMap, map[string]any{}},
	}

	for _, tc := range testCases {
		t.Run(string(tc.schema), func(t *testing.T) {
			typ, err := New(tc.schema, "client-a")
			require.NoError(t, err)
			assert.Equal(t, tc.schema, typ.Schema())
			assert.Equal(t, common.ClientID("client-a"), typ.ClientID())
			assert.Equal(t, tc.initial, typ.Value())
			assert.Equal(t, common.Version(0), typ.Version())
		})
	}

	_, err := New("tree", "client-a")
	require.Error(t, err)
	var invalid common.ErrInvalidOperation
	assert.True(t, errors.As(err, &invalid))
}

func TestApply_SchemaMismatch(t *testing.T) {
	text := NewText("client-a")
	err := text.Apply(ot.NewListInsert("client-b", 0, 0, "x"))
	require.Error(t, err)

	var invalid common.ErrInvalidOperation
	assert.True(t, errors.As(err, &invalid))
	assert.Equal(t, "", text.String())
	assert.Equal(t, common.Version(0), text.Version())
}

func TestApply_FailureLeavesValueUntouched(t *testing.T) {
	text := NewText("client-a")
	_, err := text.Insert(0, "abc")
	require.NoError(t, err)

	err = text.Apply(ot.NewTextDelete("client-b", 1, 2, 5))
	require.Error(t, err)
	assert.Equal(t, "abc", text.String())
	assert.Equal(t, common.Version(1), text.Version())
}

func TestApply_VersionAdvance(t *testing.T) {
	testCases := []struct {
		name string
		op   ot.Operation
		want common.Version
	}{
		{"base version plus one", ot.NewTextInsert("client-b", 0, 0, "x"), 1},
		{"applied version wins", withAppliedVersion(ot.NewTextInsert("client-b", 0, 0, "y"), 7), 7},
		{"stale base keeps current", ot.NewTextInsert("client-b", 2, 0, "z"), 7},
	}

	text := NewText("client-a")
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, text.Apply(tc.op))
			assert.Equal(t, tc.want, text.Version())
		})
	}
}

func TestApply_NoopAdvancesVersionWithoutChange(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("k", "v")
	require.NoError(t, err)

	var changes, operations int
	m.On(EventChange, func(Event) { changes++ })
	m.On(EventOperation, func(Event) { operations++ })

	lost := ot.NewMapSet("client-b", 1, "k", "other", nil)
	lost.Noop = true
	require.NoError(t, m.Apply(lost))

	v, _ := m.Get("k")
	assert.Equal(t, "v", v)
	assert.Equal(t, common.Version(2), m.Version())
	assert.Equal(t, 0, changes)
	assert.Equal(t, 1, operations)
}

func TestSyncVersion(t *testing.T) {
	text := NewText("client-a")
	_, err := text.Insert(0, "hi")
	require.NoError(t, err)
	require.Equal(t, common.Version(1), text.Version())

	var events int
	text.On(EventChange, func(Event) { events++ })

	text.SyncVersion(4)
	assert.Equal(t, common.Version(4), text.Version())
	assert.Equal(t, "hi", text.String())

	// Lower versions never roll the counter back.
	text.SyncVersion(2)
	assert.Equal(t, common.Version(4), text.Version())
	assert.Equal(t, 0, events)
}

func TestSnapshotRestore(t *testing.T) {
	list := NewList("client-a")
	_, err := list.Append(map[string]any{"id": "n1"})
	require.NoError(t, err)
	_, err = list.Append("plain")
	require.NoError(t, err)

	snap := list.Snapshot()
	assert.Equal(t, common.Version(2), snap.Version)

	_, err = list.Remove(0)
	require.NoError(t, err)

	restored := NewList("client-b")
	var events []EventKind
	restored.On(EventChange, func(ev Event) { events = append(events, ev.Kind) })
	restored.On(EventOperation, func(ev Event) { events = append(events, ev.Kind) })

	require.NoError(t, restored.Restore(snap))
	assert.Equal(t, snap.Value, restored.Value())
	assert.Equal(t, snap.Version, restored.Version())
	assert.Equal(t, []EventKind{EventChange}, events)
}

func TestSnapshot_IsolatedFromLaterEdits(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("nested", map[string]any{"count": 1})
	require.NoError(t, err)

	snap := m.Snapshot()
	_, err = m.Set("nested", map[string]any{"count": 2})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"nested": map[string]any{"count": 1}}, snap.Value)
}

func TestRestore_SchemaMismatch(t *testing.T) {
	text := NewText("client-a")
	err := text.Restore(Snapshot{Value: []any{"x"}, Version: 3})
	require.Error(t, err)

	var invalid common.ErrInvalidOperation
	assert.True(t, errors.As(err, &invalid))
	assert.Equal(t, common.Version(0), text.Version())
}

func TestRestore_NilValueMeansEmpty(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("k", "v")
	require.NoError(t, err)

	require.NoError(t, m.Restore(Snapshot{Value: nil, Version: 9}))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, common.Version(9), m.Version())
}

func TestValue_DeepCopy(t *testing.T) {
	m := NewMap("client-a")
	_, err := m.Set("nested", map[string]any{"count": 1})
	require.NoError(t, err)

	copy1 := m.Entries()
	copy1["nested"].(map[string]any)["count"] = 99
	copy1["extra"] = true

	v, ok := m.Get("nested")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"count": 1}, v)
	assert.Equal(t, 1, m.Len())
}

func TestOn_EventOrderAndUnsubscribe(t *testing.T) {
	text := NewText("client-a")

	var order []EventKind
	record := func(ev Event) { order = append(order, ev.Kind) }
	text.On(EventInsert, record)
	text.On(EventChange, record)
	text.On(EventOperation, record)
	off := text.On(EventDelete, record)

	_, err := text.Insert(0, "hi")
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventInsert, EventChange, EventOperation}, order)

	off()
	order = nil
	_, err = text.Delete(0, 1)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventChange, EventOperation}, order)
}

func TestOn_EventPayload(t *testing.T) {
	text := NewText("client-a")

	var got Event
	text.On(EventChange, func(ev Event) { got = ev })

	op, err := text.Insert(0, "hi")
	require.NoError(t, err)

	require.NotNil(t, got.Operation)
	assert.Equal(t, op.ID, got.Operation.ID)
	assert.Equal(t, "", got.OldValue)
	assert.Equal(t, "hi", got.NewValue)
}

func withAppliedVersion(op ot.Operation, v common.Version) ot.Operation {
	op.AppliedVersion = v
	return op
}
