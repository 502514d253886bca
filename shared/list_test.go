package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsync/common"
	"otsync/ot"
)

func TestList_Mutations(t *testing.T) {
	list := NewList("client-a")

	_, err := list.Append("a")
	require.NoError(t, err)
	_, err = list.Append("c")
	require.NoError(t, err)

	op, err := list.Insert(1, "b")
	require.NoError(t, err)
	assert.Equal(t, ot.ListInsert, op.Type)
	assert.Equal(t, common.Version(2), op.BaseVersion)
	assert.Equal(t, []any{"a", "b", "c"}, list.Items())

	op, err = list.Replace(2, "C")
	require.NoError(t, err)
	assert.Equal(t, "c", op.OldItem)
	assert.Equal(t, []any{"a", "b", "C"}, list.Items())

	_, err = list.Move(2, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{"C", "a", "b"}, list.Items())

	_, err = list.Remove(0)
	require.NoError(t, err)
	_, err = list.Delete(0, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, list.Len())
	assert.Equal(t, common.Version(7), list.Version())
}

func TestList_InvalidMutations(t *testing.T) {
	list := NewList("client-a")
	_, err := list.Append("a")
	require.NoError(t, err)

	testCases := []struct {
		name string
		call func() error
	}{
		{"insert negative", func() error { _, err := list.Insert(-1, "x"); return err }},
		{"insert past end", func() error { _, err := list.Insert(2, "x"); return err }},
		{"delete out of range", func() error { _, err := list.Delete(0, 2); return err }},
		{"replace out of range", func() error { _, err := list.Replace(1, "x"); return err }},
		{"move to itself", func() error { _, err := list.Move(0, 0); return err }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.call())
			assert.Equal(t, []any{"a"}, list.Items())
			assert.Equal(t, common.Version(1), list.Version())
		})
	}
}

func TestList_Get(t *testing.T) {
	list := NewList("client-a")
	_, err := list.Append(map[string]any{"id": "n1"})
	require.NoError(t, err)

	item, err := list.Get(0)
	require.NoError(t, err)
	item.(map[string]any)["id"] = "mutated"

	fresh, err := list.Get(0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "n1"}, fresh)

	_, err = list.Get(1)
	require.Error(t, err)
	_, err = list.Get(-1)
	require.Error(t, err)
}

func TestList_ReplaceAll(t *testing.T) {
	testCases := []struct {
		name    string
		initial []any
		target  []any
		wantOps int
	}{
		{"no change", []any{"a", "b"}, []any{"a", "b"}, 0},
		{"same length one change", []any{"a", "b", "c"}, []any{"a", "x", "c"}, 1},
		{"same length all change", []any{"a", "b"}, []any{"x", "y"}, 2},
		{"grow", []any{"a"}, []any{"x", "y", "z"}, 4},
		{"shrink", []any{"a", "b", "c"}, []any{"x"}, 2},
		{"from empty", nil, []any{"x", "y"}, 2},
		{"to empty", []any{"a", "b"}, nil, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			list := NewList("client-a")
			for _, item := range tc.initial {
				_, err := list.Append(item)
				require.NoError(t, err)
			}

			ops, err := list.ReplaceAll(tc.target)
			require.NoError(t, err)
			assert.Len(t, ops, tc.wantOps)

			want := tc.target
			if want == nil {
				want = []any{}
			}
			assert.Equal(t, want, list.Items())

			replay := NewList("client-b")
			for _, item := range tc.initial {
				_, err := replay.Append(item)
				require.NoError(t, err)
			}
			for _, op := range ops {
				require.NoError(t, replay.Apply(op))
			}
			assert.Equal(t, want, replay.Items())
		})
	}
}
