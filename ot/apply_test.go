package ot

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otsync/common"
)

func TestApplyText(t *testing.T) {
	testCases := []struct {
		name    string
		doc     string
		op      Operation
		want    string
		wantErr bool
	}{
		{"insert at start", "bc", textInsert("a", 100, 0, "a"), "abc", false},
		{"insert at end", "ab", textInsert("a", 100, 2, "c"), "abc", false},
		{"insert in middle", "ac", textInsert("a", 100, 1, "b"), "abc", false},
		{"insert into empty", "", textInsert("a", 100, 0, "x"), "x", false},
		{"insert multibyte position", "héllo", textInsert("a", 100, 2, "☃"), "hé☃llo", false},
		{"insert past end", "ab", textInsert("a", 100, 3, "c"), "", true},
		{"insert negative", "ab", textInsert("a", 100, -1, "c"), "", true},
		{"delete middle", "abcd", textDelete("a", 100, 1, 2), "ad", false},
		{"delete all", "abcd", textDelete("a", 100, 0, 4), "", false},
		{"delete multibyte", "hé☃lo", textDelete("a", 100, 1, 2), "hlo", false},
		{"delete zero length residue", "abcd", Operation{ID: "op", ClientID: "a", Type: TextDelete, Position: 1, Length: 0}, "abcd", false},
		{"delete past end", "abcd", textDelete("a", 100, 2, 3), "", true},
		{"retain in range", "abcd", NewTextRetain("a", 0, 1, 2, nil), "abcd", false},
		{"retain out of range", "abcd", NewTextRetain("a", 0, 2, 3, nil), "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplyText(tc.doc, tc.op)
			if tc.wantErr {
				require.Error(t, err)
				var invalid common.ErrInvalidOperation
				assert.True(t, errors.As(err, &invalid))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestApplyList(t *testing.T) {
	base := []any{"a", "b", "c", "d"}

	testCases := []struct {
		name    string
		op      Operation
		want    []any
		wantErr bool
	}{
		{"insert at start", listInsert("a", 100, 0, "x"), []any{"x", "a", "b", "c", "d"}, false},
		{"insert at end", listInsert("a", 100, 4, "x"), []any{"a", "b", "c", "d", "x"}, false},
		{"insert past end", listInsert("a", 100, 5, "x"), nil, true},
		{"delete two", listDelete("a", 100, 1, 2), []any{"a", "d"}, false},
		{"delete zero count residue", Operation{ID: "op", ClientID: "a", Type: ListDelete, Index: 1, Count: 0}, []any{"a", "b", "c", "d"}, false},
		{"delete out of range", listDelete("a", 100, 3, 2), nil, true},
		{"replace", listReplace("a", 100, 2, "x"), []any{"a", "b", "x", "d"}, false},
		{"replace out of range", listReplace("a", 100, 4, "x"), nil, true},
		{"move forward", listMove("a", 100, 0, 2), []any{"b", "c", "a", "d"}, false},
		{"move backward", listMove("a", 100, 3, 0), []any{"d", "a", "b", "c"}, false},
		{"move target clamped", listMove("a", 100, 0, 9), []any{"b", "c", "d", "a"}, false},
		{"move source out of range", listMove("a", 100, 4, 0), nil, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ApplyList(base, tc.op)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			// The input slice is never mutated.
			assert.Equal(t, []any{"a", "b", "c", "d"}, base)
		})
	}
}

func TestApplyMap(t *testing.T) {
	base := map[string]any{"x": 1, "y": 2}

	t.Run("set", func(t *testing.T) {
		got, err := ApplyMap(base, mapSet("a", 100, "z", 3))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"x": 1, "y": 2, "z": 3}, got)
		assert.Equal(t, map[string]any{"x": 1, "y": 2}, base)
	})

	t.Run("delete", func(t *testing.T) {
		got, err := ApplyMap(base, mapDelete("a", 100, "x", 1))
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"y": 2}, got)
	})

	t.Run("delete absent key", func(t *testing.T) {
		got, err := ApplyMap(base, mapDelete("a", 100, "missing", nil))
		require.NoError(t, err)
		assert.Equal(t, base, got)
	})

	t.Run("batch applies in order", func(t *testing.T) {
		batch := NewMapBatch("a", 0, []Operation{
			{Type: MapSet, Key: "x", Value: 10},
			{Type: MapDelete, Key: "y"},
			{Type: MapSet, Key: "x", Value: 11},
		})
		got, err := ApplyMap(base, batch)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"x": 11}, got)
	})

	t.Run("batch is atomic on bad sub-operation", func(t *testing.T) {
		batch := NewMapBatch("a", 0, []Operation{
			{Type: MapSet, Key: "x", Value: 10},
			{Type: MapSet, Key: ""},
		})
		_, err := ApplyMap(base, batch)
		require.Error(t, err)
		assert.Equal(t, map[string]any{"x": 1, "y": 2}, base)
	})

	t.Run("batch skips noop subs", func(t *testing.T) {
		batch := NewMapBatch("a", 0, []Operation{
			{Type: MapSet, Key: "x", Value: 10, Noop: true},
			{Type: MapSet, Key: "y", Value: 20},
		})
		got, err := ApplyMap(base, batch)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"x": 1, "y": 20}, got)
	})
}

func TestApply_DispatchesByKind(t *testing.T) {
	got, err := Apply("ab", textInsert("a", 100, 2, "c"))
	require.NoError(t, err)
	assert.Equal(t, "abc", got)

	got, err = Apply([]any{1, 2}, listInsert("a", 100, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2}, got)

	got, err = Apply(map[string]any{}, mapSet("a", 100, "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, got)
}

func TestApply_KindMismatch(t *testing.T) {
	_, err := Apply([]any{1}, textInsert("a", 100, 0, "x"))
	require.Error(t, err)
	assert.Equal(t, common.CodeInvalidOperation, common.ErrorCode(err))

	_, err = Apply("text", mapSet("a", 100, "k", 1))
	require.Error(t, err)
}

func TestApply_NoopLeavesValue(t *testing.T) {
	op := textDelete("a", 100, 0, 2)
	op.Noop = true

	got, err := Apply("ab", op)
	require.NoError(t, err)
	assert.Equal(t, "ab", got)
}
