package ot

import (
	"fmt"

	"otsync/common"
)

// Transform rebases a against b, where b was applied first from the
// same base state. The result a' satisfies TP1: applying b then a'
// yields the same value as applying a then T(b, a).
//
// Operations of different data kinds never interact and pass through
// unchanged.
func Transform(a, b Operation) (Operation, error) {
	if a.Noop || b.Noop {
		return a, nil
	}

	ka, kb := a.Type.Kind(), b.Type.Kind()
	if ka == KindUnknown {
		return a, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown type %q", a.Type)}
	}
	if kb == KindUnknown {
		return a, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown type %q", b.Type)}
	}
	if ka != kb {
		return a, nil
	}

	switch ka {
	case KindText:
		return transformText(a, b), nil
	case KindList:
		return transformList(a, b), nil
	default:
		return transformMap(a, b), nil
	}
}

// TransformAgainst rebases op over each operation of history in order.
func TransformAgainst(op Operation, history []Operation) (Operation, error) {
	var err error
	for _, h := range history {
		op, err = Transform(op, h)
		if err != nil {
			return op, err
		}
	}
	return op, nil
}

// --- text ---

func transformText(a, b Operation) Operation {
	// Retain is identity under transformation in the plain-text model.
	if a.Type == TextRetain || b.Type == TextRetain {
		return a
	}

	switch {
	case a.Type == TextInsert && b.Type == TextInsert:
		return transformInsertInsert(a, b)
	case a.Type == TextInsert && b.Type == TextDelete:
		return transformInsertDelete(a, b)
	case a.Type == TextDelete && b.Type == TextInsert:
		return transformDeleteInsert(a, b)
	default:
		return transformDeleteDelete(a, b)
	}
}

// transformInsertInsert shifts a past b's text when b sits strictly
// before it, or on a position tie when a loses the author order.
func transformInsertInsert(a, b Operation) Operation {
	switch {
	case a.Position < b.Position:
		return a
	case a.Position > b.Position:
		a.Position += runeLen(b.Text)
	default:
		if authorWins(a, b) {
			a.Position += runeLen(b.Text)
		}
	}
	return a
}

// transformInsertDelete moves an insert left past a preceding delete;
// an insert inside the deleted range snaps to the start of the range.
func transformInsertDelete(a, b Operation) Operation {
	switch {
	case a.Position <= b.Position:
		return a
	case a.Position >= b.Position+b.Length:
		a.Position -= b.Length
	default:
		a.Position = b.Position
	}
	return a
}

// transformDeleteInsert shifts a delete right past a preceding insert;
// an insert landing inside the deleted range extends the delete to
// cover the inserted text.
func transformDeleteInsert(a, b Operation) Operation {
	switch {
	case b.Position <= a.Position:
		a.Position += runeLen(b.Text)
	case b.Position >= a.Position+a.Length:
		return a
	default:
		a.Length += runeLen(b.Text)
	}
	return a
}

// transformDeleteDelete reduces a to its residual range when the two
// deletions overlap. A fully shadowed delete becomes a zero-length
// operation, preserved for version accounting.
func transformDeleteDelete(a, b Operation) Operation {
	aStart, aEnd := a.Position, a.Position+a.Length
	bStart, bEnd := b.Position, b.Position+b.Length

	switch {
	case bEnd <= aStart:
		a.Position -= b.Length
	case bStart >= aEnd:
		return a
	default:
		overlap := minInt(aEnd, bEnd) - maxInt(aStart, bStart)
		a.Position = minInt(aStart, bStart)
		a.Length -= overlap
	}
	return a
}

// --- list ---

func transformList(a, b Operation) Operation {
	switch b.Type {
	case ListInsert:
		return transformListAgainstInsert(a, b)
	case ListDelete:
		return transformListAgainstDelete(a, b)
	case ListReplace:
		return transformListAgainstReplace(a, b)
	default:
		return transformListAgainstMove(a, b)
	}
}

func transformListAgainstInsert(a, b Operation) Operation {
	switch a.Type {
	case ListInsert:
		switch {
		case a.Index < b.Index:
		case a.Index > b.Index:
			a.Index++
		default:
			if authorWins(a, b) {
				a.Index++
			}
		}
	case ListDelete:
		switch {
		case b.Index <= a.Index:
			a.Index++
		case b.Index >= a.Index+a.Count:
		default:
			// Insert landed inside the deleted range.
			a.Count++
		}
	case ListReplace:
		if b.Index <= a.Index {
			a.Index++
		}
	case ListMove:
		if b.Index <= a.Index {
			a.Index++
		}
		if b.Index <= a.TargetIndex {
			a.TargetIndex++
		}
		if a.Index == a.TargetIndex {
			a.Noop = true
		}
	}
	return a
}

func transformListAgainstDelete(a, b Operation) Operation {
	bEnd := b.Index + b.Count

	switch a.Type {
	case ListInsert:
		switch {
		case a.Index <= b.Index:
		case a.Index >= bEnd:
			a.Index -= b.Count
		default:
			a.Index = b.Index
		}
	case ListDelete:
		aEnd := a.Index + a.Count
		switch {
		case bEnd <= a.Index:
			a.Index -= b.Count
		case b.Index >= aEnd:
		default:
			overlap := minInt(aEnd, bEnd) - maxInt(a.Index, b.Index)
			a.Index = minInt(a.Index, b.Index)
			a.Count -= overlap
		}
	case ListReplace:
		switch {
		case a.Index < b.Index:
		case a.Index >= bEnd:
			a.Index -= b.Count
		default:
			// The replaced item was deleted concurrently.
			a.Noop = true
		}
	case ListMove:
		if a.Index >= b.Index && a.Index < bEnd {
			// The moved item was deleted concurrently.
			a.Noop = true
			return a
		}
		if a.Index >= bEnd {
			a.Index -= b.Count
		}
		switch {
		case a.TargetIndex >= bEnd:
			a.TargetIndex -= b.Count
		case a.TargetIndex > b.Index:
			a.TargetIndex = b.Index
		}
		if a.Index == a.TargetIndex {
			a.Noop = true
		}
	}
	return a
}

func transformListAgainstReplace(a, b Operation) Operation {
	// Replace does not shift positions; only a replace of the same
	// index contends, resolved by author order.
	if a.Type == ListReplace && a.Index == b.Index && !authorWins(a, b) {
		a.Noop = true
	}
	return a
}

func transformListAgainstMove(a, b Operation) Operation {
	switch a.Type {
	case ListMove:
		a.Index = mapIndexThroughMove(a.Index, b.Index, b.TargetIndex)
		a.TargetIndex = mapIndexThroughMove(a.TargetIndex, b.Index, b.TargetIndex)
		if a.Index == a.TargetIndex {
			a.Noop = true
		}
	default:
		a.Index = mapIndexThroughMove(a.Index, b.Index, b.TargetIndex)
	}
	return a
}

// mapIndexThroughMove maps index i through a concurrent move of the
// item at s to t: the source maps to the target, and the indexes the
// relocation slid over shift by one toward the vacated slot.
func mapIndexThroughMove(i, s, t int) int {
	switch {
	case s == t || i < minInt(s, t) || i > maxInt(s, t):
		return i
	case i == s:
		return t
	case s < t:
		// Forward move: (s, t] shifts down.
		return i - 1
	default:
		// Backward move: [t, s) shifts up.
		return i + 1
	}
}

// --- map ---

func transformMap(a, b Operation) Operation {
	switch {
	case a.Type == MapBatch && b.Type == MapBatch:
		out := a.Clone()
		for i := range out.Operations {
			for _, bs := range b.Operations {
				out.Operations[i] = transformMapPair(out.Operations[i], bs)
			}
		}
		return out
	case a.Type == MapBatch:
		out := a.Clone()
		for i := range out.Operations {
			out.Operations[i] = transformMapPair(out.Operations[i], b)
		}
		return out
	case b.Type == MapBatch:
		for _, bs := range b.Operations {
			a = transformMapPair(a, bs)
		}
		return a
	default:
		return transformMapPair(a, b)
	}
}

// transformMapPair resolves two single-key map operations. Distinct
// keys never interact; the same key resolves last-writer-wins on the
// (timestamp, clientId) order, the loser becoming a no-op.
func transformMapPair(a, b Operation) Operation {
	if a.Noop || b.Noop || a.Key != b.Key {
		return a
	}

	wins := authorWins(a, b)

	switch {
	case a.Type == MapSet && b.Type == MapSet:
		if !wins {
			a.Noop = true
		}
	case a.Type == MapDelete && b.Type == MapDelete:
		if !wins {
			a.Noop = true
		}
	case a.Type == MapSet && b.Type == MapDelete:
		if wins {
			// The set resurrects the key; nothing preceded it anymore.
			a.PreviousValue = nil
		} else {
			a.Noop = true
		}
	case a.Type == MapDelete && b.Type == MapSet:
		a.PreviousValue = b.Value
		if !wins {
			a.Noop = true
		}
	}
	return a
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
