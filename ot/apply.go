package ot

import (
	"fmt"

	"otsync/common"
)

// Apply produces the value that results from op. The input value is
// never mutated; lists and maps are copied before splicing.
//
// The value must be a string for text operations, a []any for list
// operations and a map[string]any for map operations.
func Apply(value any, op Operation) (any, error) {
	if op.Noop {
		return value, nil
	}

	switch op.Type.Kind() {
	case KindText:
		s, ok := value.(string)
		if !ok {
			return value, common.ErrInvalidOperation{Message: fmt.Sprintf("%s on %T value", op.Type, value)}
		}
		return ApplyText(s, op)
	case KindList:
		items, ok := value.([]any)
		if !ok {
			return value, common.ErrInvalidOperation{Message: fmt.Sprintf("%s on %T value", op.Type, value)}
		}
		return ApplyList(items, op)
	case KindMap:
		m, ok := value.(map[string]any)
		if !ok {
			return value, common.ErrInvalidOperation{Message: fmt.Sprintf("%s on %T value", op.Type, value)}
		}
		return ApplyMap(m, op)
	default:
		return value, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown type %q", op.Type)}
	}
}

// ApplyText splices a text operation into s. Positions are measured in
// characters, not bytes.
func ApplyText(s string, op Operation) (string, error) {
	r := []rune(s)

	switch op.Type {
	case TextInsert:
		if op.Position < 0 || op.Position > len(r) {
			return s, common.ErrInvalidOperation{Message: fmt.Sprintf("insert position %d out of range [0, %d]", op.Position, len(r))}
		}
		out := make([]rune, 0, len(r)+runeLen(op.Text))
		out = append(out, r[:op.Position]...)
		out = append(out, []rune(op.Text)...)
		out = append(out, r[op.Position:]...)
		return string(out), nil

	case TextDelete:
		if op.Length == 0 {
			// Zero-length residue of an overlapping delete.
			return s, nil
		}
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(r) {
			return s, common.ErrInvalidOperation{Message: fmt.Sprintf("delete range [%d, %d) out of range [0, %d]", op.Position, op.Position+op.Length, len(r))}
		}
		out := make([]rune, 0, len(r)-op.Length)
		out = append(out, r[:op.Position]...)
		out = append(out, r[op.Position+op.Length:]...)
		return string(out), nil

	case TextRetain:
		if op.Position < 0 || op.Length < 0 || op.Position+op.Length > len(r) {
			return s, common.ErrInvalidOperation{Message: fmt.Sprintf("retain range [%d, %d) out of range [0, %d]", op.Position, op.Position+op.Length, len(r))}
		}
		return s, nil

	default:
		return s, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a text operation", op.Type)}
	}
}

// ApplyList splices a list operation into items, returning a new
// slice.
func ApplyList(items []any, op Operation) ([]any, error) {
	switch op.Type {
	case ListInsert:
		if op.Index < 0 || op.Index > len(items) {
			return items, common.ErrInvalidOperation{Message: fmt.Sprintf("insert index %d out of range [0, %d]", op.Index, len(items))}
		}
		out := make([]any, 0, len(items)+1)
		out = append(out, items[:op.Index]...)
		out = append(out, op.Item)
		out = append(out, items[op.Index:]...)
		return out, nil

	case ListDelete:
		if op.Count == 0 {
			return items, nil
		}
		if op.Index < 0 || op.Count < 0 || op.Index+op.Count > len(items) {
			return items, common.ErrInvalidOperation{Message: fmt.Sprintf("delete range [%d, %d) out of range [0, %d]", op.Index, op.Index+op.Count, len(items))}
		}
		out := make([]any, 0, len(items)-op.Count)
		out = append(out, items[:op.Index]...)
		out = append(out, items[op.Index+op.Count:]...)
		return out, nil

	case ListReplace:
		if op.Index < 0 || op.Index >= len(items) {
			return items, common.ErrInvalidOperation{Message: fmt.Sprintf("replace index %d out of range [0, %d)", op.Index, len(items))}
		}
		out := make([]any, len(items))
		copy(out, items)
		out[op.Index] = op.Item
		return out, nil

	case ListMove:
		if op.Index == op.TargetIndex {
			return items, nil
		}
		if op.Index < 0 || op.Index >= len(items) {
			return items, common.ErrInvalidOperation{Message: fmt.Sprintf("move source %d out of range [0, %d)", op.Index, len(items))}
		}
		item := items[op.Index]
		rest := make([]any, 0, len(items)-1)
		rest = append(rest, items[:op.Index]...)
		rest = append(rest, items[op.Index+1:]...)
		target := op.TargetIndex
		if target > len(rest) {
			target = len(rest)
		}
		out := make([]any, 0, len(items))
		out = append(out, rest[:target]...)
		out = append(out, item)
		out = append(out, rest[target:]...)
		return out, nil

	default:
		return items, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a list operation", op.Type)}
	}
}

// ApplyMap applies a map operation to m, returning a new map. A batch
// is validated in full before any sub-operation takes effect.
func ApplyMap(m map[string]any, op Operation) (map[string]any, error) {
	switch op.Type {
	case MapSet:
		if op.Key == "" {
			return m, common.ErrInvalidOperation{Message: "empty key"}
		}
		out := cloneMap(m)
		out[op.Key] = op.Value
		return out, nil

	case MapDelete:
		if op.Key == "" {
			return m, common.ErrInvalidOperation{Message: "empty key"}
		}
		out := cloneMap(m)
		delete(out, op.Key)
		return out, nil

	case MapBatch:
		for _, sub := range op.Operations {
			if sub.Noop {
				continue
			}
			if sub.Type != MapSet && sub.Type != MapDelete {
				return m, common.ErrInvalidOperation{Message: fmt.Sprintf("batch sub-operation of type %s", sub.Type)}
			}
			if sub.Key == "" {
				return m, common.ErrInvalidOperation{Message: "empty key in batch"}
			}
		}
		out := cloneMap(m)
		for _, sub := range op.Operations {
			if sub.Noop {
				continue
			}
			if sub.Type == MapSet {
				out[sub.Key] = sub.Value
			} else {
				delete(out, sub.Key)
			}
		}
		return out, nil

	default:
		return m, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a map operation", op.Type)}
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
