package ot

// Range is the half-open interval of positions an operation affects.
// Inserts occupy a zero-width range at their position.
type Range struct {
	Start int
	End   int
}

// Range returns the affected interval of a text or list operation.
// Map operations have no positional range.
func (o Operation) Range() Range {
	switch o.Type {
	case TextInsert:
		return Range{Start: o.Position, End: o.Position}
	case TextDelete, TextRetain:
		return Range{Start: o.Position, End: o.Position + o.Length}
	case ListInsert:
		return Range{Start: o.Index, End: o.Index}
	case ListDelete:
		return Range{Start: o.Index, End: o.Index + o.Count}
	case ListReplace:
		return Range{Start: o.Index, End: o.Index + 1}
	case ListMove:
		lo := minInt(o.Index, o.TargetIndex)
		hi := maxInt(o.Index, o.TargetIndex)
		return Range{Start: lo, End: hi + 1}
	default:
		return Range{}
	}
}

// overlaps reports whether two ranges intersect. Zero-width ranges are
// treated as points: two points collide when equal, and a point
// collides with an interval containing it.
func (r Range) overlaps(other Range) bool {
	if r.Start == r.End && other.Start == other.End {
		return r.Start == other.Start
	}
	if r.Start == r.End {
		return other.Start <= r.Start && r.Start < other.End
	}
	if other.Start == other.End {
		return r.Start <= other.Start && other.Start < r.End
	}
	return r.Start < other.End && other.Start < r.End
}

// Conflicts reports whether two operations contend: text and list
// operations conflict when their affected ranges overlap, map
// operations when they touch the same key. Operations of different
// kinds never conflict.
func Conflicts(a, b Operation) bool {
	ka, kb := a.Type.Kind(), b.Type.Kind()
	if ka != kb || ka == KindUnknown {
		return false
	}

	if ka == KindMap {
		return mapKeysIntersect(a, b)
	}
	return a.Range().overlaps(b.Range())
}

func mapKeysIntersect(a, b Operation) bool {
	for _, ka := range mapKeys(a) {
		for _, kb := range mapKeys(b) {
			if ka == kb {
				return true
			}
		}
	}
	return false
}

func mapKeys(o Operation) []string {
	if o.Type == MapBatch {
		keys := make([]string, 0, len(o.Operations))
		for _, sub := range o.Operations {
			keys = append(keys, sub.Key)
		}
		return keys
	}
	return []string{o.Key}
}
