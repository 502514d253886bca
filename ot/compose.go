package ot

// CanMerge reports whether b can be folded into a: both operations
// come from the same author and form a contiguous insert run or a
// repeated delete at the same position.
func CanMerge(a, b Operation) bool {
	if a.ClientID != b.ClientID {
		return false
	}
	switch {
	case a.Type == TextInsert && b.Type == TextInsert:
		return b.Position == a.Position+runeLen(a.Text)
	case a.Type == TextDelete && b.Type == TextDelete:
		return b.Position == a.Position
	default:
		return false
	}
}

// Merge folds b into a. The merged operation keeps a's identity and
// base version and b's timestamp, so it orders like the latest of the
// pair.
func Merge(a, b Operation) Operation {
	out := a.Clone()
	out.Timestamp = b.Timestamp
	switch a.Type {
	case TextInsert:
		out.Text = a.Text + b.Text
	case TextDelete:
		out.Length = a.Length + b.Length
	}
	if len(b.Attributes) > 0 {
		if out.Attributes == nil {
			out.Attributes = make(map[string]any, len(b.Attributes))
		}
		for k, v := range b.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// Compose folds runs of mergeable consecutive operations, leaving
// everything else untouched. Applying the result is equivalent to
// applying the input sequence.
func Compose(ops []Operation) []Operation {
	if len(ops) < 2 {
		return ops
	}
	out := make([]Operation, 0, len(ops))
	cur := ops[0]
	for _, next := range ops[1:] {
		if CanMerge(cur, next) {
			cur = Merge(cur, next)
			continue
		}
		out = append(out, cur)
		cur = next
	}
	return append(out, cur)
}
