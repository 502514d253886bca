package shared

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"otsync/common"
	"otsync/ot"
)

// Text is a collaboratively edited string. Positions and lengths are
// measured in characters, not bytes.
type Text struct {
	base
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewText returns an empty shared text authored by clientID.
func NewText(clientID common.ClientID) *Text {
	return &Text{
		base: newBase(SchemaText, clientID),
		dmp:  diffmatchpatch.New(),
	}
}

// String returns the current text.
func (t *Text) String() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.value.(string)
}

// Length returns the current text length in characters.
func (t *Text) Length() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return utf8.RuneCountInString(t.value.(string))
}

// Insert inserts text at position and returns the generated operation.
func (t *Text) Insert(position int, text string) (ot.Operation, error) {
	return t.mutate(func(base common.Version) ot.Operation {
		return ot.NewTextInsert(t.clientID, base, position, text)
	})
}

// Delete removes length characters starting at position.
func (t *Text) Delete(position, length int) (ot.Operation, error) {
	return t.mutate(func(base common.Version) ot.Operation {
		return ot.NewTextDelete(t.clientID, base, position, length)
	})
}

// Retain annotates a range with attributes without changing the text.
func (t *Text) Retain(position, length int, attributes map[string]any) (ot.Operation, error) {
	return t.mutate(func(base common.Version) ot.Operation {
		return ot.NewTextRetain(t.clientID, base, position, length, attributes)
	})
}

// SetText diffs the current text against text and applies the minimal
// edit as operations: a delete of the changed span first, then an
// insert of the replacement. Returns the operations in apply order;
// both, one or none may be produced.
func (t *Text) SetText(text string) ([]ot.Operation, error) {
	// The diff runs against a copy; callers must not interleave other
	// mutations between the read and the edits below.
	current := t.String()
	deleteAt, deleteLen, insertText := textDiff(t.dmp, current, text)

	ops := make([]ot.Operation, 0, 2)
	if deleteLen > 0 {
		op, err := t.Delete(deleteAt, deleteLen)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if insertText != "" {
		op, err := t.Insert(deleteAt, insertText)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// textDiff reduces old -> new to a single span replacement: delete
// deleteLen characters at position, then insert insertText there.
// DiffCommonPrefix and DiffCommonSuffix count runes, matching the
// operation position unit.
func textDiff(dmp *diffmatchpatch.DiffMatchPatch, old, new string) (position, deleteLen int, insertText string) {
	if old == new {
		return 0, 0, ""
	}

	oldRunes := []rune(old)
	newRunes := []rune(new)

	prefix := dmp.DiffCommonPrefix(old, new)
	suffix := dmp.DiffCommonSuffix(string(oldRunes[prefix:]), string(newRunes[prefix:]))

	deleteLen = len(oldRunes) - prefix - suffix
	insertText = string(newRunes[prefix : len(newRunes)-suffix])
	return prefix, deleteLen, insertText
}
