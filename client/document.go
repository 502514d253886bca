package client

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"otsync/common"
	"otsync/ot"
	"otsync/protocol"
	"otsync/shared"
)

// Document is an open document on a session. Mutations apply to the
// local value first, enter the pending buffer and are forwarded to the
// authority; the buffer drains as acknowledgements arrive. When the
// session resynchronizes after a reconnect or a rejected operation,
// the incoming snapshot replaces the local value and unacknowledged
// operations are discarded.
//
// All methods are safe for concurrent use. Event handlers registered
// through On run while the session lock is held and must not call
// session or document methods.
type Document struct {
	session *Session
	id      common.DocumentID
	typ     shared.Type

	// Guarded by session.mu.
	pending  []ot.Operation
	presence map[common.ClientID]protocol.Presence
	joined   bool
}

func newDocument(s *Session, id common.DocumentID, typ shared.Type) *Document {
	return &Document{
		session:  s,
		id:       id,
		typ:      typ,
		presence: make(map[common.ClientID]protocol.Presence),
	}
}

// ID returns the document id.
func (d *Document) ID() common.DocumentID { return d.id }

// Schema returns the document's value shape.
func (d *Document) Schema() shared.Schema { return d.typ.Schema() }

// Version returns the local version of the document.
func (d *Document) Version() common.Version { return d.typ.Version() }

// Value returns a deep copy of the local value: string for text,
// []any for list, map[string]any for map.
func (d *Document) Value() any { return d.typ.Value() }

// Pending returns the number of locally applied operations the server
// has not acknowledged yet.
func (d *Document) Pending() int {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(d.pending)
}

// Presences returns the document's presence roster sorted by client id.
func (d *Document) Presences() []protocol.Presence {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	return d.presenceListLocked()
}

// On registers a handler for the document's data events and returns a
// function that removes it.
func (d *Document) On(kind shared.EventKind, fn shared.Handler) func() {
	return d.typ.On(kind, fn)
}

// UpdatePresence publishes the client's cursor and metadata to the
// document's other participants.
func (d *Document) UpdatePresence(p protocol.Presence) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.joined || s.state != StateConnected {
		return fmt.Errorf("not connected")
	}
	msg := protocol.New(protocol.TypePresenceUpdate)
	msg.DocumentID = d.id
	msg.Presence = &p
	return s.writeLocked(msg)
}

// Leave closes the document on this session. The server is told when
// the transport is up.
func (d *Document) Leave() error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.id]; !ok {
		return nil
	}
	delete(s.docs, d.id)
	d.joined = false
	if s.state != StateConnected || s.ws == nil {
		return nil
	}
	msg := protocol.New(protocol.TypeLeaveDocument)
	msg.DocumentID = d.id
	return s.writeLocked(msg)
}

// InsertText inserts text before the position of a text document.
func (d *Document) InsertText(position int, text string) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := d.text()
	if err != nil {
		return err
	}
	op, err := t.Insert(position, text)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// DeleteText removes a character range from a text document.
func (d *Document) DeleteText(position, length int) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := d.text()
	if err != nil {
		return err
	}
	op, err := t.Delete(position, length)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// RetainText attaches attributes to a character range of a text
// document without changing the characters.
func (d *Document) RetainText(position, length int, attributes map[string]any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := d.text()
	if err != nil {
		return err
	}
	op, err := t.Retain(position, length, attributes)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// SetText replaces the whole text with a minimal edit sequence.
func (d *Document) SetText(text string) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := d.text()
	if err != nil {
		return err
	}
	ops, err := t.SetText(text)
	if err != nil {
		return err
	}
	for _, op := range ops {
		d.shipLocked(op)
	}
	return nil
}

// InsertItem inserts an item before the index of a list document.
func (d *Document) InsertItem(index int, item any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	op, err := l.Insert(index, item)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// AppendItem appends an item to a list document.
func (d *Document) AppendItem(item any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	op, err := l.Append(item)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// DeleteItems removes count items starting at index from a list
// document.
func (d *Document) DeleteItems(index, count int) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	op, err := l.Delete(index, count)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// RemoveItem removes the item at the index of a list document.
func (d *Document) RemoveItem(index int) error {
	return d.DeleteItems(index, 1)
}

// ReplaceItem replaces the item at the index of a list document.
func (d *Document) ReplaceItem(index int, item any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	op, err := l.Replace(index, item)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// MoveItem relocates the item at index to targetIndex in a list
// document.
func (d *Document) MoveItem(index, targetIndex int) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	op, err := l.Move(index, targetIndex)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// SetItems replaces the whole list with a minimal edit sequence.
func (d *Document) SetItems(items []any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := d.list()
	if err != nil {
		return err
	}
	ops, err := l.ReplaceAll(items)
	if err != nil {
		return err
	}
	for _, op := range ops {
		d.shipLocked(op)
	}
	return nil
}

// SetKey assigns a value to a key of a map document.
func (d *Document) SetKey(key string, value any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := d.mapType()
	if err != nil {
		return err
	}
	op, err := m.Set(key, value)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// DeleteKey removes a key from a map document.
func (d *Document) DeleteKey(key string) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := d.mapType()
	if err != nil {
		return err
	}
	op, err := m.Delete(key)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// SetKeys assigns multiple keys of a map document atomically.
func (d *Document) SetKeys(entries map[string]any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := d.mapType()
	if err != nil {
		return err
	}
	op, err := m.Batch(entries)
	if err != nil {
		return err
	}
	d.shipLocked(op)
	return nil
}

// ClearKeys removes every key from a map document.
func (d *Document) ClearKeys() error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := d.mapType()
	if err != nil {
		return err
	}
	op, err := m.Clear()
	if err != nil {
		return err
	}
	if op != nil {
		d.shipLocked(*op)
	}
	return nil
}

// SetValue diffs a map document against the target and applies the
// difference as one batch.
func (d *Document) SetValue(target map[string]any) error {
	s := d.session
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := d.mapType()
	if err != nil {
		return err
	}
	op, err := m.SetValue(target)
	if err != nil {
		return err
	}
	if op != nil {
		d.shipLocked(*op)
	}
	return nil
}

func (d *Document) text() (*shared.Text, error) {
	if t, ok := d.typ.(*shared.Text); ok {
		return t, nil
	}
	return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a text document", d.id)}
}

func (d *Document) list() (*shared.List, error) {
	if l, ok := d.typ.(*shared.List); ok {
		return l, nil
	}
	return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a list document", d.id)}
}

func (d *Document) mapType() (*shared.Map, error) {
	if m, ok := d.typ.(*shared.Map); ok {
		return m, nil
	}
	return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("%s is not a map document", d.id)}
}

// shipLocked buffers a locally applied operation and forwards it when
// the transport is up. An operation that cannot be sent stays buffered
// until an acknowledgement or a snapshot resync settles its fate.
func (d *Document) shipLocked(op ot.Operation) {
	d.pending = append(d.pending, op)
	s := d.session
	if !d.joined || s.state != StateConnected {
		return
	}
	msg := protocol.New(protocol.TypeOperation)
	msg.DocumentID = d.id
	msg.Operation = &op
	if err := s.writeLocked(msg); err != nil {
		s.logger.Warn("Failed to send operation",
			zap.String("documentId", string(d.id)),
			zap.String("operationId", string(op.ID)),
			zap.Error(err))
	}
}

func (d *Document) dropPendingLocked(opID common.OperationID) {
	for i := range d.pending {
		if d.pending[i].ID == opID {
			d.pending = append(d.pending[:i:i], d.pending[i+1:]...)
			return
		}
	}
}

func (d *Document) setPresenceLocked(users []protocol.Presence) {
	clear(d.presence)
	for _, p := range users {
		d.presence[p.ClientID] = p
	}
}

func (d *Document) presenceListLocked() []protocol.Presence {
	users := make([]protocol.Presence, 0, len(d.presence))
	for _, p := range d.presence {
		users = append(users, p)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ClientID < users[j].ClientID })
	return users
}
