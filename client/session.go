package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otsync/common"
	"otsync/ot"
	"otsync/protocol"
	"otsync/shared"
)

// State is the connection state of a session.
type State string

const (
	// StateDisconnected means the session has never connected or was
	// closed by Disconnect.
	StateDisconnected State = "disconnected"
	// StateConnecting means the initial Connect is in progress.
	StateConnecting State = "connecting"
	// StateConnected means the transport is up and authenticated.
	StateConnected State = "connected"
	// StateReconnecting means the transport was lost and a reconnect is
	// scheduled or in progress.
	StateReconnecting State = "reconnecting"
	// StateError means the session gave up reconnecting.
	StateError State = "error"
)

// RemoteError is a failure the server reported on the wire. It keeps
// the server's error code, so common.ErrorCode works on it.
type RemoteError struct {
	code    string
	message string
}

func (e RemoteError) Error() string { return e.message }

// Code returns the wire code the server sent.
func (e RemoteError) Code() string { return e.code }

// StateHandler observes connection state changes.
type StateHandler func(state State)

// ErrorHandler observes failures the session cannot return to a caller:
// rejected operations, server-side errors and transport loss.
type ErrorHandler func(err error)

// PresenceHandler observes presence changes on an open document. The
// slice is a snapshot sorted by client id and may be retained.
type PresenceHandler func(docID common.DocumentID, users []protocol.Presence)

type stateEntry struct {
	id int
	fn StateHandler
}

type errorEntry struct {
	id int
	fn ErrorHandler
}

type presenceEntry struct {
	id int
	fn PresenceHandler
}

// Session is one client's connection to a coordinator: it owns the
// WebSocket, the set of open documents with their pending operation
// buffers, and the reconnect logic.
//
// A single mutex serializes inbound message handling, local mutations
// and outbound writes, so the shared values, the pending buffers and
// the wire always agree on the order operations happened in.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	info           *common.ClientInfo
	docs           map[common.DocumentID]*Document
	joinWaiters    map[common.DocumentID][]chan error
	authCh         chan protocol.Message
	pingStop       chan struct{}
	attempts       int
	reconnectTimer *time.Timer
	closed         bool

	nextHandler      int
	stateHandlers    []stateEntry
	errorHandlers    []errorEntry
	presenceHandlers []presenceEntry

	pongCh chan struct{}
}

// NewSession builds a session from the configuration. The session does
// not connect until Connect is called.
func NewSession(cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:         cfg,
		logger:      cfg.Logger,
		state:       StateDisconnected,
		docs:        make(map[common.DocumentID]*Document),
		joinWaiters: make(map[common.DocumentID][]chan error),
		pongCh:      make(chan struct{}, 1),
	}, nil
}

// ClientID returns the identity the session authenticates as.
func (s *Session) ClientID() common.ClientID { return s.cfg.ClientID }

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the identity the server attached at authentication, or
// nil before the first successful connect.
func (s *Session) Info() *common.ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Document returns the open document with the given id, if any.
func (s *Session) Document(id common.DocumentID) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return doc, ok
}

// Connect dials the server and authenticates. On failure the session
// schedules reconnect attempts per the configuration and the error is
// returned to the caller.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session is closed")
	}
	switch s.state {
	case StateConnected, StateConnecting, StateReconnecting:
		s.mu.Unlock()
		return fmt.Errorf("already %s", s.state)
	}
	s.attempts = 0
	after := s.setStateLocked(StateConnecting)
	s.mu.Unlock()
	s.fire(after)

	if err := s.dial(ctx); err != nil {
		s.mu.Lock()
		var after []func()
		// A transport that came up and dropped again mid-handshake has
		// already scheduled its retry.
		if s.reconnectTimer == nil {
			after = s.setStateLocked(StateError)
			after = append(after, s.scheduleReconnectLocked()...)
		}
		s.mu.Unlock()
		s.fire(after)
		return err
	}

	s.mu.Lock()
	after = nil
	if s.ws != nil {
		s.rejoinAllLocked()
		after = s.setStateLocked(StateConnected)
	}
	s.mu.Unlock()
	s.fire(after)
	return nil
}

// Disconnect closes the transport and releases every document. The
// session cannot be reused afterwards.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	ws := s.ws
	s.ws = nil
	clear(s.docs)
	after := s.failAllWaitersLocked(fmt.Errorf("session closed"))
	after = append(after, s.setStateLocked(StateDisconnected)...)
	s.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	s.fire(after)
	return nil
}

// OpenDocument joins the document, creating it on the server when it
// does not exist yet. An empty schema means text. Joining an existing
// document under a different schema fails.
//
// Opening an already open document returns the existing handle.
func (s *Session) OpenDocument(ctx context.Context, id common.DocumentID, schema shared.Schema) (*Document, error) {
	if !id.Valid() {
		return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("invalid document id %q", id)}
	}
	if schema == "" {
		schema = shared.SchemaText
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("session is closed")
	}
	if doc, ok := s.docs[id]; ok {
		s.mu.Unlock()
		return doc, nil
	}
	if s.state != StateConnected {
		s.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	typ, err := shared.New(schema, s.cfg.ClientID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	doc := newDocument(s, id, typ)
	s.docs[id] = doc
	wait := make(chan error, 1)
	s.joinWaiters[id] = append(s.joinWaiters[id], wait)

	join := protocol.New(protocol.TypeJoinDocument)
	join.DocumentID = id
	join.Schema = schema
	err = s.writeLocked(join)
	s.mu.Unlock()
	if err != nil {
		s.abandonJoin(id)
		return nil, err
	}

	select {
	case err := <-wait:
		if err != nil {
			return nil, err
		}
		return doc, nil
	case <-ctx.Done():
		s.abandonJoin(id)
		return nil, ctx.Err()
	case <-time.After(s.cfg.ConnectionTimeout):
		s.abandonJoin(id)
		return nil, fmt.Errorf("timed out joining document %s", id)
	}
}

// OnStateChange registers a connection state observer and returns a
// function that removes it.
func (s *Session) OnStateChange(fn StateHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.stateHandlers = append(s.stateHandlers, stateEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.stateHandlers {
			if e.id == id {
				s.stateHandlers = append(s.stateHandlers[:i:i], s.stateHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnError registers an error observer and returns a function that
// removes it.
func (s *Session) OnError(fn ErrorHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.errorHandlers = append(s.errorHandlers, errorEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.errorHandlers {
			if e.id == id {
				s.errorHandlers = append(s.errorHandlers[:i:i], s.errorHandlers[i+1:]...)
				return
			}
		}
	}
}

// OnPresence registers a presence observer and returns a function that
// removes it.
func (s *Session) OnPresence(fn PresenceHandler) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandler++
	id := s.nextHandler
	s.presenceHandlers = append(s.presenceHandlers, presenceEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.presenceHandlers {
			if e.id == id {
				s.presenceHandlers = append(s.presenceHandlers[:i:i], s.presenceHandlers[i+1:]...)
				return
			}
		}
	}
}

// dial opens the transport and completes the authenticate exchange. On
// success the read and ping loops are running and the attempt counter
// is reset; the caller decides the session state.
func (s *Session) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.ConnectionTimeout}
	ws, _, err := dialer.DialContext(ctx, s.cfg.ServerURL, s.cfg.Headers)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.ServerURL, err)
	}

	authCh := make(chan protocol.Message, 1)
	s.mu.Lock()
	s.ws = ws
	s.authCh = authCh
	s.mu.Unlock()

	go s.readLoop(ws)

	auth := protocol.New(protocol.TypeAuthenticate)
	auth.ClientID = s.cfg.ClientID
	auth.Token = s.cfg.Token
	if err := s.send(auth); err != nil {
		s.dropConn(ws)
		return err
	}

	select {
	case reply := <-authCh:
		switch reply.Type {
		case protocol.TypeAuthSuccess:
			s.mu.Lock()
			s.info = reply.ClientInfo
			s.mu.Unlock()
		case protocol.TypeAuthFailed:
			s.dropConn(ws)
			return common.ErrUnauthorized{Message: reply.Reason}
		default:
			s.dropConn(ws)
			return fmt.Errorf("connection lost before authentication")
		}
	case <-time.After(authTimeout):
		s.dropConn(ws)
		return fmt.Errorf("authentication timed out")
	case <-ctx.Done():
		s.dropConn(ws)
		return ctx.Err()
	}

	stop := make(chan struct{})
	s.mu.Lock()
	if s.ws != ws {
		s.mu.Unlock()
		return fmt.Errorf("connection lost before authentication")
	}
	s.pingStop = stop
	s.attempts = 0
	s.mu.Unlock()
	go s.pingLoop(ws, stop)
	return nil
}

// dropConn abandons a half-established connection so the read loop's
// exit is not mistaken for a transport loss.
func (s *Session) dropConn(ws *websocket.Conn) {
	s.mu.Lock()
	if s.ws == ws {
		s.ws = nil
	}
	s.mu.Unlock()
	_ = ws.Close()
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			s.handleDisconnect(ws, err)
			return
		}
		s.handleMessage(data)
	}
}

// handleDisconnect reacts to the read loop exiting. Connections the
// session already let go of are ignored.
func (s *Session) handleDisconnect(ws *websocket.Conn, err error) {
	s.mu.Lock()
	if s.ws != ws {
		s.mu.Unlock()
		return
	}
	s.ws = nil
	if s.pingStop != nil {
		close(s.pingStop)
		s.pingStop = nil
	}
	if s.authCh != nil {
		// Unblock a dial that is still waiting on the handshake.
		select {
		case s.authCh <- protocol.Message{Type: protocol.TypeError}:
		default:
		}
	}
	for _, doc := range s.docs {
		doc.joined = false
	}
	after := s.failAllWaitersLocked(fmt.Errorf("connection lost"))
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		after = append(after, s.errorCallbacksLocked(fmt.Errorf("connection lost: %w", err))...)
	}
	after = append(after, s.scheduleReconnectLocked()...)
	s.mu.Unlock()

	s.logger.Info("Disconnected from server", zap.Error(err))
	s.fire(after)
}

// scheduleReconnectLocked arms the reconnect timer, or moves to the
// error state once the attempts are spent. Scheduling is idempotent
// while a timer is pending.
func (s *Session) scheduleReconnectLocked() []func() {
	if s.closed || s.reconnectTimer != nil {
		return nil
	}
	r := *s.cfg.Reconnection
	if !r.Enabled || s.attempts >= r.Attempts {
		return s.setStateLocked(StateError)
	}
	delay := backoffDelay(r, s.attempts)
	s.attempts++
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
	return s.setStateLocked(StateReconnecting)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	if s.closed {
		s.mu.Unlock()
		return
	}
	attempt := s.attempts
	s.mu.Unlock()

	s.logger.Info("Reconnecting", zap.Int("attempt", attempt))
	if err := s.dial(context.Background()); err != nil {
		s.logger.Warn("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
		s.mu.Lock()
		var after []func()
		if s.reconnectTimer == nil {
			after = s.setStateLocked(StateError)
			after = append(after, s.scheduleReconnectLocked()...)
		}
		s.mu.Unlock()
		s.fire(after)
		return
	}

	var after []func()
	s.mu.Lock()
	if s.ws != nil {
		s.rejoinAllLocked()
		after = s.setStateLocked(StateConnected)
	}
	s.mu.Unlock()
	s.fire(after)
}

// rejoinAllLocked re-requests membership of every open document. The
// snapshots that come back replace the local values and clear the
// pending buffers.
func (s *Session) rejoinAllLocked() {
	for id, doc := range s.docs {
		join := protocol.New(protocol.TypeJoinDocument)
		join.DocumentID = id
		join.Schema = doc.typ.Schema()
		if err := s.writeLocked(join); err != nil {
			s.logger.Warn("Failed to rejoin document",
				zap.String("documentId", string(id)), zap.Error(err))
			return
		}
	}
}

func (s *Session) pingLoop(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-s.pongCh: // drop a stale pong
			default:
			}
			if err := s.send(protocol.New(protocol.TypePing)); err != nil {
				return
			}
			select {
			case <-s.pongCh:
			case <-time.After(pongTimeout):
				s.logger.Warn("Ping timed out, dropping connection")
				_ = ws.Close()
				return
			case <-stop:
				return
			}
		}
	}
}

// writeLocked marshals and sends one message. The caller holds s.mu,
// which also makes it the single writer gorilla requires.
func (s *Session) writeLocked(msg protocol.Message) error {
	if s.ws == nil {
		return fmt.Errorf("not connected")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	return s.ws.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(msg)
}

func (s *Session) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("Discarding undecodable message", zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeAuthRequired:
		// The authenticate message is already on its way.
		return
	case protocol.TypeAuthSuccess, protocol.TypeAuthFailed:
		s.mu.Lock()
		ch := s.authCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	case protocol.TypePong:
		select {
		case s.pongCh <- struct{}{}:
		default:
		}
		return
	}

	var after []func()
	s.mu.Lock()
	switch msg.Type {
	case protocol.TypeDocumentJoined:
		after = s.handleJoinedLocked(msg)
	case protocol.TypeDocumentState:
		after = s.handleStateLocked(msg)
	case protocol.TypeDocumentLeft:
		delete(s.docs, msg.DocumentID)
	case protocol.TypeOperation:
		after = s.handleRemoteOpLocked(msg)
	case protocol.TypeOperationApplied:
		s.handleAckLocked(msg)
	case protocol.TypeOperationFailed:
		after = s.handleOpFailedLocked(msg)
	case protocol.TypePresenceState:
		after = s.handlePresenceStateLocked(msg)
	case protocol.TypeUserJoined, protocol.TypeUserLeft, protocol.TypePresenceUpdate:
		after = s.handlePresenceChangeLocked(msg)
	case protocol.TypeError:
		after = s.handleErrorLocked(msg)
	default:
		s.logger.Debug("Ignoring message", zap.String("type", string(msg.Type)))
	}
	s.mu.Unlock()
	s.fire(after)
}

func (s *Session) handleJoinedLocked(msg protocol.Message) []func() {
	doc := s.docs[msg.DocumentID]
	if doc == nil {
		return nil
	}
	if err := doc.typ.Restore(shared.Snapshot{Value: msg.State, Version: msg.Version}); err != nil {
		delete(s.docs, msg.DocumentID)
		return s.resolveWaitersLocked(msg.DocumentID, err)
	}
	doc.pending = doc.pending[:0]
	doc.joined = true
	doc.setPresenceLocked(msg.Users)
	after := s.resolveWaitersLocked(msg.DocumentID, nil)
	return append(after, s.presenceCallbacksLocked(doc)...)
}

func (s *Session) handleStateLocked(msg protocol.Message) []func() {
	doc := s.docs[msg.DocumentID]
	if doc == nil {
		return nil
	}
	if err := doc.typ.Restore(shared.Snapshot{Value: msg.State, Version: msg.Version}); err != nil {
		s.logger.Warn("Failed to restore document state",
			zap.String("documentId", string(doc.id)), zap.Error(err))
		return s.errorCallbacksLocked(err)
	}
	doc.pending = doc.pending[:0]
	return nil
}

// handleRemoteOpLocked folds a server-linearized operation from another
// author into the local value. The operation is rebased over every
// pending local operation in order; the pending operations themselves
// stay unchanged, because the authority performs the symmetric
// transformation before acknowledging them.
func (s *Session) handleRemoteOpLocked(msg protocol.Message) []func() {
	doc := s.docs[msg.DocumentID]
	if doc == nil || msg.Operation == nil {
		return nil
	}
	op := *msg.Operation
	if op.ClientID == s.cfg.ClientID {
		return nil
	}

	transformed, err := ot.TransformAgainst(op, doc.pending)
	if err == nil {
		err = doc.typ.Apply(transformed)
	}
	if err == nil {
		return nil
	}

	// The local value has diverged from the authority; a fresh snapshot
	// is the only way back.
	s.logger.Warn("Failed to apply remote operation, resyncing",
		zap.String("documentId", string(doc.id)),
		zap.String("operationId", string(op.ID)),
		zap.Error(err))
	join := protocol.New(protocol.TypeJoinDocument)
	join.DocumentID = doc.id
	join.Schema = doc.typ.Schema()
	if werr := s.writeLocked(join); werr != nil {
		s.logger.Warn("Resync request failed", zap.Error(werr))
	}
	return s.errorCallbacksLocked(err)
}

func (s *Session) handleAckLocked(msg protocol.Message) {
	doc := s.docs[msg.DocumentID]
	if doc == nil {
		return
	}
	doc.dropPendingLocked(msg.OperationID)
	doc.typ.SyncVersion(msg.Version)
}

func (s *Session) handleOpFailedLocked(msg protocol.Message) []func() {
	if doc := s.docs[msg.DocumentID]; doc != nil {
		doc.dropPendingLocked(msg.OperationID)
	}
	s.logger.Warn("Operation rejected",
		zap.String("documentId", string(msg.DocumentID)),
		zap.String("operationId", string(msg.OperationID)),
		zap.String("code", msg.Code))
	return s.errorCallbacksLocked(RemoteError{code: msg.Code, message: msg.Message})
}

func (s *Session) handlePresenceStateLocked(msg protocol.Message) []func() {
	doc := s.docs[msg.DocumentID]
	if doc == nil {
		return nil
	}
	doc.setPresenceLocked(msg.Users)
	return s.presenceCallbacksLocked(doc)
}

func (s *Session) handlePresenceChangeLocked(msg protocol.Message) []func() {
	doc := s.docs[msg.DocumentID]
	if doc == nil || msg.Presence == nil {
		return nil
	}
	p := *msg.Presence
	if msg.Type == protocol.TypeUserLeft {
		delete(doc.presence, p.ClientID)
	} else {
		doc.presence[p.ClientID] = p
	}
	return s.presenceCallbacksLocked(doc)
}

func (s *Session) handleErrorLocked(msg protocol.Message) []func() {
	err := RemoteError{code: msg.Code, message: msg.Message}
	if msg.DocumentID != "" {
		if waiters := s.takeWaitersLocked(msg.DocumentID); len(waiters) > 0 {
			if doc := s.docs[msg.DocumentID]; doc != nil && !doc.joined {
				delete(s.docs, msg.DocumentID)
			}
			for _, w := range waiters {
				w <- err
			}
			return nil
		}
	}
	return s.errorCallbacksLocked(err)
}

// abandonJoin withdraws from a join that did not complete in time. A
// concurrently completed join keeps the document open.
func (s *Session) abandonJoin(id common.DocumentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joinWaiters, id)
	if doc := s.docs[id]; doc != nil && !doc.joined {
		delete(s.docs, id)
	}
}

func (s *Session) takeWaitersLocked(id common.DocumentID) []chan error {
	waiters := s.joinWaiters[id]
	delete(s.joinWaiters, id)
	return waiters
}

func (s *Session) resolveWaitersLocked(id common.DocumentID, err error) []func() {
	waiters := s.takeWaitersLocked(id)
	if len(waiters) == 0 {
		return nil
	}
	return []func(){func() {
		for _, w := range waiters {
			w <- err
		}
	}}
}

func (s *Session) failAllWaitersLocked(err error) []func() {
	var after []func()
	for id := range s.joinWaiters {
		after = append(after, s.resolveWaitersLocked(id, err)...)
	}
	return after
}

// setStateLocked records the new state and returns the observer
// invocations to run once the lock is released.
func (s *Session) setStateLocked(state State) []func() {
	if s.state == state {
		return nil
	}
	s.state = state
	if len(s.stateHandlers) == 0 {
		return nil
	}
	entries := append([]stateEntry(nil), s.stateHandlers...)
	return []func(){func() {
		for _, e := range entries {
			e.fn(state)
		}
	}}
}

func (s *Session) errorCallbacksLocked(err error) []func() {
	if len(s.errorHandlers) == 0 {
		return nil
	}
	entries := append([]errorEntry(nil), s.errorHandlers...)
	return []func(){func() {
		for _, e := range entries {
			e.fn(err)
		}
	}}
}

func (s *Session) presenceCallbacksLocked(doc *Document) []func() {
	if len(s.presenceHandlers) == 0 {
		return nil
	}
	users := doc.presenceListLocked()
	entries := append([]presenceEntry(nil), s.presenceHandlers...)
	id := doc.id
	return []func(){func() {
		for _, e := range entries {
			e.fn(id, users)
		}
	}}
}

// fire runs observer invocations collected while the lock was held.
func (s *Session) fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
