package server

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otsync/common"
	"otsync/ot"
	"otsync/protocol"
	"otsync/shared"
	"otsync/storage"
)

const (
	// mailboxSize bounds how many requests can queue ahead of the loop.
	mailboxSize = 128

	// historyHighWater and historyLowWater bound the retained operation
	// history: when it exceeds the high water mark it is trimmed to the
	// low water mark.
	historyHighWater = 1000
	historyLowWater  = 500

	// presenceFlushDelay coalesces presence broadcasts so rapid cursor
	// movement does not flood peers.
	presenceFlushDelay = 50 * time.Millisecond

	// persistTimeout bounds each storage call made from the loop.
	persistTimeout = 5 * time.Second
)

// DocumentInfo is the summary the HTTP API serves for one document.
type DocumentInfo struct {
	ID          common.DocumentID `json:"id"`
	Version     common.Version    `json:"version"`
	ClientCount int               `json:"clientCount"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// request is a message posted to the authority mailbox.
type request interface {
	authorityRequest()
}

type joinRequest struct {
	sess   *session
	ident  identity
	schema shared.Schema
}

type leaveRequest struct {
	clientID common.ClientID
	// notify sends document_left back to the leaver; disconnects skip it.
	notify bool
}

type applyRequest struct {
	clientID common.ClientID
	op       ot.Operation
}

type presenceRequest struct {
	clientID common.ClientID
	presence protocol.Presence
}

type flushPresenceRequest struct{}

type infoRequest struct {
	reply chan infoReply
}

type infoReply struct {
	info       DocumentInfo
	lastActive time.Time
}

type stopRequest struct {
	reply chan struct{}
}

func (joinRequest) authorityRequest()          {}
func (leaveRequest) authorityRequest()         {}
func (applyRequest) authorityRequest()         {}
func (presenceRequest) authorityRequest()      {}
func (flushPresenceRequest) authorityRequest() {}
func (infoRequest) authorityRequest()          {}
func (stopRequest) authorityRequest()          {}

// authority owns one document. A single goroutine consumes the mailbox
// and is the only writer of document state, so every apply, snapshot
// and broadcast observes one consistent order. All client-facing sends
// for the document happen from inside the loop; that is what makes the
// join snapshot, acks and broadcasts mutually ordered.
type authority struct {
	id     common.DocumentID
	schema shared.Schema

	value   any
	version common.Version

	// recentOps is the transform history, ascending by AppliedVersion.
	recentOps []ot.Operation

	clients  map[common.ClientID]*session
	presence map[common.ClientID]protocol.Presence

	// pendingPresence holds the latest unsent presence per client while
	// a flush is armed.
	pendingPresence map[common.ClientID]protocol.Presence
	flushArmed      bool

	store   storage.Store
	logger  *zap.Logger
	metrics *Metrics
	applied func()

	mailbox chan request
	done    chan struct{}

	createdAt  time.Time
	updatedAt  time.Time
	lastActive time.Time
}

// newAuthority loads the document from the store (replaying any
// operations persisted after the last state snapshot) and starts the
// loop. A storage read failure aborts the start; serving a document
// from a blank state while the backend holds data would fork history.
func newAuthority(id common.DocumentID, schema shared.Schema, store storage.Store, logger *zap.Logger, metrics *Metrics, applied func()) (*authority, error) {
	a := &authority{
		id:              id,
		schema:          schema,
		clients:         make(map[common.ClientID]*session),
		presence:        make(map[common.ClientID]protocol.Presence),
		pendingPresence: make(map[common.ClientID]protocol.Presence),
		store:           store,
		logger:          logger.With(zap.String("documentId", string(id))),
		metrics:         metrics,
		applied:         applied,
		mailbox:         make(chan request, mailboxSize),
		done:            make(chan struct{}),
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	state, err := store.LoadDocument(ctx, id)
	switch {
	case err == nil:
		a.schema = state.Schema
		a.value = state.Value
		a.version = state.Version
		a.createdAt = state.CreatedAt
		a.updatedAt = state.UpdatedAt
		if a.value == nil {
			a.value = a.schema.InitialValue()
		}
		if err := a.replayPersisted(ctx); err != nil {
			return nil, err
		}
	case err == storage.ErrNotFound:
		if !schema.Valid() {
			return nil, common.ErrInvalidOperation{Message: fmt.Sprintf("unknown schema %q", schema)}
		}
		a.value = schema.InitialValue()
		a.createdAt = time.Now()
		a.updatedAt = a.createdAt
	default:
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}

	a.lastActive = time.Now()
	go a.run()
	return a, nil
}

// replayPersisted applies operations saved after the last document
// snapshot, which happens when a previous process crashed between
// SaveOperation and SaveDocument.
func (a *authority) replayPersisted(ctx context.Context) error {
	ops, err := a.store.LoadOperations(ctx, a.id, a.version)
	if err != nil {
		return fmt.Errorf("failed to load operations for %s: %w", a.id, err)
	}
	for _, op := range ops {
		updated, err := ot.Apply(a.value, op)
		if err != nil {
			return fmt.Errorf("failed to replay operation %s: %w", op.ID, err)
		}
		a.value = updated
		a.version = op.AppliedVersion
		a.recentOps = append(a.recentOps, op)
	}
	return nil
}

// post delivers a request to the loop, or reports false after stop.
func (a *authority) post(req request) bool {
	select {
	case a.mailbox <- req:
		return true
	case <-a.done:
		return false
	}
}

// info snapshots the document summary via the loop.
func (a *authority) info() (infoReply, bool) {
	req := infoRequest{reply: make(chan infoReply, 1)}
	if !a.post(req) {
		return infoReply{}, false
	}
	select {
	case r := <-req.reply:
		return r, true
	case <-a.done:
		return infoReply{}, false
	}
}

// stop saves the document a final time and terminates the loop. It
// blocks until the loop has exited.
func (a *authority) stop() {
	req := stopRequest{reply: make(chan struct{})}
	if !a.post(req) {
		return
	}
	select {
	case <-req.reply:
	case <-a.done:
	}
}

func (a *authority) run() {
	defer close(a.done)
	for req := range a.mailbox {
		switch r := req.(type) {
		case joinRequest:
			a.handleJoin(r)
		case leaveRequest:
			a.handleLeave(r)
		case applyRequest:
			a.handleApply(r)
		case presenceRequest:
			a.handlePresence(r)
		case flushPresenceRequest:
			a.handleFlushPresence()
		case infoRequest:
			r.reply <- infoReply{info: a.documentInfo(), lastActive: a.lastActive}
		case stopRequest:
			a.persistState()
			close(r.reply)
			return
		}
	}
}

func (a *authority) documentInfo() DocumentInfo {
	return DocumentInfo{
		ID:          a.id,
		Version:     a.version,
		ClientCount: len(a.clients),
		CreatedAt:   a.createdAt,
		UpdatedAt:   a.updatedAt,
	}
}

func (a *authority) handleJoin(r joinRequest) {
	a.lastActive = time.Now()

	if r.schema.Valid() && r.schema != a.schema {
		msg := protocol.NewError(common.CodeInvalidOperation,
			fmt.Sprintf("document %s has schema %s", a.id, a.schema))
		msg.DocumentID = a.id
		a.send(r.ident.ClientID, r.sess, msg)
		a.metrics.ErrorsTotal.WithLabelValues(common.CodeInvalidOperation).Inc()
		return
	}

	now := common.NowMillis()
	p := protocol.Presence{
		ClientID: r.ident.ClientID,
		UserID:   r.ident.UserID,
		Name:     r.ident.Name,
		Avatar:   r.ident.Avatar,
		LastSeen: now,
		IsOnline: true,
	}

	a.clients[r.ident.ClientID] = r.sess
	a.presence[r.ident.ClientID] = p

	// The snapshot, the peer list and all later broadcasts are emitted
	// from this loop, so the joiner can never observe an operation it
	// already holds in the snapshot.
	joined := protocol.New(protocol.TypeDocumentJoined)
	joined.DocumentID = a.id
	joined.Schema = a.schema
	joined.Version = a.version
	joined.State = a.value
	joined.Users = a.presenceList()
	a.send(r.ident.ClientID, r.sess, joined)

	presenceState := protocol.New(protocol.TypePresenceState)
	presenceState.DocumentID = a.id
	presenceState.Users = joined.Users
	a.send(r.ident.ClientID, r.sess, presenceState)

	userJoined := protocol.New(protocol.TypeUserJoined)
	userJoined.DocumentID = a.id
	userJoined.Presence = &p
	a.broadcast(userJoined, r.ident.ClientID)
}

func (a *authority) handleLeave(r leaveRequest) {
	a.lastActive = time.Now()

	sess, ok := a.clients[r.clientID]
	if !ok {
		return
	}
	delete(a.clients, r.clientID)
	delete(a.presence, r.clientID)
	delete(a.pendingPresence, r.clientID)

	if r.notify {
		left := protocol.New(protocol.TypeDocumentLeft)
		left.DocumentID = a.id
		a.send(r.clientID, sess, left)
	}

	userLeft := protocol.New(protocol.TypeUserLeft)
	userLeft.DocumentID = a.id
	userLeft.Presence = &protocol.Presence{
		ClientID: r.clientID,
		LastSeen: common.NowMillis(),
		IsOnline: false,
	}
	a.broadcast(userLeft, r.clientID)
}

// handleApply validates, transforms, applies, persists, acks and
// broadcasts one operation.
func (a *authority) handleApply(r applyRequest) {
	a.lastActive = time.Now()

	sess, ok := a.clients[r.clientID]
	if !ok {
		return
	}

	op := r.op
	if err := op.Validate(); err != nil {
		a.reject(r.clientID, sess, op.ID, err)
		return
	}
	if op.BaseVersion > a.version {
		a.reject(r.clientID, sess, op.ID, common.ErrInvalidOperation{
			Message: fmt.Sprintf("base version %d is ahead of document version %d", op.BaseVersion, a.version),
		})
		return
	}
	if op.BaseVersion < a.historyFloor() {
		// The history needed to rebase this operation has been trimmed.
		// The client must resynchronize from a fresh snapshot.
		a.reject(r.clientID, sess, op.ID, common.ErrDocumentNotFound{ID: a.id})
		a.sendState(r.clientID, sess)
		return
	}

	transformed := op
	start := time.Now()
	for i := range a.recentOps {
		applied := a.recentOps[i]
		// Operations the client had already observed when it built the
		// operation need no rebase, and an author's later operations
		// already account for its earlier ones.
		if applied.AppliedVersion <= op.BaseVersion || applied.ClientID == op.ClientID {
			continue
		}
		var err error
		transformed, err = ot.Transform(transformed, applied)
		if err != nil {
			a.logger.Error("transform failed",
				zap.String("operationId", string(op.ID)),
				zap.Error(err))
			a.reject(r.clientID, sess, op.ID, common.ErrServerError{Message: "transform failed"})
			return
		}
	}
	a.metrics.TransformSeconds.Observe(time.Since(start).Seconds())

	updated, err := ot.Apply(a.value, transformed)
	if err != nil {
		a.reject(r.clientID, sess, op.ID, err)
		return
	}

	a.value = updated
	a.version++
	transformed.AppliedVersion = a.version
	a.recentOps = append(a.recentOps, transformed)
	a.trimHistory()
	a.updatedAt = time.Now()

	a.persistOperation(transformed)
	a.metrics.OperationsTotal.WithLabelValues(string(transformed.Type)).Inc()
	if a.applied != nil {
		a.applied()
	}

	// Ack before broadcast: the originator learns its operation's
	// applied version before it can see any later operation built on it.
	ack := protocol.New(protocol.TypeOperationApplied)
	ack.DocumentID = a.id
	ack.OperationID = op.ID
	ack.Version = a.version
	a.send(r.clientID, sess, ack)

	broadcast := protocol.New(protocol.TypeOperation)
	broadcast.DocumentID = a.id
	opCopy := transformed
	broadcast.Operation = &opCopy
	fanout := a.broadcast(broadcast, r.clientID)
	a.metrics.BroadcastFanout.Observe(float64(fanout))
}

func (a *authority) handlePresence(r presenceRequest) {
	a.lastActive = time.Now()

	if _, ok := a.clients[r.clientID]; !ok {
		return
	}

	p := r.presence
	p.Stamp(r.clientID, common.NowMillis())
	a.presence[r.clientID] = p
	a.pendingPresence[r.clientID] = p

	if !a.flushArmed {
		a.flushArmed = true
		time.AfterFunc(presenceFlushDelay, func() {
			a.post(flushPresenceRequest{})
		})
	}
}

func (a *authority) handleFlushPresence() {
	a.flushArmed = false
	for clientID, p := range a.pendingPresence {
		presence := p
		msg := protocol.New(protocol.TypePresenceUpdate)
		msg.DocumentID = a.id
		msg.Presence = &presence
		a.broadcast(msg, clientID)
	}
	clear(a.pendingPresence)
}

// historyFloor is the oldest base version the retained history can
// still rebase against.
func (a *authority) historyFloor() common.Version {
	if len(a.recentOps) == 0 {
		return a.version
	}
	return a.recentOps[0].AppliedVersion - 1
}

func (a *authority) trimHistory() {
	if len(a.recentOps) <= historyHighWater {
		return
	}
	kept := a.recentOps[len(a.recentOps)-historyLowWater:]
	a.recentOps = append([]ot.Operation(nil), kept...)
}

// persistOperation writes the operation and the updated state. Storage
// failures are logged, not surfaced: the in-memory authority remains
// correct and clients keep editing.
func (a *authority) persistOperation(op ot.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := a.store.SaveOperation(ctx, a.id, op); err != nil {
		a.logger.Warn("failed to persist operation",
			zap.String("operationId", string(op.ID)),
			zap.Error(err))
	}
	if err := a.store.SaveDocument(ctx, a.state()); err != nil {
		a.logger.Warn("failed to persist document", zap.Error(err))
	}
}

func (a *authority) persistState() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := a.store.SaveDocument(ctx, a.state()); err != nil {
		a.logger.Warn("failed to persist document", zap.Error(err))
	}
}

func (a *authority) state() *storage.DocumentState {
	return &storage.DocumentState{
		ID:        a.id,
		Schema:    a.schema,
		Version:   a.version,
		Value:     a.value,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	}
}

func (a *authority) presenceList() []protocol.Presence {
	list := make([]protocol.Presence, 0, len(a.presence))
	for _, p := range a.presence {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ClientID < list[j].ClientID })
	return list
}

// reject sends operation_failed and counts the error.
func (a *authority) reject(clientID common.ClientID, sess *session, opID common.OperationID, err error) {
	code := common.ErrorCode(err)
	a.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	a.logger.Debug("operation rejected",
		zap.String("clientId", string(clientID)),
		zap.String("operationId", string(opID)),
		zap.String("code", code))

	msg := protocol.NewOperationFailed(opID, code, err.Error())
	msg.DocumentID = a.id
	a.send(clientID, sess, msg)
}

// sendState pushes a fresh snapshot so a client behind the history
// horizon can resynchronize without rejoining.
func (a *authority) sendState(clientID common.ClientID, sess *session) {
	msg := protocol.New(protocol.TypeDocumentState)
	msg.DocumentID = a.id
	msg.Schema = a.schema
	msg.Version = a.version
	msg.State = a.value
	a.send(clientID, sess, msg)
}

// send enqueues a message for one client, disconnecting it when the
// outbound queue is full.
func (a *authority) send(clientID common.ClientID, sess *session, msg protocol.Message) bool {
	if sess.conn.enqueue(msg) {
		return true
	}
	a.logger.Warn("outbound queue full, disconnecting client",
		zap.String("clientId", string(clientID)))
	sess.conn.close(websocket.CloseInternalServerErr, "send queue overflow")
	return false
}

// broadcast fans msg out to every joined client except exclude and
// returns the number of recipients.
func (a *authority) broadcast(msg protocol.Message, exclude common.ClientID) int {
	n := 0
	for clientID, sess := range a.clients {
		if clientID == exclude {
			continue
		}
		a.send(clientID, sess, msg)
		n++
	}
	return n
}
