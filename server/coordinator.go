package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"otsync/auth"
	"otsync/common"
	"otsync/protocol"
	"otsync/shared"
	"otsync/storage"
)

// authTimeout bounds a single Authenticate call.
const authTimeout = 5 * time.Second

// Coordinator accepts WebSocket connections, dispatches protocol
// messages to document authorities and runs the idle sweep. One
// coordinator serves all documents of a process.
type Coordinator struct {
	cfg     Config
	store   storage.Store
	auth    auth.Service
	logger  *zap.Logger
	metrics *Metrics

	registry *registry
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	authorities map[common.DocumentID]*authority

	operations atomic.Int64
	startTime  time.Time

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewCoordinator wires the coordinator and starts its idle sweep.
func NewCoordinator(cfg Config, store storage.Store, authSvc auth.Service, logger *zap.Logger, metrics *Metrics) *Coordinator {
	cfg = cfg.withDefaults()
	co := &Coordinator{
		cfg:         cfg,
		store:       store,
		auth:        authSvc,
		logger:      logger,
		metrics:     metrics,
		registry:    newRegistry(),
		authorities: make(map[common.DocumentID]*authority),
		startTime:   time.Now(),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	co.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     co.checkOrigin,
	}
	go co.sweep()
	return co
}

func (co *Coordinator) checkOrigin(r *http.Request) bool {
	if co.cfg.CORSOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == co.cfg.CORSOrigin
}

// HandleWS upgrades the connection and runs its read loop until the
// client disconnects.
func (co *Coordinator) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := co.upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:           common.NewClientID(),
		conn:         newConn(ws, co.logger),
		lastActivity: time.Now(),
		docs:         make(map[common.DocumentID]struct{}),
	}
	co.registry.add(sess)
	co.metrics.ConnectedClients.Inc()
	co.logger.Info("client connected",
		zap.String("clientId", string(sess.id)),
		zap.String("remoteAddr", r.RemoteAddr))

	go sess.conn.writePump()

	required := protocol.New(protocol.TypeAuthRequired)
	required.ClientID = sess.id
	sess.conn.enqueue(required)

	sess.conn.readPump(func(data []byte) {
		co.dispatch(sess, data)
	})
	co.disconnect(sess)
}

// dispatch routes one inbound message. It runs on the connection's
// read goroutine, so messages from one client are handled in order.
func (co *Coordinator) dispatch(sess *session, data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		co.sendError(sess, "", common.CodeInvalidOperation, "invalid message encoding")
		return
	}
	co.registry.touch(sess)

	switch msg.Type {
	case protocol.TypeAuthenticate:
		co.handleAuthenticate(sess, msg)
	case protocol.TypeJoinDocument:
		co.handleJoin(sess, msg)
	case protocol.TypeLeaveDocument:
		co.handleLeave(sess, msg)
	case protocol.TypeOperation:
		co.handleOperation(sess, msg)
	case protocol.TypePresenceUpdate:
		co.handlePresence(sess, msg)
	case protocol.TypePing:
		pong := protocol.New(protocol.TypePong)
		pong.ID = msg.ID
		sess.conn.enqueue(pong)
	default:
		co.sendError(sess, msg.DocumentID, common.CodeInvalidOperation, "unknown message type")
	}
}

func (co *Coordinator) handleAuthenticate(sess *session, msg protocol.Message) {
	if msg.ClientID != "" {
		if !msg.ClientID.Valid() {
			co.authFailed(sess, "invalid client id")
			return
		}
		if err := co.registry.rename(sess, msg.ClientID); err != nil {
			co.authFailed(sess, err.Error())
			return
		}
	}
	clientID := co.registry.currentID(sess)

	ctx, cancel := context.WithTimeout(context.Background(), authTimeout)
	defer cancel()
	info, err := co.auth.Authenticate(ctx, msg.Token, clientID)
	if err != nil {
		co.logger.Debug("authentication failed",
			zap.String("clientId", string(clientID)),
			zap.Error(err))
		co.authFailed(sess, err.Error())
		return
	}
	co.registry.setAuthenticated(sess, info)

	success := protocol.New(protocol.TypeAuthSuccess)
	success.ClientID = clientID
	success.ClientInfo = info
	sess.conn.enqueue(success)
}

func (co *Coordinator) authFailed(sess *session, reason string) {
	co.metrics.ErrorsTotal.WithLabelValues(common.CodeUnauthorized).Inc()
	failed := protocol.New(protocol.TypeAuthFailed)
	failed.Code = common.CodeUnauthorized
	failed.Reason = reason
	sess.conn.enqueue(failed)
}

func (co *Coordinator) handleJoin(sess *session, msg protocol.Message) {
	docID := msg.DocumentID
	if !docID.Valid() {
		co.sendError(sess, docID, common.CodeInvalidOperation, "invalid document id")
		return
	}
	if co.cfg.AuthRequired && !co.registry.isAuthenticated(sess) {
		co.sendError(sess, docID, common.CodeUnauthorized, "authentication required")
		return
	}
	info := co.registry.clientInfo(sess)
	if !co.auth.CanAccess(info, docID) {
		co.sendError(sess, docID, common.CodeForbidden, "access denied")
		return
	}

	schema := msg.Schema
	if schema == "" {
		schema = shared.SchemaText
	}

	// A freshly evicted authority can still sit in the map for a
	// moment; retry once against a recreated one.
	for attempt := 0; attempt < 2; attempt++ {
		a, err := co.authorityFor(docID, schema)
		if err != nil {
			co.sendError(sess, docID, common.ErrorCode(err), err.Error())
			return
		}
		co.registry.addDoc(sess, docID)
		ident := co.registry.identityOf(sess)
		if a.post(joinRequest{sess: sess, ident: ident, schema: msg.Schema}) {
			return
		}
		co.registry.removeDoc(sess, docID)
		co.removeAuthority(docID, a)
	}
	co.sendError(sess, docID, common.CodeServerError, "document unavailable")
}

func (co *Coordinator) handleLeave(sess *session, msg protocol.Message) {
	docID := msg.DocumentID
	if !docID.Valid() || !co.registry.removeDoc(sess, docID) {
		return
	}
	if a := co.authority(docID); a != nil {
		a.post(leaveRequest{clientID: co.registry.currentID(sess), notify: true})
	}
}

func (co *Coordinator) handleOperation(sess *session, msg protocol.Message) {
	docID := msg.DocumentID
	if !docID.Valid() || msg.Operation == nil {
		co.sendError(sess, docID, common.CodeInvalidOperation, "malformed operation message")
		return
	}
	op := *msg.Operation
	if !co.registry.hasDoc(sess, docID) {
		co.operationFailed(sess, docID, op.ID, common.CodeForbidden, "not joined to document")
		return
	}
	info := co.registry.clientInfo(sess)
	if !co.auth.CanEdit(info, docID) {
		co.operationFailed(sess, docID, op.ID, common.CodeForbidden, "edit permission denied")
		return
	}

	// The session identity is authoritative for attribution; a client
	// cannot submit operations under another client's id.
	clientID := co.registry.currentID(sess)
	op.ClientID = clientID

	a := co.authority(docID)
	if a == nil || !a.post(applyRequest{clientID: clientID, op: op}) {
		co.operationFailed(sess, docID, op.ID, common.CodeDocumentNotFound, "document not active")
	}
}

func (co *Coordinator) handlePresence(sess *session, msg protocol.Message) {
	docID := msg.DocumentID
	if !docID.Valid() || !co.registry.hasDoc(sess, docID) {
		return
	}
	var p protocol.Presence
	if msg.Presence != nil {
		p = *msg.Presence
	}
	if a := co.authority(docID); a != nil {
		a.post(presenceRequest{clientID: co.registry.currentID(sess), presence: p})
	}
}

// disconnect tears a session down after its read loop has exited.
func (co *Coordinator) disconnect(sess *session) {
	clientID := co.registry.currentID(sess)
	co.registry.remove(clientID)
	co.metrics.ConnectedClients.Dec()

	for _, docID := range co.registry.docsOf(sess) {
		if a := co.authority(docID); a != nil {
			a.post(leaveRequest{clientID: clientID, notify: false})
		}
	}
	sess.conn.close(websocket.CloseNormalClosure, "")
	co.logger.Info("client disconnected", zap.String("clientId", string(clientID)))
}

// authority returns the live authority for id, or nil.
func (co *Coordinator) authority(id common.DocumentID) *authority {
	co.mu.RLock()
	defer co.mu.RUnlock()
	return co.authorities[id]
}

// authorityFor returns the authority for id, creating and loading it
// when absent.
func (co *Coordinator) authorityFor(id common.DocumentID, schema shared.Schema) (*authority, error) {
	co.mu.RLock()
	a := co.authorities[id]
	co.mu.RUnlock()
	if a != nil {
		return a, nil
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	if a := co.authorities[id]; a != nil {
		return a, nil
	}
	a, err := newAuthority(id, schema, co.store, co.logger, co.metrics, func() {
		co.operations.Add(1)
	})
	if err != nil {
		co.metrics.ErrorsTotal.WithLabelValues(common.ErrorCode(err)).Inc()
		return nil, err
	}
	co.authorities[id] = a
	co.metrics.ActiveDocuments.Set(float64(len(co.authorities)))
	co.logger.Info("document activated",
		zap.String("documentId", string(id)),
		zap.String("schema", string(a.schema)))
	return a, nil
}

// removeAuthority drops the map entry if it still points at a.
func (co *Coordinator) removeAuthority(id common.DocumentID, a *authority) {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.authorities[id] == a {
		delete(co.authorities, id)
		co.metrics.ActiveDocuments.Set(float64(len(co.authorities)))
	}
}

// sweep periodically disconnects idle sessions and evicts empty idle
// authorities after a final save.
func (co *Coordinator) sweep() {
	defer close(co.sweepDone)
	ticker := time.NewTicker(co.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-co.sweepStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-co.cfg.IdleTimeout)
			for _, sess := range co.registry.idleSessions(cutoff) {
				co.logger.Info("disconnecting idle session",
					zap.String("clientId", string(co.registry.currentID(sess))))
				sess.conn.close(websocket.CloseGoingAway, "idle timeout")
			}
			co.evictIdle(cutoff)
		}
	}
}

func (co *Coordinator) evictIdle(cutoff time.Time) {
	co.mu.Lock()
	defer co.mu.Unlock()
	for id, a := range co.authorities {
		reply, ok := a.info()
		if !ok {
			delete(co.authorities, id)
			continue
		}
		if reply.info.ClientCount == 0 && reply.lastActive.Before(cutoff) {
			a.stop()
			delete(co.authorities, id)
			co.logger.Info("evicted idle document", zap.String("documentId", string(id)))
		}
	}
	co.metrics.ActiveDocuments.Set(float64(len(co.authorities)))
}

// Close stops the sweep, disconnects every client and stops every
// authority after a final save. The store itself stays open; the
// caller owns it.
func (co *Coordinator) Close() {
	close(co.sweepStop)
	<-co.sweepDone

	for _, sess := range co.registry.all() {
		sess.conn.close(websocket.CloseGoingAway, "server shutting down")
	}

	co.mu.Lock()
	defer co.mu.Unlock()
	for id, a := range co.authorities {
		a.stop()
		delete(co.authorities, id)
	}
	co.metrics.ActiveDocuments.Set(0)
}

// stats returns the counters served by the health endpoint.
func (co *Coordinator) stats() (clients, documents int, operations int64) {
	co.mu.RLock()
	documents = len(co.authorities)
	co.mu.RUnlock()
	return co.registry.count(), documents, co.operations.Load()
}

// documentIDs lists the documents with a live authority, sorted.
func (co *Coordinator) documentIDs() []common.DocumentID {
	co.mu.RLock()
	ids := make([]common.DocumentID, 0, len(co.authorities))
	for id := range co.authorities {
		ids = append(ids, id)
	}
	co.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// documentInfo summarizes one document, falling back to the store for
// documents without a live authority.
func (co *Coordinator) documentInfo(ctx context.Context, id common.DocumentID) (DocumentInfo, error) {
	if a := co.authority(id); a != nil {
		if reply, ok := a.info(); ok {
			return reply.info, nil
		}
	}
	state, err := co.store.LoadDocument(ctx, id)
	if err != nil {
		return DocumentInfo{}, err
	}
	return DocumentInfo{
		ID:        state.ID,
		Version:   state.Version,
		CreatedAt: state.CreatedAt,
		UpdatedAt: state.UpdatedAt,
	}, nil
}

// sendError reports a client-induced failure to the originator only.
func (co *Coordinator) sendError(sess *session, docID common.DocumentID, code, message string) {
	co.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	msg := protocol.NewError(code, message)
	msg.DocumentID = docID
	sess.conn.enqueue(msg)
}

func (co *Coordinator) operationFailed(sess *session, docID common.DocumentID, opID common.OperationID, code, message string) {
	co.metrics.ErrorsTotal.WithLabelValues(code).Inc()
	msg := protocol.NewOperationFailed(opID, code, message)
	msg.DocumentID = docID
	sess.conn.enqueue(msg)
}
