package server

import (
	"sync"
	"time"

	"otsync/common"
)

// session is one connected client. The conn field is immutable; every
// other field is written under the registry mutex because the idle
// sweep and the session's own read goroutine both touch them.
type session struct {
	id            common.ClientID
	conn          *conn
	info          *common.ClientInfo
	authenticated bool
	lastActivity  time.Time
	docs          map[common.DocumentID]struct{}
}

// identity is a snapshot of a session's presence-relevant fields, taken
// under the registry mutex so authority loops never read session state
// directly.
type identity struct {
	ClientID common.ClientID
	UserID   string
	Name     string
	Avatar   string
}

// registry tracks connected sessions by client id.
type registry struct {
	mu       sync.RWMutex
	sessions map[common.ClientID]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[common.ClientID]*session)}
}

func (r *registry) add(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// remove drops the session and returns it, or nil if it was already gone.
func (r *registry) remove(id common.ClientID) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	delete(r.sessions, id)
	return s
}

func (r *registry) get(id common.ClientID) *session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

func (r *registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// rename re-keys the session under a client-declared id. It fails when
// another live session already holds that id.
func (r *registry) rename(s *session, id common.ClientID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == s.id {
		return nil
	}
	if _, taken := r.sessions[id]; taken {
		return common.ErrInvalidOperation{Message: "client id already in use"}
	}
	delete(r.sessions, s.id)
	s.id = id
	r.sessions[id] = s
	return nil
}

func (r *registry) setAuthenticated(s *session, info *common.ClientInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.info = info
	s.authenticated = true
}

// touch records inbound activity for the idle sweep.
func (r *registry) touch(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.lastActivity = time.Now()
}

func (r *registry) isAuthenticated(s *session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.authenticated
}

func (r *registry) clientInfo(s *session) *common.ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.info
}

// identityOf snapshots the fields an authority needs for presence.
func (r *registry) identityOf(s *session) identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ident := identity{ClientID: s.id}
	if s.info != nil {
		ident.UserID = s.info.UserID
		ident.Name = s.info.Name
		ident.Avatar = s.info.Avatar
	}
	return ident
}

func (r *registry) currentID(s *session) common.ClientID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return s.id
}

func (r *registry) addDoc(s *session, id common.DocumentID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.docs[id] = struct{}{}
}

// removeDoc reports whether the session was a member of the document.
func (r *registry) removeDoc(s *session, id common.DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return false
	}
	delete(s.docs, id)
	return true
}

func (r *registry) hasDoc(s *session, id common.DocumentID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := s.docs[id]
	return ok
}

// docsOf returns the documents the session has joined.
func (r *registry) docsOf(s *session) []common.DocumentID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]common.DocumentID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}

// all returns every connected session.
func (r *registry) all() []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// idleSessions returns sessions with no inbound traffic since cutoff.
func (r *registry) idleSessions(cutoff time.Time) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var idle []*session
	for _, s := range r.sessions {
		if s.lastActivity.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}
