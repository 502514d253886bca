package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"otsync/common"
	"otsync/ot"
)

// MemoryStore keeps documents and operation logs in process memory.
// Values are stored serialized so callers never share structure with
// the store. Intended for tests and single-node development.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[common.DocumentID][]byte
	ops  map[common.DocumentID][]memoryOp
}

type memoryOp struct {
	version common.Version
	data    []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[common.DocumentID][]byte),
		ops:  make(map[common.DocumentID][]memoryOp),
	}
}

// SaveDocument writes the full document state.
func (s *MemoryStore) SaveDocument(_ context.Context, state *DocumentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[state.ID] = data
	return nil
}

// LoadDocument reads the state stored under id.
func (s *MemoryStore) LoadDocument(_ context.Context, id common.DocumentID) (*DocumentState, error) {
	s.mu.RLock()
	data, ok := s.docs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var state DocumentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return &state, nil
}

// SaveOperation appends an operation to the document's log.
func (s *MemoryStore) SaveOperation(_ context.Context, id common.DocumentID, op ot.Operation) error {
	version, err := appliedVersion(op)
	if err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[id] = append(s.ops[id], memoryOp{version: version, data: data})
	return nil
}

// LoadOperations returns logged operations newer than sinceVersion.
func (s *MemoryStore) LoadOperations(_ context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error) {
	s.mu.RLock()
	entries := make([]memoryOp, 0, len(s.ops[id]))
	for _, entry := range s.ops[id] {
		if entry.version > sinceVersion {
			entries = append(entries, entry)
		}
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })

	ops := make([]ot.Operation, 0, len(entries))
	for _, entry := range entries {
		var op ot.Operation
		if err := json.Unmarshal(entry.data, &op); err != nil {
			return nil, fmt.Errorf("failed to deserialize operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// DeleteDocument removes the state and log for id.
func (s *MemoryStore) DeleteDocument(_ context.Context, id common.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	delete(s.ops, id)
	return nil
}

// ListDocuments returns the ids of all stored documents.
func (s *MemoryStore) ListDocuments(_ context.Context) ([]common.DocumentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]common.DocumentID, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close releases nothing for the memory store.
func (s *MemoryStore) Close() error { return nil }
