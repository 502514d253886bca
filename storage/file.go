package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"otsync/common"
	"otsync/ot"
)

// FileStore persists documents as JSON files in a directory: one
// `<id>.json` per document state and one `<id>.ops.jsonl` append-only
// operation log with one operation per line.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

const (
	stateExt = ".json"
	opsExt   = ".ops.jsonl"
)

// NewFileStore creates the directory if needed and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) statePath(id common.DocumentID) string {
	return filepath.Join(s.dir, string(id)+stateExt)
}

func (s *FileStore) opsPath(id common.DocumentID) string {
	return filepath.Join(s.dir, string(id)+opsExt)
}

// checkID rejects ids that do not stay inside the storage directory.
func checkID(id common.DocumentID) error {
	if !id.Valid() {
		return fmt.Errorf("invalid document id %q", id)
	}
	return nil
}

// SaveDocument writes the full document state.
func (s *FileStore) SaveDocument(_ context.Context, state *DocumentState) error {
	if err := checkID(state.ID); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename keeps a crash from leaving a torn state file.
	tmp := s.statePath(state.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := os.Rename(tmp, s.statePath(state.ID)); err != nil {
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}

// LoadDocument reads the state stored under id.
func (s *FileStore) LoadDocument(_ context.Context, id common.DocumentID) (*DocumentState, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, err := os.ReadFile(s.statePath(id))
	s.mu.RUnlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	var state DocumentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return &state, nil
}

// SaveOperation appends an operation to the document's log file.
func (s *FileStore) SaveOperation(_ context.Context, id common.DocumentID, op ot.Operation) error {
	if err := checkID(id); err != nil {
		return err
	}
	if _, err := appliedVersion(op); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.opsPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open operation log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

// LoadOperations returns logged operations newer than sinceVersion.
func (s *FileStore) LoadOperations(_ context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.opsPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []ot.Operation{}, nil
		}
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}
	defer f.Close()

	var ops []ot.Operation
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var op ot.Operation
		if err := json.Unmarshal([]byte(line), &op); err != nil {
			return nil, fmt.Errorf("failed to deserialize operation: %w", err)
		}
		if op.AppliedVersion > sinceVersion {
			ops = append(ops, op)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}
	if ops == nil {
		ops = []ot.Operation{}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].AppliedVersion < ops[j].AppliedVersion })
	return ops, nil
}

// DeleteDocument removes the state and log files for id.
func (s *FileStore) DeleteDocument(_ context.Context, id common.DocumentID) error {
	if err := checkID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, path := range []string{s.statePath(id), s.opsPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// ListDocuments returns the ids of all stored documents.
func (s *FileStore) ListDocuments(_ context.Context) ([]common.DocumentID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage directory: %w", err)
	}

	ids := make([]common.DocumentID, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, opsExt) || !strings.HasSuffix(name, stateExt) {
			continue
		}
		ids = append(ids, common.DocumentID(strings.TrimSuffix(name, stateExt)))
	}
	return ids, nil
}

// Close releases nothing for the file store.
func (s *FileStore) Close() error { return nil }
