package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"otsync/common"
	"otsync/ot"
)

// BadgerStore persists documents in an embedded BadgerDB. Document
// states live under `doc/<id>`; operations under `op/<id>/<version>`
// with the version zero-padded so key order equals version order.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
	stop   chan struct{}
	done   chan struct{}
}

const badgerGCInterval = 5 * time.Minute

// NewBadgerStore opens (or creates) the database at path and starts
// the value-log garbage collector.
func NewBadgerStore(path string, logger *zap.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Badger's own logger is too chatty for a library.

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.runGC()
	return s, nil
}

func docKey(id common.DocumentID) []byte {
	return []byte("doc/" + string(id))
}

func opKey(id common.DocumentID, version common.Version) []byte {
	return []byte(fmt.Sprintf("op/%s/%020d", id, version))
}

func opPrefix(id common.DocumentID) []byte {
	return []byte(fmt.Sprintf("op/%s/", id))
}

// runGC reclaims value-log space until Close. Repeated runs after a
// successful pass follow badger's recommendation.
func (s *BadgerStore) runGC() {
	defer close(s.done)

	ticker := time.NewTicker(badgerGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.logger.Warn("badger value log gc failed", zap.Error(err))
				}
				break
			}
		}
	}
}

// SaveDocument writes the full document state.
func (s *BadgerStore) SaveDocument(_ context.Context, state *DocumentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(state.ID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument reads the state stored under id.
func (s *BadgerStore) LoadDocument(_ context.Context, id common.DocumentID) (*DocumentState, error) {
	var state DocumentState
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &state)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &state, nil
}

// SaveOperation writes an operation under its applied-version key.
func (s *BadgerStore) SaveOperation(_ context.Context, id common.DocumentID, op ot.Operation) error {
	version, err := appliedVersion(op)
	if err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(opKey(id, version), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save operation: %w", err)
	}
	return nil
}

// LoadOperations returns logged operations newer than sinceVersion in
// key (version) order.
func (s *BadgerStore) LoadOperations(_ context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error) {
	ops := []ot.Operation{}
	prefix := opPrefix(id)
	seek := opKey(id, sinceVersion+1)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var op ot.Operation
				if err := json.Unmarshal(val, &op); err != nil {
					return err
				}
				ops = append(ops, op)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

// DeleteDocument removes the state and log for id.
func (s *BadgerStore) DeleteDocument(_ context.Context, id common.DocumentID) error {
	keys := [][]byte{docKey(id)}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := opPrefix(id)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan operations: %w", err)
	}

	batch := s.db.NewWriteBatch()
	defer batch.Cancel()
	for _, key := range keys {
		if err := batch.Delete(key); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
	}
	if err := batch.Flush(); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// ListDocuments returns the ids of all stored documents.
func (s *BadgerStore) ListDocuments(_ context.Context) ([]common.DocumentID, error) {
	ids := []common.DocumentID{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte("doc/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, common.DocumentID(strings.TrimPrefix(key, "doc/")))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}

// Close stops the garbage collector and closes the database.
func (s *BadgerStore) Close() error {
	close(s.stop)
	<-s.done
	return s.db.Close()
}
