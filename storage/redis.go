package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"otsync/common"
	"otsync/ot"
)

// RedisStore persists documents in Redis. Document states live under
// `<prefix>:doc:<id>`, operation logs are lists under
// `<prefix>:ops:<id>`, and `<prefix>:docs` is the id set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. The caller owns the
// client's configuration; Close releases it.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "otsync"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) docKey(id common.DocumentID) string {
	return fmt.Sprintf("%s:doc:%s", s.prefix, id)
}

func (s *RedisStore) opsKey(id common.DocumentID) string {
	return fmt.Sprintf("%s:ops:%s", s.prefix, id)
}

func (s *RedisStore) listKey() string {
	return fmt.Sprintf("%s:docs", s.prefix)
}

// SaveDocument writes the full document state.
func (s *RedisStore) SaveDocument(ctx context.Context, state *DocumentState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.docKey(state.ID), data, 0)
	pipe.SAdd(ctx, s.listKey(), string(state.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save document: %w", err)
	}
	return nil
}

// LoadDocument reads the state stored under id.
func (s *RedisStore) LoadDocument(ctx context.Context, id common.DocumentID) (*DocumentState, error) {
	data, err := s.client.Get(ctx, s.docKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	var state DocumentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return &state, nil
}

// SaveOperation appends an operation to the document's log list.
func (s *RedisStore) SaveOperation(ctx context.Context, id common.DocumentID, op ot.Operation) error {
	if _, err := appliedVersion(op); err != nil {
		return err
	}
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to serialize operation: %w", err)
	}

	if err := s.client.RPush(ctx, s.opsKey(id), data).Err(); err != nil {
		return fmt.Errorf("failed to append operation: %w", err)
	}
	return nil
}

// LoadOperations returns logged operations newer than sinceVersion.
func (s *RedisStore) LoadOperations(ctx context.Context, id common.DocumentID, sinceVersion common.Version) ([]ot.Operation, error) {
	entries, err := s.client.LRange(ctx, s.opsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read operation log: %w", err)
	}

	ops := make([]ot.Operation, 0, len(entries))
	for _, entry := range entries {
		var op ot.Operation
		if err := json.Unmarshal([]byte(entry), &op); err != nil {
			return nil, fmt.Errorf("failed to deserialize operation: %w", err)
		}
		if op.AppliedVersion > sinceVersion {
			ops = append(ops, op)
		}
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].AppliedVersion < ops[j].AppliedVersion })
	return ops, nil
}

// DeleteDocument removes the state, log and id-set entry for id.
func (s *RedisStore) DeleteDocument(ctx context.Context, id common.DocumentID) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.docKey(id), s.opsKey(id))
	pipe.SRem(ctx, s.listKey(), string(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// ListDocuments returns the ids in the document set.
func (s *RedisStore) ListDocuments(ctx context.Context) ([]common.DocumentID, error) {
	members, err := s.client.SMembers(ctx, s.listKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}

	ids := make([]common.DocumentID, 0, len(members))
	for _, member := range members {
		ids = append(ids, common.DocumentID(member))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close releases the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
