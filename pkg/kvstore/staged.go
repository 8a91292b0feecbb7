package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/blockberries/replayberry/pkg/types"
)

// stagedEntry is a staged value or a tombstone.
type stagedEntry struct {
	value   []byte
	deleted bool
}

// Op is a single staged operation passed to Staged.Batch.
type Op struct {
	Key    string
	Value  any
	Delete bool
}

// Staged buffers writes and deletes over a Store. Reads prefer staged state:
// a staged key, including a tombstone, never falls through to the store.
// Commit writes everything staged as one Store.Write batch.
type Staged struct {
	store  Store
	staged map[string]stagedEntry
	mu     sync.RWMutex
}

// NewStaged creates a staging layer over store.
func NewStaged(store Store) *Staged {
	return &Staged{
		store:  store,
		staged: make(map[string]stagedEntry),
	}
}

// Store returns the underlying store.
func (s *Staged) Store() Store {
	return s.store
}

// Get returns the staged value for key, or the persisted one if key is not
// staged. Returns types.ErrKeyNotFound for absent or staged-deleted keys.
func (s *Staged) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(key)
}

func (s *Staged) get(key string) ([]byte, error) {
	if e, ok := s.staged[key]; ok {
		if e.deleted {
			return nil, types.ErrKeyNotFound
		}
		return append([]byte(nil), e.value...), nil
	}
	return s.store.Get([]byte(key))
}

// GetMany returns values for keys in input order. Absent keys yield nil
// entries. Any error other than not-found aborts the call.
func (s *Staged) GetMany(keys []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([][]byte, len(keys))
	for i, key := range keys {
		value, err := s.get(key)
		if errors.Is(err, types.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("getting %q: %w", key, err)
		}
		values[i] = value
	}
	return values, nil
}

// Put stages a write. Byte slices and strings are stored verbatim; any other
// value is JSON encoded.
func (s *Staged) Put(key string, value any) error {
	encoded, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[key] = stagedEntry{value: encoded}
	return nil
}

// Del stages a tombstone for key.
func (s *Staged) Del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staged[key] = stagedEntry{deleted: true}
}

// Batch stages ops as a unit. If any value cannot be encoded nothing is staged.
func (s *Staged) Batch(ops []Op) error {
	entries := make([]stagedEntry, len(ops))
	for i, op := range ops {
		if op.Delete {
			entries[i] = stagedEntry{deleted: true}
			continue
		}
		encoded, err := encodeValue(op.Value)
		if err != nil {
			return fmt.Errorf("encoding %q: %w", op.Key, err)
		}
		entries[i] = stagedEntry{value: encoded}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, op := range ops {
		s.staged[op.Key] = entries[i]
	}
	return nil
}

// Pending returns the number of staged keys.
func (s *Staged) Pending() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staged)
}

// Commit writes all staged puts and deletes to the store in one batch and
// clears staging. On failure staging is left intact so the caller can retry
// or roll back.
func (s *Staged) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return nil
	}

	keys := make([]string, 0, len(s.staged))
	for k := range s.staged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	muts := make([]Mutation, 0, len(keys))
	for _, k := range keys {
		e := s.staged[k]
		if e.deleted {
			muts = append(muts, DeleteMutation([]byte(k)))
		} else {
			muts = append(muts, PutMutation([]byte(k), e.value))
		}
	}

	if err := s.store.Write(muts); err != nil {
		return fmt.Errorf("committing %d staged keys: %w", len(muts), err)
	}

	s.reset()
	return nil
}

// Rollback discards staging without touching the store.
func (s *Staged) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// Save flushes the store and discards staging.
func (s *Staged) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return s.store.Sync()
}

// Clear wipes the store and discards staging.
func (s *Staged) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return s.store.Clear()
}

// Close closes the store and discards staging.
func (s *Staged) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return s.store.Close()
}

func (s *Staged) reset() {
	s.staged = make(map[string]stagedEntry)
}

func encodeValue(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return append([]byte(nil), v...), nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}
