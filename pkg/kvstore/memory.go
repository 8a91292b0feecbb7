package kvstore

import (
	"sync"

	"github.com/blockberries/replayberry/pkg/types"
)

// Memory implements Store with in-memory storage.
// Primarily used for testing.
type Memory struct {
	data   map[string][]byte
	closed bool
	mu     sync.RWMutex

	// failWrite, when set, is returned by the next Write call.
	failWrite error
}

// NewMemory creates a new in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string][]byte),
	}
}

// Get returns a copy of the value stored under key.
func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, types.ErrStoreClosed
	}
	value, ok := m.data[string(key)]
	if !ok {
		return nil, types.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Has reports whether key is present.
func (m *Memory) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, types.ErrStoreClosed
	}
	_, ok := m.data[string(key)]
	return ok, nil
}

// Put stores a copy of value under key.
func (m *Memory) Put(key, value []byte) error {
	return m.Write([]Mutation{PutMutation(key, value)})
}

// Delete removes key.
func (m *Memory) Delete(key []byte) error {
	return m.Write([]Mutation{DeleteMutation(key)})
}

// Write applies all mutations under one lock.
func (m *Memory) Write(muts []Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrStoreClosed
	}
	if err := m.failWrite; err != nil {
		m.failWrite = nil
		return err
	}

	for _, mut := range muts {
		if mut.Delete {
			delete(m.data, string(mut.Key))
			continue
		}
		m.data[string(mut.Key)] = append([]byte(nil), mut.Value...)
	}
	return nil
}

// Sync is a no-op.
func (m *Memory) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// Clear removes every key.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrStoreClosed
	}
	m.data = make(map[string][]byte)
	return nil
}

// Close marks the store closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// FailNextWrite makes the next Write return err. Used by tests to simulate
// a failing batch.
func (m *Memory) FailNextWrite(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite = err
}
