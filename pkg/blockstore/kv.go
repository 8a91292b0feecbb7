package blockstore

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/blockberries/replayberry/pkg/kvstore"
	"github.com/blockberries/replayberry/pkg/types"
)

// keyMaxBlock holds the recorded chain height as a decimal string.
var keyMaxBlock = []byte("maxBlock")

// KVBlockStore implements BlockStore over a kvstore.Store. Blocks are stored
// as JSON under their decimal index.
type KVBlockStore struct {
	kv     kvstore.Store
	height int64
	mu     sync.RWMutex
}

// NewKVBlockStore creates a block store over kv and loads the recorded height.
func NewKVBlockStore(kv kvstore.Store) (*KVBlockStore, error) {
	store := &KVBlockStore{
		kv:     kv,
		height: -1,
	}

	if err := store.loadMetadata(); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}

	return store, nil
}

// loadMetadata loads the height from the store.
func (s *KVBlockStore) loadMetadata() error {
	data, err := s.kv.Get(keyMaxBlock)
	if errors.Is(err, types.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	height, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", keyMaxBlock, err)
	}
	s.height = height
	return nil
}

// LoadBlock retrieves a block by index.
func (s *KVBlockStore) LoadBlock(index int64) (*types.Block, error) {
	data, err := s.kv.Get(types.HeightKey(index))
	if errors.Is(err, types.ErrKeyNotFound) {
		return nil, types.WrapHeightError(types.ErrBlockNotFound, index)
	}
	if err != nil {
		return nil, types.WrapHeightError(err, index)
	}

	b, err := types.DecodeBlock(data)
	if err != nil {
		return nil, types.WrapHeightError(err, index)
	}
	return b, nil
}

// HasBlock checks if a block exists at index.
func (s *KVBlockStore) HasBlock(index int64) bool {
	ok, err := s.kv.Has(types.HeightKey(index))
	return err == nil && ok
}

// SaveBlock persists a block and raises the height if needed.
func (s *KVBlockStore) SaveBlock(b *types.Block) error {
	if b == nil || b.Index < 0 {
		return types.ErrInvalidBlock
	}

	data, err := b.Encode()
	if err != nil {
		return fmt.Errorf("encoding block %d: %w", b.Index, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	muts := []kvstore.Mutation{kvstore.PutMutation(types.HeightKey(b.Index), data)}
	if b.Index > s.height {
		muts = append(muts, kvstore.PutMutation(keyMaxBlock, encodeHeight(b.Index)))
	}

	if err := s.kv.Write(muts); err != nil {
		return fmt.Errorf("writing block %d: %w", b.Index, err)
	}

	if b.Index > s.height {
		s.height = b.Index
	}
	return nil
}

// DeleteBlock removes the block at index.
func (s *KVBlockStore) DeleteBlock(index int64) error {
	return s.kv.Delete(types.HeightKey(index))
}

// DeleteRange removes blocks from..to inclusive in one batch.
func (s *KVBlockStore) DeleteRange(from, to int64) error {
	if to < from {
		return nil
	}

	muts := make([]kvstore.Mutation, 0, to-from+1)
	for i := from; i <= to; i++ {
		muts = append(muts, kvstore.DeleteMutation(types.HeightKey(i)))
	}
	return s.kv.Write(muts)
}

// Height returns the recorded chain height.
func (s *KVBlockStore) Height() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// SetHeight overwrites the recorded chain height.
func (s *KVBlockStore) SetHeight(height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Put(keyMaxBlock, encodeHeight(height)); err != nil {
		return fmt.Errorf("writing %s: %w", keyMaxBlock, err)
	}
	s.height = height
	return nil
}

// Close closes the underlying store.
func (s *KVBlockStore) Close() error {
	return s.kv.Close()
}

func encodeHeight(h int64) []byte {
	return []byte(strconv.FormatInt(h, 10))
}
