package kvstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/blockberries/replayberry/pkg/types"
)

// LevelDB implements Store using LevelDB.
type LevelDB struct {
	db   *leveldb.DB
	path string
	mu   sync.RWMutex
}

// NewLevelDB opens or creates a LevelDB store at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		NoSync: false, // Ensure durability
	})
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}

	return &LevelDB{
		db:   db,
		path: path,
	}, nil
}

// Get returns the value stored under key.
func (s *LevelDB) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, err := s.db.Get(key, nil)
	if err != nil {
		return nil, mapLevelDBError(err)
	}
	return value, nil
}

// Has reports whether key is present.
func (s *LevelDB) Has(key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, mapLevelDBError(err)
	}
	return ok, nil
}

// Put stores value under key.
func (s *LevelDB) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Put(key, value, &opt.WriteOptions{Sync: true}); err != nil {
		return mapLevelDBError(err)
	}
	return nil
}

// Delete removes key.
func (s *LevelDB) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(key, &opt.WriteOptions{Sync: true}); err != nil {
		return mapLevelDBError(err)
	}
	return nil
}

// Write applies all mutations in a single LevelDB batch.
func (s *LevelDB) Write(muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, m := range muts {
		if m.Delete {
			batch.Delete(m.Key)
		} else {
			batch.Put(m.Key, m.Value)
		}
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing batch: %w", mapLevelDBError(err))
	}
	return nil
}

// Sync is a no-op beyond what synchronous writes already guarantee.
// It reports ErrStoreClosed once the database has been closed.
func (s *LevelDB) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.db.GetProperty("leveldb.stats"); err != nil {
		return mapLevelDBError(err)
	}
	return nil
}

// Clear removes every key from the store.
func (s *LevelDB) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter := s.db.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return mapLevelDBError(err)
	}

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("clearing store: %w", mapLevelDBError(err))
	}
	return nil
}

// Close closes the database.
func (s *LevelDB) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func mapLevelDBError(err error) error {
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return types.ErrKeyNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return types.ErrStoreClosed
	default:
		return err
	}
}
