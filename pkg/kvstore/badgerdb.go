package kvstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/blockberries/replayberry/pkg/types"
)

// Badger implements Store using BadgerDB.
// BadgerDB is optimized for SSDs and offers better write performance
// than LevelDB for certain workloads.
type Badger struct {
	db   *badger.DB
	path string
	mu   sync.RWMutex
}

// BadgerOptions contains configuration options for BadgerDB.
type BadgerOptions struct {
	// SyncWrites ensures durability by syncing writes to disk.
	// Default: true
	SyncWrites bool

	// Compression enables Snappy compression for values.
	// Default: true
	Compression bool

	// InMemory keeps all data in memory. Path is ignored.
	InMemory bool

	// MemTableSize is the size of the memtable.
	// Default: 64MB
	MemTableSize int64

	// Logger is an optional logger for BadgerDB.
	// If nil, logging is disabled.
	Logger badger.Logger
}

// DefaultBadgerOptions returns sensible default options.
func DefaultBadgerOptions() *BadgerOptions {
	return &BadgerOptions{
		SyncWrites:   true,
		Compression:  true,
		MemTableSize: 64 << 20, // 64MB
	}
}

// NewBadger opens or creates a BadgerDB store at path.
func NewBadger(path string) (*Badger, error) {
	return NewBadgerWithOptions(path, DefaultBadgerOptions())
}

// NewBadgerWithOptions opens a BadgerDB store with custom options.
func NewBadgerWithOptions(path string, opts *BadgerOptions) (*Badger, error) {
	if opts == nil {
		opts = DefaultBadgerOptions()
	}

	badgerOpts := badger.DefaultOptions(path)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithSyncWrites(opts.SyncWrites && !opts.InMemory)
	if opts.MemTableSize > 0 {
		badgerOpts = badgerOpts.WithMemTableSize(opts.MemTableSize)
	}

	if opts.Compression {
		badgerOpts = badgerOpts.WithCompression(options.Snappy)
	} else {
		badgerOpts = badgerOpts.WithCompression(options.None)
	}

	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("opening badgerdb: %w", err)
	}

	return &Badger{
		db:   db,
		path: path,
	}, nil
}

// Get returns the value stored under key.
func (s *Badger) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, mapBadgerError(err)
	}
	return value, nil
}

// Has reports whether key is present.
func (s *Badger) Has(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, types.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put stores value under key.
func (s *Badger) Put(key, value []byte) error {
	return s.Write([]Mutation{PutMutation(key, value)})
}

// Delete removes key.
func (s *Badger) Delete(key []byte) error {
	return s.Write([]Mutation{DeleteMutation(key)})
}

// Write applies all mutations in a single BadgerDB transaction.
func (s *Badger) Write(muts []Mutation) error {
	if len(muts) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range muts {
			if m.Delete {
				if err := txn.Delete(m.Key); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(m.Key, m.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing batch: %w", mapBadgerError(err))
	}
	return nil
}

// Sync flushes the value log to disk.
func (s *Badger) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db.IsClosed() {
		return types.ErrStoreClosed
	}
	return s.db.Sync()
}

// Clear removes every key from the store.
func (s *Badger) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("clearing store: %w", mapBadgerError(err))
	}
	return nil
}

// Close closes the database.
func (s *Badger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func mapBadgerError(err error) error {
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return types.ErrKeyNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return types.ErrStoreClosed
	default:
		return err
	}
}
