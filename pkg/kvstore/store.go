// Package kvstore provides the persistent key-value stores used by replayberry
// and a staging layer that commits buffered writes as one batch.
package kvstore

// Store is a persistent key-value store.
// Single-key operations are atomic. Write applies a mutation list as one batch.
type Store interface {
	// Get returns the value stored under key.
	// Returns types.ErrKeyNotFound if the key is absent.
	Get(key []byte) ([]byte, error)

	// Has reports whether key is present.
	Has(key []byte) (bool, error)

	// Put stores value under key.
	Put(key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// Write applies all mutations in a single batch.
	Write(muts []Mutation) error

	// Sync flushes buffered writes to durable storage.
	Sync() error

	// Clear removes every key from the store.
	Clear() error

	// Close closes the store.
	Close() error
}

// Mutation is a single put or delete applied by Store.Write.
type Mutation struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// PutMutation returns a mutation that stores value under key.
func PutMutation(key, value []byte) Mutation {
	return Mutation{Key: key, Value: value}
}

// DeleteMutation returns a mutation that removes key.
func DeleteMutation(key []byte) Mutation {
	return Mutation{Key: key, Delete: true}
}
