// Package blockstore provides block storage interface and implementations.
package blockstore

import (
	"github.com/blockberries/replayberry/pkg/types"
)

// BlockStore defines the block persistence used by chain replay.
// Implementations must be safe for concurrent use.
type BlockStore interface {
	// LoadBlock retrieves a block by index.
	// Returns types.ErrBlockNotFound if the block does not exist and
	// types.ErrInvalidBlock if it cannot be decoded.
	LoadBlock(index int64) (*types.Block, error)

	// SaveBlock persists a block under its index. The recorded height is
	// raised to the block index if it is lower.
	SaveBlock(b *types.Block) error

	// DeleteBlock removes the block at index. Missing blocks are ignored.
	DeleteBlock(index int64) error

	// Height returns the recorded chain height.
	// Returns -1 if no height has been recorded.
	Height() int64

	// SetHeight overwrites the recorded chain height.
	SetHeight(height int64) error

	// Close closes the store and releases resources.
	Close() error
}
