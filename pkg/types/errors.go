package types

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// WrapHeightError wraps an error with the block height it occurred at.
func WrapHeightError(err error, height int64) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("block %d: %w", height, err)
}

// Block-related errors.
var (
	// ErrBlockNotFound is returned when a block cannot be found.
	ErrBlockNotFound = errors.New("block not found")

	// ErrInvalidBlock is returned when a stored block cannot be decoded.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrInvalidPayload is returned when a block payload is not a JSON object.
	ErrInvalidPayload = errors.New("invalid block payload")
)

// Chain replay errors.
var (
	// ErrChainCorrupted is returned when the saved chain is unreadable or its
	// hash links are broken and autofix is disabled.
	ErrChainCorrupted = errors.New("saved chain corrupted")

	// ErrSyncInProgress is returned when a replay is requested while another
	// replay is running. The request is dropped, not queued.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrFakeKeyring is returned when a keyring block arrives after the emission
	// window or after a keyring has already been accepted.
	ErrFakeKeyring = errors.New("fake keyring")

	// ErrHandlerFailed is returned when one or more block handlers fail.
	ErrHandlerFailed = errors.New("block handler failed")
)

// Storage errors.
var (
	// ErrKeyNotFound is returned when a key cannot be found in a key-value store.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// Index errors.
var (
	// ErrInvalidAmount is returned when a token amount is not a positive integer.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInsufficientSupply is the sentinel matched by InsufficientSupplyError.
	ErrInsufficientSupply = errors.New("insufficient supply")

	// ErrDeployFailed is returned when a deploy phase exhausts its retry budget.
	ErrDeployFailed = errors.New("deploy failed")
)

// InsufficientSupplyError reports a staging request that asked for more NFTs
// than the owner can spend. No staging happens when it is returned.
type InsufficientSupplyError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

// Error implements error.
func (e *InsufficientSupplyError) Error() string {
	return fmt.Sprintf("amount is too big, max: %s/%s", e.Requested.String(), e.Available.String())
}

// Is makes errors.Is(err, ErrInsufficientSupply) succeed.
func (e *InsufficientSupplyError) Is(target error) bool {
	return target == ErrInsufficientSupply
}
