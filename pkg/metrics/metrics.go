// Package metrics defines the replay and index metrics and their Prometheus
// and no-op implementations.
package metrics

import (
	"net/http"
	"time"
)

// Metrics defines the interface for collecting replay metrics.
// All methods are designed to be thread-safe and non-blocking.
type Metrics interface {
	// Chain metrics
	SetBlockHeight(height int64)
	IncBlocksReplayed()
	ObserveReplayDuration(duration time.Duration)
	SetSyncState(state string)
	IncChainCorruptions(action string)
	IncFakeKeyrings()
	IncHandlerFailures(blockType string)

	// Index metrics
	ObserveDeployPhase(phase string, duration time.Duration)
	IncDeployRetries(phase string)
	IncDeployFailures(phase string)
	AddEventsIndexed(count int)
	AddNftsMinted(count int)
	IncStagingRejected(op string)

	// Handler returns an HTTP handler serving the metrics.
	Handler() http.Handler
}

// Sync state labels.
const (
	SyncStateIdle    = "idle"
	SyncStateSyncing = "syncing"
)

// Corruption action labels.
const (
	CorruptionAutofix = "autofix"
	CorruptionFatal   = "fatal"
)

// Staging operation labels.
const (
	OpLockUnlock             = "lock_unlock"
	OpTransfer               = "transfer"
	OpTransferByValidationID = "transfer_by_validation_id"
)
