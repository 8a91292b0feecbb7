// Package node assembles the replay engine from a configuration: block and
// state stores, the handler registry, the keyring gate, the event index and
// the replayer.
package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/replayberry/pkg/blockstore"
	"github.com/blockberries/replayberry/pkg/config"
	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/indexer"
	"github.com/blockberries/replayberry/pkg/keyring"
	"github.com/blockberries/replayberry/pkg/kvstore"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/metrics"
	"github.com/blockberries/replayberry/pkg/replay"
)

// Node aggregates the replay components and their lifecycle.
type Node struct {
	cfg *config.Config

	logger          *logging.Logger
	logSwitch       *logging.Switch
	metrics         metrics.Metrics
	tracer          trace.Tracer
	shutdownTracing func(context.Context) error

	blocks   *blockstore.KVBlockStore
	state    *kvstore.Staged
	registry *handlers.Registry
	gate     *keyring.Gate
	index    *indexer.Indexer
	replayer *replay.Replayer

	// closers are released in reverse order.
	closers   []io.Closer
	closeOnce sync.Once
	closeErr  error
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.cfg
}

// Logger returns the node logger.
func (n *Node) Logger() *logging.Logger {
	return n.logger
}

// Metrics returns the metrics sink.
func (n *Node) Metrics() metrics.Metrics {
	return n.metrics
}

// BlockStore returns the block store.
func (n *Node) BlockStore() *blockstore.KVBlockStore {
	return n.blocks
}

// State returns the staged contract state store.
func (n *Node) State() *kvstore.Staged {
	return n.state
}

// Registry returns the block handler registry.
func (n *Node) Registry() *handlers.Registry {
	return n.registry
}

// Gate returns the keyring gate.
func (n *Node) Gate() *keyring.Gate {
	return n.gate
}

// Indexer returns the event and NFT index.
func (n *Node) Indexer() *indexer.Indexer {
	return n.index
}

// Replayer returns the chain replayer.
func (n *Node) Replayer() *replay.Replayer {
	return n.replayer
}

// Replay replays the chain from height from, or runs a full resync.
func (n *Node) Replay(ctx context.Context, from int64, resync bool) error {
	if resync {
		return n.replayer.Resync(ctx)
	}
	return n.replayer.Play(ctx, from)
}

// clearDB wipes every store derived from block execution before a resync.
func (n *Node) clearDB(ctx context.Context) error {
	if err := n.index.ClearDB(ctx); err != nil {
		return err
	}
	if err := n.state.Clear(); err != nil {
		return fmt.Errorf("clearing state store: %w", err)
	}
	return nil
}

// Close flushes the tracer and closes every store. It is safe to call more
// than once.
func (n *Node) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		var errs []error
		if n.shutdownTracing != nil {
			if err := n.shutdownTracing(ctx); err != nil {
				errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
			}
		}
		for _, c := range slices.Backward(n.closers) {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}
