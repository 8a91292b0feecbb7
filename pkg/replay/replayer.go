// Package replay walks the stored chain in height order, verifies the hash
// links between consecutive blocks and hands every block to the keyring gate
// and the registered block handlers.
package replay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockberries/replayberry/pkg/blockstore"
	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/keyring"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/metrics"
	"github.com/blockberries/replayberry/pkg/tracing"
	"github.com/blockberries/replayberry/pkg/types"
)

// FatalFunc halts the process after unrecoverable chain corruption.
type FatalFunc func(err error)

// ClearFunc wipes derived state before a full resync.
type ClearFunc func(ctx context.Context) error

// Config controls replay behaviour.
type Config struct {
	// Autofix truncates the chain at the first corrupted block instead of
	// halting the process.
	Autofix bool

	// Verbose keeps per-block logging enabled during bulk replay.
	Verbose bool
}

// rangeDeleter is implemented by block stores that can drop a block range in
// one batch.
type rangeDeleter interface {
	DeleteRange(from, to int64) error
}

// Replayer replays the stored chain. Only one replay runs at a time; a replay
// requested while another is active is dropped with types.ErrSyncInProgress.
type Replayer struct {
	cfg      Config
	store    blockstore.BlockStore
	registry *handlers.Registry
	gate     *keyring.Gate

	logger  *logging.Logger
	alert   *logging.Logger
	sw      *logging.Switch
	metrics metrics.Metrics
	tracer  trace.Tracer
	fatal   FatalFunc
	clearDB ClearFunc

	maxBlock atomic.Int64
	syncing  atomic.Bool
}

// Option configures a Replayer.
type Option func(*Replayer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Replayer) {
		r.logger = l
	}
}

// WithSwitch sets the shared log switch muted during quiet replays. Chain
// corruption reports bypass it.
func WithSwitch(sw *logging.Switch) Option {
	return func(r *Replayer) {
		r.sw = sw
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(r *Replayer) {
		r.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Replayer) {
		r.tracer = t
	}
}

// WithFatal replaces the process halt used when autofix is disabled.
func WithFatal(fn FatalFunc) Option {
	return func(r *Replayer) {
		r.fatal = fn
	}
}

// WithClearDB sets the hook run by Resync before replaying from genesis.
func WithClearDB(fn ClearFunc) Option {
	return func(r *Replayer) {
		r.clearDB = fn
	}
}

// New creates a replayer over store. The replay range ends at the store
// height unless changed with SetMaxBlock.
func New(cfg Config, store blockstore.BlockStore, registry *handlers.Registry, gate *keyring.Gate, opts ...Option) *Replayer {
	r := &Replayer{
		cfg:      cfg,
		store:    store,
		registry: registry,
		gate:     gate,
		logger:   logging.NewNopLogger(),
		metrics:  metrics.NewNopMetrics(),
		tracer:   tracing.NopTracer(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.WithComponent("replay")
	r.alert = r.logger
	if r.sw != nil {
		r.alert = logging.New(r.sw.Unmuted()).WithComponent("replay")
	}
	if r.fatal == nil {
		r.fatal = func(error) { os.Exit(1) }
	}
	if r.clearDB == nil {
		r.clearDB = func(context.Context) error { return nil }
	}

	r.maxBlock.Store(store.Height())
	r.metrics.SetBlockHeight(store.Height())
	r.metrics.SetSyncState(metrics.SyncStateIdle)
	return r
}

// SetMaxBlock sets the last block index replayed.
func (r *Replayer) SetMaxBlock(height int64) {
	r.maxBlock.Store(height)
	r.metrics.SetBlockHeight(height)
}

// MaxBlock returns the last block index replayed.
func (r *Replayer) MaxBlock() int64 {
	return r.maxBlock.Load()
}

// Syncing reports whether a replay is running.
func (r *Replayer) Syncing() bool {
	return r.syncing.Load()
}

// Play replays blocks from fromHeight through MaxBlock.
//
// A broken hash link or an unreadable block is chain corruption. With
// autofix the chain is truncated to the block before it and Play returns
// nil. Without autofix the fatal function is invoked and Play returns
// types.ErrChainCorrupted.
//
// A call made while another Play or Resync is running does nothing and
// returns types.ErrSyncInProgress. The request is not queued, so callers that
// only want the chain replayed once may ignore that error.
func (r *Replayer) Play(ctx context.Context, fromHeight int64) error {
	if !r.syncing.CompareAndSwap(false, true) {
		return types.ErrSyncInProgress
	}
	defer r.syncing.Store(false)

	return r.play(ctx, fromHeight)
}

// Resync clears derived state and replays the whole chain. Like Play it
// returns types.ErrSyncInProgress without doing anything when a replay is
// already running.
func (r *Replayer) Resync(ctx context.Context) error {
	if !r.syncing.CompareAndSwap(false, true) {
		return types.ErrSyncInProgress
	}
	defer r.syncing.Store(false)

	r.logger.Info("blockchain resynchronization started")
	if err := r.clearDB(ctx); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	if err := r.play(ctx, 0); err != nil {
		return err
	}
	r.logger.Info("blockchain resynchronization finished",
		logging.Height(r.MaxBlock()))
	return nil
}

func (r *Replayer) play(ctx context.Context, fromHeight int64) (err error) {
	start := time.Now()
	r.metrics.SetSyncState(metrics.SyncStateSyncing)
	defer r.metrics.SetSyncState(metrics.SyncStateIdle)

	if !r.cfg.Verbose && r.sw != nil {
		prev := r.sw.Mute()
		defer r.sw.Restore(prev)
	}

	maxBlock := r.MaxBlock()
	ctx, span := r.tracer.Start(ctx, "replay.Play",
		trace.WithAttributes(
			attribute.Int64("replay.from", fromHeight),
			attribute.Int64("replay.to", maxBlock),
		))
	defer func() { tracing.End(span, err) }()

	var prev *types.Block
	for i := fromHeight; i <= maxBlock; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		block, err := r.store.LoadBlock(i)
		if err != nil {
			return r.corrupted(i, maxBlock, err, false)
		}

		if prev != nil && !block.LinksTo(prev) {
			r.alert.Error("hash link mismatch",
				logging.Height(i),
				logging.Hash(prev.Hash),
				logging.Reason("previous hash "+block.PreviousHash))
			return r.corrupted(i, maxBlock, errHashMismatch, true)
		}
		prev = block

		if err := r.HandleBlock(ctx, block); err != nil {
			r.logger.Warn("block handled with errors",
				logging.Height(i),
				logging.Error(err))
		}
		r.metrics.IncBlocksReplayed()
	}

	r.metrics.ObserveReplayDuration(time.Since(start))
	r.logger.Info("replay finished",
		logging.Height(maxBlock),
		logging.Duration(time.Since(start)))
	return nil
}

var errHashMismatch = errors.New("previous hash does not match")

// corrupted handles a corrupted block at index. With autofix it truncates the
// chain to index-1, first deleting index..maxBlock when dropTail is set.
func (r *Replayer) corrupted(index, maxBlock int64, cause error, dropTail bool) error {
	if !r.cfg.Autofix {
		r.metrics.IncChainCorruptions(metrics.CorruptionFatal)
		err := fmt.Errorf("%w in block %d: %w", types.ErrChainCorrupted, index, cause)
		r.alert.Error("saved chain corrupted, remove the block and index data to resync or use --autofix",
			logging.Height(index),
			logging.Error(cause))
		r.fatal(err)
		return err
	}

	r.metrics.IncChainCorruptions(metrics.CorruptionAutofix)
	if dropTail {
		r.alert.Info("autofix: deleting chain data", logging.Height(index))
		if err := r.deleteRange(index, maxBlock); err != nil {
			return fmt.Errorf("autofix: deleting blocks %d..%d: %w", index, maxBlock, err)
		}
	}

	if err := r.store.SetHeight(index - 1); err != nil {
		return fmt.Errorf("autofix: setting height %d: %w", index-1, err)
	}
	r.SetMaxBlock(index - 1)
	r.alert.Info("autofix: set new blockchain height",
		logging.Height(index-1),
		logging.Error(cause))
	return nil
}

func (r *Replayer) deleteRange(from, to int64) error {
	if rd, ok := r.store.(rangeDeleter); ok {
		return rd.DeleteRange(from, to)
	}
	for i := from; i <= to; i++ {
		if err := r.store.DeleteBlock(i); err != nil {
			return err
		}
	}
	return nil
}

// HandleBlock runs the keyring checks and handler dispatch for one block.
// A block whose payload is not JSON is logged and treated as handled. A
// rejected keyring skips the handlers. Handler failures are returned joined.
func (r *Replayer) HandleBlock(ctx context.Context, block *types.Block) (err error) {
	ctx, span := r.tracer.Start(ctx, "replay.HandleBlock",
		trace.WithAttributes(tracing.AttrHeight.Int64(block.Index)))
	defer func() { tracing.End(span, err) }()

	payload, err := block.Payload()
	if err != nil {
		r.logger.Info("not JSON block", logging.Height(block.Index))
		return nil
	}
	span.SetAttributes(tracing.AttrBlockType.String(payload.Type.String()))

	if err := r.gate.Check(block, payload); err != nil {
		if errors.Is(err, types.ErrFakeKeyring) {
			r.metrics.IncFakeKeyrings()
			return nil
		}
		return err
	}

	if err := r.registry.Dispatch(ctx, payload, block); err != nil {
		r.metrics.IncHandlerFailures(payload.Type.String())
		return err
	}
	return nil
}
