// Package indexer buffers the effects contracts produce while a block executes
// (events, NFT mints, freezes and transfers) and commits them to a relational
// index in a fixed phase order once the block is deployed.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/metrics"
	"github.com/blockberries/replayberry/pkg/tracing"
	"github.com/blockberries/replayberry/pkg/types"
)

// NFTChangeEvent is the listener event name notified for every persisted mint.
const NFTChangeEvent = "NFT change"

// DefaultNonceChunk is the largest number of nonces held by one staged entry.
const DefaultNonceChunk = 100_000

// ErrInvalidEvent is returned when a buffered event or mint lacks required fields.
var ErrInvalidEvent = errors.New("invalid contract event")

// Config controls buffering and deploy behaviour.
type Config struct {
	// BatchSize is the number of rows per INSERT statement.
	BatchSize int

	// NonceChunk caps the nonces per staged entry.
	NonceChunk int

	// RollbackDropsBuffer makes Rollback discard the block's buffer and the
	// staged NFT sets. Persisted rows are never touched.
	RollbackDropsBuffer bool

	// Retry bounds the attempts of every deploy phase.
	Retry RetryConfig
}

// DefaultConfig returns the default indexer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:  1000,
		NonceChunk: DefaultNonceChunk,
		Retry:      DefaultRetryConfig(),
	}
}

// ContractEvent is a contract event waiting for deploy. Params are stored
// positionally in V1..V10.
type ContractEvent struct {
	Name            string
	ContractAddress string
	BlockIndex      int64
	BlockHash       string
	Timestamp       int64
	Params          []string
}

// NftMint is an NFT mint waiting for deploy. A nil IsFreeze mints a frozen
// token.
type NftMint struct {
	ContractAddress string
	BlockIndex      int64
	Nonce           int64
	Owner           string
	ValidationID    *int64
	Data            *string
	IsFreeze        *bool
}

// Listener is notified after a record is persisted. Record is *Event for
// contract events and *NFT for NFTChangeEvent.
type Listener func(ctx context.Context, contract, event string, record any)

type bufferKey struct {
	blockIndex int64
	contract   string
}

// contractBuffer holds the per block and contract mutations.
type contractBuffer struct {
	events []ContractEvent
	nfts   []NftMint
}

// Indexer is the event and NFT index. Buffers are keyed by block index and
// contract address. The three staged NFT sets are shared by all contracts.
type Indexer struct {
	db      *gorm.DB
	cfg     Config
	logger  *logging.Logger
	metrics metrics.Metrics
	tracer  trace.Tracer

	buffers   map[bufferKey]*contractBuffer
	sets      stagedSets
	listeners map[string][]Listener
	mu        sync.Mutex

	// deployMu serializes Deploy calls.
	deployMu sync.Mutex
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(idx *Indexer) {
		idx.logger = l
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(idx *Indexer) {
		idx.metrics = m
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(idx *Indexer) {
		idx.tracer = t
	}
}

// New creates an indexer over an opened and migrated database.
func New(db *gorm.DB, cfg Config, opts ...Option) *Indexer {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.NonceChunk <= 0 {
		cfg.NonceChunk = def.NonceChunk
	}

	idx := &Indexer{
		db:        db,
		cfg:       cfg,
		logger:    logging.NewNopLogger(),
		metrics:   metrics.NewNopMetrics(),
		tracer:    tracing.NopTracer(),
		buffers:   make(map[bufferKey]*contractBuffer),
		sets:      newStagedSets(),
		listeners: make(map[string][]Listener),
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = idx.logger.WithComponent("indexer")
	return idx
}

// DB returns the underlying database handle.
func (idx *Indexer) DB() *gorm.DB {
	return idx.db
}

func (idx *Indexer) buffer(blockIndex int64, contract string) *contractBuffer {
	key := bufferKey{blockIndex: blockIndex, contract: contract}
	buf, ok := idx.buffers[key]
	if !ok {
		buf = &contractBuffer{}
		idx.buffers[key] = buf
	}
	return buf
}

// EmitEvent buffers a contract event for its block and contract.
func (idx *Indexer) EmitEvent(ev ContractEvent) error {
	if ev.Name == "" || ev.ContractAddress == "" {
		return fmt.Errorf("%w: name and contract address are required", ErrInvalidEvent)
	}
	if len(ev.Params) > MaxEventParams {
		return fmt.Errorf("%w: %d params, at most %d", ErrInvalidEvent, len(ev.Params), MaxEventParams)
	}

	ev.Params = append([]string(nil), ev.Params...)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	buf := idx.buffer(ev.BlockIndex, ev.ContractAddress)
	buf.events = append(buf.events, ev)
	return nil
}

// EmitNftMint buffers an NFT mint for its block and contract.
func (idx *Indexer) EmitNftMint(mint NftMint) error {
	if mint.ContractAddress == "" || mint.Owner == "" {
		return fmt.Errorf("%w: contract address and owner are required", ErrInvalidEvent)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	buf := idx.buffer(mint.BlockIndex, mint.ContractAddress)
	buf.nfts = append(buf.nfts, mint)
	return nil
}

// Pending returns the number of buffered events and mints for a block and
// contract.
func (idx *Indexer) Pending(contract string, blockIndex int64) (events, nfts int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf, ok := idx.buffers[bufferKey{blockIndex: blockIndex, contract: contract}]
	if !ok {
		return 0, 0
	}
	return len(buf.events), len(buf.nfts)
}

// AddEventHandler registers fn for events named event emitted by contract and
// returns the listener key.
func (idx *Indexer) AddEventHandler(contract, event string, fn Listener) string {
	key := listenerKey(contract, event)
	if fn == nil {
		return key
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.listeners[key] = append(idx.listeners[key], fn)
	return key
}

func listenerKey(contract, event string) string {
	return contract + "_" + event
}

func (idx *Indexer) notify(ctx context.Context, contract, event string, record any) {
	idx.mu.Lock()
	list := append([]Listener(nil), idx.listeners[listenerKey(contract, event)]...)
	idx.mu.Unlock()

	for _, fn := range list {
		fn(ctx, contract, event, record)
	}
}

// CreateBlockHeaderData records the block header, creating or updating the
// row keyed by block index.
func (idx *Indexer) CreateBlockHeaderData(ctx context.Context, payload *types.Payload, block *types.Block) error {
	header := BlockHeader{
		BlockIndex: block.Index,
		Hash:       block.Hash,
		Type:       payload.Type.String(),
	}

	err := idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing BlockHeader
		err := tx.Where("block_index = ?", header.BlockIndex).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&header).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&existing).Updates(map[string]any{
			"hash": header.Hash,
			"type": header.Type,
		}).Error
	})
	if err != nil {
		return types.WrapHeightError(fmt.Errorf("recording block header: %w", err), block.Index)
	}
	return nil
}

// RegisterBlockHandlers registers the header recorder for every indexed
// payload type.
func (idx *Indexer) RegisterBlockHandlers(registry *handlers.Registry) {
	for _, typ := range types.IndexedPayloadTypes {
		registry.Register(typ, idx.CreateBlockHeaderData)
	}
}

// HandleBlockReplay drops the buffers of a block and deletes the events and
// NFTs persisted for it, so the block can be executed again.
func (idx *Indexer) HandleBlockReplay(ctx context.Context, blockIndex int64) error {
	idx.mu.Lock()
	for key := range idx.buffers {
		if key.blockIndex == blockIndex {
			delete(idx.buffers, key)
		}
	}
	idx.mu.Unlock()

	err := idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("block_index = ?", blockIndex).Delete(&Event{}).Error; err != nil {
			return err
		}
		return tx.Where("block_index = ?", blockIndex).Delete(&NFT{}).Error
	})
	if err != nil {
		return types.WrapHeightError(fmt.Errorf("deleting replayed rows: %w", err), blockIndex)
	}
	return nil
}

// Rollback is a no-op unless RollbackDropsBuffer is set, in which case the
// block's buffer and the staged NFT sets are discarded. Persisted rows are
// never removed.
func (idx *Indexer) Rollback(contract string, blockIndex int64) error {
	if !idx.cfg.RollbackDropsBuffer {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.buffers, bufferKey{blockIndex: blockIndex, contract: contract})
	idx.sets.reset()
	return nil
}

// Flush is a no-op. Deploy already writes through.
func (idx *Indexer) Flush() error {
	return nil
}

// ClearDB deletes every indexed row and drops all buffered state.
func (idx *Indexer) ClearDB(ctx context.Context) error {
	start := time.Now()

	idx.mu.Lock()
	idx.buffers = make(map[bufferKey]*contractBuffer)
	idx.sets.reset()
	idx.mu.Unlock()

	err := idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tx = tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range allModels {
			if err := tx.Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}

	idx.logger.Info("index cleared", logging.Duration(time.Since(start)))
	return nil
}

// Close closes the database connection.
func (idx *Indexer) Close() error {
	sqlDB, err := idx.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
