package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/tracing"
	"github.com/blockberries/replayberry/pkg/types"
)

// Deploy phase names, in execution order.
const (
	PhaseEvents                  = "events"
	PhaseNfts                    = "nfts"
	PhaseLockUnlock              = "lock_unlock"
	PhaseTransfers               = "transfers"
	PhaseTransfersByValidationID = "transfers_by_validation_id"
)

// RetryConfig bounds the retries of a single deploy phase.
type RetryConfig struct {
	// MaxAttempts is the number of tries per phase. Zero retries forever.
	MaxAttempts uint

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
	}
}

func (c RetryConfig) options(notify backoff.Notify) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		b.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		b.MaxInterval = c.MaxBackoff
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	}
}

// deployment is the state one Deploy works on. events, nfts and sets are
// snapshots taken when the Deploy starts.
type deployment struct {
	contract   string
	blockIndex int64
	buf        *contractBuffer
	events     []ContractEvent
	nfts       []NftMint
	sets       stagedSets
}

type phase struct {
	name string
	run  func(ctx context.Context, d *deployment) error

}

// Deploy commits the buffered effects of contract in block blockIndex. It runs
// five phases in order: events, NFT mints, lock/unlock updates, transfers and
// validation-id transfers. Each phase is one database transaction retried
// with exponential backoff. A phase that commits removes what it wrote from
// the buffer or the staged sets, so when every phase succeeds the block's
// buffer and the staged sets hold only what was added while Deploy ran.
//
// If a phase exhausts its retries Deploy returns types.ErrDeployFailed. The
// failed phase and the ones after it stay buffered and the next Deploy of the
// same block and contract picks them up along with anything emitted since.
func (idx *Indexer) Deploy(ctx context.Context, contract string, blockIndex int64) (err error) {
	idx.deployMu.Lock()
	defer idx.deployMu.Unlock()

	start := time.Now()
	ctx, span := idx.tracer.Start(ctx, "indexer.Deploy",
		trace.WithAttributes(
			tracing.AttrContract.String(contract),
			tracing.AttrHeight.Int64(blockIndex),
		))
	defer func() { tracing.End(span, err) }()

	idx.mu.Lock()
	buf := idx.buffer(blockIndex, contract)
	d := &deployment{
		contract:   contract,
		blockIndex: blockIndex,
		buf:        buf,
		events:     slices.Clone(buf.events),
		nfts:       slices.Clone(buf.nfts),
		sets: stagedSets{
			lockUnlock:              slices.Clone(idx.sets.lockUnlock),
			transfers:               slices.Clone(idx.sets.transfers),
			transfersByValidationID: slices.Clone(idx.sets.transfersByValidationID),
		},
	}
	idx.mu.Unlock()

	for _, p := range idx.phases() {
		if err := idx.runPhase(ctx, p, d); err != nil {
			return err
		}
		idx.completePhase(d, p)
	}

	idx.mu.Lock()
	key := bufferKey{blockIndex: blockIndex, contract: contract}
	if cur, ok := idx.buffers[key]; ok && cur == buf && len(buf.events) == 0 && len(buf.nfts) == 0 {
		delete(idx.buffers, key)
	}
	idx.mu.Unlock()

	idx.logger.Debug("block deployed",
		logging.Contract(contract),
		logging.Height(blockIndex),
		logging.Duration(time.Since(start)))
	return nil
}

func (idx *Indexer) phases() []phase {
	return []phase{
		{name: PhaseEvents, run: idx.deployEvents},
		{name: PhaseNfts, run: idx.deployNfts},
		{name: PhaseLockUnlock, run: idx.deployLockUnlock},
		{name: PhaseTransfers, run: idx.deployTransfers},
		{name: PhaseTransfersByValidationID, run: idx.deployTransfersByValidationID},
	}
}

// completePhase drops what phase p committed so a later Deploy does not
// repeat it.
func (idx *Indexer) completePhase(d *deployment, p phase) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	switch p.name {
	case PhaseEvents:
		d.buf.events = dropApplied(d.buf.events, len(d.events))
		d.events = nil
		return
	case PhaseNfts:
		d.buf.nfts = dropApplied(d.buf.nfts, len(d.nfts))
		d.nfts = nil
		return
	case PhaseLockUnlock:
		idx.sets.lockUnlock = dropApplied(idx.sets.lockUnlock, len(d.sets.lockUnlock))
	case PhaseTransfers:
		idx.sets.transfers = dropApplied(idx.sets.transfers, len(d.sets.transfers))
	case PhaseTransfersByValidationID:
		idx.sets.transfersByValidationID = dropApplied(idx.sets.transfersByValidationID, len(d.sets.transfersByValidationID))
	}
	idx.sets.rebuild()
}

// dropApplied removes the first n entries. The slice may have been reset while
// the phase ran.
func dropApplied[T any](s []T, n int) []T {
	return s[min(n, len(s)):]
}

func (idx *Indexer) runPhase(ctx context.Context, p phase, d *deployment) (err error) {
	start := time.Now()
	ctx, span := idx.tracer.Start(ctx, "indexer.Deploy."+p.name,
		trace.WithAttributes(tracing.AttrPhase.String(p.name)))
	defer func() { tracing.End(span, err) }()

	attempts := 0
	notify := func(err error, next time.Duration) {
		idx.metrics.IncDeployRetries(p.name)
		idx.logger.Error("deploy phase failed, retrying",
			logging.Phase(p.name),
			logging.Contract(d.contract),
			logging.Height(d.blockIndex),
			logging.Attempt(attempts),
			slog.Duration("retry_in", next),
			logging.Error(err))
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, p.run(ctx, d)
	}, idx.cfg.Retry.options(notify)...)

	span.SetAttributes(tracing.AttrAttempts.Int(attempts))
	idx.metrics.ObserveDeployPhase(p.name, time.Since(start))

	if err != nil {
		idx.metrics.IncDeployFailures(p.name)
		idx.logger.Error("deploy phase gave up",
			logging.Phase(p.name),
			logging.Contract(d.contract),
			logging.Height(d.blockIndex),
			logging.Attempt(attempts),
			logging.Error(err))
		return fmt.Errorf("%w: phase %s of block %d contract %s: %w",
			types.ErrDeployFailed, p.name, d.blockIndex, d.contract, err)
	}
	return nil
}

func (idx *Indexer) deployEvents(ctx context.Context, d *deployment) error {
	if len(d.events) == 0 {
		return nil
	}

	rows := make([]*Event, 0, len(d.events))
	for _, ev := range d.events {
		row := &Event{
			EventName:       ev.Name,
			ContractAddress: ev.ContractAddress,
			Timestamp:       ev.Timestamp,
			BlockIndex:      ev.BlockIndex,
			BlockHash:       ev.BlockHash,
		}
		row.setParams(ev.Params)
		rows = append(rows, row)
	}

	err := idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.CreateInBatches(rows, idx.cfg.BatchSize).Error
	})
	if err != nil {
		return err
	}

	idx.metrics.AddEventsIndexed(len(rows))
	for _, row := range rows {
		idx.notify(ctx, d.contract, row.EventName, row)
	}
	return nil
}

func (idx *Indexer) deployNfts(ctx context.Context, d *deployment) error {
	if len(d.nfts) == 0 {
		return nil
	}

	rows := make([]*NFT, 0, len(d.nfts))
	for _, m := range d.nfts {
		frozen := true
		if m.IsFreeze != nil {
			frozen = *m.IsFreeze
		}
		blockIndex := m.BlockIndex
		rows = append(rows, &NFT{
			Nonce:        m.Nonce,
			Owner:        m.Owner,
			ValidationID: m.ValidationID,
			BlockIndex:   &blockIndex,
			Data:         m.Data,
			IsFreeze:     &frozen,
		})
	}

	err := idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "nonce"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner"}),
		}).CreateInBatches(rows, idx.cfg.BatchSize).Error
	})
	if err != nil {
		return err
	}

	idx.metrics.AddNftsMinted(len(rows))
	for _, row := range rows {
		idx.notify(ctx, d.contract, NFTChangeEvent, row)
	}
	return nil
}

func (idx *Indexer) deployLockUnlock(ctx context.Context, d *deployment) error {
	return idx.applyEntries(ctx, d.sets.lockUnlock, func(e StagedEntry) (string, any) {
		return "is_freeze", e.IsFreeze
	})
}

func (idx *Indexer) deployTransfers(ctx context.Context, d *deployment) error {
	return idx.applyEntries(ctx, d.sets.transfers, func(e StagedEntry) (string, any) {
		return "owner", e.To
	})
}

func (idx *Indexer) deployTransfersByValidationID(ctx context.Context, d *deployment) error {
	return idx.applyEntries(ctx, d.sets.transfersByValidationID, func(e StagedEntry) (string, any) {
		return "owner", e.To
	})
}

// applyEntries updates one column for the nonces of every entry inside a
// single transaction.
func (idx *Indexer) applyEntries(ctx context.Context, entries []StagedEntry, column func(StagedEntry) (string, any)) error {
	if len(entries) == 0 {
		return nil
	}

	return idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			name, value := column(e)
			for part := range slices.Chunk(e.Nonces, sqlChunk) {
				err := tx.Model(&NFT{}).
					Where("nonce IN ?", part).
					Update(name, value).Error
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}
