package indexer

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/blockberries/replayberry/pkg/metrics"
	"github.com/blockberries/replayberry/pkg/types"
)

// sqlChunk caps the values bound into one IN clause.
const sqlChunk = 500

// StagedEntry is a batch of nonces whose freeze flag or owner changes on the
// next Deploy.
type StagedEntry struct {
	// Owner is the current owner (the sender for transfers).
	Owner string

	// To is the new owner. Empty for lock and unlock entries.
	To string

	ValidationID *int64
	Amount       decimal.Decimal
	IsFreeze     bool
	Nonces       []int64
}

// stagedSets holds the undeployed NFT mutations. used indexes every nonce in
// any of the three sets: a nonce staged once cannot be staged again before
// Deploy, whichever operation staged it.
type stagedSets struct {
	lockUnlock              []StagedEntry
	transfers               []StagedEntry
	transfersByValidationID []StagedEntry
	used                    map[int64]struct{}
}

func newStagedSets() stagedSets {
	return stagedSets{used: make(map[int64]struct{})}
}

func (s *stagedSets) reset() {
	*s = newStagedSets()
}

func (s *stagedSets) add(set *[]StagedEntry, entry StagedEntry) {
	*set = append(*set, entry)
	for _, n := range entry.Nonces {
		s.used[n] = struct{}{}
	}
}

// rebuild recomputes used from the remaining entries.
func (s *stagedSets) rebuild() {
	s.used = make(map[int64]struct{})
	for _, set := range [][]StagedEntry{s.lockUnlock, s.transfers, s.transfersByValidationID} {
		for _, e := range set {
			for _, n := range e.Nonces {
				s.used[n] = struct{}{}
			}
		}
	}
}

func (s *stagedSets) excluded() []int64 {
	nonces := make([]int64, 0, len(s.used))
	for n := range s.used {
		nonces = append(nonces, n)
	}
	slices.Sort(nonces)
	return nonces
}

// StagedNonces returns every nonce staged and not yet deployed, sorted.
func (idx *Indexer) StagedNonces() []int64 {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.sets.excluded()
}

// StagedEntries returns copies of the lock/unlock, transfer and
// validation-id transfer sets.
func (idx *Indexer) StagedEntries() (lockUnlock, transfers, byValidationID []StagedEntry) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return slices.Clone(idx.sets.lockUnlock), slices.Clone(idx.sets.transfers), slices.Clone(idx.sets.transfersByValidationID)
}

// StageLockUnlock stages amount NFTs of owner for freezing (isFreeze true) or
// unfreezing. Only tokens currently in the opposite state are eligible. A nil
// validationID matches every validation batch. It returns the staged nonces.
func (idx *Indexer) StageLockUnlock(ctx context.Context, amount decimal.Decimal, validationID *int64, owner string, isFreeze bool) ([]int64, error) {
	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("owner = ? AND is_freeze = ?", owner, !isFreeze)
		if validationID != nil {
			q = q.Where("validation_id = ?", *validationID)
		}
		return q
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nonces, err := idx.selectNonces(ctx, metrics.OpLockUnlock, scope, amount)
	if err != nil {
		return nil, err
	}

	idx.stage(&idx.sets.lockUnlock, nonces, StagedEntry{
		Owner:        owner,
		ValidationID: validationID,
		Amount:       amount,
		IsFreeze:     isFreeze,
	})
	return nonces, nil
}

// StageTransfer stages amount unfrozen NFTs owned by from for transfer to to.
func (idx *Indexer) StageTransfer(ctx context.Context, from, to string, amount decimal.Decimal) error {
	scope := func(q *gorm.DB) *gorm.DB {
		return q.Where("owner = ? AND is_freeze = ?", from, false)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nonces, err := idx.selectNonces(ctx, metrics.OpTransfer, scope, amount)
	if err != nil {
		return err
	}

	idx.stage(&idx.sets.transfers, nonces, StagedEntry{
		Owner:  from,
		To:     to,
		Amount: amount,
	})
	return nil
}

// StageTransferByValidationID stages amount NFTs owned by from in the given
// freeze state for transfer to to. validationID narrows the pool only when it
// is an integer.
func (idx *Indexer) StageTransferByValidationID(ctx context.Context, validationID string, isFreeze bool, from, to string, amount decimal.Decimal) error {
	var vid *int64
	if v, err := strconv.ParseInt(strings.TrimSpace(validationID), 10, 64); err == nil {
		vid = &v
	}

	scope := func(q *gorm.DB) *gorm.DB {
		q = q.Where("owner = ? AND is_freeze = ?", from, isFreeze)
		if vid != nil {
			q = q.Where("validation_id = ?", *vid)
		}
		return q
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	nonces, err := idx.selectNonces(ctx, metrics.OpTransferByValidationID, scope, amount)
	if err != nil {
		return err
	}

	idx.stage(&idx.sets.transfersByValidationID, nonces, StagedEntry{
		Owner:        from,
		To:           to,
		ValidationID: vid,
		Amount:       amount,
		IsFreeze:     isFreeze,
	})
	return nil
}

// stage splits nonces into entries of at most NonceChunk nonces. Callers hold mu.
func (idx *Indexer) stage(set *[]StagedEntry, nonces []int64, tmpl StagedEntry) {
	for part := range slices.Chunk(nonces, idx.cfg.NonceChunk) {
		entry := tmpl
		entry.Nonces = slices.Clone(part)
		idx.sets.add(set, entry)
	}
}

// selectNonces picks amount persisted nonces matching scope that are not
// already staged. It pages through the scope in nonce order and stops once
// amount nonces are found, so the cost follows the rows read and not the
// size of the staged sets. Callers hold mu.
func (idx *Indexer) selectNonces(ctx context.Context, op string, scope func(*gorm.DB) *gorm.DB, amount decimal.Decimal) ([]int64, error) {
	if !amount.IsInteger() || amount.IsNegative() {
		return nil, fmt.Errorf("%w: %s", types.ErrInvalidAmount, amount.String())
	}

	// Amounts beyond int64 can never be met; scanning the whole scope still
	// reports how many nonces are available.
	want := int64(math.MaxInt64)
	if amount.LessThan(decimal.NewFromInt(math.MaxInt64)) {
		want = amount.IntPart()
	}
	if want == 0 {
		return nil, nil
	}

	db := idx.db.WithContext(ctx)
	pageSize := max(idx.cfg.BatchSize, sqlChunk)

	var (
		nonces = make([]int64, 0, min(want, int64(pageSize)))
		cursor *int64
	)
	for {
		q := scope(db.Model(&NFT{}))
		if cursor != nil {
			q = q.Where("nonce > ?", *cursor)
		}

		var page []int64
		if err := q.Order("nonce").Limit(pageSize).Pluck("nonce", &page).Error; err != nil {
			return nil, fmt.Errorf("selecting nfts: %w", err)
		}

		for _, n := range page {
			if _, used := idx.sets.used[n]; used {
				continue
			}
			nonces = append(nonces, n)
			if int64(len(nonces)) == want {
				return nonces, nil
			}
		}

		if len(page) < pageSize {
			break
		}
		cursor = &page[len(page)-1]
	}

	idx.metrics.IncStagingRejected(op)
	return nil, &types.InsufficientSupplyError{
		Requested: amount,
		Available: decimal.NewFromInt(int64(len(nonces))),
	}
}
