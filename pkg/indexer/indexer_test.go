package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/types"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Retry = RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	return cfg
}

func newTestIndexer(t *testing.T, cfg Config) *Indexer {
	t.Helper()
	db, err := Open(DialectSQLite, ":memory:", nil)
	require.NoError(t, err)
	idx := New(db, cfg)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func ptr[T any](v T) *T {
	return &v
}

func seedNFTs(t *testing.T, idx *Indexer, owner string, frozen bool, validationID *int64, nonces ...int64) {
	t.Helper()
	for _, n := range nonces {
		require.NoError(t, idx.DB().Create(&NFT{
			Nonce:        n,
			Owner:        owner,
			ValidationID: validationID,
			IsFreeze:     ptr(frozen),
		}).Error)
	}
}

func countOwned(t *testing.T, idx *Indexer, owner string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, idx.DB().Model(&NFT{}).Where("owner = ?", owner).Count(&n).Error)
	return n
}

func amount(n int64) decimal.Decimal {
	return decimal.NewFromInt(n)
}

func TestOpen(t *testing.T) {
	_, err := Open("oracle", "", nil)
	require.ErrorIs(t, err, ErrUnknownDialect)

	db, err := Open(DialectSQLite, ":memory:", nil)
	require.NoError(t, err)
	for _, model := range allModels {
		require.True(t, db.Migrator().HasTable(model))
	}
}

func TestStageTransferExcludesStagedNonces(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, nil, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(4)))
	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(4)))
	require.Len(t, idx.StagedNonces(), 8)

	err := idx.StageTransfer(ctx, "A", "B", amount(4))
	require.ErrorIs(t, err, types.ErrInsufficientSupply)
	var supplyErr *types.InsufficientSupplyError
	require.True(t, errors.As(err, &supplyErr))
	require.True(t, supplyErr.Available.Equal(amount(2)))
	require.True(t, supplyErr.Requested.Equal(amount(4)))
	require.Len(t, idx.StagedNonces(), 8)

	require.NoError(t, idx.Deploy(ctx, "contract", 1))
	require.Equal(t, int64(8), countOwned(t, idx, "B"))
	require.Equal(t, int64(2), countOwned(t, idx, "A"))
	require.Empty(t, idx.StagedNonces())
}

func TestStageTransferSkipsFrozen(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, nil, 1, 2)
	seedNFTs(t, idx, "A", true, nil, 3, 4, 5)

	err := idx.StageTransfer(ctx, "A", "B", amount(3))
	require.ErrorIs(t, err, types.ErrInsufficientSupply)
	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(2)))
	require.Equal(t, []int64{1, 2}, idx.StagedNonces())
}

func TestStageAmountValidation(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, nil, 1, 2)

	require.ErrorIs(t, idx.StageTransfer(ctx, "A", "B", amount(-1)), types.ErrInvalidAmount)
	require.ErrorIs(t, idx.StageTransfer(ctx, "A", "B", decimal.RequireFromString("1.5")), types.ErrInvalidAmount)

	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(0)))
	require.Empty(t, idx.StagedNonces())

	huge := decimal.RequireFromString("100000000000000000000000000")
	err := idx.StageTransfer(ctx, "A", "B", huge)
	require.ErrorIs(t, err, types.ErrInsufficientSupply)
	var supplyErr *types.InsufficientSupplyError
	require.True(t, errors.As(err, &supplyErr))
	require.True(t, supplyErr.Available.Equal(amount(2)))
}

func TestStageLockUnlock(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, ptr(int64(7)), 1, 2, 3, 4, 5)
	seedNFTs(t, idx, "A", false, ptr(int64(8)), 6)

	t.Run("rejects more than available", func(t *testing.T) {
		_, err := idx.StageLockUnlock(ctx, amount(6), ptr(int64(7)), "A", true)
		var supplyErr *types.InsufficientSupplyError
		require.True(t, errors.As(err, &supplyErr))
		require.True(t, supplyErr.Available.Equal(amount(5)))
		require.Empty(t, idx.StagedNonces())
	})

	t.Run("freezes selected nonces on deploy", func(t *testing.T) {
		nonces, err := idx.StageLockUnlock(ctx, amount(3), ptr(int64(7)), "A", true)
		require.NoError(t, err)
		require.Len(t, nonces, 3)

		_, err = idx.StageLockUnlock(ctx, amount(3), ptr(int64(7)), "A", true)
		require.ErrorIs(t, err, types.ErrInsufficientSupply)

		require.NoError(t, idx.Deploy(ctx, "contract", 1))

		var frozen int64
		require.NoError(t, idx.DB().Model(&NFT{}).Where("is_freeze = ?", true).Count(&frozen).Error)
		require.Equal(t, int64(3), frozen)
	})

	t.Run("unlock only considers frozen tokens", func(t *testing.T) {
		_, err := idx.StageLockUnlock(ctx, amount(4), ptr(int64(7)), "A", false)
		require.ErrorIs(t, err, types.ErrInsufficientSupply)

		nonces, err := idx.StageLockUnlock(ctx, amount(3), nil, "A", false)
		require.NoError(t, err)
		require.Len(t, nonces, 3)
	})
}

func TestStageTransferByValidationID(t *testing.T) {
	ctx := context.Background()

	t.Run("numeric id filters the pool", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		seedNFTs(t, idx, "A", false, ptr(int64(1)), 1, 2)
		seedNFTs(t, idx, "A", false, ptr(int64(2)), 3, 4, 5)

		err := idx.StageTransferByValidationID(ctx, "1", false, "A", "B", amount(3))
		require.ErrorIs(t, err, types.ErrInsufficientSupply)

		require.NoError(t, idx.StageTransferByValidationID(ctx, "2", false, "A", "B", amount(3)))
		require.Equal(t, []int64{3, 4, 5}, idx.StagedNonces())

		require.NoError(t, idx.Deploy(ctx, "contract", 1))
		require.Equal(t, int64(3), countOwned(t, idx, "B"))
	})

	t.Run("non numeric id matches every batch", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		seedNFTs(t, idx, "A", true, ptr(int64(1)), 1, 2)
		seedNFTs(t, idx, "A", true, ptr(int64(2)), 3)

		require.NoError(t, idx.StageTransferByValidationID(ctx, "any", true, "A", "B", amount(3)))
		_, _, byValidation := idx.StagedEntries()
		require.Len(t, byValidation, 1)
		require.Nil(t, byValidation[0].ValidationID)
	})

	t.Run("shares the staged pool with plain transfers", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		seedNFTs(t, idx, "A", false, ptr(int64(1)), 1, 2, 3, 4)

		require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(3)))
		err := idx.StageTransferByValidationID(ctx, "1", false, "A", "C", amount(2))
		var supplyErr *types.InsufficientSupplyError
		require.True(t, errors.As(err, &supplyErr))
		require.True(t, supplyErr.Available.Equal(amount(1)))

		require.NoError(t, idx.StageTransferByValidationID(ctx, "1", false, "A", "C", amount(1)))
		require.NoError(t, idx.Deploy(ctx, "contract", 1))
		require.Equal(t, int64(3), countOwned(t, idx, "B"))
		require.Equal(t, int64(1), countOwned(t, idx, "C"))
	})
}

func TestStageTransferPagesPastStagedNonces(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())

	rows := make([]*NFT, 0, 1200)
	for n := int64(1); n <= 1200; n++ {
		rows = append(rows, &NFT{Nonce: n, Owner: "A", IsFreeze: ptr(false)})
	}
	require.NoError(t, idx.DB().CreateInBatches(rows, 100).Error)

	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(1100)))
	require.NoError(t, idx.StageTransfer(ctx, "A", "C", amount(100)))

	_, transfers, _ := idx.StagedEntries()
	require.Len(t, transfers, 2)
	require.Equal(t, int64(1101), transfers[1].Nonces[0])
	require.Equal(t, int64(1200), transfers[1].Nonces[99])

	err := idx.StageTransfer(ctx, "A", "D", amount(1))
	var supplyErr *types.InsufficientSupplyError
	require.True(t, errors.As(err, &supplyErr))
	require.True(t, supplyErr.Available.IsZero())
}

func TestStageChunking(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.NonceChunk = 3
	idx := newTestIndexer(t, cfg)
	seedNFTs(t, idx, "A", false, nil, 1, 2, 3, 4, 5, 6, 7)

	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(7)))

	_, transfers, _ := idx.StagedEntries()
	require.Len(t, transfers, 3)
	require.Len(t, transfers[0].Nonces, 3)
	require.Len(t, transfers[1].Nonces, 3)
	require.Len(t, transfers[2].Nonces, 1)
}

func TestEmitEventDeploy(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())

	var notified []*Event
	key := idx.AddEventHandler("c1", "Transfer", func(_ context.Context, contract, event string, record any) {
		require.Equal(t, "c1", contract)
		require.Equal(t, "Transfer", event)
		notified = append(notified, record.(*Event))
	})
	require.Equal(t, "c1_Transfer", key)

	require.NoError(t, idx.EmitEvent(ContractEvent{
		Name:            "Transfer",
		ContractAddress: "c1",
		BlockIndex:      4,
		BlockHash:       "h4",
		Timestamp:       1234,
		Params:          []string{"alice", "bob", "10"},
	}))
	require.NoError(t, idx.EmitEvent(ContractEvent{
		Name:            "Mint",
		ContractAddress: "c1",
		BlockIndex:      4,
		BlockHash:       "h4",
		Timestamp:       1235,
	}))

	events, _ := idx.Pending("c1", 4)
	require.Equal(t, 2, events)

	require.NoError(t, idx.Deploy(ctx, "c1", 4))

	var rows []Event
	require.NoError(t, idx.DB().Order("id").Find(&rows).Error)
	require.Len(t, rows, 2)

	transfer := rows[0]
	require.Equal(t, "Transfer", transfer.EventName)
	require.Equal(t, "c1", transfer.ContractAddress)
	require.Equal(t, int64(4), transfer.BlockIndex)
	require.Equal(t, "h4", transfer.BlockHash)
	require.Equal(t, int64(1234), transfer.Timestamp)
	require.Equal(t, "alice", *transfer.V1)
	require.Equal(t, "bob", *transfer.V2)
	require.Equal(t, "10", *transfer.V3)
	require.Nil(t, transfer.V4)
	require.Nil(t, transfer.V10)
	require.Len(t, transfer.Params(), 3)
	require.Empty(t, rows[1].Params())

	require.Len(t, notified, 1)
	require.NotZero(t, notified[0].ID)

	events, nfts := idx.Pending("c1", 4)
	require.Zero(t, events)
	require.Zero(t, nfts)
}

func TestEmitEventValidation(t *testing.T) {
	idx := newTestIndexer(t, testConfig())

	require.ErrorIs(t, idx.EmitEvent(ContractEvent{ContractAddress: "c1"}), ErrInvalidEvent)
	require.ErrorIs(t, idx.EmitEvent(ContractEvent{
		Name:            "Big",
		ContractAddress: "c1",
		Params:          make([]string, MaxEventParams+1),
	}), ErrInvalidEvent)
	require.ErrorIs(t, idx.EmitNftMint(NftMint{ContractAddress: "c1"}), ErrInvalidEvent)
}

func TestEmitNftMintDeploy(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())

	changes := 0
	idx.AddEventHandler("c1", NFTChangeEvent, func(_ context.Context, _, _ string, record any) {
		_, ok := record.(*NFT)
		require.True(t, ok)
		changes++
	})

	require.NoError(t, idx.EmitNftMint(NftMint{
		ContractAddress: "c1",
		BlockIndex:      2,
		Nonce:           1,
		Owner:           "A",
		ValidationID:    ptr(int64(9)),
		Data:            ptr("meta"),
	}))
	require.NoError(t, idx.EmitNftMint(NftMint{
		ContractAddress: "c1",
		BlockIndex:      2,
		Nonce:           2,
		Owner:           "A",
		IsFreeze:        ptr(false),
	}))
	require.NoError(t, idx.Deploy(ctx, "c1", 2))
	require.Equal(t, 2, changes)

	var first, second NFT
	require.NoError(t, idx.DB().Take(&first, 1).Error)
	require.NoError(t, idx.DB().Take(&second, 2).Error)
	require.True(t, first.Frozen())
	require.False(t, second.Frozen())
	require.Equal(t, int64(2), *first.BlockIndex)
	require.Equal(t, int64(9), *first.ValidationID)

	t.Run("conflict updates owner only", func(t *testing.T) {
		require.NoError(t, idx.EmitNftMint(NftMint{
			ContractAddress: "c1",
			BlockIndex:      3,
			Nonce:           1,
			Owner:           "B",
			Data:            ptr("other"),
		}))
		require.NoError(t, idx.Deploy(ctx, "c1", 3))

		var nft NFT
		require.NoError(t, idx.DB().Take(&nft, 1).Error)
		require.Equal(t, "B", nft.Owner)
		require.Equal(t, "meta", *nft.Data)
		require.Equal(t, int64(2), *nft.BlockIndex)
	})
}

func TestDeployPhaseOrder(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, nil, 1, 2, 3)

	var order []string
	db := idx.DB()
	require.NoError(t, db.Callback().Create().After("gorm:create").Register("test:order", func(tx *gorm.DB) {
		order = append(order, "create:"+tx.Statement.Table)
	}))
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:order", func(tx *gorm.DB) {
		if dest, ok := tx.Statement.Dest.(map[string]any); ok {
			for column := range dest {
				order = append(order, "update:"+column)
			}
		}
	}))

	require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
	require.NoError(t, idx.EmitNftMint(NftMint{ContractAddress: "c1", BlockIndex: 1, Nonce: 50, Owner: "A", IsFreeze: ptr(false)}))

	_, err := idx.StageLockUnlock(ctx, amount(1), nil, "A", true)
	require.NoError(t, err)
	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(1)))
	require.NoError(t, idx.StageTransferByValidationID(ctx, "", false, "A", "C", amount(1)))

	// A transfer of the nonce minted in this same cycle only lands if the
	// mint phase runs before the transfer phase.
	idx.mu.Lock()
	idx.sets.add(&idx.sets.transfers, StagedEntry{Owner: "A", To: "D", Nonces: []int64{50}})
	idx.mu.Unlock()

	require.NoError(t, idx.Deploy(ctx, "c1", 1))
	require.Equal(t, []string{
		"create:events",
		"create:nfts",
		"update:is_freeze",
		"update:owner",
		"update:owner",
		"update:owner",
	}, order)

	var minted NFT
	require.NoError(t, idx.DB().Take(&minted, 50).Error)
	require.Equal(t, "D", minted.Owner)

	var locked NFT
	require.NoError(t, idx.DB().Take(&locked, 1).Error)
	require.True(t, locked.Frozen())
	require.Equal(t, "A", locked.Owner)
	require.Equal(t, int64(1), countOwned(t, idx, "B"))
	require.Equal(t, int64(1), countOwned(t, idx, "C"))
}

func TestDeployRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failure is retried", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		failures := 2
		require.NoError(t, idx.DB().Callback().Create().Before("gorm:create").Register("test:fail", func(tx *gorm.DB) {
			if tx.Statement.Table == "events" && failures > 0 {
				failures--
				_ = tx.AddError(errors.New("transient"))
			}
		}))

		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.Deploy(ctx, "c1", 1))

		var n int64
		require.NoError(t, idx.DB().Model(&Event{}).Count(&n).Error)
		require.Equal(t, int64(1), n)
		require.Zero(t, failures)
	})

	t.Run("exhausted retries keep the buffer and resume", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		failNfts := true
		require.NoError(t, idx.DB().Callback().Create().Before("gorm:create").Register("test:fail", func(tx *gorm.DB) {
			if tx.Statement.Table == "nfts" && failNfts {
				_ = tx.AddError(errors.New("disk full"))
			}
		}))

		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.EmitNftMint(NftMint{ContractAddress: "c1", BlockIndex: 1, Nonce: 1, Owner: "A"}))

		err := idx.Deploy(ctx, "c1", 1)
		require.ErrorIs(t, err, types.ErrDeployFailed)
		require.Contains(t, err.Error(), PhaseNfts)

		events, nfts := idx.Pending("c1", 1)
		require.Zero(t, events)
		require.Equal(t, 1, nfts)

		failNfts = false
		require.NoError(t, idx.Deploy(ctx, "c1", 1))

		var eventRows, nftRows int64
		require.NoError(t, idx.DB().Model(&Event{}).Count(&eventRows).Error)
		require.NoError(t, idx.DB().Model(&NFT{}).Count(&nftRows).Error)
		require.Equal(t, int64(1), eventRows)
		require.Equal(t, int64(1), nftRows)

		events, nfts = idx.Pending("c1", 1)
		require.Zero(t, events)
		require.Zero(t, nfts)
	})

	t.Run("events emitted after a failed deploy are persisted", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		failNfts := true
		require.NoError(t, idx.DB().Callback().Create().Before("gorm:create").Register("test:fail", func(tx *gorm.DB) {
			if tx.Statement.Table == "nfts" && failNfts {
				_ = tx.AddError(errors.New("disk full"))
			}
		}))

		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E1", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.EmitNftMint(NftMint{ContractAddress: "c1", BlockIndex: 1, Nonce: 1, Owner: "A"}))
		require.ErrorIs(t, idx.Deploy(ctx, "c1", 1), types.ErrDeployFailed)

		failNfts = false
		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E2", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.Deploy(ctx, "c1", 1))

		var names []string
		require.NoError(t, idx.DB().Model(&Event{}).Order("id").Pluck("event_name", &names).Error)
		require.Equal(t, []string{"E1", "E2"}, names)

		var nftRows int64
		require.NoError(t, idx.DB().Model(&NFT{}).Count(&nftRows).Error)
		require.Equal(t, int64(1), nftRows)
	})

	t.Run("cancelled context stops retrying", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry.MaxAttempts = 0
		idx := newTestIndexer(t, cfg)
		require.NoError(t, idx.DB().Callback().Create().Before("gorm:create").Register("test:fail", func(tx *gorm.DB) {
			_ = tx.AddError(errors.New("down"))
		}))
		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.Error(t, idx.Deploy(ctx, "c1", 1))
	})
}

func TestCreateBlockHeaderData(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	registry := handlers.NewRegistry(nil)
	idx.RegisterBlockHandlers(registry)

	for _, typ := range types.IndexedPayloadTypes {
		require.Equal(t, 1, registry.Handlers(typ))
	}

	block := types.NewBlock(3, "prev", 1000, []byte(`{"type":"Keyring","keys":[]}`))
	payload, err := block.Payload()
	require.NoError(t, err)
	require.NoError(t, registry.Dispatch(ctx, payload, block))

	var header BlockHeader
	require.NoError(t, idx.DB().Take(&header, 3).Error)
	require.Equal(t, block.Hash, header.Hash)
	require.Equal(t, "Keyring", header.Type)

	t.Run("second record updates the row", func(t *testing.T) {
		other := types.NewBlock(3, "other", 2000, []byte(`{"type":"Empty"}`))
		p, err := other.Payload()
		require.NoError(t, err)
		require.NoError(t, idx.CreateBlockHeaderData(ctx, p, other))

		var headers []BlockHeader
		require.NoError(t, idx.DB().Find(&headers).Error)
		require.Len(t, headers, 1)
		require.Equal(t, other.Hash, headers[0].Hash)
		require.Equal(t, "Empty", headers[0].Type)
	})
}

func TestHandleBlockReplay(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())

	for _, block := range []int64{5, 6} {
		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: block}))
		require.NoError(t, idx.EmitNftMint(NftMint{ContractAddress: "c1", BlockIndex: block, Nonce: block, Owner: "A"}))
		require.NoError(t, idx.Deploy(ctx, "c1", block))
	}
	require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c2", BlockIndex: 5}))

	require.NoError(t, idx.HandleBlockReplay(ctx, 5))

	var events []Event
	require.NoError(t, idx.DB().Find(&events).Error)
	require.Len(t, events, 1)
	require.Equal(t, int64(6), events[0].BlockIndex)

	var nfts []NFT
	require.NoError(t, idx.DB().Find(&nfts).Error)
	require.Len(t, nfts, 1)
	require.Equal(t, int64(6), nfts[0].Nonce)

	pending, _ := idx.Pending("c2", 5)
	require.Zero(t, pending)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("default is a no-op", func(t *testing.T) {
		idx := newTestIndexer(t, testConfig())
		seedNFTs(t, idx, "A", false, nil, 1)
		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(1)))

		require.NoError(t, idx.Rollback("c1", 1))
		events, _ := idx.Pending("c1", 1)
		require.Equal(t, 1, events)
		require.Len(t, idx.StagedNonces(), 1)
	})

	t.Run("drops buffer when configured", func(t *testing.T) {
		cfg := testConfig()
		cfg.RollbackDropsBuffer = true
		idx := newTestIndexer(t, cfg)
		seedNFTs(t, idx, "A", false, nil, 1)
		require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
		require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(1)))

		require.NoError(t, idx.Rollback("c1", 1))
		events, _ := idx.Pending("c1", 1)
		require.Zero(t, events)
		require.Empty(t, idx.StagedNonces())
		require.Equal(t, int64(1), countOwned(t, idx, "A"))
	})
}

func TestClearDB(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndexer(t, testConfig())
	seedNFTs(t, idx, "A", false, nil, 1, 2)
	require.NoError(t, idx.EmitEvent(ContractEvent{Name: "E", ContractAddress: "c1", BlockIndex: 1}))
	require.NoError(t, idx.Deploy(ctx, "c1", 1))
	require.NoError(t, idx.StageTransfer(ctx, "A", "B", amount(1)))

	require.NoError(t, idx.ClearDB(ctx))
	require.NoError(t, idx.Flush())

	require.Equal(t, int64(0), countOwned(t, idx, "A"))
	var events int64
	require.NoError(t, idx.DB().Model(&Event{}).Count(&events).Error)
	require.Zero(t, events)
	require.Empty(t, idx.StagedNonces())
}
