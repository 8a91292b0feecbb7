package replay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/replayberry/pkg/blockstore"
	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/keyring"
	"github.com/blockberries/replayberry/pkg/kvstore"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/types"
)

type harness struct {
	store    *blockstore.KVBlockStore
	registry *handlers.Registry
	gate     *keyring.Gate
	seen     []int64
	fatals   []error
	mu       sync.Mutex
}

func newHarness(t *testing.T, payloads ...string) *harness {
	t.Helper()
	store, err := blockstore.NewKVBlockStore(kvstore.NewMemory())
	require.NoError(t, err)

	prev := ""
	for i, data := range payloads {
		b := types.NewBlock(int64(i), prev, int64(1000+i), []byte(data))
		require.NoError(t, store.SaveBlock(b))
		prev = b.Hash
	}

	h := &harness{
		store:    store,
		registry: handlers.NewRegistry(nil),
		gate:     keyring.NewGate(t.TempDir(), keyring.DefaultEmissionMaxBlock, "", nil),
	}
	record := func(_ context.Context, _ *types.Payload, b *types.Block) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.seen = append(h.seen, b.Index)
		return nil
	}
	for _, typ := range types.IndexedPayloadTypes {
		h.registry.Register(typ, record)
	}
	return h
}

func (h *harness) replayer(cfg Config, opts ...Option) *Replayer {
	opts = append([]Option{WithFatal(func(err error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.fatals = append(h.fatals, err)
	})}, opts...)
	return New(cfg, h.store, h.registry, h.gate, opts...)
}

func emptyChain(n int) []string {
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = `{"type":"Empty"}`
	}
	return payloads
}

// breakLink rewrites block index so that it no longer points at its parent.
func breakLink(t *testing.T, store *blockstore.KVBlockStore, index int64) {
	t.Helper()
	b := types.NewBlock(index, "bogus", 5000, []byte(`{"type":"Empty"}`))
	require.NoError(t, store.SaveBlock(b))
}

func TestPlayLinkedChain(t *testing.T) {
	h := newHarness(t, emptyChain(6)...)
	r := h.replayer(Config{})

	require.NoError(t, r.Play(context.Background(), 0))
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5}, h.seen)
	require.Empty(t, h.fatals)
	require.Equal(t, int64(5), h.store.Height())
	require.False(t, r.Syncing())
}

func TestPlayFromHeight(t *testing.T) {
	h := newHarness(t, emptyChain(6)...)
	r := h.replayer(Config{})

	require.NoError(t, r.Play(context.Background(), 3))
	require.Equal(t, []int64{3, 4, 5}, h.seen)
}

func TestPlayHashMismatch(t *testing.T) {
	t.Run("halts without autofix", func(t *testing.T) {
		h := newHarness(t, emptyChain(6)...)
		breakLink(t, h.store, 3)
		r := h.replayer(Config{})

		err := r.Play(context.Background(), 0)
		require.ErrorIs(t, err, types.ErrChainCorrupted)
		require.Len(t, h.fatals, 1)
		require.ErrorIs(t, h.fatals[0], types.ErrChainCorrupted)
		require.Equal(t, []int64{0, 1, 2}, h.seen)
		require.Equal(t, int64(5), h.store.Height())
	})

	t.Run("truncates with autofix", func(t *testing.T) {
		h := newHarness(t, emptyChain(6)...)
		breakLink(t, h.store, 3)
		r := h.replayer(Config{Autofix: true})

		require.NoError(t, r.Play(context.Background(), 0))
		require.Empty(t, h.fatals)
		require.Equal(t, []int64{0, 1, 2}, h.seen)
		require.Equal(t, int64(2), h.store.Height())
		require.Equal(t, int64(2), r.MaxBlock())

		for i := int64(3); i <= 5; i++ {
			require.False(t, h.store.HasBlock(i))
		}
		require.True(t, h.store.HasBlock(2))
	})
}

func TestPlayMissingBlock(t *testing.T) {
	t.Run("halts without autofix", func(t *testing.T) {
		h := newHarness(t, emptyChain(5)...)
		require.NoError(t, h.store.DeleteBlock(2))
		r := h.replayer(Config{})

		err := r.Play(context.Background(), 0)
		require.ErrorIs(t, err, types.ErrChainCorrupted)
		require.ErrorIs(t, err, types.ErrBlockNotFound)
		require.Len(t, h.fatals, 1)
	})

	t.Run("truncates with autofix", func(t *testing.T) {
		h := newHarness(t, emptyChain(5)...)
		require.NoError(t, h.store.DeleteBlock(2))
		r := h.replayer(Config{Autofix: true})

		require.NoError(t, r.Play(context.Background(), 0))
		require.Equal(t, []int64{0, 1}, h.seen)
		require.Equal(t, int64(1), h.store.Height())
		require.True(t, h.store.HasBlock(3))
	})
}

func TestPlaySingleFlight(t *testing.T) {
	h := newHarness(t, emptyChain(3)...)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.registry.Register(types.PayloadEmpty, func(context.Context, *types.Payload, *types.Block) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	r := h.replayer(Config{})

	done := make(chan error, 1)
	go func() { done <- r.Play(context.Background(), 0) }()

	<-entered
	require.True(t, r.Syncing())
	require.ErrorIs(t, r.Play(context.Background(), 0), types.ErrSyncInProgress)
	require.ErrorIs(t, r.Resync(context.Background()), types.ErrSyncInProgress)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	require.False(t, r.Syncing())
	require.NoError(t, r.Play(context.Background(), 0))
}

func TestPlayQuietMode(t *testing.T) {
	t.Run("mutes during replay and restores", func(t *testing.T) {
		h := newHarness(t, emptyChain(2)...)
		logger, sw := logging.NewSwitchedLogger(logging.NewNopLogger().Handler())
		var mutedDuring []bool
		h.registry.Register(types.PayloadEmpty, func(context.Context, *types.Payload, *types.Block) error {
			mutedDuring = append(mutedDuring, sw.Muted())
			return nil
		})
		r := h.replayer(Config{}, WithLogger(logger), WithSwitch(sw))

		require.NoError(t, r.Play(context.Background(), 0))
		require.Equal(t, []bool{true, true}, mutedDuring)
		require.False(t, sw.Muted())
	})

	t.Run("verbose keeps logging", func(t *testing.T) {
		h := newHarness(t, emptyChain(1)...)
		logger, sw := logging.NewSwitchedLogger(logging.NewNopLogger().Handler())
		muted := true
		h.registry.Register(types.PayloadEmpty, func(context.Context, *types.Payload, *types.Block) error {
			muted = sw.Muted()
			return nil
		})
		r := h.replayer(Config{Verbose: true}, WithLogger(logger), WithSwitch(sw))

		require.NoError(t, r.Play(context.Background(), 0))
		require.False(t, muted)
	})
}

func TestPlayKeyring(t *testing.T) {
	h := newHarness(t,
		`{"type":"Empty"}`,
		`{"type":"Empty"}`,
		`{"type":"Keyring","keys":["k1","k2"]}`,
		`{"type":"Keyring","keys":["evil"]}`,
		`{"type":"Empty"}`,
		`{"type":"Empty"}`,
	)
	r := h.replayer(Config{})

	require.NoError(t, r.Play(context.Background(), 0))
	require.Equal(t, []string{"k1", "k2"}, h.gate.Keys())
	require.Equal(t, []int64{0, 1, 2, 4, 5}, h.seen)
}

func TestHandleBlock(t *testing.T) {
	t.Run("non JSON payload is treated as handled", func(t *testing.T) {
		h := newHarness(t)
		r := h.replayer(Config{})

		b := types.NewBlock(0, "", 1000, []byte(`"not json at all"`))
		require.NoError(t, r.HandleBlock(context.Background(), b))
		require.Empty(t, h.seen)
	})

	t.Run("handler failures are surfaced", func(t *testing.T) {
		h := newHarness(t)
		boom := errors.New("boom")
		h.registry.Register(types.PayloadEmpty, func(context.Context, *types.Payload, *types.Block) error {
			return boom
		})
		r := h.replayer(Config{})

		b := types.NewBlock(0, "", 1000, []byte(`{"type":"Empty"}`))
		err := r.HandleBlock(context.Background(), b)
		require.ErrorIs(t, err, boom)
		require.ErrorIs(t, err, types.ErrHandlerFailed)
		require.Equal(t, []int64{0}, h.seen)
	})

	t.Run("handler failure does not stop replay", func(t *testing.T) {
		h := newHarness(t, emptyChain(3)...)
		h.registry.Register(types.PayloadEmpty, func(context.Context, *types.Payload, *types.Block) error {
			return errors.New("boom")
		})
		r := h.replayer(Config{})

		require.NoError(t, r.Play(context.Background(), 0))
		require.Equal(t, []int64{0, 1, 2}, h.seen)
	})
}

func TestResync(t *testing.T) {
	h := newHarness(t, emptyChain(3)...)
	cleared := 0
	r := h.replayer(Config{}, WithClearDB(func(context.Context) error {
		cleared++
		return nil
	}))

	require.NoError(t, r.Resync(context.Background()))
	require.Equal(t, 1, cleared)
	require.Equal(t, []int64{0, 1, 2}, h.seen)

	t.Run("clear failure aborts", func(t *testing.T) {
		boom := errors.New("boom")
		r := h.replayer(Config{}, WithClearDB(func(context.Context) error { return boom }))
		require.ErrorIs(t, r.Resync(context.Background()), boom)
		require.False(t, r.Syncing())
	})
}

func TestPlayCancelled(t *testing.T) {
	h := newHarness(t, emptyChain(3)...)
	r := h.replayer(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Play(ctx, 0), context.Canceled)
	require.Empty(t, h.seen)
}

func TestSetMaxBlock(t *testing.T) {
	h := newHarness(t, emptyChain(6)...)
	r := h.replayer(Config{})

	r.SetMaxBlock(2)
	require.NoError(t, r.Play(context.Background(), 0))
	require.Equal(t, []int64{0, 1, 2}, h.seen)
}
