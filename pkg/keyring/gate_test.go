package keyring

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/types"
)

func keyringBlock(t *testing.T, index int64, keys ...string) (*types.Block, *types.Payload) {
	t.Helper()
	data, err := types.NewPayloadData(types.Payload{Type: types.PayloadKeyring, Keys: keys})
	require.NoError(t, err)
	b := types.NewBlock(index, "", 1000, data)
	p, err := b.Payload()
	require.NoError(t, err)
	return b, p
}

func emptyBlock(t *testing.T, index int64) (*types.Block, *types.Payload) {
	t.Helper()
	b := types.NewBlock(index, "", 1000, []byte(`{"type":"Empty"}`))
	p, err := b.Payload()
	require.NoError(t, err)
	return b, p
}

func TestGateAcceptsKeyringOnce(t *testing.T) {
	dir := t.TempDir()
	gate := NewGate(dir, DefaultEmissionMaxBlock, "", nil)

	b, p := keyringBlock(t, 2, "k1", "k2")
	require.NoError(t, gate.Check(b, p))
	require.Equal(t, []string{"k1", "k2"}, gate.Keys())

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	require.JSONEq(t, `["k1","k2"]`, string(data))

	t.Run("second keyring is rejected", func(t *testing.T) {
		b, p := keyringBlock(t, 3, "evil")
		err := gate.Check(b, p)
		require.ErrorIs(t, err, types.ErrFakeKeyring)
		require.Equal(t, []string{"k1", "k2"}, gate.Keys())
	})

	t.Run("reload restores keyring", func(t *testing.T) {
		reloaded := NewGate(dir, DefaultEmissionMaxBlock, "", nil)
		require.True(t, reloaded.IsTrusted("k1"))
		require.False(t, reloaded.IsTrusted("evil"))
	})
}

func TestGateRejectsLateKeyring(t *testing.T) {
	dir := t.TempDir()
	gate := NewGate(dir, DefaultEmissionMaxBlock, "", nil)

	b, p := keyringBlock(t, DefaultEmissionMaxBlock, "k1")
	require.ErrorIs(t, gate.Check(b, p), types.ErrFakeKeyring)
	require.Empty(t, gate.Keys())

	_, err := os.Stat(filepath.Join(dir, FileName))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestGateIgnoresOtherPayloads(t *testing.T) {
	gate := NewGate(t.TempDir(), DefaultEmissionMaxBlock, "", nil)

	b, p := emptyBlock(t, 1)
	require.NoError(t, gate.Check(b, p))
	require.Empty(t, gate.Keys())
}

func TestGateEmissionHeightWarnings(t *testing.T) {
	t.Run("network without keyring", func(t *testing.T) {
		buf := &bytes.Buffer{}
		gate := NewGate(t.TempDir(), DefaultEmissionMaxBlock, "", logging.NewTextLogger(buf, slog.LevelInfo))

		b, p := emptyBlock(t, DefaultEmissionMaxBlock)
		require.NoError(t, gate.Check(b, p))
		require.Contains(t, buf.String(), "network without keyring")
	})

	t.Run("trusted node", func(t *testing.T) {
		buf := &bytes.Buffer{}
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`["me"]`), 0o644))
		gate := NewGate(dir, DefaultEmissionMaxBlock, "me", logging.NewTextLogger(buf, slog.LevelInfo))

		b, p := emptyBlock(t, DefaultEmissionMaxBlock)
		require.NoError(t, gate.Check(b, p))
		require.Contains(t, buf.String(), "trusted node")
		require.NotContains(t, buf.String(), "network without keyring")
	})

	t.Run("not emitted at other heights", func(t *testing.T) {
		buf := &bytes.Buffer{}
		gate := NewGate(t.TempDir(), DefaultEmissionMaxBlock, "", logging.NewTextLogger(buf, slog.LevelInfo))

		b, p := emptyBlock(t, DefaultEmissionMaxBlock+1)
		require.NoError(t, gate.Check(b, p))
		require.Empty(t, buf.String())
	})
}

func TestGateIgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{"), 0o644))

	gate := NewGate(dir, 0, "", nil)
	require.Empty(t, gate.Keys())
	require.Equal(t, DefaultEmissionMaxBlock, gate.EmissionMaxBlock())
}
