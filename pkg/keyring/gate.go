// Package keyring implements the one-time keyring bootstrap of a chain.
//
// A keyring is the ordered list of trusted public keys. It may be set exactly
// once, by a Keyring block below the emission height, and is persisted as a
// JSON array in keyring.json inside the node work directory.
package keyring

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/types"
)

// FileName is the keyring file name inside the work directory.
const FileName = "keyring.json"

// DefaultEmissionMaxBlock is the first block index at which a keyring can no
// longer be issued.
const DefaultEmissionMaxBlock int64 = 5

// Gate decides whether Keyring blocks are genuine and tracks the accepted
// keyring.
type Gate struct {
	path      string
	maxBlock  int64
	publicKey string
	keys      []string
	logger    *logging.Logger
	mu        sync.RWMutex
}

// NewGate creates a gate that persists into workDir and loads any keyring
// already stored there. A missing or unreadable file yields an empty keyring.
func NewGate(workDir string, emissionMaxBlock int64, publicKey string, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if emissionMaxBlock <= 0 {
		emissionMaxBlock = DefaultEmissionMaxBlock
	}

	g := &Gate{
		path:      filepath.Join(workDir, FileName),
		maxBlock:  emissionMaxBlock,
		publicKey: publicKey,
		logger:    logger.WithComponent("keyring"),
	}

	keys, err := load(g.path)
	switch {
	case err == nil:
		g.keys = keys
	case errors.Is(err, os.ErrNotExist):
	default:
		g.logger.Warn("ignoring unreadable keyring file",
			logging.Reason(g.path),
			logging.Error(err))
	}

	return g
}

// Path returns the keyring file location.
func (g *Gate) Path() string {
	return g.path
}

// EmissionMaxBlock returns the emission height.
func (g *Gate) EmissionMaxBlock() int64 {
	return g.maxBlock
}

// Keys returns a copy of the accepted keyring.
func (g *Gate) Keys() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.keys)
}

// IsTrusted reports whether publicKey belongs to the keyring.
func (g *Gate) IsTrusted(publicKey string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Contains(g.keys, publicKey)
}

// Check runs the trust checks for one block. At the emission height it warns
// about an empty keyring and about the local node being trusted. For Keyring
// payloads it accepts or rejects the keyring; a rejection returns
// types.ErrFakeKeyring and the caller must skip the block's handlers.
func (g *Gate) Check(block *types.Block, payload *types.Payload) error {
	if block.Index == g.maxBlock {
		g.observeEmissionHeight()
	}

	keys, ok := payload.Keyring()
	if !ok {
		return nil
	}
	return g.accept(block, keys)
}

func (g *Gate) observeEmissionHeight() {
	g.mu.RLock()
	empty := len(g.keys) == 0
	trusted := g.publicKey != "" && slices.Contains(g.keys, g.publicKey)
	g.mu.RUnlock()

	if empty {
		g.logger.Warn("network without keyring")
	}
	if trusted {
		g.logger.Warn("trusted node, be careful", logging.Address(g.publicKey))
	}
}

func (g *Gate) accept(block *types.Block, keys []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if block.Index >= g.maxBlock || len(g.keys) != 0 {
		g.logger.Warn("fake keyring", logging.Height(block.Index))
		return types.WrapHeightError(types.ErrFakeKeyring, block.Index)
	}

	keys = slices.Clone(keys)
	if keys == nil {
		keys = []string{}
	}
	if err := store(g.path, keys); err != nil {
		return fmt.Errorf("persisting keyring: %w", err)
	}

	g.keys = keys
	g.logger.Info("keyring received",
		logging.Height(block.Index),
		logging.Count(len(keys)))
	return nil
}

func load(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// store rewrites the keyring file in full through a temporary file.
func store(path string, keys []string) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
