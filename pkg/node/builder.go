package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/blockberries/replayberry/pkg/blockstore"
	"github.com/blockberries/replayberry/pkg/config"
	"github.com/blockberries/replayberry/pkg/handlers"
	"github.com/blockberries/replayberry/pkg/indexer"
	"github.com/blockberries/replayberry/pkg/keyring"
	"github.com/blockberries/replayberry/pkg/kvstore"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/metrics"
	"github.com/blockberries/replayberry/pkg/replay"
	"github.com/blockberries/replayberry/pkg/tracing"
)

// ErrUnknownBackend is returned for a block store backend Build cannot open.
var ErrUnknownBackend = errors.New("unknown storage backend")

// NodeBuilder provides a fluent interface for constructing a Node.
// Every component receives its collaborators explicitly.
type NodeBuilder struct {
	cfg *config.Config

	// Pluggable components (optional)
	logger    *logging.Logger
	logSwitch *logging.Switch
	metrics   metrics.Metrics
	blockKV   kvstore.Store
	stateKV   kvstore.Store
	fatal     replay.FatalFunc
	version   string
}

// NewNodeBuilder creates a new NodeBuilder with the given configuration.
func NewNodeBuilder(cfg *config.Config) *NodeBuilder {
	return &NodeBuilder{cfg: cfg, version: "dev"}
}

// WithLogger sets the logger and the switch muted during quiet replays.
// sw may be nil.
func (b *NodeBuilder) WithLogger(l *logging.Logger, sw *logging.Switch) *NodeBuilder {
	b.logger = l
	b.logSwitch = sw
	return b
}

// WithMetrics overrides the metrics sink selected by the metrics section.
func (b *NodeBuilder) WithMetrics(m metrics.Metrics) *NodeBuilder {
	b.metrics = m
	return b
}

// WithBlockKV sets the key-value store holding blocks instead of opening
// the configured backend. The node takes ownership of it.
func (b *NodeBuilder) WithBlockKV(s kvstore.Store) *NodeBuilder {
	b.blockKV = s
	return b
}

// WithStateKV sets the key-value store behind the staged state store. The
// node takes ownership of it.
func (b *NodeBuilder) WithStateKV(s kvstore.Store) *NodeBuilder {
	b.stateKV = s
	return b
}

// WithFatal replaces the process halt used on unrecoverable corruption.
func (b *NodeBuilder) WithFatal(fn replay.FatalFunc) *NodeBuilder {
	b.fatal = fn
	return b
}

// WithVersion sets the service version reported to the tracing backend.
func (b *NodeBuilder) WithVersion(v string) *NodeBuilder {
	b.version = v
	return b
}

// Build creates the Node with all configured components.
// Returns an error if the configuration is invalid or component creation fails.
// Components opened before a failure are closed.
func (b *NodeBuilder) Build(ctx context.Context) (_ *Node, err error) {
	cfg := b.cfg

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg}
	defer func() {
		if err != nil {
			_ = n.Close(context.Background())
		}
	}()

	logger, sw := b.logger, b.logSwitch
	if logger == nil {
		var closer io.Closer
		logger, sw, closer, err = NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		n.closers = append(n.closers, closer)
	}
	n.logger = logger.WithComponent("node")
	n.logSwitch = sw

	n.metrics = b.metrics
	if n.metrics == nil {
		if cfg.Metrics.Enabled {
			n.metrics = metrics.NewPrometheusMetrics(cfg.Metrics.Namespace)
		} else {
			n.metrics = metrics.NewNopMetrics()
		}
	}

	tp := tracing.DefaultProviderConfig()
	tp.ServiceVersion = b.version
	tp.Exporter = cfg.Tracing.Exporter
	tp.Endpoint = cfg.Tracing.Endpoint
	tp.SampleRate = cfg.Tracing.SampleRate
	tracer, shutdown, err := tracing.Setup(ctx, cfg.Tracing.Enabled, tp)
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}
	n.tracer = tracer
	n.shutdownTracing = shutdown

	blockKV := b.blockKV
	if blockKV == nil {
		blockKV, err = openStore(cfg.BlockStore.Backend, cfg.ResolvePath(cfg.BlockStore.Path))
		if err != nil {
			return nil, fmt.Errorf("opening block store: %w", err)
		}
	}
	n.closers = append(n.closers, blockKV)

	n.blocks, err = blockstore.NewKVBlockStore(blockKV)
	if err != nil {
		return nil, fmt.Errorf("loading block store: %w", err)
	}

	stateKV := b.stateKV
	if stateKV == nil {
		stateKV, err = openStore(cfg.BlockStore.Backend, cfg.ResolvePath(cfg.StateStore.Path))
		if err != nil {
			return nil, fmt.Errorf("opening state store: %w", err)
		}
	}
	n.state = kvstore.NewStaged(stateKV)
	n.closers = append(n.closers, n.state)

	db, err := indexer.Open(cfg.Index.Dialect, cfg.IndexDSN(), logger)
	if err != nil {
		return nil, err
	}
	n.index = indexer.New(db, indexer.Config{
		BatchSize:           cfg.Index.BatchSize,
		NonceChunk:          cfg.Index.NonceChunk,
		RollbackDropsBuffer: cfg.Index.RollbackDropsBuffer,
		Retry: indexer.RetryConfig{
			MaxAttempts:    cfg.Deploy.MaxAttempts,
			InitialBackoff: cfg.Deploy.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Deploy.MaxBackoff.Duration(),
		},
	},
		indexer.WithLogger(logger),
		indexer.WithMetrics(n.metrics),
		indexer.WithTracer(tracer),
	)
	n.closers = append(n.closers, n.index)

	n.registry = handlers.NewRegistry(logger)
	n.index.RegisterBlockHandlers(n.registry)

	n.gate = keyring.NewGate(cfg.Node.WorkDir, cfg.Replay.KeyEmissionMaxBlock, cfg.Node.PublicKey, logger)

	opts := []replay.Option{
		replay.WithLogger(logger),
		replay.WithMetrics(n.metrics),
		replay.WithTracer(tracer),
		replay.WithClearDB(n.clearDB),
	}
	if sw != nil {
		opts = append(opts, replay.WithSwitch(sw))
	}
	if b.fatal != nil {
		opts = append(opts, replay.WithFatal(b.fatal))
	}
	n.replayer = replay.New(replay.Config{
		Autofix: cfg.Replay.Autofix,
		Verbose: cfg.Replay.Verbose,
	}, n.blocks, n.registry, n.gate, opts...)

	n.logger.Info("node built",
		logging.Height(n.blocks.Height()),
		"backend", cfg.BlockStore.Backend,
		"index", cfg.Index.Dialect)
	return n, nil
}

// openStore opens a key-value backend at path.
func openStore(backend, path string) (kvstore.Store, error) {
	switch backend {
	case config.BackendLevelDB:
		return kvstore.NewLevelDB(filepath.Clean(path))
	case config.BackendBadgerDB:
		return kvstore.NewBadger(filepath.Clean(path))
	case config.BackendMemory:
		return kvstore.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backend)
	}
}
