// Package config loads and validates the replayberry TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Block store backends.
const (
	BackendLevelDB  = "leveldb"
	BackendBadgerDB = "badgerdb"
	BackendMemory   = "memory"
)

// Index dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Tracing exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPHTTP = "otlp-http"
)

// Config is the main configuration for a replayberry node.
type Config struct {
	Node       NodeConfig       `toml:"node"`
	Replay     ReplayConfig     `toml:"replay"`
	BlockStore BlockStoreConfig `toml:"blockstore"`
	StateStore StateStoreConfig `toml:"statestore"`
	Index      IndexConfig      `toml:"index"`
	Deploy     DeployConfig     `toml:"deploy"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Tracing    TracingConfig    `toml:"tracing"`
	Logging    LoggingConfig    `toml:"logging"`
}

// NodeConfig contains node identity configuration.
type NodeConfig struct {
	// WorkDir holds the keyring file and relative data paths.
	WorkDir string `toml:"work_dir"`

	// PublicKey is this node's public key. It is compared against the
	// keyring when the emission window closes.
	PublicKey string `toml:"public_key"`
}

// ReplayConfig contains chain replay configuration.
type ReplayConfig struct {
	// Autofix truncates the chain at the first corrupted block instead of
	// halting the process.
	Autofix bool `toml:"autofix"`

	// Verbose keeps logging enabled during a bulk replay.
	Verbose bool `toml:"verbose"`

	// KeyEmissionMaxBlock is the block height before which a keyring
	// block may be accepted.
	KeyEmissionMaxBlock int64 `toml:"key_emission_max_block"`
}

// BlockStoreConfig contains block storage configuration.
type BlockStoreConfig struct {
	// Backend is the storage backend to use ("leveldb", "badgerdb" or "memory").
	Backend string `toml:"backend"`

	// Path is the directory path for block storage.
	Path string `toml:"path"`
}

// StateStoreConfig contains contract state storage configuration. The state
// store uses the block store backend.
type StateStoreConfig struct {
	// Path is the directory path for state storage.
	Path string `toml:"path"`
}

// IndexConfig contains relational event index configuration.
type IndexConfig struct {
	// Dialect is the SQL dialect ("sqlite" or "postgres").
	Dialect string `toml:"dialect"`

	// DSN is the data source name passed to the driver.
	DSN string `toml:"dsn"`

	// BatchSize is the number of rows per INSERT statement.
	BatchSize int `toml:"batch_size"`

	// NonceChunk caps the nonces held by one staged entry.
	NonceChunk int `toml:"nonce_chunk"`

	// RollbackDropsBuffer makes rollback discard the buffered block state.
	RollbackDropsBuffer bool `toml:"rollback_drops_buffer"`
}

// DeployConfig bounds the retries of each deploy phase.
type DeployConfig struct {
	// MaxAttempts is the number of tries per phase. Zero retries forever.
	MaxAttempts uint `toml:"max_attempts"`

	InitialBackoff Duration `toml:"initial_backoff"`
	MaxBackoff     Duration `toml:"max_backoff"`
}

// MetricsConfig contains metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// Namespace is the Prometheus metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// ListenAddr is the address to serve metrics on (e.g., ":9090").
	ListenAddr string `toml:"listen_addr"`
}

// TracingConfig contains OpenTelemetry configuration.
type TracingConfig struct {
	Enabled bool `toml:"enabled"`

	// Exporter is one of "none", "stdout" or "otlp-http".
	Exporter string `toml:"exporter"`

	// Endpoint is the OTLP collector address.
	Endpoint string `toml:"endpoint"`

	// SampleRate is the fraction of traces recorded, between 0 and 1.
	SampleRate float64 `toml:"sample_rate"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level ("debug", "info", "warn", "error").
	Level string `toml:"level"`

	// Format is the log output format ("text" or "json").
	Format string `toml:"format"`

	// Output is the log output destination ("stdout", "stderr", or a file path).
	Output string `toml:"output"`
}

// Duration is a wrapper around time.Duration for TOML unmarshaling.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			WorkDir: ".",
		},
		Replay: ReplayConfig{
			Autofix:             false,
			Verbose:             false,
			KeyEmissionMaxBlock: 5,
		},
		BlockStore: BlockStoreConfig{
			Backend: BackendLevelDB,
			Path:    "data/blocks",
		},
		StateStore: StateStoreConfig{
			Path: "data/state",
		},
		Index: IndexConfig{
			Dialect:    DialectSQLite,
			DSN:        "data/index.db",
			BatchSize:  1000,
			NonceChunk: 100_000,
		},
		Deploy: DeployConfig{
			MaxAttempts:    10,
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			Namespace:  "replayberry",
			ListenAddr: ":9090",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   ExporterNone,
			Endpoint:   "localhost:4318",
			SampleRate: 0.1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadConfig loads configuration from a TOML file.
// Missing values are filled with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Validation errors.
var (
	ErrEmptyWorkDir             = errors.New("work_dir cannot be empty")
	ErrInvalidEmissionMaxBlock  = errors.New("key_emission_max_block must be non-negative")
	ErrInvalidBlockStoreBackend = errors.New("blockstore backend must be 'leveldb', 'badgerdb' or 'memory'")
	ErrEmptyBlockStorePath      = errors.New("blockstore path cannot be empty")
	ErrEmptyStateStorePath      = errors.New("statestore path cannot be empty")
	ErrInvalidIndexDialect      = errors.New("index dialect must be 'sqlite' or 'postgres'")
	ErrEmptyIndexDSN            = errors.New("index dsn cannot be empty")
	ErrInvalidBatchSize         = errors.New("index batch_size must be positive")
	ErrInvalidNonceChunk        = errors.New("index nonce_chunk must be positive")
	ErrInvalidInitialBackoff    = errors.New("deploy initial_backoff must be positive")
	ErrInvalidMaxBackoff        = errors.New("deploy max_backoff must not be below initial_backoff")
	ErrEmptyMetricsNamespace    = errors.New("metrics namespace cannot be empty when enabled")
	ErrEmptyMetricsListenAddr   = errors.New("metrics listen_addr cannot be empty when enabled")
	ErrInvalidTracingExporter   = errors.New("tracing exporter must be 'none', 'stdout' or 'otlp-http'")
	ErrEmptyTracingEndpoint     = errors.New("tracing endpoint cannot be empty for otlp-http")
	ErrInvalidSampleRate        = errors.New("tracing sample_rate must be between 0 and 1")
	ErrInvalidLogLevel          = errors.New("log level must be one of: debug, info, warn, error")
	ErrInvalidLogFormat         = errors.New("log format must be 'text' or 'json'")
	ErrEmptyLogOutput           = errors.New("log output cannot be empty")
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node config: %w", err)
	}
	if err := c.Replay.Validate(); err != nil {
		return fmt.Errorf("replay config: %w", err)
	}
	if err := c.BlockStore.Validate(); err != nil {
		return fmt.Errorf("blockstore config: %w", err)
	}
	if c.BlockStore.Backend != BackendMemory && c.StateStore.Path == "" {
		return fmt.Errorf("statestore config: %w", ErrEmptyStateStorePath)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("index config: %w", err)
	}
	if err := c.Deploy.Validate(); err != nil {
		return fmt.Errorf("deploy config: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks the node configuration for errors.
func (c *NodeConfig) Validate() error {
	if c.WorkDir == "" {
		return ErrEmptyWorkDir
	}
	return nil
}

// Validate checks the replay configuration for errors.
func (c *ReplayConfig) Validate() error {
	if c.KeyEmissionMaxBlock < 0 {
		return ErrInvalidEmissionMaxBlock
	}
	return nil
}

// Validate checks the block store configuration for errors.
func (c *BlockStoreConfig) Validate() error {
	switch c.Backend {
	case BackendLevelDB, BackendBadgerDB:
		if c.Path == "" {
			return ErrEmptyBlockStorePath
		}
	case BackendMemory:
	default:
		return ErrInvalidBlockStoreBackend
	}
	return nil
}

// Validate checks the index configuration for errors.
func (c *IndexConfig) Validate() error {
	if c.Dialect != DialectSQLite && c.Dialect != DialectPostgres {
		return ErrInvalidIndexDialect
	}
	if c.DSN == "" {
		return ErrEmptyIndexDSN
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.NonceChunk <= 0 {
		return ErrInvalidNonceChunk
	}
	return nil
}

// Validate checks the deploy configuration for errors.
func (c *DeployConfig) Validate() error {
	if c.InitialBackoff.Duration() <= 0 {
		return ErrInvalidInitialBackoff
	}
	if c.MaxBackoff.Duration() < c.InitialBackoff.Duration() {
		return ErrInvalidMaxBackoff
	}
	return nil
}

// Validate checks the metrics configuration for errors.
func (c *MetricsConfig) Validate() error {
	if c.Enabled {
		if c.Namespace == "" {
			return ErrEmptyMetricsNamespace
		}
		if c.ListenAddr == "" {
			return ErrEmptyMetricsListenAddr
		}
	}
	return nil
}

// Validate checks the tracing configuration for errors.
func (c *TracingConfig) Validate() error {
	switch c.Exporter {
	case ExporterNone, ExporterStdout:
	case ExporterOTLPHTTP:
		if c.Endpoint == "" {
			return ErrEmptyTracingEndpoint
		}
	default:
		return ErrInvalidTracingExporter
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return ErrInvalidSampleRate
	}
	return nil
}

// Validate checks the logging configuration for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		return ErrInvalidLogLevel
	}

	switch c.Format {
	case "text", "json":
		// Valid formats
	default:
		return ErrInvalidLogFormat
	}

	if c.Output == "" {
		return ErrEmptyLogOutput
	}

	return nil
}

// WriteConfigFile writes the configuration to a TOML file.
func WriteConfigFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// ResolvePath returns p unchanged when absolute, otherwise joined to the
// work directory.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.WorkDir, p)
}

// IndexDSN returns the index DSN, resolving SQLite file paths against the
// work directory.
func (c *Config) IndexDSN() string {
	if c.Index.Dialect != DialectSQLite || c.Index.DSN == ":memory:" {
		return c.Index.DSN
	}
	return c.ResolvePath(c.Index.DSN)
}

// EnsureDataDirs creates the data directories specified in the configuration.
func (c *Config) EnsureDataDirs() error {
	dirs := []string{c.Node.WorkDir}
	if c.BlockStore.Backend != BackendMemory {
		dirs = append(dirs, c.ResolvePath(c.BlockStore.Path), c.ResolvePath(c.StateStore.Path))
	}
	if c.Index.Dialect == DialectSQLite && c.Index.DSN != ":memory:" {
		dirs = append(dirs, filepath.Dir(c.IndexDSN()))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return nil
}
