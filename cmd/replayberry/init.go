package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/blockberries/replayberry/pkg/config"
)

var (
	initWorkDir   string
	initPublicKey string
	initBackend   string
	initDialect   string
	initDSN       string
	initOverride  bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new work directory",
	Long: `Initialize a replayberry work directory with a configuration file.

This command creates:
  - config.toml: Node configuration
  - data/: Data directory for blocks, contract state and the SQLite index

Example:
  replayberry init --work-dir /var/lib/replayberry --public-key <key>`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initWorkDir, "work-dir", ".", "directory for configuration and data")
	initCmd.Flags().StringVar(&initPublicKey, "public-key", "", "public key of this node")
	initCmd.Flags().StringVar(&initBackend, "backend", config.BackendLevelDB, "block store backend (leveldb, badgerdb, memory)")
	initCmd.Flags().StringVar(&initDialect, "dialect", config.DialectSQLite, "index SQL dialect (sqlite, postgres)")
	initCmd.Flags().StringVar(&initDSN, "dsn", "", "index data source name (defaults to data/index.db for sqlite)")
	initCmd.Flags().BoolVar(&initOverride, "force", false, "override existing configuration")
}

func runInit(cmd *cobra.Command, args []string) error {
	workDir := initWorkDir
	if workDir == "" {
		workDir = "."
	}

	configPath := filepath.Join(workDir, "config.toml")
	if _, err := os.Stat(configPath); err == nil && !initOverride {
		return fmt.Errorf("config.toml already exists; use --force to override")
	}

	cfg := config.DefaultConfig()
	cfg.Node.WorkDir = workDir
	cfg.Node.PublicKey = initPublicKey
	cfg.BlockStore.Backend = initBackend
	cfg.Index.Dialect = initDialect
	if initDSN != "" {
		cfg.Index.DSN = initDSN
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDataDirs(); err != nil {
		return err
	}

	if err := config.WriteConfigFile(configPath, cfg); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized replayberry work directory\n")
	fmt.Fprintf(out, "  Config:      %s\n", configPath)
	fmt.Fprintf(out, "  Block store: %s (%s)\n", cfg.ResolvePath(cfg.BlockStore.Path), cfg.BlockStore.Backend)
	fmt.Fprintf(out, "  Index:       %s\n", cfg.Index.Dialect)
	return nil
}
