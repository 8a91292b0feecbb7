package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/blockberries/replayberry/pkg/config"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/node"
)

var (
	replayAutofix      bool
	replayVerbose      bool
	replayResync       bool
	replayFrom         int64
	replayServeMetrics bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the stored chain",
	Long: `Replay the stored chain from a height, dispatching every block to the
keyring gate and the index handlers.

A broken hash link or an unreadable block halts the process unless
--autofix is set, in which case the chain is truncated before the
corrupted block. --resync clears the index and replays from genesis.

With --serve-metrics the Prometheus endpoint keeps serving after the
replay until the process is interrupted.

Example:
  replayberry replay --config config.toml --from 120
  replayberry replay --resync --autofix`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().BoolVar(&replayAutofix, "autofix", false, "truncate the chain at the first corrupted block")
	replayCmd.Flags().BoolVar(&replayVerbose, "verbose", false, "keep logging enabled during replay")
	replayCmd.Flags().BoolVar(&replayResync, "resync", false, "clear the index and replay from genesis")
	replayCmd.Flags().Int64Var(&replayFrom, "from", 0, "first block height to replay")
	replayCmd.Flags().BoolVar(&replayServeMetrics, "serve-metrics", false, "serve metrics until interrupted")
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("autofix") {
		cfg.Replay.Autofix = replayAutofix
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Replay.Verbose = replayVerbose
	}
	if replayServeMetrics {
		cfg.Metrics.Enabled = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger, sw, logCloser, err := node.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	n, err := node.NewNodeBuilder(cfg).
		WithLogger(logger, sw).
		WithVersion(Version).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("creating node: %w", err)
	}
	defer func() {
		if err := n.Close(context.Background()); err != nil {
			logger.Error("closing node", logging.Error(err))
		}
	}()

	var srv *http.Server
	if cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           n.Metrics().Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", logging.Error(err))
			}
		}()
		defer srv.Close()
	}

	start := time.Now()
	logger.Info("replay started",
		logging.Height(replayFrom),
		"resync", replayResync,
		"version", Version)

	if err := n.Replay(ctx, replayFrom, replayResync); err != nil {
		return fmt.Errorf("replaying chain: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Replayed to height %d in %s\n",
		n.Replayer().MaxBlock(), time.Since(start).Round(time.Millisecond))

	if srv != nil && replayServeMetrics {
		logger.Info("serving metrics", "listen_addr", cfg.Metrics.ListenAddr)
		<-ctx.Done()
		logger.Info("received signal, shutting down")
	}
	return nil
}
