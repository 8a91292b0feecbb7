package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blockberries/replayberry/pkg/config"
	"github.com/blockberries/replayberry/pkg/indexer"
	"github.com/blockberries/replayberry/pkg/logging"
	"github.com/blockberries/replayberry/pkg/node"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored chain and index status",
	Long: `Open the configured stores and print the chain height, the keyring
and the number of indexed rows. The stores must not be in use by a running
replay.

Example:
  replayberry status
  replayberry status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output as JSON")
}

// StatusResponse is the status report.
type StatusResponse struct {
	Height           int64    `json:"height"`
	LatestBlockHash  string   `json:"latest_block_hash,omitempty"`
	EmissionMaxBlock int64    `json:"emission_max_block"`
	Keyring          []string `json:"keyring"`
	Trusted          bool     `json:"trusted"`
	BlockHeaders     int64    `json:"block_headers"`
	Events           int64    `json:"events"`
	NFTs             int64    `json:"nfts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cfg.Metrics.Enabled = false
	cfg.Tracing.Enabled = false

	ctx := context.Background()
	n, err := node.NewNodeBuilder(cfg).
		WithLogger(logging.NewNopLogger(), nil).
		Build(ctx)
	if err != nil {
		return fmt.Errorf("opening stores: %w", err)
	}
	defer n.Close(ctx)

	status := StatusResponse{
		Height:           n.BlockStore().Height(),
		EmissionMaxBlock: n.Gate().EmissionMaxBlock(),
		Keyring:          n.Gate().Keys(),
		Trusted:          n.Gate().IsTrusted(cfg.Node.PublicKey),
	}
	if status.Height >= 0 {
		if b, err := n.BlockStore().LoadBlock(status.Height); err == nil {
			status.LatestBlockHash = b.Hash
		}
	}

	db := n.Indexer().DB().WithContext(ctx)
	counts := []struct {
		model any
		dst   *int64
	}{
		{&indexer.BlockHeader{}, &status.BlockHeaders},
		{&indexer.Event{}, &status.Events},
		{&indexer.NFT{}, &status.NFTs},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.dst).Error; err != nil {
			return fmt.Errorf("counting index rows: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Fprintln(out, "Chain")
	fmt.Fprintln(out, "=====")
	fmt.Fprintf(out, "Height:          %d\n", status.Height)
	fmt.Fprintf(out, "Latest Hash:     %s\n", status.LatestBlockHash)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Keyring")
	fmt.Fprintln(out, "-------")
	fmt.Fprintf(out, "Emission Window: %d\n", status.EmissionMaxBlock)
	fmt.Fprintf(out, "Keys:            %d\n", len(status.Keyring))
	fmt.Fprintf(out, "Trusted Node:    %v\n", status.Trusted)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Index")
	fmt.Fprintln(out, "-----")
	fmt.Fprintf(out, "Block Headers:   %d\n", status.BlockHeaders)
	fmt.Fprintf(out, "Events:          %d\n", status.Events)
	fmt.Fprintf(out, "NFTs:            %d\n", status.NFTs)
	return nil
}
