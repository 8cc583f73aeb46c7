// Command dmmssync is a thin composition root around the sync core.
// The real transport (spec §1) is an MCP server embedding these same
// packages; this binary exists to give the corpus's cobra dependency
// somewhere to live and to offer a scriptable way to drive a
// full_sync / status / conflict-analysis / import pass without an AI
// client attached, following the teacher's cmd/bd layout: one package
// main, one cobra command per file, wired through a shared rootCmd.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/config"
	"github.com/untoldecay/dmms-sync-core/internal/dolt"
	"github.com/untoldecay/dmms-sync-core/internal/manifest"
	"github.com/untoldecay/dmms-sync-core/internal/obslog"
	"github.com/untoldecay/dmms-sync-core/internal/pendingops"
	"github.com/untoldecay/dmms-sync-core/internal/syncstate"
)

// rootCtx is set up once in PersistentPreRunE and read by every
// subcommand's Run, mirroring the teacher's package-level rootCtx.
var rootCtx context.Context

// core bundles the gateways and stores every subcommand needs. It is
// built once per invocation after flags/env are loaded.
type core struct {
	chroma     chroma.Gateway
	dolt       dolt.Gateway
	pendingOps *pendingops.Store
	syncState  *syncstate.Store
	manifest   *manifest.Store
	repository string
}

var rootCmd = &cobra.Command{
	Use:   "dmmssync",
	Short: "Sync core CLI for the Chroma/Dolt synchronization engine",
	Long: `dmmssync drives the synchronization core directly from a
terminal or script: detect changes, stage and commit them to Dolt,
analyze merge conflicts, and preview cross-repository imports.

Every subcommand reads its configuration the same way the embedding
MCP server does (spec §6 env vars); this binary is a debugging and
automation aid around the same engine, not a replacement transport.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("dmmssync: load config: %w", err)
		}
		if err := obslog.Init(obslog.Config{
			Enabled: config.GetBool("ENABLE_LOGGING"),
			Level:   config.GetString("LOG_LEVEL"),
			File:    config.GetString("LOG_FILE_NAME"),
		}); err != nil {
			return fmt.Errorf("dmmssync: init logging: %w", err)
		}
		rootCtx = cmd.Context()
		if rootCtx == nil {
			rootCtx = context.Background()
		}
		return nil
	},
}

// Execute runs the root command; main's sole responsibility.
func Execute() error {
	return rootCmd.Execute()
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dmmssync:", err)
		os.Exit(1)
	}
}

// newCore wires the Chroma gateway (persistent or server mode per
// CHROMA_MODE, spec §4.x), the Dolt command gateway, and the two
// SQLite-backed stores, opening them against the configured data path.
func newCore(ctx context.Context) (*core, error) {
	chromaCfg := config.LoadChroma()
	doltCfg := config.LoadDolt()
	retry := config.LoadRetry()

	var gw chroma.Gateway
	switch chromaCfg.Mode {
	case config.ChromaModeServer:
		gw = chroma.NewServerGateway(chromaCfg.Host, chromaCfg.Port)
	default:
		pg, err := chroma.NewPersistentGateway(chromaCfg.DataPath)
		if err != nil {
			return nil, fmt.Errorf("dmmssync: open chroma persistent gateway: %w", err)
		}
		gw = pg
	}

	doltGW := dolt.NewCommandGateway(dolt.Config{
		RepositoryPath: doltCfg.RepositoryPath,
		ExecutablePath: doltCfg.ExecutablePath,
		RemoteName:     doltCfg.RemoteName,
		CommandTimeout: doltCfg.CommandTimeout,
		MaxRetries:     retry.MaxRetries,
		RetryDelay:     retry.RetryDelay,
	})

	pendingOps, err := pendingops.Open(ctx, filepath.Join(chromaCfg.DataPath, pendingops.DefaultRelPath))
	if err != nil {
		return nil, fmt.Errorf("dmmssync: open pending-ops store: %w", err)
	}
	syncState, err := syncstate.Open(ctx, filepath.Join(chromaCfg.DataPath, syncstate.DefaultRelPath))
	if err != nil {
		return nil, fmt.Errorf("dmmssync: open sync-state store: %w", err)
	}

	return &core{
		chroma:     gw,
		dolt:       doltGW,
		pendingOps: pendingOps,
		syncState:  syncState,
		manifest:   manifest.NewStore(doltCfg.RepositoryPath),
		repository: filepath.Base(doltCfg.RepositoryPath),
	}, nil
}
