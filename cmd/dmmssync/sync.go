package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dmms-sync-core/internal/changedetect"
	"github.com/untoldecay/dmms-sync-core/internal/syncmanager"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Detect local changes, stage them, and commit to Dolt",
	Long: `sync runs one full_sync pass (spec §4.6): detect what changed in
the Chroma-side collections since the last recorded commit, stage the
changes against the Dolt working set, and commit them. When nothing
changed the pass is skipped unless --force is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		branch, _ := cmd.Flags().GetString("branch")
		force, _ := cmd.Flags().GetBool("force")

		c, err := newCore(rootCtx)
		if err != nil {
			return err
		}

		detector := &changedetect.Detector{Chroma: c.chroma, Dolt: c.dolt, PendingOps: c.pendingOps}
		if m, err := c.manifest.Read(); err != nil {
			return fmt.Errorf("dmmssync sync: read manifest: %w", err)
		} else if m != nil {
			detector.Collections = m.Collections
		}

		mgr := &syncmanager.Manager{
			Repository: c.repository,
			Chroma:     c.chroma,
			Dolt:       c.dolt,
			PendingOps: c.pendingOps,
			SyncState:  c.syncState,
			Detector:   detector,
		}

		result, err := mgr.FullSync(rootCtx, branch, force)
		if err != nil {
			return fmt.Errorf("dmmssync sync: %w", err)
		}

		if result.Skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "branch=%s skipped (no changes)\n", branch)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "branch=%s committed=%v commit=%s documents=%d collections=%v\n",
			branch, result.Committed, result.CommitHash, result.DocumentsSet, result.CollectionsSet)
		return nil
	},
}

func init() {
	syncCmd.Flags().String("branch", "main", "Dolt branch to sync")
	syncCmd.Flags().Bool("force", false, "stage and commit even when no changes were detected")
	rootCmd.AddCommand(syncCmd)
}
