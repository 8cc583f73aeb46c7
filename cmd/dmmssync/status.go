package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dmms-sync-core/internal/manifest"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether on-disk state agrees with the recorded manifest",
	Long: `status runs the boot-time sanity check (spec §4.10): compares
the current Dolt branch/commit against what the state manifest last
recorded, and reports whether the two agree, with the reason when they
do not. It does not report whether a sync is safe to run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(rootCtx)
		if err != nil {
			return err
		}

		checker := manifest.NewSyncStateChecker(c.manifest, c.dolt)
		report, err := checker.Check(rootCtx)
		if err != nil {
			return fmt.Errorf("dmmssync status: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "in_sync=%v local_branch=%s local_commit=%s manifest_branch=%s manifest_commit=%s\n",
			report.InSync, report.LocalBranch, report.LocalCommit, report.ManifestBranch, report.ManifestCommit)
		if report.Reason != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "reason:", report.Reason)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
