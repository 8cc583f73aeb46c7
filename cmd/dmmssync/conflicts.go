package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dmms-sync-core/internal/conflict"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts <source-branch> <target-branch>",
	Short: "Analyze merge conflicts between two Dolt branches",
	Long: `conflicts runs the three-way merge analysis (spec §4.7):
diffs collections and documents table as of the merge base against
both branch tips and reports every AddAdd/ContentModification/
DeleteModify/MetadataConflict conflict found, with its suggested
resolution and whether it auto-resolves.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newCore(rootCtx)
		if err != nil {
			return err
		}

		analyzer := &conflict.Analyzer{Dolt: c.dolt}
		report, err := analyzer.Analyze(rootCtx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("dmmssync conflicts: %w", err)
		}

		if len(report.Conflicts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no conflicts; can_auto_merge=true")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "can_auto_merge=%v conflicts=%d\n", report.CanAutoMerge, len(report.Conflicts))
		for _, cf := range report.Conflicts {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s collection=%s doc=%s kind=%s auto_resolvable=%v suggested=%s\n",
				cf.ID, cf.Collection, cf.DocID, cf.Kind, cf.AutoResolvable, cf.SuggestedResolution)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
}
