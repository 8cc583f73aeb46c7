package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/untoldecay/dmms-sync-core/internal/chroma"
	"github.com/untoldecay/dmms-sync-core/internal/importengine"
)

var importCmd = &cobra.Command{
	Use:   "import-preview <source-collection> <import-into-collection>",
	Short: "Dry-run a cross-repository document import",
	Long: `import-preview runs the deterministic conflict-detection pass
(spec §4.8) for importing one source collection into a target
collection, against two on-disk persistent Chroma data directories.
Resolving reported conflicts and executing the write is left to the
MCP tool surface, which carries the per-conflict resolution mapping
this flag surface deliberately doesn't try to replicate.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourcePath, _ := cmd.Flags().GetString("source-data-path")
		targetPath, _ := cmd.Flags().GetString("target-data-path")
		docPatterns, _ := cmd.Flags().GetStringSlice("document")

		source, err := chroma.NewPersistentGateway(sourcePath)
		if err != nil {
			return fmt.Errorf("dmmssync import-preview: open source: %w", err)
		}
		target, err := chroma.NewPersistentGateway(targetPath)
		if err != nil {
			return fmt.Errorf("dmmssync import-preview: open target: %w", err)
		}

		engine := &importengine.Engine{Source: source, Target: target}
		preview, err := engine.Preview(rootCtx, []importengine.Filter{
			{Name: args[0], ImportInto: args[1], Documents: docPatterns},
		})
		if err != nil {
			return fmt.Errorf("dmmssync import-preview: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "writes=%d conflicts=%d\n", len(preview.Writes), len(preview.Conflicts))
		for _, c := range preview.Conflicts {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s kind=%s import_into=%s doc=%s sources=%v\n",
				c.ID, c.Kind, c.ImportInto, c.DocID, c.SourceCollections)
		}
		return nil
	},
}

func init() {
	importCmd.Flags().String("source-data-path", "", "CHROMA_DATA_PATH of the source repository")
	importCmd.Flags().String("target-data-path", "", "CHROMA_DATA_PATH of the target repository")
	importCmd.Flags().StringSlice("document", nil, "optional document-ID glob patterns to restrict the import")
	_ = importCmd.MarkFlagRequired("source-data-path")
	_ = importCmd.MarkFlagRequired("target-data-path")
	rootCmd.AddCommand(importCmd)
}
