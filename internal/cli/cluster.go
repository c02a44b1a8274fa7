package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster <project-id>",
	Short: "Run a clustering pass for one project",
	Long: `Cluster groups the project's recent findings by signature, merges
near-duplicate groups, and creates or updates insights for clusters
over the pack's review threshold.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		report, err := a.orchestrator.Cluster(ctx, args[0])
		if err != nil {
			return fmt.Errorf("clustering failed: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), report)
	},
}
