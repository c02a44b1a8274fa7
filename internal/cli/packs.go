package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "Inspect and manage domain packs",
}

var packsReloadCmd = &cobra.Command{
	Use:   "reload <project-id>",
	Short: "Invalidate cached pack components for a project",
	Long: `Reload clears the in-process and external caches for the project's
pack and for the fallback pack, forcing fresh reads on next use.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		if err := a.loader.Reload(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pack caches cleared for project %s\n", args[0])
		return nil
	},
}

var packsShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show the resolved pack for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close(ctx)

		pack, usedFallback, err := a.loader.Load(ctx, args[0])
		if err != nil {
			return err
		}
		cfg, err := pack.Config(ctx)
		if err != nil {
			return err
		}

		out := map[string]any{
			"pack_id":       pack.ID(),
			"name":          cfg.Pack.Name,
			"version":       cfg.Pack.Version,
			"used_fallback": usedFallback,
			"validators":    pack.Validators(ctx),
			"rule_count":    len(pack.Rules(ctx).Rules),
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

func init() {
	packsCmd.AddCommand(packsReloadCmd)
	packsCmd.AddCommand(packsShowCmd)
}
