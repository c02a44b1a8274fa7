// Package cli implements the verdict command line interface.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "verdict",
	Short: "Decision log scoring and insight clustering",
	Long: `Verdict scores decision logs against project domain packs and
clusters recurring findings into durable, reviewable insights.

Each project resolves to a domain pack: SLA tables, business rules,
template mappings, custom validator declarations and free-text
knowledge. Scoring runs five built-in validators plus the pack's
declared validators in a bounded sandbox.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus VERDICT_* env)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(insightsCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(packsCmd)
	rootCmd.AddCommand(versionCmd)
}
