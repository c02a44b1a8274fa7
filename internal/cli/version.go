package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show verdict version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "verdict v%s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "Git Commit: %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "Build Date: %s\n", buildDate)
	},
}

// These will be set by build scripts
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)
