package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fathomlabs/verdict/pkg/domain"
)

var insightStatuses []string

var insightsCmd = &cobra.Command{
	Use:   "insights <project-id>",
	Short: "List a project's insights",
	Long: `Insights lists a project's insights ordered by severity, newest
first within each severity. Filter by status with --status.`,
	Example: `  # Everything for a project
  verdict insights acme-air

  # Only open insights
  verdict insights acme-air --status open`,
	Args: cobra.ExactArgs(1),
	RunE: runInsights,
}

func init() {
	insightsCmd.Flags().StringSliceVar(&insightStatuses, "status", nil,
		"status filter (open, converted, dismissed, resolved)")
}

func runInsights(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	statuses := make([]domain.InsightStatus, 0, len(insightStatuses))
	for _, s := range insightStatuses {
		status := domain.InsightStatus(s)
		switch status {
		case domain.InsightOpen, domain.InsightConverted, domain.InsightDismissed, domain.InsightResolved:
			statuses = append(statuses, status)
		default:
			return fmt.Errorf("unknown status %q", s)
		}
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	insights, err := a.store.ListInsights(ctx, args[0], statuses)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), insights)
}
