package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fathomlabs/verdict/pkg/domain"
)

var scoreInput string

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score decision logs and persist their findings",
	Long: `Score reads decision logs as JSON (one object or an array) from a
file or stdin, scores each against its project's domain pack, persists
the findings and runs a clustering pass per affected project.`,
	Example: `  # Score a single decision log
  verdict score -i decision.json

  # Score a batch from stdin
  cat batch.json | verdict score`,
	RunE: runScore,
}

func init() {
	scoreCmd.Flags().StringVarP(&scoreInput, "input", "i", "-", "input file, or - for stdin")
}

func runScore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	records, err := readRecords(scoreInput)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no decision logs in input")
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	summary, err := a.orchestrator.ProcessBatch(ctx, records)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), summary)
}

// readRecords accepts either a single decision log object or an array
func readRecords(path string) ([]*domain.DecisionLog, error) {
	var raw []byte
	var err error
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	var batch []*domain.DecisionLog
	if err := json.Unmarshal(raw, &batch); err == nil {
		return batch, nil
	}

	var one domain.DecisionLog
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("parse decision log: %w", err)
	}
	return []*domain.DecisionLog{&one}, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
