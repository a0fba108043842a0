package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dmftloop/pkg/journal"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize an instance's run journal",
	Long: `Summarize <instance>/.dmftloop/journal.jsonl: one line per run with
its start, final state and iteration counters. A run without a summary
record is still running or was killed.`,
	RunE: runStatus,
}

var statusInstance string

func init() {
	rootCmd.AddCommand(statusCmd)

	addInstanceFlag(statusCmd, &statusInstance)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

type runSummary struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	Start     *journal.RunRecord     `json:"start,omitempty"`
	Summary   *journal.SummaryRecord `json:"summary,omitempty"`
	Attempts  int                    `json:"failed_attempts"`
	Bundles   int                    `json:"bundle_passes"`
	Dispatch  int                    `json:"dispatches"`
}

// summarizeRuns groups journal records by run, in journal order.
func summarizeRuns(records []journal.Record) ([]*runSummary, error) {
	var (
		runs  []*runSummary
		byRun = map[string]*runSummary{}
	)
	for _, rec := range records {
		rs, ok := byRun[rec.RunID]
		if !ok {
			rs = &runSummary{RunID: rec.RunID, StartedAt: rec.TS}
			byRun[rec.RunID] = rs
			runs = append(runs, rs)
		}
		switch rec.Type {
		case journal.TypeRun:
			rs.Start = &journal.RunRecord{}
			if err := json.Unmarshal(rec.Data, rs.Start); err != nil {
				return nil, fmt.Errorf("run %s: %w", rec.RunID, err)
			}
		case journal.TypeSummary:
			rs.Summary = &journal.SummaryRecord{}
			if err := json.Unmarshal(rec.Data, rs.Summary); err != nil {
				return nil, fmt.Errorf("run %s: %w", rec.RunID, err)
			}
		case journal.TypeAttempt:
			rs.Attempts++
		case journal.TypeBundle:
			rs.Bundles++
		case journal.TypeDispatch:
			rs.Dispatch++
		}
	}
	return runs, nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	layout, err := openInstance(statusInstance)
	if err != nil {
		return err
	}
	records, err := journal.ReadFile(layout.StateDir())
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read journal", err)
	}
	runs, err := summarizeRuns(records)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Malformed journal", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if runs == nil {
			runs = []*runSummary{}
		}
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "RUN\tSTARTED\tSTATE\tNEXT\tCOMPLETED\tFAILED")
	for _, r := range runs {
		state, next, completed := "running?", "-", "-"
		if r.Summary != nil {
			state = r.Summary.State
			next = fmt.Sprint(r.Summary.NextIteration)
			completed = fmt.Sprint(r.Summary.Completed)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			shortID(r.RunID),
			r.StartedAt.UTC().Format(time.RFC3339),
			state,
			next,
			completed,
			r.Attempts,
		)
	}
	return nil
}
