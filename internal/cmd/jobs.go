package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dmftloop/pkg/scheduler"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect auxiliary job submissions",
	Long: `Inspect the receipts of occupation and order-parameter jobs handed
to the scheduler. Receipts live under <instance>/.dmftloop/jobs/<id>/job.json.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List submissions, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <receipt_id>",
	Short: "Show one submission",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsInstance string

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)

	for _, c := range []*cobra.Command{jobsListCmd, jobsStatusCmd} {
		addInstanceFlag(c, &jobsInstance)
		c.Flags().Bool("json", false, "Output as JSON")
	}
}

func jobsRegistry() (*scheduler.Registry, error) {
	layout, err := openInstance(jobsInstance)
	if err != nil {
		return nil, err
	}
	return scheduler.NewRegistry(layout.JobsDir()), nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	registry, err := jobsRegistry()
	if err != nil {
		return err
	}
	receipts, err := registry.List()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if receipts == nil {
			receipts = []scheduler.Receipt{}
		}
		return writeJSON(out, receipts)
	}
	if len(receipts) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "ID\tKIND\tITERATION\tBACKEND\tSTATE\tEXTERNAL\tSUBMITTED")
	for _, r := range receipts {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			shortID(r.ID),
			r.Kind,
			r.Iteration,
			r.Backend,
			r.State,
			orDash(r.ExternalID),
			r.SubmittedAt.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	registry, err := jobsRegistry()
	if err != nil {
		return err
	}
	id, err := resolveReceiptID(registry, args[0])
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Unknown job", err)
	}
	rec, err := registry.Get(id)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, rec)
	}

	_, _ = fmt.Fprintf(out, "id=%s\n", rec.ID)
	_, _ = fmt.Fprintf(out, "kind=%s\n", rec.Kind)
	_, _ = fmt.Fprintf(out, "iteration=%d\n", rec.Iteration)
	_, _ = fmt.Fprintf(out, "backend=%s\n", rec.Backend)
	_, _ = fmt.Fprintf(out, "state=%s\n", rec.State)
	_, _ = fmt.Fprintf(out, "argv=%s\n", strings.Join(rec.Argv, " "))
	if rec.ExternalID != "" {
		_, _ = fmt.Fprintf(out, "external_id=%s\n", rec.ExternalID)
	}
	if rec.PID > 0 {
		_, _ = fmt.Fprintf(out, "pid=%d\n", rec.PID)
	}
	if rec.ExitCode != nil {
		_, _ = fmt.Fprintf(out, "exit_code=%d\n", *rec.ExitCode)
	}
	_, _ = fmt.Fprintf(out, "submitted_at=%s\n", rec.SubmittedAt.UTC().Format(time.RFC3339))
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(out, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	if rec.StdoutPath != "" {
		_, _ = fmt.Fprintf(out, "stdout=%s\n", rec.StdoutPath)
	}
	if rec.StderrPath != "" {
		_, _ = fmt.Fprintf(out, "stderr=%s\n", rec.StderrPath)
	}
	if rec.Error != "" {
		_, _ = fmt.Fprintf(out, "error=%s\n", rec.Error)
	}
	return nil
}

// resolveReceiptID accepts a full id or a unique prefix, so the short ids
// printed by "jobs ls" can be pasted back.
func resolveReceiptID(registry *scheduler.Registry, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("receipt id is required")
	}
	if _, err := registry.Get(input); err == nil {
		return input, nil
	}

	receipts, err := registry.List()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range receipts {
		if strings.HasPrefix(r.ID, input) {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("job not found: %s", input)
	case 1:
		return matches[0], nil
	}
	return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use the full id", len(matches))
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
