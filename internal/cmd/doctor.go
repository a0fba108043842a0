package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dmftloop/pkg/preflight"
	"github.com/3leaps/dmftloop/pkg/provider"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that an instance is ready to run",
	Long: `Check the instance layout, the run manifest, that the stage executables
and sbatch resolve, and optionally that the archive mirror accepts writes.
Nothing in the instance is modified.

Examples:
  dmftloop doctor -i ep9.0_beta60.0
  dmftloop doctor -i ep9.0_beta60.0 --probe-mirror --json`,
	RunE: runDoctor,
}

var (
	doctorInstance    string
	doctorManifest    string
	doctorProbeMirror bool
)

func init() {
	rootCmd.AddCommand(doctorCmd)

	addInstanceFlag(doctorCmd, &doctorInstance)
	doctorCmd.Flags().StringVar(&doctorManifest, "manifest", "", "Run manifest (default: <instance>/run.yaml)")
	doctorCmd.Flags().BoolVar(&doctorProbeMirror, "probe-mirror", false, "Upload and delete a probe object on the configured mirror")
	doctorCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	opts := preflight.Options{
		ManifestPath: doctorManifest,
		SbatchPath:   cfg.Scheduler.SbatchPath,
		KeyPrefix:    cfg.Mirror.KeyPrefix,
	}
	if doctorProbeMirror {
		p, err := newMirrorProvider(ctx, cfg.Mirror)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive mirror", err)
		}
		defer func() { _ = p.Close() }()
		putter, ok := p.(provider.ObjectPutter)
		if !ok {
			return exitError(foundry.ExitInvalidArgument, "Mirror provider does not support uploads", nil)
		}
		opts.Mirror = putter
	}

	rep := preflight.Run(ctx, doctorInstance, opts)

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := writeJSON(out, rep); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "CHECK\tRESULT\tDETAIL")
		for _, r := range rep.Results {
			result := "ok"
			if !r.OK {
				result = "FAIL"
				if r.ErrorCode != "" {
					result += " (" + r.ErrorCode + ")"
				}
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.Check, result, orDash(r.Detail))
		}
		_ = w.Flush()
	}

	if !rep.OK() {
		return exitError(foundry.ExitExternalServiceUnavailable, "Instance is not ready", nil)
	}
	return nil
}
