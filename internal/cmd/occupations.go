package cmd

import (
	"errors"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/driver"
	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/manifest"
	"github.com/3leaps/dmftloop/pkg/occupation"
	"github.com/3leaps/dmftloop/pkg/scheduler"
)

var occupationsCmd = &cobra.Command{
	Use:   "occupations",
	Short: "Find (and optionally resubmit) the first missing occupation",
	Long: `Compare DATA/N.dat with DATA/ekin.dat and report the first iteration
whose occupation was never computed. With --submit the occupation job for
that iteration is handed to the scheduler using the run manifest's job
template (or the built-in sbatch default when the instance has no run.yaml).

Example:
  dmftloop occupations -i ep9.0_beta60.0 --submit`,
	RunE: runOccupations,
}

var (
	occInstance string
	occManifest string
	occSubmit   bool
)

func init() {
	rootCmd.AddCommand(occupationsCmd)

	addInstanceFlag(occupationsCmd, &occInstance)
	occupationsCmd.Flags().StringVar(&occManifest, "manifest", "", "Run manifest (default: <instance>/run.yaml)")
	occupationsCmd.Flags().BoolVar(&occSubmit, "submit", false, "Submit an occupation job for the gap")
}

type occupationGap struct {
	Instance  string             `json:"instance"`
	Missing   bool               `json:"missing"`
	Iteration int                `json:"iteration,omitempty"`
	Receipt   *scheduler.Receipt `json:"receipt,omitempty"`
}

func runOccupations(cmd *cobra.Command, _ []string) error {
	layout, err := openInstance(occInstance)
	if err != nil {
		return err
	}
	n, ok, err := occupation.FindMissing(layout.Data)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Cannot read occupation tables", err)
	}

	gap := occupationGap{Instance: layout.Name(), Missing: ok, Iteration: n}
	if ok && occSubmit {
		rec, err := submitOccupation(cmd, layout, n)
		if err != nil {
			return err
		}
		gap.Receipt = rec
	}
	return writeJSON(cmd.OutOrStdout(), gap)
}

func submitOccupation(cmd *cobra.Command, layout instance.Layout, n int) (*scheduler.Receipt, error) {
	tmpl, name, err := occupationTemplate(layout)
	if err != nil {
		return nil, err
	}
	if tmpl == nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Occupation job is disabled in the run manifest", nil)
	}

	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	logger := cliLogger()
	registry := scheduler.NewRegistry(layout.JobsDir())

	var sub scheduler.Submitter
	switch tmpl.Backend {
	case scheduler.BackendLocal:
		local, err := scheduler.NewLocal(registry, logger)
		if err != nil {
			return nil, exitError(foundry.ExitFileWriteError, "Cannot prepare local jobs", err)
		}
		// The receipt's final state is written when the script exits; the
		// CLI must outlive it for that.
		defer local.Wait()
		sub = local
	default:
		sub = scheduler.NewSbatch(registry, cfg.Scheduler.SbatchPath, cfg.Scheduler.SbatchArgs...)
	}

	job := tmpl.Build(scheduler.KindOccupation, layout, name, n)
	rec, err := sub.Submit(cmd.Context(), job)
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Submission failed", err)
	}
	logger.Info("Submitted occupation job",
		zap.Int("iteration", n),
		zap.String("receipt", rec.ID),
		zap.String("external_id", rec.ExternalID))
	return rec, nil
}

// occupationTemplate prefers the instance manifest and falls back to the
// built-in default only when there is none.
func occupationTemplate(layout instance.Layout) (*scheduler.JobTemplate, string, error) {
	m, err := manifest.LoadForInstance(layout.Root, occManifest)
	switch {
	case err == nil:
		return m.Occupation(), m.Driver.Name, nil
	case occManifest == "" && errors.Is(err, os.ErrNotExist):
		tmpl := scheduler.DefaultOccupation()
		tmpl.Dir = layout.Root
		return &tmpl, driver.DefaultName, nil
	}
	return nil, "", exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
}
