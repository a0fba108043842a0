package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dmftloop/pkg/bundle"
)

var debundleCmd = &cobra.Command{
	Use:   "debundle",
	Short: "Restore one archived artifact as a standalone file",
	Long: `Extract iteration --iteration of each selected family from its
container. The container is not modified and an existing standalone file
is left untouched. "archived" reports whether the container holds the
iteration, independent of whether a standalone copy already existed.

Example:
  dmftloop debundle -i ep9.0_beta60.0 --family params --iteration 12`,
	RunE: runDebundle,
}

var (
	debundleInstance  string
	debundleFamilies  []string
	debundleIteration int
)

func init() {
	rootCmd.AddCommand(debundleCmd)

	addInstanceFlag(debundleCmd, &debundleInstance)
	debundleCmd.Flags().StringSliceVar(&debundleFamilies, "family", []string{"params"}, "Families to restore: params, hyb, meas")
	debundleCmd.Flags().IntVarP(&debundleIteration, "iteration", "n", -1, "Iteration to restore (required)")
	_ = debundleCmd.MarkFlagRequired("iteration")
}

type debundleResult struct {
	Family    string `json:"family"`
	Iteration int    `json:"iteration"`
	Path      string `json:"path"`
	Restored  bool   `json:"restored"`
	Archived  bool   `json:"archived"`
}

func runDebundle(cmd *cobra.Command, _ []string) error {
	if debundleIteration < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --iteration", nil)
	}
	layout, err := openInstance(debundleInstance)
	if err != nil {
		return err
	}
	families, err := selectFamilies(layout, debundleFamilies)
	if err != nil {
		return err
	}

	store := bundle.NewStore(cliLogger())
	defer func() { _ = store.Close() }()

	var (
		results []debundleResult
		missing bool
	)
	for _, f := range families {
		ok, err := store.Debundle(cmd.Context(), f, debundleIteration)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Debundle failed", err)
		}
		archived, err := store.Has(cmd.Context(), f, debundleIteration)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot read container", err)
		}
		missing = missing || !ok
		results = append(results, debundleResult{
			Family:    f.String(),
			Iteration: debundleIteration,
			Path:      f.Path(debundleIteration),
			Restored:  ok,
			Archived:  archived,
		})
	}
	if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if missing {
		return exitError(foundry.ExitFileNotFound, "Iteration not archived", nil)
	}
	return nil
}
