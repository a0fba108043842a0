package cmd

import (
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/journal"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Move finished artifacts into their family containers",
	Long: `Bundle every standalone artifact below --up-to into the family's
container and remove the standalone file. Files whose content is already
archived are only removed.

Without --up-to the bound is taken from the newest standalone file plus
one, which bundles everything present.

Example:
  dmftloop bundle -i ep9.0_beta60.0 --family params --up-to 12`,
	RunE: runBundle,
}

var (
	bundleInstance string
	bundleFamilies []string
	bundleUpTo     int
)

func init() {
	rootCmd.AddCommand(bundleCmd)

	addInstanceFlag(bundleCmd, &bundleInstance)
	bundleCmd.Flags().StringSliceVar(&bundleFamilies, "family", nil, "Families to bundle: params, hyb, meas (default: all)")
	bundleCmd.Flags().IntVar(&bundleUpTo, "up-to", -1, "Exclusive iteration bound (default: everything present)")
}

func runBundle(cmd *cobra.Command, _ []string) error {
	layout, err := openInstance(bundleInstance)
	if err != nil {
		return err
	}
	families, err := selectFamilies(layout, bundleFamilies)
	if err != nil {
		return err
	}

	logger := cliLogger()
	store := bundle.NewStore(logger)
	defer func() { _ = store.Close() }()

	var (
		results []journal.BundleRecord
		failed  int
	)
	for _, f := range families {
		bound := bundleUpTo
		if bound < 0 {
			if bound, err = bundle.NextBound(f); err != nil {
				return exitError(foundry.ExitFileReadError, "Cannot list artifacts", err)
			}
		}
		res, err := store.BundleUpTo(cmd.Context(), f, bound)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Bundle failed", err)
		}
		rec := journal.BundleRecord{
			Family:    res.Family,
			Bound:     res.Bound,
			Archived:  res.Archived,
			Unchanged: res.Unchanged,
		}
		for _, fe := range res.Failed {
			rec.Failed = append(rec.Failed, fe.Error())
			logger.Warn("File not bundled", zap.Error(fe))
		}
		failed += len(res.Failed)
		results = append(results, rec)
	}

	if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
		return err
	}
	if failed > 0 {
		return exitError(foundry.ExitFileWriteError, "Some files were not bundled", nil)
	}
	return nil
}
