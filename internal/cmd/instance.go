package cmd

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/dmftloop/pkg/instance"
)

// addInstanceFlag registers the shared --instance flag.
func addInstanceFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVarP(target, "instance", "i", "", "Instance directory (required)")
	_ = cmd.MarkFlagRequired("instance")
}

func openInstance(path string) (instance.Layout, error) {
	l, err := instance.Open(path)
	if err != nil {
		return instance.Layout{}, exitError(foundry.ExitFileNotFound, "Invalid instance", err)
	}
	return l, nil
}

// familyNames are the CLI names of the archived families.
var familyNames = []string{"params", "hyb", "meas"}

// selectFamilies maps CLI family names to families. No names means all.
func selectFamilies(l instance.Layout, names []string) ([]instance.Family, error) {
	if len(names) == 0 {
		return l.Families(), nil
	}
	out := make([]instance.Family, 0, len(names))
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "params":
			out = append(out, l.Params())
		case "hyb":
			out = append(out, l.Hyb())
		case "meas":
			out = append(out, l.Meas())
		default:
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid --family",
				fmt.Errorf("unknown family %q (want one of %s)", name, strings.Join(familyNames, ", ")))
		}
	}
	return out, nil
}
