package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/manifest"
	"github.com/3leaps/dmftloop/pkg/stage"
)

var initCmd = &cobra.Command{
	Use:   "init <instance>",
	Short: "Create an instance directory and its run manifest",
	Long: `Create <instance>/IN, OUT and DATA and write <instance>/run.yaml
naming the solver and self-consistency executables. Existing directories
are kept; an existing run.yaml is only replaced with --force.

Example:
  dmftloop init ep9.0_beta60.0 --solver /opt/cdmft/IS --self-consistency /opt/cdmft/CDMFT --launcher srun`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

var (
	initSolver          string
	initSelfConsistency string
	initLauncher        []string
	initForce           bool
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initSolver, "solver", "", "Impurity solver executable (required)")
	initCmd.Flags().StringVar(&initSelfConsistency, "self-consistency", "", "Self-consistency executable (required)")
	initCmd.Flags().StringSliceVar(&initLauncher, "launcher", nil, "Launcher prepended to the solver, e.g. srun")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing run.yaml")
	_ = initCmd.MarkFlagRequired("solver")
	_ = initCmd.MarkFlagRequired("self-consistency")
}

func runInit(cmd *cobra.Command, args []string) error {
	layout := instance.New(args[0])
	for _, dir := range []string{layout.Input, layout.Output, layout.Data} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return exitError(foundry.ExitFileWriteError, "Cannot create instance", err)
		}
	}

	path := filepath.Join(layout.Root, manifest.FileName)
	if _, err := os.Stat(path); err == nil && !initForce {
		return exitError(foundry.ExitInvalidArgument, "Run manifest exists (use --force to replace)", fmt.Errorf("%s", path))
	}

	m := &manifest.Manifest{
		Version: manifest.DefaultVersion,
		Stages: manifest.StagesConfig{
			Solver:          stage.Command{Launcher: initLauncher, Path: initSolver},
			SelfConsistency: stage.Command{Path: initSelfConsistency},
		},
	}
	m.ApplyDefaults()

	data, err := manifest.Marshal(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Cannot encode manifest", err)
	}
	if _, err := manifest.LoadFromBytes(data, path); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Generated manifest is invalid", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return exitError(foundry.ExitFileWriteError, "Cannot write manifest", err)
	}

	cliLogger().Info("Initialized instance", zap.String("root", layout.Root), zap.String("manifest", path))
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), path)
	return nil
}
