package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/provider"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect and mirror bundle containers",
}

var archiveListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List archived iterations per family",
	RunE:  runArchiveList,
}

var archivePushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload containers to the configured mirror",
	RunE:  runArchivePush,
}

var archivePullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Restore containers from the configured mirror",
	RunE:  runArchivePull,
}

var (
	archiveInstance  string
	archiveFamilies  []string
	archiveOverwrite bool
	archiveRemote    bool
)

func init() {
	rootCmd.AddCommand(archiveCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archivePushCmd)
	archiveCmd.AddCommand(archivePullCmd)

	for _, c := range []*cobra.Command{archiveListCmd, archivePushCmd, archivePullCmd} {
		addInstanceFlag(c, &archiveInstance)
		c.Flags().StringSliceVar(&archiveFamilies, "family", nil, "Families: params, hyb, meas (default: all)")
	}
	archiveListCmd.Flags().Bool("json", false, "Output as JSON")
	archiveListCmd.Flags().BoolVar(&archiveRemote, "remote", false, "List the containers held by the configured mirror")
	archivePullCmd.Flags().BoolVar(&archiveOverwrite, "overwrite", false, "Replace existing local containers")
}

type archiveListing struct {
	Family  string         `json:"family"`
	Path    string         `json:"path"`
	Entries []bundle.Entry `json:"entries"`
}

type remoteObject struct {
	Key      string    `json:"key"`
	Bytes    int64     `json:"bytes"`
	Modified time.Time `json:"modified"`
}

func runArchiveList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	layout, err := openInstance(archiveInstance)
	if err != nil {
		return err
	}
	if archiveRemote {
		return listRemote(cmd, layout.Name(), jsonOutput)
	}
	families, err := selectFamilies(layout, archiveFamilies)
	if err != nil {
		return err
	}

	store := bundle.NewStore(cliLogger())
	defer func() { _ = store.Close() }()

	listings := make([]archiveListing, 0, len(families))
	for _, f := range families {
		entries, err := store.Entries(cmd.Context(), f)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Cannot read container", err)
		}
		listings = append(listings, archiveListing{Family: f.String(), Path: f.ArchivePath(), Entries: entries})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, listings)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "FAMILY\tITERATION\tBYTES\tSHA256\tARCHIVED")
	for _, l := range listings {
		if len(l.Entries) == 0 {
			_, _ = fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", l.Family)
			continue
		}
		for _, e := range l.Entries {
			_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n",
				l.Family, e.Iteration, e.SizeBytes, shortDigest(e.SHA256), e.ArchivedAt.UTC().Format(time.RFC3339))
		}
	}
	return nil
}

func listRemote(cmd *cobra.Command, instanceName string, jsonOutput bool) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	mirror, err := buildMirror(ctx, cfg.Mirror, cliLogger())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive mirror", err)
	}
	defer func() { _ = mirror.Close() }()

	objs, err := mirror.List(ctx, instanceName)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot list mirror", err)
	}
	listing := make([]remoteObject, 0, len(objs))
	for _, o := range objs {
		listing = append(listing, remoteObject{Key: o.Key, Bytes: o.Size, Modified: o.LastModified})
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, listing)
	}
	if len(listing) == 0 {
		_, _ = fmt.Fprintf(out, "Nothing mirrored under %s\n", mirror.Prefix(instanceName))
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "KEY\tBYTES\tMODIFIED")
	for _, o := range listing {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\n", o.Key, o.Bytes, o.Modified.UTC().Format(time.RFC3339))
	}
	return nil
}

func runArchivePush(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	layout, err := openInstance(archiveInstance)
	if err != nil {
		return err
	}
	families, err := selectFamilies(layout, archiveFamilies)
	if err != nil {
		return err
	}

	logger := cliLogger()
	mirror, err := buildMirror(ctx, cfg.Mirror, logger)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive mirror", err)
	}
	defer func() { _ = mirror.Close() }()
	store := bundle.NewStore(logger)
	defer func() { _ = store.Close() }()

	for _, f := range families {
		if err := mirror.Push(ctx, store, layout.Name(), f); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Push failed", err)
		}
		logger.Info("Pushed container", zap.String("family", f.String()), zap.String("key", mirror.Key(layout.Name(), f)))
	}
	return nil
}

func runArchivePull(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	layout, err := openInstance(archiveInstance)
	if err != nil {
		return err
	}
	families, err := selectFamilies(layout, archiveFamilies)
	if err != nil {
		return err
	}

	mirror, err := buildMirror(ctx, cfg.Mirror, cliLogger())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure archive mirror", err)
	}
	defer func() { _ = mirror.Close() }()
	for _, f := range families {
		err := mirror.Pull(ctx, layout.Name(), f, archiveOverwrite)
		switch {
		case err == nil:
		case provider.IsNotFound(err):
			cliLogger().Warn("No mirrored container", zap.String("family", f.String()))
		default:
			return exitError(foundry.ExitExternalServiceUnavailable, "Pull failed", err)
		}
	}
	return nil
}

func shortDigest(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
