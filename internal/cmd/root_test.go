package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with args and returns the exit code and
// captured stdout. Flag values left over from earlier invocations are reset
// first, since cobra commands are package globals.
func runCLI(t *testing.T, args ...string) (int, string) {
	t.Helper()
	isolateConfig(t)
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	t.Cleanup(func() { rootCmd.SetOut(nil) })

	code := execute(context.Background(), args)
	return code, out.String()
}

func isolateConfig(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("DMFTLOOP_CONFIG", "")
	t.Setenv("DMFTLOOP_LOG_LEVEL", "")
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(sliceDefault(f.DefValue))
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// sliceDefault parses a slice flag's printed default, e.g. "[params]".
func sliceDefault(def string) []string {
	def = strings.TrimSuffix(strings.TrimPrefix(def, "["), "]")
	if def == "" {
		return []string{}
	}
	return strings.Split(def, ",")
}

func TestResetFlags_RestoresSliceDefaults(t *testing.T) {
	require.NoError(t, debundleCmd.Flags().Set("family", "hyb,meas"))
	require.NoError(t, archiveListCmd.Flags().Set("family", "meas"))
	require.Contains(t, debundleFamilies, "hyb")

	resetFlags(rootCmd)

	assert.Equal(t, []string{"params"}, debundleFamilies)
	assert.Empty(t, archiveFamilies)
	assert.False(t, debundleCmd.Flags().Changed("family"))
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()

	tests := []struct {
		name      string
		version   string
		commit    string
		buildDate string
	}{
		{name: "set all values", version: "1.0.0", commit: "abc123", buildDate: "2026-01-15"},
		{name: "set dev version", version: "dev", commit: "HEAD", buildDate: "unknown"},
		{name: "set empty values"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetVersionInfo(tt.version, tt.commit, tt.buildDate)

			assert.Equal(t, tt.version, versionInfo.Version)
			assert.Equal(t, tt.commit, versionInfo.Commit)
			assert.Equal(t, tt.buildDate, versionInfo.BuildDate)
		})
	}
}

func TestExitCode(t *testing.T) {
	cause := errors.New("boom")

	err := exitError(foundry.ExitFileNotFound, "Invalid instance", cause)
	assert.Equal(t, foundry.ExitFileNotFound, exitCode(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Invalid instance: boom", err.Error())

	assert.Equal(t, "Run halted", exitError(foundry.ExitExternalServiceUnavailable, "Run halted", nil).Error())
	assert.Equal(t, foundry.ExitInvalidArgument, exitCode(cause))
}

func TestVersionCommand(t *testing.T) {
	orig := versionInfo
	defer func() { versionInfo = orig }()
	SetVersionInfo("1.2.3", "abc", "2026-10-01")

	code, out := runCLI(t, "version")
	require.Equal(t, 0, code)
	assert.Equal(t, "dmftloop 1.2.3 (commit abc, built 2026-10-01)\n", out)

	code, out = runCLI(t, "version", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, `{"version":"1.2.3","commit":"abc","build_date":"2026-10-01"}`, out)
}

func TestMissingInstanceFails(t *testing.T) {
	code, _ := runCLI(t, "bundle", "-i", filepath.Join(t.TempDir(), "nope"))
	assert.Equal(t, foundry.ExitFileNotFound, code)
}

func TestInvalidLogLevel(t *testing.T) {
	code, _ := runCLI(t, "version", "--log-level", "loud")
	assert.Equal(t, foundry.ExitInvalidArgument, code)
}

func TestUnknownFamily(t *testing.T) {
	root := newInstance(t)
	code, _ := runCLI(t, "bundle", "-i", root, "--family", "sigma")
	assert.Equal(t, foundry.ExitInvalidArgument, code)
}

// newInstance creates an empty instance directory.
func newInstance(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "ep9.0_beta60.0")
	for _, area := range []string{"IN", "OUT", "DATA"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, area), 0o755))
	}
	return root
}
