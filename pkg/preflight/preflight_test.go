package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dmftloop/pkg/provider"
	"github.com/3leaps/dmftloop/pkg/provider/file"
)

func newInstance(t *testing.T, manifest string) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "ep9.0_beta60.0")
	for _, area := range []string{"IN", "OUT", "DATA"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, area), 0o755))
	}
	if manifest != "" {
		require.NoError(t, os.WriteFile(filepath.Join(root, "run.yaml"), []byte(manifest), 0o644))
	}
	return root
}

func executable(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

func manifestFor(solver, sc string, jobs string) string {
	return fmt.Sprintf("version: \"1.0\"\nstages:\n  solver:\n    path: %s\n  self_consistency:\n    path: %s\n%s", solver, sc, jobs)
}

const noJobs = "jobs:\n  occupation:\n    enabled: false\n  order_parameter:\n    enabled: false\n"

func byCheck(rep *Report) map[string]Result {
	out := make(map[string]Result, len(rep.Results))
	for _, r := range rep.Results {
		out[r.Check] = r
	}
	return out
}

func TestRun_HealthyInstance(t *testing.T) {
	root := newInstance(t, manifestFor(executable(t, "IS"), executable(t, "CDMFT"), noJobs))

	rep := Run(context.Background(), root, Options{})
	assert.True(t, rep.OK(), "%+v", rep.Results)
	assert.Equal(t, "ep9.0_beta60.0", rep.Instance)

	checks := byCheck(rep)
	assert.Contains(t, checks, CheckSolver)
	assert.NotContains(t, checks, CheckSbatch)
}

func TestRun_MissingLayoutStopsEarly(t *testing.T) {
	rep := Run(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{})
	require.Len(t, rep.Results, 1)
	assert.Equal(t, CheckLayout, rep.Results[0].Check)
	assert.False(t, rep.OK())
}

func TestRun_MissingStageExecutable(t *testing.T) {
	root := newInstance(t, manifestFor(filepath.Join(t.TempDir(), "absent"), executable(t, "CDMFT"), noJobs))

	checks := byCheck(Run(context.Background(), root, Options{}))
	assert.False(t, checks[CheckSolver].OK)
	assert.True(t, checks[CheckSelfConsistency].OK)
}

func TestRun_SbatchCheckedWhenJobsUseIt(t *testing.T) {
	root := newInstance(t, manifestFor(executable(t, "IS"), executable(t, "CDMFT"), ""))

	checks := byCheck(Run(context.Background(), root, Options{SbatchPath: filepath.Join(t.TempDir(), "no-sbatch")}))
	require.Contains(t, checks, CheckSbatch)
	assert.False(t, checks[CheckSbatch].OK)

	checks = byCheck(Run(context.Background(), root, Options{SbatchPath: executable(t, "sbatch")}))
	assert.True(t, checks[CheckSbatch].OK)
}

func TestRun_InvalidManifest(t *testing.T) {
	root := newInstance(t, "version: \"1.0\"\n")
	rep := Run(context.Background(), root, Options{})
	checks := byCheck(rep)
	assert.False(t, checks[CheckManifest].OK)
	assert.NotContains(t, checks, CheckSolver)
}

func TestRun_MirrorProbeLeavesNothingBehind(t *testing.T) {
	root := newInstance(t, manifestFor(executable(t, "IS"), executable(t, "CDMFT"), noJobs))
	base := t.TempDir()
	p, err := file.New(file.Config{BaseDir: base})
	require.NoError(t, err)

	checks := byCheck(Run(context.Background(), root, Options{Mirror: p, KeyPrefix: "dmftloop"}))
	require.True(t, checks[CheckMirrorWrite].OK, checks[CheckMirrorWrite].Detail)

	objs, err := provider.ListAll(context.Background(), p, "dmftloop")
	require.NoError(t, err)
	assert.Empty(t, objs)
}

type deniedPutter struct{}

func (deniedPutter) PutObject(context.Context, string, io.Reader, int64) error {
	return &provider.ProviderError{Op: "PutObject", Provider: provider.ProviderS3, Err: provider.ErrAccessDenied}
}

func TestRun_MirrorProbeDenied(t *testing.T) {
	root := newInstance(t, manifestFor(executable(t, "IS"), executable(t, "CDMFT"), noJobs))

	checks := byCheck(Run(context.Background(), root, Options{Mirror: deniedPutter{}}))
	res := checks[CheckMirrorWrite]
	assert.False(t, res.OK)
	assert.Equal(t, provider.CodeAccessDenied, res.ErrorCode)
}
