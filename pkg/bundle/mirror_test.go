package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/provider"
	"github.com/3leaps/dmftloop/pkg/provider/file"
)

func TestMirror_Key(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	m, err := NewMirror(p, "/dmft/", nil)
	require.NoError(t, err)

	f := instance.Family{Dir: "/scratch/ep9.0_beta60.0/OUT", Prefix: "params", Suffix: ".meas.json"}
	assert.Equal(t, "dmft/ep9.0_beta60.0/OUT/params.meas.json.bundle", m.Key("ep9.0_beta60.0", f))
}

func TestNewMirror_RequiresProvider(t *testing.T) {
	_, err := NewMirror(nil, "", nil)
	require.Error(t, err)
}

// listOnly is a provider without upload support.
type listOnly struct{ provider.Provider }

func TestNewMirror_RequiresUploads(t *testing.T) {
	_, err := NewMirror(listOnly{}, "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "uploads")
}

func TestMirror_ListAndStat(t *testing.T) {
	ctx := context.Background()
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	m, err := NewMirror(p, "archive", nil)
	require.NoError(t, err)
	assert.Equal(t, "archive/run1/", m.Prefix("run1"))

	s := newTestStore(t)
	params := newFamily(t, filepath.Join(t.TempDir(), "run1", "IN"))
	writeMember(t, params, 1, `{"mu": 0.5}`)
	_, err = s.BundleUpTo(ctx, params, 2)
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, s, "run1", params))

	// Another instance under the same prefix must not show up.
	require.NoError(t, m.Push(ctx, s, "run10", params))

	objs, err := m.List(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "archive/run1/IN/params.json.bundle", objs[0].Key)
	assert.Positive(t, objs[0].Size)

	meta, err := m.Stat(ctx, "run1", params)
	require.NoError(t, err)
	assert.Equal(t, objs[0].Size, meta.Size)

	_, err = m.Stat(ctx, "run2", params)
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
}

func TestMirror_PushPull(t *testing.T) {
	ctx := context.Background()
	remote := t.TempDir()
	p, err := file.New(file.Config{BaseDir: remote})
	require.NoError(t, err)
	m, err := NewMirror(p, "archive", nil)
	require.NoError(t, err)

	s := newTestStore(t)
	f := newFamily(t, filepath.Join(t.TempDir(), "run1", "IN"))
	writeMember(t, f, 1, `{"mu": 0.5}`)

	// No container yet: nothing to push.
	require.NoError(t, m.Push(ctx, s, "run1", f))
	objs, err := provider.ListAll(ctx, p, "archive")
	require.NoError(t, err)
	assert.Empty(t, objs)

	_, err = s.BundleUpTo(ctx, f, 2)
	require.NoError(t, err)
	require.NoError(t, m.Push(ctx, s, "run1", f))
	assert.FileExists(t, filepath.Join(remote, "archive", "run1", "IN", "params.json.bundle"))

	// Restore into a fresh instance directory.
	restored := newFamily(t, filepath.Join(t.TempDir(), "run1", "IN"))
	require.NoError(t, m.Pull(ctx, "run1", restored, false))
	assert.FileExists(t, restored.ArchivePath())
	assert.Error(t, m.Pull(ctx, "run1", restored, false), "existing container needs overwrite")

	other := newTestStore(t)
	got, err := other.Read(ctx, restored, 1)
	require.NoError(t, err)
	assert.Equal(t, `{"mu": 0.5}`, string(got))

	leftovers, err := filepath.Glob(filepath.Join(restored.Dir, ".pull-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
	_, err = os.Stat(restored.Path(1))
	assert.True(t, os.IsNotExist(err))
}

func TestMirror_PullMissing(t *testing.T) {
	p, err := file.New(file.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	m, err := NewMirror(p, "", nil)
	require.NoError(t, err)

	f := newFamily(t, filepath.Join(t.TempDir(), "IN"))
	err = m.Pull(context.Background(), "run1", f, false)
	require.Error(t, err)
	assert.True(t, provider.IsNotFound(err))
	assert.NoFileExists(t, f.ArchivePath())
}
