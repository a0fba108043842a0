package stagegate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dmftloop/pkg/bundle"
	"github.com/3leaps/dmftloop/pkg/instance"
)

type stubArchive struct {
	calls int
	ok    bool
	err   error
}

func (s *stubArchive) Debundle(ctx context.Context, f instance.Family, n int) (bool, error) {
	s.calls++
	return s.ok, s.err
}

func family(t *testing.T) instance.Family {
	t.Helper()
	return instance.Family{Dir: t.TempDir(), Prefix: "params", Suffix: ".json"}
}

func TestExists_StandaloneSkipsArchive(t *testing.T) {
	f := family(t)
	require.NoError(t, os.WriteFile(f.Path(1), []byte("{}"), 0o644))
	archive := &stubArchive{}

	assert.True(t, New(archive, nil).Exists(context.Background(), f, 1))
	assert.Zero(t, archive.calls)
}

func TestExists_ArchiveMissOrError(t *testing.T) {
	f := family(t)

	assert.False(t, New(&stubArchive{}, nil).Exists(context.Background(), f, 3))
	assert.False(t, New(&stubArchive{ok: true, err: errors.New("corrupt")}, nil).Exists(context.Background(), f, 3))
	assert.False(t, New(nil, nil).Exists(context.Background(), f, 3))
}

func TestExists_DebundlesFromStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "IN")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f := instance.Family{Dir: dir, Prefix: "params", Suffix: ".json"}
	require.NoError(t, os.WriteFile(f.Path(2), []byte(`{"U": 8}`), 0o644))

	store := bundle.NewStore(nil)
	defer func() { _ = store.Close() }()
	_, err := store.BundleUpTo(ctx, f, 3)
	require.NoError(t, err)
	require.NoFileExists(t, f.Path(2))

	g := New(store, nil)
	assert.True(t, g.Exists(ctx, f, 2))
	got, err := os.ReadFile(f.Path(2))
	require.NoError(t, err)
	assert.Equal(t, `{"U": 8}`, string(got))

	// Neither standalone nor archived.
	assert.False(t, g.Exists(ctx, f, 3))
	assert.NoFileExists(t, f.Path(3))
}
