package bundle

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/instance"
	"github.com/3leaps/dmftloop/pkg/provider"
)

// Mirror copies containers to object storage so bundled history survives
// scratch purges on the cluster.
//
// Keys are laid out as <KeyPrefix>/<instance>/<area>/<container>, e.g.
// dmft/ep9.0_beta60.0/IN/params.json.bundle.
type Mirror struct {
	store     provider.Provider
	putter    provider.ObjectPutter
	keyPrefix string
	logger    *zap.Logger
}

// NewMirror creates a mirror over p, which must support uploads.
func NewMirror(p provider.Provider, keyPrefix string, logger *zap.Logger) (*Mirror, error) {
	if p == nil {
		return nil, fmt.Errorf("mirror provider is required")
	}
	putter, ok := p.(provider.ObjectPutter)
	if !ok {
		return nil, fmt.Errorf("mirror provider does not support uploads")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:     p,
		putter:    putter,
		keyPrefix: strings.Trim(strings.TrimSpace(keyPrefix), "/"),
		logger:    logger.With(zap.String("component", "mirror")),
	}, nil
}

// Close releases the underlying provider.
func (m *Mirror) Close() error {
	return m.store.Close()
}

// Key returns the object key for a family's container.
func (m *Mirror) Key(instanceName string, f instance.Family) string {
	return path.Join(m.keyPrefix, instanceName, filepath.Base(f.Dir), filepath.Base(f.ArchivePath()))
}

// Prefix returns the key prefix under which an instance's containers live.
func (m *Mirror) Prefix(instanceName string) string {
	return path.Join(m.keyPrefix, instanceName) + "/"
}

// List returns every mirrored object of an instance, sorted by key.
func (m *Mirror) List(ctx context.Context, instanceName string) ([]provider.ObjectSummary, error) {
	prefix := m.Prefix(instanceName)
	objs, err := provider.ListAll(ctx, m.store, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	return objs, nil
}

// Stat returns the mirrored metadata of f's container.
func (m *Mirror) Stat(ctx context.Context, instanceName string, f instance.Family) (*provider.ObjectMeta, error) {
	key := m.Key(instanceName, f)
	meta, err := m.store.Head(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return meta, nil
}

// Push uploads a consistent snapshot of f's container. It is a no-op when
// the family has no container yet.
func (m *Mirror) Push(ctx context.Context, s *Store, instanceName string, f instance.Family) error {
	tmpDir, err := os.MkdirTemp("", "dmftloop-mirror-*")
	if err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	snap := filepath.Join(tmpDir, filepath.Base(f.ArchivePath()))
	ok, err := s.Snapshot(ctx, f, snap)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	file, err := os.Open(snap)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = file.Close() }()
	st, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}

	key := m.Key(instanceName, f)
	if err := m.putter.PutObject(ctx, key, file, st.Size()); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	m.logger.Debug("Mirrored container",
		zap.String("family", f.String()),
		zap.String("key", key),
		zap.Int64("bytes", st.Size()))
	return nil
}

// Pull restores f's container from the mirror. An existing local container
// is only replaced when overwrite is set, and only by a download whose length
// matches the mirrored size.
func (m *Mirror) Pull(ctx context.Context, instanceName string, f instance.Family, overwrite bool) error {
	getter, ok := m.putter.(provider.ObjectGetter)
	if !ok {
		return fmt.Errorf("mirror provider does not support downloads")
	}

	dest := f.ArchivePath()
	if _, err := os.Stat(dest); err == nil && !overwrite {
		return fmt.Errorf("container already exists: %s", dest)
	}

	meta, err := m.Stat(ctx, instanceName, f)
	if err != nil {
		return err
	}
	key := m.Key(instanceName, f)
	body, _, err := getter.GetObject(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".pull-*")
	if err != nil {
		return fmt.Errorf("create temp container: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	n, err := io.Copy(tmp, body)
	if err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write container: %w", err)
	}
	if n != meta.Size {
		_ = tmp.Close()
		return fmt.Errorf("download %s: got %d of %d bytes", key, n, meta.Size)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close container: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("install container: %w", err)
	}
	m.logger.Info("Restored container from mirror",
		zap.String("key", key),
		zap.String("path", dest),
		zap.Int64("bytes", n))
	return nil
}
