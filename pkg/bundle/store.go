// Package bundle consolidates per-iteration artifacts into one container per
// artifact family and extracts single artifacts back on demand.
//
// A container is a SQLite file stored next to the artifacts it replaces
// (e.g. IN/params.json.bundle). Each row holds the exact bytes of one
// iteration's artifact plus its SHA-256, so bundle/debundle round-trips are
// lossless. Once an artifact is bundled its standalone file is removed; the
// container is the source of truth for bundled iterations.
package bundle

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/dmftloop/pkg/instance"
)

const schemaVersion = 1

// Entry describes one bundled artifact.
type Entry struct {
	Iteration  int       `json:"iteration"`
	SizeBytes  int64     `json:"size_bytes"`
	SHA256     string    `json:"sha256"`
	ArchivedAt time.Time `json:"archived_at"`
}

// BundleResult summarizes a bundle pass over one family.
type BundleResult struct {
	Family string `json:"family"`
	Bound  int    `json:"bound"`

	// Archived lists iterations whose content was written to the container.
	Archived []int `json:"archived,omitempty"`

	// Unchanged lists iterations already archived with identical content;
	// only their standalone file was removed.
	Unchanged []int `json:"unchanged,omitempty"`

	// Failed holds per-file errors. A failed file stays standalone.
	Failed []*FileError `json:"-"`
}

// Store manages the containers of any number of families.
//
// Containers are opened lazily and kept open until Close. Store is safe for
// concurrent use, although the driver calls it from a single goroutine.
type Store struct {
	mu       sync.Mutex
	dbs      map[string]*sql.DB
	logger   *zap.Logger
	now      func() time.Time
	readFile func(string) ([]byte, error)
}

// NewStore creates a store. A nil logger disables logging.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dbs:      make(map[string]*sql.DB),
		logger:   logger.With(zap.String("component", "bundle")),
		now:      func() time.Time { return time.Now().UTC() },
		readFile: os.ReadFile,
	}
}

// Close closes every open container.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for path, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", path, err))
		}
		delete(s.dbs, path)
	}
	return errors.Join(errs...)
}

// container returns the open container for a family. When create is false
// and the container file does not exist, it returns (nil, nil) without
// creating anything.
func (s *Store) container(ctx context.Context, f instance.Family, create bool) (*sql.DB, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	path := f.ArchivePath()

	s.mu.Lock()
	defer s.mu.Unlock()

	if db, ok := s.dbs[path]; ok {
		return db, nil
	}
	if !create {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("stat container: %w", err)
		}
	}

	db, err := openDB(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, db, f, s.now()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[path] = db
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, f instance.Family, now time.Time) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bundle_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			prefix TEXT NOT NULL,
			suffix TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO bundle_meta (id, schema_version, prefix, suffix, created_at) VALUES (1, ?, ?, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS entries (
			iteration INTEGER PRIMARY KEY,
			content BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			archived_at TEXT NOT NULL
		);`,
	}

	for i, stmt := range stmts {
		if i == 1 {
			if _, err := db.ExecContext(ctx, stmt, schemaVersion, f.Prefix, f.Suffix, now.Format(time.RFC3339Nano)); err != nil {
				return fmt.Errorf("init bundle meta: %w", err)
			}
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init bundle schema: %w", err)
		}
	}
	return nil
}

// members lists the standalone iterations of a family, ascending.
func members(f instance.Family) ([]int, error) {
	names, err := doublestar.Glob(os.DirFS(f.Dir), f.Glob())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f, err)
	}
	out := make([]int, 0, len(names))
	for _, name := range names {
		n, ok := f.Parse(name)
		if !ok {
			continue
		}
		if !f.Exists(n) {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// NextBound returns one past the newest standalone artifact of f, or 0 when
// there is none. Bundling up to it archives everything present.
func NextBound(f instance.Family) (int, error) {
	ns, err := members(f)
	if err != nil || len(ns) == 0 {
		return 0, err
	}
	return ns[len(ns)-1] + 1, nil
}

// BundleUpTo archives every standalone artifact of f with iteration < bound
// and removes the standalone file. Artifacts at or above bound are never
// touched.
//
// Per-file failures are collected in the result and do not stop the pass.
// The returned error is non-nil only when the family cannot be listed or its
// container cannot be opened.
func (s *Store) BundleUpTo(ctx context.Context, f instance.Family, bound int) (*BundleResult, error) {
	res := &BundleResult{Family: f.String(), Bound: bound}

	all, err := members(f)
	if err != nil {
		return res, err
	}
	var pending []int
	for _, n := range all {
		if n < bound {
			pending = append(pending, n)
		}
	}
	if len(pending) == 0 {
		return res, nil
	}

	db, err := s.container(ctx, f, true)
	if err != nil {
		return res, fmt.Errorf("open container for %s: %w", f, err)
	}

	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		changed, ferr := s.bundleOne(ctx, db, f, n)
		if ferr != nil {
			s.logger.Warn("Bundle failed for artifact",
				zap.String("path", ferr.Path),
				zap.String("op", ferr.Op),
				zap.Error(ferr.Err))
			res.Failed = append(res.Failed, ferr)
			continue
		}
		if changed {
			res.Archived = append(res.Archived, n)
		} else {
			res.Unchanged = append(res.Unchanged, n)
		}
	}

	s.logger.Debug("Bundle pass complete",
		zap.String("family", res.Family),
		zap.Int("bound", bound),
		zap.Ints("archived", res.Archived),
		zap.Int("unchanged", len(res.Unchanged)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}

// bundleOne stores one artifact and removes its standalone file. The entry
// is committed before the file is removed, so a crash in between leaves both
// copies and the next pass finishes the job.
func (s *Store) bundleOne(ctx context.Context, db *sql.DB, f instance.Family, n int) (bool, *FileError) {
	path := f.Path(n)
	data, err := s.readFile(path)
	if err != nil {
		return false, &FileError{Op: "read", Path: path, Iteration: n, Err: err}
	}
	sum := digest(data)

	var existing string
	err = db.QueryRowContext(ctx, `SELECT sha256 FROM entries WHERE iteration = ?`, n).Scan(&existing)
	switch {
	case err == nil && existing == sum:
		// Already archived (e.g. a previous debundle); only the file goes.
	case err == nil || errors.Is(err, sql.ErrNoRows):
		if err == nil {
			s.logger.Info("Standalone artifact differs from bundled copy; replacing entry",
				zap.String("path", path),
				zap.String("old_sha256", existing),
				zap.String("new_sha256", sum))
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO entries (iteration, content, size_bytes, sha256, archived_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(iteration) DO UPDATE SET
				content=excluded.content,
				size_bytes=excluded.size_bytes,
				sha256=excluded.sha256,
				archived_at=excluded.archived_at
		`, n, data, int64(len(data)), sum, s.now().Format(time.RFC3339Nano)); err != nil {
			return false, &FileError{Op: "insert", Path: path, Iteration: n, Err: err}
		}
	default:
		return false, &FileError{Op: "lookup", Path: path, Iteration: n, Err: err}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, &FileError{Op: "remove", Path: path, Iteration: n, Err: err}
	}
	return existing != sum, nil
}

// Debundle materializes iteration n of f as a standalone file.
//
// It returns false (and no error) when the container or the entry does not
// exist. The container is never modified. If the standalone file is already
// present it is left as is.
func (s *Store) Debundle(ctx context.Context, f instance.Family, n int) (bool, error) {
	if f.Exists(n) {
		return true, nil
	}
	content, err := s.Read(ctx, f, n)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := writeFileAtomic(f.Path(n), content); err != nil {
		return false, fmt.Errorf("extract %s: %w", f.Name(n), err)
	}
	s.logger.Debug("Debundled artifact", zap.String("path", f.Path(n)))
	return true, nil
}

// Read returns the archived bytes of iteration n after verifying their
// digest. It returns ErrEntryNotFound when the container or entry is absent.
func (s *Store) Read(ctx context.Context, f instance.Family, n int) ([]byte, error) {
	db, err := s.container(ctx, f, false)
	if err != nil {
		return nil, err
	}
	if db == nil {
		return nil, fmt.Errorf("%s: %w", f.Name(n), ErrEntryNotFound)
	}

	var (
		content []byte
		sum     string
	)
	err = db.QueryRowContext(ctx, `SELECT content, sha256 FROM entries WHERE iteration = ?`, n).Scan(&content, &sum)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", f.Name(n), ErrEntryNotFound)
		}
		return nil, fmt.Errorf("lookup %s: %w", f.Name(n), err)
	}
	if digest(content) != sum {
		return nil, fmt.Errorf("%s: %w", f.Name(n), ErrChecksumMismatch)
	}
	return content, nil
}

// Has reports whether iteration n of f is archived.
func (s *Store) Has(ctx context.Context, f instance.Family, n int) (bool, error) {
	db, err := s.container(ctx, f, false)
	if err != nil || db == nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM entries WHERE iteration = ?`, n).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Entries lists the archived iterations of f, ascending. A missing container
// yields an empty list.
func (s *Store) Entries(ctx context.Context, f instance.Family) ([]Entry, error) {
	db, err := s.container(ctx, f, false)
	if err != nil || db == nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT iteration, size_bytes, sha256, archived_at FROM entries ORDER BY iteration`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.Iteration, &e.SizeBytes, &e.SHA256, &at); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.ArchivedAt, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Snapshot writes a consistent copy of the family's container to dest,
// which must not exist. It returns false when there is no container.
func (s *Store) Snapshot(ctx context.Context, f instance.Family, dest string) (bool, error) {
	db, err := s.container(ctx, f, false)
	if err != nil || db == nil {
		return false, err
	}
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return false, fmt.Errorf("snapshot %s: %w", f, err)
	}
	return true, nil
}

func digest(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".debundle-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	// #nosec G302 -- artifacts are read by the solver binaries
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
