// Package sanitize repairs known corruption in solver measurement files.
package sanitize

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Marker is the text the solver writes for an invalid numeric result.
const Marker = "nan"

// Replacement is written in place of every Marker.
const Replacement = "0"

var (
	marker      = []byte(Marker)
	replacement = []byte(Replacement)
)

// ReplaceNaN substitutes every occurrence of Marker in data with Replacement
// and returns the result with the number of replacements. The match is a
// plain byte match: "nano" becomes "0o". All other bytes are preserved.
func ReplaceNaN(data []byte) ([]byte, int) {
	count := bytes.Count(data, marker)
	if count == 0 {
		return data, 0
	}
	return bytes.ReplaceAll(data, marker, replacement), count
}

// File applies ReplaceNaN to the file at path, rewriting it only when a
// marker was found. It returns the number of replacements.
func File(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	out, count := ReplaceNaN(data)
	if count == 0 {
		return 0, nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".sanitize-*")
	if err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, st.Mode().Perm()); err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", path, err)
	}
	return count, nil
}
