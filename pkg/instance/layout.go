// Package instance describes the on-disk layout of one simulation instance.
//
// An instance is a directory with three areas:
//
//	<root>/IN/    input parameters and hybridization functions (params<N>.json, Hyb<N>.json)
//	<root>/OUT/   solver measurements (params<N>.meas.json)
//	<root>/DATA/  auxiliary per-iteration and cumulative results
//
// The layout is created by an external bootstrap step; this package only
// resolves and validates it. All paths are explicit: nothing here depends on
// the process working directory.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Area directory names.
const (
	InputDirName  = "IN"
	OutputDirName = "OUT"
	DataDirName   = "DATA"

	// StateDirName holds driver-owned state (journal, job records).
	StateDirName = ".dmftloop"

	// LogFileName is the per-instance, timestamped driver log.
	LogFileName = "logfile"
)

// Layout holds the resolved paths of one instance.
type Layout struct {
	Root   string
	Input  string
	Output string
	Data   string
}

// New resolves a layout without touching the filesystem.
func New(root string) Layout {
	root = filepath.Clean(strings.TrimSpace(root))
	return Layout{
		Root:   root,
		Input:  filepath.Join(root, InputDirName),
		Output: filepath.Join(root, OutputDirName),
		Data:   filepath.Join(root, DataDirName),
	}
}

// Open resolves a layout and verifies that the root and all three areas are
// readable directories.
func Open(root string) (Layout, error) {
	if strings.TrimSpace(root) == "" {
		return Layout{}, fmt.Errorf("instance path is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve instance path: %w", err)
	}
	l := New(abs)
	for _, dir := range []string{l.Root, l.Input, l.Output, l.Data} {
		st, err := os.Stat(dir)
		if err != nil {
			return Layout{}, fmt.Errorf("instance directory %s: %w", dir, err)
		}
		if !st.IsDir() {
			return Layout{}, fmt.Errorf("instance directory %s: not a directory", dir)
		}
		if _, err := os.ReadDir(dir); err != nil {
			return Layout{}, fmt.Errorf("instance directory %s: %w", dir, err)
		}
	}
	return l, nil
}

// Name is the instance directory base name, used to label jobs.
func (l Layout) Name() string {
	return filepath.Base(l.Root)
}

// StateDir is the driver-owned state directory.
func (l Layout) StateDir() string {
	return filepath.Join(l.Root, StateDirName)
}

// JobsDir holds auxiliary job receipts.
func (l Layout) JobsDir() string {
	return filepath.Join(l.StateDir(), "jobs")
}

// LogPath is the per-instance log file.
func (l Layout) LogPath() string {
	return filepath.Join(l.Root, LogFileName)
}

// Params is the input-parameters family (IN/params<N>.json).
func (l Layout) Params() Family {
	return Family{Dir: l.Input, Prefix: "params", Suffix: ".json"}
}

// Hyb is the hybridization-function family (IN/Hyb<N>.json).
func (l Layout) Hyb() Family {
	return Family{Dir: l.Input, Prefix: "Hyb", Suffix: ".json"}
}

// Meas is the solver-measurement family (OUT/params<N>.meas.json).
func (l Layout) Meas() Family {
	return Family{Dir: l.Output, Prefix: "params", Suffix: ".meas.json"}
}

// Families returns every family the driver archives.
func (l Layout) Families() []Family {
	return []Family{l.Params(), l.Hyb(), l.Meas()}
}
