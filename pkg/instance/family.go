package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Family is a set of per-iteration artifacts named <Prefix><N><Suffix>
// inside Dir.
type Family struct {
	Dir    string
	Prefix string
	Suffix string
}

// Validate checks that the family can produce unambiguous names.
func (f Family) Validate() error {
	if strings.TrimSpace(f.Dir) == "" {
		return fmt.Errorf("family dir is required")
	}
	if strings.TrimSpace(f.Prefix) == "" {
		return fmt.Errorf("family prefix is required")
	}
	if strings.ContainsAny(f.Prefix+f.Suffix, `/\`) {
		return fmt.Errorf("family prefix/suffix must not contain path separators")
	}
	return nil
}

// Name returns the artifact file name for iteration n.
func (f Family) Name(n int) string {
	return f.Prefix + strconv.Itoa(n) + f.Suffix
}

// Path returns the standalone artifact path for iteration n.
func (f Family) Path(n int) string {
	return filepath.Join(f.Dir, f.Name(n))
}

// Parse extracts the iteration from a file name. The part between prefix and
// suffix must be decimal digits only, so "params1.meas.json" is not a member
// of the params*.json family.
func (f Family) Parse(name string) (int, bool) {
	if !strings.HasPrefix(name, f.Prefix) || !strings.HasSuffix(name, f.Suffix) {
		return 0, false
	}
	if len(name) < len(f.Prefix)+len(f.Suffix)+1 {
		return 0, false
	}
	mid := name[len(f.Prefix) : len(name)-len(f.Suffix)]
	for _, r := range mid {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(mid)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Glob is the doublestar pattern matching candidate members (relative to Dir).
// Candidates still need Parse to be confirmed.
func (f Family) Glob() string {
	return f.Prefix + "*" + f.Suffix
}

// ArchivePath is the container file that holds bundled members.
func (f Family) ArchivePath() string {
	return filepath.Join(f.Dir, f.Prefix+f.Suffix+".bundle")
}

// Exists reports whether the standalone artifact for n is a regular file.
func (f Family) Exists(n int) bool {
	st, err := os.Stat(f.Path(n))
	return err == nil && st.Mode().IsRegular()
}

// String is a short human label, e.g. "IN/params*.json".
func (f Family) String() string {
	return filepath.Join(filepath.Base(f.Dir), f.Glob())
}
