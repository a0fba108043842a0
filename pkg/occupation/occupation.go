// Package occupation locates iterations whose occupation data was never
// computed.
//
// The self-consistency stage appends one row per iteration to DATA/N.dat;
// the occupation job appends the matching row to DATA/ekin.dat. An index in
// the first but not the second is a gap that needs a recompute job.
package occupation

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// ReferenceFile lists every iteration that should have occupations.
	ReferenceFile = "N.dat"

	// ComputedFile lists iterations whose occupations were computed.
	ComputedFile = "ekin.dat"
)

// ReadIndices returns the sorted first-column values of a whitespace
// separated numeric table, truncated to integers. Blank lines and lines
// starting with '#' are skipped.
func ReadIndices(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []int
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		first := strings.Fields(text)[0]
		v, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filepath.Base(path), line, err)
		}
		out = append(out, int(math.Trunc(v)))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	sort.Ints(out)
	return out, nil
}

// FindMissing returns the smallest iteration listed in N.dat but absent from
// ekin.dat. ok is false when there is no gap.
func FindMissing(dataDir string) (n int, ok bool, err error) {
	want, err := ReadIndices(filepath.Join(dataDir, ReferenceFile))
	if err != nil {
		return 0, false, err
	}
	have, err := ReadIndices(filepath.Join(dataDir, ComputedFile))
	if err != nil {
		return 0, false, err
	}

	computed := make(map[int]struct{}, len(have))
	for _, i := range have {
		computed[i] = struct{}{}
	}
	for _, i := range want {
		if _, found := computed[i]; !found {
			return i, true, nil
		}
	}
	return 0, false, nil
}
