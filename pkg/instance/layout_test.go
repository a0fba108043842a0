package instance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	t.Run("complete layout", func(t *testing.T) {
		root := t.TempDir()
		for _, d := range []string{InputDirName, OutputDirName, DataDirName} {
			require.NoError(t, os.Mkdir(filepath.Join(root, d), 0o755))
		}

		l, err := Open(root)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "IN"), l.Input)
		assert.Equal(t, filepath.Join(root, "OUT"), l.Output)
		assert.Equal(t, filepath.Join(root, "DATA"), l.Data)
		assert.Equal(t, filepath.Base(root), l.Name())
	})

	t.Run("missing area", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(root, InputDirName), 0o755))

		_, err := Open(root)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "OUT")
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open("  ")
		require.Error(t, err)
	})
}

func TestFamily_NameAndParse(t *testing.T) {
	l := New("/sim")

	assert.Equal(t, "/sim/IN/params7.json", l.Params().Path(7))
	assert.Equal(t, "/sim/IN/Hyb8.json", l.Hyb().Path(8))
	assert.Equal(t, "/sim/OUT/params3.meas.json", l.Meas().Path(3))

	tests := []struct {
		name   string
		family Family
		file   string
		want   int
		ok     bool
	}{
		{"params member", l.Params(), "params12.json", 12, true},
		{"zero", l.Params(), "params0.json", 0, true},
		{"meas is not a params member", l.Params(), "params1.meas.json", 0, false},
		{"meas member", l.Meas(), "params1.meas.json", 1, true},
		{"no digits", l.Params(), "params.json", 0, false},
		{"sign rejected", l.Params(), "params-1.json", 0, false},
		{"other prefix", l.Params(), "Hyb1.json", 0, false},
		{"archive file", l.Params(), "params.json.bundle", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.family.Parse(tt.file)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFamily_Validate(t *testing.T) {
	assert.NoError(t, Family{Dir: "/x", Prefix: "params", Suffix: ".json"}.Validate())
	assert.Error(t, Family{Dir: "/x", Suffix: ".json"}.Validate())
	assert.Error(t, Family{Prefix: "p"}.Validate())
	assert.Error(t, Family{Dir: "/x", Prefix: "a/b"}.Validate())
}

func TestFamily_ArchivePath(t *testing.T) {
	l := New("/sim")
	assert.Equal(t, "/sim/IN/params.json.bundle", l.Params().ArchivePath())
	assert.Equal(t, "/sim/OUT/params.meas.json.bundle", l.Meas().ArchivePath())
}

func TestLayout_StatePaths(t *testing.T) {
	l := New("/scratch/runs/ep9.0_beta60.0/")
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0", l.Root)
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0/.dmftloop", l.StateDir())
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0/.dmftloop/jobs", l.JobsDir())
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0/logfile", l.LogPath())
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0/IN", l.Params().Dir)
	assert.Equal(t, "/scratch/runs/ep9.0_beta60.0/OUT", l.Meas().Dir)
	assert.Len(t, l.Families(), 3)
}
