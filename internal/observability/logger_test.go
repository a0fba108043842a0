package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
		err  bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{" WARN ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInitCLILogger(t *testing.T) {
	orig := CLILogger
	defer func() { CLILogger = orig }()

	require.NoError(t, InitCLILogger("debug"))
	assert.True(t, CLILogger.Core().Enabled(zapcore.DebugLevel))

	assert.Error(t, InitCLILogger("loud"))
}

func TestInstanceLogger_WritesTimestampedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inst", "logfile")
	var console bytes.Buffer

	l, err := NewInstanceLogger(path, "info", FileConfig{MaxSizeMB: 1}, &console)
	require.NoError(t, err)
	l.Info("Begin iteration", zap.Int("iteration", 3))
	l.Debug("hidden")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Begin iteration", rec["msg"])
	assert.EqualValues(t, 3, rec["iteration"])
	assert.NotEmpty(t, rec["ts"])

	assert.Contains(t, console.String(), "Begin iteration")
	assert.NotContains(t, console.String(), "hidden")
}

func TestInstanceLogger_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logfile")
	for i := 0; i < 2; i++ {
		l, err := NewInstanceLogger(path, "info", FileConfig{}, nil)
		require.NoError(t, err)
		l.Info("run")
		require.NoError(t, l.Close())
	}
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), `"msg":"run"`))
}
