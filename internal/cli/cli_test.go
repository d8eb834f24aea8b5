package cli

import (
	"bytes"
	"flag"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringList(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var files StringList
	fs.Var(&files, "i", "inputs")

	require.NoError(t, fs.Parse([]string{"-i", "a.nii.gz,b.nii.gz", "-i", " c.nii.gz ", "-i", ","}))

	assert.Equal(t, StringList{"a.nii.gz", "b.nii.gz", "c.nii.gz"}, files)
	assert.Equal(t, "a.nii.gz,b.nii.gz,c.nii.gz", files.String())
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		verbosity int
		wantInfo  bool
		wantDebug bool
	}{
		{"quiet", "info", 0, false, false},
		{"quiet keeps error level", "error", 0, false, false},
		{"normal", "info", 1, true, false},
		{"configured debug", "debug", 1, true, true},
		{"verbose", "warn", 2, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := SetupLogger(&buf, tt.level, tt.verbosity)

			log.Debug("debug message")
			log.Info("info message")

			assert.Equal(t, tt.wantDebug, bytes.Contains(buf.Bytes(), []byte("debug message")))
			assert.Equal(t, tt.wantInfo, bytes.Contains(buf.Bytes(), []byte("info message")))
			assert.NotContains(t, buf.String(), "time=")
		})
	}
}
