package deepseg

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spinalseg/pkg/nifti"
)

// fakeBackend copies the first input to "<out>/_seg.nii.gz" and records its
// arguments.
const fakeBackend = `#!/bin/sh
echo "$@" > "$ARGS_FILE"
out=""
input=""
while [ $# -gt 0 ]; do
  case "$1" in
    --out) out="$2"; shift ;;
    --input) [ -z "$input" ] && input="$2"; shift ;;
  esac
  shift
done
cp "$input" "$out/_seg.nii.gz"
`

const failingBackend = `#!/bin/sh
echo "cuda out of memory" >&2
exit 3
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell backend not available on windows")
	}
	path := filepath.Join(t.TempDir(), "backend.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

func TestCommandSegmenter(t *testing.T) {
	script := writeScript(t, fakeBackend)
	argsFile := filepath.Join(t.TempDir(), "args.txt")
	t.Setenv("ARGS_FILE", argsFile)

	input := filepath.Join(t.TempDir(), "t2.nii.gz")
	vol := nifti.New([3]int{3, 2, 1}, [3]float64{1, 1, 1})
	vol.Data[4] = 1
	require.NoError(t, nifti.Write(input, vol))

	scratch := t.TempDir()
	seg := NewCommandSegmenter(script, []string{"segment"}, scratch, slog.New(slog.NewTextHandler(io.Discard, nil)))
	opts := DefaultOptions()
	opts.FillHoles = true
	opts.Largest = 2

	segs, err := seg.SegmentVolume(context.Background(), "/models/t2_tumor", []string{input}, "/tmp/prior.nii.gz", opts)

	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, "_seg", segs[0].Target)
	assert.Equal(t, vol.Data, segs[0].Volume.Data)

	raw, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	args := strings.TrimSpace(string(raw))
	assert.True(t, strings.HasPrefix(args, "segment --model /models/t2_tumor --input "+input+" --prior /tmp/prior.nii.gz"))
	assert.Contains(t, args, "--thr 0.9 --largest 2 --fill-holes 1 --remove-small 0vox --out ")

	// Scratch output is removed once volumes are loaded
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCommandSegmenterFailure(t *testing.T) {
	script := writeScript(t, failingBackend)
	seg := NewCommandSegmenter(script, nil, t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := seg.SegmentVolume(context.Background(), "/models/x", []string{"in.nii.gz"}, "", DefaultOptions())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cuda out of memory")
	assert.False(t, IsUserError(err))
}
