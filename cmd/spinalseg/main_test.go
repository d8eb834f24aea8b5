package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spinalseg/pkg/nifti"
)

// copyBackend writes its first input to "<out>/_seg.nii.gz"
const copyBackend = `#!/bin/sh
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

// isolate points the configuration at a scratch home directory
func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SPINALSEG_MODELS_REGISTRY", "")
	return home
}

func writeVolume(t *testing.T, path string) {
	t.Helper()
	vol := nifti.New([3]int{4, 4, 2}, [3]float64{1, 1, 1})
	vol.Data[5] = 1
	require.NoError(t, nifti.Write(path, vol))
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestListTasks(t *testing.T) {
	isolate(t)

	code, stdout, _ := runCLI("-list-tasks")

	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "seg_sc_t2star")
	assert.Contains(t, stdout, "seg_tumor-edema-cavity_t1-t2")
}

func TestUsageErrors(t *testing.T) {
	isolate(t)
	input := filepath.Join(t.TempDir(), "t2.nii.gz")
	writeVolume(t, input)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no task", []string{"-i", input}, "no task specified"},
		{"unknown task", []string{"-i", input, "-task", "seg_brain"}, "seg_brain"},
		{"missing input", []string{"-i", "/nonexistent.nii.gz", "-task", "seg_sc_t2star"}, "does not exist"},
		{"contrast count", []string{"-i", input, "-c", "t2", "-task", "seg_tumor-edema-cavity_t1-t2"}, "number of inputs"},
		{"bad size", []string{"-i", input, "-task", "seg_sc_t2star", "-remove-small", "5cm"}, "invalid minimum object size"},
		{"bad flag", []string{"-nope"}, "-nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(tt.args...)

			assert.Equal(t, exitUsage, code)
			assert.Contains(t, stderr, tt.want)
			assert.Contains(t, stderr, "Usage of spinalseg")
		})
	}
}

func TestInstallTaskFailure(t *testing.T) {
	isolate(t)
	registryPath := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(registryPath, []byte(`
models:
  - name: offline
    contrasts: [t2]
tasks:
  - name: seg_offline
    models: [offline]
`), 0644))
	t.Setenv("SPINALSEG_MODELS_REGISTRY", registryPath)

	code, _, stderr := runCLI("-install-task", "seg_offline")

	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "no download URL")
}

func TestSegmentWithCustomModel(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell backend not available on windows")
	}
	isolate(t)
	dir := t.TempDir()

	backend := filepath.Join(dir, "backend.sh")
	require.NoError(t, os.WriteFile(backend, []byte(copyBackend), 0755))
	t.Setenv("SPINALSEG_SEGMENTER_COMMAND", backend)

	modelDir := filepath.Join(dir, "my_model")
	require.NoError(t, os.MkdirAll(modelDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "base.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(modelDir, "base.pt"), []byte("weights"), 0644))

	registryPath := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(registryPath, []byte(fmt.Sprintf(`
tasks:
  - name: seg_custom
    models: [%s]
`, modelDir)), 0644))
	t.Setenv("SPINALSEG_MODELS_REGISTRY", registryPath)

	input := filepath.Join(dir, "sub-01_T2w.nii.gz")
	writeVolume(t, input)

	qcDir := filepath.Join(dir, "qc")

	code, stdout, stderr := runCLI("-i", input, "-task", "seg_custom", "-qc-dir", qcDir, "-v", "0")

	require.Equal(t, exitOK, code, stderr)
	want := filepath.Join(dir, "sub-01_T2w_seg.nii.gz")
	assert.Contains(t, stdout, want)
	assert.Contains(t, stdout, "fsleyes "+input+" "+want+" -cm red -a 70.0")

	seg, err := nifti.Read(want)
	require.NoError(t, err)
	assert.Equal(t, float32(1), seg.Data[5])

	// The 4x4x2 volume gives four x slices and two z slices
	assert.FileExists(t, filepath.Join(qcDir, "sub-01_T2w_seg", "x", "slice_x_003.jpg"))
	assert.FileExists(t, filepath.Join(qcDir, "sub-01_T2w_seg", "y", "slice_y_000.jpg"))
	assert.FileExists(t, filepath.Join(qcDir, "sub-01_T2w_seg", "z", "slice_z_001.jpg"))
	assert.NoFileExists(t, filepath.Join(qcDir, "sub-01_T2w_seg", "z", "slice_z_002.jpg"))
}

func TestCreateConfig(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "conf", "spinalseg.yaml")

	code, stdout, stderr := runCLI("-create-config", path)

	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "threshold: 0.9")

	// The written file loads back as a configuration
	code, stdout, stderr = runCLI("-config", path, "-list-tasks")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stdout, "seg_sc_t2star")
}
