package installer_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spinalseg/pkg/installer"
	"spinalseg/pkg/registry"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func modelArchive(t *testing.T) []byte {
	return buildZip(t, map[string]string{
		"r20200622_t2star_sc/t2star_sc.json": "{}",
		"r20200622_t2star_sc/t2star_sc.pt":   "weights",
	})
}

func serve(t *testing.T, routes map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInstall(t *testing.T) {
	srv := serve(t, map[string][]byte{"/t2star_sc.zip": modelArchive(t)})
	cache := t.TempDir()
	inst := installer.New(srv.Client(), cache, quietLogger())

	path, err := inst.Install(context.Background(), registry.Model{
		Name: "t2star_sc",
		URLs: []string{srv.URL + "/t2star_sc.zip"},
	})

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cache, "t2star_sc"), path)
	assert.True(t, registry.IsValidModelDir(path))

	// Staging directories are cleaned up
	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestInstallAcceptsRootEntry(t *testing.T) {
	archive := buildZip(t, map[string]string{
		"./":                  "",
		"./r1/t2star_sc.json": "{}",
		"./r1/t2star_sc.pt":   "weights",
	})
	srv := serve(t, map[string][]byte{"/m.zip": archive})
	inst := installer.New(srv.Client(), t.TempDir(), quietLogger())

	path, err := inst.Install(context.Background(), registry.Model{Name: "t2star_sc", URLs: []string{srv.URL + "/m.zip"}})

	require.NoError(t, err)
	assert.True(t, registry.IsValidModelDir(path))
}

func TestInstallFallsBackToNextMirror(t *testing.T) {
	srv := serve(t, map[string][]byte{"/mirror2.zip": modelArchive(t)})
	inst := installer.New(srv.Client(), t.TempDir(), quietLogger())

	path, err := inst.Install(context.Background(), registry.Model{
		Name: "t2star_sc",
		URLs: []string{srv.URL + "/missing.zip", srv.URL + "/mirror2.zip"},
	})

	require.NoError(t, err)
	assert.True(t, registry.IsValidModelDir(path))
}

func TestInstallReplacesPreviousInstall(t *testing.T) {
	srv := serve(t, map[string][]byte{"/m.zip": modelArchive(t)})
	cache := t.TempDir()
	stale := filepath.Join(cache, "t2star_sc", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	inst := installer.New(srv.Client(), cache, quietLogger())
	_, err := inst.Install(context.Background(), registry.Model{Name: "t2star_sc", URLs: []string{srv.URL + "/m.zip"}})

	require.NoError(t, err)
	assert.NoFileExists(t, stale)
}

func TestInstallErrors(t *testing.T) {
	srv := serve(t, map[string][]byte{
		"/evil.zip":  buildZip(t, map[string]string{"../evil.txt": "x"}),
		"/empty.zip": buildZip(t, map[string]string{"t2star_sc/readme.txt": "no weights"}),
	})

	tests := []struct {
		name string
		urls []string
		want error
	}{
		{"no mirrors", nil, installer.ErrNoMirrors},
		{"all mirrors fail", []string{srv.URL + "/a.zip", srv.URL + "/b.zip"}, installer.ErrDownloadFailed},
		{"path traversal", []string{srv.URL + "/evil.zip"}, installer.ErrUnsafeArchive},
		{"no weights", []string{srv.URL + "/empty.zip"}, installer.ErrInvalidArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := installer.New(srv.Client(), t.TempDir(), quietLogger())
			_, err := inst.Install(context.Background(), registry.Model{Name: "t2star_sc", URLs: tt.urls})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestInstallTask(t *testing.T) {
	srv := serve(t, map[string][]byte{"/t2star_sc.zip": modelArchive(t)})
	reg, err := registry.Load(bytes.NewBufferString(`
models:
  - name: t2star_sc
    contrasts: [t2star]
    urls: [` + srv.URL + `/t2star_sc.zip]
tasks:
  - name: seg
    models: [t2star_sc, /some/custom/model]
`))
	require.NoError(t, err)

	cache := t.TempDir()
	inst := installer.New(srv.Client(), cache, quietLogger())
	require.NoError(t, inst.InstallTask(context.Background(), reg, "seg"))
	assert.True(t, registry.IsValidModelDir(registry.Folder(cache, "t2star_sc")))

	require.ErrorIs(t, inst.InstallTask(context.Background(), reg, "nope"), registry.ErrUnknownTask)
}
