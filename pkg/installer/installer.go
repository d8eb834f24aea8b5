// Package installer downloads official model archives into the local model
// cache.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"spinalseg/pkg/registry"
)

var (
	ErrNoMirrors      = errors.New("model has no download URL")
	ErrDownloadFailed = errors.New("model download failed")
	ErrUnsafeArchive  = errors.New("archive entry escapes destination")
	ErrInvalidArchive = errors.New("archive does not contain a valid model")
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Installer fetches model weights over the network
type Installer struct {
	client   HTTPClient
	cacheDir string
	log      *slog.Logger
}

// New creates an installer writing into cacheDir
func New(client HTTPClient, cacheDir string, log *slog.Logger) *Installer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Installer{client: client, cacheDir: cacheDir, log: log}
}

// Install downloads and unpacks a model, trying each mirror in order until one
// succeeds. Any previous install of the model is replaced. It returns the
// install folder.
func (i *Installer) Install(ctx context.Context, model registry.Model) (string, error) {
	if len(model.URLs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoMirrors, model.Name)
	}
	if err := os.MkdirAll(i.cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create model cache: %w", err)
	}

	staging := filepath.Join(i.cacheDir, ".staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	dest := registry.Folder(i.cacheDir, model.Name)
	var lastErr error
	for n, url := range model.URLs {
		attempt := filepath.Join(staging, fmt.Sprint(n))
		if err := os.MkdirAll(attempt, 0755); err != nil {
			return "", fmt.Errorf("failed to create staging directory: %w", err)
		}

		i.log.InfoContext(ctx, "Downloading model", "model", model.Name, "url", url)
		archive := filepath.Join(attempt, "model.zip")
		if err := i.download(ctx, url, archive); err != nil {
			i.log.WarnContext(ctx, "Mirror failed", "model", model.Name, "url", url, "error", err)
			lastErr = err
			continue
		}

		extracted := filepath.Join(attempt, "extracted")
		if err := extractZip(archive, extracted); err != nil {
			lastErr = err
			continue
		}

		if err := os.RemoveAll(dest); err != nil {
			return "", fmt.Errorf("failed to remove previous install: %w", err)
		}
		if err := os.Rename(archiveRoot(extracted), dest); err != nil {
			return "", fmt.Errorf("failed to move model into place: %w", err)
		}
		if !registry.IsValidModelDir(dest) {
			return "", fmt.Errorf("%w: %s", ErrInvalidArchive, model.Name)
		}

		i.log.InfoContext(ctx, "Model installed", "model", model.Name, "path", dest)
		return dest, nil
	}

	return "", fmt.Errorf("%w: %s: %w", ErrDownloadFailed, model.Name, lastErr)
}

// InstallTask installs every official model a task depends on
func (i *Installer) InstallTask(ctx context.Context, reg *registry.Registry, task string) error {
	t, err := reg.Task(task)
	if err != nil {
		return err
	}
	for _, name := range t.Models {
		m, ok := reg.Model(name)
		if !ok {
			i.log.WarnContext(ctx, "Skipping custom model", "model", name)
			continue
		}
		if _, err := i.Install(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (i *Installer) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}

	file, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, resp.Body); err != nil {
		file.Close()
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return file.Close()
}

func extractZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer zr.Close()

	clean := filepath.Clean(dest)
	root := clean + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		// Entries such as "./" name the destination itself
		if target == clean {
			continue
		}
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchive, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := extractFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}

// archiveRoot descends into a lone top-level directory, which is how release
// archives are usually packed.
func archiveRoot(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return dir
	}
	return filepath.Join(dir, entries[0].Name())
}
