// Package deepseg runs segmentation tasks: it resolves a task to its chain of
// models, installs missing official models, and feeds every model's output to
// the next one as a prior.
package deepseg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"spinalseg/internal/models"
	"spinalseg/pkg/nifti"
	"spinalseg/pkg/registry"
)

var ErrNoOutput = errors.New("model produced no segmentation")

// Segmenter runs inference for one model over an ordered list of input files.
// prior is the previous model's output, empty for the first model.
type Segmenter interface {
	SegmentVolume(ctx context.Context, modelPath string, inputs []string, prior string, opts Options) ([]models.Segmentation, error)
}

// ModelInstaller fetches an official model and returns its install folder
type ModelInstaller interface {
	Install(ctx context.Context, model registry.Model) (string, error)
}

// Pipeline executes registry tasks one model at a time
type Pipeline struct {
	reg       *registry.Registry
	segmenter Segmenter
	installer ModelInstaller
	cacheDir  string
	log       *slog.Logger
}

// NewPipeline creates a pipeline resolving official models under cacheDir
func NewPipeline(reg *registry.Registry, segmenter Segmenter, installer ModelInstaller, cacheDir string, log *slog.Logger) *Pipeline {
	return &Pipeline{
		reg:       reg,
		segmenter: segmenter,
		installer: installer,
		cacheDir:  cacheDir,
		log:       log,
	}
}

// Run executes every model of task in order and returns the output files of
// the last model, one per output class. Inputs are validated against the
// task's contrasts before any model runs.
func (p *Pipeline) Run(ctx context.Context, task string, inputs models.InputSet, opts Options) ([]string, error) {
	if task == "" {
		return nil, ErrTaskUnspecified
	}
	t, err := p.reg.Task(task)
	if err != nil {
		return nil, err
	}
	required, err := p.reg.RequiredContrasts(task)
	if err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, ErrNoInput
	}
	if err := checkContrasts(task, inputs, required); err != nil {
		return nil, err
	}

	var prior string
	var outputs []string
	for _, name := range t.Models {
		modelPath, files, err := p.resolve(ctx, name, inputs)
		if err != nil {
			return nil, err
		}

		p.log.InfoContext(ctx, "Running model", "model", name, "inputs", files, "prior", prior)
		segs, err := p.segmenter.SegmentVolume(ctx, modelPath, files, prior, opts)
		if err != nil {
			return nil, err
		}
		if len(segs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoOutput, name)
		}

		// The prior has been consumed by this model
		if prior != "" && opts.RemoveTemp {
			p.removeTemp(ctx, prior)
		}

		outputs = make([]string, 0, len(segs))
		for _, seg := range segs {
			path := OutputPath(opts.Output, files[0], seg.Target, len(segs))
			if err := save(path, seg.Volume); err != nil {
				return nil, err
			}
			p.log.InfoContext(ctx, "Saved segmentation", "path", path)
			outputs = append(outputs, path)
		}
		prior = outputs[len(outputs)-1]
	}
	return outputs, nil
}

func checkContrasts(task string, inputs models.InputSet, required []models.Contrast) error {
	// Tasks made only of custom models declare no contrasts
	if len(required) == 0 {
		return nil
	}
	if len(inputs) != len(required) {
		return fmt.Errorf("%w: %d input files found, task %s requires contrasts: %s",
			ErrContrastCountMismatch, len(inputs), task, joinContrasts(required))
	}
	for _, c := range required {
		if !inputs.Has(c) {
			return fmt.Errorf("%w: missing contrast %s, task %s requires contrasts: %s",
				ErrContrastCountMismatch, c, task, joinContrasts(required))
		}
	}
	return nil
}

// resolve finds the model directory, installing official models on demand,
// and orders the inputs the way the model expects them.
func (p *Pipeline) resolve(ctx context.Context, name string, inputs models.InputSet) (string, []string, error) {
	m, official := p.reg.Model(name)
	if !official {
		path, err := filepath.Abs(name)
		if err != nil || !registry.IsValidModelDir(path) {
			return "", nil, fmt.Errorf("%w: %s", ErrInvalidModel, path)
		}
		return path, inputs.Paths(), nil
	}

	path := registry.Folder(p.cacheDir, name)
	if !registry.IsValidModelDir(path) {
		p.log.InfoContext(ctx, "Model is not installed, installing it now", "model", name)
		installed, err := p.installer.Install(ctx, m)
		if err != nil {
			return "", nil, fmt.Errorf("failed to install model %s: %w", name, err)
		}
		path = installed
	}
	return path, inputs.Select(m.Contrasts), nil
}

func (p *Pipeline) removeTemp(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	p.log.InfoContext(ctx, "Remove temporary files", "path", path)
	if err := os.Remove(path); err != nil {
		p.log.WarnContext(ctx, "Failed to remove temporary file", "path", path, "error", err)
	}
}

// OutputPath derives where a segmentation class is written. An explicit
// output gets the class suffix inserted before the extension only when the
// model produces several classes.
func OutputPath(output, firstInput, target string, nTargets int) string {
	if output != "" {
		if nTargets > 1 {
			return strings.ReplaceAll(output, nifti.Extension, target+nifti.Extension)
		}
		return output
	}
	stem, _ := nifti.SplitExt(firstInput)
	return stem + target + nifti.Extension
}

func save(path string, img *nifti.Image) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := nifti.Write(path, img); err != nil {
		return fmt.Errorf("failed to save segmentation: %w", err)
	}
	return nil
}
