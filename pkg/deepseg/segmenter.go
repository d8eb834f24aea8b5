package deepseg

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"spinalseg/internal/models"
	"spinalseg/pkg/nifti"
)

// CommandSegmenter delegates inference to an external program. The program
// receives the model, inputs, prior and post-processing options as flags and
// writes one "<target>.nii.gz" file per output class into the --out
// directory.
type CommandSegmenter struct {
	command string
	args    []string
	tempDir string
	log     *slog.Logger
}

// NewCommandSegmenter creates a segmenter running command with extra leading
// args. Scratch output goes under tempDir, or the system temp dir if empty.
func NewCommandSegmenter(command string, args []string, tempDir string, log *slog.Logger) *CommandSegmenter {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &CommandSegmenter{command: command, args: args, tempDir: tempDir, log: log}
}

// SegmentVolume runs the external program and loads the volumes it produced
func (c *CommandSegmenter) SegmentVolume(ctx context.Context, modelPath string, inputs []string, prior string, opts Options) ([]models.Segmentation, error) {
	outDir := filepath.Join(c.tempDir, "spinalseg-"+uuid.NewString())
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(outDir)

	args := append([]string{}, c.args...)
	args = append(args, "--model", modelPath)
	for _, in := range inputs {
		args = append(args, "--input", in)
	}
	if prior != "" {
		args = append(args, "--prior", prior)
	}
	args = append(args,
		"--thr", strconv.FormatFloat(opts.Threshold, 'f', -1, 64),
		"--largest", strconv.Itoa(opts.Largest),
		"--fill-holes", boolFlag(opts.FillHoles),
		"--remove-small", opts.RemoveSmall.String(),
		"--out", outDir,
	)

	c.log.DebugContext(ctx, "Invoking segmentation backend", "command", c.command, "args", args)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.command, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("segmentation backend failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	files, err := filepath.Glob(filepath.Join(outDir, "*"+nifti.Extension))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	segs := make([]models.Segmentation, 0, len(files))
	for _, f := range files {
		vol, err := nifti.Read(f)
		if err != nil {
			return nil, err
		}
		segs = append(segs, models.Segmentation{
			Volume: vol,
			Target: strings.TrimSuffix(filepath.Base(f), nifti.Extension),
		})
	}
	return segs, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
