package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"spinalseg/internal/cli"
	"spinalseg/pkg/config"
	"spinalseg/pkg/deepseg"
	"spinalseg/pkg/installer"
	"spinalseg/pkg/nifti"
	"spinalseg/pkg/registry"
	"spinalseg/pkg/visualization"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("spinalseg", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var inputs, contrasts cli.StringList
	fs.Var(&inputs, "i", "Input image(s), repeat or separate with commas")
	fs.Var(&contrasts, "c", "Contrast of each input image (t1, t2, t2star), in the same order")
	output := fs.String("o", "", "Output filename (default: input name with the class suffix)")
	task := fs.String("task", "", "Segmentation task to run, see -list-tasks")
	listTasks := fs.Bool("list-tasks", false, "List the available tasks and exit")
	installTask := fs.String("install-task", "", "Download the models of a task and exit")
	threshold := fs.Float64("thr", 0.9, "Binarization threshold, 0 keeps a soft segmentation")
	removeTemp := fs.Int("r", 1, "Remove intermediate model outputs (0 or 1)")
	largest := fs.Int("largest", 0, "Keep only the N largest objects, 0 keeps all")
	fillHoles := fs.Bool("fill-holes", false, "Fill holes in the segmentation")
	removeSmall := fs.String("remove-small", "0vox", "Remove objects smaller than this size, e.g. 10vox or 5mm3")
	qcDir := fs.String("qc-dir", "", "Save the slices of each output along every axis as JPEGs in this directory")
	verbosity := fs.Int("v", 1, "Verbosity: 0 warnings only, 1 normal, 2 debug")
	configPath := fs.String("config", "", "YAML configuration file")
	createConfig := fs.String("create-config", "", "Write a default configuration file to this path and exit")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *createConfig != "" {
		if err := config.CreateDefaultConfigFile(*createConfig); err != nil {
			fmt.Fprintf(stderr, "Failed to create configuration: %v\n", err)
			return exitFailure
		}
		fmt.Fprintf(stdout, "Default configuration written to: %s\n", *createConfig)
		return exitOK
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}
	log := cli.SetupLogger(stderr, cfg.Log.Level, *verbosity)

	reg, err := loadRegistry(cfg)
	if err != nil {
		log.Error("Failed to load task registry", "error", err)
		return exitFailure
	}

	if *listTasks {
		if err := reg.WriteTaskList(stdout, cfg.Models.Dir); err != nil {
			log.Error("Failed to list tasks", "error", err)
			return exitFailure
		}
		return exitOK
	}

	inst := installer.New(&http.Client{Timeout: cfg.Install.Timeout}, cfg.Models.Dir, log)

	if *installTask != "" {
		if err := inst.InstallTask(ctx, reg, *installTask); err != nil {
			return report(fs, log, stderr, err)
		}
		fmt.Fprintf(stdout, "Models for task %s installed in %s\n", *installTask, cfg.Models.Dir)
		return exitOK
	}

	// Configuration supplies the defaults; explicitly set flags win
	opts, err := optionsFromConfig(cfg)
	if err != nil {
		return report(fs, log, stderr, err)
	}
	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "thr":
			opts.Threshold = *threshold
		case "r":
			opts.RemoveTemp = *removeTemp != 0
		case "largest":
			opts.Largest = *largest
		case "fill-holes":
			opts.FillHoles = *fillHoles
		case "remove-small":
			opts.RemoveSmall, flagErr = deepseg.ParseMinSize(*removeSmall)
		}
	})
	if flagErr != nil {
		return report(fs, log, stderr, flagErr)
	}
	opts.Output = *output

	if *task == "" {
		return report(fs, log, stderr, deepseg.ErrTaskUnspecified)
	}
	required, err := reg.RequiredContrasts(*task)
	if err != nil {
		return report(fs, log, stderr, err)
	}
	inputSet, err := deepseg.BuildInputSet(inputs, contrasts, required)
	if err != nil {
		return report(fs, log, stderr, err)
	}

	segmenter := deepseg.NewCommandSegmenter(cfg.Segmenter.Command, cfg.Segmenter.Args, os.TempDir(), log)
	pipeline := deepseg.NewPipeline(reg, segmenter, inst, cfg.Models.Dir, log)

	start := time.Now()
	outputs, err := pipeline.Run(ctx, *task, inputSet, opts)
	if err != nil {
		return report(fs, log, stderr, err)
	}
	log.Info("Segmentation finished", "task", *task, "elapsed", time.Since(start).Round(time.Millisecond))

	fmt.Fprintln(stdout, "Segmentation saved to:")
	for _, o := range outputs {
		fmt.Fprintf(stdout, "  %s\n", o)
	}
	if *qcDir != "" {
		for _, o := range outputs {
			if err := saveSlices(o, *qcDir, log); err != nil {
				log.Warn("Failed to save quality control slices", "path", o, "error", err)
			}
		}
		fmt.Fprintf(stdout, "Quality control slices saved to: %s\n", *qcDir)
	}

	fmt.Fprintln(stdout, "\nTo view the results, type:")
	fmt.Fprintln(stdout, visualization.ViewerSyntax(inputSet[0].Path, outputs))
	return exitOK
}

// saveSlices writes the slices of a segmentation along each axis into
// <dir>/<name>/<axis>.
func saveSlices(path, dir string, log *slog.Logger) error {
	vol, err := nifti.Read(path)
	if err != nil {
		return err
	}
	viewer := visualization.NewViewer(vol)

	stem, _ := nifti.SplitExt(filepath.Base(path))
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(dir, stem, axis)
		log.Info("Saving slices", "axis", axis, "dir", axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			return fmt.Errorf("failed to save %s-axis slices: %w", axis, err)
		}
	}
	return nil
}

func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.Models.Registry != "" {
		return registry.LoadFile(cfg.Models.Registry)
	}
	return registry.Default()
}

func optionsFromConfig(cfg *config.Config) (deepseg.Options, error) {
	opts := deepseg.DefaultOptions()
	opts.Threshold = cfg.Deepseg.Threshold
	opts.RemoveTemp = cfg.Deepseg.RemoveTemp
	opts.Largest = cfg.Deepseg.Largest
	opts.FillHoles = cfg.Deepseg.FillHoles
	size, err := deepseg.ParseMinSize(cfg.Deepseg.RemoveSmall)
	if err != nil {
		return opts, err
	}
	opts.RemoveSmall = size
	return opts, nil
}

// report prints err and picks the exit code. Input mistakes also show usage.
func report(fs *flag.FlagSet, log *slog.Logger, stderr io.Writer, err error) int {
	if deepseg.IsUserError(err) || errors.Is(err, registry.ErrUnknownTask) {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fs.Usage()
		return exitUsage
	}
	log.Error("Segmentation failed", "error", err)
	return exitFailure
}
