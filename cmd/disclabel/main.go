package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"spinalseg/internal/cli"
	"spinalseg/pkg/config"
	"spinalseg/pkg/nifti"
	"spinalseg/pkg/vertebrae"
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
	fs := flag.NewFlagSet("disclabel", flag.ContinueOnError)
	fs.SetOutput(stderr)

	input := fs.String("i", "", "Input image, a sagittal slice stack")
	output := fs.String("o", "", "Output label volume (default: <input>_labels-disc.nii.gz)")
	slice := fs.Int("z", -1, "Slice index along the third axis (default: middle slice)")
	aimName := fs.String("aim", string(vertebrae.AimFull), "Detection aim: full or c2")
	threshold := fs.Float64("thr", 0.3, "Relative heatmap threshold for peaks")
	deviceName := fs.String("device", "cpu", "Inference device: cpu or cuda")
	heatmapPath := fs.String("heatmap", "", "Save the detection heatmap with landmarks to this image")
	qcPath := fs.String("qc", "", "Save the input slice as a JPEG for quality control")
	verbosity := fs.Int("v", 1, "Verbosity: 0 warnings only, 1 normal, 2 debug")
	configPath := fs.String("config", "", "YAML configuration file")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if *input == "" {
		fmt.Fprintln(stderr, "Error: no input image given")
		fs.Usage()
		return exitUsage
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load configuration: %v\n", err)
		return exitFailure
	}
	log := cli.SetupLogger(stderr, cfg.Log.Level, *verbosity)

	// Configuration supplies the defaults; explicitly set flags win
	infer := vertebrae.InferenceConfig{
		Threshold:   cfg.Detector.Threshold,
		MinDistance: cfg.Detector.MinDistance,
	}
	device := cfg.Detector.Device
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "thr":
			infer.Threshold = *threshold
		case "device":
			device = *deviceName
		}
	})
	if infer.Device, err = vertebrae.ParseDevice(device); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fs.Usage()
		return exitUsage
	}
	aim, err := vertebrae.ParseAim(*aimName)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		fs.Usage()
		return exitUsage
	}

	vol, err := nifti.Read(*input)
	if err != nil {
		log.Error("Failed to read input image", "path", *input, "error", err)
		return exitFailure
	}
	z := *slice
	if z < 0 {
		z = vol.Dims[2] / 2
	}
	image, err := vol.Slice2D(z)
	if err != nil {
		log.Error("Invalid slice", "error", err)
		return exitUsage
	}

	if *qcPath != "" {
		if err := visualization.SaveSliceJPEG(*qcPath, image); err != nil {
			log.Warn("Failed to save quality control image", "path", *qcPath, "error", err)
		}
	}

	net := vertebrae.NewCommandNetwork(cfg.Detector.Command, cfg.Detector.Args)
	log.Info("Detecting discs", "slice", z, "aim", aim, "device", infer.Device)
	det, err := vertebrae.Detect(ctx, net, image, infer, aim)

	// The heatmap is most useful when detection fails, so save it first
	if *heatmapPath != "" && det.Heatmap != nil {
		if err := visualization.SaveHeatmapPlot(*heatmapPath, det.Heatmap, det.Landmarks); err != nil {
			log.Warn("Failed to save heatmap", "path", *heatmapPath, "error", err)
		}
	}
	if err != nil {
		log.Error("Disc detection failed", "error", err)
		return exitFailure
	}

	labels, err := vertebrae.LabelVolume(vol, z, det.Landmarks)
	if err != nil {
		log.Error("Failed to build label volume", "error", err)
		return exitFailure
	}
	outPath := *output
	if outPath == "" {
		stem, _ := nifti.SplitExt(*input)
		outPath = stem + "_labels-disc" + nifti.Extension
	}
	if err := nifti.Write(outPath, labels); err != nil {
		log.Error("Failed to write label volume", "path", outPath, "error", err)
		return exitFailure
	}

	fmt.Fprintf(stdout, "Detected %d discs on slice %d:\n", len(det.Landmarks), z)
	for k, c := range det.Landmarks {
		fmt.Fprintf(stdout, "  disc %d: height %.0f, width %.0f\n", k+1, c.Height, c.Width)
	}
	fmt.Fprintf(stdout, "Labels saved to: %s\n", outPath)
	return exitOK
}
