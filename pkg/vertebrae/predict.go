package vertebrae

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"

	"spinalseg/internal/models"
)

var ErrUnknownAim = errors.New("unknown detection aim")

// Aim selects what the detector looks for
type Aim string

const (
	// AimFull detects every disc and post-processes the result
	AimFull Aim = "full"

	// AimC2 looks only for the C2/C3 disc with a strict threshold
	AimC2 Aim = "c2"
)

// c2Threshold is the relative peak threshold used for AimC2
const c2Threshold = 0.99

// InferenceConfig carries everything the adapter needs to run the network.
// The device is chosen by the caller rather than probed.
type InferenceConfig struct {
	Device      Device
	Threshold   float64
	MinDistance int
}

// DefaultInferenceConfig returns CPU inference with the detector defaults
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{Device: CPU, Threshold: 0.3, MinDistance: 5}
}

// Normalize rescales intensities to [0, 1]. A constant image maps to zeros.
func Normalize(m *mat.Dense) *mat.Dense {
	lo, hi := mat.Min(m), mat.Max(m)
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	if hi == lo {
		return out
	}
	out.Apply(func(_, _ int, v float64) float64 {
		return (v - lo) / (hi - lo)
	}, m)
	return out
}

// InferImage runs the detector on one 2D slice and returns the heatmap with
// its local maxima.
func InferImage(ctx context.Context, net Network, slice *mat.Dense, cfg InferenceConfig) (*mat.Dense, []models.Coordinate, error) {
	input := ImageTensor(Normalize(slice))
	output, err := net.Forward(ctx, input, cfg.Device)
	if err != nil {
		return nil, nil, err
	}
	heatmap, err := output.FirstChannel()
	if err != nil {
		return nil, nil, err
	}
	return heatmap, PeakLocalMax(heatmap, cfg.MinDistance, cfg.Threshold), nil
}

// Detection is the outcome of one detector run on a slice
type Detection struct {
	Heatmap   *mat.Dense
	Landmarks []models.Coordinate
}

// Detect runs the detector and turns its peaks into landmarks according to
// aim. With AimC2 the raw peaks above the strict threshold are kept without
// post-processing.
func Detect(ctx context.Context, net Network, slice *mat.Dense, cfg InferenceConfig, aim Aim) (Detection, error) {
	switch aim {
	case AimC2:
		cfg.Threshold = c2Threshold
	case AimFull:
	default:
		return Detection{}, fmt.Errorf("%w: %q", ErrUnknownAim, aim)
	}

	heatmap, coords, err := InferImage(ctx, net, slice, cfg)
	if err != nil {
		return Detection{}, err
	}
	det := Detection{Heatmap: heatmap}

	if aim == AimC2 {
		if len(coords) == 0 {
			return det, ErrDetectionFailed
		}
		det.Landmarks = coords
		return det, nil
	}

	det.Landmarks, err = Landmarks(coords)
	return det, err
}

// ParseAim validates an aim name
func ParseAim(s string) (Aim, error) {
	switch a := Aim(strings.ToLower(strings.TrimSpace(s))); a {
	case AimFull, AimC2:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAim, s)
	}
}
