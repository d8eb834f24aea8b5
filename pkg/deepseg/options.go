package deepseg

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidMinSize = errors.New("invalid minimum object size")

// SizeUnit is the unit of a minimum object size
type SizeUnit string

const (
	Voxels      SizeUnit = "vox"
	CubicMillis SizeUnit = "mm3"
)

// MinSize is the smallest connected object kept in a segmentation
type MinSize struct {
	Value float64
	Unit  SizeUnit
}

// String formats the size the way it is written on the command line
func (m MinSize) String() string {
	return strconv.FormatFloat(m.Value, 'f', -1, 64) + string(m.Unit)
}

// ParseMinSize parses sizes like "5vox" or "1.5mm3"
func ParseMinSize(s string) (MinSize, error) {
	s = strings.TrimSpace(s)
	for _, unit := range []SizeUnit{CubicMillis, Voxels} {
		if !strings.HasSuffix(s, string(unit)) {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSuffix(s, string(unit)), 64)
		if err != nil || value < 0 {
			return MinSize{}, fmt.Errorf("%w: %q", ErrInvalidMinSize, s)
		}
		return MinSize{Value: value, Unit: unit}, nil
	}
	return MinSize{}, fmt.Errorf("%w: %q (unit must be mm3 or vox)", ErrInvalidMinSize, s)
}

// Options controls segmentation post-processing and output handling
type Options struct {
	// Threshold binarizes the output; 0 keeps a soft segmentation
	Threshold float64

	// Largest keeps only the N largest connected objects; 0 keeps all
	Largest int

	// FillHoles fills small holes in the segmentation
	FillHoles bool

	// RemoveSmall drops objects below this size
	RemoveSmall MinSize

	// RemoveTemp deletes intermediate model outputs once consumed
	RemoveTemp bool

	// Output is the explicit output filename, empty to derive it from the input
	Output string
}

// DefaultOptions returns the command-line defaults
func DefaultOptions() Options {
	return Options{
		Threshold:   0.9,
		RemoveSmall: MinSize{Value: 0, Unit: Voxels},
		RemoveTemp:  true,
	}
}
