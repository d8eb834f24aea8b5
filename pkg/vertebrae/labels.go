package vertebrae

import (
	"fmt"
	"math"

	"spinalseg/internal/models"
	"spinalseg/pkg/nifti"
)

// LabelVolume builds an empty volume shaped like ref and marks each landmark
// on slice z with its 1-based disc number, counted from the top.
func LabelVolume(ref *nifti.Image, z int, coords []models.Coordinate) (*nifti.Image, error) {
	if z < 0 || z >= ref.Dims[2] {
		return nil, fmt.Errorf("slice %d out of range [0, %d)", z, ref.Dims[2])
	}
	out := nifti.New(ref.Dims, ref.PixDim)
	out.Affine = ref.Affine

	for k, c := range sortByHeight(coords) {
		x, y := int(math.Round(c.Height)), int(math.Round(c.Width))
		if x < 0 || x >= ref.Dims[0] || y < 0 || y >= ref.Dims[1] {
			return nil, fmt.Errorf("landmark %d at (%g, %g) outside the slice", k+1, c.Height, c.Width)
		}
		out.Set(x, y, z, float32(k+1))
	}
	return out, nil
}
