package vertebrae

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spinalseg/pkg/nifti"
)

func TestLabelVolume(t *testing.T) {
	ref := nifti.New([3]int{20, 10, 3}, [3]float64{0.5, 0.5, 2})
	ref.Affine[0][3] = -12

	out, err := LabelVolume(ref, 1, coords([2]float64{15, 5}, [2]float64{4, 5}, [2]float64{9, 5}))
	require.NoError(t, err)

	assert.Equal(t, ref.Dims, out.Dims)
	assert.Equal(t, ref.Affine, out.Affine)
	assert.Equal(t, float32(1), out.At(4, 5, 1))
	assert.Equal(t, float32(2), out.At(9, 5, 1))
	assert.Equal(t, float32(3), out.At(15, 5, 1))
	assert.Equal(t, float32(0), out.At(15, 5, 0))

	var labelled int
	for _, v := range out.Data {
		if v != 0 {
			labelled++
		}
	}
	assert.Equal(t, 3, labelled)
}

func TestLabelVolumeErrors(t *testing.T) {
	ref := nifti.New([3]int{20, 10, 3}, [3]float64{1, 1, 1})

	_, err := LabelVolume(ref, 3, column(1))
	assert.Error(t, err)

	_, err = LabelVolume(ref, 0, column(25))
	assert.Error(t, err)
}
