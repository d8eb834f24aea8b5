package deepseg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spinalseg/internal/models"
)

func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte{}, 0644))
	return path
}

func TestBuildInputSet(t *testing.T) {
	dir := t.TempDir()
	t1 := touch(t, dir, "t1.nii.gz")
	t2 := touch(t, dir, "t2.nii.gz")

	t.Run("single file takes the required contrast", func(t *testing.T) {
		set, err := BuildInputSet([]string{t2}, nil, []models.Contrast{models.T2})
		require.NoError(t, err)
		assert.Equal(t, models.InputSet{{Contrast: models.T2, Path: t2}}, set)
	})

	t.Run("single file with several required contrasts stays unlabelled", func(t *testing.T) {
		set, err := BuildInputSet([]string{t2}, nil, []models.Contrast{models.T2, models.T1})
		require.NoError(t, err)
		assert.Equal(t, models.Contrast(""), set[0].Contrast)
	})

	t.Run("labels pair positionally", func(t *testing.T) {
		set, err := BuildInputSet([]string{t1, t2}, []string{"T1", "t2"}, nil)
		require.NoError(t, err)
		assert.Equal(t, models.InputSet{{Contrast: models.T1, Path: t1}, {Contrast: models.T2, Path: t2}}, set)
		assert.Equal(t, []string{t2, t1}, set.Select([]models.Contrast{models.T2, models.T1}))
	})

	t.Run("errors", func(t *testing.T) {
		_, err := BuildInputSet(nil, nil, nil)
		require.ErrorIs(t, err, ErrNoInput)

		_, err = BuildInputSet([]string{filepath.Join(dir, "missing.nii.gz")}, nil, nil)
		require.ErrorIs(t, err, ErrInputNotFound)

		_, err = BuildInputSet([]string{dir}, nil, nil)
		require.ErrorIs(t, err, ErrInputNotFound)

		_, err = BuildInputSet([]string{t1, t2}, nil, nil)
		require.ErrorIs(t, err, ErrContrastOrderRequired)

		_, err = BuildInputSet([]string{t1, t2}, []string{"t1"}, nil)
		require.ErrorIs(t, err, ErrContrastCountMismatch)

		_, err = BuildInputSet([]string{t1}, []string{"flair"}, nil)
		require.ErrorIs(t, err, ErrUnknownContrast)
		assert.True(t, IsUserError(err))
	})
}

func TestParseMinSize(t *testing.T) {
	tests := []struct {
		in      string
		want    MinSize
		wantErr bool
	}{
		{"0vox", MinSize{0, Voxels}, false},
		{"5vox", MinSize{5, Voxels}, false},
		{"1.5mm3", MinSize{1.5, CubicMillis}, false},
		{" 2mm3 ", MinSize{2, CubicMillis}, false},
		{"5", MinSize{}, true},
		{"mm3", MinSize{}, true},
		{"-1vox", MinSize{}, true},
		{"3cm3", MinSize{}, true},
	}
	for _, tt := range tests {
		got, err := ParseMinSize(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, ErrInvalidMinSize, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestMinSizeString(t *testing.T) {
	assert.Equal(t, "0vox", MinSize{0, Voxels}.String())
	assert.Equal(t, "1.5mm3", MinSize{1.5, CubicMillis}.String())
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.InDelta(t, 0.9, opts.Threshold, 1e-12)
	assert.True(t, opts.RemoveTemp)
	assert.Zero(t, opts.Largest)
	assert.False(t, opts.FillHoles)
	assert.Equal(t, "0vox", opts.RemoveSmall.String())
}
