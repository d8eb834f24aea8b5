package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"spinalseg/internal/models"
	"spinalseg/pkg/nifti"
)

// Viewer renders 2D views of a volume for quality control
type Viewer struct {
	volume *nifti.Image

	// lo and hi bound the intensity window used for display
	lo, hi float64
}

// NewViewer creates a viewer windowed to the volume's intensity range
func NewViewer(volume *nifti.Image) *Viewer {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range volume.Data {
		lo = math.Min(lo, float64(v))
		hi = math.Max(hi, float64(v))
	}
	if len(volume.Data) == 0 {
		lo, hi = 0, 0
	}
	return &Viewer{volume: volume, lo: lo, hi: hi}
}

func (v *Viewer) gray(value float32) color.Gray16 {
	if v.hi == v.lo {
		return color.Gray16{}
	}
	scaled := (float64(value) - v.lo) / (v.hi - v.lo)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, scaled*65535)))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis.
// Image rows follow the first remaining voxel axis.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	dx, dy, dz := v.volume.Dims[0], v.volume.Dims[1], v.volume.Dims[2]

	var img *image.Gray16
	switch axis {
	case "x", "X":
		if position >= dx {
			return nil, fmt.Errorf("position %d exceeds dimension %d", position, dx)
		}
		img = image.NewGray16(image.Rect(0, 0, dz, dy))
		for y := 0; y < dy; y++ {
			for z := 0; z < dz; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= dy {
			return nil, fmt.Errorf("position %d exceeds dimension %d", position, dy)
		}
		img = image.NewGray16(image.Rect(0, 0, dz, dx))
		for x := 0; x < dx; x++ {
			for z := 0; z < dz; z++ {
				img.SetGray16(z, x, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= dz {
			return nil, fmt.Errorf("position %d exceeds dimension %d", position, dz)
		}
		img = image.NewGray16(image.Rect(0, 0, dy, dx))
		for x := 0; x < dx; x++ {
			for y := 0; y < dy; y++ {
				img.SetGray16(y, x, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceJPEG writes a single 2D slice as a grayscale JPEG
func SaveSliceJPEG(filename string, m *mat.Dense) error {
	v := NewViewer(nifti.FromDense(m))
	img, err := v.ExtractSlice("z", 0)
	if err != nil {
		return err
	}
	return v.SaveSlice(img, filename)
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.volume.Dims[0]
	case "y", "Y":
		maxPos = v.volume.Dims[1]
	case "z", "Z":
		maxPos = v.volume.Dims[2]
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}

// heatmapGrid adapts a matrix to plotter.GridXYZ with columns on X and rows
// on Y.
type heatmapGrid struct {
	m *mat.Dense
}

func (g heatmapGrid) Dims() (c, r int) {
	rows, cols := g.m.Dims()
	return cols, rows
}

func (g heatmapGrid) Z(c, r int) float64 { return g.m.At(r, c) }
func (g heatmapGrid) X(c int) float64    { return float64(c) }
func (g heatmapGrid) Y(r int) float64    { return float64(r) }

// SaveHeatmapPlot renders a detection heatmap with its landmarks marked. The
// image format follows the file extension.
func SaveHeatmapPlot(filename string, heatmap *mat.Dense, coords []models.Coordinate) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Disc heatmap (%d landmarks)", len(coords))
	p.X.Label.Text = "Width (px)"
	p.Y.Label.Text = "Height (px)"
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}

	// A flat heatmap has no colour range to map
	if mat.Max(heatmap) > mat.Min(heatmap) {
		p.Add(plotter.NewHeatMap(heatmapGrid{m: heatmap}, palette.Heat(16, 1)))
	}

	if len(coords) > 0 {
		pts := make(plotter.XYs, len(coords))
		for i, c := range coords {
			pts[i] = plotter.XY{X: c.Width, Y: c.Height}
		}
		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return fmt.Errorf("failed to create landmark markers: %w", err)
		}
		scatter.GlyphStyle.Shape = draw.CrossGlyph{}
		scatter.GlyphStyle.Color = color.RGBA{G: 255, B: 255, A: 255}
		scatter.GlyphStyle.Radius = vg.Points(4)
		p.Add(scatter)
	}

	rows, cols := heatmap.Dims()
	width := 6 * vg.Inch
	height := width * vg.Length(rows) / vg.Length(max(cols, 1))
	return p.Save(width, height, filename)
}

// ViewerSyntax returns an fsleyes command line showing the image with each
// segmentation overlaid in red.
func ViewerSyntax(input string, overlays []string) string {
	parts := []string{"fsleyes", input}
	for _, o := range overlays {
		parts = append(parts, o, "-cm", "red", "-a", "70.0")
	}
	return strings.Join(parts, " ")
}
