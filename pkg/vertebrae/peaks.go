package vertebrae

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"spinalseg/internal/models"
)

// peak is a heatmap local maximum
type peak struct {
	Row, Col int
	Value    float64
}

// Compare implements the kdtree.Comparable interface
func (p peak) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(peak)
	switch d {
	case 0:
		return float64(p.Row - q.Row)
	case 1:
		return float64(p.Col - q.Col)
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p peak) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two peaks
func (p peak) Distance(c kdtree.Comparable) float64 {
	q := c.(peak)
	dr := float64(p.Row - q.Row)
	dc := float64(p.Col - q.Col)
	return dr*dr + dc*dc
}

// peaks is a collection of peak that satisfies kdtree.Interface
type peaks []peak

func (p peaks) Index(i int) kdtree.Comparable         { return p[i] }
func (p peaks) Len() int                              { return len(p) }
func (p peaks) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p peaks) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(peakPlane{peaks: p, Dim: d}, kdtree.MedianOfRandoms(peakPlane{peaks: p, Dim: d}, 100))
}

// peakPlane implements sort.Interface and kdtree.SortSlicer for peaks
type peakPlane struct {
	peaks
	kdtree.Dim
}

func (p peakPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.peaks[i].Row < p.peaks[j].Row
	case 1:
		return p.peaks[i].Col < p.peaks[j].Col
	default:
		panic("illegal dimension")
	}
}

func (p peakPlane) Slice(start, end int) kdtree.SortSlicer {
	return peakPlane{peaks: p.peaks[start:end], Dim: p.Dim}
}

func (p peakPlane) Swap(i, j int) {
	p.peaks[i], p.peaks[j] = p.peaks[j], p.peaks[i]
}

// PeakLocalMax finds local maxima of a heatmap. A pixel is a peak when it is
// the maximum of its (2*minDistance+1) square neighbourhood, lies at least
// minDistance pixels from the border and exceeds
// max(min(m), thresholdRel*max(m)). Peaks closer than minDistance (Chebyshev)
// to a stronger peak are dropped. Results are ordered by decreasing intensity.
func PeakLocalMax(m *mat.Dense, minDistance int, thresholdRel float64) []models.Coordinate {
	rows, cols := m.Dims()
	if rows == 0 || cols == 0 {
		return nil
	}
	minDistance = max(minDistance, 1)
	threshold := math.Max(mat.Min(m), thresholdRel*mat.Max(m))

	var candidates peaks
	for r := minDistance; r < rows-minDistance; r++ {
		for c := minDistance; c < cols-minDistance; c++ {
			v := m.At(r, c)
			if v > threshold && isWindowMax(m, r, c, minDistance) {
				candidates = append(candidates, peak{Row: r, Col: c, Value: v})
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Value > candidates[j].Value
	})

	kept := enforceSpacing(candidates, minDistance)
	coords := make([]models.Coordinate, len(kept))
	for i, p := range kept {
		coords[i] = models.Coordinate{Height: float64(p.Row), Width: float64(p.Col)}
	}
	return coords
}

func isWindowMax(m *mat.Dense, r, c, size int) bool {
	rows, cols := m.Dims()
	v := m.At(r, c)
	for rr := max(r-size, 0); rr <= min(r+size, rows-1); rr++ {
		for cc := max(c-size, 0); cc <= min(c+size, cols-1); cc++ {
			if m.At(rr, cc) > v {
				return false
			}
		}
	}
	return true
}

// enforceSpacing greedily keeps peaks in the given order, skipping any within
// minDistance of one already kept. Plateaus yield several equal maxima, which
// this collapses to one.
func enforceSpacing(ordered peaks, minDistance int) peaks {
	kept := peaks{ordered[0]}
	tree := kdtree.New(peaks{ordered[0]}, false)

	// Squared Euclidean radius enclosing the Chebyshev neighbourhood
	radius := 2 * float64(minDistance*minDistance)
	for _, p := range ordered[1:] {
		keeper := kdtree.NewDistKeeper(radius)
		tree.NearestSet(keeper, p)

		tooClose := false
		for _, found := range keeper.Heap {
			if found.Comparable == nil {
				continue
			}
			q := found.Comparable.(peak)
			if chebyshev(p, q) <= minDistance {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		kept = append(kept, p)
		tree.Insert(p, false)
	}
	return kept
}

func chebyshev(a, b peak) int {
	dr := a.Row - b.Row
	if dr < 0 {
		dr = -dr
	}
	dc := a.Col - b.Col
	if dc < 0 {
		dc = -dc
	}
	return max(dr, dc)
}
