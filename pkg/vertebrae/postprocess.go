// Package vertebrae turns heatmap detections of intervertebral discs into an
// ordered set of landmarks.
package vertebrae

import (
	"errors"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"spinalseg/internal/models"
)

// Post-processing constants, in pixels unless noted
const (
	// WidthTolerance is the largest lateral distance from the median column
	WidthTolerance = 15.0

	// MergeGap is the height gap below which consecutive points join a run
	MergeGap = 10.0

	// MergeSpan is the largest height span of a run
	MergeSpan = 20.0

	// PrevGapRatio and NextGapRatio are fractions of the expected disc spacing
	PrevGapRatio = 0.9
	NextGapRatio = 0.3
)

// ErrDetectionFailed is returned when the detector produced fewer than two
// candidate points.
var ErrDetectionFailed = errors.New("disc detection failed")

// Landmarks post-processes raw detections. When post-processing leaves fewer
// than two points the raw detections are returned instead, sorted by height.
func Landmarks(raw []models.Coordinate) ([]models.Coordinate, error) {
	if len(raw) < 2 {
		return nil, ErrDetectionFailed
	}
	out := PostProcess(raw)
	if len(out) < 2 {
		return sortByHeight(raw), nil
	}
	return out, nil
}

// PostProcess removes lateral outliers, merges clustered detections and drops
// points too close to both neighbours. The result is sorted by height.
func PostProcess(coords []models.Coordinate) []models.Coordinate {
	aligned := rejectLateralOutliers(coords)
	merged := mergeRuns(aligned)
	return filterSpacing(merged)
}

// rejectLateralOutliers keeps points within WidthTolerance of the median
// column. Discs lie on a roughly vertical line.
func rejectLateralOutliers(coords []models.Coordinate) []models.Coordinate {
	sorted := sortByHeight(coords)
	if len(sorted) == 0 {
		return sorted
	}

	widths := make([]float64, len(sorted))
	for i, c := range sorted {
		widths[i] = c.Width
	}
	center := median(widths)

	out := sorted[:0]
	for _, c := range sorted {
		if math.Abs(c.Width-center) <= WidthTolerance {
			out = append(out, c)
		}
	}
	return out
}

// mergeRuns collapses runs of height-sorted points into their rounded mean.
// A run grows while consecutive gaps stay under MergeGap and its span stays
// within MergeSpan. Growth stops two positions before the end of the
// sequence, so the last point never joins a run.
func mergeRuns(coords []models.Coordinate) []models.Coordinate {
	n := len(coords)
	out := make([]models.Coordinate, 0, n)
	for i := 0; i < n; {
		end := i
		for end < n-2 && math.Abs(coords[end].Height-coords[end+1].Height) < MergeGap {
			if math.Abs(coords[i].Height-coords[end+1].Height) > MergeSpan {
				break
			}
			end++
		}

		if end == i {
			out = append(out, coords[i])
			i++
			continue
		}

		run := coords[i : end+1]
		heights := make([]float64, len(run))
		widths := make([]float64, len(run))
		for k, c := range run {
			heights[k] = c.Height
			widths[k] = c.Width
		}
		out = append(out, models.Coordinate{
			Height: math.RoundToEven(stat.Mean(heights, nil)),
			Width:  math.RoundToEven(stat.Mean(widths, nil)),
		})
		i = end + 1
	}
	return out
}

// filterSpacing drops interior points that sit much closer to both
// neighbours than the locally expected disc spacing. The first and last
// points are always kept.
func filterSpacing(coords []models.Coordinate) []models.Coordinate {
	sorted := sortByHeight(coords)
	n := len(sorted)
	if n < 3 {
		return sorted
	}

	heights := make([]float64, n)
	for i, c := range sorted {
		heights[i] = c.Height
	}
	gaps := floats.SubTo(make([]float64, n-1), heights[1:], heights[:n-1])
	globalSpacing := stat.Mean(gaps, nil)

	remove := make([]bool, n)
	for i := 1; i < n-1; i++ {
		spacing := globalSpacing
		if i+4 <= n-1 {
			spacing = median(gaps[i : i+3])
		}
		if gaps[i-1] < PrevGapRatio*spacing && gaps[i] < NextGapRatio*spacing {
			remove[i] = true
		}
	}

	out := make([]models.Coordinate, 0, n)
	for i, c := range sorted {
		if !remove[i] {
			out = append(out, c)
		}
	}
	return out
}

func sortByHeight(coords []models.Coordinate) []models.Coordinate {
	sorted := slices.Clone(coords)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Height < sorted[j].Height
	})
	return sorted
}

// median calculates the median value of a slice of float64 values
func median(values []float64) float64 {
	valuesCopy := make([]float64, len(values))
	copy(valuesCopy, values)
	sort.Float64s(valuesCopy)

	n := len(valuesCopy)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (valuesCopy[n/2-1] + valuesCopy[n/2]) / 2
	}
	return valuesCopy[n/2]
}
