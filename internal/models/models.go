package models

import (
	"spinalseg/pkg/nifti"
)

// Coordinate is a landmark position in a single 2D slice
type Coordinate struct {
	// Height is the image row
	Height float64

	// Width is the image column
	Width float64
}

// Contrast is the MRI acquisition label of an input image
type Contrast string

const (
	T1     Contrast = "t1"
	T2     Contrast = "t2"
	T2Star Contrast = "t2star"
)

// KnownContrasts lists the contrast labels accepted on the command line
var KnownContrasts = []Contrast{T1, T2, T2Star}

// InputImage ties an input file to the contrast it was acquired with
type InputImage struct {
	Contrast Contrast
	Path     string
}

// InputSet is the ordered association between contrast labels and input
// files, built once from the command line.
type InputSet []InputImage

// Paths returns the input paths in their stored order
func (s InputSet) Paths() []string {
	paths := make([]string, len(s))
	for i, in := range s {
		paths[i] = in.Path
	}
	return paths
}

// Select returns, for each requested contrast in order, every path labelled
// with that contrast. Contrasts without a matching input are skipped.
func (s InputSet) Select(contrasts []Contrast) []string {
	var paths []string
	for _, c := range contrasts {
		for _, in := range s {
			if in.Contrast == c {
				paths = append(paths, in.Path)
			}
		}
	}
	return paths
}

// Has reports whether an input with the given contrast is present
func (s InputSet) Has(c Contrast) bool {
	for _, in := range s {
		if in.Contrast == c {
			return true
		}
	}
	return false
}

// Segmentation is one output class produced by a model
type Segmentation struct {
	// Volume holds the segmented voxels
	Volume *nifti.Image

	// Target is the class suffix appended to output filenames, e.g. "_seg"
	Target string
}
