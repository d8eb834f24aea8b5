package deepseg

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"spinalseg/internal/models"
)

// User-input errors. The CLI reports these with its usage text.
var (
	ErrInputNotFound         = errors.New("input file does not exist")
	ErrNoInput               = errors.New("no input file given")
	ErrContrastOrderRequired = errors.New("contrast order required for multiple inputs")
	ErrContrastCountMismatch = errors.New("number of inputs does not match required contrasts")
	ErrUnknownContrast       = errors.New("unknown contrast")
	ErrTaskUnspecified       = errors.New("no task specified")
	ErrInvalidModel          = errors.New("invalid model")
)

// IsUserError reports whether err stems from bad command-line input rather
// than a failure while running models.
func IsUserError(err error) bool {
	for _, target := range []error{
		ErrInputNotFound, ErrNoInput, ErrContrastOrderRequired, ErrContrastCountMismatch,
		ErrUnknownContrast, ErrTaskUnspecified, ErrInvalidModel, ErrInvalidMinSize,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// BuildInputSet pairs input files with their contrast labels. A single file
// may omit its label when the task requires exactly one contrast.
func BuildInputSet(files, contrasts []string, required []models.Contrast) (models.InputSet, error) {
	if len(files) == 0 {
		return nil, ErrNoInput
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrInputNotFound, f)
		}
	}

	if len(contrasts) == 0 {
		if len(files) > 1 {
			return nil, ErrContrastOrderRequired
		}
		set := models.InputSet{{Path: files[0]}}
		if len(required) == 1 {
			set[0].Contrast = required[0]
		}
		return set, nil
	}

	if len(contrasts) != len(files) {
		return nil, fmt.Errorf("%w: %d files but %d contrasts", ErrContrastCountMismatch, len(files), len(contrasts))
	}
	set := make(models.InputSet, len(files))
	for i, f := range files {
		c := models.Contrast(strings.ToLower(contrasts[i]))
		if !slices.Contains(models.KnownContrasts, c) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownContrast, contrasts[i])
		}
		set[i] = models.InputImage{Contrast: c, Path: f}
	}
	return set, nil
}

func joinContrasts(contrasts []models.Contrast) string {
	labels := make([]string, len(contrasts))
	for i, c := range contrasts {
		labels[i] = string(c)
	}
	return strings.Join(labels, ", ")
}
