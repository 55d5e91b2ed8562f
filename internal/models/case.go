package models

import "path/filepath"

// File names inside a case (subject) directory. Every stage reads and writes
// these fixed names so that stage outputs are the only interface between stages.
const (
	PreopFile      = "preop.nii.gz"
	PostopFile     = "postop.nii.gz"
	TransformFile  = "postop_to_preop.tfm"
	ResampledFile  = "postop_transformed.nii.gz"
	RegMetricsFile = "postop_to_preop_metrics.yaml"
	DiffFile       = "diff.nii.gz"
	MaskFile       = "burrhole_mask_autoannot.nii.gz"
	QCDir          = "qc"
)

// Case is a single subject directory holding inputs and derived artifacts.
type Case struct {
	// Dir is the absolute path of the subject directory
	Dir string

	// Rel is Dir relative to the root that was scanned, "." for the root itself
	Rel string
}

// Path returns the path of a named artifact inside the case directory.
func (c Case) Path(name string) string {
	return filepath.Join(c.Dir, name)
}

// Name returns a label for logging.
func (c Case) Name() string {
	if c.Rel == "" {
		return c.Dir
	}
	return c.Rel
}
