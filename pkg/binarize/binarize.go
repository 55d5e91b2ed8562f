// Package binarize turns a difference image into a burr-hole mask.
package binarize

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/pkg/morphology"
	"burrholeprep/pkg/nifti"
	"burrholeprep/pkg/threshold"
)

// Polarity selects which signed differences count as signal.
type Polarity string

const (
	// Loss keeps intensity that disappeared after surgery (postop darker than preop)
	Loss Polarity = "loss"
	// Gain keeps intensity that appeared after surgery
	Gain Polarity = "gain"
	// Absolute keeps the magnitude of any change
	Absolute Polarity = "absolute"
)

// ParsePolarity converts a configuration string into a Polarity.
func ParsePolarity(s string) (Polarity, error) {
	switch p := Polarity(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Loss, nil
	case Loss, Gain, Absolute:
		return p, nil
	default:
		return "", fmt.Errorf("unknown polarity %q (want loss, gain or absolute)", s)
	}
}

// Options controls mask extraction.
type Options struct {
	Polarity Polarity

	// BoneRestrict limits candidates to voxels that are bone in the preop volume
	BoneRestrict bool

	// BoneThreshold is the preop HU at or above which a voxel is bone
	BoneThreshold float32

	Threshold threshold.Options

	// ClosingRadius of the ball used to close the candidate mask; 0 disables
	ClosingRadius int

	// MinComponentSize drops connected regions smaller than this; 0 disables
	MinComponentSize int

	// HeadCapDepthMM keeps only this many millimetres from the superior end
	// of the volume; 0 disables
	HeadCapDepthMM float64
}

// DefaultOptions returns the standard pipeline parameters.
func DefaultOptions() Options {
	return Options{
		Polarity:         Loss,
		BoneRestrict:     true,
		BoneThreshold:    300,
		Threshold:        threshold.Options{Policy: threshold.Otsu, Bins: 256},
		ClosingRadius:    1,
		MinComponentSize: 50,
		HeadCapDepthMM:   100,
	}
}

// Result summarises one binarization.
type Result struct {
	// Threshold applied to the signal volume
	Threshold float64

	// Uniform is set when the signal carried no contrast and the mask is empty
	Uniform bool

	// Voxels is the number of foreground voxels in the final mask
	Voxels int
}

// Binarize converts diff into a 0/1 mask with diff's geometry. preop is only
// read when opts.BoneRestrict is set and must then share diff's grid.
func Binarize(diff, preop *models.Volume, opts Options) (*models.Volume, Result, error) {
	if err := diff.Validate(); err != nil {
		return nil, Result{}, fmt.Errorf("%w: difference: %v", apperr.ErrMalformedInput, err)
	}
	if !diff.Is3D() {
		return nil, Result{}, fmt.Errorf("%w: difference volume has %d frames", apperr.ErrMalformedInput, diff.Frames)
	}
	if opts.BoneRestrict {
		if preop == nil {
			return nil, Result{}, fmt.Errorf("%w: bone restriction needs the preop volume", apperr.ErrMissingInput)
		}
		if !preop.SameGeometry(diff) {
			return nil, Result{}, fmt.Errorf("%w: preop and difference grids differ", apperr.ErrMalformedInput)
		}
	}

	signal := diff.CloneGeometry()
	for i, d := range diff.Voxels {
		var s float32
		switch opts.Polarity {
		case Gain:
			s = max(d, 0)
		case Absolute:
			s = float32(math.Abs(float64(d)))
		default:
			s = max(-d, 0)
		}
		if opts.BoneRestrict && preop.Voxels[i] < opts.BoneThreshold {
			s = 0
		}
		signal.Voxels[i] = s
	}

	t, ok, err := threshold.Compute(signal.Voxels, opts.Threshold)
	if err != nil {
		return nil, Result{}, fmt.Errorf("%w: %v", apperr.ErrInvalidConfig, err)
	}
	res := Result{Threshold: t, Uniform: !ok}
	if !ok {
		return diff.CloneGeometry(), res, nil
	}

	mask := morphology.Above(signal, float32(t))
	mask = morphology.Close(mask, opts.ClosingRadius)
	mask = morphology.RemoveSmallComponents(mask, opts.MinComponentSize)
	if opts.HeadCapDepthMM > 0 {
		mask.And(HeadCap(diff, opts.HeadCapDepthMM))
	}
	res.Voxels = mask.Count()
	return mask.Volume(diff), res, nil
}

// HeadCap returns a mask covering the slices within depthMM of the superior
// end of v, slicing along the index axis closest to superior-inferior.
func HeadCap(v *models.Volume, depthMM float64) *morphology.Mask {
	axis := 0
	for a := 1; a < 3; a++ {
		// Column a of the direction matrix; its z component points superior in LPS.
		if math.Abs(v.Direction[6+a]) > math.Abs(v.Direction[6+axis]) {
			axis = a
		}
	}
	n := v.Size[axis]
	depth := int(depthMM / v.Spacing[axis])
	depth = min(max(depth, 1), n)

	lo, hi := 0, depth-1
	if v.Direction[6+axis] > 0 {
		lo, hi = n-depth, n-1
	}

	m := morphology.NewMask(v.Size)
	for k := 0; k < v.Size[2]; k++ {
		for j := 0; j < v.Size[1]; j++ {
			for i := 0; i < v.Size[0]; i++ {
				s := [3]int{i, j, k}[axis]
				if s >= lo && s <= hi {
					m.Bits[v.Index(i, j, k)] = 1
				}
			}
		}
	}
	return m
}

// BinarizeCase reads a case's difference image (and preop when needed) and
// writes its mask.
func BinarizeCase(ctx context.Context, c models.Case, opts Options, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	diff, _, err := nifti.Read(c.Path(models.DiffFile))
	if err != nil {
		return err
	}
	var preop *models.Volume
	if opts.BoneRestrict {
		if preop, _, err = nifti.Read(c.Path(models.PreopFile)); err != nil {
			return err
		}
	}

	mask, res, err := Binarize(diff, preop, opts)
	if err != nil {
		return fmt.Errorf("binarize %s: %w", c.Name(), err)
	}
	switch {
	case res.Uniform:
		logger.Warn("difference image is uniform, writing an empty mask")
	case res.Voxels == 0:
		logger.Warn("no voxels survived thresholding and cleanup", "threshold", res.Threshold)
	}
	if err := nifti.Write(c.Path(models.MaskFile), mask, nifti.Uint8); err != nil {
		return err
	}
	logger.Info("mask written", "threshold", res.Threshold, "voxels", res.Voxels)
	return nil
}
