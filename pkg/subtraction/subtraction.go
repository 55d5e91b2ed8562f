// Package subtraction computes the voxel-wise difference between a
// post-operative volume brought into pre-operative space and the
// pre-operative volume itself.
package subtraction

import (
	"context"
	"fmt"
	"log/slog"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/parallel"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/nifti"
	"burrholeprep/pkg/resample"
	"burrholeprep/pkg/transform"
)

// Options controls the subtraction stage.
type Options struct {
	// Interpolation used when resampling postop onto the preop grid
	Interpolation interpolation.Method

	// DefaultValue fills preop voxels that map outside the postop volume
	DefaultValue float32

	// MinCoverage is the smallest fraction of preop voxels that must map
	// inside postop; 0 only rejects an empty resample
	MinCoverage float64
}

// Difference returns resampled - preop, voxel by voxel, with preop's geometry.
func Difference(resampled, preop *models.Volume) (*models.Volume, error) {
	if !resampled.SameGeometry(preop) {
		return nil, fmt.Errorf("%w: resampled volume is not on the preop grid", apperr.ErrMalformedInput)
	}
	out := preop.CloneGeometry()
	parallel.Slabs(out.Len(), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			out.Voxels[i] = resampled.Voxels[i] - preop.Voxels[i]
		}
	})
	return out, nil
}

// Subtract resamples postop into preop space through tr and returns the difference.
func Subtract(preop, postop *models.Volume, tr transform.Transform, opts Options) (*models.Volume, resample.Stats, error) {
	resampled, stats, err := resample.Resample(preop, postop, tr, resample.Options{
		Method:       opts.Interpolation,
		DefaultValue: opts.DefaultValue,
	})
	if err != nil {
		return nil, stats, err
	}
	if stats.Coverage() < opts.MinCoverage {
		return nil, stats, fmt.Errorf("%w: only %.1f%% of preop voxels map inside postop (minimum %.1f%%)",
			apperr.ErrDegenerate, 100*stats.Coverage(), 100*opts.MinCoverage)
	}
	diff, err := Difference(resampled, preop)
	if err != nil {
		return nil, stats, err
	}
	return diff, stats, nil
}

// SubtractCase reads a case's preop, postop and transform and writes its difference image.
func SubtractCase(ctx context.Context, c models.Case, opts Options, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	preop, _, err := nifti.Read(c.Path(models.PreopFile))
	if err != nil {
		return err
	}
	postop, _, err := nifti.Read(c.Path(models.PostopFile))
	if err != nil {
		return err
	}
	tr, err := transform.Read(c.Path(models.TransformFile))
	if err != nil {
		return err
	}

	diff, stats, err := Subtract(preop, postop, tr, opts)
	if err != nil {
		return fmt.Errorf("subtract %s: %w", c.Name(), err)
	}
	if err := nifti.Write(c.Path(models.DiffFile), diff, nifti.Float32); err != nil {
		return err
	}
	logger.Info("difference written", "coverage", stats.Coverage(), "transform", tr.Kind())
	return nil
}
