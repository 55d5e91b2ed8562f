// Package resample pulls a moving volume onto the voxel grid of a reference
// volume through a spatial transform.
package resample

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/parallel"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/transform"
)

// Options controls resampling.
type Options struct {
	// Method is the interpolation used between moving voxel centres
	Method interpolation.Method

	// DefaultValue fills reference voxels that map outside the moving volume
	DefaultValue float32
}

// Stats describes how much of the reference grid was covered.
type Stats struct {
	// Inside counts reference voxels that mapped inside the moving volume
	Inside int

	// Total is the number of reference voxels
	Total int
}

// Coverage returns the fraction of reference voxels that were inside.
func (s Stats) Coverage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Inside) / float64(s.Total)
}

// Resample returns a volume with reference's geometry whose voxel at physical
// point p holds moving's intensity at tr(p). It fails when no reference voxel
// maps inside the moving volume.
func Resample(reference, moving *models.Volume, tr transform.Transform, opts Options) (*models.Volume, Stats, error) {
	if err := reference.Validate(); err != nil {
		return nil, Stats{}, fmt.Errorf("%w: reference: %v", apperr.ErrMalformedInput, err)
	}
	if err := moving.Validate(); err != nil {
		return nil, Stats{}, fmt.Errorf("%w: moving: %v", apperr.ErrMalformedInput, err)
	}
	if !reference.Is3D() || !moving.Is3D() {
		return nil, Stats{}, fmt.Errorf("%w: resampling requires 3D volumes", apperr.ErrMalformedInput)
	}

	out := reference.CloneGeometry()
	nx, ny, nz := reference.Size[0], reference.Size[1], reference.Size[2]

	mapIndex := indexMapper(reference, moving, tr)
	inside := parallel.Count(nz, func(lo, hi int) int {
		count := 0
		for k := lo; k < hi; k++ {
			for j := 0; j < ny; j++ {
				row := (k*ny + j) * nx
				for i := 0; i < nx; i++ {
					idx := mapIndex([3]float64{float64(i), float64(j), float64(k)})
					value, ok := interpolation.Sample(moving, idx, opts.Method)
					if !ok {
						out.Voxels[row+i] = opts.DefaultValue
						continue
					}
					out.Voxels[row+i] = value
					count++
				}
			}
		}
		return count
	})

	stats := Stats{Inside: inside, Total: out.Len()}
	if inside == 0 {
		return nil, stats, fmt.Errorf("%w: no reference voxel maps inside the moving volume", apperr.ErrDegenerate)
	}
	return out, stats, nil
}

// indexMapper returns a function from reference voxel indices to continuous
// moving indices. Linear transforms are folded into one affine map.
func indexMapper(reference, moving *models.Volume, tr transform.Transform) func([3]float64) [3]float64 {
	flat, ok := transform.Flatten(tr)
	if !ok {
		return func(idx [3]float64) [3]float64 {
			return moving.PhysicalToIndex(tr.Apply(reference.IndexToPhysical(idx)))
		}
	}

	// moving index = Bm^-1 (M (Of + Bf i) + o - Om), with B = D * diag(spacing).
	bf := gridMatrix(reference)
	bm := gridMatrix(moving)
	var bmInv mat.Dense
	if err := bmInv.Inverse(bm); err != nil {
		return func(idx [3]float64) [3]float64 {
			return moving.PhysicalToIndex(tr.Apply(reference.IndexToPhysical(idx)))
		}
	}

	var a, tmp mat.Dense
	tmp.Mul(flat.Matrix(), bf)
	a.Mul(&bmInv, &tmp)

	shift := flat.Apply(reference.Origin)
	d := mat.NewVecDense(3, []float64{
		shift[0] - moving.Origin[0],
		shift[1] - moving.Origin[1],
		shift[2] - moving.Origin[2],
	})
	var b mat.VecDense
	b.MulVec(&bmInv, d)

	var am [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			am[3*r+c] = a.At(r, c)
		}
	}
	bv := [3]float64{b.AtVec(0), b.AtVec(1), b.AtVec(2)}
	return func(idx [3]float64) [3]float64 {
		var out [3]float64
		for r := 0; r < 3; r++ {
			out[r] = am[3*r]*idx[0] + am[3*r+1]*idx[1] + am[3*r+2]*idx[2] + bv[r]
		}
		return out
	}
}

func gridMatrix(v *models.Volume) *mat.Dense {
	m := mat.NewDense(3, 3, nil)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			m.Set(r, c, v.Direction[3*r+c]*v.Spacing[c])
		}
	}
	return m
}
