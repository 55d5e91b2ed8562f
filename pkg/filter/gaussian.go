// Package filter implements the smoothing used to build the registration
// resolution pyramid.
package filter

import (
	"math"

	"burrholeprep/internal/models"
	"burrholeprep/internal/parallel"
)

// Gaussian returns a copy of v smoothed by a separable Gaussian kernel.
// sigma is given in millimetres and converted to voxels per axis, so
// anisotropic voxels are smoothed isotropically in physical space.
// A non-positive sigma returns an unmodified copy.
func Gaussian(v *models.Volume, sigma float64) *models.Volume {
	out := v.Clone()
	if sigma <= 0 {
		return out
	}
	buf := make([]float32, len(out.Voxels))
	for axis := 0; axis < 3; axis++ {
		s := sigma / v.Spacing[axis]
		if s < 0.1 || v.Size[axis] < 2 {
			continue
		}
		kernel := gaussianKernel(s)
		convolveAxis(out, buf, axis, kernel)
		out.Voxels, buf = buf, out.Voxels
	}
	return out
}

// gaussianKernel returns a normalised kernel truncated at three sigma.
func gaussianKernel(sigma float64) []float64 {
	radius := int(math.Ceil(3 * sigma))
	k := make([]float64, 2*radius+1)
	sum := 0.0
	for i := -radius; i <= radius; i++ {
		w := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = w
		sum += w
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

// convolveAxis writes src convolved along axis into dst, clamping at the border.
func convolveAxis(src *models.Volume, dst []float32, axis int, kernel []float64) {
	nx, ny, nz := src.Size[0], src.Size[1], src.Size[2]
	strides := [3]int{1, nx, nx * ny}
	stride := strides[axis]
	n := src.Size[axis]
	radius := len(kernel) / 2
	data := src.Voxels

	parallel.Slabs(nz, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					pos := [3]int{i, j, k}[axis]
					base := (k*ny+j)*nx + i - pos*stride
					acc := 0.0
					for t := -radius; t <= radius; t++ {
						p := pos + t
						if p < 0 {
							p = 0
						} else if p >= n {
							p = n - 1
						}
						acc += kernel[t+radius] * float64(data[base+p*stride])
					}
					dst[(k*ny+j)*nx+i] = float32(acc)
				}
			}
		}
	})
}
