// Package interpolation evaluates volume intensities at continuous voxel
// indices, as needed when a volume is resampled onto another grid.
package interpolation

import (
	"fmt"
	"math"
	"strings"

	"burrholeprep/internal/models"
)

// Method selects how intensities between voxel centres are reconstructed.
type Method int

const (
	// Linear is trilinear interpolation between the eight surrounding voxels
	Linear Method = iota
	// Nearest takes the value of the closest voxel
	Nearest
)

func (m Method) String() string {
	switch m {
	case Linear:
		return "linear"
	case Nearest:
		return "nearest"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// ParseMethod maps a configuration string to a Method.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "", "linear", "trilinear":
		return Linear, nil
	case "nearest", "nearestneighbor":
		return Nearest, nil
	}
	return 0, fmt.Errorf("unknown interpolation method %q", s)
}

// Inside reports whether a continuous index lies within the voxel buffer,
// using the half-voxel border convention of ITK interpolators.
func Inside(v *models.Volume, idx [3]float64) bool {
	for a := 0; a < 3; a++ {
		if idx[a] < -0.5 || idx[a] >= float64(v.Size[a])-0.5 {
			return false
		}
	}
	return true
}

// Sample returns the intensity of v at the continuous index idx and whether
// idx was inside the buffer. Outside points return 0, false.
func Sample(v *models.Volume, idx [3]float64, m Method) (float32, bool) {
	if !Inside(v, idx) {
		return 0, false
	}
	if m == Nearest {
		i := clamp(int(math.Round(idx[0])), v.Size[0])
		j := clamp(int(math.Round(idx[1])), v.Size[1])
		k := clamp(int(math.Round(idx[2])), v.Size[2])
		return v.Voxels[v.Index(i, j, k)], true
	}
	return trilinear(v, idx), true
}

func trilinear(v *models.Volume, idx [3]float64) float32 {
	fx, fy, fz := math.Floor(idx[0]), math.Floor(idx[1]), math.Floor(idx[2])
	tx, ty, tz := idx[0]-fx, idx[1]-fy, idx[2]-fz
	x0, y0, z0 := int(fx), int(fy), int(fz)
	x1 := clamp(x0+1, v.Size[0])
	y1 := clamp(y0+1, v.Size[1])
	z1 := clamp(z0+1, v.Size[2])
	x0 = clamp(x0, v.Size[0])
	y0 = clamp(y0, v.Size[1])
	z0 = clamp(z0, v.Size[2])

	nx, nxy := v.Size[0], v.Size[0]*v.Size[1]
	at := func(x, y, z int) float64 { return float64(v.Voxels[z*nxy+y*nx+x]) }

	c00 := at(x0, y0, z0)*(1-tx) + at(x1, y0, z0)*tx
	c10 := at(x0, y1, z0)*(1-tx) + at(x1, y1, z0)*tx
	c01 := at(x0, y0, z1)*(1-tx) + at(x1, y0, z1)*tx
	c11 := at(x0, y1, z1)*(1-tx) + at(x1, y1, z1)*tx
	c0 := c00*(1-ty) + c10*ty
	c1 := c01*(1-ty) + c11*ty
	return float32(c0*(1-tz) + c1*tz)
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
