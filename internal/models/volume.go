package models

import (
	"errors"
	"fmt"
	"math"
)

// Volume represents a 3D (optionally 4D) scalar image together with its
// physical geometry. Physical coordinates are in millimetres, LPS orientation.
type Volume struct {
	// Size is the number of voxels along each spatial axis (i, j, k)
	Size [3]int

	// Frames is the length of the 4th dimension, 1 for a plain 3D volume
	Frames int

	// Spacing is the physical size of each voxel along each axis in mm
	Spacing [3]float64

	// Origin is the physical position of voxel (0, 0, 0)
	Origin [3]float64

	// Direction holds the direction cosines as a row-major 3x3 matrix.
	// Column j is the physical direction of index axis j.
	Direction [9]float64

	// Voxels holds the intensities, x fastest, then y, then z, then frame
	Voxels []float32
}

// NewVolume allocates a zero-filled 3D volume with identity direction.
func NewVolume(nx, ny, nz int, spacing [3]float64) *Volume {
	v := &Volume{
		Size:      [3]int{nx, ny, nz},
		Frames:    1,
		Spacing:   spacing,
		Direction: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
	}
	v.Voxels = make([]float32, v.Len())
	return v
}

// Len returns the number of voxels including all frames.
func (v *Volume) Len() int {
	frames := v.Frames
	if frames < 1 {
		frames = 1
	}
	return v.Size[0] * v.Size[1] * v.Size[2] * frames
}

// FrameLen returns the number of voxels in one 3D frame.
func (v *Volume) FrameLen() int {
	return v.Size[0] * v.Size[1] * v.Size[2]
}

// Index returns the linear offset of voxel (i, j, k) in the first frame.
func (v *Volume) Index(i, j, k int) int {
	return (k*v.Size[1]+j)*v.Size[0] + i
}

// At returns the intensity at voxel (i, j, k).
func (v *Volume) At(i, j, k int) float32 {
	return v.Voxels[v.Index(i, j, k)]
}

// Set stores an intensity at voxel (i, j, k).
func (v *Volume) Set(i, j, k int, value float32) {
	v.Voxels[v.Index(i, j, k)] = value
}

// Contains reports whether (i, j, k) lies on the voxel grid.
func (v *Volume) Contains(i, j, k int) bool {
	return i >= 0 && j >= 0 && k >= 0 && i < v.Size[0] && j < v.Size[1] && k < v.Size[2]
}

// IndexToPhysical maps a (continuous) index to a physical point:
// p = origin + D * diag(spacing) * idx.
func (v *Volume) IndexToPhysical(idx [3]float64) [3]float64 {
	var p [3]float64
	for r := 0; r < 3; r++ {
		p[r] = v.Origin[r]
		for c := 0; c < 3; c++ {
			p[r] += v.Direction[3*r+c] * v.Spacing[c] * idx[c]
		}
	}
	return p
}

// PhysicalToIndex maps a physical point to a continuous index. The direction
// matrix is treated as orthonormal, as it is for scanner-produced images.
func (v *Volume) PhysicalToIndex(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - v.Origin[0], p[1] - v.Origin[1], p[2] - v.Origin[2]}
	var idx [3]float64
	for c := 0; c < 3; c++ {
		s := 0.0
		for r := 0; r < 3; r++ {
			s += v.Direction[3*r+c] * d[r]
		}
		idx[c] = s / v.Spacing[c]
	}
	return idx
}

// Center returns the physical centre of the voxel grid.
func (v *Volume) Center() [3]float64 {
	return v.IndexToPhysical([3]float64{
		float64(v.Size[0]-1) / 2,
		float64(v.Size[1]-1) / 2,
		float64(v.Size[2]-1) / 2,
	})
}

// CloneGeometry returns a zero-filled 3D volume sharing v's geometry.
func (v *Volume) CloneGeometry() *Volume {
	out := &Volume{
		Size:      v.Size,
		Frames:    1,
		Spacing:   v.Spacing,
		Origin:    v.Origin,
		Direction: v.Direction,
	}
	out.Voxels = make([]float32, out.Len())
	return out
}

// Clone returns a deep copy of v.
func (v *Volume) Clone() *Volume {
	out := *v
	out.Voxels = make([]float32, len(v.Voxels))
	copy(out.Voxels, v.Voxels)
	return &out
}

// geometryTolerance is the largest difference in mm (or direction cosine)
// still treated as the same grid. It absorbs float32 header round-off.
const geometryTolerance = 1e-4

// SameGeometry reports whether v and o describe the same voxel grid.
func (v *Volume) SameGeometry(o *Volume) bool {
	if v.Size != o.Size {
		return false
	}
	for i := 0; i < 3; i++ {
		if math.Abs(v.Spacing[i]-o.Spacing[i]) > geometryTolerance ||
			math.Abs(v.Origin[i]-o.Origin[i]) > geometryTolerance {
			return false
		}
	}
	for i := 0; i < 9; i++ {
		if math.Abs(v.Direction[i]-o.Direction[i]) > geometryTolerance {
			return false
		}
	}
	return true
}

// ErrDegenerateGeometry is returned by Validate for unusable grids.
var ErrDegenerateGeometry = errors.New("degenerate geometry")

// Validate checks that the volume has a usable grid and a matching voxel buffer.
func (v *Volume) Validate() error {
	for i := 0; i < 3; i++ {
		if v.Size[i] <= 0 {
			return fmt.Errorf("%w: size %v", ErrDegenerateGeometry, v.Size)
		}
		if !(v.Spacing[i] > 0) || math.IsInf(v.Spacing[i], 0) {
			return fmt.Errorf("%w: spacing %v", ErrDegenerateGeometry, v.Spacing)
		}
		if math.IsNaN(v.Origin[i]) || math.IsInf(v.Origin[i], 0) {
			return fmt.Errorf("%w: origin %v", ErrDegenerateGeometry, v.Origin)
		}
	}
	d := v.Direction
	det := d[0]*(d[4]*d[8]-d[5]*d[7]) - d[1]*(d[3]*d[8]-d[5]*d[6]) + d[2]*(d[3]*d[7]-d[4]*d[6])
	if math.Abs(det) < 1e-6 || math.IsNaN(det) {
		return fmt.Errorf("%w: singular direction matrix", ErrDegenerateGeometry)
	}
	if len(v.Voxels) != v.Len() {
		return fmt.Errorf("%w: %d voxels for size %v x %d frames",
			ErrDegenerateGeometry, len(v.Voxels), v.Size, v.Frames)
	}
	return nil
}

// Is3D reports whether v has a single frame.
func (v *Volume) Is3D() bool {
	return v.Frames <= 1
}
