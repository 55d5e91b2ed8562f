// Package morphology provides binary mask operations on voxel grids:
// thresholding, closing, and connected-component filtering.
package morphology

import (
	"burrholeprep/internal/models"
	"burrholeprep/internal/parallel"
)

// Mask is a binary voxel grid with values 0 or 1, laid out like a Volume.
type Mask struct {
	Size [3]int
	Bits []uint8
}

// NewMask allocates an empty mask of the given size.
func NewMask(size [3]int) *Mask {
	return &Mask{Size: size, Bits: make([]uint8, size[0]*size[1]*size[2])}
}

// Count returns the number of foreground voxels.
func (m *Mask) Count() int {
	n := 0
	for _, b := range m.Bits {
		if b != 0 {
			n++
		}
	}
	return n
}

// Volume converts the mask into a volume with the geometry of ref.
func (m *Mask) Volume(ref *models.Volume) *models.Volume {
	out := ref.CloneGeometry()
	for i, b := range m.Bits {
		out.Voxels[i] = float32(b)
	}
	return out
}

// And clears every voxel of m that is not set in o.
func (m *Mask) And(o *Mask) {
	for i := range m.Bits {
		m.Bits[i] &= o.Bits[i]
	}
}

// Threshold sets voxels whose intensity lies in [lower, upper].
func Threshold(v *models.Volume, lower, upper float32) *Mask {
	m := NewMask(v.Size)
	n := v.FrameLen()
	parallel.Slabs(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if x := v.Voxels[i]; x >= lower && x <= upper {
				m.Bits[i] = 1
			}
		}
	})
	return m
}

// Above sets voxels whose intensity is strictly greater than t.
func Above(v *models.Volume, t float32) *Mask {
	m := NewMask(v.Size)
	n := v.FrameLen()
	parallel.Slabs(n, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			if v.Voxels[i] > t {
				m.Bits[i] = 1
			}
		}
	})
	return m
}

// ball returns the offsets of a digital ball of the given radius: every
// offset within radius+0.5 of the centre, as in the ITK ball. Radius 1 is
// the 19-voxel face and edge neighbourhood.
func ball(radius int) [][3]int {
	var offs [][3]int
	r2 := radius*radius + radius
	for dz := -radius; dz <= radius; dz++ {
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				if dx*dx+dy*dy+dz*dz <= r2 {
					offs = append(offs, [3]int{dx, dy, dz})
				}
			}
		}
	}
	return offs
}

// Dilate grows the foreground by a ball of the given radius.
func Dilate(m *Mask, radius int) *Mask {
	return morph(m, radius, true, func(x, y, z int) uint8 { return 0 })
}

// Erode shrinks the foreground by a ball of the given radius. Voxels outside
// the grid count as foreground, so the border does not erode inwards.
func Erode(m *Mask, radius int) *Mask {
	return morph(m, radius, false, func(x, y, z int) uint8 { return 1 })
}

// Close performs a dilation followed by an erosion, filling gaps narrower
// than the ball. The dilation is evaluated on a grid padded by radius, so
// foreground never grows along the volume border.
func Close(m *Mask, radius int) *Mask {
	if radius <= 0 {
		return &Mask{Size: m.Size, Bits: append([]uint8(nil), m.Bits...)}
	}
	offs := ball(radius)
	padded := func(x, y, z int) uint8 {
		for _, o := range offs {
			if b, ok := m.at(x+o[0], y+o[1], z+o[2]); ok && b != 0 {
				return 1
			}
		}
		return 0
	}
	return morph(Dilate(m, radius), radius, false, padded)
}

func (m *Mask) at(x, y, z int) (uint8, bool) {
	if x < 0 || y < 0 || z < 0 || x >= m.Size[0] || y >= m.Size[1] || z >= m.Size[2] {
		return 0, false
	}
	return m.Bits[(z*m.Size[1]+y)*m.Size[0]+x], true
}

// morph applies a dilation or erosion with a ball; outside supplies the
// value of neighbours that fall off the grid.
func morph(m *Mask, radius int, dilate bool, outside func(x, y, z int) uint8) *Mask {
	out := NewMask(m.Size)
	if radius <= 0 {
		copy(out.Bits, m.Bits)
		return out
	}
	offs := ball(radius)
	nx, ny, nz := m.Size[0], m.Size[1], m.Size[2]
	parallel.Slabs(nz, func(lo, hi int) {
		for k := lo; k < hi; k++ {
			for j := 0; j < ny; j++ {
				for i := 0; i < nx; i++ {
					hit := !dilate
					for _, o := range offs {
						x, y, z := i+o[0], j+o[1], k+o[2]
						b, ok := m.at(x, y, z)
						if !ok {
							b = outside(x, y, z)
						}
						if dilate && b != 0 {
							hit = true
							break
						}
						if !dilate && b == 0 {
							hit = false
							break
						}
					}
					if hit {
						out.Bits[(k*ny+j)*nx+i] = 1
					}
				}
			}
		}
	})
	return out
}

// Components labels face-connected foreground regions. Labels start at 1 in
// raster order of each component's first voxel; sizes[l] is the voxel count
// of label l (sizes[0] is unused).
func Components(m *Mask) (labels []uint32, sizes []int) {
	nx, ny, nz := m.Size[0], m.Size[1], m.Size[2]
	labels = make([]uint32, len(m.Bits))
	sizes = []int{0}
	var stack []int
	for start, b := range m.Bits {
		if b == 0 || labels[start] != 0 {
			continue
		}
		label := uint32(len(sizes))
		size := 0
		labels[start] = label
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			i := p % nx
			j := (p / nx) % ny
			k := p / (nx * ny)
			visit := func(q int) {
				if m.Bits[q] != 0 && labels[q] == 0 {
					labels[q] = label
					stack = append(stack, q)
				}
			}
			if i > 0 {
				visit(p - 1)
			}
			if i < nx-1 {
				visit(p + 1)
			}
			if j > 0 {
				visit(p - nx)
			}
			if j < ny-1 {
				visit(p + nx)
			}
			if k > 0 {
				visit(p - nx*ny)
			}
			if k < nz-1 {
				visit(p + nx*ny)
			}
		}
		sizes = append(sizes, size)
	}
	return labels, sizes
}

// RemoveSmallComponents clears connected regions with fewer than minSize voxels.
func RemoveSmallComponents(m *Mask, minSize int) *Mask {
	out := &Mask{Size: m.Size, Bits: append([]uint8(nil), m.Bits...)}
	if minSize <= 1 {
		return out
	}
	labels, sizes := Components(m)
	for i, l := range labels {
		if l != 0 && sizes[l] < minSize {
			out.Bits[i] = 0
		}
	}
	return out
}
