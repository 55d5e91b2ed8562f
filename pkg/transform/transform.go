// Package transform provides the spatial transforms produced by registration
// and consumed by resampling, and their ITK text file representation.
//
// A Transform maps a point in fixed (pre-operative) physical space to the
// corresponding point in moving (post-operative) physical space. This is the
// direction a resampler needs to pull moving intensities onto the fixed grid.
package transform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ITK class names understood by the reader and writer.
const (
	KindEuler3D     = "Euler3DTransform"
	KindVersorRigid = "VersorRigid3DTransform"
	KindAffine      = "AffineTransform"
	KindTranslation = "TranslationTransform"
	KindComposite   = "CompositeTransform"
)

// Transform maps fixed physical points to moving physical points.
type Transform interface {
	// Apply transforms a single point.
	Apply(p [3]float64) [3]float64

	// Kind returns the ITK class name without the type suffix.
	Kind() string

	// Parameters returns the optimisable parameters in ITK order.
	Parameters() []float64

	// FixedParameters returns the non-optimised parameters in ITK order.
	FixedParameters() []float64
}

// Linear is implemented by transforms of the form y = M(x - c) + c + t.
type Linear interface {
	Transform

	// Matrix returns M as a 3x3 dense matrix.
	Matrix() *mat.Dense

	// Offset returns o such that y = M x + o.
	Offset() [3]float64
}

// matrixOffset holds y = M(x - c) + c + t with M row-major.
type matrixOffset struct {
	m      [9]float64
	center [3]float64
	trans  [3]float64
}

func (mo *matrixOffset) apply(p [3]float64) [3]float64 {
	d := [3]float64{p[0] - mo.center[0], p[1] - mo.center[1], p[2] - mo.center[2]}
	var y [3]float64
	for r := 0; r < 3; r++ {
		y[r] = mo.m[3*r]*d[0] + mo.m[3*r+1]*d[1] + mo.m[3*r+2]*d[2] + mo.center[r] + mo.trans[r]
	}
	return y
}

func (mo *matrixOffset) matrix() *mat.Dense {
	return mat.NewDense(3, 3, append([]float64(nil), mo.m[:]...))
}

func (mo *matrixOffset) offset() [3]float64 {
	var o [3]float64
	for r := 0; r < 3; r++ {
		o[r] = mo.center[r] + mo.trans[r]
		for c := 0; c < 3; c++ {
			o[r] -= mo.m[3*r+c] * mo.center[c]
		}
	}
	return o
}

// Euler3D is a rigid rotation about a fixed center followed by a translation.
// Angles are in radians. The rotation matrix is Rz*Rx*Ry, or Rz*Ry*Rx when
// ComputeZYX is set, matching ITK.
type Euler3D struct {
	AngleX, AngleY, AngleZ float64
	Translation            [3]float64
	Center                 [3]float64
	ComputeZYX             bool
}

// NewEuler3D returns an identity rigid transform rotating about center.
func NewEuler3D(center [3]float64) *Euler3D {
	return &Euler3D{Center: center}
}

func (e *Euler3D) rotation() [9]float64 {
	cx, sx := math.Cos(e.AngleX), math.Sin(e.AngleX)
	cy, sy := math.Cos(e.AngleY), math.Sin(e.AngleY)
	cz, sz := math.Cos(e.AngleZ), math.Sin(e.AngleZ)
	rx := [9]float64{1, 0, 0, 0, cx, -sx, 0, sx, cx}
	ry := [9]float64{cy, 0, sy, 0, 1, 0, -sy, 0, cy}
	rz := [9]float64{cz, -sz, 0, sz, cz, 0, 0, 0, 1}
	if e.ComputeZYX {
		return mul3(rz, mul3(ry, rx))
	}
	return mul3(rz, mul3(rx, ry))
}

func (e *Euler3D) mo() *matrixOffset {
	return &matrixOffset{m: e.rotation(), center: e.Center, trans: e.Translation}
}

func (e *Euler3D) Apply(p [3]float64) [3]float64 { return e.mo().apply(p) }
func (e *Euler3D) Kind() string                   { return KindEuler3D }
func (e *Euler3D) Matrix() *mat.Dense             { return e.mo().matrix() }
func (e *Euler3D) Offset() [3]float64             { return e.mo().offset() }

func (e *Euler3D) Parameters() []float64 {
	return []float64{e.AngleX, e.AngleY, e.AngleZ, e.Translation[0], e.Translation[1], e.Translation[2]}
}

func (e *Euler3D) FixedParameters() []float64 {
	zyx := 0.0
	if e.ComputeZYX {
		zyx = 1
	}
	return []float64{e.Center[0], e.Center[1], e.Center[2], zyx}
}

// SetParameters loads the six ITK parameters.
func (e *Euler3D) SetParameters(p []float64) error {
	if len(p) != 6 {
		return fmt.Errorf("euler3d: expected 6 parameters, got %d", len(p))
	}
	e.AngleX, e.AngleY, e.AngleZ = p[0], p[1], p[2]
	e.Translation = [3]float64{p[3], p[4], p[5]}
	return nil
}

// VersorRigid3D is a rigid transform parameterised by the vector part of a
// unit quaternion.
type VersorRigid3D struct {
	Versor      [3]float64
	Translation [3]float64
	Center      [3]float64
}

func (v *VersorRigid3D) mo() *matrixOffset {
	x, y, z := v.Versor[0], v.Versor[1], v.Versor[2]
	w := math.Sqrt(math.Max(0, 1-(x*x+y*y+z*z)))
	m := [9]float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	}
	return &matrixOffset{m: m, center: v.Center, trans: v.Translation}
}

func (v *VersorRigid3D) Apply(p [3]float64) [3]float64 { return v.mo().apply(p) }
func (v *VersorRigid3D) Kind() string                   { return KindVersorRigid }
func (v *VersorRigid3D) Matrix() *mat.Dense             { return v.mo().matrix() }
func (v *VersorRigid3D) Offset() [3]float64             { return v.mo().offset() }

func (v *VersorRigid3D) Parameters() []float64 {
	return []float64{v.Versor[0], v.Versor[1], v.Versor[2], v.Translation[0], v.Translation[1], v.Translation[2]}
}

func (v *VersorRigid3D) FixedParameters() []float64 {
	return []float64{v.Center[0], v.Center[1], v.Center[2]}
}

// Affine is a general linear map about a fixed center followed by a translation.
type Affine struct {
	M           [9]float64
	Translation [3]float64
	Center      [3]float64
}

// NewAffine returns an identity affine transform about center.
func NewAffine(center [3]float64) *Affine {
	return &Affine{M: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, Center: center}
}

func (a *Affine) mo() *matrixOffset {
	return &matrixOffset{m: a.M, center: a.Center, trans: a.Translation}
}

func (a *Affine) Apply(p [3]float64) [3]float64 { return a.mo().apply(p) }
func (a *Affine) Kind() string                   { return KindAffine }
func (a *Affine) Matrix() *mat.Dense             { return a.mo().matrix() }
func (a *Affine) Offset() [3]float64             { return a.mo().offset() }

func (a *Affine) Parameters() []float64 {
	p := make([]float64, 0, 12)
	p = append(p, a.M[:]...)
	return append(p, a.Translation[:]...)
}

func (a *Affine) FixedParameters() []float64 {
	return []float64{a.Center[0], a.Center[1], a.Center[2]}
}

// SetParameters loads the twelve ITK parameters.
func (a *Affine) SetParameters(p []float64) error {
	if len(p) != 12 {
		return fmt.Errorf("affine: expected 12 parameters, got %d", len(p))
	}
	copy(a.M[:], p[:9])
	copy(a.Translation[:], p[9:])
	return nil
}

// Inverse returns the affine transform mapping moving points back to fixed points.
func (a *Affine) Inverse() (*Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.Matrix()); err != nil {
		return nil, fmt.Errorf("affine: matrix is not invertible: %w", err)
	}
	out := &Affine{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.M[3*r+c] = inv.At(r, c)
		}
	}
	o := a.Offset()
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.Translation[r] -= out.M[3*r+c] * o[c]
		}
	}
	return out, nil
}

// Translation shifts every point by a constant offset.
type Translation struct {
	Offset [3]float64
}

func (t *Translation) Apply(p [3]float64) [3]float64 {
	return [3]float64{p[0] + t.Offset[0], p[1] + t.Offset[1], p[2] + t.Offset[2]}
}
func (t *Translation) Kind() string               { return KindTranslation }
func (t *Translation) Parameters() []float64      { return append([]float64(nil), t.Offset[:]...) }
func (t *Translation) FixedParameters() []float64 { return nil }

// Composite applies its members back to front, like an ITK CompositeTransform:
// y = T[0](T[1](...T[n-1](x))).
type Composite struct {
	Transforms []Transform
}

func (c *Composite) Apply(p [3]float64) [3]float64 {
	for i := len(c.Transforms) - 1; i >= 0; i-- {
		p = c.Transforms[i].Apply(p)
	}
	return p
}
func (c *Composite) Kind() string               { return KindComposite }
func (c *Composite) Parameters() []float64      { return nil }
func (c *Composite) FixedParameters() []float64 { return nil }

// Flatten collapses t into a single Affine when every part of it is linear.
func Flatten(t Transform) (*Affine, bool) {
	switch v := t.(type) {
	case Linear:
		out := &Affine{}
		m := v.Matrix()
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				out.M[3*r+c] = m.At(r, c)
			}
		}
		out.Translation = v.Offset()
		return out, true
	case *Translation:
		out := NewAffine([3]float64{})
		out.Translation = v.Offset
		return out, true
	case *Composite:
		acc := NewAffine([3]float64{})
		for i := len(v.Transforms) - 1; i >= 0; i-- {
			next, ok := Flatten(v.Transforms[i])
			if !ok {
				return nil, false
			}
			acc = compose(next, acc)
		}
		return acc, true
	}
	return nil, false
}

// compose returns outer(inner(x)) for two center-free affines.
func compose(outer, inner *Affine) *Affine {
	var m mat.Dense
	m.Mul(outer.Matrix(), inner.Matrix())
	out := &Affine{}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			out.M[3*r+c] = m.At(r, c)
		}
	}
	inOff, outOff := inner.Offset(), outer.Offset()
	for r := 0; r < 3; r++ {
		out.Translation[r] = outOff[r]
		for c := 0; c < 3; c++ {
			out.Translation[r] += outer.M[3*r+c] * inOff[c]
		}
	}
	return out
}

func mul3(a, b [9]float64) [9]float64 {
	var out [9]float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			for k := 0; k < 3; k++ {
				out[3*r+c] += a[3*r+k] * b[3*k+c]
			}
		}
	}
	return out
}
