package nifti

import (
	"math"

	"burrholeprep/internal/models"
)

// ras2lps flips the first two physical axes. NIfTI stores RAS coordinates,
// volumes are kept in LPS like DICOM and ITK.
var ras2lps = [3]float64{-1, -1, 1}

// geometryFromHeader fills spacing, origin and direction of v from the
// sform, the qform, or the bare pixdim, in that order of preference.
func geometryFromHeader(h Header, v *models.Volume) {
	switch {
	case h.SFormCode > 0:
		rows := [3][4]float32{h.SRowX, h.SRowY, h.SRowZ}
		for c := 0; c < 3; c++ {
			norm := 0.0
			for r := 0; r < 3; r++ {
				x := float64(rows[r][c])
				norm += x * x
			}
			norm = math.Sqrt(norm)
			v.Spacing[c] = norm
			for r := 0; r < 3; r++ {
				if norm > 0 {
					v.Direction[3*r+c] = ras2lps[r] * float64(rows[r][c]) / norm
				}
			}
		}
		for r := 0; r < 3; r++ {
			v.Origin[r] = ras2lps[r] * float64(rows[r][3])
		}

	case h.QFormCode > 0:
		b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
		a := 1 - (b*b + c*c + d*d)
		if a < 1e-7 {
			// Numerically 180 degrees: renormalise (b, c, d).
			n := 1 / math.Sqrt(b*b+c*c+d*d)
			b, c, d = b*n, c*n, d*n
			a = 0
		} else {
			a = math.Sqrt(a)
		}
		qfac := 1.0
		if h.PixDim[0] < 0 {
			qfac = -1
		}
		rot := [9]float64{
			a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c),
			2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b),
			2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b,
		}
		for r := 0; r < 3; r++ {
			rot[3*r+2] *= qfac
			for col := 0; col < 3; col++ {
				v.Direction[3*r+col] = ras2lps[r] * rot[3*r+col]
			}
		}
		for i := 0; i < 3; i++ {
			v.Spacing[i] = math.Abs(float64(h.PixDim[i+1]))
		}
		v.Origin = [3]float64{
			ras2lps[0] * float64(h.QOffsetX),
			ras2lps[1] * float64(h.QOffsetY),
			ras2lps[2] * float64(h.QOffsetZ),
		}

	default:
		for i := 0; i < 3; i++ {
			v.Spacing[i] = float64(h.PixDim[i+1])
		}
		v.Direction = [9]float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}
	}
}

// geometryToHeader writes v's geometry into both the sform and the qform of h.
func geometryToHeader(v *models.Volume, h *Header) {
	var rot [9]float64 // RAS direction cosines
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rot[3*r+c] = ras2lps[r] * v.Direction[3*r+c]
		}
	}
	rows := [3]*[4]float32{&h.SRowX, &h.SRowY, &h.SRowZ}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			rows[r][c] = float32(rot[3*r+c] * v.Spacing[c])
		}
		rows[r][3] = float32(ras2lps[r] * v.Origin[r])
	}

	qfac := 1.0
	det := rot[0]*(rot[4]*rot[8]-rot[5]*rot[7]) -
		rot[1]*(rot[3]*rot[8]-rot[5]*rot[6]) +
		rot[2]*(rot[3]*rot[7]-rot[4]*rot[6])
	if det < 0 {
		qfac = -1
		rot[2], rot[5], rot[8] = -rot[2], -rot[5], -rot[8]
	}
	b, c, d := quaternion(rot)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QOffsetX, h.QOffsetY, h.QOffsetZ = rows[0][3], rows[1][3], rows[2][3]
	h.PixDim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.PixDim[i+1] = float32(v.Spacing[i])
	}
	h.QFormCode = 1
	h.SFormCode = 1
}

// quaternion converts a proper rotation matrix to the (b, c, d) quaternion
// parameters with a >= 0, following nifti_mat44_to_quatern.
func quaternion(r [9]float64) (b, c, d float64) {
	r11, r12, r13 := r[0], r[1], r[2]
	r21, r22, r23 := r[3], r[4], r[5]
	r31, r32, r33 := r[6], r[7], r[8]

	a := r11 + r22 + r33 + 1
	if a > 0.5 {
		a = 0.5 * math.Sqrt(a)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
		return b, c, d
	}
	xd := 1 + r11 - (r22 + r33)
	yd := 1 + r22 - (r11 + r33)
	zd := 1 + r33 - (r11 + r22)
	switch {
	case xd > 1:
		b = 0.5 * math.Sqrt(xd)
		c = 0.25 * (r12 + r21) / b
		d = 0.25 * (r13 + r31) / b
		a = 0.25 * (r32 - r23) / b
	case yd > 1:
		c = 0.5 * math.Sqrt(yd)
		b = 0.25 * (r12 + r21) / c
		d = 0.25 * (r23 + r32) / c
		a = 0.25 * (r13 - r31) / c
	default:
		d = 0.5 * math.Sqrt(zd)
		b = 0.25 * (r13 + r31) / d
		c = 0.25 * (r23 + r32) / d
		a = 0.25 * (r21 - r12) / d
	}
	if a < 0 {
		b, c, d = -b, -c, -d
	}
	return b, c, d
}
