package registration

import (
	"math"
	"math/rand"

	"burrholeprep/internal/models"
	"burrholeprep/internal/parallel"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/morphology"
	"burrholeprep/pkg/transform"
)

// sampleSet holds the fixed-image points a metric is evaluated on.
type sampleSet struct {
	points [][3]float64
	values []float64
}

// drawSamples picks fixed voxels on a stride grid (inside mask when given),
// then keeps a random fraction of them. The same seed yields the same set.
func drawSamples(fixed *models.Volume, mask *morphology.Mask, stride int, fraction float64, seed int64) sampleSet {
	if stride < 1 {
		stride = 1
	}
	var idx []int
	nx, ny, nz := fixed.Size[0], fixed.Size[1], fixed.Size[2]
	for k := 0; k < nz; k += stride {
		for j := 0; j < ny; j += stride {
			for i := 0; i < nx; i += stride {
				n := fixed.Index(i, j, k)
				if mask != nil && mask.Bits[n] == 0 {
					continue
				}
				idx = append(idx, n)
			}
		}
	}

	if fraction > 0 && fraction < 1 {
		rng := rand.New(rand.NewSource(seed))
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		keep := int(math.Ceil(fraction * float64(len(idx))))
		idx = idx[:keep]
	}

	s := sampleSet{
		points: make([][3]float64, len(idx)),
		values: make([]float64, len(idx)),
	}
	for n, off := range idx {
		i := off % nx
		j := (off / nx) % ny
		k := off / (nx * ny)
		s.points[n] = fixed.IndexToPhysical([3]float64{float64(i), float64(j), float64(k)})
		s.values[n] = float64(fixed.Voxels[off])
	}
	return s
}

// mutualInformation evaluates MI between fixed samples and the moving volume
// under a transform, with a joint histogram of bins x bins. Moving
// intensities are spread over two adjacent bins by linear weighting so the
// cost varies smoothly with the parameters.
type mutualInformation struct {
	moving  *models.Volume
	samples sampleSet
	bins    int

	fixedMin, fixedScale   float64
	movingMin, movingScale float64
}

func newMutualInformation(moving *models.Volume, samples sampleSet, bins int) *mutualInformation {
	mi := &mutualInformation{moving: moving, samples: samples, bins: bins}
	fmin, fmax := rangeOf(samples.values)
	mi.fixedMin, mi.fixedScale = fmin, binScale(fmin, fmax, bins)
	mmin, mmax := rangeOf32(moving.Voxels)
	mi.movingMin, mi.movingScale = mmin, binScale(mmin, mmax, bins)
	return mi
}

func binScale(lo, hi float64, bins int) float64 {
	if hi <= lo {
		return 0
	}
	return float64(bins-1) / (hi - lo)
}

// minValidFraction is the share of samples that must land inside the moving
// volume for a transform to be scored at all.
const minValidFraction = 0.1

// Value returns MI for tr, or 0 when too few samples map inside the moving volume.
func (mi *mutualInformation) Value(tr transform.Transform) float64 {
	n := len(mi.samples.points)
	if n == 0 || mi.fixedScale == 0 || mi.movingScale == 0 {
		return 0
	}
	mapPoint := movingIndexMap(mi.moving, tr)
	moved := make([]float64, n)
	valid := make([]bool, n)
	parallel.Slabs(n, func(lo, hi int) {
		for s := lo; s < hi; s++ {
			v, ok := interpolation.Sample(mi.moving, mapPoint(mi.samples.points[s]), interpolation.Linear)
			moved[s], valid[s] = float64(v), ok
		}
	})

	joint := make([]float64, mi.bins*mi.bins)
	total := 0.0
	for s := 0; s < n; s++ {
		if !valid[s] {
			continue
		}
		fb := int((mi.samples.values[s] - mi.fixedMin) * mi.fixedScale)
		fb = clampBin(fb, mi.bins)
		mpos := (moved[s] - mi.movingMin) * mi.movingScale
		if mpos < 0 {
			mpos = 0
		}
		if mpos > float64(mi.bins-1) {
			mpos = float64(mi.bins - 1)
		}
		m0 := int(mpos)
		w := mpos - float64(m0)
		joint[fb*mi.bins+m0] += 1 - w
		if w > 0 && m0+1 < mi.bins {
			joint[fb*mi.bins+m0+1] += w
		}
		total++
	}
	if total < minValidFraction*float64(n) {
		return 0
	}
	return mutualInformationFromJoint(joint, mi.bins, total)
}

func mutualInformationFromJoint(joint []float64, bins int, total float64) float64 {
	pf := make([]float64, bins)
	pm := make([]float64, bins)
	for a := 0; a < bins; a++ {
		for b := 0; b < bins; b++ {
			p := joint[a*bins+b] / total
			pf[a] += p
			pm[b] += p
		}
	}
	mi := 0.0
	for a := 0; a < bins; a++ {
		for b := 0; b < bins; b++ {
			p := joint[a*bins+b] / total
			if p > 0 {
				mi += p * math.Log(p/(pf[a]*pm[b]))
			}
		}
	}
	return mi
}

// movingIndexMap folds tr and the moving grid into one function from fixed
// physical points to continuous moving indices.
func movingIndexMap(moving *models.Volume, tr transform.Transform) func([3]float64) [3]float64 {
	flat, ok := transform.Flatten(tr)
	if !ok {
		return func(p [3]float64) [3]float64 { return moving.PhysicalToIndex(tr.Apply(p)) }
	}
	// idx = diag(1/s) D^T (M p + o - origin)
	off := flat.Offset()
	var a [9]float64
	var b [3]float64
	for c := 0; c < 3; c++ {
		for r := 0; r < 3; r++ {
			d := moving.Direction[3*r+c] / moving.Spacing[c]
			for k := 0; k < 3; k++ {
				a[3*c+k] += d * flat.M[3*r+k]
			}
			b[c] += d * (off[r] - moving.Origin[r])
		}
	}
	return func(p [3]float64) [3]float64 {
		return [3]float64{
			a[0]*p[0] + a[1]*p[1] + a[2]*p[2] + b[0],
			a[3]*p[0] + a[4]*p[1] + a[5]*p[2] + b[1],
			a[6]*p[0] + a[7]*p[1] + a[8]*p[2] + b[2],
		}
	}
}

func clampBin(b, bins int) int {
	if b < 0 {
		return 0
	}
	if b >= bins {
		return bins - 1
	}
	return b
}

func rangeOf(xs []float64) (lo, hi float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	lo, hi = xs[0], xs[0]
	for _, x := range xs {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}

func rangeOf32(xs []float32) (lo, hi float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	l, h := xs[0], xs[0]
	for _, x := range xs {
		if x < l {
			l = x
		}
		if x > h {
			h = x
		}
	}
	return float64(l), float64(h)
}
