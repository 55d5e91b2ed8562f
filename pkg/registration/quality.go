package registration

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"burrholeprep/internal/models"
	"burrholeprep/pkg/morphology"
)

// Quality holds similarity measures between the fixed volume and the moving
// volume resampled onto it. They are written next to the transform so that
// failed alignments can be spotted without opening the images.
type Quality struct {
	// MutualInformation in nats over a 50-bin joint histogram. Higher is better.
	MutualInformation float64 `yaml:"mutualInformation"`

	// RMSE is the root mean square intensity difference in HU. Lower is better.
	RMSE float64 `yaml:"rmse"`

	// Correlation is the Pearson correlation coefficient.
	Correlation float64 `yaml:"correlation"`

	// SSIM is the global structural similarity index, in [-1, 1].
	SSIM float64 `yaml:"ssim"`

	// Voxels is the number of voxels the measures were computed over.
	Voxels int `yaml:"voxels"`

	// Masked reports whether only fixed skull-mask voxels were used.
	Masked bool `yaml:"masked"`
}

// Assess compares fixed with resampled (already on fixed's grid), using only
// voxels set in mask when mask is non-nil.
func Assess(fixed, resampled *models.Volume, mask *morphology.Mask) Quality {
	var f, r []float64
	for i := 0; i < fixed.FrameLen(); i++ {
		if mask != nil && mask.Bits[i] == 0 {
			continue
		}
		f = append(f, float64(fixed.Voxels[i]))
		r = append(r, float64(resampled.Voxels[i]))
	}
	q := Quality{Voxels: len(f), Masked: mask != nil}
	if len(f) < 2 {
		return q
	}
	q.MutualInformation = calculateMutualInformation(f, r, 50)
	q.RMSE = calculateRMSE(f, r)
	if stat.Variance(f, nil) > 0 && stat.Variance(r, nil) > 0 {
		q.Correlation = stat.Correlation(f, r, nil)
	}
	q.SSIM = calculateSSIM(f, r)
	return q
}

// calculateMutualInformation computes histogram-based mutual information.
func calculateMutualInformation(a, b []float64, bins int) float64 {
	alo, ahi := rangeOf(a)
	blo, bhi := rangeOf(b)
	as, bs := binScale(alo, ahi, bins), binScale(blo, bhi, bins)
	if as == 0 || bs == 0 {
		return 0
	}
	joint := make([]float64, bins*bins)
	for i := range a {
		x := clampBin(int((a[i]-alo)*as), bins)
		y := clampBin(int((b[i]-blo)*bs), bins)
		joint[x*bins+y]++
	}
	return mutualInformationFromJoint(joint, bins, float64(len(a)))
}

// calculateRMSE computes the root mean square error
func calculateRMSE(a, b []float64) float64 {
	mse := 0.0
	for i := range a {
		d := a[i] - b[i]
		mse += d * d
	}
	return math.Sqrt(mse / float64(len(a)))
}

// calculateSSIM computes a single-window structural similarity index with the
// dynamic range taken from the fixed intensities.
func calculateSSIM(a, b []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	lo, hi := rangeOf(a)
	l := hi - lo
	if l == 0 {
		l = 1
	}
	c1 := (k1 * l) * (k1 * l)
	c2 := (k2 * l) * (k2 * l)

	muX := stat.Mean(a, nil)
	muY := stat.Mean(b, nil)
	sigmaX := stat.Variance(a, nil)
	sigmaY := stat.Variance(b, nil)
	sigmaXY := stat.Covariance(a, b, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}
