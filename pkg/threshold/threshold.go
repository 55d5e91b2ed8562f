// Package threshold picks intensity cut-offs for binarizing difference images.
package threshold

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// Policy selects how the cut-off is computed.
type Policy string

const (
	// Otsu maximises the between-class variance of a 256-bin histogram
	Otsu Policy = "otsu"
	// Fixed uses a configured value
	Fixed Policy = "fixed"
	// Percentile takes a quantile of the non-zero values
	Percentile Policy = "percentile"
)

// ParsePolicy converts a configuration string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return Otsu, nil
	case Otsu, Fixed, Percentile:
		return p, nil
	default:
		return "", fmt.Errorf("unknown threshold policy %q (want otsu, fixed or percentile)", s)
	}
}

// Options parameterises Compute.
type Options struct {
	Policy Policy

	// Value is the cut-off for the fixed policy
	Value float64

	// Percentile in (0, 100) for the percentile policy
	Percentile float64

	// Bins is the histogram size for Otsu; 256 when zero
	Bins int
}

// Compute returns the cut-off for values. Voxels strictly above it are
// foreground. ok is false when values are uniform (any policy), in which case
// every voxel must be treated as background.
func Compute(values []float32, opts Options) (t float64, ok bool, err error) {
	lo, hi := bounds(values)
	switch opts.Policy {
	case Fixed:
		return opts.Value, hi > lo, nil
	case Percentile:
		if !(opts.Percentile > 0 && opts.Percentile < 100) {
			return 0, false, fmt.Errorf("percentile %v out of range (0, 100)", opts.Percentile)
		}
		if hi <= lo {
			return hi, false, nil
		}
		q, ok := quantileNonZero(values, opts.Percentile/100)
		return q, ok, nil
	case Otsu, "":
		if hi <= lo {
			return hi, false, nil
		}
		bins := opts.Bins
		if bins <= 0 {
			bins = 256
		}
		return otsu(values, lo, hi, bins), true, nil
	default:
		return 0, false, fmt.Errorf("unknown threshold policy %q", opts.Policy)
	}
}

func bounds(values []float32) (lo, hi float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, v := range values {
		x := float64(v)
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi
}

// otsu returns the upper edge of the bin that best splits the histogram into
// two classes, so that "value > t" selects the brighter class.
func otsu(values []float32, lo, hi float64, bins int) float64 {
	hist := make([]float64, bins)
	width := (hi - lo) / float64(bins)
	for _, v := range values {
		b := int((float64(v) - lo) / width)
		if b >= bins {
			b = bins - 1
		} else if b < 0 {
			b = 0
		}
		hist[b]++
	}

	total := float64(len(values))
	var sumAll float64
	for b, c := range hist {
		sumAll += float64(b) * c
	}

	var wB, sumB, best float64
	bestBin := 0
	for b := 0; b < bins-1; b++ {
		wB += hist[b]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(b) * hist[b]
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			bestBin = b
		}
	}
	return lo + float64(bestBin+1)*width
}

func quantileNonZero(values []float32, p float64) (float64, bool) {
	xs := make([]float64, 0, len(values))
	for _, v := range values {
		if v != 0 {
			xs = append(xs, float64(v))
		}
	}
	if len(xs) == 0 {
		return 0, false
	}
	sort.Float64s(xs)
	return stat.Quantile(p, stat.Empirical, xs, nil), true
}
