// Package registration aligns a post-operative CT volume to a pre-operative
// one with an intensity-based rigid or affine registration.
//
// The method is the classic multi-resolution scheme: bone masks restrict a
// Mattes-style mutual information metric evaluated on a random subset of
// fixed voxels, and a derivative-free simplex optimizer searches the
// transform parameters level by level, from a coarse smoothed grid to the
// native one.
package registration

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/optimize"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/pkg/filter"
	"burrholeprep/pkg/morphology"
	"burrholeprep/pkg/transform"
)

// Kind selects the transform family being optimised.
type Kind string

const (
	// Rigid is a six-parameter Euler transform
	Rigid Kind = "rigid"
	// AffineKind is a twelve-parameter affine transform
	AffineKind Kind = "affine"
)

// ParseKind converts a configuration string into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "", Rigid:
		return Rigid, nil
	case AffineKind:
		return AffineKind, nil
	default:
		return "", fmt.Errorf("unknown transform kind %q (want rigid or affine)", s)
	}
}

// Options controls a registration run.
type Options struct {
	// Kind of transform to estimate
	Kind Kind

	// BoneLower and BoneUpper bound the HU window used for the skull masks
	BoneLower, BoneUpper float32

	// MaskClosingRadius is the ball radius, in voxels, used to close the skull masks
	MaskClosingRadius int

	// MinSkullComponent drops mask components smaller than this many voxels
	MinSkullComponent int

	// UseMasks restricts metric samples to the fixed skull mask
	UseMasks bool

	// HistogramBins is the number of bins per axis of the joint histogram
	HistogramBins int

	// SamplingPercentage is the random fraction of candidate voxels used by the metric
	SamplingPercentage float64

	// Seed makes the random sampling reproducible
	Seed int64

	// Iterations bounds the optimizer's major iterations per level
	Iterations int

	// InitialStep is the initial simplex size in mm at full resolution
	InitialStep float64

	// ShrinkFactors and SmoothingSigmas (mm) define the resolution pyramid,
	// coarsest level first. Both must have the same length.
	ShrinkFactors   []int
	SmoothingSigmas []float64
}

// DefaultOptions returns the standard pipeline parameters.
func DefaultOptions() Options {
	return Options{
		Kind:               Rigid,
		BoneLower:          300,
		BoneUpper:          3000,
		MaskClosingRadius:  1,
		MinSkullComponent:  500,
		UseMasks:           true,
		HistogramBins:      50,
		SamplingPercentage: 0.2,
		Seed:               42,
		Iterations:         300,
		InitialStep:        2.0,
		ShrinkFactors:      []int{4, 2, 1},
		SmoothingSigmas:    []float64{2, 1, 0},
	}
}

// Level describes the outcome of one pyramid level.
type Level struct {
	ShrinkFactor   int     `yaml:"shrinkFactor"`
	SmoothingSigma float64 `yaml:"smoothingSigma"`
	Samples        int     `yaml:"samples"`
	Evaluations    int     `yaml:"evaluations"`
	Iterations     int     `yaml:"iterations"`
	MutualInfo     float64 `yaml:"mutualInformation"`
	Status         string  `yaml:"status"`
}

// Result is the estimated transform and a record of how it was found.
type Result struct {
	Transform transform.Transform
	Levels    []Level

	// FixedMask is the skull mask of the fixed volume, nil when masks were disabled or empty
	FixedMask *morphology.Mask
}

// Register estimates the transform mapping fixed physical points onto
// moving physical points.
func Register(ctx context.Context, fixed, moving *models.Volume, opts Options) (*Result, error) {
	if err := checkInput("fixed", fixed); err != nil {
		return nil, err
	}
	if err := checkInput("moving", moving); err != nil {
		return nil, err
	}
	if len(opts.ShrinkFactors) == 0 || len(opts.ShrinkFactors) != len(opts.SmoothingSigmas) {
		return nil, fmt.Errorf("%w: %d shrink factors for %d smoothing sigmas",
			apperr.ErrInvalidConfig, len(opts.ShrinkFactors), len(opts.SmoothingSigmas))
	}
	bins := opts.HistogramBins
	if bins < 2 {
		bins = 50
	}

	var fixedMask *morphology.Mask
	if opts.UseMasks {
		fixedMask = SkullMask(fixed, opts.BoneLower, opts.BoneUpper, opts.MaskClosingRadius, opts.MinSkullComponent)
		if fixedMask.Count() == 0 {
			fixedMask = nil
		}
	}

	p := newParameterization(opts.Kind, fixed, moving)
	x := make([]float64, p.dim())
	res := &Result{FixedMask: fixedMask}

	for l, shrink := range opts.ShrinkFactors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sigma := opts.SmoothingSigmas[l]
		f, m := fixed, moving
		if sigma > 0 {
			f = filter.Gaussian(fixed, sigma)
			m = filter.Gaussian(moving, sigma)
		}

		samples := drawSamples(f, fixedMask, shrink, opts.SamplingPercentage, opts.Seed+int64(l))
		if len(samples.points) == 0 {
			return nil, fmt.Errorf("%w: no metric samples at level %d", apperr.ErrDegenerate, l)
		}
		metric := newMutualInformation(m, samples, bins)

		problem := optimize.Problem{
			Func: func(x []float64) float64 {
				return -metric.Value(p.transform(x))
			},
		}
		settings := &optimize.Settings{
			MajorIterations: opts.Iterations,
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-6,
				Iterations: 20,
			},
		}
		method := &optimize.NelderMead{SimplexSize: opts.InitialStep * float64(shrink)}

		out, err := optimize.Minimize(problem, x, settings, method)
		if out == nil {
			return nil, fmt.Errorf("registration level %d: %w", l, err)
		}
		// Keep the starting point unless the optimizer actually improved on it.
		if out.F <= problem.Func(x) {
			x = append(x[:0], out.X...)
		}
		res.Levels = append(res.Levels, Level{
			ShrinkFactor:   shrink,
			SmoothingSigma: sigma,
			Samples:        len(samples.points),
			Evaluations:    out.Stats.FuncEvaluations,
			Iterations:     out.Stats.MajorIterations,
			MutualInfo:     -out.F,
			Status:         out.Status.String(),
		})
	}

	res.Transform = p.transform(x)
	return res, nil
}

func checkInput(name string, v *models.Volume) error {
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", apperr.ErrMalformedInput, name, err)
	}
	if !v.Is3D() {
		return fmt.Errorf("%w: %s volume has %d frames, expected a 3D volume", apperr.ErrMalformedInput, name, v.Frames)
	}
	return nil
}

// parameterization maps the optimizer's scaled vector onto a transform.
// Rotational and linear components are multiplied by the fixed-image radius
// so that a unit step moves the volume boundary by about one millimetre, the
// same scale as a unit translation step.
type parameterization struct {
	kind   Kind
	center [3]float64
	shift  [3]float64
	radius float64
}

func newParameterization(kind Kind, fixed, moving *models.Volume) *parameterization {
	fc, mc := fixed.Center(), moving.Center()
	p := &parameterization{kind: kind, center: fc}
	for a := 0; a < 3; a++ {
		p.shift[a] = mc[a] - fc[a]
	}
	ext := 0.0
	for a := 0; a < 3; a++ {
		half := float64(fixed.Size[a]-1) * fixed.Spacing[a] / 2
		ext += half * half
	}
	p.radius = math.Max(1, math.Sqrt(ext))
	return p
}

func (p *parameterization) dim() int {
	if p.kind == AffineKind {
		return 12
	}
	return 6
}

func (p *parameterization) transform(x []float64) transform.Transform {
	if p.kind == AffineKind {
		a := transform.NewAffine(p.center)
		for i := 0; i < 9; i++ {
			a.M[i] += x[i] / p.radius
		}
		for i := 0; i < 3; i++ {
			a.Translation[i] = p.shift[i] + x[9+i]
		}
		return a
	}
	e := transform.NewEuler3D(p.center)
	e.AngleX, e.AngleY, e.AngleZ = x[0]/p.radius, x[1]/p.radius, x[2]/p.radius
	e.Translation = [3]float64{p.shift[0] + x[3], p.shift[1] + x[4], p.shift[2] + x[5]}
	return e
}
