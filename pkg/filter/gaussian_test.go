package filter

import (
	"math"
	"testing"

	"burrholeprep/internal/models"
)

// TestGaussianPreservesConstant verifies that a uniform volume is unchanged.
func TestGaussianPreservesConstant(t *testing.T) {
	v := models.NewVolume(6, 5, 4, [3]float64{1, 1, 2})
	for i := range v.Voxels {
		v.Voxels[i] = 42
	}
	out := Gaussian(v, 2)
	for i, x := range out.Voxels {
		if math.Abs(float64(x)-42) > 1e-4 {
			t.Fatalf("Voxel %d: expected 42, got %f", i, x)
		}
	}
}

// TestGaussianSpreadsImpulse verifies mass conservation and spreading of a
// single bright voxel away from the border.
func TestGaussianSpreadsImpulse(t *testing.T) {
	v := models.NewVolume(15, 15, 15, [3]float64{1, 1, 1})
	v.Set(7, 7, 7, 1000)
	out := Gaussian(v, 1)

	sum := 0.0
	for _, x := range out.Voxels {
		sum += float64(x)
	}
	if math.Abs(sum-1000) > 0.5 {
		t.Errorf("Expected total intensity 1000, got %f", sum)
	}
	if out.At(7, 7, 7) >= 1000 || out.At(8, 7, 7) <= 0 {
		t.Errorf("Impulse was not spread: centre %f, neighbour %f", out.At(7, 7, 7), out.At(8, 7, 7))
	}
	if out.At(8, 7, 7) != out.At(6, 7, 7) {
		t.Errorf("Expected symmetric response, got %f vs %f", out.At(8, 7, 7), out.At(6, 7, 7))
	}
}

// TestGaussianZeroSigma verifies that sigma 0 returns an independent copy.
func TestGaussianZeroSigma(t *testing.T) {
	v := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	v.Voxels[3] = 5
	out := Gaussian(v, 0)
	out.Voxels[3] = 9
	if v.Voxels[3] != 5 {
		t.Error("Expected Gaussian to copy its input")
	}
}
