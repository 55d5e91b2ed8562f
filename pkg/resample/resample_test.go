package resample

import (
	"errors"
	"math"
	"testing"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/pkg/interpolation"
	"burrholeprep/pkg/transform"
)

func createTestVolume(n int) *models.Volume {
	v := models.NewVolume(n, n, n, [3]float64{1, 1, 2})
	v.Origin = [3]float64{-5, 3, 10}
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				v.Set(i, j, k, float32(i*i+2*j+3*k))
			}
		}
	}
	return v
}

// TestIdentityPreservesGrid verifies that the identity transform reproduces
// the moving volume on the reference grid exactly.
func TestIdentityPreservesGrid(t *testing.T) {
	v := createTestVolume(6)
	out, stats, err := Resample(v, v, transform.NewEuler3D(v.Center()), Options{})
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if !out.SameGeometry(v) {
		t.Error("Output geometry differs from reference")
	}
	if stats.Inside != v.Len() || stats.Coverage() != 1 {
		t.Errorf("Expected full coverage, got %+v", stats)
	}
	for i := range v.Voxels {
		if math.Abs(float64(out.Voxels[i]-v.Voxels[i])) > 1e-4 {
			t.Fatalf("Voxel %d: expected %f, got %f", i, v.Voxels[i], out.Voxels[i])
		}
	}
}

// TestTranslationShiftsContent verifies that a one-voxel translation shifts
// intensities and fills uncovered voxels with the default value.
func TestTranslationShiftsContent(t *testing.T) {
	v := createTestVolume(5)
	tr := &transform.Translation{Offset: [3]float64{1, 0, 0}}
	out, stats, err := Resample(v, v, tr, Options{Method: interpolation.Nearest, DefaultValue: -1})
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if got, want := out.At(0, 2, 2), v.At(1, 2, 2); got != want {
		t.Errorf("Expected %f, got %f", want, got)
	}
	if got := out.At(4, 2, 2); got != -1 {
		t.Errorf("Expected default value at the edge, got %f", got)
	}
	if stats.Inside != 4*5*5 {
		t.Errorf("Expected %d inside voxels, got %d", 4*5*5, stats.Inside)
	}
}

// TestGenericMatchesFlattened verifies that the folded index map agrees
// with per-point transformation.
func TestGenericMatchesFlattened(t *testing.T) {
	ref := createTestVolume(4)
	mov := createTestVolume(5)
	mov.Direction = [9]float64{0, 1, 0, -1, 0, 0, 0, 0, 1}
	e := transform.NewEuler3D([3]float64{1, 2, 3})
	e.AngleX, e.AngleZ = 0.1, -0.2
	e.Translation = [3]float64{0.5, -1, 2}

	fast := indexMapper(ref, mov, e)
	for _, idx := range [][3]float64{{0, 0, 0}, {3, 1, 2}, {1.5, 2.5, 0.5}} {
		want := mov.PhysicalToIndex(e.Apply(ref.IndexToPhysical(idx)))
		got := fast(idx)
		for a := 0; a < 3; a++ {
			if math.Abs(got[a]-want[a]) > 1e-9 {
				t.Fatalf("idx %v: expected %v, got %v", idx, want, got)
			}
		}
	}
}

// TestEmptyResample verifies that a transform mapping everything outside fails.
func TestEmptyResample(t *testing.T) {
	v := createTestVolume(4)
	tr := &transform.Translation{Offset: [3]float64{1000, 0, 0}}
	_, _, err := Resample(v, v, tr, Options{})
	if !errors.Is(err, apperr.ErrDegenerate) {
		t.Errorf("Expected ErrDegenerate, got %v", err)
	}
}

// TestRejects4D verifies that multi-frame volumes are refused.
func TestRejects4D(t *testing.T) {
	v := createTestVolume(3)
	v4 := v.Clone()
	v4.Frames = 2
	v4.Voxels = append(v4.Voxels, v.Voxels...)
	_, _, err := Resample(v, v4, &transform.Translation{}, Options{})
	if !errors.Is(err, apperr.ErrMalformedInput) {
		t.Errorf("Expected ErrMalformedInput, got %v", err)
	}
}
