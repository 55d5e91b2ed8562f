package binarize

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/pkg/nifti"
	"burrholeprep/pkg/threshold"
)

// createBurrHoleCase builds a preop skull slab and a difference image in
// which a cube of bone vanished after surgery.
func createBurrHoleCase(n int) (preop, diff *models.Volume) {
	preop = models.NewVolume(n, n, n, [3]float64{1, 1, 1})
	diff = preop.CloneGeometry()
	for k := 0; k < n; k++ {
		for j := 0; j < n; j++ {
			for i := 0; i < n; i++ {
				if k >= n-6 {
					preop.Set(i, j, k, 1200)
				} else {
					preop.Set(i, j, k, 30)
				}
				// Small noise everywhere
				diff.Set(i, j, k, float32((i+2*j+3*k)%5)-2)
			}
		}
	}
	for k := n - 6; k < n-1; k++ {
		for j := 4; j < 10; j++ {
			for i := 4; i < 10; i++ {
				diff.Set(i, j, k, -1100)
			}
		}
	}
	return preop, diff
}

func cleanupDisabled() Options {
	return Options{
		Polarity:  Absolute,
		Threshold: threshold.Options{Policy: threshold.Otsu},
	}
}

// TestBinarizeFindsBurrHole verifies that removed bone becomes the mask.
func TestBinarizeFindsBurrHole(t *testing.T) {
	preop, diff := createBurrHoleCase(20)
	mask, res, err := Binarize(diff, preop, DefaultOptions())
	if err != nil {
		t.Fatalf("Binarize: %v", err)
	}
	if res.Voxels != 6*6*5 {
		t.Errorf("Expected %d mask voxels, got %d", 6*6*5, res.Voxels)
	}
	if mask.At(6, 6, 16) != 1 || mask.At(15, 15, 16) != 0 {
		t.Error("Mask does not match the removed cube")
	}
	if !mask.SameGeometry(diff) {
		t.Error("Mask geometry differs from the difference image")
	}
}

// TestAllZeroDiffGivesEmptyMask verifies that a flat difference never yields foreground.
func TestAllZeroDiffGivesEmptyMask(t *testing.T) {
	preop, _ := createBurrHoleCase(10)
	diff := preop.CloneGeometry()
	for _, opts := range []Options{DefaultOptions(), cleanupDisabled()} {
		mask, res, err := Binarize(diff, preop, opts)
		if err != nil {
			t.Fatalf("Binarize: %v", err)
		}
		if !res.Uniform {
			t.Error("Expected uniform input to be reported")
		}
		for i, v := range mask.Voxels {
			if v != 0 {
				t.Fatalf("Voxel %d: expected 0, got %f", i, v)
			}
		}
	}
}

// TestBinarizeIdempotent verifies that a binary volume is returned unchanged.
func TestBinarizeIdempotent(t *testing.T) {
	preop, diff := createBurrHoleCase(16)
	first, _, err := Binarize(diff, preop, DefaultOptions())
	if err != nil {
		t.Fatalf("Binarize: %v", err)
	}
	for _, p := range []Polarity{Gain, Absolute} {
		opts := cleanupDisabled()
		opts.Polarity = p
		second, _, err := Binarize(first, nil, opts)
		if err != nil {
			t.Fatalf("Binarize (%s): %v", p, err)
		}
		for i := range first.Voxels {
			if first.Voxels[i] != second.Voxels[i] {
				t.Fatalf("%s: voxel %d changed from %f to %f", p, i, first.Voxels[i], second.Voxels[i])
			}
		}
	}
}

// TestPolarity verifies which signs are kept.
func TestPolarity(t *testing.T) {
	diff := models.NewVolume(4, 1, 1, [3]float64{1, 1, 1})
	copy(diff.Voxels, []float32{-100, 0, 100, 0})
	cases := map[Polarity][]float32{
		Loss:     {1, 0, 0, 0},
		Gain:     {0, 0, 1, 0},
		Absolute: {1, 0, 1, 0},
	}
	for p, want := range cases {
		opts := cleanupDisabled()
		opts.Polarity = p
		mask, _, err := Binarize(diff, nil, opts)
		if err != nil {
			t.Fatalf("%s: %v", p, err)
		}
		for i := range want {
			if mask.Voxels[i] != want[i] {
				t.Errorf("%s: voxel %d expected %f, got %f", p, i, want[i], mask.Voxels[i])
			}
		}
	}
}

// TestHeadCap verifies the cap follows the superior end of the volume.
func TestHeadCap(t *testing.T) {
	v := models.NewVolume(2, 2, 10, [3]float64{1, 1, 2})
	m := HeadCap(v, 5)
	// 5 mm / 2 mm = 2 slices at the top (highest k).
	for k := 0; k < 10; k++ {
		want := uint8(0)
		if k >= 8 {
			want = 1
		}
		if got := m.Bits[v.Index(0, 0, k)]; got != want {
			t.Errorf("Slice %d: expected %d, got %d", k, want, got)
		}
	}

	// Flipped superior-inferior axis puts the cap at k = 0.
	v.Direction = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, -1}
	m = HeadCap(v, 5)
	if m.Bits[v.Index(0, 0, 0)] != 1 || m.Bits[v.Index(0, 0, 9)] != 0 {
		t.Error("Expected cap at the first slice for a flipped axis")
	}
}

// TestBinarizeCase verifies the written mask and the missing-input error.
func TestBinarizeCase(t *testing.T) {
	dir := t.TempDir()
	preop, diff := createBurrHoleCase(16)
	c := models.Case{Dir: dir, Rel: "."}
	logger := slog.New(slog.DiscardHandler)

	if err := nifti.Write(c.Path(models.DiffFile), diff, nifti.Float32); err != nil {
		t.Fatal(err)
	}
	if err := BinarizeCase(context.Background(), c, DefaultOptions(), logger); !errors.Is(err, apperr.ErrMissingInput) {
		t.Errorf("Expected ErrMissingInput without preop, got %v", err)
	}

	if err := nifti.Write(filepath.Join(dir, models.PreopFile), preop, nifti.Int16); err != nil {
		t.Fatal(err)
	}
	if err := BinarizeCase(context.Background(), c, DefaultOptions(), logger); err != nil {
		t.Fatalf("BinarizeCase: %v", err)
	}
	mask, h, err := nifti.Read(c.Path(models.MaskFile))
	if err != nil {
		t.Fatal(err)
	}
	if h.DataType != int16(nifti.Uint8) {
		t.Errorf("Expected uint8 mask, got datatype %d", h.DataType)
	}
	if mask.At(6, 6, 12) != 1 {
		t.Error("Expected the burr hole in the written mask")
	}
	if _, err := os.Stat(c.Path(models.MaskFile)); err != nil {
		t.Errorf("Mask file missing: %v", err)
	}
}
