package nifti

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
)

// createTestVolume builds a small volume with an oblique direction and a
// recognisable intensity ramp.
func createTestVolume() *models.Volume {
	v := models.NewVolume(5, 4, 3, [3]float64{0.5, 0.75, 2.0})
	v.Origin = [3]float64{-12.5, 30.25, 4}
	// 90 degree rotation about z, then a flip of the z axis.
	v.Direction = [9]float64{0, -1, 0, 1, 0, 0, 0, 0, -1}
	for i := range v.Voxels {
		v.Voxels[i] = float32(i) - 7.5
	}
	return v
}

// TestWriteReadRoundTrip verifies that geometry and float intensities survive
// a compressed write followed by a read.
func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vol.nii.gz")
	want := createTestVolume()

	if err := Write(path, want, Float32); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, h, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if DataType(h.DataType) != Float32 {
		t.Errorf("Expected float32 data type, got %s", DataType(h.DataType))
	}
	if !got.SameGeometry(want) {
		t.Errorf("Geometry changed: got size=%v spacing=%v origin=%v dir=%v",
			got.Size, got.Spacing, got.Origin, got.Direction)
	}
	for i := range want.Voxels {
		if got.Voxels[i] != want.Voxels[i] {
			t.Fatalf("Voxel %d: expected %f, got %f", i, want.Voxels[i], got.Voxels[i])
		}
	}
}

// TestQFormGeometry verifies that a header with only a qform is decoded to
// the same geometry that produced it.
func TestQFormGeometry(t *testing.T) {
	want := createTestVolume()
	h := newHeader(want, Float32)
	h.SFormCode = 0

	got := &models.Volume{Size: want.Size, Frames: 1}
	geometryFromHeader(h, got)
	got.Voxels = want.Voxels
	if !got.SameGeometry(want) {
		t.Errorf("qform geometry mismatch: got origin=%v dir=%v, want origin=%v dir=%v",
			got.Origin, got.Direction, want.Origin, want.Direction)
	}
}

// TestUint8Mask verifies rounding and clamping when encoding a mask.
func TestUint8Mask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mask.nii")
	v := models.NewVolume(2, 2, 1, [3]float64{1, 1, 1})
	copy(v.Voxels, []float32{0, 1, 0.6, 300})

	if err := Write(path, v, Uint8); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []float32{0, 1, 1, 255}
	for i := range want {
		if got.Voxels[i] != want[i] {
			t.Errorf("Voxel %d: expected %f, got %f", i, want[i], got.Voxels[i])
		}
	}
}

// TestScaledInt16 verifies that scl_slope and scl_inter are applied on read
// for big-endian files.
func TestScaledInt16(t *testing.T) {
	v := models.NewVolume(3, 1, 1, [3]float64{1, 1, 1})
	h := newHeader(v, Int16)
	h.SclSlope = 2
	h.SclInter = -1024

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, &h); err != nil {
		t.Fatal(err)
	}
	buf.Write([]byte{0, 0, 0, 0})
	for _, x := range []int16{0, 512, -3} {
		binary.Write(&buf, binary.BigEndian, x)
	}
	path := filepath.Join(t.TempDir(), "ct.nii")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	got, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []float32{-1024, 0, -1030}
	for i := range want {
		if math.Abs(float64(got.Voxels[i]-want[i])) > 1e-3 {
			t.Errorf("Voxel %d: expected %f, got %f", i, want[i], got.Voxels[i])
		}
	}
}

// TestFourDimensional verifies that frames beyond the third dimension are kept.
func TestFourDimensional(t *testing.T) {
	v := models.NewVolume(2, 2, 2, [3]float64{1, 1, 1})
	v.Frames = 3
	v.Voxels = make([]float32, v.Len())
	for i := range v.Voxels {
		v.Voxels[i] = float32(i)
	}
	path := filepath.Join(t.TempDir(), "fmri.nii.gz")
	if err := Write(path, v, Float32); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, _, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Frames != 3 || got.Is3D() {
		t.Errorf("Expected 3 frames, got %d", got.Frames)
	}
	if got.Voxels[len(got.Voxels)-1] != 23 {
		t.Errorf("Expected last voxel 23, got %f", got.Voxels[len(got.Voxels)-1])
	}
}

// TestReadErrors verifies the error categories for missing and malformed files.
func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, _, err := Read(filepath.Join(dir, "absent.nii.gz"))
	if !errors.Is(err, apperr.ErrMissingInput) {
		t.Errorf("Expected ErrMissingInput, got %v", err)
	}

	garbage := filepath.Join(dir, "garbage.nii")
	if err := os.WriteFile(garbage, bytes.Repeat([]byte{7}, 400), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = Read(garbage)
	if !errors.Is(err, apperr.ErrMalformedInput) {
		t.Errorf("Expected ErrMalformedInput for garbage, got %v", err)
	}

	// A valid header whose voxel data is cut short.
	v := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	h := newHeader(v, Float32)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &h)
	buf.Write(make([]byte, 4+10))
	short := filepath.Join(dir, "short.nii")
	if err := os.WriteFile(short, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, err = Read(short)
	if !errors.Is(err, apperr.ErrMalformedInput) {
		t.Errorf("Expected ErrMalformedInput for truncated data, got %v", err)
	}
}

// TestWriteRejectsDegenerate verifies that zero spacing is refused and that
// no output file is left behind.
func TestWriteRejectsDegenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.nii.gz")
	v := models.NewVolume(2, 2, 2, [3]float64{1, 0, 1})
	err := Write(path, v, Float32)
	if !errors.Is(err, models.ErrDegenerateGeometry) {
		t.Fatalf("Expected ErrDegenerateGeometry, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no output file, stat returned %v", err)
	}
}

// TestWriteRejectsOversized verifies that dimensions beyond the int16 header
// fields are refused instead of wrapping.
func TestWriteRejectsOversized(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide.nii")
	v := models.NewVolume(math.MaxInt16+1, 1, 1, [3]float64{1, 1, 1})
	if err := Write(path, v, Uint8); !errors.Is(err, apperr.ErrMalformedInput) {
		t.Fatalf("Expected ErrMalformedInput, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected no output file, stat returned %v", err)
	}

	v = models.NewVolume(math.MaxInt16, 1, 1, [3]float64{1, 1, 1})
	if err := Write(path, v, Uint8); err != nil {
		t.Errorf("Largest representable dimension should be written: %v", err)
	}
}

// TestDeterministicOutput verifies that writing the same volume twice yields
// identical bytes.
func TestDeterministicOutput(t *testing.T) {
	dir := t.TempDir()
	v := createTestVolume()
	a, b := filepath.Join(dir, "a.nii.gz"), filepath.Join(dir, "b.nii.gz")
	if err := Write(a, v, Float32); err != nil {
		t.Fatal(err)
	}
	if err := Write(b, v, Float32); err != nil {
		t.Fatal(err)
	}
	da, _ := os.ReadFile(a)
	db, _ := os.ReadFile(b)
	if !bytes.Equal(da, db) {
		t.Error("Expected identical bytes for identical volumes")
	}
}
