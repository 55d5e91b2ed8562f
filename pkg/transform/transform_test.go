package transform

import (
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"burrholeprep/internal/apperr"
)

func closeTo(a, b [3]float64, tol float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > tol {
			return false
		}
	}
	return true
}

// TestEulerIdentity verifies that a zero-parameter rigid transform leaves points unchanged.
func TestEulerIdentity(t *testing.T) {
	e := NewEuler3D([3]float64{10, -4, 3})
	p := [3]float64{1.5, 2.5, -7}
	if got := e.Apply(p); !closeTo(got, p, 1e-12) {
		t.Errorf("Expected %v, got %v", p, got)
	}
}

// TestEulerRotationAboutCenter verifies a 90 degree z rotation about a center.
func TestEulerRotationAboutCenter(t *testing.T) {
	e := NewEuler3D([3]float64{1, 1, 0})
	e.AngleZ = math.Pi / 2
	e.Translation = [3]float64{0, 0, 5}

	// (2,1,0) is one unit along +x from the center; it should land one unit
	// along +y, then shift by the translation.
	got := e.Apply([3]float64{2, 1, 0})
	want := [3]float64{1, 2, 5}
	if !closeTo(got, want, 1e-12) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

// TestEncodeDecodeRoundTrip verifies that ITK text files round trip exactly.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := NewEuler3D([3]float64{0.5, -12.25, 40})
	if err := e.SetParameters([]float64{0.01, -0.02, 0.03, 1.5, -2.25, 0.125}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "postop_to_preop.tfm")
	if err := Write(path, e); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	ge, ok := got.(*Euler3D)
	if !ok {
		t.Fatalf("Expected *Euler3D, got %T", got)
	}
	if *ge != *e {
		t.Errorf("Round trip mismatch: %+v vs %+v", *ge, *e)
	}
}

// TestDecodeSimpleITKComposite verifies the composite layout SimpleITK writes
// when registration does not run in place.
func TestDecodeSimpleITKComposite(t *testing.T) {
	src := `#Insight Transform File V1.0
#Transform 0
Transform: CompositeTransform_double_3_3
#Transform 1
Transform: Euler3DTransform_double_3_3
Parameters: 0 0 0 1 2 3
FixedParameters: 0 0 0 0
#Transform 2
Transform: TranslationTransform_double_3_3
Parameters: 10 0 0
FixedParameters:
`
	tr, err := Decode(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	c, ok := tr.(*Composite)
	if !ok || len(c.Transforms) != 2 {
		t.Fatalf("Expected composite of 2, got %T", tr)
	}
	// Translation is applied first, then the rigid part.
	got := tr.Apply([3]float64{0, 0, 0})
	if !closeTo(got, [3]float64{11, 2, 3}, 1e-12) {
		t.Errorf("Unexpected composite result %v", got)
	}

	flat, ok := Flatten(tr)
	if !ok {
		t.Fatal("Expected composite of linear transforms to flatten")
	}
	p := [3]float64{3, -1, 2}
	if !closeTo(flat.Apply(p), tr.Apply(p), 1e-9) {
		t.Errorf("Flattened transform disagrees: %v vs %v", flat.Apply(p), tr.Apply(p))
	}
}

// TestAffineInverse verifies that an affine composed with its inverse is the identity.
func TestAffineInverse(t *testing.T) {
	a := NewAffine([3]float64{5, 5, 5})
	if err := a.SetParameters([]float64{1.1, 0.1, 0, -0.05, 0.9, 0.02, 0, 0.03, 1.2, 4, -3, 2}); err != nil {
		t.Fatal(err)
	}
	inv, err := a.Inverse()
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	p := [3]float64{-8, 17, 2.5}
	if got := inv.Apply(a.Apply(p)); !closeTo(got, p, 1e-9) {
		t.Errorf("Expected %v, got %v", p, got)
	}
}

// TestDecodeErrors verifies that unsupported dimensions and bad files are rejected.
func TestDecodeErrors(t *testing.T) {
	cases := map[string]string{
		"2d":     "#Insight Transform File V1.0\nTransform: Euler2DTransform_double_2_2\nParameters: 0 0 0\nFixedParameters: 0 0\n",
		"magic":  "hello\n",
		"params": "#Insight Transform File V1.0\nTransform: Euler3DTransform_double_3_3\nParameters: 0 0\nFixedParameters: 0 0 0\n",
		"class":  "#Insight Transform File V1.0\nTransform: BSplineTransform_double_3_3\nParameters: 0\nFixedParameters: 0 0 0\n",
	}
	for name, src := range cases {
		if _, err := Decode(strings.NewReader(src)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	_, err := Read(filepath.Join(t.TempDir(), "missing.tfm"))
	if !errors.Is(err, apperr.ErrMissingInput) {
		t.Errorf("Expected ErrMissingInput, got %v", err)
	}
}

// TestParametersAreCopies verifies that mutating returned parameters leaves
// the transform unchanged.
func TestParametersAreCopies(t *testing.T) {
	tr := &Translation{Offset: [3]float64{1, 2, 3}}
	p := tr.Parameters()
	p[0] = 99
	if tr.Offset[0] != 1 {
		t.Errorf("Translation offset changed through Parameters: %v", tr.Offset)
	}

	e := NewEuler3D([3]float64{0, 0, 0})
	if err := e.SetParameters([]float64{0.1, 0, 0, 5, 0, 0}); err != nil {
		t.Fatal(err)
	}
	ep := e.Parameters()
	ep[3] = -1
	if e.Parameters()[3] != 5 {
		t.Errorf("Euler3D parameters changed through Parameters: %v", e.Parameters())
	}
}
