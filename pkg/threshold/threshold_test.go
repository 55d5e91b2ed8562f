package threshold

import (
	"testing"
)

// TestOtsuSeparatesBimodal verifies that Otsu puts the cut-off between two clusters.
func TestOtsuSeparatesBimodal(t *testing.T) {
	values := []float32{10, 11, 12, 11, 10, 90, 91, 92, 91, 90}
	th, ok, err := Compute(values, Options{Policy: Otsu})
	if err != nil || !ok {
		t.Fatalf("Compute: ok=%v err=%v", ok, err)
	}
	if th <= 12 || th >= 90 {
		t.Errorf("Expected threshold between clusters, got %f", th)
	}
}

// TestOtsuBinaryInput verifies that a 0/1 volume splits between 0 and 1.
func TestOtsuBinaryInput(t *testing.T) {
	values := []float32{0, 0, 1, 0, 1, 1, 0}
	th, ok, err := Compute(values, Options{})
	if err != nil || !ok {
		t.Fatalf("Compute: ok=%v err=%v", ok, err)
	}
	if th < 0 || th >= 1 {
		t.Errorf("Expected threshold in [0,1), got %f", th)
	}
}

// TestUniformInput verifies that uniform values are reported as unusable for every policy.
func TestUniformInput(t *testing.T) {
	zeros := make([]float32, 16)
	for _, p := range []Policy{Otsu, Fixed, Percentile} {
		_, ok, err := Compute(zeros, Options{Policy: p, Value: -1, Percentile: 99})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", p, err)
		}
		if ok {
			t.Errorf("%s: expected uniform input to be rejected", p)
		}
	}
}

// TestPercentile verifies the quantile of non-zero values.
func TestPercentile(t *testing.T) {
	values := []float32{0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	th, ok, err := Compute(values, Options{Policy: Percentile, Percentile: 50})
	if err != nil || !ok {
		t.Fatalf("Compute: ok=%v err=%v", ok, err)
	}
	if th != 5 {
		t.Errorf("Expected 5, got %f", th)
	}

	if _, _, err := Compute(values, Options{Policy: Percentile, Percentile: 100}); err == nil {
		t.Error("Expected error for percentile 100")
	}
}

// TestFixed verifies that the fixed policy returns the configured value.
func TestFixed(t *testing.T) {
	th, ok, err := Compute([]float32{0, 5}, Options{Policy: Fixed, Value: 2.5})
	if err != nil || !ok || th != 2.5 {
		t.Errorf("Expected 2.5, got %f (ok=%v err=%v)", th, ok, err)
	}
}

// TestParsePolicy verifies accepted spellings.
func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != Otsu {
		t.Errorf("Expected otsu default, got %q %v", p, err)
	}
	if p, err := ParsePolicy(" Percentile "); err != nil || p != Percentile {
		t.Errorf("Expected percentile, got %q %v", p, err)
	}
	if _, err := ParsePolicy("mean"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
