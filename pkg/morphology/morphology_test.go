package morphology

import (
	"testing"

	"burrholeprep/internal/models"
)

func maskFromPoints(size [3]int, pts ...[3]int) *Mask {
	m := NewMask(size)
	for _, p := range pts {
		m.Bits[(p[2]*size[1]+p[1])*size[0]+p[0]] = 1
	}
	return m
}

func at(m *Mask, i, j, k int) uint8 {
	return m.Bits[(k*m.Size[1]+j)*m.Size[0]+i]
}

// TestThreshold verifies inclusive bounds.
func TestThreshold(t *testing.T) {
	v := models.NewVolume(4, 1, 1, [3]float64{1, 1, 1})
	copy(v.Voxels, []float32{100, 300, 3000, 3001})
	m := Threshold(v, 300, 3000)
	want := []uint8{0, 1, 1, 0}
	for i := range want {
		if m.Bits[i] != want[i] {
			t.Errorf("Voxel %d: expected %d, got %d", i, want[i], m.Bits[i])
		}
	}
	if Above(v, 300).Count() != 2 {
		t.Errorf("Expected 2 voxels strictly above 300")
	}
}

// TestCloseFillsGap verifies that closing bridges a one-voxel gap across a
// plate one voxel thick without thickening it.
func TestCloseFillsGap(t *testing.T) {
	size := [3]int{9, 7, 5}
	var pts [][3]int
	for i := 1; i < 8; i++ {
		if i == 4 {
			continue
		}
		for j := 2; j <= 4; j++ {
			pts = append(pts, [3]int{i, j, 2})
		}
	}
	m := maskFromPoints(size, pts...)
	closed := Close(m, 1)
	if at(closed, 4, 3, 2) != 1 {
		t.Error("Expected the gap to be filled")
	}
	for _, p := range pts {
		if at(closed, p[0], p[1], p[2]) != 1 {
			t.Errorf("Closing removed original voxel %v", p)
		}
	}
	if at(closed, 4, 0, 2) != 0 || at(closed, 4, 3, 3) != 0 || at(closed, 3, 3, 1) != 0 {
		t.Error("Closing should not grow the plate")
	}
}

// TestBallNeighbourhood verifies the structuring element sizes.
func TestBallNeighbourhood(t *testing.T) {
	for radius, want := range map[int]int{1: 19, 2: 81} {
		if got := len(ball(radius)); got != want {
			t.Errorf("ball(%d): expected %d offsets, got %d", radius, want, got)
		}
	}
}

// TestDilateErode verifies the ball structuring element.
func TestDilateErode(t *testing.T) {
	size := [3]int{5, 5, 5}
	m := maskFromPoints(size, [3]int{2, 2, 2})
	d := Dilate(m, 1)
	if d.Count() != 19 {
		t.Errorf("Expected radius-1 ball of 19 voxels, got %d", d.Count())
	}
	if e := Erode(d, 1); e.Count() != 1 || at(e, 2, 2, 2) != 1 {
		t.Errorf("Expected erosion back to the centre voxel, got %d voxels", e.Count())
	}
}

// TestComponents verifies labelling and small-component removal.
func TestComponents(t *testing.T) {
	size := [3]int{6, 6, 1}
	m := maskFromPoints(size,
		[3]int{0, 0, 0}, [3]int{1, 0, 0}, [3]int{1, 1, 0}, // L-shape, 3 voxels
		[3]int{4, 4, 0}, // island
		[3]int{3, 3, 0}, // diagonal to the island: separate under face connectivity
	)
	_, sizes := Components(m)
	if len(sizes) != 4 {
		t.Fatalf("Expected 3 components, got %d", len(sizes)-1)
	}
	if sizes[1] != 3 {
		t.Errorf("Expected first component of 3 voxels, got %d", sizes[1])
	}

	cleaned := RemoveSmallComponents(m, 2)
	if cleaned.Count() != 3 {
		t.Errorf("Expected only the L-shape to survive, got %d voxels", cleaned.Count())
	}
	if at(cleaned, 4, 4, 0) != 0 {
		t.Error("Expected island to be removed")
	}
}

// TestEmptyMask verifies that operations on an empty mask stay empty.
func TestEmptyMask(t *testing.T) {
	m := NewMask([3]int{4, 4, 4})
	if Close(m, 1).Count() != 0 || RemoveSmallComponents(m, 10).Count() != 0 {
		t.Error("Expected empty mask to stay empty")
	}
}
