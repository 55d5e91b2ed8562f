package registration

import (
	"burrholeprep/internal/models"
	"burrholeprep/pkg/morphology"
)

// SkullMask segments bone from a CT volume: intensities within [lower, upper]
// HU, closed with a ball of closingRadius, keeping only components of at
// least minComponent voxels.
func SkullMask(v *models.Volume, lower, upper float32, closingRadius, minComponent int) *morphology.Mask {
	m := morphology.Threshold(v, lower, upper)
	m = morphology.Close(m, closingRadius)
	return morphology.RemoveSmallComponents(m, minComponent)
}
