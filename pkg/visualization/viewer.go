// Package visualization renders JPEG quality-control previews of a preop
// volume with its burr-hole mask overlaid in red.
package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log/slog"
	"math"
	"path/filepath"

	"burrholeprep/internal/apperr"
	"burrholeprep/internal/models"
	"burrholeprep/internal/storage"
	"burrholeprep/pkg/nifti"
)

// Axis names a slicing plane.
type Axis string

const (
	// Axial slices are perpendicular to the k (inferior-superior) index axis
	Axial Axis = "axial"
	// Coronal slices are perpendicular to the j (anterior-posterior) index axis
	Coronal Axis = "coronal"
	// Sagittal slices are perpendicular to the i (right-left) index axis
	Sagittal Axis = "sagittal"
)

// Axes lists the planes written by SavePreviews, in order.
var Axes = []Axis{Axial, Coronal, Sagittal}

// Options controls preview rendering.
type Options struct {
	// WindowMin and WindowMax map intensities to black and white
	WindowMin float64
	WindowMax float64

	// Quality is the JPEG quality
	Quality int
}

// DefaultOptions returns a bone-friendly CT window.
func DefaultOptions() Options {
	return Options{WindowMin: -100, WindowMax: 1500, Quality: 90}
}

// Viewer extracts windowed slices from a volume with an optional mask overlay.
type Viewer struct {
	// volume is the background image
	volume *models.Volume

	// mask is nil or shares the volume's grid; non-zero voxels are drawn red
	mask *models.Volume

	opts Options
}

// NewViewer creates a viewer. mask may be nil.
func NewViewer(volume, mask *models.Volume, opts Options) (*Viewer, error) {
	if err := volume.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrMalformedInput, err)
	}
	if mask != nil && !volume.SameGeometry(mask) {
		return nil, fmt.Errorf("%w: mask grid %v does not match volume grid %v",
			apperr.ErrMalformedInput, mask.Size, volume.Size)
	}
	if opts.WindowMax <= opts.WindowMin {
		return nil, fmt.Errorf("%w: empty intensity window [%g, %g]", apperr.ErrInvalidConfig, opts.WindowMin, opts.WindowMax)
	}
	if opts.Quality <= 0 {
		opts.Quality = jpeg.DefaultQuality
	}
	return &Viewer{volume: volume, mask: mask, opts: opts}, nil
}

// Focus returns the voxel closest to the mask centroid, or the volume centre
// when there is no mask or it is empty.
func (v *Viewer) Focus() [3]int {
	s := v.volume.Size
	center := [3]int{s[0] / 2, s[1] / 2, s[2] / 2}
	if v.mask == nil {
		return center
	}
	var sum [3]float64
	n := 0
	for k := 0; k < s[2]; k++ {
		for j := 0; j < s[1]; j++ {
			for i := 0; i < s[0]; i++ {
				if v.mask.At(i, j, k) != 0 {
					sum[0] += float64(i)
					sum[1] += float64(j)
					sum[2] += float64(k)
					n++
				}
			}
		}
	}
	if n == 0 {
		return center
	}
	var out [3]int
	for a := range out {
		out[a] = int(math.Round(sum[a] / float64(n)))
	}
	return out
}

// ExtractSlice renders the plane through position along axis. Superior is
// at the top of coronal and sagittal slices, anterior at the top of axial.
func (v *Viewer) ExtractSlice(axis Axis, position int) (image.Image, error) {
	s := v.volume.Size
	var width, height, limit int
	var index func(x, y int) (int, int, int)

	switch axis {
	case Axial:
		width, height, limit = s[0], s[1], s[2]
		index = func(x, y int) (int, int, int) { return x, y, position }
	case Coronal:
		width, height, limit = s[0], s[2], s[1]
		index = func(x, y int) (int, int, int) { return x, position, s[2] - 1 - y }
	case Sagittal:
		width, height, limit = s[1], s[2], s[0]
		index = func(x, y int) (int, int, int) { return position, x, s[2] - 1 - y }
	default:
		return nil, fmt.Errorf("invalid axis: %s (must be axial, coronal or sagittal)", axis)
	}
	if position < 0 || position >= limit {
		return nil, fmt.Errorf("position %d outside [0, %d) for %s slice", position, limit, axis)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i, j, k := index(x, y)
			g := v.gray(v.volume.At(i, j, k))
			c := color.RGBA{R: g, G: g, B: g, A: 255}
			if v.mask != nil && v.mask.At(i, j, k) != 0 {
				c.R = uint8((uint16(g) + 255) / 2)
				c.G = g / 2
				c.B = g / 2
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (v *Viewer) gray(value float32) uint8 {
	t := (float64(value) - v.opts.WindowMin) / (v.opts.WindowMax - v.opts.WindowMin)
	return uint8(math.Round(255 * math.Max(0, math.Min(1, t))))
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	return storage.WriteFile(filename, func(w io.Writer) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: v.opts.Quality})
	})
}

// SavePreviews writes one <axis>.jpg per plane through Focus into dir and
// returns the written paths.
func (v *Viewer) SavePreviews(dir string) ([]string, error) {
	focus := v.Focus()
	positions := map[Axis]int{Axial: focus[2], Coronal: focus[1], Sagittal: focus[0]}

	var paths []string
	for _, axis := range Axes {
		img, err := v.ExtractSlice(axis, positions[axis])
		if err != nil {
			return paths, err
		}
		filename := filepath.Join(dir, string(axis)+".jpg")
		if err := v.SaveSlice(img, filename); err != nil {
			return paths, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}

// QCCase renders previews of the preop volume and burr-hole mask of c into
// its qc directory.
func QCCase(ctx context.Context, c models.Case, opts Options, logger *slog.Logger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	preop, _, err := nifti.Read(c.Path(models.PreopFile))
	if err != nil {
		return err
	}
	mask, _, err := nifti.Read(c.Path(models.MaskFile))
	if err != nil {
		return err
	}
	viewer, err := NewViewer(preop, mask, opts)
	if err != nil {
		return fmt.Errorf("qc %s: %w", c.Name(), err)
	}
	paths, err := viewer.SavePreviews(c.Path(models.QCDir))
	if err != nil {
		return fmt.Errorf("qc %s: %w", c.Name(), err)
	}
	logger.Info("previews written", "files", len(paths), "focus", viewer.Focus())
	return nil
}
