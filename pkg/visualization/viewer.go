// Package visualization renders label maps as slice images for visual
// inspection of parcellations.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"roiconsensus/internal/models"
)

// Viewer extracts 2D slices of a label map. Background is drawn black and
// every label gets a fixed colour from the palette, so the same label has
// the same colour in every slice and in every map.
type Viewer struct {
	labels  *models.LabelMap
	palette color.Palette
}

// NewViewer creates a viewer for m.
func NewViewer(m *models.LabelMap) *Viewer {
	n := int(m.MaxLabel())
	if n > maxColours {
		n = maxColours
	}
	return &Viewer{labels: m, palette: Palette(n)}
}

// maxColours is the number of label colours a paletted image can hold.
// Labels above it reuse colours cyclically.
const maxColours = 255

// Palette returns n+1 colours: black for background followed by n
// distinguishable hues.
func Palette(n int) color.Palette {
	p := make(color.Palette, n+1)
	p[0] = color.RGBA{A: 0xff}
	for i := 1; i <= n; i++ {
		// golden-angle steps keep neighbouring labels apart
		hue := float64(i) * 137.508
		p[i] = hsv(hue, 0.75, 0.95)
	}
	return p
}

func hsv(h, s, v float64) color.RGBA {
	h = math.Mod(h, 360)
	c := v * s
	hp := h / 60
	x := c * (1 - math.Abs(math.Mod(hp, 2)-1))
	var r, g, b float64
	switch {
	case hp < 1:
		r, g = c, x
	case hp < 2:
		r, g = x, c
	case hp < 3:
		g, b = c, x
	case hp < 4:
		g, b = x, c
	case hp < 5:
		r, b = x, c
	default:
		r, b = c, x
	}
	m := v - c
	return color.RGBA{
		R: uint8((r + m) * 255),
		G: uint8((g + m) * 255),
		B: uint8((b + m) * 255),
		A: 0xff,
	}
}

// Extent returns the number of slices along axis.
func (v *Viewer) Extent(axis string) (int, error) {
	switch axis {
	case "x", "X":
		return v.labels.Shape.X, nil
	case "y", "Y":
		return v.labels.Shape.Y, nil
	case "z", "Z":
		return v.labels.Shape.Z, nil
	}
	return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// ExtractSlice extracts the slice at position along axis as a paletted
// image. X slices span (z, y), Y slices (x, z) and Z slices (x, y).
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Paletted, error) {
	extent, err := v.Extent(axis)
	if err != nil {
		return nil, err
	}
	if position < 0 || position >= extent {
		return nil, fmt.Errorf("position %d outside [0, %d) along %s", position, extent, axis)
	}

	s := v.labels.Shape
	var (
		img   *image.Paletted
		coord func(u, w int) models.Coord
	)
	switch axis {
	case "x", "X":
		img = image.NewPaletted(image.Rect(0, 0, s.Z, s.Y), v.palette)
		coord = func(u, w int) models.Coord { return models.Coord{X: position, Y: w, Z: u} }
	case "y", "Y":
		img = image.NewPaletted(image.Rect(0, 0, s.X, s.Z), v.palette)
		coord = func(u, w int) models.Coord { return models.Coord{X: u, Y: position, Z: w} }
	default:
		img = image.NewPaletted(image.Rect(0, 0, s.X, s.Y), v.palette)
		coord = func(u, w int) models.Coord { return models.Coord{X: u, Y: w, Z: position} }
	}

	b := img.Bounds()
	for w := 0; w < b.Dy(); w++ {
		for u := 0; u < b.Dx(); u++ {
			label := int(v.labels.At(coord(u, w)))
			if label <= 0 {
				continue
			}
			img.SetColorIndex(u, w, uint8((label-1)%(len(v.palette)-1)+1))
		}
	}
	return img, nil
}

// SaveSlice writes img as a PNG file.
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence writes every slice along axis to outputDir and returns
// the number of files written.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) (int, error) {
	extent, err := v.Extent(axis)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	for pos := 0; pos < extent; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return pos, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}
	return extent, nil
}
