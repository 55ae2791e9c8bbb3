package models

import (
	"fmt"
	"sort"
)

// VoxelDomain is the ordered set of in-ROI voxel coordinates that one
// consensus or correspondence computation runs over. Coordinates are kept in
// lexicographic (x, y, z) order so matrix indices are stable across runs.
type VoxelDomain struct {
	// ROI identifies the region the domain was derived from
	ROI string

	// Shape is the grid every participating label map must have
	Shape Shape

	// Coords are the in-domain voxels, sorted
	Coords []Coord

	// Affine is the spatial reference of the grid the domain came from
	Affine [16]float64
}

// NewVoxelDomain sorts and deduplicates coords and checks they fit shape.
func NewVoxelDomain(roi string, shape Shape, coords []Coord) (*VoxelDomain, error) {
	seen := make(map[Coord]struct{}, len(coords))
	out := make([]Coord, 0, len(coords))
	for _, c := range coords {
		if !shape.Contains(c) {
			return nil, fmt.Errorf("%w: coordinate %v outside grid %s", ErrShapeMismatch, c, shape)
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sortCoords(out)
	return &VoxelDomain{ROI: roi, Shape: shape, Coords: out, Affine: IdentityAffine}, nil
}

// DomainFromMask collects the non-zero voxels of mask.
func DomainFromMask(roi string, mask *LabelMap) *VoxelDomain {
	coords := make([]Coord, 0, mask.CountNonZero())
	s := mask.Shape
	for x := 0; x < s.X; x++ {
		for y := 0; y < s.Y; y++ {
			for z := 0; z < s.Z; z++ {
				c := Coord{X: x, Y: y, Z: z}
				if mask.At(c) != 0 {
					coords = append(coords, c)
				}
			}
		}
	}
	return &VoxelDomain{ROI: roi, Shape: s, Coords: coords, Affine: mask.Affine}
}

// Len returns the number of in-domain voxels.
func (d *VoxelDomain) Len() int {
	return len(d.Coords)
}

// Indices returns the flat offsets of the domain voxels.
func (d *VoxelDomain) Indices() []int {
	idx := make([]int, len(d.Coords))
	for i, c := range d.Coords {
		idx[i] = d.Shape.Index(c)
	}
	return idx
}

// Check verifies that m is defined on the domain's grid.
func (d *VoxelDomain) Check(m *LabelMap) error {
	if m.Shape != d.Shape || len(m.Data) != d.Shape.Len() {
		return fmt.Errorf("%w: label map %s, domain %s", ErrShapeMismatch, m.Shape, d.Shape)
	}
	return nil
}

// Vector reads the labels of m at every domain voxel, in domain order.
func (d *VoxelDomain) Vector(m *LabelMap) ([]int32, error) {
	if err := d.Check(m); err != nil {
		return nil, err
	}
	out := make([]int32, len(d.Coords))
	for i, c := range d.Coords {
		out[i] = m.At(c)
	}
	return out, nil
}

func sortCoords(cs []Coord) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.X != b.X {
			return a.X < b.X
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.Z < b.Z
	})
}
