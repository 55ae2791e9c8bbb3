package models

import (
	"fmt"
	"sort"
)

// Coord is an integer voxel coordinate on a 3D grid.
type Coord struct {
	X, Y, Z int
}

// Shape is the extent of a voxel grid along each axis.
type Shape struct {
	X, Y, Z int
}

// Len returns the number of voxels in the grid.
func (s Shape) Len() int {
	return s.X * s.Y * s.Z
}

// Contains reports whether c lies inside the grid.
func (s Shape) Contains(c Coord) bool {
	return c.X >= 0 && c.Y >= 0 && c.Z >= 0 && c.X < s.X && c.Y < s.Y && c.Z < s.Z
}

// Index returns the flat row-major offset of c, laid out as z*X*Y + y*X + x.
func (s Shape) Index(c Coord) int {
	return c.Z*s.X*s.Y + c.Y*s.X + c.X
}

// Coord is the inverse of Index.
func (s Shape) Coord(idx int) Coord {
	plane := s.X * s.Y
	z := idx / plane
	rem := idx % plane
	return Coord{X: rem % s.X, Y: rem / s.X, Z: z}
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// IdentityAffine is the default spatial reference of a label map.
var IdentityAffine = [16]float64{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// LabelMap is an integer-labelled 3D volume. Label 0 is background, positive
// labels denote cluster membership.
//
// A LabelMap is treated as immutable once produced: every transformation in
// this module (Clone, Flip, relabeling) returns a fresh map.
type LabelMap struct {
	// Shape is the grid extent
	Shape Shape

	// Data holds one label per voxel in row-major order (see Shape.Index)
	Data []int32

	// Affine is the row-major 4x4 voxel-to-world transform carried along
	// with the volume so written artifacts keep their spatial reference
	Affine [16]float64
}

// NewLabelMap allocates an all-background label map.
func NewLabelMap(shape Shape) *LabelMap {
	return &LabelMap{
		Shape:  shape,
		Data:   make([]int32, shape.Len()),
		Affine: IdentityAffine,
	}
}

// LabelMapFromData wraps data, which must hold exactly shape.Len() values.
func LabelMapFromData(shape Shape, data []int32) (*LabelMap, error) {
	if len(data) != shape.Len() {
		return nil, fmt.Errorf("%w: %d values for shape %s", ErrShapeMismatch, len(data), shape)
	}
	return &LabelMap{Shape: shape, Data: data, Affine: IdentityAffine}, nil
}

// At returns the label at c.
func (m *LabelMap) At(c Coord) int32 {
	return m.Data[m.Shape.Index(c)]
}

// Set writes the label at c. Only used while a map is being produced.
func (m *LabelMap) Set(c Coord, label int32) {
	m.Data[m.Shape.Index(c)] = label
}

// Clone returns a deep copy.
func (m *LabelMap) Clone() *LabelMap {
	data := make([]int32, len(m.Data))
	copy(data, m.Data)
	return &LabelMap{Shape: m.Shape, Data: data, Affine: m.Affine}
}

// Labels returns the distinct non-background labels in ascending order.
func (m *LabelMap) Labels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range m.Data {
		if v != 0 {
			seen[v] = struct{}{}
		}
	}
	labels := make([]int32, 0, len(seen))
	for v := range seen {
		labels = append(labels, v)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

// MaxLabel returns the largest label in the map (0 for an empty map).
func (m *LabelMap) MaxLabel() int32 {
	var top int32
	for _, v := range m.Data {
		if v > top {
			top = v
		}
	}
	return top
}

// CountNonZero returns the number of labelled voxels.
func (m *LabelMap) CountNonZero() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Flip mirrors the map along one axis (0=X, 1=Y, 2=Z). It is what the
// hemisphere comparisons use to bring one side into the other's orientation
// before an external registration is applied.
func (m *LabelMap) Flip(axis int) (*LabelMap, error) {
	if axis < 0 || axis > 2 {
		return nil, fmt.Errorf("invalid flip axis %d", axis)
	}
	out := &LabelMap{Shape: m.Shape, Data: make([]int32, len(m.Data)), Affine: m.Affine}
	s := m.Shape
	for z := 0; z < s.Z; z++ {
		for y := 0; y < s.Y; y++ {
			for x := 0; x < s.X; x++ {
				src := Coord{X: x, Y: y, Z: z}
				dst := src
				switch axis {
				case 0:
					dst.X = s.X - 1 - x
				case 1:
					dst.Y = s.Y - 1 - y
				case 2:
					dst.Z = s.Z - 1 - z
				}
				out.Data[s.Index(dst)] = m.Data[s.Index(src)]
			}
		}
	}
	return out, nil
}

// SameShape returns ErrShapeMismatch when the two maps are not defined over
// identically shaped grids.
func SameShape(a, b *LabelMap) error {
	if a.Shape != b.Shape || len(a.Data) != len(b.Data) {
		return fmt.Errorf("%w: %s vs %s", ErrShapeMismatch, a.Shape, b.Shape)
	}
	return nil
}
