package correspondence

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"roiconsensus/internal/models"
)

// voxelPoint is a labelled voxel position stored in the k-d tree.
type voxelPoint struct {
	X, Y, Z float64
	Label   int32
}

// Compare implements the kdtree.Comparable interface
func (p voxelPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(voxelPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p voxelPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance between two points
func (p voxelPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(voxelPoint)
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// voxelPoints satisfies kdtree.Interface
type voxelPoints []voxelPoint

func (p voxelPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p voxelPoints) Len() int                              { return len(p) }
func (p voxelPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p voxelPoints) Pivot(d kdtree.Dim) int {
	plane := voxelPlane{voxelPoints: p, Dim: d}
	return kdtree.Partition(plane, kdtree.MedianOfRandoms(plane, 100))
}

// voxelPlane implements sort.Interface and kdtree.SortSlicer
type voxelPlane struct {
	voxelPoints
	kdtree.Dim
}

func (p voxelPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.voxelPoints[i].X < p.voxelPoints[j].X
	case 1:
		return p.voxelPoints[i].Y < p.voxelPoints[j].Y
	case 2:
		return p.voxelPoints[i].Z < p.voxelPoints[j].Z
	default:
		panic("illegal dimension")
	}
}

func (p voxelPlane) Slice(start, end int) kdtree.SortSlicer {
	return voxelPlane{voxelPoints: p.voxelPoints[start:end], Dim: p.Dim}
}

func (p voxelPlane) Swap(i, j int) {
	p.voxelPoints[i], p.voxelPoints[j] = p.voxelPoints[j], p.voxelPoints[i]
}

// fillNearest replaces every voxel holding the pending marker with the label
// of its nearest resolved voxel. When nothing was resolved the pending voxels
// become background.
func fillNearest(m *models.LabelMap, pending int32) {
	var resolved voxelPoints
	var waiting []int
	for i, v := range m.Data {
		switch {
		case v == pending:
			waiting = append(waiting, i)
		case v > 0:
			c := m.Shape.Coord(i)
			resolved = append(resolved, voxelPoint{X: float64(c.X), Y: float64(c.Y), Z: float64(c.Z), Label: v})
		}
	}
	if len(waiting) == 0 {
		return
	}
	if len(resolved) == 0 {
		for _, i := range waiting {
			m.Data[i] = 0
		}
		return
	}

	tree := kdtree.New(resolved, false)
	for _, i := range waiting {
		c := m.Shape.Coord(i)
		q := voxelPoint{X: float64(c.X), Y: float64(c.Y), Z: float64(c.Z)}
		nearest, _ := tree.Nearest(q)
		m.Data[i] = nearest.(voxelPoint).Label
	}
}
