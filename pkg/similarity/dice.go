// Package similarity measures the spatial overlap between labels of two
// partitions defined on the same grid.
package similarity

import (
	"fmt"

	"roiconsensus/internal/models"
)

// Dice returns 2|A∩B| / (|A|+|B|) for two binary masks of equal length.
// Two empty masks have a Dice coefficient of 0.
func Dice(a, b []bool) float64 {
	var inter, total int
	for i := range a {
		if a[i] {
			total++
		}
		if b[i] {
			total++
		}
		if a[i] && b[i] {
			inter++
		}
	}
	return diceFromCounts(inter, total)
}

// Jaccard returns |A∩B| / |A∪B|. The result is NaN when both masks are empty;
// callers must pass at least one non-empty mask.
func Jaccard(a, b []bool) float64 {
	var inter, union int
	for i := range a {
		if a[i] || b[i] {
			union++
		}
		if a[i] && b[i] {
			inter++
		}
	}
	return float64(inter) / float64(union)
}

func diceFromCounts(inter, total int) float64 {
	if total == 0 {
		return 0
	}
	return 2 * float64(inter) / float64(total)
}

// Mask returns the binary mask of label over m. When domain is non-nil the
// mask only has entries for domain voxels, in domain order.
func Mask(m *models.LabelMap, label int32, domain *models.VoxelDomain) []bool {
	if domain == nil {
		out := make([]bool, len(m.Data))
		for i, v := range m.Data {
			out[i] = v == label
		}
		return out
	}
	out := make([]bool, domain.Len())
	for i, c := range domain.Coords {
		out[i] = m.At(c) == label
	}
	return out
}

// Matrix holds the Dice coefficient of every (label A, label B) pair.
type Matrix struct {
	LabelsA []int32
	LabelsB []int32

	// Values[i][j] is Dice(LabelsA[i], LabelsB[j])
	Values [][]float64
}

// DiceMatrix computes every pairwise Dice coefficient between labelsA in a
// and labelsB in b, considering only domain voxels when domain is non-nil.
//
// The overlaps are accumulated in one pass over the grid instead of building a
// mask per pair, which keeps the cost linear in the number of voxels.
func DiceMatrix(a, b *models.LabelMap, labelsA, labelsB []int32, domain *models.VoxelDomain) (*Matrix, error) {
	if err := models.SameShape(a, b); err != nil {
		return nil, err
	}
	idxA := indexOf(labelsA)
	idxB := indexOf(labelsB)
	sizeA := make([]int, len(labelsA))
	sizeB := make([]int, len(labelsB))
	inter := make([][]int, len(labelsA))
	for i := range inter {
		inter[i] = make([]int, len(labelsB))
	}

	visit := func(off int) {
		i, okA := idxA[a.Data[off]]
		j, okB := idxB[b.Data[off]]
		if okA {
			sizeA[i]++
		}
		if okB {
			sizeB[j]++
		}
		if okA && okB {
			inter[i][j]++
		}
	}
	if domain != nil {
		if err := domain.Check(a); err != nil {
			return nil, err
		}
		for _, off := range domain.Indices() {
			visit(off)
		}
	} else {
		for off := range a.Data {
			visit(off)
		}
	}

	values := make([][]float64, len(labelsA))
	for i := range values {
		values[i] = make([]float64, len(labelsB))
		for j := range values[i] {
			values[i][j] = diceFromCounts(inter[i][j], sizeA[i]+sizeB[j])
		}
	}
	return &Matrix{LabelsA: labelsA, LabelsB: labelsB, Values: values}, nil
}

// Cost converts the similarity matrix into the 1-Dice cost matrix consumed by
// the assignment solver.
func (m *Matrix) Cost() [][]float64 {
	cost := make([][]float64, len(m.Values))
	for i, row := range m.Values {
		cost[i] = make([]float64, len(row))
		for j, v := range row {
			cost[i][j] = 1 - v
		}
	}
	return cost
}

// Lookup returns Dice(labelA, labelB).
func (m *Matrix) Lookup(labelA, labelB int32) (float64, error) {
	for i, la := range m.LabelsA {
		if la != labelA {
			continue
		}
		for j, lb := range m.LabelsB {
			if lb == labelB {
				return m.Values[i][j], nil
			}
		}
	}
	return 0, fmt.Errorf("label pair (%d, %d) not in matrix", labelA, labelB)
}

// MeanMatchedDice averages the Dice coefficient over the matched pairs of a
// mapping. It is a reporting figure only; matching itself uses the full cost
// matrix.
func MeanMatchedDice(m *Matrix, mapping *models.LabelMapping) float64 {
	if mapping == nil || len(mapping.Pairs) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range mapping.Pairs {
		v, err := m.Lookup(p.A, p.B)
		if err != nil {
			continue
		}
		sum += v
	}
	return sum / float64(len(mapping.Pairs))
}

func indexOf(labels []int32) map[int32]int {
	idx := make(map[int32]int, len(labels))
	for i, l := range labels {
		if l != 0 {
			idx[l] = i
		}
	}
	return idx
}
