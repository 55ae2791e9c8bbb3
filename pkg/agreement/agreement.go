// Package agreement quantifies how well two label maps of the same region
// agree. It backs the split-half, inter-hemisphere and test-retest
// evaluations.
//
// Dice and Jaccard are computed per label of the first map and are only
// meaningful once the second map's labels have been resolved to the first's.
// NMI and the adjusted Rand index are invariant to label permutation. For
// NMI and Rand, voxels that are background in either map are excluded from
// the joint distribution rather than treated as a class.
package agreement

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"roiconsensus/internal/models"
)

// Scores is the full agreement summary between two label maps.
type Scores struct {
	Dice    float64
	Jaccard float64
	NMI     float64
	Rand    float64

	PerLabelDice    map[int32]float64
	PerLabelJaccard map[int32]float64
}

// Agreement computes every metric between a and b.
func Agreement(a, b *models.LabelMap) (*Scores, error) {
	if err := models.SameShape(a, b); err != nil {
		return nil, err
	}
	perDice, meanDice := DicePerLabel(a, b)
	perJac, meanJac := JaccardPerLabel(a, b)
	nmi, err := NMI(a, b)
	if err != nil {
		return nil, err
	}
	ari, err := AdjustedRand(a, b)
	if err != nil {
		return nil, err
	}
	return &Scores{
		Dice:            meanDice,
		Jaccard:         meanJac,
		NMI:             nmi,
		Rand:            ari,
		PerLabelDice:    perDice,
		PerLabelJaccard: perJac,
	}, nil
}

// overlap counts, for every label of a, its size, the size of the same label
// in b and the voxels carrying it in both.
type overlap struct {
	sizeA, sizeB, inter int
}

func labelOverlaps(a, b *models.LabelMap) map[int32]*overlap {
	out := make(map[int32]*overlap)
	for _, l := range a.Labels() {
		out[l] = &overlap{}
	}
	for i, va := range a.Data {
		vb := b.Data[i]
		if o, ok := out[va]; ok {
			o.sizeA++
			if vb == va {
				o.inter++
			}
		}
		if o, ok := out[vb]; ok {
			o.sizeB++
		}
	}
	return out
}

// DicePerLabel returns the Dice coefficient of every non-background label of
// a against the same label in b, and their mean. A map without labels yields
// an empty table and a zero mean.
func DicePerLabel(a, b *models.LabelMap) (map[int32]float64, float64) {
	per := make(map[int32]float64)
	for l, o := range labelOverlaps(a, b) {
		total := o.sizeA + o.sizeB
		if total == 0 {
			per[l] = 0
			continue
		}
		per[l] = 2 * float64(o.inter) / float64(total)
	}
	return per, mean(per)
}

// JaccardPerLabel is the Jaccard counterpart of DicePerLabel. Every label
// comes from a, so the union is never empty.
func JaccardPerLabel(a, b *models.LabelMap) (map[int32]float64, float64) {
	per := make(map[int32]float64)
	for l, o := range labelOverlaps(a, b) {
		union := o.sizeA + o.sizeB - o.inter
		per[l] = float64(o.inter) / float64(union)
	}
	return per, mean(per)
}

// contingency is the joint label table over voxels labelled in both maps.
type contingency struct {
	n      int
	cells  map[[2]int32]int
	rowSum map[int32]int
	colSum map[int32]int
}

func buildContingency(a, b *models.LabelMap) (*contingency, error) {
	if err := models.SameShape(a, b); err != nil {
		return nil, err
	}
	c := &contingency{
		cells:  make(map[[2]int32]int),
		rowSum: make(map[int32]int),
		colSum: make(map[int32]int),
	}
	for i, va := range a.Data {
		vb := b.Data[i]
		if va == 0 || vb == 0 {
			continue
		}
		c.n++
		c.cells[[2]int32{va, vb}]++
		c.rowSum[va]++
		c.colSum[vb]++
	}
	return c, nil
}

// NMI returns the normalized mutual information between a and b, normalized
// by the arithmetic mean of the two entropies. When both labelings consist of
// a single cluster (or no voxel is labelled in both) the score is 1.
func NMI(a, b *models.LabelMap) (float64, error) {
	c, err := buildContingency(a, b)
	if err != nil {
		return 0, err
	}
	if len(c.rowSum) == len(c.colSum) && len(c.rowSum) <= 1 {
		return 1, nil
	}

	n := float64(c.n)
	mi := 0.0
	for key, nij := range c.cells {
		ni := float64(c.rowSum[key[0]])
		nj := float64(c.colSum[key[1]])
		p := float64(nij) / n
		mi += p * math.Log(float64(nij)*n/(ni*nj))
	}
	if mi <= 0 {
		return 0, nil
	}

	hA := stat.Entropy(distribution(c.rowSum, n))
	hB := stat.Entropy(distribution(c.colSum, n))
	norm := (hA + hB) / 2
	if norm <= 0 {
		return 0, nil
	}
	return math.Min(mi/norm, 1), nil
}

// AdjustedRand returns the adjusted Rand index between a and b: the pair
// agreement corrected for chance, 1 for identical partitions and around 0
// for independent ones.
func AdjustedRand(a, b *models.LabelMap) (float64, error) {
	c, err := buildContingency(a, b)
	if err != nil {
		return 0, err
	}
	if c.n < 2 {
		return 1, nil
	}
	index := 0.0
	for _, nij := range c.cells {
		index += choose2(nij)
	}
	sumA := 0.0
	for _, v := range c.rowSum {
		sumA += choose2(v)
	}
	sumB := 0.0
	for _, v := range c.colSum {
		sumB += choose2(v)
	}
	expected := sumA * sumB / choose2(c.n)
	maxIndex := (sumA + sumB) / 2
	if maxIndex == expected {
		return 1, nil
	}
	return (index - expected) / (maxIndex - expected), nil
}

// Record fills a score record from s.
func (s *Scores) Record(rec models.ScoreRecord) models.ScoreRecord {
	rec.Dice = s.Dice
	rec.Jaccard = s.Jaccard
	rec.NMI = s.NMI
	rec.Rand = s.Rand
	return rec
}

// LabelScores packages the per-label tables for output.
func (s *Scores) LabelScores(roi string, clusters int) models.LabelScores {
	return models.LabelScores{ROI: roi, Clusters: clusters, Dice: s.PerLabelDice, Jaccard: s.PerLabelJaccard}
}

func (s *Scores) String() string {
	return fmt.Sprintf("dice=%.3f jaccard=%.3f nmi=%.3f rand=%.3f", s.Dice, s.Jaccard, s.NMI, s.Rand)
}

func choose2(n int) float64 {
	return float64(n) * float64(n-1) / 2
}

func distribution(counts map[int32]int, n float64) []float64 {
	keys := make([]int32, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	p := make([]float64, len(keys))
	for i, k := range keys {
		p[i] = float64(counts[k]) / n
	}
	return p
}

func mean(values map[int32]float64) float64 {
	if len(values) == 0 {
		return 0
	}
	keys := make([]int32, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	xs := make([]float64, len(keys))
	for i, k := range keys {
		xs[i] = values[k]
	}
	return stat.Mean(xs, nil)
}
