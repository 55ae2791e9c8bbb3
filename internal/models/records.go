package models

// LabelPair is one matched pair of a LabelMapping.
type LabelPair struct {
	// A is the label in the reference partition
	A int32 `yaml:"a"`

	// B is the label in the partition being aligned
	B int32 `yaml:"b"`

	// Dice is the overlap of the two labels before relabeling
	Dice float64 `yaml:"dice"`
}

// LabelMapping is the one-to-one correspondence found between the labels of
// two partitions. It holds at most min(|labels A|, |labels B|) pairs.
type LabelMapping struct {
	// Pairs are sorted by A
	Pairs []LabelPair `yaml:"pairs"`

	// UnmatchedA lists reference labels without a counterpart
	UnmatchedA []int32 `yaml:"unmatchedA,omitempty"`

	// UnmatchedB lists labels of the aligned partition without a counterpart
	UnmatchedB []int32 `yaml:"unmatchedB,omitempty"`

	// TotalCost is the summed 1-Dice cost of the chosen pairs
	TotalCost float64 `yaml:"totalCost"`
}

// Empty reports whether no pairs were matched.
func (m *LabelMapping) Empty() bool {
	return len(m.Pairs) == 0
}

// Lookup returns the reference label matched to b.
func (m *LabelMapping) Lookup(b int32) (int32, bool) {
	for _, p := range m.Pairs {
		if p.B == b {
			return p.A, true
		}
	}
	return 0, false
}

// MeanDice averages the Dice coefficient over matched pairs.
func (m *LabelMapping) MeanDice() float64 {
	if len(m.Pairs) == 0 {
		return 0
	}
	sum := 0.0
	for _, p := range m.Pairs {
		sum += p.Dice
	}
	return sum / float64(len(m.Pairs))
}

// CoAssociation counts, for every pair of domain voxels, the subjects that
// put both voxels into the same non-background cluster.
type CoAssociation struct {
	// Size is the number of domain voxels (matrix order)
	Size int

	// Subjects is the number of subject partitions aggregated
	Subjects int

	// Counts is the Size x Size matrix in row-major order. Symmetric, with a
	// zero diagonal.
	Counts []int32

	// Coords maps matrix indices back to voxel coordinates
	Coords []Coord

	// Shape is the grid the coordinates refer to
	Shape Shape
}

// At returns M[i,j].
func (c *CoAssociation) At(i, j int) int32 {
	return c.Counts[i*c.Size+j]
}

// ScoreRecord is one row of validation output: the agreement between two
// partitions for one comparison unit.
type ScoreRecord struct {
	RunID      string
	Comparison string
	ROI        string
	Subject    string
	Split      int
	Clusters   int
	Dice       float64
	Jaccard    float64
	NMI        float64
	Rand       float64
	Err        string
}

// LabelScores is a per-label breakdown for one comparison unit, kept
// separately from ScoreRecord because its width depends on the cluster count.
type LabelScores struct {
	ROI      string
	Clusters int
	Dice     map[int32]float64
	Jaccard  map[int32]float64
}

// Summary counts the outcomes of a batch.
type Summary struct {
	Succeeded int
	Skipped   int
	Failed    int
}

// Add merges another summary into s.
func (s *Summary) Add(o Summary) {
	s.Succeeded += o.Succeeded
	s.Skipped += o.Skipped
	s.Failed += o.Failed
}

// Record classifies one unit result.
func (s *Summary) Record(err error) {
	switch {
	case err == nil:
		s.Succeeded++
	case Skippable(err):
		s.Skipped++
	default:
		s.Failed++
	}
}
