package consensus

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
)

// blockMatrix builds a co-association matrix over a line of voxels with
// strong agreement inside each block and weak agreement across blocks.
func blockMatrix(blocks []int, within, across int32) *models.CoAssociation {
	n := 0
	var owner []int
	for b, size := range blocks {
		n += size
		for i := 0; i < size; i++ {
			owner = append(owner, b)
		}
	}
	co := &models.CoAssociation{
		Size:     n,
		Subjects: int(within),
		Counts:   make([]int32, n*n),
		Coords:   make([]models.Coord, n),
		Shape:    models.Shape{X: n + 2, Y: 1, Z: 1},
	}
	for i := 0; i < n; i++ {
		co.Coords[i] = models.Coord{X: i + 1}
		for j := 0; j < n; j++ {
			switch {
			case i == j:
			case owner[i] == owner[j]:
				co.Counts[i*n+j] = within
			default:
				co.Counts[i*n+j] = across
			}
		}
	}
	return co
}

func TestGenerateRecoversBlocks(t *testing.T) {
	co := blockMatrix([]int{4, 4}, 5, 1)
	m, err := Generate(co, 2, DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []int32{0, 1, 1, 1, 1, 2, 2, 2, 2, 0}, m.Data)
	assert.Equal(t, []int32{1, 2}, m.Labels())
}

func TestGenerateThreeBlocks(t *testing.T) {
	co := blockMatrix([]int{3, 5, 4}, 8, 1)
	opts := DefaultOptions()
	opts.Seed = 42
	opts.CheckConnectivity = true
	m, err := Generate(co, 3, opts)
	require.NoError(t, err)

	vec := m.Data[1 : 1+co.Size]
	assert.Equal(t, []int32{1, 1, 1, 2, 2, 2, 2, 2, 3, 3, 3, 3}, vec)
}

func TestGenerateDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	co := blockMatrix([]int{10, 10, 10}, 0, 0)
	n := co.Size
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			v := int32(rng.Intn(6))
			co.Counts[i*n+j] = v
			co.Counts[j*n+i] = v
		}
	}

	opts := DefaultOptions()
	opts.Seed = 7
	first, err := Generate(co, 4, opts)
	require.NoError(t, err)
	for run := 0; run < 3; run++ {
		again, err := Generate(co, 4, opts)
		require.NoError(t, err)
		assert.Equal(t, first.Data, again.Data)
	}
	assert.LessOrEqual(t, len(first.Labels()), 4)
}

func TestGenerateSingleCluster(t *testing.T) {
	co := blockMatrix([]int{5}, 3, 0)
	m, err := Generate(co, 1, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, []int32{1}, m.Labels())
	assert.Equal(t, 5, m.CountNonZero())
}

func TestGenerateRejectsBadClusterCounts(t *testing.T) {
	co := blockMatrix([]int{2, 2}, 3, 1)
	_, err := Generate(co, 0, DefaultOptions())
	assert.True(t, errors.Is(err, models.ErrSolverFailure))
	_, err = Generate(co, 5, DefaultOptions())
	assert.True(t, errors.Is(err, models.ErrSolverFailure))
	_, err = Generate(&models.CoAssociation{}, 2, DefaultOptions())
	assert.True(t, errors.Is(err, models.ErrSolverFailure))
}

func TestClusterRejectsNonFinite(t *testing.T) {
	a := mat.NewSymDense(3, []float64{
		0, 1, math.NaN(),
		1, 0, 1,
		math.NaN(), 1, 0,
	})
	_, err := DefaultSpectral(2).Cluster(a)
	assert.True(t, errors.Is(err, models.ErrSolverFailure))

	a.SetSym(0, 2, math.Inf(1))
	_, err = DefaultSpectral(2).Cluster(a)
	assert.True(t, errors.Is(err, models.ErrSolverFailure))
}

func TestComponents(t *testing.T) {
	assert.Equal(t, 2, Components(blockMatrix([]int{3, 3}, 2, 0)))
	assert.Equal(t, 1, Components(blockMatrix([]int{3, 3}, 2, 1)))
}

func TestGenerateManyBlocks(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping larger spectral run in short mode")
	}
	sizes := []int{30, 45, 25, 40, 35}
	co := blockMatrix(sizes, 20, 2)
	m, err := Generate(co, len(sizes), DefaultOptions())
	require.NoError(t, err)

	// labels follow first appearance, so block b is label b+1
	vec := m.Data[1 : 1+co.Size]
	offset := 0
	for b, size := range sizes {
		for i := 0; i < size; i++ {
			require.Equal(t, int32(b+1), vec[offset+i], "voxel %d of block %d", i, b)
		}
		offset += size
	}
}

func TestRecomputeMovesReseededPoint(t *testing.T) {
	points := [][]float64{{0}, {1}, {10}}
	centers := [][]float64{{0}, {10}, {100}}
	labels := make([]int, len(points))
	assign(points, centers, labels)
	require.Equal(t, []int{0, 0, 1}, labels)

	sums := [][]float64{make([]float64, 1), make([]float64, 1), make([]float64, 1)}
	sizes := make([]int, 3)
	recompute(points, centers, labels, sums, sizes)

	// the empty cluster takes point 1 away from cluster 0
	assert.Equal(t, []int{0, 2, 1}, labels)
	assert.Equal(t, []int{1, 1, 1}, sizes)
	assert.Equal(t, [][]float64{{0}, {10}, {1}}, sums)
}

func TestRecomputeLeavesSingletonsAlone(t *testing.T) {
	points := [][]float64{{0}, {5}}
	centers := [][]float64{{0}, {5}, {9}}
	labels := []int{0, 1}
	sums := [][]float64{make([]float64, 1), make([]float64, 1), make([]float64, 1)}
	sizes := make([]int, 3)
	recompute(points, centers, labels, sums, sizes)

	assert.Equal(t, []int{0, 1}, labels)
	assert.Equal(t, []int{1, 1, 0}, sizes)
}
