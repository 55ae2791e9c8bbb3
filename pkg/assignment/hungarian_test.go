package assignment

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roiconsensus/internal/models"
)

// bruteForce enumerates every injective assignment of the smaller side.
func bruteForce(cost [][]float64) float64 {
	rows, cols := len(cost), len(cost[0])
	if rows > cols {
		return bruteForce(transpose(cost))
	}
	best := math.Inf(1)
	usedCols := make([]bool, cols)
	var rec func(r int, acc float64)
	rec = func(r int, acc float64) {
		if r == rows {
			if acc < best {
				best = acc
			}
			return
		}
		for c := 0; c < cols; c++ {
			if usedCols[c] {
				continue
			}
			usedCols[c] = true
			rec(r+1, acc+cost[r][c])
			usedCols[c] = false
		}
	}
	rec(0, 0)
	return best
}

func TestSolveUniqueDiagonal(t *testing.T) {
	cost := [][]float64{{0.1, 0.9}, {0.8, 0.2}}
	pairs, total, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Row: 0, Col: 0}, {Row: 1, Col: 1}}, pairs)
	assert.InDelta(t, 0.3, total, 1e-12)
}

func TestSolveAntiDiagonal(t *testing.T) {
	cost := [][]float64{{1, 0}, {0, 1}}
	pairs, total, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Row: 0, Col: 1}, {Row: 1, Col: 0}}, pairs)
	assert.Equal(t, 0.0, total)
}

func TestSolveMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 150; trial++ {
		rows := 1 + rng.Intn(5)
		cols := 1 + rng.Intn(5)
		cost := make([][]float64, rows)
		for i := range cost {
			cost[i] = make([]float64, cols)
			for j := range cost[i] {
				cost[i][j] = rng.Float64()
			}
		}

		pairs, total, err := Solve(cost)
		require.NoError(t, err)
		require.Len(t, pairs, min(rows, cols))
		assert.InDelta(t, bruteForce(cost), total, 1e-9, "trial %d (%dx%d)", trial, rows, cols)

		seenRow := map[int]bool{}
		seenCol := map[int]bool{}
		for k, p := range pairs {
			assert.False(t, seenRow[p.Row])
			assert.False(t, seenCol[p.Col])
			seenRow[p.Row], seenCol[p.Col] = true, true
			if k > 0 {
				assert.Less(t, pairs[k-1].Row, p.Row, "pairs sorted by row")
			}
		}
	}
}

func TestSolveRectangularWide(t *testing.T) {
	cost := [][]float64{
		{0.9, 0.1, 0.5},
		{0.2, 0.8, 0.7},
	}
	pairs, total, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Row: 0, Col: 1}, {Row: 1, Col: 0}}, pairs)
	assert.InDelta(t, 0.3, total, 1e-12)
}

func TestSolveRectangularTall(t *testing.T) {
	cost := [][]float64{
		{0.9, 0.2},
		{0.1, 0.8},
		{0.5, 0.05},
	}
	pairs, total, err := Solve(cost)
	require.NoError(t, err)
	assert.Equal(t, []Pair{{Row: 1, Col: 0}, {Row: 2, Col: 1}}, pairs)
	assert.InDelta(t, 0.15, total, 1e-12)
}

func TestSolveEmptyAndMalformed(t *testing.T) {
	pairs, total, err := Solve(nil)
	require.NoError(t, err)
	assert.Empty(t, pairs)
	assert.Zero(t, total)

	_, _, err = Solve([][]float64{{0, math.NaN()}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSolverFailure))

	_, _, err = Solve([][]float64{{0, 1}, {1}})
	assert.True(t, errors.Is(err, models.ErrSolverFailure))

	_, _, err = Solve([][]float64{{math.Inf(1)}})
	assert.True(t, errors.Is(err, models.ErrSolverFailure))
}
