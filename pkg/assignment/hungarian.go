// Package assignment solves the rectangular linear sum assignment problem:
// given an r x c cost matrix, choose min(r, c) cells, at most one per row and
// per column, with minimum total cost.
package assignment

import (
	"fmt"
	"math"
	"sort"

	"roiconsensus/internal/models"
)

// Pair is one chosen (row, column) cell.
type Pair struct {
	Row, Col int
}

// Solve returns a minimum-cost matching between the rows and columns of cost,
// sorted by row, together with its total cost.
//
// The solver is the shortest augmenting path form of the Hungarian method
// with row and column potentials, O(n²m) for n = min(r, c). When there are
// more rows than columns the problem is solved on the transpose, so exactly
// min(r, c) pairs are always returned. An empty matrix yields no pairs.
func Solve(cost [][]float64) ([]Pair, float64, error) {
	rows := len(cost)
	if rows == 0 {
		return nil, 0, nil
	}
	cols := len(cost[0])
	for i, row := range cost {
		if len(row) != cols {
			return nil, 0, fmt.Errorf("%w: row %d has %d columns, want %d", models.ErrSolverFailure, i, len(row), cols)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, 0, fmt.Errorf("%w: non-finite cost at (%d, %d)", models.ErrSolverFailure, i, j)
			}
		}
	}
	if cols == 0 {
		return nil, 0, nil
	}

	transposed := rows > cols
	a := cost
	if transposed {
		a = transpose(cost)
		rows, cols = cols, rows
	}

	rowOf := solveNarrow(a, rows, cols)

	pairs := make([]Pair, 0, rows)
	for j := 1; j <= cols; j++ {
		if rowOf[j] == 0 {
			continue
		}
		p := Pair{Row: rowOf[j] - 1, Col: j - 1}
		if transposed {
			p.Row, p.Col = p.Col, p.Row
		}
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Row < pairs[j].Row })

	total := 0.0
	for _, p := range pairs {
		total += cost[p.Row][p.Col]
	}
	return pairs, total, nil
}

// solveNarrow handles rows <= cols. It returns, for 1-based column j, the
// 1-based row assigned to it (0 when the column is unused).
func solveNarrow(a [][]float64, rows, cols int) []int {
	u := make([]float64, rows+1)
	v := make([]float64, cols+1)
	rowOf := make([]int, cols+1)
	way := make([]int, cols+1)
	minv := make([]float64, cols+1)
	used := make([]bool, cols+1)

	for i := 1; i <= rows; i++ {
		rowOf[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = math.Inf(1)
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := rowOf[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= cols; j++ {
				if used[j] {
					continue
				}
				cur := a[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= cols; j++ {
				if used[j] {
					u[rowOf[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if rowOf[j0] == 0 {
				break
			}
		}
		// Unwind the augmenting path.
		for j0 != 0 {
			j1 := way[j0]
			rowOf[j0] = rowOf[j1]
			j0 = j1
		}
	}
	return rowOf
}

func transpose(m [][]float64) [][]float64 {
	rows, cols := len(m), len(m[0])
	out := make([][]float64, cols)
	for j := range out {
		out[j] = make([]float64, rows)
		for i := 0; i < rows; i++ {
			out[j][i] = m[i][j]
		}
	}
	return out
}
