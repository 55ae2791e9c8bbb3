// Package heuristics estimates a plausible cluster count for an ROI from a
// subject's connectivity matrix (voxels x targets) through its principal
// component spectrum.
package heuristics

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"roiconsensus/internal/models"
)

// brokenStickWindow limits the broken-stick criterion to the leading
// components.
const brokenStickWindow = 30

// Result is the spectrum summary for one subject.
type Result struct {
	Subject string

	// Ratios are the explained-variance ratios of the leading components
	Ratios []float64

	// Eigenvalues are the variances along the leading components
	Eigenvalues []float64

	// Kaiser counts the components whose eigenvalue exceeds the mean
	Kaiser int

	// BrokenStick is the number of components retained by the broken-stick model
	BrokenStick int
}

// Analyze runs PCA on conn and evaluates both criteria over the first
// components principal components (fewer if the matrix has fewer).
func Analyze(subject string, conn mat.Matrix, components int) (*Result, error) {
	r, c := conn.Dims()
	if r < 2 || c < 1 {
		return nil, fmt.Errorf("%w: %dx%d connectivity matrix for subject %s", models.ErrDegenerateLabelSet, r, c, subject)
	}
	if components < 1 {
		return nil, fmt.Errorf("component count must be positive, got %d", components)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(conn, nil); !ok {
		return nil, fmt.Errorf("%w: PCA failed for subject %s", models.ErrSolverFailure, subject)
	}
	vars := pc.VarsTo(nil)
	total := floats.Sum(vars)
	if total <= 0 {
		return nil, fmt.Errorf("%w: connectivity matrix of subject %s has no variance", models.ErrDegenerateLabelSet, subject)
	}
	if components > len(vars) {
		components = len(vars)
	}

	eig := make([]float64, components)
	copy(eig, vars[:components])
	ratios := make([]float64, components)
	for i, v := range eig {
		ratios[i] = v / total
	}

	return &Result{
		Subject:     subject,
		Ratios:      ratios,
		Eigenvalues: eig,
		Kaiser:      Kaiser(eig),
		BrokenStick: BrokenStick(eig),
	}, nil
}

// Kaiser counts the eigenvalues strictly above their mean.
func Kaiser(eig []float64) int {
	if len(eig) == 0 {
		return 0
	}
	mean := stat.Mean(eig, nil)
	n := 0
	for _, v := range eig {
		if v > mean {
			n++
		}
	}
	return n
}

// BrokenStickExpectation returns, for each component k, the percentage of
// variance expected under the broken-stick model (MacArthur 1957):
// 100/n * sum_{i=k+1..n} 1/i.
func BrokenStickExpectation(n int) []float64 {
	out := make([]float64, n)
	acc := 0.0
	for k := n - 1; k >= 0; k-- {
		acc += 1 / float64(k+1)
		out[k] = 100 * acc / float64(n)
	}
	return out
}

// BrokenStick returns one past the largest component index, among the
// first 30, whose share of variance reaches the broken-stick expectation.
// Zero means no component qualifies.
func BrokenStick(eig []float64) int {
	n := len(eig)
	if n == 0 {
		return 0
	}
	total := floats.Sum(eig)
	if total <= 0 {
		return 0
	}
	expected := BrokenStickExpectation(n)
	best := -1
	for k := 0; k < n && k < brokenStickWindow; k++ {
		if 100*eig[k]/total >= expected[k] {
			best = k
		}
	}
	return best + 1
}
