// Package consensus derives a single group partition of an ROI from its
// co-association matrix by spectral clustering.
//
// The affinity is embedded with the leading eigenvectors of the normalized
// affinity D^-1/2 A D^-1/2, the embedding is rescaled by D^-1/2 and
// sign-normalized, and seeded k-means++ groups the embedded voxels. Equal
// input, cluster count and seed always give the same labels.
package consensus

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
)

// Spectral clustering parameters.
type Spectral struct {
	// K is the number of clusters
	K int

	// Seed drives k-means++ initialization
	Seed uint64

	// NInit is the number of k-means restarts; the lowest-inertia run wins
	NInit int

	// MaxIter bounds the Lloyd iterations of one run
	MaxIter int

	// Tol is the convergence tolerance relative to the embedding variance
	Tol float64
}

// DefaultSpectral returns the usual parameters for k clusters.
func DefaultSpectral(k int) Spectral {
	return Spectral{K: k, Seed: 0, NInit: 10, MaxIter: 300, Tol: 1e-4}
}

// Cluster assigns each row of the affinity matrix to one of s.K clusters.
// Labels are 0-indexed and numbered in order of first appearance.
func (s Spectral) Cluster(affinity mat.Symmetric) ([]int, error) {
	n := affinity.SymmetricDim()
	if s.K < 1 || s.K > n {
		return nil, fmt.Errorf("%w: cannot form %d clusters from %d voxels", models.ErrSolverFailure, s.K, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := affinity.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
				return nil, fmt.Errorf("%w: affinity[%d,%d] = %g", models.ErrSolverFailure, i, j, v)
			}
		}
	}

	embedding, err := s.embed(affinity)
	if err != nil {
		return nil, err
	}
	km := kmeans{k: s.K, nInit: s.NInit, maxIter: s.MaxIter, tol: s.Tol, seed: s.Seed}
	labels := km.fit(embedding)
	return canonical(labels), nil
}

// embed returns the n x K spectral embedding of the affinity.
func (s Spectral) embed(affinity mat.Symmetric) (*mat.Dense, error) {
	n := affinity.SymmetricDim()

	dd := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			dd[i] += affinity.At(i, j)
		}
		if dd[i] == 0 {
			dd[i] = 1
		}
		dd[i] = math.Sqrt(dd[i])
	}

	norm := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			norm.SetSym(i, j, affinity.At(i, j)/(dd[i]*dd[j]))
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(norm, true); !ok {
		return nil, fmt.Errorf("%w: eigendecomposition did not converge", models.ErrSolverFailure)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// eigenvalues come back ascending, take the last K columns largest first
	embedding := mat.NewDense(n, s.K, nil)
	column := make([]float64, n)
	for c := 0; c < s.K; c++ {
		mat.Col(column, n-1-c, &vecs)
		for i := range column {
			column[i] /= dd[i]
		}
		if column[floats.MaxIdx(absAll(column))] < 0 {
			floats.Scale(-1, column)
		}
		embedding.SetCol(c, column)
	}
	return embedding, nil
}

func absAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Abs(x)
	}
	return out
}

// canonical renumbers labels by first appearance.
func canonical(labels []int) []int {
	remap := make(map[int]int)
	out := make([]int, len(labels))
	for i, l := range labels {
		nl, ok := remap[l]
		if !ok {
			nl = len(remap)
			remap[l] = nl
		}
		out[i] = nl
	}
	return out
}
