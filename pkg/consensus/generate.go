package consensus

import (
	"fmt"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
)

// Options configures Generate.
type Options struct {
	Seed    uint64
	NInit   int
	MaxIter int
	Tol     float64

	// CheckConnectivity logs a warning when the affinity graph falls apart
	// into several components. It builds the full voxel graph.
	CheckConnectivity bool

	Logger zerolog.Logger
}

// DefaultOptions mirrors DefaultSpectral.
func DefaultOptions() Options {
	d := DefaultSpectral(1)
	return Options{Seed: d.Seed, NInit: d.NInit, MaxIter: d.MaxIter, Tol: d.Tol, Logger: zerolog.Nop()}
}

// Affinity converts a co-association matrix to the symmetric affinity the
// spectral embedding consumes.
func Affinity(co *models.CoAssociation) *mat.SymDense {
	a := mat.NewSymDense(co.Size, nil)
	for i := 0; i < co.Size; i++ {
		for j := i; j < co.Size; j++ {
			a.SetSym(i, j, float64(co.At(i, j)))
		}
	}
	return a
}

// Generate clusters the co-association matrix into k groups and scatters
// labels 1..k back onto the matrix coordinates of a full-grid label map. Every
// voxel outside the matrix domain stays background.
func Generate(co *models.CoAssociation, k int, opts Options) (*models.LabelMap, error) {
	if co == nil || co.Size == 0 {
		return nil, fmt.Errorf("%w: empty co-association matrix", models.ErrSolverFailure)
	}
	if len(co.Coords) != co.Size {
		return nil, fmt.Errorf("%w: %d coordinates for a matrix of order %d", models.ErrShapeMismatch, len(co.Coords), co.Size)
	}

	if opts.CheckConnectivity {
		if parts := Components(co); parts > 1 {
			opts.Logger.Warn().Int("components", parts).Int("clusters", k).Msg("Affinity graph is disconnected")
		}
	}

	s := Spectral{K: k, Seed: opts.Seed, NInit: opts.NInit, MaxIter: opts.MaxIter, Tol: opts.Tol}
	labels, err := s.Cluster(Affinity(co))
	if err != nil {
		return nil, err
	}

	out := models.NewLabelMap(co.Shape)
	for i, c := range co.Coords {
		if !co.Shape.Contains(c) {
			return nil, fmt.Errorf("%w: coordinate %v outside grid %s", models.ErrShapeMismatch, c, co.Shape)
		}
		out.Set(c, int32(labels[i]+1))
	}
	opts.Logger.Debug().Int("clusters", k).Int("voxels", co.Size).Msg("Generated consensus partition")
	return out, nil
}

// Components counts the connected components of the graph whose edges are
// the non-zero co-association entries.
func Components(co *models.CoAssociation) int {
	g := simple.NewUndirectedGraph()
	for i := 0; i < co.Size; i++ {
		g.AddNode(simple.Node(i))
	}
	for i := 0; i < co.Size; i++ {
		for j := i + 1; j < co.Size; j++ {
			if co.At(i, j) > 0 {
				g.SetEdge(simple.Edge{F: simple.Node(i), T: simple.Node(j)})
			}
		}
	}
	return len(topo.ConnectedComponents(g))
}
