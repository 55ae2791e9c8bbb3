// Package coassociation turns a set of subject-level partitions of one ROI
// into an integer co-association matrix: M[i,j] counts the subjects that put
// domain voxels i and j into the same non-background cluster.
//
// Building happens in two stages. Extract is I/O-bound and reads one label
// vector per subject on a shared workerpool. Build is CPU-bound and
// aggregates the vectors with its own row-striping goroutines.
package coassociation

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/workerpool"
)

// Loader reads the label map of one subject.
type Loader interface {
	Load(ctx context.Context, subject string) (*models.LabelMap, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, subject string) (*models.LabelMap, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, subject string) (*models.LabelMap, error) {
	return f(ctx, subject)
}

// Extraction holds the per-subject label vectors over a domain. Subjects and
// Vectors are parallel and keep the input order; failed subjects are left out
// and reported in Failures.
type Extraction struct {
	Subjects []string
	Vectors  [][]int32
	Failures []error
}

// Extract loads every subject's label map through loader on pool and reads
// its labels at the domain voxels. A subject whose map is missing, unreadable
// or on another grid is excluded and reported. It fails only when no subject
// could be read.
func Extract(ctx context.Context, pool *workerpool.Pool, loader Loader, subjects []string, domain *models.VoxelDomain, logger zerolog.Logger) (*Extraction, error) {
	slots := make([][]int32, len(subjects))
	errs := pool.Run(ctx, len(subjects), func(ctx context.Context, i int) error {
		m, err := loader.Load(ctx, subjects[i])
		if err != nil {
			return err
		}
		vec, err := domain.Vector(m)
		if err != nil {
			return err
		}
		slots[i] = vec
		return nil
	})

	out := &Extraction{}
	for i, err := range errs {
		if err != nil {
			logger.Warn().Err(err).Str("roi", domain.ROI).Str("subject", subjects[i]).Msg("Excluding subject from co-association")
			out.Failures = append(out.Failures, &models.UnitError{
				Stage:   models.StageExtract,
				ROI:     domain.ROI,
				Subject: subjects[i],
				Err:     err,
			})
			continue
		}
		out.Subjects = append(out.Subjects, subjects[i])
		out.Vectors = append(out.Vectors, slots[i])
	}
	if len(out.Vectors) == 0 {
		return out, fmt.Errorf("%w: no subject label map could be read for roi %s", models.ErrMissingInput, domain.ROI)
	}
	return out, nil
}

// Options tunes Build.
type Options struct {
	// Workers is the number of row-striping goroutines. Zero or one means
	// the aggregation runs on the calling goroutine.
	Workers int
}

// Build aggregates per-subject label vectors (one per subject, each in domain
// order) into the co-association matrix over domain. Two voxels co-occur for
// a subject only when both carry the same non-zero label.
func Build(vectors [][]int32, domain *models.VoxelDomain, opts Options) (*models.CoAssociation, error) {
	n := domain.Len()
	for s, v := range vectors {
		if len(v) != n {
			return nil, fmt.Errorf("%w: subject vector %d has %d voxels, domain has %d", models.ErrShapeMismatch, s, len(v), n)
		}
	}

	// voxel-major copy so the inner loop walks contiguous memory
	subjects := len(vectors)
	byVoxel := make([]int32, n*subjects)
	for s, v := range vectors {
		for i, label := range v {
			byVoxel[i*subjects+s] = label
		}
	}

	counts := make([]int32, n*n)
	row := func(i int) {
		vi := byVoxel[i*subjects : (i+1)*subjects]
		for j := i + 1; j < n; j++ {
			vj := byVoxel[j*subjects : (j+1)*subjects]
			var c int32
			for s, label := range vi {
				if label != 0 && label == vj[s] {
					c++
				}
			}
			counts[i*n+j] = c
			counts[j*n+i] = c
		}
	}

	workers := opts.Workers
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			row(i)
		}
	} else {
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(offset int) {
				defer wg.Done()
				for i := offset; i < n; i += workers {
					row(i)
				}
			}(w)
		}
		wg.Wait()
	}

	coords := make([]models.Coord, n)
	copy(coords, domain.Coords)
	return &models.CoAssociation{
		Size:     n,
		Subjects: subjects,
		Counts:   counts,
		Coords:   coords,
		Shape:    domain.Shape,
	}, nil
}

// Dense returns the matrix as float64 values in row-major order, the input
// form of the spectral embedding.
func Dense(co *models.CoAssociation) []float64 {
	out := make([]float64, len(co.Counts))
	for i, c := range co.Counts {
		out[i] = float64(c)
	}
	return out
}
