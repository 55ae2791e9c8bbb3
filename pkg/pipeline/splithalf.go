package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/exp/rand"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/agreement"
	"roiconsensus/pkg/correspondence"
	"roiconsensus/pkg/storage"
)

// minSplitSubjects is the smallest group that still gives two non-empty halves.
const minSplitSubjects = 2

// Split is one random partition of the subjects into two halves.
type Split struct {
	Index  int
	First  []string
	Second []string
}

// Splits draws n seeded subject splits. The first half holds
// floor(len/2) subjects.
func Splits(subjects []string, n int, seed uint64) []Split {
	rng := rand.New(rand.NewSource(seed))
	splits := make([]Split, n)
	for i := range splits {
		shuffled := append([]string(nil), subjects...)
		rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})
		half := len(shuffled) / 2
		splits[i] = Split{Index: i + 1, First: shuffled[:half], Second: shuffled[half:]}
	}
	return splits
}

// SplitHalf evaluates the reproducibility of roi's consensus: for every
// draw and cluster count, each half gets its own consensus, the second is
// relabeled to the first, both are stored, and their agreement is recorded.
func (r *Runner) SplitHalf(ctx context.Context, roi string) ([]models.ScoreRecord, models.Summary, error) {
	if len(r.params.Subjects) < minSplitSubjects {
		return nil, models.Summary{}, fmt.Errorf("%w: split-half needs at least %d subjects, have %d",
			models.ErrMissingInput, minSplitSubjects, len(r.params.Subjects))
	}

	splits := Splits(r.params.Subjects, r.params.SplitIterations, r.params.SplitSeed)
	var units []unit
	for _, sp := range splits {
		for _, k := range r.params.ClusterCounts() {
			units = append(units, unit{roi: roi, clusters: k, split: sp.Index})
		}
	}

	res, err := r.runUnits(ctx, models.StageSplitHalf, ComparisonSplitHalf, units, func(ctx context.Context, u unit) (*unitResult, error) {
		sp := splits[u.split-1]
		first, err := r.BuildConsensus(ctx, roi, sp.First, u.clusters)
		if err != nil {
			return nil, fmt.Errorf("first half: %w", err)
		}
		second, err := r.BuildConsensus(ctx, roi, sp.Second, u.clusters)
		if err != nil {
			return nil, fmt.Errorf("second half: %w", err)
		}
		_, second, err = correspondence.ResolveLabels(first, second, r.params.Policy)
		if err != nil {
			return nil, err
		}

		for half, m := range []*models.LabelMap{first, second} {
			ref := storage.Ref{Kind: storage.KindSplit, ROI: roi, Clusters: u.clusters, Split: u.split, Half: half + 1}
			if err := r.store.WriteLabelMap(ctx, ref, m, r.runID); err != nil {
				return nil, err
			}
		}

		scores, err := agreement.Agreement(first, second)
		if err != nil {
			return nil, err
		}
		rec := scores.Record(models.ScoreRecord{
			RunID:      r.runID,
			Comparison: ComparisonSplitHalf,
			ROI:        roi,
			Split:      u.split,
			Clusters:   u.clusters,
		})
		return &unitResult{records: []models.ScoreRecord{rec}}, nil
	})
	return res.records, res.summary, err
}
