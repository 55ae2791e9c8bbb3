package pipeline

import (
	"context"
	"fmt"
	"strings"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/agreement"
	"roiconsensus/pkg/correspondence"
	"roiconsensus/pkg/storage"
)

// Comparison names used in score records.
const (
	ComparisonSplitHalf         = "split-half"
	ComparisonHemisphereGroup   = "hemispheres-group"
	ComparisonHemisphereSubject = "hemispheres-subject"
)

// Aligner brings a label map of one hemisphere into the voxel space of the
// other. Registration itself happens outside this module; implementations
// apply a precomputed transform.
type Aligner interface {
	Align(ctx context.Context, moving, fixed *models.LabelMap) (*models.LabelMap, error)
}

// FlipAligner mirrors the moving map along one axis. It is sufficient for
// hemisphere maps that live on a common, left-right symmetric template grid.
type FlipAligner struct {
	Axis int
}

// Align implements Aligner.
func (a FlipAligner) Align(_ context.Context, moving, fixed *models.LabelMap) (*models.LabelMap, error) {
	if err := models.SameShape(moving, fixed); err != nil {
		return nil, err
	}
	return moving.Flip(a.Axis)
}

// HemispherePair names the two sides of one region. Second is matched to
// First.
type HemispherePair struct {
	First  string
	Second string
}

func (p HemispherePair) String() string {
	return p.First + "/" + p.Second
}

// ParsePair reads "first,second".
func ParsePair(s string) (HemispherePair, error) {
	first, second, ok := strings.Cut(s, ",")
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if !ok || first == "" || second == "" || first == second {
		return HemispherePair{}, fmt.Errorf("invalid hemisphere pair %q, want first,second", s)
	}
	return HemispherePair{First: first, Second: second}, nil
}

// MatchHemispheres relabels the group partitions of pair.Second so their
// labels agree with pair.First for every cluster count. The relabeled map
// becomes the new group artifact of pair.Second; the store decides whether
// the previous version is retained.
func (r *Runner) MatchHemispheres(ctx context.Context, pair HemispherePair) ([]*models.LabelMapping, models.Summary, error) {
	ks := r.params.ClusterCounts()
	units := make([]unit, len(ks))
	for i, k := range ks {
		units[i] = unit{roi: pair.String(), clusters: k}
	}

	mappings := make([]*models.LabelMapping, len(ks))
	res, err := r.runUnits(ctx, models.StageMatch, "", units, func(ctx context.Context, u unit) (*unitResult, error) {
		first, second, aligned, err := r.loadHemispheres(ctx, pair, u.clusters, storage.KindGroup, "")
		if err != nil {
			return nil, err
		}
		mapping, err := correspondence.Resolve(first, aligned)
		if err != nil {
			return nil, err
		}
		relabeled, err := correspondence.Relabel(second, mapping, r.params.Policy, first.MaxLabel())
		if err != nil {
			return nil, err
		}
		r.logger.Info().
			Str("pair", pair.String()).
			Int("clusters", u.clusters).
			Float64("mean_dice", mapping.MeanDice()).
			Msg("Matched hemispheres")

		mappings[u.index] = mapping
		ref := storage.Ref{Kind: storage.KindGroup, ROI: pair.Second, Clusters: u.clusters}
		return nil, r.store.WriteLabelMap(ctx, ref, relabeled, r.runID)
	})
	return mappings, res.summary, err
}

// HemisphereStability compares the two sides of pair at group level (one
// record and one per-label table per cluster count) and, when subjectLevel
// is set, for every subject's relabeled partitions.
func (r *Runner) HemisphereStability(ctx context.Context, pair HemispherePair, subjectLevel bool) ([]models.ScoreRecord, []models.LabelScores, models.Summary, error) {
	var units []unit
	for _, k := range r.params.ClusterCounts() {
		units = append(units, unit{roi: pair.String(), clusters: k})
	}
	group, err := r.runUnits(ctx, models.StageHemispheres, ComparisonHemisphereGroup, units, func(ctx context.Context, u unit) (*unitResult, error) {
		return r.compareHemispheres(ctx, pair, u, storage.KindGroup, ComparisonHemisphereGroup)
	})
	if err != nil || !subjectLevel {
		return group.records, group.labels, group.summary, err
	}

	units = units[:0]
	for _, s := range r.params.Subjects {
		for _, k := range r.params.ClusterCounts() {
			units = append(units, unit{roi: pair.String(), subject: s, clusters: k})
		}
	}
	subjects, err := r.runUnits(ctx, models.StageHemispheres, ComparisonHemisphereSubject, units, func(ctx context.Context, u unit) (*unitResult, error) {
		res, err := r.compareHemispheres(ctx, pair, u, storage.KindRelabeled, ComparisonHemisphereSubject)
		if res != nil {
			res.labels = nil
		}
		return res, err
	})

	summary := group.summary
	summary.Add(subjects.summary)
	return append(group.records, subjects.records...), group.labels, summary, err
}

func (r *Runner) compareHemispheres(ctx context.Context, pair HemispherePair, u unit, kind storage.Kind, comparison string) (*unitResult, error) {
	first, _, aligned, err := r.loadHemispheres(ctx, pair, u.clusters, kind, u.subject)
	if err != nil {
		return nil, err
	}
	scores, err := agreement.Agreement(first, aligned)
	if err != nil {
		return nil, err
	}
	rec := scores.Record(models.ScoreRecord{
		RunID:      r.runID,
		Comparison: comparison,
		ROI:        pair.String(),
		Subject:    u.subject,
		Clusters:   u.clusters,
	})
	return &unitResult{
		records: []models.ScoreRecord{rec},
		labels:  []models.LabelScores{scores.LabelScores(pair.String(), u.clusters)},
	}, nil
}

// loadHemispheres reads both sides and aligns the second to the first.
func (r *Runner) loadHemispheres(ctx context.Context, pair HemispherePair, k int, kind storage.Kind, subject string) (first, second, aligned *models.LabelMap, err error) {
	first, err = r.store.LabelMap(ctx, storage.Ref{Kind: kind, ROI: pair.First, Subject: subject, Clusters: k})
	if err != nil {
		return nil, nil, nil, err
	}
	second, err = r.store.LabelMap(ctx, storage.Ref{Kind: kind, ROI: pair.Second, Subject: subject, Clusters: k})
	if err != nil {
		return nil, nil, nil, err
	}
	aligned, err = r.aligner.Align(ctx, second, first)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("align %s to %s: %w", pair.Second, pair.First, err)
	}
	return first, second, aligned, nil
}
