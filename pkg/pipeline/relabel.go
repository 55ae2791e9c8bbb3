package pipeline

import (
	"context"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/correspondence"
	"roiconsensus/pkg/storage"
)

// RelabelToGroup aligns every subject partition to the labels of the group
// partition with the same ROI and cluster count, and stores the result as a
// separate relabeled artifact. The subject's original map is left untouched.
func (r *Runner) RelabelToGroup(ctx context.Context) (models.Summary, error) {
	var units []unit
	for _, roi := range r.params.ROIs {
		for _, k := range r.params.ClusterCounts() {
			for _, s := range r.params.Subjects {
				units = append(units, unit{roi: roi, subject: s, clusters: k})
			}
		}
	}

	res, err := r.runUnits(ctx, models.StageRelabel, "", units, func(ctx context.Context, u unit) (*unitResult, error) {
		return nil, r.relabelSubject(ctx, u)
	})
	return res.summary, err
}

func (r *Runner) relabelSubject(ctx context.Context, u unit) error {
	group, err := r.store.LabelMap(ctx, storage.Ref{Kind: storage.KindGroup, ROI: u.roi, Clusters: u.clusters})
	if err != nil {
		return err
	}
	subject, err := r.store.LabelMap(ctx, storage.Ref{Kind: storage.KindSubject, ROI: u.roi, Subject: u.subject, Clusters: u.clusters})
	if err != nil {
		return err
	}

	mapping, relabeled, err := correspondence.ResolveLabels(group, subject, r.params.Policy)
	if err != nil {
		return err
	}
	if mapping.Empty() {
		r.logger.Warn().Str("roi", u.roi).Str("subject", u.subject).Int("clusters", u.clusters).Msg("No label correspondence, relabeled map copies the subject map")
	}
	r.logger.Debug().
		Str("roi", u.roi).
		Str("subject", u.subject).
		Int("clusters", u.clusters).
		Float64("mean_dice", mapping.MeanDice()).
		Ints32("unmatched", mapping.UnmatchedB).
		Msg("Relabeled subject partition")

	ref := storage.Ref{Kind: storage.KindRelabeled, ROI: u.roi, Subject: u.subject, Clusters: u.clusters}
	return r.store.WriteLabelMap(ctx, ref, relabeled, r.runID)
}
