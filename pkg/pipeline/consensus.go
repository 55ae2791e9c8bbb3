package pipeline

import (
	"context"
	"fmt"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/coassociation"
	"roiconsensus/pkg/consensus"
	"roiconsensus/pkg/storage"
)

// BuildConsensus derives the k-cluster group partition of roi from the
// subject partitions of subjects. Subjects whose maps are absent or
// unreadable are excluded; the build fails only if none remain.
func (r *Runner) BuildConsensus(ctx context.Context, roi string, subjects []string, k int) (*models.LabelMap, error) {
	subjectRef := func(s string) storage.Ref {
		return storage.Ref{Kind: storage.KindSubject, ROI: roi, Subject: s, Clusters: k}
	}
	loader := coassociation.LoaderFunc(func(ctx context.Context, s string) (*models.LabelMap, error) {
		return r.store.LabelMap(ctx, subjectRef(s))
	})

	var (
		domain *models.VoxelDomain
		err    error
	)
	if r.params.GroupThreshold < 0 {
		if domain, err = r.store.Domain(ctx, roi); err != nil {
			return nil, err
		}
	} else {
		if domain, loader, err = r.occurrenceDomain(ctx, roi, subjects, subjectRef); err != nil {
			return nil, err
		}
	}
	r.metrics.SetDomainSize(roi, domain.Len())

	ext, err := coassociation.Extract(ctx, r.io, loader, subjects, domain, r.logger)
	if err != nil {
		return nil, err
	}
	co, err := coassociation.Build(ext.Vectors, domain, coassociation.Options{Workers: r.params.AggregationWorkers})
	if err != nil {
		return nil, err
	}

	opts := r.params.Clustering
	opts.Logger = r.logger.With().Str("roi", roi).Logger()
	m, err := consensus.Generate(co, k, opts)
	if err != nil {
		return nil, err
	}
	m.Affine = domain.Affine

	r.logger.Info().
		Str("roi", roi).
		Int("clusters", k).
		Int("subjects", co.Subjects).
		Int("excluded", len(ext.Failures)).
		Int("voxels", co.Size).
		Msg("Built consensus partition")
	return m, nil
}

// occurrenceDomain loads every subject map up front and derives the group
// occurrence domain from them. The reference grid is the ROI mask's when one
// exists, otherwise the grid most subjects share. Maps on any other grid are
// excluded before counting and reported by the returned loader, which serves
// Extract from the maps already read.
func (r *Runner) occurrenceDomain(ctx context.Context, roi string, subjects []string, ref func(string) storage.Ref) (*models.VoxelDomain, coassociation.LoaderFunc, error) {
	maps, loadErrs := r.loadAll(ctx, subjects, ref)

	affine := models.IdentityAffine
	shape, ok := coassociation.MajorityShape(maps)
	mask, err := r.store.LabelMap(ctx, storage.Ref{Kind: storage.KindMask, ROI: roi})
	switch {
	case err == nil:
		shape, ok, affine = mask.Shape, true, mask.Affine
	case !models.Skippable(err):
		return nil, nil, err
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: no subject map for roi %s", models.ErrMissingInput, roi)
	}

	var present []*models.LabelMap
	for i, m := range maps {
		if m == nil {
			continue
		}
		if m.Shape != shape {
			loadErrs[i] = fmt.Errorf("%w: subject %s on grid %s, reference grid %s", models.ErrShapeMismatch, subjects[i], m.Shape, shape)
			maps[i] = nil
			continue
		}
		if mask == nil && len(present) == 0 {
			affine = m.Affine
		}
		present = append(present, m)
	}

	domain, err := coassociation.GroupOccurrenceDomain(roi, present, r.params.GroupThreshold)
	if err != nil {
		return nil, nil, err
	}
	domain.Affine = affine

	index := make(map[string]int, len(subjects))
	for i, s := range subjects {
		index[s] = i
	}
	loader := func(_ context.Context, s string) (*models.LabelMap, error) {
		i, ok := index[s]
		if !ok {
			return nil, fmt.Errorf("%w: subject %s", storage.ErrNotFound, s)
		}
		return maps[i], loadErrs[i]
	}
	return domain, loader, nil
}

// loadAll reads one label map per subject on the I/O pool. Failed slots
// hold nil and their error.
func (r *Runner) loadAll(ctx context.Context, subjects []string, ref func(string) storage.Ref) ([]*models.LabelMap, []error) {
	maps := make([]*models.LabelMap, len(subjects))
	errs := r.io.Run(ctx, len(subjects), func(ctx context.Context, i int) error {
		m, err := r.store.LabelMap(ctx, ref(subjects[i]))
		maps[i] = m
		return err
	})
	return maps, errs
}

// ConsensusSweep builds and stores the group partition of every ROI for
// every cluster count.
func (r *Runner) ConsensusSweep(ctx context.Context) (models.Summary, error) {
	var units []unit
	for _, roi := range r.params.ROIs {
		for _, k := range r.params.ClusterCounts() {
			units = append(units, unit{roi: roi, clusters: k})
		}
	}

	res, err := r.runUnits(ctx, models.StageConsensus, "", units, func(ctx context.Context, u unit) (*unitResult, error) {
		m, err := r.BuildConsensus(ctx, u.roi, r.params.Subjects, u.clusters)
		if err != nil {
			return nil, err
		}
		ref := storage.Ref{Kind: storage.KindGroup, ROI: u.roi, Clusters: u.clusters}
		return nil, r.store.WriteLabelMap(ctx, ref, m, r.runID)
	})
	return res.summary, err
}
