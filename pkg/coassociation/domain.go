package coassociation

import (
	"fmt"

	"roiconsensus/internal/models"
)

// MaskDomain is the default domain: every non-zero voxel of the ROI mask.
func MaskDomain(roi string, mask *models.LabelMap) (*models.VoxelDomain, error) {
	if mask == nil {
		return nil, fmt.Errorf("%w: no mask for roi %s", models.ErrMissingInput, roi)
	}
	d := models.DomainFromMask(roi, mask)
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: mask for roi %s is empty", models.ErrDegenerateLabelSet, roi)
	}
	return d, nil
}

// GroupOccurrenceDomain keeps the voxels labelled (non-zero) in strictly more
// than int(threshold*len(maps)) of the subject maps. All maps must share a
// grid. The threshold is a fraction in [0, 1].
func GroupOccurrenceDomain(roi string, maps []*models.LabelMap, threshold float64) (*models.VoxelDomain, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("%w: no subject maps for roi %s", models.ErrMissingInput, roi)
	}
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("group threshold %g outside [0, 1]", threshold)
	}

	shape := maps[0].Shape
	counts := make([]int32, shape.Len())
	for _, m := range maps {
		if err := models.SameShape(maps[0], m); err != nil {
			return nil, err
		}
		for i, v := range m.Data {
			if v != 0 {
				counts[i]++
			}
		}
	}

	minCount := int32(threshold * float64(len(maps)))
	occupied := models.NewLabelMap(shape)
	for i, c := range counts {
		if c > minCount {
			occupied.Data[i] = 1
		}
	}
	d := models.DomainFromMask(roi, occupied)
	if d.Len() == 0 {
		return nil, fmt.Errorf("%w: no voxel of roi %s passes group threshold %g", models.ErrDegenerateLabelSet, roi, threshold)
	}
	return d, nil
}

// MajorityShape returns the grid most of the non-nil maps are defined on.
// Ties go to the grid seen first. ok is false when every map is nil.
func MajorityShape(maps []*models.LabelMap) (shape models.Shape, ok bool) {
	counts := make(map[models.Shape]int)
	best := 0
	for _, m := range maps {
		if m == nil {
			continue
		}
		counts[m.Shape]++
		if n := counts[m.Shape]; n > best {
			best, shape, ok = n, m.Shape, true
		}
	}
	return shape, ok
}
