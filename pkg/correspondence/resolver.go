// Package correspondence removes the label-permutation ambiguity between two
// partitions of the same region. Label 3 in one clustering run has no
// relationship to label 3 in another, so before two partitions can be
// compared label by label, the labels of one are rewritten to the labels of
// the other through the one-to-one mapping that maximises total Dice overlap.
package correspondence

import (
	"fmt"
	"sort"
	"strings"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/assignment"
	"roiconsensus/pkg/similarity"
)

// UnmatchedPolicy decides what happens to labels of the aligned partition
// that received no counterpart, which only occurs when it has more labels
// than the reference.
type UnmatchedPolicy int

const (
	// UnmatchedBackground sets voxels of unmatched labels to background.
	UnmatchedBackground UnmatchedPolicy = iota

	// UnmatchedFresh renumbers unmatched labels to fresh values above the
	// reference's largest label, in ascending order of their original value,
	// so they stay visible as "unresolved" clusters.
	UnmatchedFresh

	// UnmatchedNearest gives each voxel of an unmatched label the label of
	// the nearest voxel that was matched.
	UnmatchedNearest
)

// String returns the configuration name of the policy
func (p UnmatchedPolicy) String() string {
	switch p {
	case UnmatchedBackground:
		return "background"
	case UnmatchedFresh:
		return "fresh"
	case UnmatchedNearest:
		return "nearest"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a configuration name to an UnmatchedPolicy.
func ParsePolicy(name string) (UnmatchedPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "background":
		return UnmatchedBackground, nil
	case "fresh", "unresolved":
		return UnmatchedFresh, nil
	case "nearest":
		return UnmatchedNearest, nil
	default:
		return 0, fmt.Errorf("unknown unmatched-label policy %q", name)
	}
}

// Resolve finds the label mapping from the reference partition a to the
// partition b that minimises total 1-Dice cost.
//
// Both maps must share a shape. If either has no non-background labels the
// mapping is empty and no error is returned.
func Resolve(a, b *models.LabelMap) (*models.LabelMapping, error) {
	if err := models.SameShape(a, b); err != nil {
		return nil, err
	}
	labelsA := a.Labels()
	labelsB := b.Labels()
	if len(labelsA) == 0 || len(labelsB) == 0 {
		return &models.LabelMapping{UnmatchedA: labelsA, UnmatchedB: labelsB}, nil
	}

	sim, err := similarity.DiceMatrix(a, b, labelsA, labelsB, nil)
	if err != nil {
		return nil, err
	}
	pairs, total, err := assignment.Solve(sim.Cost())
	if err != nil {
		return nil, fmt.Errorf("resolving %d x %d labels: %w", len(labelsA), len(labelsB), err)
	}

	mapping := &models.LabelMapping{TotalCost: total}
	matchedA := make(map[int]bool, len(pairs))
	matchedB := make(map[int]bool, len(pairs))
	for _, p := range pairs {
		mapping.Pairs = append(mapping.Pairs, models.LabelPair{
			A:    labelsA[p.Row],
			B:    labelsB[p.Col],
			Dice: sim.Values[p.Row][p.Col],
		})
		matchedA[p.Row] = true
		matchedB[p.Col] = true
	}
	sort.Slice(mapping.Pairs, func(i, j int) bool { return mapping.Pairs[i].A < mapping.Pairs[j].A })
	for i, l := range labelsA {
		if !matchedA[i] {
			mapping.UnmatchedA = append(mapping.UnmatchedA, l)
		}
	}
	for j, l := range labelsB {
		if !matchedB[j] {
			mapping.UnmatchedB = append(mapping.UnmatchedB, l)
		}
	}
	return mapping, nil
}

// Relabel returns a copy of b in which every matched label is replaced by its
// reference label. Unmatched labels are handled according to policy. b is
// never modified.
func Relabel(b *models.LabelMap, mapping *models.LabelMapping, policy UnmatchedPolicy, referenceMax int32) (*models.LabelMap, error) {
	out := b.Clone()
	if mapping == nil || mapping.Empty() {
		return out, nil
	}

	// The translation table is built from the original labels so chained
	// swaps (1->2, 2->1) cannot collide.
	table := make(map[int32]int32, len(mapping.Pairs)+len(mapping.UnmatchedB))
	for _, p := range mapping.Pairs {
		table[p.B] = p.A
	}

	const pending int32 = -1
	switch policy {
	case UnmatchedBackground:
		for _, l := range mapping.UnmatchedB {
			table[l] = 0
		}
	case UnmatchedFresh:
		next := referenceMax
		for _, p := range mapping.Pairs {
			if p.A > next {
				next = p.A
			}
		}
		for _, l := range mapping.UnmatchedB {
			next++
			table[l] = next
		}
	case UnmatchedNearest:
		for _, l := range mapping.UnmatchedB {
			table[l] = pending
		}
	default:
		return nil, fmt.Errorf("unknown unmatched-label policy %d", policy)
	}

	for i, v := range b.Data {
		if v == 0 {
			continue
		}
		if nv, ok := table[v]; ok {
			out.Data[i] = nv
		}
	}

	if policy == UnmatchedNearest && len(mapping.UnmatchedB) > 0 {
		fillNearest(out, pending)
	}
	return out, nil
}

// ResolveLabels resolves the mapping from a to b and returns it with the
// relabeled copy of b.
func ResolveLabels(a, b *models.LabelMap, policy UnmatchedPolicy) (*models.LabelMapping, *models.LabelMap, error) {
	mapping, err := Resolve(a, b)
	if err != nil {
		return nil, nil, err
	}
	relabeled, err := Relabel(b, mapping, policy, a.MaxLabel())
	if err != nil {
		return nil, nil, err
	}
	return mapping, relabeled, nil
}
