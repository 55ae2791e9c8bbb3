// Package storage provides the typed artifact stores the pipeline reads
// subject partitions, ROI masks and connectivity matrices from, and writes
// group and relabeled partitions to.
//
// Artifacts are addressed by Ref instead of paths. Writes never modify an
// artifact in place: a new version replaces the old one atomically, and the
// previous version can be retained under a run-specific identity.
package storage

import (
	"context"
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/coassociation"
)

// ErrNotFound is returned for absent artifacts. It wraps
// models.ErrMissingInput so callers skip the affected unit.
var ErrNotFound = fmt.Errorf("artifact not found: %w", models.ErrMissingInput)

// Kind distinguishes the label-map artifacts.
type Kind string

const (
	// KindMask is the binary ROI mask
	KindMask Kind = "mask"

	// KindSubject is a subject-level partition in group space
	KindSubject Kind = "subject"

	// KindRelabeled is a subject partition relabeled to the group labels
	KindRelabeled Kind = "relabeled"

	// KindGroup is the group consensus partition
	KindGroup Kind = "group"

	// KindSplit is the consensus partition of one split-half draw
	KindSplit Kind = "split"
)

// Ref identifies one label-map artifact.
type Ref struct {
	Kind     Kind
	ROI      string
	Subject  string
	Clusters int

	// Split and Half address split-half draws (1-based)
	Split int
	Half  int
}

func (r Ref) String() string {
	s := fmt.Sprintf("%s roi=%s", r.Kind, r.ROI)
	if r.Subject != "" {
		s += " subject=" + r.Subject
	}
	if r.Clusters > 0 {
		s += fmt.Sprintf(" k=%d", r.Clusters)
	}
	if r.Split > 0 {
		s += fmt.Sprintf(" split=%d half=%d", r.Split, r.Half)
	}
	return s
}

// LabelMapProvider reads label maps.
type LabelMapProvider interface {
	LabelMap(ctx context.Context, ref Ref) (*models.LabelMap, error)
}

// LabelMapWriter stores label maps. runID names the retained previous
// version when one is kept.
type LabelMapWriter interface {
	WriteLabelMap(ctx context.Context, ref Ref, m *models.LabelMap, runID string) error
}

// DomainProvider returns the default voxel domain of an ROI.
type DomainProvider interface {
	Domain(ctx context.Context, roi string) (*models.VoxelDomain, error)
}

// ConnectivityProvider reads a subject's voxels x targets connectivity
// matrix for an ROI.
type ConnectivityProvider interface {
	Connectivity(ctx context.Context, roi, subject string) (*mat.Dense, error)
}

// Store combines every artifact capability the pipeline uses.
type Store interface {
	LabelMapProvider
	LabelMapWriter
	DomainProvider
	ConnectivityProvider
}

// MemoryStore keeps artifacts in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu           sync.RWMutex
	maps         map[Ref]*models.LabelMap
	previous     map[Ref][]*models.LabelMap
	connectivity map[[2]string]*mat.Dense
	keepPrevious bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(keepPrevious bool) *MemoryStore {
	return &MemoryStore{
		maps:         make(map[Ref]*models.LabelMap),
		previous:     make(map[Ref][]*models.LabelMap),
		connectivity: make(map[[2]string]*mat.Dense),
		keepPrevious: keepPrevious,
	}
}

// Put stores a copy of m under ref without versioning.
func (s *MemoryStore) Put(ref Ref, m *models.LabelMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maps[ref] = m.Clone()
}

// PutConnectivity stores a connectivity matrix.
func (s *MemoryStore) PutConnectivity(roi, subject string, m *mat.Dense) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectivity[[2]string{roi, subject}] = mat.DenseCopyOf(m)
}

// LabelMap returns a copy of the stored map.
func (s *MemoryStore) LabelMap(ctx context.Context, ref Ref) (*models.LabelMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.maps[ref]
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	return m.Clone(), nil
}

// WriteLabelMap replaces the map under ref, retaining the old one when
// configured.
func (s *MemoryStore) WriteLabelMap(ctx context.Context, ref Ref, m *models.LabelMap, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.maps[ref]; ok && s.keepPrevious {
		s.previous[ref] = append(s.previous[ref], old)
	}
	s.maps[ref] = m.Clone()
	return nil
}

// Previous returns the retained versions of ref, oldest first.
func (s *MemoryStore) Previous(ref Ref) []*models.LabelMap {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.LabelMap(nil), s.previous[ref]...)
}

// Domain derives the domain from the ROI mask.
func (s *MemoryStore) Domain(ctx context.Context, roi string) (*models.VoxelDomain, error) {
	mask, err := s.LabelMap(ctx, Ref{Kind: KindMask, ROI: roi})
	if err != nil {
		return nil, err
	}
	return coassociation.MaskDomain(roi, mask)
}

// Connectivity returns a copy of the stored matrix.
func (s *MemoryStore) Connectivity(ctx context.Context, roi, subject string) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.connectivity[[2]string{roi, subject}]
	if !ok {
		return nil, fmt.Errorf("connectivity roi=%s subject=%s: %w", roi, subject, ErrNotFound)
	}
	return mat.DenseCopyOf(m), nil
}
