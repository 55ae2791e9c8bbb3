package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/coassociation"
)

// FileStore keeps artifacts below a root directory:
//
//	masks/<roi>.lmap
//	subjects/<subject>/<roi>_k<K>.lmap
//	subjects/<subject>/<roi>_k<K>_relabeled.lmap
//	subjects/<subject>/<roi>_connectivity.mat
//	group/<roi>/<roi>_k<K>.lmap
//	validation/split<S>/half<H>/<roi>_k<K>.lmap
//	reports/<name>
type FileStore struct {
	root         string
	keepPrevious bool
}

// NewFileStore creates a store rooted at root.
func NewFileStore(root string, keepPrevious bool) *FileStore {
	return &FileStore{root: root, keepPrevious: keepPrevious}
}

// Root returns the store's root directory.
func (s *FileStore) Root() string { return s.root }

// Path returns the file backing ref.
func (s *FileStore) Path(ref Ref) string {
	name := fmt.Sprintf("%s_k%d.lmap", ref.ROI, ref.Clusters)
	switch ref.Kind {
	case KindMask:
		return filepath.Join(s.root, "masks", ref.ROI+".lmap")
	case KindSubject:
		return filepath.Join(s.root, "subjects", ref.Subject, name)
	case KindRelabeled:
		return filepath.Join(s.root, "subjects", ref.Subject, fmt.Sprintf("%s_k%d_relabeled.lmap", ref.ROI, ref.Clusters))
	case KindGroup:
		return filepath.Join(s.root, "group", ref.ROI, name)
	case KindSplit:
		return filepath.Join(s.root, "validation", fmt.Sprintf("split%d", ref.Split), fmt.Sprintf("half%d", ref.Half), name)
	default:
		return filepath.Join(s.root, string(ref.Kind), name)
	}
}

// ReportPath returns the location of a named report.
func (s *FileStore) ReportPath(name string) string {
	return filepath.Join(s.root, "reports", name)
}

func (s *FileStore) connectivityPath(roi, subject string) string {
	return filepath.Join(s.root, "subjects", subject, roi+"_connectivity.mat")
}

// LabelMap reads the map under ref.
func (s *FileStore) LabelMap(ctx context.Context, ref Ref) (*models.LabelMap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.Path(ref)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s (%s): %w", ref, path, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	m, err := DecodeLabelMap(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return m, nil
}

// WriteLabelMap writes m as a new file version under ref. With
// keepPrevious set, an existing file is first moved aside to
// <path>.prev-<runID>.
func (s *FileStore) WriteLabelMap(ctx context.Context, ref Ref, m *models.LabelMap, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.writeAtomic(s.Path(ref), runID, func(w io.Writer) error {
		return EncodeLabelMap(w, m)
	})
}

// Domain derives the default domain of roi from its mask.
func (s *FileStore) Domain(ctx context.Context, roi string) (*models.VoxelDomain, error) {
	mask, err := s.LabelMap(ctx, Ref{Kind: KindMask, ROI: roi})
	if err != nil {
		return nil, err
	}
	return coassociation.MaskDomain(roi, mask)
}

// Connectivity reads a connectivity matrix stored in gonum's binary form.
func (s *FileStore) Connectivity(ctx context.Context, roi, subject string) (*mat.Dense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.connectivityPath(roi, subject)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("connectivity roi=%s subject=%s: %w", roi, subject, ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var m mat.Dense
	if _, err := m.UnmarshalBinaryFrom(f); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &m, nil
}

// WriteConnectivity stores a connectivity matrix.
func (s *FileStore) WriteConnectivity(roi, subject string, m *mat.Dense, runID string) error {
	return s.writeAtomic(s.connectivityPath(roi, subject), runID, func(w io.Writer) error {
		_, err := m.MarshalBinaryTo(w)
		return err
	})
}

// CreateReport opens a new report file for writing. The file appears
// under its final name once Commit succeeds.
func (s *FileStore) CreateReport(name, runID string) (*PendingFile, error) {
	return s.create(s.ReportPath(name), runID)
}

// PendingFile is a temporary file renamed into place by Commit.
type PendingFile struct {
	*os.File
	path         string
	runID        string
	keepPrevious bool
}

func (s *FileStore) create(path, runID string) (*PendingFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	return &PendingFile{File: tmp, path: path, runID: runID, keepPrevious: s.keepPrevious}, nil
}

// Commit closes the temporary file and moves it to its final path.
func (p *PendingFile) Commit() error {
	if err := p.File.Close(); err != nil {
		os.Remove(p.File.Name())
		return fmt.Errorf("close %s: %w", p.path, err)
	}
	if p.keepPrevious {
		if _, err := os.Stat(p.path); err == nil {
			prev := fmt.Sprintf("%s.prev-%s", p.path, p.runID)
			if err := os.Rename(p.path, prev); err != nil {
				os.Remove(p.File.Name())
				return fmt.Errorf("retain previous version of %s: %w", p.path, err)
			}
		}
	}
	if err := os.Rename(p.File.Name(), p.path); err != nil {
		os.Remove(p.File.Name())
		return fmt.Errorf("rename into %s: %w", p.path, err)
	}
	return nil
}

// Abort discards the temporary file.
func (p *PendingFile) Abort() {
	p.File.Close()
	os.Remove(p.File.Name())
}

func (s *FileStore) writeAtomic(path, runID string, write func(io.Writer) error) error {
	p, err := s.create(path, runID)
	if err != nil {
		return err
	}
	if err := write(p); err != nil {
		p.Abort()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return p.Commit()
}
