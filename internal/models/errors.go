package models

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds shared by every stage. Wrap them with fmt.Errorf("...: %w") and
// test with errors.Is.
var (
	// ErrMissingInput marks an absent label map, transform or coordinate
	// file. The affected unit is skipped, the batch continues.
	ErrMissingInput = errors.New("missing input")

	// ErrShapeMismatch marks two volumes defined over different grids. Fatal
	// for the comparison unit.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrDegenerateLabelSet marks a partition without non-background labels.
	// Operations recover from it with empty mappings and zero metrics.
	ErrDegenerateLabelSet = errors.New("degenerate label set")

	// ErrSolverFailure marks an assignment or clustering routine that
	// received a malformed matrix or did not converge.
	ErrSolverFailure = errors.New("solver failure")
)

// Stage names used in UnitError and in logs.
const (
	StageExtract     = "extract"
	StageConsensus   = "consensus"
	StageRelabel     = "relabel"
	StageMatch       = "match-hemispheres"
	StageSplitHalf   = "split-half"
	StageHemispheres = "hemispheres"
	StageHeuristics  = "heuristics"
)

// UnitError attaches the identity of a batch unit to the error that ended it.
type UnitError struct {
	Stage    string
	ROI      string
	Subject  string
	Clusters int
	Split    int
	Err      error
}

// Error implements the error interface
func (e *UnitError) Error() string {
	parts := []string{e.Stage}
	if e.ROI != "" {
		parts = append(parts, "roi="+e.ROI)
	}
	if e.Subject != "" {
		parts = append(parts, "subject="+e.Subject)
	}
	if e.Clusters > 0 {
		parts = append(parts, fmt.Sprintf("clusters=%d", e.Clusters))
	}
	if e.Split > 0 {
		parts = append(parts, fmt.Sprintf("split=%d", e.Split))
	}
	return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Err)
}

// Unwrap returns the underlying error
func (e *UnitError) Unwrap() error {
	return e.Err
}

// Skippable reports whether err only means the unit's inputs were absent.
func Skippable(err error) bool {
	return errors.Is(err, ErrMissingInput)
}
