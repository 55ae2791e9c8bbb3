// Package pipeline runs the group-parcellation batch stages over a store:
// consensus sweeps, relabeling of subject partitions to the group labels,
// hemisphere matching and the stability evaluations.
//
// Every stage is split into independent units (one ROI and cluster count,
// optionally one subject or one split-half draw). Units run on the CPU pool,
// label maps are read on the I/O pool, and one failing unit only ends that
// unit: its error is logged, counted and reported, the batch continues.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/config"
	"roiconsensus/pkg/consensus"
	"roiconsensus/pkg/correspondence"
	"roiconsensus/pkg/storage"
	"roiconsensus/pkg/telemetry"
	"roiconsensus/pkg/workerpool"
)

// Params holds the batch parameters.
type Params struct {
	// ROIs are the regions processed by ROI-level stages
	ROIs []string

	// Subjects are the subject identifiers taking part in the group
	Subjects []string

	// MinClusters and MaxClusters bound the cluster-count sweep (inclusive)
	MinClusters int
	MaxClusters int

	// GroupThreshold restricts the consensus domain to voxels labelled in
	// more than this fraction of subjects. Negative uses the ROI mask.
	GroupThreshold float64

	// IOWorkers and UnitWorkers size the two executors
	IOWorkers   int
	UnitWorkers int

	// AggregationWorkers is the row-striping fan-out of one co-association build
	AggregationWorkers int

	// Clustering configures the spectral consensus
	Clustering consensus.Options

	// Policy handles labels left unmatched by the correspondence
	Policy correspondence.UnmatchedPolicy

	// SplitIterations is the number of split-half draws
	SplitIterations int

	// SplitSeed seeds the split-half shuffles
	SplitSeed uint64

	// Components is the number of principal components the heuristics analyse
	Components int
}

// ParamsFromConfig builds Params from the loaded configuration.
func ParamsFromConfig(cfg *config.Config, rois, subjects []string) (*Params, error) {
	policy, err := correspondence.ParsePolicy(cfg.Correspondence.UnmatchedPolicy)
	if err != nil {
		return nil, err
	}
	return &Params{
		ROIs:               rois,
		Subjects:           subjects,
		MinClusters:        cfg.Processing.MinClusters,
		MaxClusters:        cfg.Processing.MaxClusters,
		GroupThreshold:     cfg.Processing.GroupThreshold,
		IOWorkers:          cfg.Processing.IOWorkers,
		UnitWorkers:        cfg.Processing.UnitWorkers,
		AggregationWorkers: cfg.Processing.AggregationWorkers,
		Clustering: consensus.Options{
			Seed:              cfg.Clustering.Seed,
			NInit:             cfg.Clustering.NInit,
			MaxIter:           cfg.Clustering.MaxIter,
			Tol:               cfg.Clustering.Tolerance,
			CheckConnectivity: cfg.Clustering.CheckConnectivity,
		},
		Policy:          policy,
		SplitIterations: cfg.Validation.SplitIterations,
		SplitSeed:       cfg.Validation.SplitSeed,
		Components:      cfg.Heuristics.Components,
	}, nil
}

// ClusterCounts lists the swept cluster counts.
func (p *Params) ClusterCounts() []int {
	var ks []int
	for k := p.MinClusters; k <= p.MaxClusters; k++ {
		ks = append(ks, k)
	}
	return ks
}

// Runner executes the batch stages against a store.
type Runner struct {
	params  *Params
	store   storage.Store
	io      *workerpool.Pool
	units   *workerpool.Pool
	aligner Aligner
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	runID   string
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithMetrics records unit and pool outcomes into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPools replaces the default executors.
func WithPools(io, units *workerpool.Pool) Option {
	return func(r *Runner) { r.io, r.units = io, units }
}

// WithAligner sets how one hemisphere is brought into the other's space.
func WithAligner(a Aligner) Option {
	return func(r *Runner) { r.aligner = a }
}

// WithRunID overrides the generated run identifier.
func WithRunID(id string) Option {
	return func(r *Runner) { r.runID = id }
}

// NewRunner creates a runner. Without options it logs nowhere, keeps no
// metrics and flips along X to align hemispheres.
func NewRunner(params *Params, store storage.Store, opts ...Option) *Runner {
	r := &Runner{
		params:  params,
		store:   store,
		aligner: FlipAligner{Axis: 0},
		logger:  zerolog.Nop(),
		runID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}

	ioWorkers, unitWorkers := params.IOWorkers, params.UnitWorkers
	if ioWorkers <= 0 {
		ioWorkers = 4
	}
	if unitWorkers <= 0 {
		unitWorkers = runtime.NumCPU()
	}
	observer := workerpool.WithObserver(r.metrics.PoolObserver())
	if r.io == nil {
		r.io = workerpool.New("io", ioWorkers, observer)
	}
	if r.units == nil {
		r.units = workerpool.New("units", unitWorkers, observer)
	}
	r.logger = r.logger.With().Str("run_id", r.runID).Logger()
	return r
}

// RunID identifies this batch in records and retained artifact versions.
func (r *Runner) RunID() string { return r.runID }

// Params returns the batch parameters. Changes take effect for stages
// started afterwards.
func (r *Runner) Params() *Params { return r.params }

// unit identifies one independent piece of a stage.
type unit struct {
	roi      string
	subject  string
	clusters int
	split    int

	// index is the unit's position in its stage
	index int
}

// unitResult is what one unit contributes to the stage output.
type unitResult struct {
	records []models.ScoreRecord
	labels  []models.LabelScores
}

// stageResult is the merged output of a stage.
type stageResult struct {
	records []models.ScoreRecord
	labels  []models.LabelScores
	summary models.Summary
}

// runUnits executes fn for every unit on the CPU pool and merges the unit
// results in unit order after the barrier. Failed units are logged and, for
// scoring stages, reported as records carrying the error.
func (r *Runner) runUnits(ctx context.Context, stage, comparison string, units []unit, fn func(ctx context.Context, u unit) (*unitResult, error)) (*stageResult, error) {
	slots := make([]*unitResult, len(units))
	errs := r.units.Run(ctx, len(units), func(ctx context.Context, i int) error {
		u := units[i]
		u.index = i
		start := time.Now()
		res, err := fn(ctx, u)
		if err != nil {
			err = &models.UnitError{Stage: stage, ROI: u.roi, Subject: u.subject, Clusters: u.clusters, Split: u.split, Err: err}
		}
		r.metrics.RecordUnit(stage, err, time.Since(start))
		slots[i] = res
		return err
	})

	out := &stageResult{}
	for i, err := range errs {
		u := units[i]
		out.summary.Record(err)
		if err != nil {
			var ue *models.UnitError
			if !errors.As(err, &ue) {
				err = &models.UnitError{Stage: stage, ROI: u.roi, Subject: u.subject, Clusters: u.clusters, Split: u.split, Err: err}
			}
			event := r.logger.Warn()
			if models.Skippable(err) {
				event = r.logger.Info()
			}
			event.Err(err).
				Str("stage", stage).
				Str("roi", u.roi).
				Str("subject", u.subject).
				Int("clusters", u.clusters).
				Int("split", u.split).
				Msg("Unit did not complete")
			if comparison != "" {
				out.records = append(out.records, models.ScoreRecord{
					RunID:      r.runID,
					Comparison: comparison,
					ROI:        u.roi,
					Subject:    u.subject,
					Split:      u.split,
					Clusters:   u.clusters,
					Err:        err.Error(),
				})
			}
			continue
		}
		if res := slots[i]; res != nil {
			out.records = append(out.records, res.records...)
			out.labels = append(out.labels, res.labels...)
		}
	}

	r.logger.Info().
		Str("stage", stage).
		Int("succeeded", out.summary.Succeeded).
		Int("skipped", out.summary.Skipped).
		Int("failed", out.summary.Failed).
		Msg("Stage finished")

	if err := ctx.Err(); err != nil {
		return out, fmt.Errorf("%s interrupted: %w", stage, err)
	}
	return out, nil
}
