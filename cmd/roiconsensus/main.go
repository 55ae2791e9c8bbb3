package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/config"
	"roiconsensus/pkg/heuristics"
	"roiconsensus/pkg/pipeline"
	"roiconsensus/pkg/storage"
	"roiconsensus/pkg/telemetry"
	"roiconsensus/pkg/visualization"
)

const usage = `Usage: roiconsensus <command> [flags]

Commands:
  consensus          build group partitions for every ROI and cluster count
  relabel            relabel subject partitions to the group labels
  match-hemispheres  align the labels of one hemisphere's group maps to the other
  split-half         evaluate consensus reproducibility on random subject halves
  hemispheres        score the agreement between hemispheres
  heuristics         estimate cluster counts from connectivity spectra
  preview            render the slices of a stored label map as PNG images
  init-config        write the default configuration file

Run 'roiconsensus <command> -h' for the flags of a command.
`

// command holds the flags shared by the batch commands.
type command struct {
	fs *flag.FlagSet

	configPath   *string
	root         *string
	rois         *string
	subjectsFile *string
	minClusters  *int
	maxClusters  *int
	workers      *int
}

func newCommand(name string) *command {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	return &command{
		fs:           fs,
		configPath:   fs.String("config", "roiconsensus.yaml", "Configuration file"),
		root:         fs.String("root", "", "Data directory (overrides storage.root)"),
		rois:         fs.String("rois", "", "Comma-separated ROI names"),
		subjectsFile: fs.String("subjects", "", "File listing one subject identifier per line"),
		minClusters:  fs.Int("min-clusters", 0, "Smallest cluster count (overrides processing.minClusters)"),
		maxClusters:  fs.Int("max-clusters", 0, "Largest cluster count (overrides processing.maxClusters)"),
		workers:      fs.Int("workers", 0, "Concurrent units (overrides processing.unitWorkers)"),
	}
}

// env is everything a batch command needs once flags are parsed.
type env struct {
	cfg     *config.Config
	store   *storage.FileStore
	runner  *pipeline.Runner
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

func (c *command) setup(args []string) (*env, error) {
	if err := c.fs.Parse(args); err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(*c.configPath)
	if err != nil {
		return nil, err
	}
	if *c.root != "" {
		cfg.Storage.Root = *c.root
	}
	if *c.minClusters > 0 {
		cfg.Processing.MinClusters = *c.minClusters
	}
	if *c.maxClusters > 0 {
		cfg.Processing.MaxClusters = *c.maxClusters
	}
	if *c.workers > 0 {
		cfg.Processing.UnitWorkers = *c.workers
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var subjects []string
	if *c.subjectsFile != "" {
		if subjects, err = storage.ReadSubjects(*c.subjectsFile); err != nil {
			return nil, err
		}
	}
	var rois []string
	for _, roi := range strings.Split(*c.rois, ",") {
		if roi = strings.TrimSpace(roi); roi != "" {
			rois = append(rois, roi)
		}
	}

	params, err := pipeline.ParamsFromConfig(cfg, rois, subjects)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.New()
	if err != nil {
		return nil, err
	}
	logger := cfg.CreateLogger(os.Stderr)
	store := storage.NewFileStore(cfg.Storage.Root, cfg.Storage.KeepPreviousVersions)
	runner := pipeline.NewRunner(params, store,
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
	)
	logger.Info().
		Str("command", c.fs.Name()).
		Str("root", store.Root()).
		Int("rois", len(rois)).
		Int("subjects", len(subjects)).
		Ints("clusters", params.ClusterCounts()).
		Msg("Starting batch")
	return &env{cfg: cfg, store: store, runner: runner, metrics: metrics, logger: logger}, nil
}

// finish exports the metrics and prints the outcome of the batch.
func (e *env) finish(name string, summary models.Summary, start time.Time) {
	if path := e.cfg.Telemetry.MetricsFile; path != "" {
		if err := e.metrics.WriteFile(path); err != nil {
			e.logger.Error().Err(err).Str("path", path).Msg("Failed to write metrics")
		}
	}
	fmt.Printf("\n%s finished in %.2f seconds (run %s)\n", name, time.Since(start).Seconds(), e.runner.RunID())
	fmt.Printf("- Succeeded: %d\n", summary.Succeeded)
	fmt.Printf("- Skipped:   %d\n", summary.Skipped)
	fmt.Printf("- Failed:    %d\n", summary.Failed)
}

// writeReport streams one report file through the store so it appears
// atomically.
func (e *env) writeReport(name string, write func(w io.Writer) error) error {
	f, err := e.store.CreateReport(name, e.runner.RunID())
	if err != nil {
		return fmt.Errorf("create report %s: %w", name, err)
	}
	if err := write(f); err != nil {
		f.Abort()
		return fmt.Errorf("write report %s: %w", name, err)
	}
	if err := f.Commit(); err != nil {
		return err
	}
	e.logger.Info().Str("path", e.store.ReportPath(name)).Msg("Wrote report")
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, args := os.Args[1], os.Args[2:]
	var err error
	switch name {
	case "consensus":
		err = runConsensus(ctx, args)
	case "relabel":
		err = runRelabel(ctx, args)
	case "match-hemispheres":
		err = runMatchHemispheres(ctx, args)
	case "split-half":
		err = runSplitHalf(ctx, args)
	case "hemispheres":
		err = runHemispheres(ctx, args)
	case "heuristics":
		err = runHeuristics(ctx, args)
	case "preview":
		err = runPreview(ctx, args)
	case "init-config":
		err = runInitConfig(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "roiconsensus %s: %v\n", name, err)
		os.Exit(1)
	}
}

func runConsensus(ctx context.Context, args []string) error {
	e, err := newCommand("consensus").setup(args)
	if err != nil {
		return err
	}
	start := time.Now()
	summary, err := e.runner.ConsensusSweep(ctx)
	e.finish("Consensus", summary, start)
	return err
}

func runRelabel(ctx context.Context, args []string) error {
	e, err := newCommand("relabel").setup(args)
	if err != nil {
		return err
	}
	start := time.Now()
	summary, err := e.runner.RelabelToGroup(ctx)
	e.finish("Relabeling", summary, start)
	return err
}

func runMatchHemispheres(ctx context.Context, args []string) error {
	c := newCommand("match-hemispheres")
	pairFlag := c.fs.String("pair", "", "Hemisphere ROIs as first,second; second is relabeled")
	e, err := c.setup(args)
	if err != nil {
		return err
	}
	pair, err := pipeline.ParsePair(*pairFlag)
	if err != nil {
		return err
	}

	start := time.Now()
	mappings, summary, err := e.runner.MatchHemispheres(ctx, pair)
	var werr error
	for i, k := range e.runner.Params().ClusterCounts() {
		mapping := mappings[i]
		if mapping == nil {
			continue
		}
		name := fmt.Sprintf("mapping_%s_%s_k%d.yaml", pair.First, pair.Second, k)
		if werr = e.writeReport(name, func(w io.Writer) error {
			return storage.WriteMapping(w, mapping)
		}); werr != nil {
			break
		}
	}
	e.finish("Hemisphere matching", summary, start)
	return errors.Join(err, werr)
}

func runSplitHalf(ctx context.Context, args []string) error {
	c := newCommand("split-half")
	iterations := c.fs.Int("iterations", 0, "Split-half draws (overrides validation.splitIterations)")
	seed := c.fs.Uint64("seed", 0, "Shuffle seed (overrides validation.splitSeed)")
	e, err := c.setup(args)
	if err != nil {
		return err
	}
	params := e.runner.Params()
	if *iterations > 0 {
		params.SplitIterations = *iterations
	}
	if *seed > 0 {
		params.SplitSeed = *seed
	}

	start := time.Now()
	var (
		records []models.ScoreRecord
		summary models.Summary
	)
	for _, roi := range params.ROIs {
		recs, s, rerr := e.runner.SplitHalf(ctx, roi)
		summary.Add(s)
		records = append(records, recs...)
		if rerr != nil {
			if !models.Skippable(rerr) {
				err = rerr
				break
			}
			e.logger.Warn().Err(rerr).Str("roi", roi).Msg("Skipping split-half validation")
			summary.Skipped++
		}
	}
	werr := e.writeReport("split_half.csv", func(w io.Writer) error {
		return storage.WriteScores(w, records)
	})
	e.finish("Split-half validation", summary, start)
	return errors.Join(err, werr)
}

func runHemispheres(ctx context.Context, args []string) error {
	c := newCommand("hemispheres")
	pairFlag := c.fs.String("pair", "", "Hemisphere ROIs as first,second")
	subjectLevel := c.fs.Bool("subject-level", false, "Also compare every subject's relabeled maps")
	e, err := c.setup(args)
	if err != nil {
		return err
	}
	pair, err := pipeline.ParsePair(*pairFlag)
	if err != nil {
		return err
	}

	start := time.Now()
	records, labels, summary, err := e.runner.HemisphereStability(ctx, pair, *subjectLevel)
	base := fmt.Sprintf("hemispheres_%s_%s", pair.First, pair.Second)
	werr := e.writeReport(base+".csv", func(w io.Writer) error {
		return storage.WriteScores(w, records)
	})
	if werr == nil {
		werr = e.writeReport(base+"_labels.csv", func(w io.Writer) error {
			return storage.WriteLabelScores(w, labels)
		})
	}
	e.finish("Hemisphere stability", summary, start)
	return errors.Join(err, werr)
}

func runHeuristics(ctx context.Context, args []string) error {
	c := newCommand("heuristics")
	components := c.fs.Int("components", 0, "Principal components to analyse (overrides heuristics.components)")
	e, err := c.setup(args)
	if err != nil {
		return err
	}
	params := e.runner.Params()
	if *components > 0 {
		params.Components = *components
	}

	start := time.Now()
	var summary models.Summary
	for _, roi := range params.ROIs {
		var results []*heuristics.Result
		var s models.Summary
		results, s, err = e.runner.Heuristics(ctx, roi)
		summary.Add(s)
		if err != nil {
			break
		}
		if err = e.writeHeuristics(roi, results); err != nil {
			break
		}
	}
	e.finish("Heuristics", summary, start)
	return err
}

func (e *env) writeHeuristics(roi string, results []*heuristics.Result) error {
	ratios, err := e.store.CreateReport(fmt.Sprintf("heuristics_%s_ratios.csv", roi), e.runner.RunID())
	if err != nil {
		return err
	}
	eigen, err := e.store.CreateReport(fmt.Sprintf("heuristics_%s_eigenvalues.csv", roi), e.runner.RunID())
	if err != nil {
		ratios.Abort()
		return err
	}
	if err := storage.WriteHeuristics(ratios, eigen, results); err != nil {
		ratios.Abort()
		eigen.Abort()
		return fmt.Errorf("write heuristics for %s: %w", roi, err)
	}
	if err := ratios.Commit(); err != nil {
		eigen.Abort()
		return err
	}
	return eigen.Commit()
}

func runPreview(ctx context.Context, args []string) error {
	c := newCommand("preview")
	roi := c.fs.String("roi", "", "ROI of the label map")
	kind := c.fs.String("kind", string(storage.KindGroup), "Artifact kind: mask, subject, relabeled or group")
	subject := c.fs.String("subject", "", "Subject of a subject or relabeled map")
	clusters := c.fs.Int("k", 2, "Cluster count of the label map")
	axes := c.fs.String("axes", "x,y,z", "Comma-separated slicing axes")
	outDir := c.fs.String("out", "previews", "Output directory")
	e, err := c.setup(args)
	if err != nil {
		return err
	}

	ref := storage.Ref{Kind: storage.Kind(*kind), ROI: *roi, Subject: *subject, Clusters: *clusters}
	if ref.Kind == storage.KindMask {
		ref.Clusters = 0
	}
	m, err := e.store.LabelMap(ctx, ref)
	if err != nil {
		return err
	}

	viewer := visualization.NewViewer(m)
	for _, axis := range strings.Split(*axes, ",") {
		axis = strings.TrimSpace(axis)
		dir := filepath.Join(*outDir, string(ref.Kind), ref.ROI, ref.Subject, fmt.Sprintf("k%d", ref.Clusters), axis)
		n, err := viewer.SaveSliceSequence(axis, dir)
		if err != nil {
			return fmt.Errorf("save %s-axis slices: %w", axis, err)
		}
		fmt.Printf("Saved %d %s-axis slices to: %s\n", n, axis, dir)
	}
	return nil
}

func runInitConfig(args []string) error {
	fs := flag.NewFlagSet("init-config", flag.ExitOnError)
	path := fs.String("config", "roiconsensus.yaml", "Configuration file to create")
	force := fs.Bool("force", false, "Overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return fmt.Errorf("%s already exists, use -force to overwrite", *path)
	}
	if err := config.CreateDefaultConfigFile(*path); err != nil {
		return err
	}
	fmt.Printf("Default configuration written to %s\n", *path)
	return nil
}
