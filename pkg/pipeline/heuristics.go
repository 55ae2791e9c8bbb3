package pipeline

import (
	"context"

	"roiconsensus/internal/models"
	"roiconsensus/pkg/heuristics"
)

// Heuristics analyses the connectivity spectrum of every subject for roi.
// Results keep subject order; subjects that failed are left out.
func (r *Runner) Heuristics(ctx context.Context, roi string) ([]*heuristics.Result, models.Summary, error) {
	units := make([]unit, len(r.params.Subjects))
	for i, s := range r.params.Subjects {
		units[i] = unit{roi: roi, subject: s}
	}

	results := make([]*heuristics.Result, len(units))
	res, err := r.runUnits(ctx, models.StageHeuristics, "", units, func(ctx context.Context, u unit) (*unitResult, error) {
		conn, err := r.store.Connectivity(ctx, roi, u.subject)
		if err != nil {
			return nil, err
		}
		h, err := heuristics.Analyze(u.subject, conn, r.params.Components)
		if err != nil {
			return nil, err
		}
		r.logger.Debug().Str("roi", roi).Str("subject", u.subject).Int("kaiser", h.Kaiser).Int("broken_stick", h.BrokenStick).Msg("Analysed connectivity spectrum")
		results[u.index] = h
		return nil, nil
	})

	out := make([]*heuristics.Result, 0, len(results))
	for _, h := range results {
		if h != nil {
			out = append(out, h)
		}
	}
	return out, res.summary, err
}
