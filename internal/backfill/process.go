package backfill

import (
	"context"
	"log/slog"
	"slices"

	"twdata/internal/domain"
	"twdata/internal/gap"
	"twdata/internal/gather"
)

// process drives one entity/kind pair through the state machine:
// Pending -> NoGapFound | GapFound -> SourceExhausted | Reconciled.
// Any step failing to read or write the store ends in Failed.
func (o *Orchestrator) process(ctx context.Context, e domain.Entity, kind gather.Kind, req Request, m *runMetrics) EntityReport {
	r := EntityReport{Code: e.Code, Kind: kind, State: StatePending}
	log := o.log.With("code", e.Code, "kind", string(kind))

	fail := func(err error) EntityReport {
		r.State = StateFailed
		r.Error = err.Error()
		r.err = err
		log.Error("backfill item failed", "error", err)
		return r
	}

	items, err := o.detector.DetectEntity(ctx, e, kind, req.LookbackDays)
	if err != nil {
		return fail(err)
	}
	r.Gaps = len(items)
	if len(items) == 0 {
		r.State = StateNoGapFound
		return r
	}
	r.State = StateGapFound
	log.Debug("gaps found", "gaps", len(items), "first", items[0].Date.String(), "last", items[len(items)-1].Date.String())

	if kind == gather.KindPrice {
		items, err = o.repairAmounts(ctx, e, items, req.DryRun, &r)
		if err != nil {
			return fail(err)
		}
		if len(items) == 0 {
			r.State = StateReconciled
			return r
		}
	}

	dates := make([]domain.Date, len(items))
	for i, it := range items {
		dates[i] = it.Date
	}

	chain := o.registry.Chain(kind, e.Market)
	var (
		results   []gather.Result
		exhausted []gather.DateRange
	)
	for _, span := range clusterSpans(dates, o.opts.MaxSpanDays) {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		out := chain.Fetch(ctx, gather.Request{Entity: e, Range: span})
		for _, a := range out.Attempts {
			m.attempt(a)
		}
		if out.Exhausted {
			exhausted = append(exhausted, span)
			continue
		}
		res := out.Result
		if !slices.Contains(r.Sources, res.Source) {
			r.Sources = append(r.Sources, res.Source)
		}
		o.archiveResult(e, res, req.DryRun, log)
		results = append(results, res)
	}

	if len(results) > 0 {
		rows, err := o.rec.Apply(ctx, e, results, req.DryRun)
		if err != nil {
			return fail(err)
		}
		r.rows.Add(rows)
	}

	for _, it := range items {
		switch {
		case fixedBy(it, kind, r.rows.Complete):
			r.Fixed++
		default:
			r.StillMissing++
			if inAny(it.Date, exhausted) {
				r.Exhausted++
			}
		}
	}

	if len(results) == 0 {
		r.State = StateSourceExhausted
		log.Warn("all sources exhausted", "gaps", len(items), "chain", chain.Names())
	} else {
		r.State = StateReconciled
	}
	log.Info("backfill item done", "state", string(r.State), "gaps", r.Gaps, "fixed", r.Fixed,
		"still_missing", r.StillMissing, "sources", r.Sources)
	return r
}

// repairAmounts estimates turnover for PartialAmount gaps and returns the
// items still needing a fetch.
func (o *Orchestrator) repairAmounts(ctx context.Context, e domain.Entity, items []gap.Item, dryRun bool, r *EntityReport) ([]gap.Item, error) {
	partial := gap.Dates(items, gap.PartialAmount)
	if len(partial) == 0 {
		return items, nil
	}
	repaired, err := o.rec.RepairAmounts(ctx, e.Code, partial, dryRun)
	if err != nil {
		return nil, err
	}
	r.Fixed += len(repaired)
	return slices.DeleteFunc(items, func(it gap.Item) bool {
		_, found := slices.BinarySearch(repaired, it.Date)
		return it.Gap == gap.PartialAmount && found
	}), nil
}

// archiveResult keeps raw network price rows. Archive failures are logged
// and never fail the item.
func (o *Orchestrator) archiveResult(e domain.Entity, res gather.Result, dryRun bool, log *slog.Logger) {
	if o.archive == nil || dryRun || res.Kind != gather.KindPrice || res.Source == "archive" || len(res.Bars) == 0 {
		return
	}
	if err := o.archive.WriteBars(e.Market, res.Bars); err != nil {
		log.Warn("archive write failed", "source", res.Source, "error", err)
	}
}

// fixedBy reports whether a gap is covered by the reconciled dates. A weekly
// distribution gap is covered by any report in the same ISO week.
func fixedBy(it gap.Item, kind gather.Kind, complete []domain.Date) bool {
	if kind != gather.KindDistribution {
		_, found := slices.BinarySearch(complete, it.Date)
		return found
	}
	y, w := it.Date.ISOWeek()
	for _, d := range complete {
		if dy, dw := d.ISOWeek(); dy == y && dw == w {
			return true
		}
	}
	return false
}

func inAny(d domain.Date, spans []gather.DateRange) bool {
	for _, s := range spans {
		if s.Contains(d) {
			return true
		}
	}
	return false
}
