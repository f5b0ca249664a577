// Package reconcile merges adapter results into the canonical store. It is
// the only package that writes market data.
//
// Merge rules, applied field by field:
//   - a non-null value replaces a null one;
//   - for volume and amount, a non-zero value replaces zero;
//   - a stored close is never replaced by a null or zero close;
//   - any other incoming non-null value wins (last writer wins).
//
// A row that leaves the stored row untouched only because it carries a null
// or zero where the store has a value is counted as rejected-as-worse.
//
// When several results cover the same date they are ordered by source rank,
// then by the number of populated fields, and coalesced before the merge.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
)

// Outcome is the fate of one row.
type Outcome int

const (
	Inserted Outcome = iota
	Updated
	Unchanged
	Rejected
	RejectedWorse
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Rejected:
		return "rejected"
	case RejectedWorse:
		return "rejected_worse"
	}
	return "unknown"
}

// Report aggregates row outcomes of one batch.
type Report struct {
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Rejected  int `json:"rejected"`
	// RejectedWorse counts rows that lost to the stored row on every field
	// they disagreed on.
	RejectedWorse int `json:"rejected_worse"`
	// Holdings counts flow rows whose holding estimate was rewritten.
	Holdings int `json:"holdings,omitempty"`

	// Complete lists, ascending, the dates whose stored row is usable after
	// the batch: bars with a close, any flow row, any distribution level.
	Complete []domain.Date `json:"-"`
}

func (r *Report) count(o Outcome) {
	switch o {
	case Inserted:
		r.Inserted++
	case Updated:
		r.Updated++
	case Unchanged:
		r.Unchanged++
	case Rejected:
		r.Rejected++
	case RejectedWorse:
		r.RejectedWorse++
	}
}

func (r *Report) complete(d domain.Date) {
	i, found := slices.BinarySearch(r.Complete, d)
	if !found {
		r.Complete = slices.Insert(r.Complete, i, d)
	}
}

// Written is the number of rows that changed the store.
func (r *Report) Written() int { return r.Inserted + r.Updated }

// Add folds o into r.
func (r *Report) Add(o *Report) {
	if o == nil {
		return
	}
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
	r.Rejected += o.Rejected
	r.RejectedWorse += o.RejectedWorse
	r.Holdings += o.Holdings
	for _, d := range o.Complete {
		r.complete(d)
	}
}

// Options configures a Reconciler.
type Options struct {
	Logger *slog.Logger
}

// Reconciler applies results through the store's single writer.
type Reconciler struct {
	w   store.Writer
	log *slog.Logger
}

// New creates a Reconciler writing through w.
func New(w store.Writer, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reconciler{w: w, log: opts.Logger.With("component", "reconcile")}
}

// Apply merges every successful result for entity in one transaction.
// Results for other codes and non-successful results are ignored. With
// dryRun the transaction is rolled back but the report is still computed.
func (r *Reconciler) Apply(ctx context.Context, entity domain.Entity, results []gather.Result, dryRun bool) (*Report, error) {
	var (
		bars   []candidate[domain.DailyBar]
		flows  []candidate[domain.InstitutionalFlow]
		levels []candidate[domain.DistributionLevel]
	)
	for _, res := range results {
		if res.Status != gather.StatusSuccess || (res.Code != "" && res.Code != entity.Code) {
			continue
		}
		for _, b := range res.Bars {
			bars = append(bars, candidate[domain.DailyBar]{row: b, rank: res.Rank, source: res.Source})
		}
		for _, f := range res.Flows {
			flows = append(flows, candidate[domain.InstitutionalFlow]{row: f, rank: res.Rank, source: res.Source})
		}
		for _, l := range res.Levels {
			levels = append(levels, candidate[domain.DistributionLevel]{row: l, rank: res.Rank, source: res.Source})
		}
	}

	report := &Report{}
	err := r.w.Write(ctx, dryRun, func(tx store.Tx) error {
		if err := r.applyBars(ctx, tx, entity, bars, report); err != nil {
			return err
		}
		if err := r.applyFlows(ctx, tx, entity, flows, report); err != nil {
			return err
		}
		return r.applyLevels(ctx, tx, entity, levels, report)
	})
	if err != nil {
		return report, fmt.Errorf("reconcile %s: %w", entity.Code, err)
	}
	return report, nil
}

// candidate is one incoming row with the identity of the source that
// produced it.
type candidate[T any] struct {
	row    T
	rank   int
	source string
}

// rowKey is the natural key of a candidate inside one entity.
type rowKey struct {
	date  domain.Date
	level int
}

// group buckets valid candidates by key, each bucket ordered best first.
// Invalid rows are counted as rejected and dropped.
func group[T any](
	r *Reconciler, report *Report, code string, cands []candidate[T],
	key func(T) rowKey, validate func(T) error, fields func(T) int,
) (map[rowKey][]candidate[T], []rowKey) {
	out := make(map[rowKey][]candidate[T])
	for _, c := range cands {
		if err := validate(c.row); err != nil {
			report.count(Rejected)
			r.log.Debug("row rejected", "code", code, "source", c.source, "error", err)
			continue
		}
		k := key(c.row)
		out[k] = append(out[k], c)
	}
	keys := make([]rowKey, 0, len(out))
	for k, bucket := range out {
		sort.SliceStable(bucket, func(i, j int) bool {
			if bucket[i].rank != bucket[j].rank {
				return bucket[i].rank < bucket[j].rank
			}
			return fields(bucket[i].row) > fields(bucket[j].row)
		})
		keys = append(keys, k)
	}
	// Ascending date order keeps cumulative recomputation deterministic.
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].date != keys[j].date {
			return keys[i].date < keys[j].date
		}
		return keys[i].level < keys[j].level
	})
	return out, keys
}

// settle picks the outcome of a keyed row. worse reports whether the
// incoming row lacked a value the stored row has.
func settle(have, unchanged, worse bool) Outcome {
	switch {
	case !have:
		return Inserted
	case !unchanged:
		return Updated
	case worse:
		return RejectedWorse
	}
	return Unchanged
}

func (r *Reconciler) logRow(kind gather.Kind, code string, d domain.Date, o Outcome, source string) {
	if o == RejectedWorse {
		r.log.Info("row rejected as worse than stored", "kind", kind, "code", code, "date", d.String(), "source", source)
		return
	}
	r.log.Debug("row reconciled", "kind", kind, "code", code, "date", d.String(), "outcome", o.String(), "source", source)
}
