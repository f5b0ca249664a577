package reconcile

import (
	"context"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
)

func (r *Reconciler) applyLevels(ctx context.Context, tx store.Tx, e domain.Entity, cands []candidate[domain.DistributionLevel], report *Report) error {
	for i := range cands {
		cands[i].row.Code = e.Code
		if cands[i].row.Source == "" {
			cands[i].row.Source = cands[i].source
		}
	}
	buckets, keys := group(r, report, e.Code, cands,
		func(l domain.DistributionLevel) rowKey { return rowKey{date: l.Date, level: l.Level} },
		domain.DistributionLevel.Validate,
		domain.DistributionLevel.NonNullFields,
	)

	stored := map[domain.Date]map[int]domain.DistributionLevel{}
	for _, k := range keys {
		current, ok := stored[k.date]
		if !ok {
			levels, err := tx.Levels(ctx, e.Code, k.date)
			if err != nil {
				return err
			}
			current = make(map[int]domain.DistributionLevel, len(levels))
			for _, l := range levels {
				current[l.Level] = l
			}
			stored[k.date] = current
		}

		in := coalesceLevels(buckets[k])
		merged := in
		old, have := current[k.level]
		if have {
			merged = mergeLevel(old, in)
		}
		outcome := settle(have, have && sameLevel(old, merged), have && levelIsWorse(old, in))
		if outcome == Inserted || outcome == Updated {
			if err := tx.PutLevel(ctx, merged); err != nil {
				return err
			}
		}
		report.count(outcome)
		report.complete(k.date)
		r.logRow(gather.KindDistribution, e.Code, k.date, outcome, in.Source)
	}
	return nil
}

func coalesceLevels(bucket []candidate[domain.DistributionLevel]) domain.DistributionLevel {
	out := bucket[0].row
	for _, c := range bucket[1:] {
		if !out.Holders.Valid {
			out.Holders = c.row.Holders
		}
		if !out.Shares.Valid {
			out.Shares = c.row.Shares
		}
		if !out.Proportion.Valid {
			out.Proportion = c.row.Proportion
		}
	}
	return out
}

func mergeLevel(stored, in domain.DistributionLevel) domain.DistributionLevel {
	out := stored
	if in.Holders.Valid {
		out.Holders = in.Holders
	}
	if in.Shares.Valid {
		out.Shares = in.Shares
	}
	if in.Proportion.Valid {
		out.Proportion = in.Proportion
	}
	if !sameLevel(stored, out) {
		out.Source = in.Source
	}
	return out
}

func levelIsWorse(stored, in domain.DistributionLevel) bool {
	return (stored.Holders.Valid && !in.Holders.Valid) ||
		(stored.Shares.Valid && !in.Shares.Valid) ||
		(stored.Proportion.Valid && !in.Proportion.Valid)
}

func sameLevel(a, b domain.DistributionLevel) bool {
	return a.Holders == b.Holders && a.Shares == b.Shares && samePrice(a.Proportion, b.Proportion)
}
