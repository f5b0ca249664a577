package reconcile

import (
	"context"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
)

func (r *Reconciler) applyFlows(ctx context.Context, tx store.Tx, e domain.Entity, cands []candidate[domain.InstitutionalFlow], report *Report) error {
	for i := range cands {
		cands[i].row.Code = e.Code
		if cands[i].row.Source == "" {
			cands[i].row.Source = cands[i].source
		}
	}
	buckets, keys := group(r, report, e.Code, cands,
		func(f domain.InstitutionalFlow) rowKey { return rowKey{date: f.Date} },
		domain.InstitutionalFlow.Validate,
		domain.InstitutionalFlow.NonNullFields,
	)

	written := false
	for _, k := range keys {
		in := coalesceFlows(buckets[k])
		stored, have, err := tx.Flow(ctx, e.Code, k.date)
		if err != nil {
			return err
		}

		merged := in
		if have {
			merged = mergeFlow(stored, in)
		}
		outcome := settle(have, have && sameFlow(stored, merged), have && flowIsWorse(stored, in))
		if outcome == Inserted || outcome == Updated {
			if err := tx.PutFlow(ctx, merged); err != nil {
				return err
			}
			if _, err := tx.SetBarNets(ctx, e.Code, k.date, nets(merged)); err != nil {
				return err
			}
			written = true
		}
		report.count(outcome)
		report.complete(k.date)
		r.logRow(gather.KindFlow, e.Code, k.date, outcome, in.Source)
	}

	if !written {
		return nil
	}
	n, err := recomputeHoldings(ctx, tx, e)
	report.Holdings += n
	return err
}

func nets(f domain.InstitutionalFlow) [3]null.Int {
	return [3]null.Int{f.Foreign.Net(), f.Trust.Net(), f.Dealer.Net()}
}

func coalesceFlows(bucket []candidate[domain.InstitutionalFlow]) domain.InstitutionalFlow {
	out := bucket[0].row
	side := func(get func(domain.InstitutionalFlow) null.Int) null.Int {
		for _, c := range bucket {
			if v := get(c.row); v.Valid {
				return v
			}
		}
		return null.Int{}
	}
	out.Foreign.Buy = side(func(f domain.InstitutionalFlow) null.Int { return f.Foreign.Buy })
	out.Foreign.Sell = side(func(f domain.InstitutionalFlow) null.Int { return f.Foreign.Sell })
	out.Trust.Buy = side(func(f domain.InstitutionalFlow) null.Int { return f.Trust.Buy })
	out.Trust.Sell = side(func(f domain.InstitutionalFlow) null.Int { return f.Trust.Sell })
	out.Dealer.Buy = side(func(f domain.InstitutionalFlow) null.Int { return f.Dealer.Buy })
	out.Dealer.Sell = side(func(f domain.InstitutionalFlow) null.Int { return f.Dealer.Sell })
	return out
}

func mergeFlow(stored, in domain.InstitutionalFlow) domain.InstitutionalFlow {
	out := stored
	pick := func(s, i null.Int) null.Int {
		if i.Valid {
			return i
		}
		return s
	}
	out.Foreign = domain.Flow{Buy: pick(stored.Foreign.Buy, in.Foreign.Buy), Sell: pick(stored.Foreign.Sell, in.Foreign.Sell)}
	out.Trust = domain.Flow{Buy: pick(stored.Trust.Buy, in.Trust.Buy), Sell: pick(stored.Trust.Sell, in.Trust.Sell)}
	out.Dealer = domain.Flow{Buy: pick(stored.Dealer.Buy, in.Dealer.Buy), Sell: pick(stored.Dealer.Sell, in.Dealer.Sell)}
	if !sameFlow(stored, out) {
		out.Source = in.Source
	}
	return out
}

// flowIsWorse reports whether in lacks a buy or sell volume that stored has.
func flowIsWorse(stored, in domain.InstitutionalFlow) bool {
	lost := func(s, i domain.Flow) bool {
		return (s.Buy.Valid && !i.Buy.Valid) || (s.Sell.Valid && !i.Sell.Valid)
	}
	return lost(stored.Foreign, in.Foreign) || lost(stored.Trust, in.Trust) || lost(stored.Dealer, in.Dealer)
}

func sameFlow(a, b domain.InstitutionalFlow) bool {
	return a.Foreign == b.Foreign && a.Trust == b.Trust && a.Dealer == b.Dealer
}

// holdingRun tracks one investor class through the net series. The holding
// is the running total minus its running minimum, i.e. the position is
// assumed to have been zero at the historical low. It is an estimate.
type holdingRun struct {
	total int64
	min   int64
	seen  bool
}

func (h *holdingRun) add(net null.Int) null.Int {
	if net.Valid {
		h.seen = true
		h.total += net.Int64
		h.min = min(h.min, h.total)
	}
	if !h.seen {
		return null.Int{}
	}
	return null.IntFrom(h.total - h.min)
}

// recomputeHoldings rewrites the holding estimate of every flow row of the
// entity from scratch, in ascending date order. It returns the rows touched.
func recomputeHoldings(ctx context.Context, tx store.Tx, e domain.Entity) (int, error) {
	series, err := tx.FlowSeries(ctx, e.Code)
	if err != nil {
		return 0, err
	}
	var nets [3][]null.Int
	for _, f := range series {
		for i, c := range f.Classes() {
			nets[i] = append(nets[i], c.Net())
		}
	}
	var held [3][]null.Int
	for i := range nets {
		held[i] = holdingSeries(nets[i])
	}
	for j, f := range series {
		var h [3]domain.HoldingEstimate
		for i := range h {
			h[i] = domain.HoldingEstimate{Shares: held[i][j], Pct: holdingPct(held[i][j], e.IssuedShares)}
		}
		if err := tx.PutHoldings(ctx, e.Code, f.Date, h); err != nil {
			return 0, err
		}
	}
	return len(series), nil
}

// holdingSeries replays the estimator over an ascending net series for one
// investor class.
func holdingSeries(netSeries []null.Int) []null.Int {
	var run holdingRun
	out := make([]null.Int, len(netSeries))
	for i, n := range netSeries {
		out[i] = run.add(n)
	}
	return out
}

func holdingPct(shares, issued null.Int) decimal.NullDecimal {
	if !shares.Valid || !issued.Valid || issued.Int64 <= 0 {
		return decimal.NullDecimal{}
	}
	pct := decimal.NewFromInt(shares.Int64).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(issued.Int64))
	return decimal.NewNullDecimal(pct.Round(4))
}
