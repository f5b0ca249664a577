package reconcile

import (
	"context"
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
)

func (r *Reconciler) applyBars(ctx context.Context, tx store.Tx, e domain.Entity, cands []candidate[domain.DailyBar], report *Report) error {
	for i := range cands {
		cands[i].row.Code = e.Code
		cands[i].row.Normalize()
		if cands[i].row.Source == "" {
			cands[i].row.Source = cands[i].source
		}
	}
	buckets, keys := group(r, report, e.Code, cands,
		func(b domain.DailyBar) rowKey { return rowKey{date: b.Date} },
		domain.DailyBar.Validate,
		domain.DailyBar.NonNullFields,
	)

	for _, k := range keys {
		in := coalesceBars(buckets[k])
		stored, have, err := tx.Bar(ctx, e.Code, k.date)
		if err != nil {
			return err
		}

		merged := in
		if have {
			merged = mergeBar(stored, in)
		}
		if err := attachNets(ctx, tx, &merged); err != nil {
			return err
		}

		outcome := settle(have, have && sameBar(stored, merged), have && barIsWorse(stored, in))
		if outcome == Inserted || outcome == Updated {
			if err := tx.PutBar(ctx, merged); err != nil {
				return err
			}
		}
		report.count(outcome)
		if merged.Close.Valid {
			report.complete(k.date)
		}
		r.logRow(gather.KindPrice, e.Code, k.date, outcome, in.Source)
	}
	return nil
}

// attachNets copies the same-day institutional nets onto b.
func attachNets(ctx context.Context, tx store.Tx, b *domain.DailyBar) error {
	f, ok, err := tx.Flow(ctx, b.Code, b.Date)
	if err != nil || !ok {
		return err
	}
	b.ForeignNet, b.TrustNet, b.DealerNet = f.Foreign.Net(), f.Trust.Net(), f.Dealer.Net()
	return nil
}

// coalesceBars folds a best-first bucket into one row, taking each field
// from the first candidate that has an acceptable value.
func coalesceBars(bucket []candidate[domain.DailyBar]) domain.DailyBar {
	out := bucket[0].row
	price := func(get func(domain.DailyBar) decimal.NullDecimal) decimal.NullDecimal {
		for _, c := range bucket {
			if v := get(c.row); v.Valid {
				return v
			}
		}
		return decimal.NullDecimal{}
	}
	out.Open = price(func(b domain.DailyBar) decimal.NullDecimal { return b.Open })
	out.High = price(func(b domain.DailyBar) decimal.NullDecimal { return b.High })
	out.Low = price(func(b domain.DailyBar) decimal.NullDecimal { return b.Low })
	out.Close = price(func(b domain.DailyBar) decimal.NullDecimal { return b.Close })

	vi := bestCount(bucket, func(b domain.DailyBar) null.Int { return b.Volume })
	if vi >= 0 {
		out.Volume = bucket[vi].row.Volume
	}
	if ai := bestCount(bucket, func(b domain.DailyBar) null.Int { return b.Amount }); ai >= 0 {
		out.Amount = bucket[ai].row.Amount
		out.AmountEstimated = bucket[ai].row.AmountEstimated
	}
	return out
}

// bestCount picks the first non-zero value, else the first non-null one.
// It returns -1 when every candidate is null.
func bestCount(bucket []candidate[domain.DailyBar], get func(domain.DailyBar) null.Int) int {
	fallback := -1
	for i, c := range bucket {
		v := get(c.row)
		if !v.Valid {
			continue
		}
		if v.Int64 != 0 {
			return i
		}
		if fallback < 0 {
			fallback = i
		}
	}
	return fallback
}

// mergeBar applies the field rules of in onto stored.
func mergeBar(stored, in domain.DailyBar) domain.DailyBar {
	out := stored
	if in.Open.Valid {
		out.Open = in.Open
	}
	if in.High.Valid {
		out.High = in.High
	}
	if in.Low.Valid {
		out.Low = in.Low
	}
	if in.Close.Valid && !in.Close.Decimal.IsZero() {
		out.Close = in.Close
	}
	out.Volume = mergeCount(stored.Volume, in.Volume)
	if amount := mergeCount(stored.Amount, in.Amount); amount != stored.Amount {
		out.Amount = amount
		out.AmountEstimated = in.AmountEstimated
	}
	if !sameBar(stored, out) {
		out.Source = in.Source
	}
	return out
}

// barIsWorse reports whether in lacks a close, volume or amount that stored
// has.
func barIsWorse(stored, in domain.DailyBar) bool {
	usable := func(d decimal.NullDecimal) bool { return d.Valid && !d.Decimal.IsZero() }
	return (usable(stored.Close) && !usable(in.Close)) ||
		countIsWorse(stored.Volume, in.Volume) || countIsWorse(stored.Amount, in.Amount)
}

func countIsWorse(stored, in null.Int) bool {
	return stored.Valid && stored.Int64 != 0 && (!in.Valid || in.Int64 == 0)
}

func mergeCount(stored, in null.Int) null.Int {
	switch {
	case !in.Valid:
		return stored
	case in.Int64 != 0, !stored.Valid:
		return in
	}
	return stored
}

func sameBar(a, b domain.DailyBar) bool {
	return samePrice(a.Open, b.Open) && samePrice(a.High, b.High) &&
		samePrice(a.Low, b.Low) && samePrice(a.Close, b.Close) &&
		a.Volume == b.Volume && a.Amount == b.Amount &&
		a.AmountEstimated == b.AmountEstimated &&
		a.ForeignNet == b.ForeignNet && a.TrustNet == b.TrustNet && a.DealerNet == b.DealerNet
}

func samePrice(a, b decimal.NullDecimal) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.Decimal.Equal(b.Decimal)
}

// RepairAmounts fills a missing turnover with round(close*volume) on the
// given dates, marking it estimated. Rows without a close or with no volume
// are left alone. It returns the dates it repaired.
func (r *Reconciler) RepairAmounts(ctx context.Context, code string, dates []domain.Date, dryRun bool) ([]domain.Date, error) {
	var repaired []domain.Date
	err := r.w.Write(ctx, dryRun, func(tx store.Tx) error {
		repaired = repaired[:0]
		for _, d := range dates {
			b, ok, err := tx.Bar(ctx, code, d)
			if err != nil {
				return err
			}
			if !ok || !b.Close.Valid || !b.NeedsAmount() {
				continue
			}
			b.Amount = null.IntFrom(b.Close.Decimal.Mul(decimal.NewFromInt(b.Volume.Int64)).Round(0).IntPart())
			b.AmountEstimated = true
			if err := tx.PutBar(ctx, b); err != nil {
				return err
			}
			repaired = append(repaired, d)
			r.log.Debug("amount estimated", "code", code, "date", d.String(), "amount", b.Amount.Int64)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("repair amounts %s: %w", code, err)
	}
	return repaired, nil
}
