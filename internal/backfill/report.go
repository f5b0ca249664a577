package backfill

import (
	"context"
	"fmt"

	"twdata/internal/domain"
	"twdata/internal/gap"
)

// GapReport is the read-only view of outstanding gaps.
type GapReport struct {
	AsOf     string           `json:"as_of"`
	Entities int              `json:"entities"`
	Counts   map[gap.Type]int `json:"counts"`
	Calendar []MarketCalendar `json:"calendar"`
	Items    []gap.Item       `json:"items"`
	Errors   []string         `json:"errors,omitempty"`
}

// MarketCalendar is the calendar state a report was computed against.
type MarketCalendar struct {
	Market           domain.Market `json:"market"`
	Reference        string        `json:"reference,omitempty"` // empty on the static fallback
	LatestTradingDay string        `json:"latest_trading_day"`
}

// Gaps refreshes the calendar and lists the gaps a backfill with the same
// request would work on. It never writes.
func (o *Orchestrator) Gaps(ctx context.Context, req Request) (*GapReport, error) {
	asOf := o.opts.Today()
	req.DryRun = true
	var s Summary
	entities, err := o.selectEntities(ctx, req, asOf, &s)
	if err != nil {
		return nil, err
	}
	if err := o.cal.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refreshing calendar: %w", err)
	}

	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = o.opts.Kinds
	}
	items, err := o.detector.Detect(ctx, entities, gap.Query{Kinds: kinds, LookbackDays: req.LookbackDays})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []gap.Item{}
	}
	var markets []MarketCalendar
	for _, m := range []domain.Market{domain.MarketPrimary, domain.MarketSecondary} {
		ref, _ := o.cal.Reference(m)
		markets = append(markets, MarketCalendar{
			Market:           m,
			Reference:        ref,
			LatestTradingDay: o.cal.LatestTradingDay(m).String(),
		})
	}
	return &GapReport{
		AsOf:     asOf.String(),
		Entities: len(entities),
		Counts:   gap.Counts(items),
		Calendar: markets,
		Items:    items,
		Errors:   s.Errors,
	}, nil
}
