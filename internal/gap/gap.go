// Package gap computes, read-only, which (entity, kind, date) tuples are
// missing or incomplete in the canonical store.
package gap

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

// Type classifies a gap.
type Type int

const (
	// Missing: no row, or no row with a close, on an expected date.
	Missing Type = iota
	// PartialAmount: the bar traded but carries no turnover.
	PartialAmount
	// PartialClose: a bar row exists without a close.
	PartialClose
)

func (t Type) String() string {
	switch t {
	case Missing:
		return "missing"
	case PartialAmount:
		return "partial_amount"
	case PartialClose:
		return "partial_close"
	}
	return "unknown"
}

// MarshalText renders the type by name in JSON reports.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// Item is one unit of backfill work.
type Item struct {
	Code   string        `json:"code"`
	Market domain.Market `json:"market"`
	Kind   gather.Kind   `json:"kind"`
	Date   domain.Date   `json:"date"`
	Gap    Type          `json:"gap"`
}

// Calendar is the calendar view the detector needs.
type Calendar interface {
	ExpectedDates(m domain.Market, start, end domain.Date) []domain.Date
	StaticDates(start, end domain.Date) []domain.Date
	IsReference(code string) bool
}

// Defaults.
const (
	DefaultLookbackDays      = 630
	DefaultNewListingRatio   = 0.90
	DefaultDistributionWeeks = 52
)

// Options configures a Detector.
type Options struct {
	LookbackDays      int
	NewListingRatio   float64
	DistributionWeeks int
	Today             func() domain.Date
	Logger            *slog.Logger
}

// Detector finds gaps. It only reads from the store.
type Detector struct {
	reader store.Reader
	cal    Calendar
	opts   Options
	log    *slog.Logger
}

// New creates a Detector, filling zero options with defaults.
func New(reader store.Reader, cal Calendar, opts Options) *Detector {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	if opts.NewListingRatio <= 0 {
		opts.NewListingRatio = DefaultNewListingRatio
	}
	if opts.DistributionWeeks <= 0 {
		opts.DistributionWeeks = DefaultDistributionWeeks
	}
	if opts.Today == nil {
		opts.Today = domain.Today
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Detector{
		reader: reader,
		cal:    cal,
		opts:   opts,
		log:    opts.Logger.With("component", "gap"),
	}
}

// Query narrows a detection pass.
type Query struct {
	Kinds        []gather.Kind
	LookbackDays int // zero uses the detector default
}

// Detect scans every entity for every requested kind and returns the
// worklist ordered by code, kind and date.
func (d *Detector) Detect(ctx context.Context, entities []domain.Entity, q Query) ([]Item, error) {
	kinds := q.Kinds
	if len(kinds) == 0 {
		kinds = gather.AllKinds
	}
	var items []Item
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, k := range kinds {
			found, err := d.DetectEntity(ctx, e, k, q.LookbackDays)
			if err != nil {
				return nil, err
			}
			items = append(items, found...)
		}
	}
	Sort(items)
	return items, nil
}

// DetectEntity returns the gaps of one entity for one kind, ascending by
// date.
func (d *Detector) DetectEntity(ctx context.Context, e domain.Entity, kind gather.Kind, lookbackDays int) ([]Item, error) {
	if lookbackDays <= 0 {
		lookbackDays = d.opts.LookbackDays
	}
	var (
		items []Item
		err   error
	)
	switch kind {
	case gather.KindPrice:
		items, err = d.priceGaps(ctx, e, lookbackDays)
	case gather.KindFlow:
		items, err = d.flowGaps(ctx, e, lookbackDays)
	case gather.KindDistribution:
		items, err = d.distributionGaps(ctx, e)
	default:
		return nil, fmt.Errorf("gap: unknown kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("gap: %s %s: %w", e.Code, kind, err)
	}
	return items, nil
}

// window returns the scanned date range and whether the entity listed
// inside it.
func (d *Detector) window(e domain.Entity, lookbackDays int) (start, end domain.Date, newListing bool) {
	end = d.opts.Today()
	if !e.DelistingDate.IsZero() {
		end = domain.MinDate(end, e.DelistingDate.AddDays(-1))
	}
	start = end.AddDays(-lookbackDays)
	if !e.ListingDate.IsZero() && e.ListingDate.After(start) {
		return e.ListingDate, end, true
	}
	return start, end, false
}

func (d *Detector) expected(e domain.Entity, start, end domain.Date) []domain.Date {
	if d.cal.IsReference(e.Code) {
		return d.cal.StaticDates(start, end)
	}
	return d.cal.ExpectedDates(e.Market, start, end)
}

func (d *Detector) priceGaps(ctx context.Context, e domain.Entity, lookbackDays int) ([]Item, error) {
	start, end, newListing := d.window(e, lookbackDays)
	if start.After(end) {
		return nil, nil
	}
	expected := d.expected(e, start, end)
	bars, err := d.reader.Bars(ctx, e.Code, start, end)
	if err != nil {
		return nil, err
	}

	stored := make(map[domain.Date]domain.DailyBar, len(bars))
	present := 0
	for _, b := range bars {
		stored[b.Date] = b
	}

	item := func(date domain.Date, t Type) Item {
		return Item{Code: e.Code, Market: e.Market, Kind: gather.KindPrice, Date: date, Gap: t}
	}
	var missing, partial []Item
	for _, date := range expected {
		b, ok := stored[date]
		switch {
		case !ok:
			missing = append(missing, item(date, Missing))
		case !b.Close.Valid:
			missing = append(missing, item(date, PartialClose))
		default:
			present++
			if b.NeedsAmount() {
				partial = append(partial, item(date, PartialAmount))
			}
		}
	}

	if newListing && len(missing) > 0 && len(expected) > 0 &&
		float64(present)/float64(len(expected)) >= d.opts.NewListingRatio {
		d.log.Debug("recent listing within tolerance", "code", e.Code,
			"present", present, "expected", len(expected), "listed", e.ListingDate.String())
		missing = nil
	}

	items := append(missing, partial...)
	sort.Slice(items, func(i, j int) bool { return items[i].Date < items[j].Date })
	return items, nil
}

func (d *Detector) flowGaps(ctx context.Context, e domain.Entity, lookbackDays int) ([]Item, error) {
	if e.Market == domain.MarketIndex {
		return nil, nil
	}
	start, end, _ := d.window(e, lookbackDays)
	if start.After(end) {
		return nil, nil
	}
	bars, err := d.reader.Bars(ctx, e.Code, start, end)
	if err != nil {
		return nil, err
	}
	have, err := d.reader.FlowDates(ctx, e.Code, start, end)
	if err != nil {
		return nil, err
	}

	var items []Item
	for _, b := range bars {
		if !b.Close.Valid || (b.Volume.Valid && b.Volume.Int64 == 0) {
			continue
		}
		if _, found := slices.BinarySearch(have, b.Date); found {
			continue
		}
		items = append(items, Item{Code: e.Code, Market: e.Market, Kind: gather.KindFlow, Date: b.Date, Gap: Missing})
	}
	return items, nil
}

// distributionGaps flags every completed ISO week with trading days but no
// distribution report, dated at the week's last trading day.
func (d *Detector) distributionGaps(ctx context.Context, e domain.Entity) ([]Item, error) {
	if e.Market == domain.MarketIndex {
		return nil, nil
	}
	today := d.opts.Today()
	start := today.AddDays(-7 * d.opts.DistributionWeeks)
	if !e.ListingDate.IsZero() && e.ListingDate.After(start) {
		start = e.ListingDate
	}
	end := today.AddDays(-1)
	if !e.DelistingDate.IsZero() {
		end = domain.MinDate(end, e.DelistingDate.AddDays(-1))
	}
	if start.After(end) {
		return nil, nil
	}

	have, err := d.reader.DistributionDates(ctx, e.Code, start, end)
	if err != nil {
		return nil, err
	}
	reported := map[[2]int]bool{}
	for _, date := range have {
		y, w := date.ISOWeek()
		reported[[2]int{y, w}] = true
	}

	lastOfWeek := map[[2]int]domain.Date{}
	var order [][2]int
	for _, date := range d.expected(e, start, end) {
		y, w := date.ISOWeek()
		k := [2]int{y, w}
		if _, seen := lastOfWeek[k]; !seen {
			order = append(order, k)
		}
		lastOfWeek[k] = date
	}

	// The current week is incomplete until its Friday has passed.
	ty, tw := today.ISOWeek()
	current := [2]int{ty, tw}

	var items []Item
	for _, k := range order {
		if reported[k] || k == current {
			continue
		}
		items = append(items, Item{Code: e.Code, Market: e.Market, Kind: gather.KindDistribution, Date: lastOfWeek[k], Gap: Missing})
	}
	return items, nil
}

// Sort orders items by code, kind and date.
func Sort(items []Item) {
	rank := map[gather.Kind]int{}
	for i, k := range gather.AllKinds {
		rank[k] = i
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		if a.Kind != b.Kind {
			return rank[a.Kind] < rank[b.Kind]
		}
		return a.Date < b.Date
	})
}

// Counts tallies items per gap type.
func Counts(items []Item) map[Type]int {
	out := map[Type]int{}
	for _, it := range items {
		out[it.Gap]++
	}
	return out
}

// Dates returns the dates of items of the given types.
func Dates(items []Item, types ...Type) []domain.Date {
	var out []domain.Date
	for _, it := range items {
		if slices.Contains(types, it.Gap) {
			out = append(out, it.Date)
		}
	}
	return out
}
