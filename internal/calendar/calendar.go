// Package calendar derives the set of expected trading days per market from
// the dates a reference entity has actually traded, falling back to a
// static weekday-minus-holidays rule where no observations exist.
package calendar

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"twdata/internal/domain"
)

//go:embed holidays.yaml
var embeddedHolidays []byte

// DefaultLookbackDays is how far back reference candidates are compared.
const DefaultLookbackDays = 730

// BarDater is the slice of the store the calendar reads.
type BarDater interface {
	BarDates(ctx context.Context, code string, start, end domain.Date) ([]domain.Date, error)
}

// Options configures a Calendar.
type Options struct {
	// References lists candidate reference codes per market, best first.
	References map[domain.Market][]string
	// HolidaysFile replaces the embedded holiday list when set.
	HolidaysFile string
	LookbackDays int
	Logger       *slog.Logger
	// Today overrides the clock; tests pin it.
	Today func() domain.Date
}

// DefaultReferences returns the built-in reference candidates.
func DefaultReferences() map[domain.Market][]string {
	return map[domain.Market][]string{
		domain.MarketPrimary:   {domain.IndexCode, "2330"},
		domain.MarketSecondary: {domain.IndexCode, "6488"},
	}
}

// marketDays is the empirical calendar of one market.
type marketDays struct {
	reference string
	dates     map[domain.Date]struct{}
	first     domain.Date
	last      domain.Date
}

// Calendar answers "which days should have data" per market.
type Calendar struct {
	reader   BarDater
	refs     map[domain.Market][]string
	lookback int
	holidays map[domain.Date]struct{}
	today    func() domain.Date
	log      *slog.Logger

	mu      sync.RWMutex
	markets map[domain.Market]*marketDays
}

// New creates a Calendar. It loads the holiday list but reads nothing from
// the store until Refresh.
func New(reader BarDater, opts Options) (*Calendar, error) {
	if opts.References == nil {
		opts.References = DefaultReferences()
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = DefaultLookbackDays
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Today == nil {
		opts.Today = domain.Today
	}

	data := embeddedHolidays
	if opts.HolidaysFile != "" {
		b, err := os.ReadFile(opts.HolidaysFile)
		if err != nil {
			return nil, fmt.Errorf("reading holidays file: %w", err)
		}
		data = b
	}
	holidays, err := parseHolidays(data)
	if err != nil {
		return nil, err
	}

	return &Calendar{
		reader:   reader,
		refs:     opts.References,
		lookback: opts.LookbackDays,
		holidays: holidays,
		today:    opts.Today,
		log:      opts.Logger.With("component", "calendar"),
		markets:  make(map[domain.Market]*marketDays),
	}, nil
}

func parseHolidays(data []byte) (map[domain.Date]struct{}, error) {
	var doc struct {
		Holidays []string `yaml:"holidays"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing holidays: %w", err)
	}
	out := make(map[domain.Date]struct{}, len(doc.Holidays))
	for _, s := range doc.Holidays {
		d, err := domain.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("parsing holidays: %w", err)
		}
		out[d] = struct{}{}
	}
	return out, nil
}

// Refresh re-reads the reference candidates of every market and keeps, per
// market, the one with the most trading days in the lookback window.
func (c *Calendar) Refresh(ctx context.Context) error {
	end := c.today()
	start := end.AddDays(-c.lookback)

	markets := make(map[domain.Market]*marketDays, len(c.refs))
	for m, candidates := range c.refs {
		var best *marketDays
		for _, code := range candidates {
			dates, err := c.reader.BarDates(ctx, code, start, end)
			if err != nil {
				return fmt.Errorf("calendar: reading %s: %w", code, err)
			}
			if len(dates) == 0 || (best != nil && len(dates) <= len(best.dates)) {
				continue
			}
			md := &marketDays{reference: code, dates: make(map[domain.Date]struct{}, len(dates))}
			for _, d := range dates {
				if d.IsWeekend() {
					continue
				}
				md.dates[d] = struct{}{}
				md.first = domain.MinDate(md.first, d)
				md.last = domain.MaxDate(md.last, d)
			}
			best = md
		}
		if best == nil {
			c.log.Warn("no reference data, using static calendar", "market", m)
			continue
		}
		c.log.Info("calendar refreshed", "market", m, "reference", best.reference,
			"days", len(best.dates), "first", best.first.String(), "last", best.last.String())
		markets[m] = best
	}

	c.mu.Lock()
	c.markets = markets
	c.mu.Unlock()
	return nil
}

// calendarMarket maps the index onto the primary market it trades with.
func calendarMarket(m domain.Market) domain.Market {
	if m == domain.MarketIndex {
		return domain.MarketPrimary
	}
	return m
}

// Reference returns the code chosen for market by the last Refresh.
func (c *Calendar) Reference(m domain.Market) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	md, ok := c.markets[calendarMarket(m)]
	if !ok {
		return "", false
	}
	return md.reference, true
}

// References returns every configured candidate code across markets.
func (c *Calendar) References() []string {
	seen := map[string]bool{}
	var out []string
	for _, codes := range c.refs {
		for _, code := range codes {
			if !seen[code] {
				seen[code] = true
				out = append(out, code)
			}
		}
	}
	sort.Strings(out)
	return out
}

// IsReference reports whether code is a reference candidate of any market.
func (c *Calendar) IsReference(code string) bool {
	for _, codes := range c.refs {
		for _, r := range codes {
			if r == code {
				return true
			}
		}
	}
	return false
}

// LatestTradingDay is the last day the market's reference traded, or the
// last static trading day up to today on a cold start.
func (c *Calendar) LatestTradingDay(m domain.Market) domain.Date {
	c.mu.RLock()
	md, ok := c.markets[calendarMarket(m)]
	c.mu.RUnlock()
	if ok {
		return md.last
	}
	for d := c.today(); ; d = d.AddDays(-1) {
		if c.IsStaticTradingDay(d) {
			return d
		}
	}
}

// IsTradingDay reports whether data is expected for market on d.
func (c *Calendar) IsTradingDay(m domain.Market, d domain.Date) bool {
	if d.IsWeekend() || d.After(c.today()) {
		return false
	}
	c.mu.RLock()
	md, ok := c.markets[calendarMarket(m)]
	c.mu.RUnlock()
	switch {
	case !ok || d.Before(md.first):
		return c.IsStaticTradingDay(d)
	case d.After(md.last):
		return false
	}
	_, traded := md.dates[d]
	return traded
}

// ExpectedDates returns the trading days of market in [start, end],
// ascending.
func (c *Calendar) ExpectedDates(m domain.Market, start, end domain.Date) []domain.Date {
	var out []domain.Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		if c.IsTradingDay(m, d) {
			out = append(out, d)
		}
	}
	return out
}

// IsStaticTradingDay applies the fallback rule: a weekday that is not a
// listed holiday.
func (c *Calendar) IsStaticTradingDay(d domain.Date) bool {
	if d.IsWeekend() {
		return false
	}
	_, holiday := c.holidays[d]
	return !holiday
}

// StaticDates returns the fallback trading days in [start, end] up to
// today. It is used to backfill the reference entities themselves.
func (c *Calendar) StaticDates(start, end domain.Date) []domain.Date {
	end = domain.MinDate(end, c.today())
	var out []domain.Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		if c.IsStaticTradingDay(d) {
			out = append(out, d)
		}
	}
	return out
}
