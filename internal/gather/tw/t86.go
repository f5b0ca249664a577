package tw

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// t86CacheSize bounds how many trading days of the all-codes table are kept.
const t86CacheSize = 32

// T86 serves primary-market institutional flows from the exchange's daily
// T86 report. One request returns every code for a date, so day tables are
// cached and shared by concurrent workers.
type T86 struct {
	base
	path string

	group singleflight.Group
	mu    sync.Mutex
	days  map[domain.Date]map[string]domain.InstitutionalFlow
	order []domain.Date
}

var _ gather.Adapter = (*T86)(nil)

// NewT86 creates the exchange institutional flow adapter.
func NewT86(s Settings) *T86 {
	s = s.withDefaults("https://www.twse.com.tw", 2)
	return &T86{
		base: newBase("twse-t86", gather.KindFlow, []domain.Market{domain.MarketPrimary}, s),
		path: "/rwd/zh/fund/T86",
		days: make(map[domain.Date]map[string]domain.InstitutionalFlow),
	}
}

func (a *T86) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	for d := req.Range.Start; !d.After(req.Range.End); d = d.AddDays(1) {
		if d.IsWeekend() {
			continue
		}
		day, err := a.day(ctx, d)
		if err != nil {
			return res.Finish(err)
		}
		if f, ok := day[req.Entity.Code]; ok {
			f.Code = req.Entity.Code
			res.Flows = append(res.Flows, f)
		}
	}
	return res.Finish(nil)
}

func (a *T86) day(ctx context.Context, d domain.Date) (map[string]domain.InstitutionalFlow, error) {
	a.mu.Lock()
	if day, ok := a.days[d]; ok {
		a.mu.Unlock()
		return day, nil
	}
	a.mu.Unlock()

	// The fetch is shared by every waiter, so it must not die with the
	// caller that happened to start it.
	ch := a.group.DoChan(d.Compact(), func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.fetchBudget())
		defer cancel()
		day, err := a.fetchDay(fctx, d)
		if err != nil {
			return nil, err
		}
		a.remember(d, day)
		return day, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(map[string]domain.InstitutionalFlow), nil
	}
}

// fetchBudget bounds one shared day fetch: every attempt plus the doubling
// backoff between them.
func (a *T86) fetchBudget() time.Duration {
	n := a.set.Retries
	return time.Duration(n)*a.set.Timeout + a.set.Backoff<<n
}

func (a *T86) remember(d domain.Date, day map[string]domain.InstitutionalFlow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.days[d]; ok {
		return
	}
	a.days[d] = day
	a.order = append(a.order, d)
	if len(a.order) > t86CacheSize {
		delete(a.days, a.order[0])
		a.order = a.order[1:]
	}
}

// t86Columns locates buy/sell pairs by header. Current reports split the
// foreign class into non-dealer and dealer-self rows and the dealer class
// into proprietary and hedging; older reports carry single columns.
type t86Columns struct {
	code                            int
	foreign, foreignSelf, trust     [2]int
	dealerSelf, dealerHedge, dealer [2]int
}

func newT86Columns(fields []string) (t86Columns, bool) {
	cols := newColumns(fields)
	exact := func(name string) int {
		if i, ok := cols[normalizeHeader(name)]; ok {
			return i
		}
		return -1
	}
	pair := func(buy, sell string) [2]int {
		return [2]int{exact(buy), exact(sell)}
	}
	prefixed := func(buy, sell string) [2]int {
		b, bok := cols.find(buy)
		s, sok := cols.find(sell)
		if !bok || !sok {
			return [2]int{-1, -1}
		}
		return [2]int{b, s}
	}

	c := t86Columns{code: exact("證券代號")}
	c.foreign = prefixed("外陸資買進股數", "外陸資賣出股數")
	if c.foreign[0] < 0 {
		c.foreign = pair("外資買進股數", "外資賣出股數")
	}
	c.foreignSelf = pair("外資自營商買進股數", "外資自營商賣出股數")
	c.trust = pair("投信買進股數", "投信賣出股數")
	c.dealerSelf = pair("自營商買進股數(自行買賣)", "自營商賣出股數(自行買賣)")
	c.dealerHedge = pair("自營商買進股數(避險)", "自營商賣出股數(避險)")
	if c.dealerSelf[0] < 0 && c.dealerHedge[0] < 0 {
		c.dealer = pair("自營商買進股數", "自營商賣出股數")
	} else {
		c.dealer = [2]int{-1, -1}
	}
	return c, c.code >= 0 && c.foreign[0] >= 0
}

func (c t86Columns) flow(row []string, p [2]int) (domain.Flow, error) {
	if p[0] < 0 || p[1] < 0 {
		return domain.Flow{}, nil
	}
	buy, err := ParseInt(cell(row, p[0]))
	if err != nil {
		return domain.Flow{}, err
	}
	sell, err := ParseInt(cell(row, p[1]))
	if err != nil {
		return domain.Flow{}, err
	}
	return domain.Flow{Buy: buy, Sell: sell}, nil
}

func (a *T86) fetchDay(ctx context.Context, d domain.Date) (map[string]domain.InstitutionalFlow, error) {
	q := url.Values{
		"date":       {d.Compact()},
		"selectType": {"ALLBUT0999"},
		"response":   {"json"},
	}
	body, err := a.do(ctx, request{path: a.path, query: q})
	if err != nil {
		return nil, err
	}
	var rep twseReport
	if err := a.decodeJSON(body, &rep); err != nil {
		return nil, err
	}
	out := map[string]domain.InstitutionalFlow{}
	if !rep.ok() {
		// Holidays and dates not yet published.
		return out, nil
	}
	fields, data := rep.table()
	cols, ok := newT86Columns(fields)
	if !ok {
		return nil, a.parseFailure(body, "T86 header missing code or foreign columns: %v", fields)
	}

	for _, row := range data {
		code := clean(cell(row, cols.code))
		if code == "" {
			continue
		}
		f := domain.InstitutionalFlow{Code: code, Date: d, Source: a.name}
		var parts [6]domain.Flow
		var perr error
		for i, p := range [][2]int{cols.foreign, cols.foreignSelf, cols.trust, cols.dealerSelf, cols.dealerHedge, cols.dealer} {
			if parts[i], perr = cols.flow(row, p); perr != nil {
				break
			}
		}
		if perr != nil {
			a.skipRow(code, row, perr)
			continue
		}
		f.Foreign = parts[0].Add(parts[1])
		f.Trust = parts[2]
		f.Dealer = parts[3].Add(parts[4]).Add(parts[5])
		out[code] = f
	}
	a.log.Debug("loaded T86 day", "date", d.String(), "codes", len(out))
	return out, nil
}
