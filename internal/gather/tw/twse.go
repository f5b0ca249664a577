package tw

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// TWSE serves primary-market daily bars from the exchange's monthly
// STOCK_DAY report, and the index pseudo-entity from MI_5MINS_HIST merged
// with the FMTQIK market turnover report.
type TWSE struct {
	base
	stockPath  string
	indexPath  string
	marketPath string
}

var _ gather.Adapter = (*TWSE)(nil)

// NewTWSE creates the exchange price adapter.
func NewTWSE(s Settings) *TWSE {
	s = s.withDefaults("https://www.twse.com.tw", 1)
	return &TWSE{
		base:       newBase("twse", gather.KindPrice, []domain.Market{domain.MarketPrimary, domain.MarketIndex}, s),
		stockPath:  "/rwd/zh/afterTrading/STOCK_DAY",
		indexPath:  "/rwd/zh/TAIEX/MI_5MINS_HIST",
		marketPath: "/rwd/zh/afterTrading/FMTQIK",
	}
}

// twseReport is the envelope shared by the exchange's JSON reports. Newer
// reports nest fields/data under tables.
type twseReport struct {
	Stat   string     `json:"stat"`
	Date   string     `json:"date"`
	Fields []string   `json:"fields"`
	Data   [][]string `json:"data"`
	Tables []struct {
		Fields []string   `json:"fields"`
		Data   [][]string `json:"data"`
	} `json:"tables"`
}

func (r *twseReport) ok() bool {
	return strings.EqualFold(r.Stat, "ok")
}

func (r *twseReport) table() ([]string, [][]string) {
	if len(r.Fields) == 0 && len(r.Tables) > 0 {
		return r.Tables[0].Fields, r.Tables[0].Data
	}
	return r.Fields, r.Data
}

// Fetch walks the request month by month and stops at the first failure.
func (a *TWSE) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	var err error
	for m := range req.Range.Months() {
		var bars []domain.DailyBar
		var skipped int
		if req.Entity.Market == domain.MarketIndex {
			bars, skipped, err = a.indexMonth(ctx, req.Entity.Code, m)
		} else {
			bars, skipped, err = a.stockMonth(ctx, req.Entity.Code, m)
		}
		if err != nil {
			break
		}
		res.Skipped += skipped
		for _, b := range bars {
			if req.Range.Contains(b.Date) {
				res.Bars = append(res.Bars, b)
			}
		}
	}
	return res.Finish(err)
}

func (a *TWSE) report(ctx context.Context, path string, q url.Values) (*twseReport, error) {
	q.Set("response", "json")
	body, err := a.do(ctx, request{path: path, query: q})
	if err != nil {
		return nil, err
	}
	var rep twseReport
	if err := a.decodeJSON(body, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (a *TWSE) stockMonth(ctx context.Context, code string, m gather.Month) ([]domain.DailyBar, int, error) {
	rep, err := a.report(ctx, a.stockPath, url.Values{"date": {m.First().Compact()}, "stockNo": {code}})
	if err != nil {
		return nil, 0, err
	}
	if !rep.ok() {
		a.log.Debug("no data for month", "code", code, "month", m.First().String(), "stat", rep.Stat)
		return nil, 0, nil
	}

	fields, data := rep.table()
	cols := newColumns(fields)
	idx := func(def int, names ...string) int {
		if i, ok := cols.find(names...); ok {
			return i
		}
		return def
	}
	iDate := idx(0, "日期")
	iVol := idx(1, "成交股數")
	iAmt := idx(2, "成交金額")
	iOpen := idx(3, "開盤價")
	iHigh := idx(4, "最高價")
	iLow := idx(5, "最低價")
	iClose := idx(6, "收盤價")

	var bars []domain.DailyBar
	skipped := 0
	for _, row := range data {
		b, err := parseBarRow(code, row, iDate, iOpen, iHigh, iLow, iClose, iVol, iAmt, 1)
		if err != nil {
			a.skipRow(code, row, err)
			skipped++
			continue
		}
		b.Source = a.name
		bars = append(bars, b)
	}
	return bars, skipped, nil
}

func (a *TWSE) indexMonth(ctx context.Context, code string, m gather.Month) ([]domain.DailyBar, int, error) {
	rep, err := a.report(ctx, a.indexPath, url.Values{"date": {m.First().Compact()}})
	if err != nil {
		return nil, 0, err
	}
	if !rep.ok() {
		return nil, 0, nil
	}

	fields, data := rep.table()
	cols := newColumns(fields)
	find := func(def int, names ...string) int {
		if i, ok := cols.find(names...); ok {
			return i
		}
		return def
	}
	iDate, iOpen, iHigh, iLow, iClose := find(0, "日期"), find(1, "開盤指數"), find(2, "最高指數"), find(3, "最低指數"), find(4, "收盤指數")

	var bars []domain.DailyBar
	skipped := 0
	for _, row := range data {
		b, err := parseBarRow(code, row, iDate, iOpen, iHigh, iLow, iClose, -1, -1, 1)
		if err != nil {
			a.skipRow(code, row, err)
			skipped++
			continue
		}
		b.Source = a.name
		bars = append(bars, b)
	}

	// Index volume and turnover come from the market summary; the bars
	// stand without them.
	turnover, err := a.marketTurnover(ctx, m)
	if err != nil {
		a.log.Warn("market turnover unavailable", "month", m.First().String(), "error", err)
		return bars, skipped, nil
	}
	for i := range bars {
		if t, ok := turnover[bars[i].Date]; ok {
			bars[i].Volume, bars[i].Amount = t.Volume, t.Amount
		}
	}
	return bars, skipped, nil
}

func (a *TWSE) marketTurnover(ctx context.Context, m gather.Month) (map[domain.Date]domain.DailyBar, error) {
	rep, err := a.report(ctx, a.marketPath, url.Values{"date": {m.First().Compact()}})
	if err != nil {
		return nil, err
	}
	out := map[domain.Date]domain.DailyBar{}
	if !rep.ok() {
		return out, nil
	}
	fields, data := rep.table()
	cols := newColumns(fields)
	iDate, _ := cols.find("日期")
	iVol, okVol := cols.find("成交股數")
	iAmt, okAmt := cols.find("成交金額")
	if !okVol || !okAmt {
		return nil, fmt.Errorf("turnover report missing columns: %v", fields)
	}
	for _, row := range data {
		d, err := ParseDate(cell(row, iDate))
		if err != nil {
			continue
		}
		vol, verr := ParseInt(cell(row, iVol))
		amt, aerr := ParseInt(cell(row, iAmt))
		if verr != nil || aerr != nil {
			continue
		}
		out[d] = domain.DailyBar{Volume: vol, Amount: amt}
	}
	return out, nil
}

// parseBarRow builds a bar from positional cells. A negative index marks a
// column the source does not carry. scale multiplies volume and amount for
// sources quoting lots of 1,000.
func parseBarRow(code string, row []string, iDate, iOpen, iHigh, iLow, iClose, iVol, iAmt int, scale int64) (domain.DailyBar, error) {
	b := domain.DailyBar{Code: code}
	d, err := ParseDate(cell(row, iDate))
	if err != nil {
		return b, err
	}
	b.Date = d

	prices := []struct {
		dst *decimal.NullDecimal
		i   int
	}{{&b.Open, iOpen}, {&b.High, iHigh}, {&b.Low, iLow}, {&b.Close, iClose}}
	for _, p := range prices {
		if p.i < 0 {
			continue
		}
		v, err := ParsePrice(cell(row, p.i))
		if err != nil {
			return b, err
		}
		*p.dst = v
	}
	if iVol >= 0 {
		v, err := ParseInt(cell(row, iVol))
		if err != nil {
			return b, err
		}
		if v.Valid {
			v.Int64 *= scale
		}
		b.Volume = v
	}
	if iAmt >= 0 {
		v, err := ParseInt(cell(row, iAmt))
		if err != nil {
			return b, err
		}
		if v.Valid {
			v.Int64 *= scale
		}
		b.Amount = v
	}
	b.Normalize()
	return b, nil
}
