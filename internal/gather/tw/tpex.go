package tw

import (
	"context"
	"net/url"
	"strings"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// TPEx serves secondary-market daily bars from the OTC exchange's per-stock
// monthly trading report. Volume is quoted in lots of 1,000 shares and
// turnover in thousands of NTD.
type TPEx struct {
	base
	path string
}

var _ gather.Adapter = (*TPEx)(nil)

// NewTPEx creates the OTC exchange price adapter.
func NewTPEx(s Settings) *TPEx {
	s = s.withDefaults("https://www.tpex.org.tw", 1)
	return &TPEx{
		base: newBase("tpex", gather.KindPrice, []domain.Market{domain.MarketSecondary}, s),
		path: "/www/zh-tw/afterTrading/tradingStock",
	}
}

// tpexReport accepts both the current tables envelope and the legacy
// aaData layout of st43_result.
type tpexReport struct {
	Stat   string `json:"stat"`
	Tables []struct {
		Fields []string   `json:"fields"`
		Data   [][]string `json:"data"`
	} `json:"tables"`
	AAData [][]string `json:"aaData"`
}

const tpexLot = 1000

func (a *TPEx) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	var err error
	for m := range req.Range.Months() {
		var bars []domain.DailyBar
		var skipped int
		bars, skipped, err = a.month(ctx, req.Entity.Code, m)
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

func (a *TPEx) month(ctx context.Context, code string, m gather.Month) ([]domain.DailyBar, int, error) {
	first := m.First()
	q := url.Values{
		"code":     {code},
		"date":     {strings.ReplaceAll(first.String(), "-", "/")},
		"response": {"json"},
	}
	body, err := a.do(ctx, request{path: a.path, query: q})
	if err != nil {
		return nil, 0, err
	}
	var rep tpexReport
	if err := a.decodeJSON(body, &rep); err != nil {
		return nil, 0, err
	}

	var fields []string
	data := rep.AAData
	if len(rep.Tables) > 0 {
		fields, data = rep.Tables[0].Fields, rep.Tables[0].Data
	}
	if len(data) == 0 {
		return nil, 0, nil
	}

	cols := newColumns(fields)
	idx := func(def int, names ...string) int {
		if i, ok := cols.find(names...); ok {
			return i
		}
		return def
	}
	iDate := idx(0, "日期")
	iVol := idx(1, "成交張數", "成交仟股")
	iAmt := idx(2, "成交仟元")
	iOpen := idx(3, "開盤")
	iHigh := idx(4, "最高")
	iLow := idx(5, "最低")
	iClose := idx(6, "收盤")

	var bars []domain.DailyBar
	skipped := 0
	for _, row := range data {
		b, err := parseBarRow(code, row, iDate, iOpen, iHigh, iLow, iClose, iVol, iAmt, tpexLot)
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
