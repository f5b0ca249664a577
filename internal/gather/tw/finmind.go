package tw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// finmindClient talks to the aggregator's v4 data endpoint. One client
// backs the three FinMind adapters so they share a rate limiter.
type finmindClient struct {
	base
}

type finmindEnvelope struct {
	Msg    string          `json:"msg"`
	Status int             `json:"status"`
	Data   json.RawMessage `json:"data"`
}

// query fetches one dataset for code over r, split into calendar years, and
// decodes each chunk's rows into T.
func finmindQuery[T any](ctx context.Context, c *base, dataset, code string, r gather.DateRange) ([]T, error) {
	var out []T
	for part := range r.Years() {
		q := url.Values{
			"dataset":    {dataset},
			"data_id":    {code},
			"start_date": {part.Start.String()},
			"end_date":   {part.End.String()},
		}
		var hdr http.Header
		if c.set.Token != "" {
			hdr = http.Header{"Authorization": {"Bearer " + c.set.Token}}
		}
		body, err := c.do(ctx, request{path: "/api/v4/data", query: q, header: hdr})
		if err != nil {
			return nil, err
		}
		var env finmindEnvelope
		if err := c.decodeJSON(body, &env); err != nil {
			return nil, err
		}
		if env.Status != 0 && env.Status != http.StatusOK {
			return nil, &gather.TransportError{Source: c.name, URL: c.set.BaseURL + "/api/v4/data", Status: env.Status,
				Err: errString(env.Msg)}
		}
		if len(env.Data) == 0 || string(env.Data) == "null" {
			continue
		}
		var rows []T
		if err := c.decodeJSON(env.Data, &rows); err != nil {
			return nil, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

type errString string

func (e errString) Error() string { return string(e) }

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// FinMindPrice serves daily bars for every market from TaiwanStockPrice.
type FinMindPrice struct{ finmindClient }

var _ gather.Adapter = (*FinMindPrice)(nil)

// NewFinMindPrice creates the aggregator price adapter.
func NewFinMindPrice(s Settings) *FinMindPrice {
	s = s.withDefaults("https://api.finmindtrade.com", 2)
	return &FinMindPrice{finmindClient{newBase("finmind", gather.KindPrice,
		[]domain.Market{domain.MarketPrimary, domain.MarketSecondary, domain.MarketIndex}, s)}}
}

type finmindPriceRow struct {
	Date          string  `json:"date"`
	StockID       string  `json:"stock_id"`
	TradingVolume int64   `json:"Trading_Volume"`
	TradingMoney  int64   `json:"Trading_money"`
	Open          float64 `json:"open"`
	Max           float64 `json:"max"`
	Min           float64 `json:"min"`
	Close         float64 `json:"close"`
}

func (a *FinMindPrice) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	rows, err := finmindQuery[finmindPriceRow](ctx, &a.base, "TaiwanStockPrice", req.Entity.Code, req.Range)
	if err != nil {
		return res.Finish(err)
	}
	for _, r := range rows {
		d, err := ParseDate(r.Date)
		if err != nil {
			a.skipRow(req.Entity.Code, r, err)
			res.Skipped++
			continue
		}
		if !req.Range.Contains(d) {
			continue
		}
		b := domain.DailyBar{
			Code:   req.Entity.Code,
			Date:   d,
			Open:   positivePrice(r.Open),
			High:   positivePrice(r.Max),
			Low:    positivePrice(r.Min),
			Close:  positivePrice(r.Close),
			Volume: null.IntFrom(r.TradingVolume),
			Source: a.name,
		}
		if r.TradingMoney > 0 {
			b.Amount = null.IntFrom(r.TradingMoney)
		}
		b.Normalize()
		res.Bars = append(res.Bars, b)
	}
	return res.Finish(nil)
}

func positivePrice(f float64) decimal.NullDecimal {
	if f <= 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(f))
}

// ---------------------------------------------------------------------------
// Institutional flows
// ---------------------------------------------------------------------------

// FinMindFlow serves institutional flows from
// TaiwanStockInstitutionalInvestorsBuySell. The aggregator reports one row
// per investor sub-class; they are folded into foreign, trust and dealer.
type FinMindFlow struct{ finmindClient }

var _ gather.Adapter = (*FinMindFlow)(nil)

// NewFinMindFlow creates the aggregator institutional flow adapter.
func NewFinMindFlow(s Settings) *FinMindFlow {
	s = s.withDefaults("https://api.finmindtrade.com", 1)
	return &FinMindFlow{finmindClient{newBase("finmind", gather.KindFlow,
		[]domain.Market{domain.MarketPrimary, domain.MarketSecondary}, s)}}
}

type finmindFlowRow struct {
	Date    string `json:"date"`
	StockID string `json:"stock_id"`
	Buy     int64  `json:"buy"`
	Sell    int64  `json:"sell"`
	Name    string `json:"name"`
}

type investorClass int

const (
	classUnknown investorClass = iota
	classForeign
	classTrust
	classDealer
)

// classOf maps an aggregator sub-class name to the stored investor class.
func classOf(name string) investorClass {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "foreign"), strings.HasPrefix(name, "外資"), strings.HasPrefix(name, "外陸資"):
		return classForeign
	case n == "investment_trust", strings.HasPrefix(name, "投信"):
		return classTrust
	case strings.HasPrefix(n, "dealer"), strings.HasPrefix(name, "自營商"):
		return classDealer
	}
	return classUnknown
}

func (a *FinMindFlow) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	rows, err := finmindQuery[finmindFlowRow](ctx, &a.base, "TaiwanStockInstitutionalInvestorsBuySell", req.Entity.Code, req.Range)
	if err != nil {
		return res.Finish(err)
	}

	byDate := map[domain.Date]*domain.InstitutionalFlow{}
	for _, r := range rows {
		d, err := ParseDate(r.Date)
		if err != nil {
			a.skipRow(req.Entity.Code, r, err)
			res.Skipped++
			continue
		}
		if !req.Range.Contains(d) {
			continue
		}
		f, ok := byDate[d]
		if !ok {
			f = &domain.InstitutionalFlow{Code: req.Entity.Code, Date: d, Source: a.name}
			byDate[d] = f
		}
		flow := domain.NewFlow(r.Buy, r.Sell)
		switch classOf(r.Name) {
		case classForeign:
			f.Foreign = f.Foreign.Add(flow)
		case classTrust:
			f.Trust = f.Trust.Add(flow)
		case classDealer:
			f.Dealer = f.Dealer.Add(flow)
		default:
			a.log.Debug("unknown investor class", "name", r.Name)
		}
	}

	for _, f := range byDate {
		res.Flows = append(res.Flows, *f)
	}
	sort.Slice(res.Flows, func(i, j int) bool { return res.Flows[i].Date < res.Flows[j].Date })
	return res.Finish(nil)
}

// ---------------------------------------------------------------------------
// Shareholding distribution
// ---------------------------------------------------------------------------

// FinMindDistribution serves weekly shareholding levels from
// TaiwanStockHoldingSharesPer.
type FinMindDistribution struct{ finmindClient }

var _ gather.Adapter = (*FinMindDistribution)(nil)

// NewFinMindDistribution creates the aggregator distribution adapter.
func NewFinMindDistribution(s Settings) *FinMindDistribution {
	s = s.withDefaults("https://api.finmindtrade.com", 3)
	return &FinMindDistribution{finmindClient{newBase("finmind", gather.KindDistribution,
		[]domain.Market{domain.MarketPrimary, domain.MarketSecondary}, s)}}
}

type finmindHoldingRow struct {
	Date    string  `json:"date"`
	StockID string  `json:"stock_id"`
	Level   string  `json:"HoldingSharesLevel"`
	People  int64   `json:"people"`
	Percent float64 `json:"percent"`
	Unit    int64   `json:"unit"`
}

func (a *FinMindDistribution) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	rows, err := finmindQuery[finmindHoldingRow](ctx, &a.base, "TaiwanStockHoldingSharesPer", req.Entity.Code, req.Range)
	if err != nil {
		return res.Finish(err)
	}
	for _, r := range rows {
		d, err := ParseDate(r.Date)
		if err != nil {
			a.skipRow(req.Entity.Code, r, err)
			res.Skipped++
			continue
		}
		if !req.Range.Contains(d) {
			continue
		}
		level, ok := LevelFromLabel(r.Level)
		if !ok {
			a.skipRow(req.Entity.Code, r, errString("unknown level label "+r.Level))
			res.Skipped++
			continue
		}
		res.Levels = append(res.Levels, domain.DistributionLevel{
			Code:       req.Entity.Code,
			Date:       d,
			Level:      level,
			Holders:    null.IntFrom(r.People),
			Shares:     null.IntFrom(r.Unit),
			Proportion: decimal.NewNullDecimal(decimal.NewFromFloat(r.Percent).Round(2)),
			Source:     a.name,
		})
	}
	sort.SliceStable(res.Levels, func(i, j int) bool {
		if res.Levels[i].Date != res.Levels[j].Date {
			return res.Levels[i].Date < res.Levels[j].Date
		}
		return res.Levels[i].Level < res.Levels[j].Level
	})
	return res.Finish(nil)
}
