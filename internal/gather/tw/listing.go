package tw

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"twdata/internal/domain"
)

// ListingFetcher reads the exchange's ISIN listing pages and produces entity
// metadata for the primary (strMode=2) and secondary (strMode=4) markets.
type ListingFetcher struct {
	base
	path string
}

// NewListingFetcher creates a listing fetcher.
func NewListingFetcher(s Settings) *ListingFetcher {
	s = s.withDefaults("https://isin.twse.com.tw", 0)
	return &ListingFetcher{
		base: newBase("isin", "", nil, s),
		path: "/isin/C_public.jsp",
	}
}

var listingModes = map[domain.Market]string{
	domain.MarketPrimary:   "2",
	domain.MarketSecondary: "4",
}

// stockSection is the section heading under which common stock is listed.
const stockSection = "股票"

// FetchAll lists both markets.
func (f *ListingFetcher) FetchAll(ctx context.Context) ([]domain.Entity, error) {
	var out []domain.Entity
	for _, m := range []domain.Market{domain.MarketPrimary, domain.MarketSecondary} {
		es, err := f.Fetch(ctx, m)
		if err != nil {
			return nil, err
		}
		out = append(out, es...)
	}
	return out, nil
}

// Fetch lists the common stock of one market.
func (f *ListingFetcher) Fetch(ctx context.Context, m domain.Market) ([]domain.Entity, error) {
	mode, ok := listingModes[m]
	if !ok {
		return nil, fmt.Errorf("isin: no listing page for market %q", m)
	}
	body, err := f.do(ctx, request{path: f.path, query: url.Values{"strMode": {mode}}, big5: true})
	if err != nil {
		return nil, err
	}
	entities, err := f.parse(body, m)
	if err != nil {
		return nil, err
	}
	f.log.Info("fetched listing", "market", m, "entities", len(entities))
	return entities, nil
}

func (f *ListingFetcher) parse(body []byte, m domain.Market) ([]domain.Entity, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, f.parseFailure(body, "parsing listing page: %v", err)
	}

	var (
		out     []domain.Entity
		section string
		cols    columns
	)
	doc.Find("table tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("td,th").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, strings.TrimSpace(c.Text()))
		})
		switch {
		case len(cells) == 0:
			return
		case len(cells) == 1:
			section = normalizeHeader(cells[0])
			return
		case cols == nil:
			if _, ok := newColumns(cells).find("有價證券代號"); ok {
				cols = newColumns(cells)
			}
			return
		}
		if section != stockSection {
			return
		}
		e, err := listingRow(cells, cols, m)
		if err != nil {
			f.skipRow("", cells, err)
			return
		}
		out = append(out, e)
	})
	if cols == nil {
		return nil, f.parseFailure(body, "listing page has no header row")
	}
	return out, nil
}

func listingRow(cells []string, cols columns, m domain.Market) (domain.Entity, error) {
	idx := func(def int, names ...string) int {
		if i, ok := cols.find(names...); ok {
			return i
		}
		return def
	}
	codeName := cell(cells, idx(0, "有價證券代號及名稱", "有價證券代號"))
	code, name, ok := splitCodeName(codeName)
	if !ok {
		return domain.Entity{}, fmt.Errorf("cannot split code and name in %q", codeName)
	}
	e := domain.Entity{
		Code:     code,
		Name:     name,
		Market:   m,
		Industry: cell(cells, idx(4, "產業別")),
		Status:   domain.StatusNormal,
	}
	if s := cell(cells, idx(2, "上市日", "上櫃日")); s != "" {
		d, err := ParseDate(s)
		if err != nil {
			return domain.Entity{}, err
		}
		e.ListingDate = d
	}
	return e, nil
}

// splitCodeName splits "2330　台積電" on the ideographic space, falling back
// to ordinary whitespace.
func splitCodeName(s string) (string, string, bool) {
	s = strings.TrimSpace(s)
	if code, name, ok := strings.Cut(s, "　"); ok {
		return strings.TrimSpace(code), strings.TrimSpace(name), code != ""
	}
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return "", "", false
	}
	return fields[0], strings.Join(fields[1:], " "), true
}
