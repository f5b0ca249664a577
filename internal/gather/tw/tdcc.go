package tw

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// TDCC serves weekly shareholding distribution from the depository's
// qryStock HTML form. The form is CSRF-protected: each fetch loads the page
// for a token and the list of published dates, then posts one query per
// weekly date inside the range.
type TDCC struct {
	base
	path string
}

var _ gather.Adapter = (*TDCC)(nil)

// NewTDCC creates the depository HTML distribution adapter. The HTTP client
// gets its own cookie jar so the session cookie follows the token.
func NewTDCC(s Settings) *TDCC {
	s = s.withDefaults("https://www.tdcc.com.tw", 1)
	client := *s.HTTPClient
	if client.Jar == nil {
		jar, _ := cookiejar.New(nil)
		client.Jar = jar
	}
	s.HTTPClient = &client
	return &TDCC{
		base: newBase("tdcc", gather.KindDistribution, []domain.Market{domain.MarketPrimary, domain.MarketSecondary}, s),
		path: "/portal/zh/smWeb/qryStock",
	}
}

type tdccForm struct {
	token string
	dates []domain.Date
}

func (a *TDCC) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	form, err := a.form(ctx)
	if err != nil {
		return res.Finish(err)
	}
	for _, d := range form.dates {
		if !req.Range.Contains(d) {
			continue
		}
		levels, skipped, err := a.query(ctx, form.token, req.Entity.Code, d)
		if err != nil {
			return res.Finish(err)
		}
		res.Skipped += skipped
		res.Levels = append(res.Levels, levels...)
	}
	return res.Finish(nil)
}

// form loads the query page and extracts the synchronizer token and the
// available dates, oldest first.
func (a *TDCC) form(ctx context.Context) (tdccForm, error) {
	body, err := a.do(ctx, request{path: a.path})
	if err != nil {
		return tdccForm{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return tdccForm{}, a.parseFailure(body, "parsing form page: %v", err)
	}
	var f tdccForm
	f.token, _ = doc.Find(`input[name="SYNCHRONIZER_TOKEN"]`).First().Attr("value")
	doc.Find(`select[name="scaDate"] option`).Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr("value")
		if !ok {
			v = s.Text()
		}
		if d, err := ParseDate(v); err == nil {
			f.dates = append(f.dates, d)
		}
	})
	if len(f.dates) == 0 {
		return tdccForm{}, a.parseFailure(body, "form page lists no dates")
	}
	slices.Sort(f.dates)
	f.dates = slices.Compact(f.dates)
	return f, nil
}

func (a *TDCC) query(ctx context.Context, token, code string, d domain.Date) ([]domain.DistributionLevel, int, error) {
	form := url.Values{
		"SYNCHRONIZER_TOKEN": {token},
		"SYNCHRONIZER_URI":   {a.path},
		"method":             {"submit"},
		"firDate":            {d.Compact()},
		"scaDate":            {d.Compact()},
		"sqlMethod":          {"StockNo"},
		"stockNo":            {code},
		"stockName":          {""},
	}
	body, err := a.do(ctx, request{method: http.MethodPost, path: a.path, form: form})
	if err != nil {
		return nil, 0, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, 0, a.parseFailure(body, "parsing result page: %v", err)
	}
	if strings.Contains(doc.Text(), "查無此資料") {
		return nil, 0, nil
	}

	rows, err := distributionTable(doc.Selection)
	if err != nil {
		return nil, 0, a.parseFailure(body, "%v", err)
	}
	var out []domain.DistributionLevel
	skipped := 0
	for _, r := range rows {
		l, err := r.level(code, d)
		if err != nil {
			a.skipRow(code, r, err)
			skipped++
			continue
		}
		l.Source = a.name
		out = append(out, l)
	}
	return out, skipped, nil
}

// ---------------------------------------------------------------------------
// Distribution table extraction
// ---------------------------------------------------------------------------

// levelRow is one tier row with its numeric cells already assigned to
// roles.
type levelRow struct {
	label                      string
	holders, shares, proportion string
}

func (r levelRow) level(code string, d domain.Date) (domain.DistributionLevel, error) {
	lvl, ok := LevelFromLabel(r.label)
	if !ok {
		return domain.DistributionLevel{}, fmt.Errorf("unknown level label %q", r.label)
	}
	holders, err := ParseInt(r.holders)
	if err != nil {
		return domain.DistributionLevel{}, err
	}
	shares, err := ParseInt(r.shares)
	if err != nil {
		return domain.DistributionLevel{}, err
	}
	pct, err := ParseDecimal(r.proportion)
	if err != nil {
		return domain.DistributionLevel{}, err
	}
	return domain.DistributionLevel{
		Code: code, Date: d, Level: lvl,
		Holders: holders, Shares: shares, Proportion: pct,
	}, nil
}

// distributionTable finds the tier table in doc and returns its rows.
// Columns are assigned by header name when the headers are recognized and
// by assignRoles otherwise.
func distributionTable(doc *goquery.Selection) ([]levelRow, error) {
	var (
		headers [][]string
		data    [][]string
	)
	doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
		headers, data = nil, nil
		t.Find("tr").Each(func(_ int, tr *goquery.Selection) {
			var cells []string
			isHeader := tr.Find("th").Length() > 0 && tr.Find("td").Length() == 0
			tr.Find("th,td").Each(func(_ int, c *goquery.Selection) {
				cells = append(cells, strings.TrimSpace(c.Text()))
			})
			if len(cells) == 0 {
				return
			}
			if isHeader {
				headers = append(headers, cells)
			} else {
				data = append(data, cells)
			}
		})
		// The tier table is the one with a total row.
		for _, row := range data {
			for _, c := range row {
				if lvl, ok := LevelFromLabel(c); ok && lvl == domain.LevelTotal && !isNumeric(c) {
					return false
				}
			}
		}
		return true
	})
	if len(data) == 0 {
		return nil, fmt.Errorf("no distribution table found")
	}

	label := labelColumn(data)
	var tiers [][]string
	for _, r := range data {
		if _, ok := LevelFromLabel(cell(r, label)); ok {
			tiers = append(tiers, r)
		} else {
			// Some renderings put header rows in td cells.
			headers = append(headers, r)
		}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("distribution table has no tier rows")
	}

	width := 0
	for _, r := range tiers {
		width = max(width, len(r))
	}
	holders, shares, pct := -1, -1, -1
	for _, h := range headers {
		if len(h) != width {
			continue
		}
		cols := newColumns(h)
		if i, ok := cols.find("人數"); ok {
			holders = i
		}
		if i, ok := cols.find("股數"); ok {
			shares = i
		}
		if i, ok := cols.find("比例", "%"); ok {
			pct = i
		}
	}
	if holders < 0 || shares < 0 || pct < 0 || holders == shares {
		var err error
		holders, shares, pct, err = assignRoles(tiers, label)
		if err != nil {
			return nil, err
		}
	}

	rows := make([]levelRow, 0, len(tiers))
	for _, r := range tiers {
		rows = append(rows, levelRow{
			label:      cell(r, label),
			holders:    cell(r, holders),
			shares:     cell(r, shares),
			proportion: cell(r, pct),
		})
	}
	return rows, nil
}

// labelColumn picks the first column whose cells are mostly non-numeric
// tier labels.
func labelColumn(data [][]string) int {
	width := 0
	for _, r := range data {
		width = max(width, len(r))
	}
	for c := 0; c < width; c++ {
		labels := 0
		for _, r := range data {
			v := cell(r, c)
			if _, ok := LevelFromLabel(v); ok && !isNumeric(v) {
				labels++
			}
		}
		if labels*2 > len(data) {
			return c
		}
	}
	return 0
}

// assignRoles infers the holders, shares and proportion columns from their
// values: the proportion column has a decimal point in every value and
// never exceeds 100; of the two remaining numeric columns the one with the
// larger total is shares. This breaks if the depository ever reports whole
// percentages or a tier where holders exceed shares.
func assignRoles(data [][]string, label int) (holders, shares, pct int, err error) {
	type stat struct {
		col       int
		sum       decimal.Decimal
		allDotted bool
	}
	var numeric []stat
	width := 0
	for _, r := range data {
		width = max(width, len(r))
	}
	for c := 0; c < width; c++ {
		if c == label {
			continue
		}
		st := stat{col: c, allDotted: true}
		ok, seen := true, 0
		for _, r := range data {
			if IsPlaceholder(cell(r, c)) {
				continue
			}
			v := strings.TrimSuffix(clean(cell(r, c)), "%")
			d, derr := decimal.NewFromString(v)
			if derr != nil {
				ok = false
				break
			}
			seen++
			st.sum = st.sum.Add(d)
			if !strings.Contains(v, ".") || d.GreaterThan(decimal.NewFromInt(100)) {
				st.allDotted = false
			}
		}
		if ok && seen > 0 {
			numeric = append(numeric, st)
		}
	}

	pct = -1
	var rest []stat
	for _, st := range numeric {
		if pct < 0 && st.allDotted {
			pct = st.col
			continue
		}
		rest = append(rest, st)
	}
	// A leading ordinal column is numeric too; keep the last two.
	if len(rest) > 2 {
		rest = rest[len(rest)-2:]
	}
	if pct < 0 || len(rest) != 2 {
		return -1, -1, -1, fmt.Errorf("cannot infer distribution columns from %d numeric columns", len(numeric))
	}
	if rest[0].sum.GreaterThan(rest[1].sum) {
		return rest[1].col, rest[0].col, pct, nil
	}
	return rest[0].col, rest[1].col, pct, nil
}

func isNumeric(s string) bool {
	_, err := decimal.NewFromString(clean(s))
	return err == nil
}
