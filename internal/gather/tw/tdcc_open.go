package tw

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"net/url"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/traditionalchinese"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// openDataTTL is how long a downloaded snapshot is reused. The file is
// republished weekly.
const openDataTTL = 6 * time.Hour

// TDCCOpenData serves the depository's open-data distribution CSV. The file
// only ever holds the latest week for every code, so it is downloaded once
// and shared until it expires.
type TDCCOpenData struct {
	base
	path string
	now  func() time.Time

	mu       sync.Mutex
	loadedAt time.Time
	snapshot map[string][]domain.DistributionLevel
}

var _ gather.Adapter = (*TDCCOpenData)(nil)

// NewTDCCOpenData creates the depository open-data distribution adapter.
func NewTDCCOpenData(s Settings) *TDCCOpenData {
	s = s.withDefaults("https://opendata.tdcc.com.tw", 2)
	return &TDCCOpenData{
		base: newBase("tdcc-opendata", gather.KindDistribution, []domain.Market{domain.MarketPrimary, domain.MarketSecondary}, s),
		path: "/getOD.ashx",
		now:  time.Now,
	}
}

func (a *TDCCOpenData) Fetch(ctx context.Context, req gather.Request) gather.Result {
	res := gather.NewResult(a, req)
	snap, err := a.load(ctx)
	if err != nil {
		return res.Finish(err)
	}
	for _, l := range snap[req.Entity.Code] {
		if req.Range.Contains(l.Date) {
			res.Levels = append(res.Levels, l)
		}
	}
	return res.Finish(nil)
}

// load returns the cached snapshot, downloading it when missing or stale.
// The lock is held across the download so concurrent workers wait for one
// request instead of issuing their own.
func (a *TDCCOpenData) load(ctx context.Context) (map[string][]domain.DistributionLevel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.snapshot != nil && a.now().Sub(a.loadedAt) < openDataTTL {
		return a.snapshot, nil
	}
	body, err := a.do(ctx, request{path: a.path, query: url.Values{"id": {"1-5"}}})
	if err != nil {
		return nil, err
	}
	snap, err := a.parse(body)
	if err != nil {
		return nil, err
	}
	a.snapshot, a.loadedAt = snap, a.now()
	a.log.Info("loaded distribution snapshot", "codes", len(snap))
	return snap, nil
}

func (a *TDCCOpenData) parse(body []byte) (map[string][]domain.DistributionLevel, error) {
	raw := body
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(body) {
		decoded, err := traditionalchinese.Big5.NewDecoder().Bytes(body)
		if err != nil {
			return nil, a.parseFailure(raw, "decoding Big5: %v", err)
		}
		body = decoded
	}

	r := csv.NewReader(bytes.NewReader(body))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	header, err := r.Read()
	if err != nil {
		return nil, a.parseFailure(raw, "reading CSV header: %v", err)
	}
	cols := newColumns(header)
	iDate, okDate := cols.find("資料日期")
	iCode, okCode := cols.find("證券代號")
	iLevel, okLevel := cols.find("持股分級")
	iHolders, _ := cols.find("人數")
	iShares, _ := cols.find("股數")
	iPct, _ := cols.find("比例")
	if !okDate || !okCode || !okLevel {
		return nil, a.parseFailure(raw, "unexpected CSV header: %v", header)
	}

	out := map[string][]domain.DistributionLevel{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.parseFailure(raw, "reading CSV: %v", err)
		}
		code := clean(cell(row, iCode))
		lr := levelRow{
			label:      cell(row, iLevel),
			holders:    cell(row, iHolders),
			shares:     cell(row, iShares),
			proportion: cell(row, iPct),
		}
		d, err := ParseDate(cell(row, iDate))
		if err != nil {
			a.skipRow(code, row, err)
			continue
		}
		l, err := lr.level(code, d)
		if err != nil {
			a.skipRow(code, row, err)
			continue
		}
		l.Source = a.name
		out[code] = append(out[code], l)
	}
	return out, nil
}
