// Package tw implements the Taiwan market source adapters: exchange JSON
// endpoints, the depository's HTML and open-data feeds, the aggregator API,
// the local raw archive and the ISIN listing pages.
package tw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"twdata/internal/config"
	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/util"
)

const userAgent = "Mozilla/5.0 (compatible; twdata/1.0)"

// maxBody caps how much of a response is read.
const maxBody = 32 << 20

// Settings carries the per-upstream knobs shared by every adapter.
type Settings struct {
	BaseURL  string
	Rank     int
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
	DelayMin time.Duration
	DelayMax time.Duration
	Token    string

	// Limiter is shared by every adapter talking to the same upstream.
	Limiter    *util.RateLimiter
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// SettingsFrom converts a config entry into adapter settings.
func SettingsFrom(s config.Source) Settings {
	return Settings{
		BaseURL:  s.BaseURL,
		Rank:     s.Rank,
		Timeout:  s.Timeout,
		Retries:  s.Retries,
		Backoff:  s.Backoff,
		DelayMin: s.DelayMin,
		DelayMax: s.DelayMax,
		Token:    s.Token,
		Limiter:  util.NewRateLimiter(s.RateLimitPerMin),
	}
}

func (s Settings) withDefaults(baseURL string, rank int) Settings {
	if s.BaseURL == "" {
		s.BaseURL = baseURL
	}
	if s.Rank == 0 {
		s.Rank = rank
	}
	if s.Timeout <= 0 {
		s.Timeout = 20 * time.Second
	}
	if s.Retries <= 0 {
		s.Retries = 3
	}
	if s.Backoff <= 0 {
		s.Backoff = time.Second
	}
	if s.HTTPClient == nil {
		s.HTTPClient = &http.Client{Timeout: s.Timeout}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return s
}

// ---------------------------------------------------------------------------
// base: identity shared by all adapters
// ---------------------------------------------------------------------------

type base struct {
	name    string
	kind    gather.Kind
	markets []domain.Market
	set     Settings
	log     *slog.Logger
}

func newBase(name string, kind gather.Kind, markets []domain.Market, s Settings) base {
	return base{
		name:    name,
		kind:    kind,
		markets: markets,
		set:     s,
		log:     s.Logger.With("adapter", name),
	}
}

func (b *base) Name() string      { return b.name }
func (b *base) Rank() int         { return b.set.Rank }
func (b *base) Kind() gather.Kind { return b.kind }

func (b *base) Supports(m domain.Market) bool {
	return slices.Contains(b.markets, m)
}

func (b *base) Delay() (time.Duration, time.Duration) {
	return b.set.DelayMin, b.set.DelayMax
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

type request struct {
	method string
	path   string
	query  url.Values
	form   url.Values
	header http.Header
	big5   bool // body is Big5 and must be decoded to UTF-8
}

// do performs req with the adapter's rate limit, per-attempt timeout and
// retry budget. Non-retryable HTTP statuses end the loop early.
func (b *base) do(ctx context.Context, req request) ([]byte, error) {
	var body []byte
	err := util.Retry(ctx, b.set.Retries, b.set.Backoff, func(ctx context.Context) error {
		if err := b.set.Limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		actx, cancel := context.WithTimeout(ctx, b.set.Timeout)
		defer cancel()

		data, err := b.once(actx, req)
		if err != nil {
			var te *gather.TransportError
			if errors.As(err, &te) && !te.Retryable() {
				return util.Permanent(err)
			}
			b.log.Debug("request attempt failed", "path", req.path, "error", err)
			return err
		}
		body = data
		return nil
	})
	return body, err
}

func (b *base) once(ctx context.Context, req request) ([]byte, error) {
	u := b.set.BaseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	method := req.method
	if method == "" {
		method = http.MethodGet
	}
	var rdr io.Reader
	if req.form != nil {
		rdr = strings.NewReader(req.form.Encode())
	}
	hreq, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, util.Permanent(fmt.Errorf("%s: building request: %w", b.name, err))
	}
	hreq.Header.Set("User-Agent", userAgent)
	if req.form != nil {
		hreq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for k, vs := range req.header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := b.set.HTTPClient.Do(hreq)
	if err != nil {
		return nil, &gather.TransportError{Source: b.name, URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &gather.TransportError{Source: b.name, URL: u, Status: resp.StatusCode}
	}

	var r io.Reader = io.LimitReader(resp.Body, maxBody)
	if req.big5 {
		r = transform.NewReader(r, traditionalchinese.Big5.NewDecoder())
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &gather.TransportError{Source: b.name, URL: u, Err: err}
	}
	return data, nil
}

// decodeJSON unmarshals body into v, mapping failures to a ParseError with
// the head of the payload attached.
func (b *base) decodeJSON(body []byte, v any) error {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	if err := json.Unmarshal(body, v); err != nil {
		pe := gather.NewParseError(b.name, body, err)
		b.log.Warn("unparseable response", "error", err, "snippet", pe.Snippet)
		return pe
	}
	return nil
}

// parseFailure logs and builds a ParseError for a structurally wrong payload.
func (b *base) parseFailure(body []byte, format string, args ...any) error {
	pe := gather.NewParseError(b.name, body, fmt.Errorf(format, args...))
	b.log.Warn("unexpected response shape", "error", pe.Err, "snippet", pe.Snippet)
	return pe
}

// skipRow logs a single malformed row; the rest of the payload is still
// processed.
func (b *base) skipRow(code string, row any, err error) {
	b.log.Debug("skipping row", "code", code, "row", fmt.Sprint(row), "error", err)
}

// ---------------------------------------------------------------------------
// Header-based column lookup
// ---------------------------------------------------------------------------

// columns maps header names to indexes. Headers are matched after removing
// whitespace so "日 期" and "日期" are the same column.
type columns map[string]int

func newColumns(fields []string) columns {
	c := make(columns, len(fields))
	for i, f := range fields {
		c[normalizeHeader(f)] = i
	}
	return c
}

func normalizeHeader(s string) string {
	s = strings.Join(strings.Fields(s), "")
	return strings.ReplaceAll(s, "　", "")
}

// find returns the index of the first header equal to any name, then the
// first header containing any name.
func (c columns) find(names ...string) (int, bool) {
	for _, n := range names {
		if i, ok := c[normalizeHeader(n)]; ok {
			return i, true
		}
	}
	best := -1
	for _, n := range names {
		n = normalizeHeader(n)
		for h, i := range c {
			if strings.Contains(h, n) && (best < 0 || i < best) {
				best = i
			}
		}
		if best >= 0 {
			return best, true
		}
	}
	return 0, false
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
