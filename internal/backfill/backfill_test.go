package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twdata/internal/calendar"
	"twdata/internal/domain"
	"twdata/internal/gap"
	"twdata/internal/gather"
	"twdata/internal/store"
	"twdata/internal/util"
)

const asOf = domain.Date(20241220)

// fakeAdapter serves synthetic rows for every weekday of a request.
type fakeAdapter struct {
	name  string
	rank  int
	kind  gather.Kind
	fail  bool
	until domain.Date // serve nothing after this date when set
	calls atomic.Int32
}

func (a *fakeAdapter) Name() string                  { return a.name }
func (a *fakeAdapter) Rank() int                     { return a.rank }
func (a *fakeAdapter) Kind() gather.Kind             { return a.kind }
func (a *fakeAdapter) Supports(_ domain.Market) bool { return true }

func (a *fakeAdapter) Fetch(_ context.Context, req gather.Request) gather.Result {
	a.calls.Add(1)
	res := gather.NewResult(a, req)
	if a.fail {
		return res.Finish(&gather.TransportError{Source: a.name, URL: "http://upstream.invalid", Status: 503, Err: errors.New("unavailable")})
	}
	for d := req.Range.Start; !d.After(req.Range.End); d = d.AddDays(1) {
		if d.IsWeekend() || (!a.until.IsZero() && d.After(a.until)) {
			continue
		}
		switch a.kind {
		case gather.KindPrice:
			res.Bars = append(res.Bars, domain.DailyBar{
				Code: req.Entity.Code, Date: d,
				Open: domain.Price("100"), High: domain.Price("101"), Low: domain.Price("99"), Close: domain.Price("100.5"),
				Volume: null.IntFrom(1000), Amount: null.IntFrom(100500), Source: a.name,
			})
		case gather.KindFlow:
			res.Flows = append(res.Flows, domain.InstitutionalFlow{
				Code: req.Entity.Code, Date: d, Foreign: domain.NewFlow(10, 4), Source: a.name,
			})
		}
	}
	return res.Finish(nil)
}

type fixture struct {
	store   *store.SQLiteStore
	archive *store.Archive
	orch    *Orchestrator
	price   *fakeAdapter
	broken  *fakeAdapter
	flow    *fakeAdapter
}

func newFixture(t *testing.T, opts Options, adapters ...gather.Adapter) *fixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "twdata.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	_, err = st.UpsertEntities(context.Background(), []domain.Entity{
		{Code: "2330", Name: "台積電", Market: domain.MarketPrimary, ListingDate: 19940905, IssuedShares: null.IntFrom(1_000_000)},
		{Code: "0050", Name: "元大台灣50", Market: domain.MarketPrimary, ListingDate: 20030630},
	})
	require.NoError(t, err)

	today := func() domain.Date { return asOf }
	cal, err := calendar.New(st, calendar.Options{Logger: util.Discard(), Today: today})
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		archive: store.NewArchive(filepath.Join(dir, "archive")),
		price:   &fakeAdapter{name: "good", rank: 2, kind: gather.KindPrice},
		broken:  &fakeAdapter{name: "broken", rank: 1, kind: gather.KindPrice, fail: true},
		flow:    &fakeAdapter{name: "flows", rank: 1, kind: gather.KindFlow},
	}
	if len(adapters) == 0 {
		adapters = []gather.Adapter{f.broken, f.price, f.flow}
	}
	reg := gather.NewRegistry(util.Discard(), adapters...)

	opts.Today = today
	opts.Logger = util.Discard()
	if opts.Gaps.LookbackDays == 0 {
		opts.Gaps.LookbackDays = 14
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = []gather.Kind{gather.KindPrice, gather.KindFlow}
	}
	f.orch = New(st, reg, cal, f.archive, opts)
	return f
}

func find(t *testing.T, s *Summary, code string, kind gather.Kind) EntityReport {
	t.Helper()
	for _, r := range s.PerEntity {
		if r.Code == code && r.Kind == kind {
			return r
		}
	}
	require.Failf(t, "missing report", "%s %s", code, kind)
	return EntityReport{}
}

// weekdays between 2024-12-06 and 2024-12-20 inclusive.
const windowDays = 11

func TestBackfillFillsGapsThroughFailover(t *testing.T) {
	f := newFixture(t, Options{Workers: 2})
	ctx := context.Background()

	s, err := f.orch.Backfill(ctx, Request{})
	require.NoError(t, err)
	assert.False(t, s.Failed, "errors: %v", s.Errors)
	assert.NotEmpty(t, s.RunID)
	assert.Equal(t, 2, s.Entities, "the ETF is filtered out and the index is added")

	idx := find(t, s, domain.IndexCode, gather.KindPrice)
	assert.Equal(t, StateReconciled, idx.State)
	assert.Equal(t, windowDays, idx.Fixed)
	assert.Equal(t, []string{"good"}, idx.Sources)
	assert.Equal(t, StateNoGapFound, find(t, s, domain.IndexCode, gather.KindFlow).State)

	price := find(t, s, "2330", gather.KindPrice)
	assert.Equal(t, StateReconciled, price.State)
	assert.Equal(t, windowDays, price.Gaps)
	assert.Equal(t, windowDays, price.Fixed)
	assert.Zero(t, price.StillMissing)

	flow := find(t, s, "2330", gather.KindFlow)
	assert.Equal(t, StateReconciled, flow.State)
	assert.Equal(t, windowDays, flow.Fixed, "flow gaps follow the bars written earlier in the run")

	assert.Equal(t, 3*windowDays, s.Fixed)
	assert.Zero(t, s.StillMissing)
	assert.Zero(t, s.SourceExhausted)
	assert.Greater(t, int(f.broken.calls.Load()), 0, "the failing source is tried first")

	bars, err := f.store.Bars(ctx, "2330", 20241206, asOf)
	require.NoError(t, err)
	require.Len(t, bars, windowDays)
	assert.Equal(t, int64(6), bars[0].ForeignNet.Int64)

	codes, err := f.archive.ListCodes(domain.MarketPrimary)
	require.NoError(t, err)
	assert.Equal(t, []string{"2330"}, codes)

	// A second run finds nothing to do.
	before := f.price.calls.Load()
	s, err = f.orch.Backfill(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, s.Fixed)
	assert.Zero(t, s.Rows.Written())
	for _, r := range s.PerEntity {
		assert.Equal(t, StateNoGapFound, r.State, "%s %s", r.Code, r.Kind)
	}
	assert.Equal(t, before, f.price.calls.Load())
}

func TestBackfillSourceExhausted(t *testing.T) {
	broken := &fakeAdapter{name: "broken", rank: 1, kind: gather.KindPrice, fail: true}
	f := newFixture(t, Options{}, broken)

	s, err := f.orch.Backfill(context.Background(), Request{Entities: []string{"2330"}, Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)
	assert.False(t, s.Failed, "exhaustion is not a run failure")

	r := find(t, s, "2330", gather.KindPrice)
	assert.Equal(t, StateSourceExhausted, r.State)
	assert.Equal(t, windowDays, r.StillMissing)
	assert.Equal(t, windowDays, r.Exhausted)
	assert.Equal(t, windowDays, s.SourceExhausted)
	assert.Equal(t, windowDays, s.StillMissing)
}

func TestBackfillDryRunWritesNothing(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	s, err := f.orch.Backfill(ctx, Request{Entities: []string{"2330"}, DryRun: true, Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)
	assert.True(t, s.DryRun)
	assert.Equal(t, windowDays, s.Fixed, "the report describes what would be written")

	dates, err := f.store.BarDates(ctx, "2330", 20240101, asOf)
	require.NoError(t, err)
	assert.Empty(t, dates)
	codes, err := f.archive.ListCodes(domain.MarketPrimary)
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestBackfillUnknownEntity(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.orch.Backfill(context.Background(), Request{Entities: []string{"9999"}})
	require.NoError(t, err)
	assert.Empty(t, s.PerEntity)
	assert.Len(t, s.Errors, 1)
}

func TestBackfillRepairsAmountsWithoutFetching(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	var bars []domain.DailyBar
	for d := domain.Date(20241206); !d.After(asOf); d = d.AddDays(1) {
		if d.IsWeekend() {
			continue
		}
		b := domain.DailyBar{Code: "2330", Date: d, Close: domain.Price("10"), Volume: null.IntFrom(7), Amount: null.IntFrom(70)}
		if d == 20241211 {
			b.Amount = null.Int{}
		}
		bars = append(bars, b)
	}
	require.NoError(t, f.store.Write(ctx, false, func(tx store.Tx) error {
		for _, b := range bars {
			if err := tx.PutBar(ctx, b); err != nil {
				return err
			}
		}
		return nil
	}))

	s, err := f.orch.Backfill(ctx, Request{Entities: []string{"2330"}, Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)
	r := find(t, s, "2330", gather.KindPrice)
	assert.Equal(t, StateReconciled, r.State)
	assert.Equal(t, 1, r.Fixed)
	assert.Zero(t, f.price.calls.Load())

	got, err := f.store.Bars(ctx, "2330", 20241211, 20241211)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(70), got[0].Amount.Int64)
	assert.True(t, got[0].AmountEstimated)
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	stateDir := t.TempDir()
	broken := &fakeAdapter{name: "broken", rank: 1, kind: gather.KindPrice, fail: true}
	flow := &fakeAdapter{name: "flows", rank: 1, kind: gather.KindFlow}
	f := newFixture(t, Options{StateDir: stateDir}, broken, flow)
	ctx := context.Background()

	s, err := f.orch.Backfill(ctx, Request{})
	require.NoError(t, err)
	assert.Zero(t, s.Resumed)
	calls := broken.calls.Load()

	s, err = f.orch.Backfill(ctx, Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Resumed, "settled flow pairs are skipped")
	assert.Greater(t, broken.calls.Load(), calls, "exhausted pairs are retried")
	for _, r := range s.PerEntity {
		assert.Equal(t, gather.KindPrice, r.Kind)
	}

	data, err := os.ReadFile(filepath.Join(stateDir, asOf.Compact(), ".done"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "2330|flow")
}

func TestBackfillRetriesPartiallyExhaustedPairs(t *testing.T) {
	stateDir := t.TempDir()
	partial := &fakeAdapter{name: "partial", rank: 1, kind: gather.KindPrice, until: 20241213}
	f := newFixture(t, Options{StateDir: stateDir, MaxSpanDays: 5}, partial)
	ctx := context.Background()
	req := Request{Entities: []string{"2330"}, Kinds: []gather.Kind{gather.KindPrice}}

	s, err := f.orch.Backfill(ctx, req)
	require.NoError(t, err)
	r := find(t, s, "2330", gather.KindPrice)
	assert.Equal(t, StateReconciled, r.State)
	assert.Equal(t, 6, r.Fixed)
	assert.Equal(t, 5, r.StillMissing)
	assert.Equal(t, 5, r.Exhausted)
	assert.Equal(t, 5, s.SourceExhausted)
	_, err = os.Stat(filepath.Join(stateDir, ".last-completed"))
	assert.True(t, os.IsNotExist(err), "a run with open gaps is not complete")

	partial.until = 0
	s, err = f.orch.Backfill(ctx, req)
	require.NoError(t, err)
	assert.Zero(t, s.Resumed, "pairs with open gaps are not checkpointed")
	r = find(t, s, "2330", gather.KindPrice)
	assert.Equal(t, 5, r.Fixed)
	assert.Zero(t, s.StillMissing)

	bars, err := f.store.Bars(ctx, "2330", 20241216, asOf)
	require.NoError(t, err)
	assert.Len(t, bars, 5)
	data, err := os.ReadFile(filepath.Join(stateDir, ".last-completed"))
	require.NoError(t, err)
	assert.Equal(t, asOf.Compact(), string(data))

	s, err = f.orch.Backfill(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Resumed)
}

func TestBackfillWritesMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "twdata.prom")
	f := newFixture(t, Options{MetricsFile: path})
	_, err := f.orch.Backfill(context.Background(), Request{Entities: []string{"2330"}, Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `twdata_backfill_items_total{kind="price",state="Reconciled"} 1`)
	assert.Contains(t, text, `twdata_source_attempts_total{source="broken",status="failed"}`)
	assert.Contains(t, text, "twdata_backfill_failed 0")
}

func TestBackfillCancelled(t *testing.T) {
	f := newFixture(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.orch.Backfill(ctx, Request{})
	assert.Error(t, err)
}

func TestSummaryJSON(t *testing.T) {
	f := newFixture(t, Options{})
	s, err := f.orch.Backfill(context.Background(), Request{Entities: []string{"2330"}, Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)

	b, err := json.Marshal(s)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, float64(windowDays), decoded["fixed"])
	assert.Equal(t, "2024-12-20", decoded["as_of"])
	per := decoded["per_entity"].([]any)
	require.Len(t, per, 1)
	assert.Equal(t, "Reconciled", per[0].(map[string]any)["state"])
}

func TestRunImplementsGatherer(t *testing.T) {
	f := newFixture(t, Options{})
	var g gather.Gatherer = f.orch
	assert.Equal(t, "backfill", g.Name())
	assert.NoError(t, g.Run(context.Background()))
}

func TestDetectorIsShared(t *testing.T) {
	f := newFixture(t, Options{})
	e, ok, err := f.store.Entity(context.Background(), "2330")
	require.NoError(t, err)
	require.True(t, ok)
	items, err := f.orch.Detector().Detect(context.Background(), []domain.Entity{e}, gap.Query{Kinds: []gather.Kind{gather.KindPrice}})
	require.NoError(t, err)
	assert.Len(t, items, windowDays)
}
