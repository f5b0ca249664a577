package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twdata/internal/domain"
	"twdata/internal/gather"
	"twdata/internal/store"
	"twdata/internal/util"
)

var tsmc = domain.Entity{Code: "2330", Market: domain.MarketPrimary, IssuedShares: null.IntFrom(1000)}

func setup(t *testing.T) (*store.SQLiteStore, *Reconciler) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, New(s, Options{Logger: util.Discard()})
}

func priceResult(source string, rank int, bars ...domain.DailyBar) gather.Result {
	return gather.Result{Code: "2330", Source: source, Rank: rank, Kind: gather.KindPrice, Status: gather.StatusSuccess, Bars: bars}
}

func flowResult(source string, rank int, flows ...domain.InstitutionalFlow) gather.Result {
	return gather.Result{Code: "2330", Source: source, Rank: rank, Kind: gather.KindFlow, Status: gather.StatusSuccess, Flows: flows}
}

func bar(date domain.Date, close string, volume, amount int64) domain.DailyBar {
	b := domain.DailyBar{Code: "2330", Date: date, Close: domain.Price(close)}
	if volume >= 0 {
		b.Volume = null.IntFrom(volume)
	}
	if amount >= 0 {
		b.Amount = null.IntFrom(amount)
	}
	return b
}

func storedBar(t *testing.T, s *store.SQLiteStore, date domain.Date) domain.DailyBar {
	t.Helper()
	bars, err := s.Bars(context.Background(), "2330", date, date)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	return bars[0]
}

func TestApplyIsIdempotent(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	in := []gather.Result{priceResult("twse", 1,
		domain.DailyBar{Date: 20241220, Open: domain.Price("1070"), High: domain.Price("1080"),
			Low: domain.Price("1065"), Close: domain.Price("1075.555"), Volume: null.IntFrom(100), Amount: null.IntFrom(107500)},
	)}

	rep, err := r.Apply(ctx, tsmc, in, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted)
	assert.Equal(t, []domain.Date{20241220}, rep.Complete)
	first := storedBar(t, s, 20241220)
	assert.Equal(t, "1075.56", first.Close.Decimal.String(), "prices are normalized")

	rep, err = r.Apply(ctx, tsmc, in, false)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Written())
	assert.Equal(t, 1, rep.Unchanged)
	assert.True(t, sameBar(first, storedBar(t, s, 20241220)))
}

func TestCloseNeverRegresses(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bar(20241220, "100", 500, 50000))}, false)
	require.NoError(t, err)

	nullClose := bar(20241220, "", 600, -1)
	rep, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, nullClose)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated, "the volume still changes")

	got := storedBar(t, s, 20241220)
	assert.Equal(t, "100", got.Close.Decimal.String())
	assert.Equal(t, int64(600), got.Volume.Int64)
	assert.Equal(t, int64(50000), got.Amount.Int64, "a null amount never erases a stored one")

	// A zero close is rejected outright.
	rep, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, bar(20241220, "0", 600, 0))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, "100", storedBar(t, s, 20241220).Close.Decimal.String())

	// Zero volume never replaces a non-zero one.
	_, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, bar(20241220, "101", 0, 0))}, false)
	require.NoError(t, err)
	got = storedBar(t, s, 20241220)
	assert.Equal(t, "101", got.Close.Decimal.String())
	assert.Equal(t, int64(600), got.Volume.Int64)
	assert.Equal(t, int64(50000), got.Amount.Int64)

	// Rows that only lose against the store are told apart from no-ops.
	rep, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, bar(20241220, "", 600, 50000))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RejectedWorse)
	assert.Zero(t, rep.Unchanged)
	assert.Zero(t, rep.Written())

	rep, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, bar(20241220, "101", 0, 50000))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RejectedWorse)

	rep, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bar(20241220, "101", 600, 50000))}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Zero(t, rep.RejectedWorse)
	assert.Equal(t, "101", storedBar(t, s, 20241220).Close.Decimal.String())
}

func TestConflictingAmount(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("finmind", 2, bar(20241220, "100.0", 500, -1))}, false)
	require.NoError(t, err)
	assert.False(t, storedBar(t, s, 20241220).Amount.Valid)

	incoming := []gather.Result{priceResult("twse", 1, bar(20241220, "100.0", 500, 50000))}
	rep, err := r.Apply(ctx, tsmc, incoming, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	got := storedBar(t, s, 20241220)
	assert.Equal(t, int64(50000), got.Amount.Int64)
	assert.Equal(t, "twse", got.Source)

	rep, err = r.Apply(ctx, tsmc, incoming, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Equal(t, 0, rep.Written())
}

func TestCoalesceByRankThenFields(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()

	sparse := domain.DailyBar{Date: 20241220, Close: domain.Price("100"), Volume: null.IntFrom(0)}
	full := domain.DailyBar{Date: 20241220, Open: domain.Price("98"), High: domain.Price("102"), Low: domain.Price("97"),
		Close: domain.Price("99"), Volume: null.IntFrom(500), Amount: null.IntFrom(49500)}
	rival := domain.DailyBar{Date: 20241220, Open: domain.Price("95"), Close: domain.Price("90")}

	_, err := r.Apply(ctx, tsmc, []gather.Result{
		priceResult("finmind", 2, full),
		priceResult("twse", 1, sparse),
		priceResult("archive", 2, rival),
	}, false)
	require.NoError(t, err)

	got := storedBar(t, s, 20241220)
	assert.Equal(t, "100", got.Close.Decimal.String(), "lowest rank wins the close")
	assert.Equal(t, "98", got.Open.Decimal.String(), "ties go to the fuller row")
	assert.Equal(t, int64(500), got.Volume.Int64, "non-zero volume beats zero")
	assert.Equal(t, int64(49500), got.Amount.Int64)
	assert.Equal(t, "twse", got.Source)
}

func TestValidationRejects(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	bad := domain.DailyBar{Date: 20241219, High: domain.Price("90"), Low: domain.Price("95"), Close: domain.Price("92")}
	neg := domain.DailyBar{Date: 20241218, Close: domain.Price("-1")}
	good := bar(20241220, "100", 1, 100)

	rep, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bad, neg, good)}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Rejected)
	assert.Equal(t, 1, rep.Inserted)

	dates, err := s.BarDates(ctx, "2330", 20241201, 20241231)
	require.NoError(t, err)
	assert.Equal(t, []domain.Date{20241220}, dates)
}

func TestFailedResultsAreIgnored(t *testing.T) {
	s, r := setup(t)
	res := priceResult("twse", 1, bar(20241220, "100", 1, 100))
	res.Status = gather.StatusFailed
	other := priceResult("twse", 1, bar(20241220, "100", 1, 100))
	other.Code = "1101"

	rep, err := r.Apply(context.Background(), tsmc, []gather.Result{res, other}, false)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Written())
	dates, err := s.BarDates(context.Background(), "2330", 20241201, 20241231)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestDryRunWritesNothing(t *testing.T) {
	s, r := setup(t)
	rep, err := r.Apply(context.Background(), tsmc, []gather.Result{priceResult("twse", 1, bar(20241220, "100", 1, 100))}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Inserted, "the report still describes the batch")

	dates, err := s.BarDates(context.Background(), "2330", 20241201, 20241231)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

func TestFlowsKeepNetsConsistent(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bar(20241219, "100", 1, 100))}, false)
	require.NoError(t, err)

	rep, err := r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241219, Foreign: domain.NewFlow(300, 100), Trust: domain.NewFlow(0, 50)},
		domain.InstitutionalFlow{Date: 20241220, Foreign: domain.NewFlow(10, 20)},
	)}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)

	flows, err := s.Flows(ctx, "2330", 20241201, 20241231)
	require.NoError(t, err)
	require.Len(t, flows, 2)
	for _, f := range flows {
		for _, c := range f.Classes() {
			if c.Valid() {
				assert.Equal(t, c.Buy.Int64-c.Sell.Int64, c.Net().Int64)
			}
		}
	}

	b := storedBar(t, s, 20241219)
	assert.Equal(t, int64(200), b.ForeignNet.Int64)
	assert.Equal(t, int64(-50), b.TrustNet.Int64)
	assert.False(t, b.DealerNet.Valid)

	// A bar arriving after its flow picks the nets up.
	_, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bar(20241220, "101", 1, 101))}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(-10), storedBar(t, s, 20241220).ForeignNet.Int64)
}

func TestHoldingEstimateIsFlooredAtZero(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241216, Foreign: domain.NewFlow(0, 300)},
		domain.InstitutionalFlow{Date: 20241217, Foreign: domain.NewFlow(100, 0)},
		domain.InstitutionalFlow{Date: 20241218, Foreign: domain.NewFlow(0, 50)},
		domain.InstitutionalFlow{Date: 20241219, Foreign: domain.NewFlow(200, 0)},
	)}, false)
	require.NoError(t, err)

	flows, err := s.Flows(ctx, "2330", 20241201, 20241231)
	require.NoError(t, err)
	require.Len(t, flows, 4)
	var got []int64
	for _, f := range flows {
		require.True(t, f.ForeignHolding.Shares.Valid)
		assert.GreaterOrEqual(t, f.ForeignHolding.Shares.Int64, int64(0))
		got = append(got, f.ForeignHolding.Shares.Int64)
		assert.False(t, f.TrustHolding.Shares.Valid, "no trust activity, no estimate")
	}
	// Totals: -300, -200, -250, -50; running minimum -300.
	assert.Equal(t, []int64{0, 100, 50, 250}, got)
	assert.Equal(t, "25", flows[3].ForeignHolding.Pct.Decimal.String(), "250 of 1000 issued shares")

	// An earlier row arriving later rewrites the whole series.
	_, err = r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241213, Foreign: domain.NewFlow(1000, 0)},
	)}, false)
	require.NoError(t, err)
	flows, err = s.Flows(ctx, "2330", 20241201, 20241231)
	require.NoError(t, err)
	assert.Equal(t, int64(950), flows[4].ForeignHolding.Shares.Int64)
}

func TestHoldingSeries(t *testing.T) {
	got := holdingSeries([]null.Int{{}, null.IntFrom(5), null.IntFrom(-10), {}, null.IntFrom(3)})
	assert.False(t, got[0].Valid)
	assert.Equal(t, int64(5), got[1].Int64)
	assert.Equal(t, int64(0), got[2].Int64)
	assert.Equal(t, int64(0), got[3].Int64)
	assert.Equal(t, int64(3), got[4].Int64)
}

func TestFlowMergeKeepsKnownSides(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{flowResult("twse-t86", 2,
		domain.InstitutionalFlow{Date: 20241220, Foreign: domain.NewFlow(10, 5), Dealer: domain.NewFlow(1, 1)},
	)}, false)
	require.NoError(t, err)

	rep, err := r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241220, Foreign: domain.NewFlow(12, 5)},
	)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)

	flows, err := s.Flows(ctx, "2330", 20241220, 20241220)
	require.NoError(t, err)
	require.Len(t, flows, 1)
	assert.Equal(t, int64(7), flows[0].Foreign.Net().Int64)
	assert.Equal(t, int64(0), flows[0].Dealer.Net().Int64, "dealer sides survive")
	assert.Equal(t, "finmind", flows[0].Source)

	rep, err = r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241220, Foreign: domain.NewFlow(12, 5)},
	)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RejectedWorse, "the dealer sides are missing")
	assert.Zero(t, rep.Written())

	rep, err = r.Apply(ctx, tsmc, []gather.Result{flowResult("finmind", 1,
		domain.InstitutionalFlow{Date: 20241220, Trust: domain.Flow{Buy: null.IntFrom(-1), Sell: null.IntFrom(0)}},
	)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
}

func TestLevels(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	lv := func(level int, holders int64, pct string) domain.DistributionLevel {
		return domain.DistributionLevel{Date: 20241220, Level: level, Holders: null.IntFrom(holders), Proportion: domain.Price(pct)}
	}
	res := gather.Result{Code: "2330", Source: "tdcc", Rank: 1, Kind: gather.KindDistribution, Status: gather.StatusSuccess,
		Levels: []domain.DistributionLevel{lv(1, 500, "0.31"), lv(17, 1000, "100"), lv(18, 1, "1")}}

	rep, err := r.Apply(ctx, tsmc, []gather.Result{res}, false)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Inserted)
	assert.Equal(t, 1, rep.Rejected)
	assert.Equal(t, []domain.Date{20241220}, rep.Complete)

	shares := res
	shares.Source, shares.Rank = "finmind", 3
	shares.Levels = []domain.DistributionLevel{{Date: 20241220, Level: 1, Shares: null.IntFrom(80000)}}
	rep, err = r.Apply(ctx, tsmc, []gather.Result{shares}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)

	levels, err := s.Levels(ctx, "2330", 20241220)
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, int64(500), levels[0].Holders.Int64)
	assert.Equal(t, int64(80000), levels[0].Shares.Int64)

	rep, err = r.Apply(ctx, tsmc, []gather.Result{res}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Unchanged)
	assert.Equal(t, 1, rep.RejectedWorse, "level 1 comes back without its shares")
	assert.Equal(t, 1, rep.Rejected)
	levels, err = s.Levels(ctx, "2330", 20241220)
	require.NoError(t, err)
	assert.Equal(t, int64(80000), levels[0].Shares.Int64)
}

func TestRepairAmounts(t *testing.T) {
	s, r := setup(t)
	ctx := context.Background()
	_, err := r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1,
		bar(20241218, "100.5", 333, -1),
		bar(20241219, "100", 0, -1),
		bar(20241220, "100", 10, 1000),
	)}, false)
	require.NoError(t, err)

	repaired, err := r.RepairAmounts(ctx, "2330", []domain.Date{20241217, 20241218, 20241219, 20241220}, false)
	require.NoError(t, err)
	assert.Equal(t, []domain.Date{20241218}, repaired)

	got := storedBar(t, s, 20241218)
	assert.Equal(t, int64(33467), got.Amount.Int64, "round(100.5*333)")
	assert.True(t, got.AmountEstimated)

	// A reported amount later replaces the estimate.
	_, err = r.Apply(ctx, tsmc, []gather.Result{priceResult("twse", 1, bar(20241218, "100.5", 333, 33470))}, false)
	require.NoError(t, err)
	got = storedBar(t, s, 20241218)
	assert.Equal(t, int64(33470), got.Amount.Int64)
	assert.False(t, got.AmountEstimated)
}
