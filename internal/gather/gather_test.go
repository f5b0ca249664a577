package gather

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twdata/internal/domain"
)

func TestDateRangeNormalize(t *testing.T) {
	today := domain.MustParseDate("2024-12-31")
	r := DateRange{}.Normalize(today)
	assert.Equal(t, today, r.End)
	assert.Equal(t, domain.MustParseDate("2024-01-01"), r.Start)

	swapped := DateRange{Start: 20240310, End: 20240301}.Normalize(today)
	assert.Equal(t, domain.Date(20240301), swapped.Start)
}

func TestDateRangeMonths(t *testing.T) {
	r := DateRange{Start: 20231115, End: 20240203}
	var got []Month
	for m := range r.Months() {
		got = append(got, m)
	}
	require.Len(t, got, 4)
	assert.Equal(t, Month{2023, 11}, got[0])
	assert.Equal(t, Month{2024, 2}, got[3])
	assert.Equal(t, domain.Date(20240229), got[3].Last())

	n := 0
	for range r.Months() {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestDateRangeYears(t *testing.T) {
	var got []DateRange
	for part := range (DateRange{Start: 20221201, End: 20240115}).Years() {
		got = append(got, part)
	}
	require.Len(t, got, 3)
	assert.Equal(t, DateRange{Start: 20221201, End: 20221231}, got[0])
	assert.Equal(t, DateRange{Start: 20230101, End: 20231231}, got[1])
	assert.Equal(t, DateRange{Start: 20240101, End: 20240115}, got[2])
}

func TestParseKinds(t *testing.T) {
	kinds, err := ParseKinds([]string{"flow, price", "flow"})
	require.NoError(t, err)
	assert.Equal(t, []Kind{KindFlow, KindPrice}, kinds)

	all, err := ParseKinds(nil)
	require.NoError(t, err)
	assert.Equal(t, AllKinds, all)

	_, err = ParseKinds([]string{"margin"})
	assert.Error(t, err)
}

func TestResultFinish(t *testing.T) {
	r := Result{Kind: KindPrice, Bars: bars("2330", "1")}
	assert.Equal(t, StatusSuccess, r.Finish(nil).Status)

	assert.Equal(t, StatusEmpty, Result{Kind: KindPrice}.Finish(nil).Status)
	assert.Equal(t, StatusEmpty, Result{Kind: KindPrice}.Finish(ErrNoData).Status)

	failed := r.Finish(&TransportError{Source: "x", Status: 503})
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Empty(t, failed.Bars)
	var te *TransportError
	assert.True(t, errors.As(failed.Err, &te))
	assert.True(t, te.Retryable())
	assert.False(t, (&TransportError{Status: 404}).Retryable())
}

func TestParseErrorTruncatesSnippet(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = 'x'
	}
	pe := NewParseError("tdcc", body, errors.New("no table"))
	assert.Len(t, pe.Snippet, snippetLimit)
	assert.Contains(t, pe.Error(), "no table")

	// 3-byte runes never land on the byte limit.
	body = []byte("x" + strings.Repeat("集保戶股權分散表", 20))
	pe = NewParseError("tdcc", body, errors.New("no table"))
	assert.True(t, utf8.ValidString(pe.Snippet))
	assert.LessOrEqual(t, len(pe.Snippet), snippetLimit)
	assert.Greater(t, len(pe.Snippet), snippetLimit-utf8.UTFMax)
	assert.True(t, strings.HasPrefix(string(body), pe.Snippet))
}

func TestDistributionSanity(t *testing.T) {
	level := func(lv int, pct string) domain.DistributionLevel {
		return domain.DistributionLevel{Code: "2330", Date: 20240301, Level: lv, Holders: null.IntFrom(1), Proportion: domain.Price(pct)}
	}
	ok := Result{Kind: KindDistribution, Status: StatusSuccess, Levels: []domain.DistributionLevel{
		level(1, "40.5"), level(2, "30"), level(15, "29"),
	}}
	assert.True(t, ok.Sane())

	off := Result{Kind: KindDistribution, Status: StatusSuccess, Levels: []domain.DistributionLevel{
		level(1, "40"), level(2, "30"),
	}}
	assert.False(t, off.Sane())

	total := Result{Kind: KindDistribution, Status: StatusSuccess, Levels: []domain.DistributionLevel{level(17, "100")}}
	assert.True(t, total.Sane())
}
