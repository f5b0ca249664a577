package tw

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/traditionalchinese"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

var tdccTiers = []struct {
	label   string
	holders string
	shares  string
	pct     string
}{
	{"1-999", "500,000", "80,000,000", "0.31"},
	{"1,000-5,000", "400,000", "800,000,000", "3.08"},
	{"5,001-10,000", "60,000", "450,000,000", "1.73"},
	{"10,001-15,000", "20,000", "250,000,000", "0.96"},
	{"15,001-20,000", "10,000", "180,000,000", "0.69"},
	{"20,001-30,000", "9,000", "220,000,000", "0.85"},
	{"30,001-40,000", "4,000", "140,000,000", "0.54"},
	{"40,001-50,000", "2,500", "110,000,000", "0.42"},
	{"50,001-100,000", "5,000", "350,000,000", "1.35"},
	{"100,001-200,000", "2,800", "400,000,000", "1.54"},
	{"200,001-400,000", "1,700", "480,000,000", "1.85"},
	{"400,001-600,000", "700", "340,000,000", "1.31"},
	{"600,001-800,000", "400", "280,000,000", "1.08"},
	{"800,001-1,000,000", "300", "270,000,000", "1.04"},
	{"1,000,001以上", "1,500", "21,582,000,000", "83.20"},
	{"差異數調整（說明4）", "", "-2,000", "0.00"},
	{"合計", "1,017,900", "25,930,000,000", "100.00"},
}

func tdccResultPage(headers bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><table class="table"><thead>`)
	if headers {
		b.WriteString(`<tr><th colspan="5">資料日期：113年12月20日</th></tr>`)
		b.WriteString(`<tr><th>序</th><th>持股/單位數分級</th><th>人數</th><th>股數/單位數</th><th>占集保庫存數比例 (%)</th></tr>`)
	}
	b.WriteString(`</thead><tbody>`)
	for i, tier := range tdccTiers {
		seq := fmt.Sprint(i + 1)
		if i == len(tdccTiers)-1 {
			seq = ""
		}
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
			seq, tier.label, tier.holders, tier.shares, tier.pct)
	}
	b.WriteString(`</tbody></table></body></html>`)
	return b.String()
}

func goqueryDoc(html string) (*goquery.Selection, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	return doc.Selection, nil
}

func TestTDCCFormAndQuery(t *testing.T) {
	var (
		mu     sync.Mutex
		posted []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: "abc"})
			fmt.Fprint(w, `<form><input type="hidden" name="SYNCHRONIZER_TOKEN" value="tok-1">
				<select name="scaDate"><option value="20241220">20241220</option>
				<option value="20241213">20241213</option><option value="20241206">20241206</option></select></form>`)
			return
		}
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "tok-1", r.PostForm.Get("SYNCHRONIZER_TOKEN"))
		assert.Equal(t, "2330", r.PostForm.Get("stockNo"))
		if c, err := r.Cookie("JSESSIONID"); assert.NoError(t, err, "session cookie must follow the token") {
			assert.Equal(t, "abc", c.Value)
		}
		mu.Lock()
		posted = append(posted, r.PostForm.Get("scaDate"))
		mu.Unlock()
		fmt.Fprint(w, tdccResultPage(true))
	}))
	defer srv.Close()

	res := NewTDCC(testSettings(srv.URL)).Fetch(context.Background(), gather.Request{
		Entity: domain.Entity{Code: "2330", Market: domain.MarketPrimary},
		Range:  rng("2024-12-10", "2024-12-31"),
	})
	require.Equal(t, gather.StatusSuccess, res.Status, "err: %v", res.Err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"20241213", "20241220"}, posted, "only dates inside the range, oldest first")
	require.Len(t, res.Levels, 2*len(tdccTiers))

	first := res.Levels[0]
	assert.Equal(t, domain.Date(20241213), first.Date)
	assert.Equal(t, 1, first.Level)
	assert.Equal(t, int64(500000), first.Holders.Int64)
	assert.Equal(t, int64(80000000), first.Shares.Int64)
	assert.Equal(t, "0.31", first.Proportion.Decimal.String())

	adj := res.Levels[15]
	assert.Equal(t, domain.LevelAdjustment, adj.Level)
	assert.False(t, adj.Holders.Valid)
	assert.Equal(t, int64(-2000), adj.Shares.Int64)

	assert.Equal(t, domain.LevelTotal, res.Levels[16].Level)
	assert.True(t, res.Sane())
}

func TestDistributionTableInfersRolesWithoutHeaders(t *testing.T) {
	doc, err := goqueryDoc(tdccResultPage(false))
	require.NoError(t, err)
	rows, err := distributionTable(doc)
	require.NoError(t, err)
	require.Len(t, rows, len(tdccTiers))
	assert.Equal(t, "500,000", rows[0].holders)
	assert.Equal(t, "80,000,000", rows[0].shares)
	assert.Equal(t, "0.31", rows[0].proportion)
}

func TestAssignRolesRejectsAmbiguousTable(t *testing.T) {
	_, _, _, err := assignRoles([][]string{{"1-999", "10", "20"}}, 0)
	assert.Error(t, err)
}

func TestTDCCOpenDataBig5AndCache(t *testing.T) {
	csv := "資料日期,證券代號,持股分級,人數,股數,占集保庫存數比例%\n" +
		"20241220,2330,1,500000,80000000,0.31\n" +
		"20241220,2330,17,1017900,25930000000,100.00\n" +
		"20241220,6488,1,20000,1000000,1.20\n" +
		"bad,6488,1,1,1,1\n"
	big5, err := traditionalchinese.Big5.NewEncoder().String(csv)
	require.NoError(t, err)

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "1-5", r.URL.Query().Get("id"))
		fmt.Fprint(w, big5)
	}))
	defer srv.Close()

	a := NewTDCCOpenData(testSettings(srv.URL))
	now := time.Date(2024, 12, 21, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	res := a.Fetch(context.Background(), gather.Request{
		Entity: domain.Entity{Code: "2330", Market: domain.MarketPrimary},
		Range:  rng("2024-12-01", "2024-12-31"),
	})
	require.Equal(t, gather.StatusSuccess, res.Status, "err: %v", res.Err)
	require.Len(t, res.Levels, 2)
	assert.Equal(t, domain.LevelTotal, res.Levels[1].Level)

	res = a.Fetch(context.Background(), gather.Request{
		Entity: domain.Entity{Code: "6488", Market: domain.MarketSecondary},
		Range:  rng("2024-12-01", "2024-12-31"),
	})
	require.Len(t, res.Levels, 1)
	assert.Equal(t, int32(1), calls.Load(), "snapshot reused within the TTL")

	res = a.Fetch(context.Background(), gather.Request{
		Entity: domain.Entity{Code: "2330", Market: domain.MarketPrimary},
		Range:  rng("2024-11-01", "2024-11-30"),
	})
	assert.Equal(t, gather.StatusEmpty, res.Status, "only the latest week is published")

	now = now.Add(openDataTTL + time.Minute)
	a.Fetch(context.Background(), gather.Request{
		Entity: domain.Entity{Code: "2330", Market: domain.MarketPrimary},
		Range:  rng("2024-12-01", "2024-12-31"),
	})
	assert.Equal(t, int32(2), calls.Load())
}
