package domain

import (
	"testing"

	"github.com/guregu/null/v6"
)

func TestDateRoundTrip(t *testing.T) {
	d := NewDate(2024, 12, 20)
	if d != 20241220 {
		t.Fatalf("NewDate = %d, want 20241220", d)
	}
	if got := d.String(); got != "2024-12-20" {
		t.Errorf("String() = %q, want %q", got, "2024-12-20")
	}
	for _, in := range []string{"2024-12-20", "2024/12/20", "20241220"} {
		got, err := ParseDate(in)
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", in, err)
		}
		if got != d {
			t.Errorf("ParseDate(%q) = %v, want %v", in, got, d)
		}
	}
	if _, err := ParseDate("20241340"); err == nil {
		t.Error("ParseDate accepted an impossible date")
	}
}

func TestDateArithmetic(t *testing.T) {
	d := MustParseDate("2024-02-28")
	if got := d.AddDays(1); got != 20240229 {
		t.Errorf("AddDays(1) = %d, want 20240229", got)
	}
	if got := d.AddDays(2); got != 20240301 {
		t.Errorf("AddDays(2) = %d, want 20240301", got)
	}
	if n := DaysBetween(d, d.AddDays(10)); n != 10 {
		t.Errorf("DaysBetween = %d, want 10", n)
	}
	if !MustParseDate("2024-03-02").IsWeekend() {
		t.Error("2024-03-02 is a Saturday")
	}
	if MinDate(0, d) != d || MinDate(d, d.AddDays(1)) != d {
		t.Error("MinDate mismatch")
	}
}

func TestFlowNet(t *testing.T) {
	f := NewFlow(1200, 200)
	if got := f.Net(); !got.Valid || got.Int64 != 1000 {
		t.Errorf("Net() = %v, want 1000", got)
	}
	half := Flow{Buy: null.IntFrom(5)}
	if half.Net().Valid {
		t.Error("Net() of half-populated flow should be null")
	}
	sum := f.Add(half)
	if sum.Buy.Int64 != 1205 || sum.Sell.Int64 != 200 {
		t.Errorf("Add = %+v", sum)
	}
}

func TestDailyBarValidate(t *testing.T) {
	base := DailyBar{Code: "2330", Date: 20240301, Open: Price("100"), High: Price("101"), Low: Price("99"), Close: Price("100.5")}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid bar rejected: %v", err)
	}

	cases := map[string]func(b *DailyBar){
		"negative open": func(b *DailyBar) { b.Open = Price("-1") },
		"zero close":    func(b *DailyBar) { b.Close = Price("0") },
		"high below low": func(b *DailyBar) {
			b.High = Price("98")
		},
		"no date": func(b *DailyBar) { b.Date = 0 },
	}
	for name, mutate := range cases {
		b := base
		mutate(&b)
		if err := b.Validate(); err == nil {
			t.Errorf("%s: expected ValidationError", name)
		}
	}
}

func TestDailyBarNormalize(t *testing.T) {
	b := DailyBar{Close: Price("100.456"), Open: Price("99.994")}
	b.Normalize()
	if b.Close.Decimal.String() != "100.46" {
		t.Errorf("Close = %s, want 100.46", b.Close.Decimal)
	}
	if b.Open.Decimal.String() != "99.99" {
		t.Errorf("Open = %s, want 99.99", b.Open.Decimal)
	}
	if b.High.Valid {
		t.Error("null High became valid")
	}
}

func TestDistributionValidate(t *testing.T) {
	ok := DistributionLevel{Code: "2330", Date: 20240301, Level: 17, Holders: null.IntFrom(10), Proportion: Price("100")}
	if err := ok.Validate(); err != nil {
		t.Fatalf("total row rejected: %v", err)
	}
	bad := ok
	bad.Level = 18
	if err := bad.Validate(); err == nil {
		t.Error("level 18 accepted")
	}
	adj := ok
	adj.Level = LevelAdjustment
	adj.Holders = null.IntFrom(-3)
	if err := adj.Validate(); err != nil {
		t.Errorf("adjustment row with negative delta rejected: %v", err)
	}
}

func TestInclusionRule(t *testing.T) {
	asOf := MustParseDate("2024-06-03")
	rule := DefaultInclusionRule()

	universe := []Entity{
		{Code: "2330", Name: "台積電", Market: MarketPrimary, Status: StatusNormal},
		{Code: "0050", Name: "元大台灣50", Market: MarketPrimary, Status: StatusNormal},
		{Code: "91055", Name: "DR", Market: MarketPrimary, Status: StatusNormal},
	}
	got := rule.Filter(universe, asOf)
	if len(got) != 1 || got[0].Code != "2330" {
		t.Fatalf("Filter = %+v, want only 2330", got)
	}

	excluded := []Entity{
		{Code: "9105", Name: "泰金寶-DR", Market: MarketPrimary, Status: StatusNormal},
		{Code: "2881", Name: "富邦金特", Market: MarketPrimary, Status: StatusNormal},
		{Code: "2330", Name: "台積電", Market: MarketPrimary, Status: StatusSuspended},
		{Code: "1101", Name: "台泥", Market: MarketPrimary, Status: StatusNormal, DelistingDate: 20240101},
		{Code: "030001", Name: "warrant", Market: MarketPrimary, Status: StatusNormal},
		{Code: "TAIEX", Name: "index", Market: MarketPrimary},
	}
	for _, e := range excluded {
		if rule.Includes(e, asOf) {
			t.Errorf("Includes(%s %s) = true, want false", e.Code, e.Name)
		}
	}

	if !rule.Includes(IndexEntity(), asOf) {
		t.Error("index pseudo-entity excluded")
	}
	otc := Entity{Code: "6488", Name: "環球晶", Market: MarketSecondary, Status: StatusNormal, DelistingDate: 20250101}
	if !rule.Includes(otc, asOf) {
		t.Error("entity delisted in the future excluded")
	}
}
