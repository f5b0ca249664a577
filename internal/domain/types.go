// Package domain defines the canonical row shapes shared by every stage of
// the reconciliation pipeline: entities, daily bars, institutional flows and
// shareholding distribution levels.
package domain

import (
	"fmt"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// Market identifies the listing venue of an entity.
type Market string

const (
	MarketPrimary   Market = "primary"   // TWSE
	MarketSecondary Market = "secondary" // TPEx
	MarketIndex     Market = "index"
)

// Status is the trading status reported by the listing feed.
type Status string

const (
	StatusNormal    Status = "Normal"
	StatusSuspended Status = "Suspended"
	StatusPunished  Status = "Punished"
)

// PriceDecimals is the precision every price is normalized to.
const PriceDecimals = 2

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

// Entity is a tradable instrument or the index pseudo-entity.
type Entity struct {
	Code          string
	Name          string
	Market        Market
	Industry      string
	ListingDate   Date // zero when unknown
	DelistingDate Date // zero while listed
	Status        Status
	IssuedShares  null.Int
}

// Delisted reports whether the entity had stopped trading on asOf.
func (e Entity) Delisted(asOf Date) bool {
	return !e.DelistingDate.IsZero() && !e.DelistingDate.After(asOf)
}

// ---------------------------------------------------------------------------
// DailyBar
// ---------------------------------------------------------------------------

// DailyBar is one OHLCV row for one entity on one trading date. Close is the
// only load-bearing field: a bar without a close is incomplete.
type DailyBar struct {
	Code   string
	Date   Date
	Open   decimal.NullDecimal
	High   decimal.NullDecimal
	Low    decimal.NullDecimal
	Close  decimal.NullDecimal
	Volume null.Int // shares
	Amount null.Int // NTD, omitted by some sources

	// AmountEstimated marks an amount derived as close*volume rather than
	// reported by a source.
	AmountEstimated bool

	// Same-day institutional net volumes, denormalized from
	// InstitutionalFlow for query convenience.
	ForeignNet null.Int
	TrustNet   null.Int
	DealerNet  null.Int

	Source string
}

// Complete reports whether the bar carries a close.
func (b DailyBar) Complete() bool {
	return b.Close.Valid
}

// NonNullFields counts populated price/volume fields; used as the tie
// breaker between equally ranked sources.
func (b DailyBar) NonNullFields() int {
	n := 0
	for _, d := range []decimal.NullDecimal{b.Open, b.High, b.Low, b.Close} {
		if d.Valid {
			n++
		}
	}
	for _, v := range []null.Int{b.Volume, b.Amount} {
		if v.Valid {
			n++
		}
	}
	return n
}

// Normalize rounds prices to PriceDecimals.
func (b *DailyBar) Normalize() {
	b.Open = RoundPrice(b.Open)
	b.High = RoundPrice(b.High)
	b.Low = RoundPrice(b.Low)
	b.Close = RoundPrice(b.Close)
}

// Validate rejects rows that must never reach the store.
func (b DailyBar) Validate() error {
	if b.Code == "" || !b.Date.Valid() {
		return &ValidationError{Code: b.Code, Date: b.Date, Reason: "missing key"}
	}
	for name, p := range map[string]decimal.NullDecimal{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close} {
		if p.Valid && p.Decimal.IsNegative() {
			return &ValidationError{Code: b.Code, Date: b.Date, Reason: name + " is negative"}
		}
	}
	if b.Close.Valid && b.Close.Decimal.IsZero() {
		return &ValidationError{Code: b.Code, Date: b.Date, Reason: "close is zero"}
	}
	if b.High.Valid && b.Low.Valid && b.High.Decimal.LessThan(b.Low.Decimal) {
		return &ValidationError{Code: b.Code, Date: b.Date, Reason: "high below low"}
	}
	if b.Volume.Valid && b.Volume.Int64 < 0 {
		return &ValidationError{Code: b.Code, Date: b.Date, Reason: "volume is negative"}
	}
	if b.Amount.Valid && b.Amount.Int64 < 0 {
		return &ValidationError{Code: b.Code, Date: b.Date, Reason: "amount is negative"}
	}
	return nil
}

// NeedsAmount reports a row that traded but carries no turnover.
func (b DailyBar) NeedsAmount() bool {
	return b.Volume.Valid && b.Volume.Int64 > 0 && (!b.Amount.Valid || b.Amount.Int64 == 0)
}

// RoundPrice rounds a nullable price to PriceDecimals.
func RoundPrice(p decimal.NullDecimal) decimal.NullDecimal {
	if !p.Valid {
		return p
	}
	return decimal.NewNullDecimal(p.Decimal.Round(PriceDecimals))
}

// Price is a convenience constructor used by adapters and tests.
func Price(s string) decimal.NullDecimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// ---------------------------------------------------------------------------
// InstitutionalFlow
// ---------------------------------------------------------------------------

// Flow is one investor class's buy and sell volume for a day.
type Flow struct {
	Buy  null.Int
	Sell null.Int
}

// NewFlow builds a fully populated Flow.
func NewFlow(buy, sell int64) Flow {
	return Flow{Buy: null.IntFrom(buy), Sell: null.IntFrom(sell)}
}

// Valid reports whether both sides are known.
func (f Flow) Valid() bool {
	return f.Buy.Valid && f.Sell.Valid
}

// Net is buy minus sell, null unless both sides are known.
func (f Flow) Net() null.Int {
	if !f.Valid() {
		return null.Int{}
	}
	return null.IntFrom(f.Buy.Int64 - f.Sell.Int64)
}

// Add sums two flows; a side stays null only if both operands are null.
func (f Flow) Add(o Flow) Flow {
	return Flow{Buy: addNull(f.Buy, o.Buy), Sell: addNull(f.Sell, o.Sell)}
}

func addNull(a, b null.Int) null.Int {
	switch {
	case !a.Valid:
		return b
	case !b.Valid:
		return a
	}
	return null.IntFrom(a.Int64 + b.Int64)
}

// HoldingEstimate is a best-effort holding figure derived from cumulative
// net flows. It is not an authoritative balance.
type HoldingEstimate struct {
	Shares null.Int
	Pct    decimal.NullDecimal
}

// InstitutionalFlow is one row of foreign/trust/dealer activity.
type InstitutionalFlow struct {
	Code    string
	Date    Date
	Foreign Flow
	Trust   Flow
	Dealer  Flow

	ForeignHolding HoldingEstimate
	TrustHolding   HoldingEstimate
	DealerHolding  HoldingEstimate

	Source string
}

// Classes returns the three investor classes in storage order.
func (f InstitutionalFlow) Classes() [3]Flow {
	return [3]Flow{f.Foreign, f.Trust, f.Dealer}
}

// NonNullFields counts populated buy/sell sides.
func (f InstitutionalFlow) NonNullFields() int {
	n := 0
	for _, c := range f.Classes() {
		if c.Buy.Valid {
			n++
		}
		if c.Sell.Valid {
			n++
		}
	}
	return n
}

// Validate rejects rows without any complete class or with negative sides.
func (f InstitutionalFlow) Validate() error {
	if f.Code == "" || !f.Date.Valid() {
		return &ValidationError{Code: f.Code, Date: f.Date, Reason: "missing key"}
	}
	complete := false
	for _, c := range f.Classes() {
		if (c.Buy.Valid && c.Buy.Int64 < 0) || (c.Sell.Valid && c.Sell.Int64 < 0) {
			return &ValidationError{Code: f.Code, Date: f.Date, Reason: "negative volume"}
		}
		if c.Valid() {
			complete = true
		}
	}
	if !complete {
		return &ValidationError{Code: f.Code, Date: f.Date, Reason: "no complete investor class"}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Shareholding distribution
// ---------------------------------------------------------------------------

const (
	MinLevel        = 1
	LevelAdjustment = 16 // reconciliation difference reported by the depository
	LevelTotal      = 17
)

// DistributionLevel is one ownership-size tier for an entity on a weekly
// report date.
type DistributionLevel struct {
	Code       string
	Date       Date
	Level      int
	Holders    null.Int
	Shares     null.Int
	Proportion decimal.NullDecimal // percent
	Source     string
}

// NonNullFields counts populated measures.
func (l DistributionLevel) NonNullFields() int {
	n := 0
	if l.Holders.Valid {
		n++
	}
	if l.Shares.Valid {
		n++
	}
	if l.Proportion.Valid {
		n++
	}
	return n
}

// Validate rejects out-of-range levels and negative measures.
func (l DistributionLevel) Validate() error {
	if l.Code == "" || !l.Date.Valid() {
		return &ValidationError{Code: l.Code, Date: l.Date, Reason: "missing key"}
	}
	if l.Level < MinLevel || l.Level > LevelTotal {
		return &ValidationError{Code: l.Code, Date: l.Date, Reason: fmt.Sprintf("level %d out of range", l.Level)}
	}
	if l.Proportion.Valid && (l.Proportion.Decimal.IsNegative() || l.Proportion.Decimal.GreaterThan(decimal.NewFromInt(100))) {
		if l.Level != LevelAdjustment {
			return &ValidationError{Code: l.Code, Date: l.Date, Reason: "proportion out of range"}
		}
	}
	if l.Level != LevelAdjustment && ((l.Holders.Valid && l.Holders.Int64 < 0) || (l.Shares.Valid && l.Shares.Int64 < 0)) {
		return &ValidationError{Code: l.Code, Date: l.Date, Reason: "negative measure"}
	}
	return nil
}

// ProportionSum adds the proportions of the tier levels (1..16) of a single
// report; the total row is excluded.
func ProportionSum(levels []DistributionLevel) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range levels {
		if l.Level < LevelTotal && l.Proportion.Valid {
			sum = sum.Add(l.Proportion.Decimal)
		}
	}
	return sum
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// ValidationError reports a row discarded before reconciliation.
type ValidationError struct {
	Code   string
	Date   Date
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid row %s@%s: %s", e.Code, e.Date, e.Reason)
}
