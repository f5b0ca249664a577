package gather

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"twdata/internal/domain"
)

// Adapter fetches one data kind from one upstream and normalizes it into
// canonical rows. Fetch never panics or returns an error for "no data"; the
// outcome is carried by the Result.
type Adapter interface {
	Name() string
	// Rank orders adapters within a chain; lower is tried first.
	Rank() int
	Kind() Kind
	Supports(m domain.Market) bool
	Fetch(ctx context.Context, req Request) Result
}

// Pacer is implemented by adapters that want a jittered pause before they
// are tried for an entity.
type Pacer interface {
	Delay() (lo, hi time.Duration)
}

// Request asks an adapter for one entity over a date range.
type Request struct {
	Entity domain.Entity
	Range  DateRange
}

// Status classifies a Result.
type Status int

const (
	StatusSuccess Status = iota
	StatusEmpty
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusEmpty:
		return "empty"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the normalized output of one adapter call. Only the slice that
// matches the adapter's Kind is populated.
type Result struct {
	Code   string
	Range  DateRange
	Source string
	Rank   int
	Kind   Kind

	Status Status
	Err    error // *TransportError or *ParseError when Failed

	Bars   []domain.DailyBar
	Flows  []domain.InstitutionalFlow
	Levels []domain.DistributionLevel

	// Skipped counts rows dropped by row-level parse or validation.
	Skipped int
}

// NewResult starts a Result stamped with the adapter's identity.
func NewResult(a Adapter, req Request) Result {
	return Result{
		Code:   req.Entity.Code,
		Range:  req.Range,
		Source: a.Name(),
		Rank:   a.Rank(),
		Kind:   a.Kind(),
	}
}

// Finish sets Status from err and the collected rows. ErrNoData is not an
// error; rows collected before a failure are discarded.
func (r Result) Finish(err error) Result {
	switch {
	case err != nil && !errors.Is(err, ErrNoData):
		r.Status = StatusFailed
		r.Err = err
		r.Bars, r.Flows, r.Levels = nil, nil, nil
	case r.Rows() == 0:
		r.Status = StatusEmpty
	default:
		r.Status = StatusSuccess
	}
	return r
}

// Rows counts normalized rows of any kind.
func (r Result) Rows() int {
	return len(r.Bars) + len(r.Flows) + len(r.Levels)
}

// proportionTolerance is the accepted deviation of a distribution report's
// level proportions from 100%.
var proportionTolerance = decimal.RequireFromString("1.5")

// Sane applies the minimal plausibility check the chain requires before it
// accepts a result.
func (r Result) Sane() bool {
	if r.Status != StatusSuccess {
		return false
	}
	switch r.Kind {
	case KindPrice:
		for _, b := range r.Bars {
			if b.Close.Valid && b.Close.Decimal.IsPositive() {
				return true
			}
		}
		return false
	case KindFlow:
		return len(r.Flows) > 0
	case KindDistribution:
		byDate := map[domain.Date][]domain.DistributionLevel{}
		for _, l := range r.Levels {
			byDate[l.Date] = append(byDate[l.Date], l)
		}
		hundred := decimal.NewFromInt(100)
		for _, levels := range byDate {
			for _, l := range levels {
				if l.Level == domain.LevelTotal {
					return true
				}
			}
			if domain.ProportionSum(levels).Sub(hundred).Abs().LessThanOrEqual(proportionTolerance) {
				return true
			}
		}
		return false
	}
	return r.Rows() > 0
}
