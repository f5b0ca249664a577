// Package gather defines the source adapter contract, the explicit fetch
// result type and the failover chain that tries adapters in reliability
// order.
package gather

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"twdata/internal/domain"
)

// Gatherer is the interface for all data gathering processes.
type Gatherer interface {
	// Name returns the gatherer identifier.
	Name() string
	// Run performs one gathering pass and returns when it is done or ctx is
	// cancelled.
	Run(ctx context.Context) error
}

// Kind is a logical data category. Each adapter serves exactly one.
type Kind string

const (
	KindPrice        Kind = "price"
	KindFlow         Kind = "flow"
	KindDistribution Kind = "distribution"
)

// AllKinds lists every kind in processing order.
var AllKinds = []Kind{KindPrice, KindFlow, KindDistribution}

// ParseKinds parses names such as "price,flow". Empty input yields AllKinds.
func ParseKinds(names []string) ([]Kind, error) {
	var out []Kind
	seen := map[Kind]bool{}
	for _, raw := range names {
		for _, n := range strings.Split(raw, ",") {
			n = strings.TrimSpace(strings.ToLower(n))
			if n == "" {
				continue
			}
			k := Kind(n)
			switch k {
			case KindPrice, KindFlow, KindDistribution:
			default:
				return nil, fmt.Errorf("unknown data kind %q", n)
			}
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	if len(out) == 0 {
		return append([]Kind(nil), AllKinds...), nil
	}
	return out, nil
}

// DefaultWindowDays is the trailing window adapters use when a request
// carries no bounds.
const DefaultWindowDays = 365

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start domain.Date
	End   domain.Date
}

// Normalize fills zero bounds with the default trailing window ending today
// and swaps inverted bounds.
func (r DateRange) Normalize(today domain.Date) DateRange {
	if r.End.IsZero() {
		r.End = today
	}
	if r.Start.IsZero() {
		r.Start = r.End.AddDays(-DefaultWindowDays)
	}
	if r.Start > r.End {
		r.Start, r.End = r.End, r.Start
	}
	return r
}

// Contains reports whether d lies within the range.
func (r DateRange) Contains(d domain.Date) bool {
	return d >= r.Start && d <= r.End
}

func (r DateRange) String() string {
	return r.Start.String() + ".." + r.End.String()
}

// Month identifies one calendar month.
type Month struct {
	Year  int
	Month time.Month
}

// First returns the first day of the month.
func (m Month) First() domain.Date { return domain.NewDate(m.Year, m.Month, 1) }

// Last returns the last day of the month.
func (m Month) Last() domain.Date {
	return domain.DateOf(time.Date(m.Year, m.Month+1, 0, 0, 0, 0, 0, time.UTC))
}

// Months yields every month the range touches, oldest first. The sequence
// is lazy so month-paged sources can stop at the first failure.
func (r DateRange) Months() iter.Seq[Month] {
	return func(yield func(Month) bool) {
		if r.Start.IsZero() || r.End < r.Start {
			return
		}
		y, m := r.Start.Year(), r.Start.Month()
		for {
			cur := Month{Year: y, Month: m}
			if cur.First() > r.End {
				return
			}
			if !yield(cur) {
				return
			}
			m++
			if m > time.December {
				m = time.January
				y++
			}
		}
	}
}

// Years yields the range split at calendar-year boundaries.
func (r DateRange) Years() iter.Seq[DateRange] {
	return func(yield func(DateRange) bool) {
		if r.Start.IsZero() || r.End < r.Start {
			return
		}
		for y := r.Start.Year(); y <= r.End.Year(); y++ {
			part := DateRange{
				Start: domain.MaxDate(r.Start, domain.NewDate(y, time.January, 1)),
				End:   domain.MinDate(r.End, domain.NewDate(y, time.December, 31)),
			}
			if !yield(part) {
				return
			}
		}
	}
}
