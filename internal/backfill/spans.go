package backfill

import (
	"slices"

	"twdata/internal/domain"
	"twdata/internal/gather"
)

// DefaultMaxSpanDays bounds one adapter request.
const DefaultMaxSpanDays = 93

// clusterSpans groups gap dates into request ranges no longer than maxDays
// calendar days, each starting and ending on a gap date.
func clusterSpans(dates []domain.Date, maxDays int) []gather.DateRange {
	if len(dates) == 0 {
		return nil
	}
	if maxDays <= 0 {
		maxDays = DefaultMaxSpanDays
	}
	sorted := slices.Clone(dates)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var spans []gather.DateRange
	cur := gather.DateRange{Start: sorted[0], End: sorted[0]}
	for _, d := range sorted[1:] {
		if domain.DaysBetween(cur.Start, d) >= maxDays {
			spans = append(spans, cur)
			cur = gather.DateRange{Start: d, End: d}
			continue
		}
		cur.End = d
	}
	return append(spans, cur)
}
