package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"twdata/internal/domain"
)

// Archive keeps the raw, normalized output of successful network fetches as
// Parquet files. It is never consulted for gap detection; it only backs the
// offline archive adapter so a later run can recover rows without the
// network.
type Archive struct {
	Dir string

	mu sync.Mutex // serializes read-merge-write of a single file
}

// NewArchive creates an Archive rooted at dir.
func NewArchive(dir string) *Archive {
	return &Archive{Dir: dir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// BarRecord is the Parquet schema for an archived daily bar.
type BarRecord struct {
	Code      string   `parquet:"code"`
	Date      int32    `parquet:"date"` // YYYYMMDD
	Open      *float64 `parquet:"open,optional"`
	High      *float64 `parquet:"high,optional"`
	Low       *float64 `parquet:"low,optional"`
	Close     *float64 `parquet:"close,optional"`
	Volume    *int64   `parquet:"volume,optional"`
	Amount    *int64   `parquet:"amount,optional"`
	Source    string   `parquet:"source"`
	FetchedAt int64    `parquet:"fetched_at,timestamp(millisecond)"`
}

// ---------------------------------------------------------------------------
// Bars
// ---------------------------------------------------------------------------

// WriteBars archives bars grouped by code and year at:
//
//	<Dir>/<market>/daily/<CODE>/<YYYY>.parquet
//
// Rows already archived for the same (code, date) are replaced.
func (a *Archive) WriteBars(market domain.Market, bars []domain.DailyBar) error {
	if len(bars) == 0 {
		return nil
	}

	type key struct {
		code string
		year int
	}
	fetched := time.Now().UnixMilli()
	groups := make(map[key][]BarRecord)
	for _, b := range bars {
		k := key{code: b.Code, year: b.Date.Year()}
		groups[k] = append(groups[k], toBarRecord(b, fetched))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for k, records := range groups {
		path := a.barPath(k.code, market, k.year)

		existing, err := readParquetFile[BarRecord](path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading archive %s: %w", path, err)
		}
		merged := mergeBarRecords(existing, records)

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing archive for %s/%d: %w", k.code, k.year, err)
		}
	}
	return nil
}

// ReadBars returns archived bars for code in [start, end], ascending.
func (a *Archive) ReadBars(code string, market domain.Market, start, end domain.Date) ([]domain.DailyBar, error) {
	var bars []domain.DailyBar
	for year := start.Year(); year <= end.Year(); year++ {
		path := a.barPath(code, market, year)

		records, err := readParquetFile[BarRecord](path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("reading archive %s: %w", path, err)
		}
		for _, r := range records {
			d := domain.Date(r.Date)
			if d < start || d > end {
				continue
			}
			bars = append(bars, fromBarRecord(r))
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars, nil
}

// ListCodes lists codes that have archived bars in the given market.
func (a *Archive) ListCodes(market domain.Market) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.Dir, string(market), "daily"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var codes []string
	for _, e := range entries {
		if e.IsDir() {
			codes = append(codes, e.Name())
		}
	}
	sort.Strings(codes)
	return codes, nil
}

// barPath returns the filesystem path for a bar Parquet file.
func (a *Archive) barPath(code string, market domain.Market, year int) string {
	return filepath.Join(a.Dir, string(market), "daily", strings.ToUpper(code), fmt.Sprintf("%d.parquet", year))
}

// ---------------------------------------------------------------------------
// Conversion
// ---------------------------------------------------------------------------

func toBarRecord(b domain.DailyBar, fetchedAt int64) BarRecord {
	return BarRecord{
		Code:      b.Code,
		Date:      int32(b.Date),
		Open:      floatPtr(b.Open),
		High:      floatPtr(b.High),
		Low:       floatPtr(b.Low),
		Close:     floatPtr(b.Close),
		Volume:    b.Volume.Ptr(),
		Amount:    b.Amount.Ptr(),
		Source:    b.Source,
		FetchedAt: fetchedAt,
	}
}

func fromBarRecord(r BarRecord) domain.DailyBar {
	b := domain.DailyBar{
		Code:   r.Code,
		Date:   domain.Date(r.Date),
		Open:   decimalOf(r.Open),
		High:   decimalOf(r.High),
		Low:    decimalOf(r.Low),
		Close:  decimalOf(r.Close),
		Volume: null.IntFromPtr(r.Volume),
		Amount: null.IntFromPtr(r.Amount),
		Source: r.Source,
	}
	b.Normalize()
	return b
}

func floatPtr(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func decimalOf(f *float64) decimal.NullDecimal {
	if f == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(decimal.NewFromFloat(*f))
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, records); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeBarRecords deduplicates by (code, date), preferring incoming records,
// and returns them in date order.
func mergeBarRecords(existing, incoming []BarRecord) []BarRecord {
	type key struct {
		code string
		date int32
	}
	seen := make(map[key]BarRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Code, r.Date}] = r
	}
	for _, r := range incoming {
		seen[key{r.Code, r.Date}] = r
	}

	merged := make([]BarRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Date < merged[j].Date
	})
	return merged
}
