package tw

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"golang.org/x/text/width"

	"twdata/internal/domain"
)

// rocOffset converts a minguo (ROC) year to the Gregorian year.
const rocOffset = 1911

var errEmptyCell = errors.New("empty cell")

// clean narrows full-width characters, strips thousands separators and
// surrounding whitespace.
func clean(s string) string {
	s = width.Narrow.String(s)
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, " ", "")
	return strings.TrimSpace(s)
}

// IsPlaceholder reports cells the exchanges use for "no trade": dashes,
// empty strings and X-prefixed markers.
func IsPlaceholder(s string) bool {
	s = clean(s)
	if s == "" || strings.HasPrefix(s, "X") {
		return true
	}
	return strings.Trim(s, "-") == ""
}

// ParseInt parses an integer cell; placeholders yield a null value.
func ParseInt(s string) (null.Int, error) {
	if IsPlaceholder(s) {
		return null.Int{}, nil
	}
	c := strings.TrimPrefix(clean(s), "+")
	n, err := strconv.ParseInt(c, 10, 64)
	if err != nil {
		// Some feeds render share counts as "1234.00".
		d, derr := decimal.NewFromString(c)
		if derr != nil || !d.IsInteger() {
			return null.Int{}, fmt.Errorf("parsing integer %q: %w", s, err)
		}
		n = d.IntPart()
	}
	return null.IntFrom(n), nil
}

// ParseDecimal parses a price or percentage cell; placeholders yield a null
// value.
func ParseDecimal(s string) (decimal.NullDecimal, error) {
	if IsPlaceholder(s) {
		return decimal.NullDecimal{}, nil
	}
	c := strings.TrimPrefix(clean(s), "+")
	c = strings.TrimSuffix(c, "%")
	d, err := decimal.NewFromString(c)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("parsing decimal %q: %w", s, err)
	}
	return decimal.NewNullDecimal(d), nil
}

// ParsePrice is ParseDecimal for prices, where a zero also means "no trade".
func ParsePrice(s string) (decimal.NullDecimal, error) {
	d, err := ParseDecimal(s)
	if err != nil || !d.Valid {
		return d, err
	}
	if d.Decimal.IsZero() {
		return decimal.NullDecimal{}, nil
	}
	return domain.RoundPrice(d), nil
}

var (
	rocSlash   = regexp.MustCompile(`^(\d{2,3})[/.-](\d{1,2})[/.-](\d{1,2})$`)
	rocCJK     = regexp.MustCompile(`^(\d{2,3})年(\d{1,2})月(\d{1,2})日$`)
	rocCompact = regexp.MustCompile(`^(\d{3})(\d{2})(\d{2})$`)
	isoSep     = regexp.MustCompile(`^(\d{4})[/.-](\d{1,2})[/.-](\d{1,2})$`)
	isoCompact = regexp.MustCompile(`^(\d{4})(\d{2})(\d{2})$`)
)

// ParseROCDate converts a minguo date such as "113/12/20", "113年12月20日"
// or "1131220" into a Gregorian date.
func ParseROCDate(s string) (domain.Date, error) {
	c := clean(s)
	c = strings.TrimRight(c, "*＊ ")
	for _, re := range []*regexp.Regexp{rocSlash, rocCJK, rocCompact} {
		if m := re.FindStringSubmatch(c); m != nil {
			return makeDate(s, m[1], m[2], m[3], rocOffset)
		}
	}
	return 0, fmt.Errorf("parsing ROC date %q: unrecognized format", s)
}

// ParseDate accepts either calendar: four-digit years are Gregorian, shorter
// ones minguo.
func ParseDate(s string) (domain.Date, error) {
	c := clean(s)
	if c == "" {
		return 0, fmt.Errorf("parsing date: %w", errEmptyCell)
	}
	for _, re := range []*regexp.Regexp{isoSep, isoCompact} {
		if m := re.FindStringSubmatch(c); m != nil {
			return makeDate(s, m[1], m[2], m[3], 0)
		}
	}
	return ParseROCDate(s)
}

func makeDate(raw, ys, ms, ds string, offset int) (domain.Date, error) {
	y, _ := strconv.Atoi(ys)
	m, _ := strconv.Atoi(ms)
	d, _ := strconv.Atoi(ds)
	date := domain.Date((y+offset)*10000 + m*100 + d)
	if !date.Valid() {
		return 0, fmt.Errorf("parsing date %q: out of range", raw)
	}
	return date, nil
}

// ROCDate renders d in the "113/12/20" form some endpoints expect.
func ROCDate(d domain.Date) string {
	return fmt.Sprintf("%d/%02d/%02d", d.Year()-rocOffset, int(d.Month()), d.Day())
}

// ---------------------------------------------------------------------------
// Shareholding level labels
// ---------------------------------------------------------------------------

// levelBounds holds the lower share bound of tiers 1..15.
var levelBounds = []int64{
	1, 1000, 5001, 10001, 15001, 20001, 30001, 40001, 50001,
	100001, 200001, 400001, 600001, 800001, 1000001,
}

// LevelFromLabel maps a tier label from any upstream onto the 1..17 level
// ordinal. Labels may be bare ordinals, share ranges ("1,000-5,000",
// "1-999"), open ranges ("1,000,001以上", "more than 1,000,001") or the
// adjustment and total rows.
func LevelFromLabel(label string) (int, bool) {
	c := clean(label)
	c = strings.ReplaceAll(c, " ", "")
	c = strings.ReplaceAll(c, "　", "")
	lower := strings.ToLower(c)

	switch {
	case c == "":
		return 0, false
	case strings.Contains(c, "差異") || strings.Contains(lower, "adjust"):
		return domain.LevelAdjustment, true
	case strings.Contains(c, "合計") || strings.Contains(c, "總計") || lower == "total":
		return domain.LevelTotal, true
	}

	if n, err := strconv.Atoi(c); err == nil {
		if n >= domain.MinLevel && n <= domain.LevelTotal {
			return n, true
		}
		return 0, false
	}

	lower = strings.TrimPrefix(lower, "morethan")
	lower = strings.TrimPrefix(lower, "over")
	lo := lower
	if i := strings.IndexAny(lo, "-~至"); i > 0 {
		lo = lo[:i]
	}
	lo = strings.TrimSuffix(lo, "以上")
	n, err := strconv.ParseInt(lo, 10, 64)
	if err != nil {
		return 0, false
	}
	for i := len(levelBounds) - 1; i >= 0; i-- {
		if n >= levelBounds[i] {
			return i + 1, true
		}
	}
	return 0, false
}
