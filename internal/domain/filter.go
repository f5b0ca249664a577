package domain

import (
	"strings"
	"unicode"
)

// IndexCode is the reserved code of the market-index pseudo-entity.
const IndexCode = "TAIEX"

// InclusionRule selects plain common stock out of a listing universe, plus
// the designated index pseudo-entity.
type InclusionRule struct {
	IndexCode       string
	CodeLength      int
	ETFPrefix       string
	DRPrefix        string
	PreferredMarker string
}

// DefaultInclusionRule returns the rule used wherever "all entities" is meant.
func DefaultInclusionRule() InclusionRule {
	return InclusionRule{
		IndexCode:       IndexCode,
		CodeLength:      4,
		ETFPrefix:       "00",
		DRPrefix:        "91",
		PreferredMarker: "特",
	}
}

// Includes reports whether e passes the rule as of the given date. Warrants
// and bonds carry 5- or 6-character codes and fall out on length.
func (r InclusionRule) Includes(e Entity, asOf Date) bool {
	if e.Code == r.IndexCode {
		return e.Market == MarketIndex
	}
	if len(e.Code) != r.CodeLength || !allDigits(e.Code) {
		return false
	}
	if e.Market != MarketPrimary && e.Market != MarketSecondary {
		return false
	}
	if r.ETFPrefix != "" && strings.HasPrefix(e.Code, r.ETFPrefix) {
		return false
	}
	if r.DRPrefix != "" && strings.HasPrefix(e.Code, r.DRPrefix) {
		return false
	}
	if r.PreferredMarker != "" && strings.Contains(e.Name, r.PreferredMarker) {
		return false
	}
	if e.Status != StatusNormal && e.Status != "" {
		return false
	}
	return !e.Delisted(asOf)
}

// Filter returns the entities of es that pass the rule, preserving order.
func (r InclusionRule) Filter(es []Entity, asOf Date) []Entity {
	out := make([]Entity, 0, len(es))
	for _, e := range es {
		if r.Includes(e, asOf) {
			out = append(out, e)
		}
	}
	return out
}

// IndexEntity returns the index pseudo-entity record.
func IndexEntity() Entity {
	return Entity{Code: IndexCode, Name: "發行量加權股價指數", Market: MarketIndex, Status: StatusNormal}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
