package graph

import (
	"errors"
	"fmt"
)

// MaxLookupValues bounds the values bound into a single statement.
const MaxLookupValues = 400

// ErrInvalidLookup reports a lookup that names unknown columns or categories.
var ErrInvalidLookup = errors.New("graph: invalid lookup")

// Filter is an equality condition; a nil Value matches NULL.
type Filter struct {
	Column string  `json:"column"`
	Value  *string `json:"value"`
}

// Lookup selects Select from rows of Category whose Match column is one of Values.
type Lookup struct {
	Category Category `json:"category"`
	Match    string   `json:"match"`
	Values   []string `json:"values"`
	Select   string   `json:"select"`
	// Multi marks Select as a JSON array column expanded into one link per element.
	Multi bool `json:"multi,omitempty"`
	// MatchMulti marks Match as a JSON array column matched element-wise.
	MatchMulti bool     `json:"match_multi,omitempty"`
	Filters    []Filter `json:"filters,omitempty"`
}

// Link pairs a matched value with a selected value.
type Link struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Validate checks every identifier of the lookup against the category allowlist.
func (l Lookup) Validate() error {
	if !l.Category.Valid() || !l.Category.Relational() {
		return fmt.Errorf("%w: category %q", ErrInvalidLookup, l.Category)
	}
	if !l.Category.HasColumn(l.Match) {
		return fmt.Errorf("%w: match column %q", ErrInvalidLookup, l.Match)
	}
	if !l.Category.HasColumn(l.Select) {
		return fmt.Errorf("%w: select column %q", ErrInvalidLookup, l.Select)
	}
	for _, filter := range l.Filters {
		if !l.Category.HasColumn(filter.Column) {
			return fmt.Errorf("%w: filter column %q", ErrInvalidLookup, filter.Column)
		}
	}
	return nil
}

// Chunks splits the lookup into lookups of at most MaxLookupValues values.
func (l Lookup) Chunks() []Lookup {
	if len(l.Values) <= MaxLookupValues {
		return []Lookup{l}
	}
	var chunks []Lookup
	for start := 0; start < len(l.Values); start += MaxLookupValues {
		end := start + MaxLookupValues
		if end > len(l.Values) {
			end = len(l.Values)
		}
		chunk := l
		chunk.Values = l.Values[start:end]
		chunks = append(chunks, chunk)
	}
	return chunks
}

// ExistenceLookup selects the identifiers of ids that exist in category.
func ExistenceLookup(category Category, ids []string) Lookup {
	return Lookup{Category: category, Match: "id", Values: ids, Select: "id"}
}

// Values collects the distinct selected values of links.
func Values(links []Link) []string {
	seen := make(map[string]bool, len(links))
	var result []string
	for _, link := range links {
		if seen[link.Value] {
			continue
		}
		seen[link.Value] = true
		result = append(result, link.Value)
	}
	return result
}

// StringPtr returns a pointer to value, convenient for filters.
func StringPtr(value string) *string {
	return &value
}
