package store

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"gorm.io/gorm"
)

type linkRow struct {
	Key   *string `gorm:"column:link_key"`
	Value *string `gorm:"column:link_value"`
}

func quote(identifier string) string {
	return `"` + identifier + `"`
}

// ExecLookup runs lookup against one physical table. Identifiers are validated
// against the graph allowlist before they reach SQL.
func ExecLookup(db *gorm.DB, table string, lookup graph.Lookup) ([]graph.Link, error) {
	if err := lookup.Validate(); err != nil {
		return nil, err
	}
	var links []graph.Link
	for _, chunk := range lookup.Chunks() {
		if len(chunk.Values) == 0 {
			continue
		}
		var query *gorm.DB
		prefix := ""
		if chunk.MatchMulti {
			prefix = "t."
			query = db.Table(quote(table) + " AS t").
				Select("j.value AS link_key, t." + quote(chunk.Select) + " AS link_value").
				Joins("JOIN json_each(t." + quote(chunk.Match) + ") AS j").
				Where("j.value IN ?", chunk.Values)
		} else {
			query = db.Table(table).
				Select(quote(chunk.Match) + " AS link_key, " + quote(chunk.Select) + " AS link_value").
				Where(quote(chunk.Match)+" IN ?", chunk.Values)
		}
		for _, filter := range chunk.Filters {
			column := prefix + quote(filter.Column)
			if filter.Value == nil {
				query = query.Where(column + " IS NULL")
			} else {
				query = query.Where(column+" = ?", *filter.Value)
			}
		}

		var rows []linkRow
		if err := query.Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("lookup %s.%s: %w", table, chunk.Match, err)
		}
		for _, row := range rows {
			if row.Key == nil || row.Value == nil || *row.Value == "" {
				continue
			}
			if !chunk.Multi {
				links = append(links, graph.Link{Key: *row.Key, Value: *row.Value})
				continue
			}
			var elements []string
			if err := json.Unmarshal([]byte(*row.Value), &elements); err != nil {
				return nil, fmt.Errorf("lookup %s.%s: decode list: %w", table, chunk.Select, err)
			}
			for _, element := range elements {
				if element != "" {
					links = append(links, graph.Link{Key: *row.Key, Value: element})
				}
			}
		}
	}
	return links, nil
}

// FetchRows loads full rows of table by identifier.
func FetchRows(db *gorm.DB, table string, ids []string) ([]entities.Row, error) {
	var result []entities.Row
	for start := 0; start < len(ids); start += graph.MaxLookupValues {
		end := start + graph.MaxLookupValues
		if end > len(ids) {
			end = len(ids)
		}
		var rows []map[string]any
		if err := db.Table(table).Where("id IN ?", ids[start:end]).Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		for _, row := range rows {
			result = append(result, entities.Row(row))
		}
	}
	return result, nil
}

func mergeLinks(sets ...[]graph.Link) []graph.Link {
	seen := make(map[graph.Link]bool)
	var merged []graph.Link
	for _, set := range sets {
		for _, link := range set {
			if seen[link] {
				continue
			}
			seen[link] = true
			merged = append(merged, link)
		}
	}
	return merged
}
