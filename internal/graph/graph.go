// Package graph declares the fixed entity graph that closures are computed over.
package graph

import (
	"fmt"
	"sort"
)

// Category names an entity type of the replicated dataset.
type Category string

const (
	Project          Category = "project"
	Quest            Category = "quest"
	QuestAssetLink   Category = "quest_asset_link"
	Asset            Category = "asset"
	AssetContentLink Category = "asset_content_link"
	Translation      Category = "translation"
	Vote             Category = "vote"
	QuestTagLink     Category = "quest_tag_link"
	AssetTagLink     Category = "asset_tag_link"
	Tag              Category = "tag"
	Language         Category = "language"
	Attachment       Category = "attachment"
)

// Retention describes how a category decides whether its rows stay on a device.
type Retention int

const (
	// RetentionFlagged rows carry their own download_profiles set.
	RetentionFlagged Retention = iota + 1
	// RetentionOwned rows live exactly as long as the rows they reference.
	RetentionOwned
	// RetentionReferenced rows stay while any surviving row references them.
	RetentionReferenced
)

// EdgeKind tells how an edge resolves target identifiers.
type EdgeKind int

const (
	// EdgeChild edges select target rows whose Column matches the source identifiers.
	EdgeChild EdgeKind = iota + 1
	// EdgeReference edges read Column from the source rows to obtain target identifiers.
	EdgeReference
)

// Edge is one traversable relation of the entity graph.
type Edge struct {
	From   Category
	To     Category
	Kind   EdgeKind
	Column string
	// Multi marks reference columns that hold a JSON array of identifiers.
	Multi bool
	// Expand marks targets whose own child edges are followed.
	Expand bool
	// Check requests an existence check of reference targets.
	Check bool
}

type categorySpec struct {
	table     string
	retention Retention
	columns   []string
}

var declared = []Category{
	Project,
	Quest,
	QuestAssetLink,
	Asset,
	AssetContentLink,
	Translation,
	Vote,
	QuestTagLink,
	AssetTagLink,
	Tag,
	Language,
	Attachment,
}

var specs = map[Category]categorySpec{
	Project: {
		table:     "project",
		retention: RetentionFlagged,
		columns:   []string{"id", "name", "source_language_id", "target_language_id", "active", "visible", "creator_id", "download_profiles", "created_at", "last_updated"},
	},
	Quest: {
		table:     "quest",
		retention: RetentionFlagged,
		columns:   []string{"id", "project_id", "parent_id", "name", "description", "active", "visible", "creator_id", "download_profiles", "created_at", "last_updated"},
	},
	QuestAssetLink: {
		table:     "quest_asset_link",
		retention: RetentionOwned,
		columns:   []string{"id", "quest_id", "asset_id", "active", "created_at", "last_updated"},
	},
	Asset: {
		table:     "asset",
		retention: RetentionFlagged,
		columns:   []string{"id", "name", "source_language_id", "active", "visible", "creator_id", "download_profiles", "created_at", "last_updated"},
	},
	AssetContentLink: {
		table:     "asset_content_link",
		retention: RetentionOwned,
		columns:   []string{"id", "asset_id", "text", "audio", "active", "created_at", "last_updated"},
	},
	Translation: {
		table:     "translation",
		retention: RetentionOwned,
		columns:   []string{"id", "asset_id", "creator_id", "text", "active", "created_at", "last_updated"},
	},
	Vote: {
		table:     "vote",
		retention: RetentionOwned,
		columns:   []string{"id", "translation_id", "creator_id", "polarity", "active", "created_at", "last_updated"},
	},
	QuestTagLink: {
		table:     "quest_tag_link",
		retention: RetentionOwned,
		columns:   []string{"id", "quest_id", "tag_id", "active", "created_at", "last_updated"},
	},
	AssetTagLink: {
		table:     "asset_tag_link",
		retention: RetentionOwned,
		columns:   []string{"id", "asset_id", "tag_id", "active", "created_at", "last_updated"},
	},
	Tag: {
		table:     "tag",
		retention: RetentionReferenced,
		columns:   []string{"id", "key", "value", "active", "created_at", "last_updated"},
	},
	Language: {
		table:     "language",
		retention: RetentionReferenced,
		columns:   []string{"id", "native_name", "english_name", "iso639_3", "active", "created_at", "last_updated"},
	},
	Attachment: {
		retention: RetentionReferenced,
	},
}

var edges = []Edge{
	{From: Project, To: Quest, Kind: EdgeChild, Column: "project_id", Expand: true},
	{From: Project, To: Language, Kind: EdgeReference, Column: "source_language_id", Check: true},
	{From: Project, To: Language, Kind: EdgeReference, Column: "target_language_id", Check: true},
	{From: Quest, To: Project, Kind: EdgeReference, Column: "project_id", Check: true},
	{From: Quest, To: Quest, Kind: EdgeReference, Column: "parent_id", Check: true},
	{From: Quest, To: Quest, Kind: EdgeChild, Column: "parent_id", Expand: true},
	{From: Quest, To: QuestAssetLink, Kind: EdgeChild, Column: "quest_id", Expand: true},
	{From: Quest, To: QuestTagLink, Kind: EdgeChild, Column: "quest_id", Expand: true},
	{From: QuestAssetLink, To: Asset, Kind: EdgeReference, Column: "asset_id", Expand: true, Check: true},
	{From: QuestTagLink, To: Tag, Kind: EdgeReference, Column: "tag_id", Expand: true, Check: true},
	{From: Asset, To: AssetContentLink, Kind: EdgeChild, Column: "asset_id", Expand: true},
	{From: Asset, To: Translation, Kind: EdgeChild, Column: "asset_id", Expand: true},
	{From: Asset, To: AssetTagLink, Kind: EdgeChild, Column: "asset_id", Expand: true},
	{From: Asset, To: Language, Kind: EdgeReference, Column: "source_language_id", Check: true},
	{From: AssetTagLink, To: Tag, Kind: EdgeReference, Column: "tag_id", Expand: true, Check: true},
	{From: Translation, To: Vote, Kind: EdgeChild, Column: "translation_id", Expand: true},
	{From: AssetContentLink, To: Attachment, Kind: EdgeReference, Column: "audio", Multi: true, Expand: true},
}

var (
	order        []Category
	reverseOrder []Category
	dependencies map[Category][]Dependency
	dependents   map[Category][]Dependency
)

// Dependency says that rows of Holder point at rows of Target through Column.
type Dependency struct {
	Holder Category
	Target Category
	Column string
	Multi  bool
}

func init() {
	dependencies = make(map[Category][]Dependency)
	dependents = make(map[Category][]Dependency)
	seen := make(map[Dependency]bool)
	for _, edge := range edges {
		var dependency Dependency
		switch edge.Kind {
		case EdgeChild:
			dependency = Dependency{Holder: edge.To, Target: edge.From, Column: edge.Column}
		case EdgeReference:
			dependency = Dependency{Holder: edge.From, Target: edge.To, Column: edge.Column, Multi: edge.Multi}
		}
		if seen[dependency] {
			continue
		}
		seen[dependency] = true
		dependencies[dependency.Holder] = append(dependencies[dependency.Holder], dependency)
		dependents[dependency.Target] = append(dependents[dependency.Target], dependency)
	}

	sorted, err := topologicalOrder()
	if err != nil {
		panic(err)
	}
	order = sorted
	reverseOrder = make([]Category, len(sorted))
	for index, category := range sorted {
		reverseOrder[len(sorted)-1-index] = category
	}
}

func topologicalOrder() ([]Category, error) {
	position := make(map[Category]int, len(declared))
	for index, category := range declared {
		position[category] = index
	}
	indegree := make(map[Category]int, len(declared))
	for _, category := range declared {
		targets := make(map[Category]bool)
		for _, dependency := range dependencies[category] {
			if dependency.Target != category {
				targets[dependency.Target] = true
			}
		}
		indegree[category] = len(targets)
	}

	result := make([]Category, 0, len(declared))
	done := make(map[Category]bool, len(declared))
	for len(result) < len(declared) {
		var ready []Category
		for _, category := range declared {
			if !done[category] && indegree[category] == 0 {
				ready = append(ready, category)
			}
		}
		if len(ready) == 0 {
			return nil, fmt.Errorf("graph: dependency cycle among categories")
		}
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		done[next] = true
		result = append(result, next)
		for _, category := range declared {
			if done[category] {
				continue
			}
			for _, target := range uniqueTargets(category) {
				if target == next {
					indegree[category]--
				}
			}
		}
	}
	return result, nil
}

func uniqueTargets(category Category) []Category {
	var targets []Category
	seen := make(map[Category]bool)
	for _, dependency := range dependencies[category] {
		if dependency.Target == category || seen[dependency.Target] {
			continue
		}
		seen[dependency.Target] = true
		targets = append(targets, dependency.Target)
	}
	return targets
}

// Categories returns every category in declaration order.
func Categories() []Category {
	return append([]Category(nil), declared...)
}

// Order returns categories so that every category follows the categories it depends on.
func Order() []Category {
	return append([]Category(nil), order...)
}

// ReverseOrder returns Order reversed: dependents before the rows they depend on.
func ReverseOrder() []Category {
	return append([]Category(nil), reverseOrder...)
}

// EdgesFrom returns the traversal edges leaving category.
func EdgesFrom(category Category) []Edge {
	var result []Edge
	for _, edge := range edges {
		if edge.From == category {
			result = append(result, edge)
		}
	}
	return result
}

// Dependencies lists the columns through which rows of category point at other rows.
func Dependencies(category Category) []Dependency {
	return append([]Dependency(nil), dependencies[category]...)
}

// Dependents lists the columns through which other rows point at rows of category.
func Dependents(category Category) []Dependency {
	return append([]Dependency(nil), dependents[category]...)
}

// SelfReference reports the column that nests rows of category under each other.
func SelfReference(category Category) (string, bool) {
	for _, dependency := range dependencies[category] {
		if dependency.Target == category {
			return dependency.Column, true
		}
	}
	return "", false
}

// Parse resolves a category name.
func Parse(raw string) (Category, error) {
	category := Category(raw)
	if _, ok := specs[category]; !ok {
		return "", fmt.Errorf("graph: unknown category %q", raw)
	}
	return category, nil
}

// Valid reports whether the category is declared.
func (c Category) Valid() bool {
	_, ok := specs[c]
	return ok
}

// Retention reports how rows of the category are retained.
func (c Category) Retention() Retention {
	return specs[c].retention
}

// Flagged reports whether rows of the category carry download_profiles.
func (c Category) Flagged() bool {
	return specs[c].retention == RetentionFlagged
}

// Relational reports whether the category is stored as rows of a relational table.
func (c Category) Relational() bool {
	return specs[c].table != ""
}

// Table returns the relational table name, empty for attachments.
func (c Category) Table() string {
	return specs[c].table
}

// Columns returns the known columns of the category table.
func (c Category) Columns() []string {
	return append([]string(nil), specs[c].columns...)
}

// HasColumn reports whether column belongs to the category table.
func (c Category) HasColumn(column string) bool {
	for _, candidate := range specs[c].columns {
		if candidate == column {
			return true
		}
	}
	return false
}

// Ref identifies one row of the graph.
type Ref struct {
	Category Category `json:"category"`
	ID       string   `json:"id"`
}

func (r Ref) String() string {
	return string(r.Category) + ":" + r.ID
}
