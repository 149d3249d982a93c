package discovery

import (
	"errors"
	"sort"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

// Result is the closure of a root, grouped by category.
type Result struct {
	Root  graph.Ref
	Scope Scope
	// IDs holds a sorted identifier set per category; empty categories are present with nil.
	IDs map[graph.Category][]string
	// Errors holds one CategoryQueryError per category whose queries failed or timed out.
	Errors   map[graph.Category]error
	Dangling []syncerr.DanglingReference
	// Depth holds the nesting depth of rows of self-referential categories, roots at zero.
	Depth map[graph.Category]map[string]int
	// EstimatedBytes sums the known sizes of the closure attachments.
	EstimatedBytes int64
	// Truncated reports that the depth bound stopped the walk.
	Truncated bool
}

func newResult(root graph.Ref, scope Scope) *Result {
	result := &Result{
		Root:   root,
		Scope:  scope,
		IDs:    make(map[graph.Category][]string),
		Errors: make(map[graph.Category]error),
		Depth:  make(map[graph.Category]map[string]int),
	}
	for _, category := range graph.Categories() {
		result.IDs[category] = nil
	}
	return result
}

// Count returns the number of identifiers found for category.
func (r *Result) Count(category graph.Category) int {
	return len(r.IDs[category])
}

// Total returns the number of identifiers over all categories.
func (r *Result) Total() int {
	total := 0
	for _, ids := range r.IDs {
		total += len(ids)
	}
	return total
}

// Has reports whether id of category is part of the closure.
func (r *Result) Has(category graph.Category, id string) bool {
	ids := r.IDs[category]
	index := sort.SearchStrings(ids, id)
	return index < len(ids) && ids[index] == id
}

// HasErrors reports whether any category query failed.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err joins the category errors in graph order, or returns nil.
func (r *Result) Err() error {
	var errs []error
	for _, category := range graph.Order() {
		if err, ok := r.Errors[category]; ok {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Ordered returns the identifiers of category with parents before children for
// self-referential categories, and sorted otherwise.
func (r *Result) Ordered(category graph.Category) []string {
	ids := append([]string(nil), r.IDs[category]...)
	depth, ok := r.Depth[category]
	if !ok {
		return ids
	}
	sort.SliceStable(ids, func(i, j int) bool {
		if depth[ids[i]] != depth[ids[j]] {
			return depth[ids[i]] < depth[ids[j]]
		}
		return ids[i] < ids[j]
	})
	return ids
}

// Map returns a copy of the identifier sets without empty categories.
func (r *Result) Map() map[graph.Category][]string {
	result := make(map[graph.Category][]string)
	for category, ids := range r.IDs {
		if len(ids) > 0 {
			result[category] = append([]string(nil), ids...)
		}
	}
	return result
}

func (r *Result) recordError(category graph.Category, err error) {
	if _, exists := r.Errors[category]; exists {
		return
	}
	r.Errors[category] = &syncerr.CategoryQueryError{Category: category, Err: err}
}
