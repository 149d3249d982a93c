package offload

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

// Discoverer computes closures.
type Discoverer interface {
	Discover(ctx context.Context, root graph.Ref, scope discovery.Scope, reporter discovery.Reporter) (*discovery.Result, error)
	DiscoverWithout(ctx context.Context, root graph.Ref, scope discovery.Scope, excluded []graph.Ref) (*discovery.Result, error)
}

// AttachmentRemover drops attachment records and their local blobs.
type AttachmentRemover interface {
	Delete(ctx context.Context, ids []string) (int, error)
}

// CategoryError is a deletion failure of one category.
type CategoryError struct {
	Category graph.Category
	Err      error
}

func (e *CategoryError) Error() string {
	return fmt.Sprintf("offload %s: %v", e.Category, e.Err)
}

func (e *CategoryError) Unwrap() error {
	return e.Err
}

type idSet map[string]struct{}

func newIDSet(ids []string) idSet {
	set := make(idSet, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (s idSet) has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s idSet) sorted() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Plan is the deletion work for one closure and profile.
type Plan struct {
	Profile string
	// Unflag lists flagged rows that lose the profile.
	Unflag map[graph.Category][]string
	// Delete lists rows removed from the device.
	Delete map[graph.Category][]string
	// Kept lists closure rows still needed by another root of the profile.
	Kept map[graph.Category][]string
}

// Deleted returns the number of rows planned for deletion.
func (p *Plan) Deleted() int {
	total := 0
	for _, ids := range p.Delete {
		total += len(ids)
	}
	return total
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Store       *store.Store
	Engine      Discoverer
	Attachments AttachmentRemover
	Logger      *zap.Logger
}

// Executor plans and runs the local deletion of a verified closure.
type Executor struct {
	store       *store.Store
	engine      Discoverer
	attachments AttachmentRemover
	logger      *zap.Logger
}

func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Store == nil || cfg.Engine == nil {
		return nil, fmt.Errorf("offload: store and discovery engine are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: cfg.Store, engine: cfg.Engine, attachments: cfg.Attachments, logger: logger}, nil
}

// Plan decides which rows of closure lose profileID and which disappear.
// Rows reachable from another root still flagged by the profile are kept,
// rows owned by deleted rows follow them, and no row still referenced by a
// surviving row is deleted. Flagged rows that root hangs under, such as the
// parent quest and the project of a chapter, count as other roots whose
// closure skips the subtree of root.
func (e *Executor) Plan(ctx context.Context, root graph.Ref, closure map[graph.Category][]string, profileID string) (*Plan, error) {
	inClosure := make(map[graph.Category]idSet)
	for category, ids := range closure {
		inClosure[category] = newIDSet(ids)
	}
	kept, err := e.keptByOtherRoots(ctx, root, inClosure, profileID)
	if err != nil {
		return nil, err
	}

	candidates := make(map[graph.Category]idSet)
	for _, category := range graph.Order() {
		set := make(idSet)
		for id := range inClosure[category] {
			if !kept[category].has(id) {
				set[id] = struct{}{}
			}
		}
		candidates[category] = set
	}

	rows := make(map[graph.Category]map[string]entities.Row)
	for _, category := range graph.Order() {
		if !category.Relational() || len(candidates[category]) == 0 {
			continue
		}
		loaded, err := e.store.Rows(ctx, category, candidates[category].sorted())
		if err != nil {
			return nil, &CategoryError{Category: category, Err: err}
		}
		rows[category] = make(map[string]entities.Row, len(loaded))
		for _, row := range loaded {
			rows[category][row.ID()] = row
		}
	}

	guarded := make(map[graph.Category]idSet)
	for _, category := range graph.Order() {
		guarded[category] = make(idSet)
	}
	// guarded only grows, so the loop settles.
	var deleted map[graph.Category]idSet
	for {
		deleted, err = e.forward(ctx, candidates, rows, guarded, profileID)
		if err != nil {
			return nil, err
		}
		changed, err := e.guard(ctx, deleted, guarded)
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
	}

	plan := &Plan{
		Profile: profileID,
		Unflag:  make(map[graph.Category][]string),
		Delete:  make(map[graph.Category][]string),
		Kept:    make(map[graph.Category][]string),
	}
	for _, category := range graph.Order() {
		if category.Flagged() {
			var unflag []string
			for _, id := range candidates[category].sorted() {
				if _, present := rows[category][id]; present {
					unflag = append(unflag, id)
				}
			}
			if len(unflag) > 0 {
				plan.Unflag[category] = unflag
			}
		}
		if ids := deleted[category].sorted(); len(ids) > 0 {
			plan.Delete[category] = ids
		}
		if ids := kept[category].sorted(); len(ids) > 0 {
			plan.Kept[category] = ids
		}
	}
	return plan, nil
}

// keptByOtherRoots unions the local closures of rows outside the closure that
// the profile still flags, and of the flagged ancestors of root with the
// subtree of root left out.
func (e *Executor) keptByOtherRoots(ctx context.Context, root graph.Ref, inClosure map[graph.Category]idSet, profileID string) (map[graph.Category]idSet, error) {
	kept := make(map[graph.Category]idSet)
	for _, category := range graph.Order() {
		kept[category] = make(idSet)
	}
	ancestors, err := e.ancestors(ctx, root)
	if err != nil {
		return nil, err
	}
	subtree := []graph.Ref{root}
	for id := range inClosure[root.Category] {
		if id != root.ID && !ancestors[root.Category].has(id) {
			subtree = append(subtree, graph.Ref{Category: root.Category, ID: id})
		}
	}
	for _, category := range graph.Order() {
		if !category.Flagged() {
			continue
		}
		links, err := e.store.Lookup(ctx, graph.Lookup{
			Category: category, Match: profiles.Column, MatchMulti: true, Values: []string{profileID}, Select: "id",
		})
		if err != nil {
			return nil, &CategoryError{Category: category, Err: err}
		}
		for _, id := range graph.Values(links) {
			other := graph.Ref{Category: category, ID: id}
			if other == root || kept[category].has(id) {
				continue
			}
			var result *discovery.Result
			switch {
			case ancestors[category].has(id):
				result, err = e.engine.DiscoverWithout(ctx, other, discovery.ScopeLocal, subtree)
			case inClosure[category].has(id):
				continue
			default:
				result, err = e.engine.Discover(ctx, other, discovery.ScopeLocal, nil)
			}
			if err != nil {
				return nil, &CategoryError{Category: category, Err: fmt.Errorf("closure of %s: %w", other, err)}
			}
			if err := result.Err(); err != nil {
				return nil, &CategoryError{Category: category, Err: fmt.Errorf("closure of %s: %w", other, err)}
			}
			for keptCategory, ids := range result.IDs {
				for _, keptID := range ids {
					if inClosure[keptCategory].has(keptID) {
						kept[keptCategory][keptID] = struct{}{}
					}
				}
			}
			e.logger.Debug("closure rows kept by another root",
				zap.String("root", other.String()),
				zap.Int("rows", result.Total()))
		}
	}
	return kept, nil
}

// ancestors follows the reference edges of root that are not expanded and
// lead to flagged rows, up to the top of the hierarchy.
func (e *Executor) ancestors(ctx context.Context, root graph.Ref) (map[graph.Category]idSet, error) {
	found := make(map[graph.Category]idSet)
	frontier := []graph.Ref{root}
	for len(frontier) > 0 {
		var next []graph.Ref
		for _, ref := range frontier {
			for _, edge := range graph.EdgesFrom(ref.Category) {
				if edge.Kind != graph.EdgeReference || edge.Expand || !edge.To.Flagged() {
					continue
				}
				links, err := e.store.Lookup(ctx, graph.Lookup{
					Category: ref.Category, Match: "id", Values: []string{ref.ID}, Select: edge.Column, Multi: edge.Multi,
				})
				if err != nil {
					return nil, &CategoryError{Category: edge.To, Err: err}
				}
				for _, link := range links {
					target := graph.Ref{Category: edge.To, ID: link.Value}
					if link.Value == "" || target == root || found[edge.To].has(link.Value) {
						continue
					}
					if found[edge.To] == nil {
						found[edge.To] = make(idSet)
					}
					found[edge.To][link.Value] = struct{}{}
					next = append(next, target)
				}
			}
		}
		frontier = next
	}
	return found, nil
}

// forward walks categories parents first and decides deletion per retention kind.
func (e *Executor) forward(ctx context.Context, candidates map[graph.Category]idSet, rows map[graph.Category]map[string]entities.Row, guarded map[graph.Category]idSet, profileID string) (map[graph.Category]idSet, error) {
	deleted := make(map[graph.Category]idSet)
	for _, category := range graph.Order() {
		deleted[category] = make(idSet)
		for id := range candidates[category] {
			if guarded[category].has(id) {
				continue
			}
			switch category.Retention() {
			case graph.RetentionFlagged:
				row, present := rows[category][id]
				if !present {
					deleted[category][id] = struct{}{}
					continue
				}
				set, err := profiles.Decode(row[profiles.Column])
				if err != nil {
					return nil, &CategoryError{Category: category, Err: err}
				}
				if len(set.Remove(profileID)) == 0 {
					deleted[category][id] = struct{}{}
				}
			case graph.RetentionOwned:
				orphaned, err := e.orphaned(ctx, category, rows[category][id], deleted)
				if err != nil {
					return nil, err
				}
				if orphaned {
					deleted[category][id] = struct{}{}
				}
			case graph.RetentionReferenced:
				deleted[category][id] = struct{}{}
			}
		}
	}
	return deleted, nil
}

// orphaned reports whether an owned row lost any row that owns it. Targets
// retained by reference never orphan their holders; the guard keeps them instead.
func (e *Executor) orphaned(ctx context.Context, category graph.Category, row entities.Row, deleted map[graph.Category]idSet) (bool, error) {
	if row == nil {
		return true, nil
	}
	for _, dependency := range graph.Dependencies(category) {
		if dependency.Target.Retention() == graph.RetentionReferenced {
			continue
		}
		targets := []string{row.String(dependency.Column)}
		if dependency.Multi {
			set, err := profiles.Decode(row[dependency.Column])
			if err != nil {
				return false, &CategoryError{Category: category, Err: err}
			}
			targets = set
		}
		for _, target := range targets {
			if target == "" {
				continue
			}
			if deleted[dependency.Target].has(target) {
				return true, nil
			}
			links, err := e.store.Lookup(ctx, graph.ExistenceLookup(dependency.Target, []string{target}))
			if err != nil {
				return false, &CategoryError{Category: dependency.Target, Err: err}
			}
			if len(links) == 0 {
				return true, nil
			}
		}
	}
	return false, nil
}

// guard keeps deletion candidates that a surviving local row still references.
func (e *Executor) guard(ctx context.Context, deleted map[graph.Category]idSet, guarded map[graph.Category]idSet) (bool, error) {
	changed := false
	for _, category := range graph.ReverseOrder() {
		ids := deleted[category].sorted()
		if len(ids) == 0 {
			continue
		}
		for _, dependency := range graph.Dependents(category) {
			links, err := e.store.Lookup(ctx, graph.Lookup{
				Category:   dependency.Holder,
				Match:      dependency.Column,
				MatchMulti: dependency.Multi,
				Values:     ids,
				Select:     "id",
			})
			if err != nil {
				return false, &CategoryError{Category: dependency.Holder, Err: err}
			}
			for _, link := range links {
				if deleted[dependency.Holder].has(link.Value) || guarded[category].has(link.Key) {
					continue
				}
				guarded[category][link.Key] = struct{}{}
				delete(deleted[category], link.Key)
				changed = true
				e.logger.Debug("keeping row referenced by a surviving row",
					zap.String("category", string(category)),
					zap.String("id", link.Key),
					zap.String("holder", graph.Ref{Category: dependency.Holder, ID: link.Value}.String()))
			}
		}
	}
	return changed, nil
}

// Execute applies plan children first, one transaction per category.
// Every step is idempotent so a failed run can simply be repeated.
func (e *Executor) Execute(ctx context.Context, plan *Plan) error {
	for _, category := range graph.ReverseOrder() {
		unflag := plan.Unflag[category]
		remove := plan.Delete[category]
		if len(unflag) == 0 && len(remove) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return &CategoryError{Category: category, Err: err}
		}
		if category == graph.Attachment {
			if e.attachments == nil {
				continue
			}
			if _, err := e.attachments.Delete(ctx, remove); err != nil {
				return &CategoryError{Category: category, Err: err}
			}
			continue
		}
		err := e.store.Transaction(ctx, func(tx *store.Tx) error {
			for _, id := range unflag {
				if _, err := tx.UpdateProfiles(category, id, func(set profiles.Set) profiles.Set {
					return set.Remove(plan.Profile)
				}); err != nil {
					return err
				}
			}
			_, err := tx.Delete(category, remove)
			return err
		})
		if err != nil {
			return &CategoryError{Category: category, Err: err}
		}
		e.logger.Debug("offloaded category",
			zap.String("category", string(category)),
			zap.Int("unflagged", len(unflag)),
			zap.Int("deleted", len(remove)))
	}
	return nil
}
