// Package discovery computes the closure of a root entity over local and remote rows.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/remote"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
)

const (
	DefaultMaxDepth        = 32
	DefaultCategoryTimeout = 30 * time.Second
	DefaultConcurrency     = 4
)

var (
	ErrSourceUnavailable = errors.New("discovery: source not configured for scope")
	ErrInvalidRoot       = errors.New("discovery: invalid root")
	ErrRootNotFound      = errors.New("discovery: root not found")
)

// Scope selects the row sources a walk reads.
type Scope int

const (
	ScopeUnion Scope = iota + 1
	ScopeLocal
	ScopeRemote
)

func (s Scope) String() string {
	switch s {
	case ScopeUnion:
		return "union"
	case ScopeLocal:
		return "local"
	case ScopeRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Source answers batched lookups; the local store and the remote adapters implement it.
type Source interface {
	Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error)
}

// Sizer reports the known byte size of attachments.
type Sizer interface {
	KnownBytes(ctx context.Context, ids []string) (int64, error)
}

// Reporter receives the running count of a category after each level of the walk.
type Reporter interface {
	Discovered(category graph.Category, count int)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(category graph.Category, count int)

func (f ReporterFunc) Discovered(category graph.Category, count int) {
	f(category, count)
}

// Config wires an Engine.
type Config struct {
	Local           Source
	Remote          Source
	Sizer           Sizer
	Logger          *zap.Logger
	MaxDepth        int
	CategoryTimeout time.Duration
	Concurrency     int
}

// Engine walks the entity graph. It never writes.
type Engine struct {
	local       Source
	remote      Source
	sizer       Sizer
	logger      *zap.Logger
	maxDepth    int
	timeout     time.Duration
	concurrency int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Local == nil && cfg.Remote == nil {
		return nil, fmt.Errorf("%w: no sources", ErrSourceUnavailable)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	timeout := cfg.CategoryTimeout
	if timeout <= 0 {
		timeout = DefaultCategoryTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Engine{
		local:       cfg.Local,
		remote:      cfg.Remote,
		sizer:       cfg.Sizer,
		logger:      logger,
		maxDepth:    maxDepth,
		timeout:     timeout,
		concurrency: concurrency,
	}, nil
}

// ClosureWalker adapts the engine to the remote service closure shortcut.
func (e *Engine) ClosureWalker(scope Scope) remote.ClosureWalker {
	return func(ctx context.Context, root graph.Ref) (map[graph.Category][]string, error) {
		result, err := e.Discover(ctx, root, scope, nil)
		if err != nil {
			return nil, err
		}
		if err := result.Err(); err != nil {
			return nil, err
		}
		return result.Map(), nil
	}
}

func (e *Engine) sources(scope Scope) ([]Source, error) {
	switch scope {
	case ScopeLocal:
		if e.local == nil {
			return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, scope)
		}
		return []Source{e.local}, nil
	case ScopeRemote:
		if e.remote == nil {
			return nil, fmt.Errorf("%w: %s", ErrSourceUnavailable, scope)
		}
		return []Source{e.remote}, nil
	case ScopeUnion:
		var sources []Source
		if e.local != nil {
			sources = append(sources, e.local)
		}
		if e.remote != nil {
			sources = append(sources, e.remote)
		}
		return sources, nil
	default:
		return nil, fmt.Errorf("%w: scope %d", ErrSourceUnavailable, scope)
	}
}

type node struct {
	category graph.Category
	id       string
	expand   bool
}

type walk struct {
	engine   *Engine
	sources  []Source
	result   *Result
	visited  map[graph.Category]map[string]bool
	dropped  map[graph.Category]map[string]bool
	excluded map[graph.Ref]bool
	reporter Reporter
}

// Discover returns the closure of root. Category failures are recorded on the
// result and never abort the walk. On cancellation the partial result is
// returned together with the context error.
func (e *Engine) Discover(ctx context.Context, root graph.Ref, scope Scope, reporter Reporter) (*Result, error) {
	return e.discover(ctx, root, scope, reporter, nil)
}

// DiscoverWithout returns the closure of root without entering the excluded
// rows. Rows reachable only through them are left out as well.
func (e *Engine) DiscoverWithout(ctx context.Context, root graph.Ref, scope Scope, excluded []graph.Ref) (*Result, error) {
	skip := make(map[graph.Ref]bool, len(excluded))
	for _, ref := range excluded {
		if ref != root {
			skip[ref] = true
		}
	}
	return e.discover(ctx, root, scope, nil, skip)
}

func (e *Engine) discover(ctx context.Context, root graph.Ref, scope Scope, reporter Reporter, excluded map[graph.Ref]bool) (*Result, error) {
	if !root.Category.Relational() || strings.TrimSpace(root.ID) == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, root)
	}
	sources, err := e.sources(scope)
	if err != nil {
		return nil, err
	}
	w := &walk{
		engine:   e,
		sources:  sources,
		result:   newResult(root, scope),
		visited:  make(map[graph.Category]map[string]bool),
		dropped:  make(map[graph.Category]map[string]bool),
		excluded: excluded,
		reporter: reporter,
	}

	found, err := w.exists(ctx, root.Category, []string{root.ID})
	if err != nil {
		if ctx.Err() != nil {
			return w.result, ctx.Err()
		}
		w.result.recordError(root.Category, err)
	} else if !found[root.ID] {
		return nil, fmt.Errorf("%w: %s (%s)", ErrRootNotFound, root, scope)
	}

	w.visit(node{category: root.Category, id: root.ID, expand: true})
	frontier := []node{{category: root.Category, id: root.ID, expand: true}}
	for depth := 0; len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			w.finish(ctx)
			return w.result, err
		}
		if depth >= e.maxDepth {
			w.result.Truncated = true
			e.logger.Warn("closure depth bound reached",
				zap.String("root", root.String()),
				zap.Int("max_depth", e.maxDepth),
				zap.Int("pending", len(frontier)))
			break
		}
		frontier = w.level(ctx, frontier)
		w.report()
	}
	if err := ctx.Err(); err != nil {
		w.finish(ctx)
		return w.result, err
	}
	w.finish(ctx)
	w.depths(ctx)
	return w.result, nil
}

func (w *walk) visit(n node) bool {
	if w.excluded[graph.Ref{Category: n.category, ID: n.id}] {
		return false
	}
	ids, ok := w.visited[n.category]
	if !ok {
		ids = make(map[string]bool)
		w.visited[n.category] = ids
	}
	expanded, seen := ids[n.id]
	if seen && (expanded || !n.expand) {
		return false
	}
	ids[n.id] = expanded || n.expand
	return true
}

type edgeTask struct {
	edge   graph.Edge
	lookup graph.Lookup
}

type edgeResult struct {
	edge  graph.Edge
	links []graph.Link
	err   error
}

func (w *walk) level(ctx context.Context, frontier []node) []node {
	byCategory := make(map[graph.Category][]node)
	position := make(map[graph.Ref]int)
	for _, n := range frontier {
		ref := graph.Ref{Category: n.category, ID: n.id}
		if index, ok := position[ref]; ok {
			byCategory[n.category][index].expand = byCategory[n.category][index].expand || n.expand
			continue
		}
		position[ref] = len(byCategory[n.category])
		byCategory[n.category] = append(byCategory[n.category], n)
	}

	var tasks []edgeTask
	for _, category := range graph.Order() {
		nodes := byCategory[category]
		if len(nodes) == 0 {
			continue
		}
		var all, expanded []string
		for _, n := range nodes {
			all = append(all, n.id)
			if n.expand {
				expanded = append(expanded, n.id)
			}
		}
		for _, edge := range graph.EdgesFrom(category) {
			switch edge.Kind {
			case graph.EdgeChild:
				if len(expanded) == 0 {
					continue
				}
				tasks = append(tasks, edgeTask{edge: edge, lookup: graph.Lookup{
					Category: edge.To, Match: edge.Column, Values: expanded, Select: "id",
				}})
			case graph.EdgeReference:
				tasks = append(tasks, edgeTask{edge: edge, lookup: graph.Lookup{
					Category: edge.From, Match: "id", Values: all, Select: edge.Column, Multi: edge.Multi,
				}})
			}
		}
	}

	results := w.run(ctx, tasks)

	type candidate struct {
		edge   graph.Edge
		holder string
		target string
	}
	var candidates []candidate
	checks := make(map[graph.Category]map[string]bool)
	for _, res := range results {
		if res.err != nil {
			w.result.recordError(res.edge.To, res.err)
			w.engine.logger.Warn("category query failed",
				zap.String("category", string(res.edge.To)),
				zap.String("from", string(res.edge.From)),
				zap.String("column", res.edge.Column),
				zap.Error(res.err))
		}
		for _, link := range res.links {
			c := candidate{edge: res.edge, holder: link.Key, target: link.Value}
			if res.edge.Kind == graph.EdgeChild {
				c.holder, c.target = link.Value, link.Key
			}
			candidates = append(candidates, c)
			if res.edge.Kind == graph.EdgeReference && res.edge.Check && !w.visited[res.edge.To][link.Value] {
				if checks[res.edge.To] == nil {
					checks[res.edge.To] = make(map[string]bool)
				}
				checks[res.edge.To][link.Value] = true
			}
		}
	}

	missing := w.checkTargets(ctx, checks)

	var next []node
	for _, c := range candidates {
		if c.edge.Kind == graph.EdgeChild {
			if w.visit(node{category: c.edge.To, id: c.holder, expand: c.edge.Expand}) {
				next = append(next, node{category: c.edge.To, id: c.holder, expand: c.edge.Expand})
			}
			continue
		}
		if missing[c.edge.To][c.target] {
			w.dangling(c.edge, c.holder, c.target)
			continue
		}
		if w.visit(node{category: c.edge.To, id: c.target, expand: c.edge.Expand}) {
			next = append(next, node{category: c.edge.To, id: c.target, expand: c.edge.Expand})
		}
	}
	return next
}

func (w *walk) run(ctx context.Context, tasks []edgeTask) []edgeResult {
	results := make([]edgeResult, len(tasks)*len(w.sources))
	var group errgroup.Group
	group.SetLimit(w.engine.concurrency)
	for taskIndex, task := range tasks {
		for sourceIndex, source := range w.sources {
			slot := taskIndex*len(w.sources) + sourceIndex
			task, source := task, source
			group.Go(func() error {
				callCtx, cancel := context.WithTimeout(ctx, w.engine.timeout)
				defer cancel()
				links, err := source.Lookup(callCtx, task.lookup)
				results[slot] = edgeResult{edge: task.edge, links: links, err: err}
				return nil
			})
		}
	}
	group.Wait()
	return results
}

// exists reports which ids exist in any source. It fails only when every
// source failed or when no source found an id and one of them failed.
func (w *walk) exists(ctx context.Context, category graph.Category, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	errs := make([]error, len(w.sources))
	links := make([][]graph.Link, len(w.sources))
	var group errgroup.Group
	group.SetLimit(w.engine.concurrency)
	for index, source := range w.sources {
		index, source := index, source
		group.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, w.engine.timeout)
			defer cancel()
			links[index], errs[index] = source.Lookup(callCtx, graph.ExistenceLookup(category, ids))
			return nil
		})
	}
	group.Wait()

	for _, set := range links {
		for _, link := range set {
			found[link.Value] = true
		}
	}
	if err := errors.Join(errs...); err != nil && len(found) < len(ids) {
		return found, err
	}
	return found, nil
}

func (w *walk) checkTargets(ctx context.Context, checks map[graph.Category]map[string]bool) map[graph.Category]map[string]bool {
	missing := make(map[graph.Category]map[string]bool)
	var mu sync.Mutex
	var group errgroup.Group
	group.SetLimit(w.engine.concurrency)
	for category, set := range checks {
		category := category
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		group.Go(func() error {
			found, err := w.exists(ctx, category, ids)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				w.result.recordError(category, err)
				w.engine.logger.Warn("existence check failed", zap.String("category", string(category)), zap.Error(err))
				return nil
			}
			for _, id := range ids {
				if !found[id] {
					if missing[category] == nil {
						missing[category] = make(map[string]bool)
					}
					missing[category][id] = true
				}
			}
			return nil
		})
	}
	group.Wait()
	return missing
}

func (w *walk) dangling(edge graph.Edge, holder, target string) {
	ref := syncerr.DanglingReference{
		Table:  edge.To.Table(),
		ID:     target,
		Holder: graph.Ref{Category: edge.From, ID: holder}.String(),
	}
	w.result.Dangling = append(w.result.Dangling, ref)
	w.engine.logger.Warn("skipping dangling reference",
		zap.String("table", ref.Table),
		zap.String("id", ref.ID),
		zap.String("holder", ref.Holder),
		zap.String("column", edge.Column))
	if edge.From.Retention() == graph.RetentionOwned && holder != w.result.Root.ID {
		if w.dropped[edge.From] == nil {
			w.dropped[edge.From] = make(map[string]bool)
		}
		w.dropped[edge.From][holder] = true
	}
}

func (w *walk) report() {
	w.collect()
	if w.reporter == nil {
		return
	}
	for _, category := range graph.Order() {
		if count := w.result.Count(category); count > 0 {
			w.reporter.Discovered(category, count)
		}
	}
}

func (w *walk) collect() {
	for category, ids := range w.visited {
		var list []string
		for id := range ids {
			if w.dropped[category][id] {
				continue
			}
			list = append(list, id)
		}
		sort.Strings(list)
		w.result.IDs[category] = list
	}
}

func (w *walk) finish(ctx context.Context) {
	w.collect()
	if w.engine.sizer == nil || w.result.Count(graph.Attachment) == 0 || ctx.Err() != nil {
		return
	}
	size, err := w.engine.sizer.KnownBytes(ctx, w.result.IDs[graph.Attachment])
	if err != nil {
		w.engine.logger.Warn("attachment size estimate failed", zap.Error(err))
		return
	}
	w.result.EstimatedBytes = size
}

// depths orders self-referential categories by following their parent column
// inside the closure.
func (w *walk) depths(ctx context.Context) {
	for _, category := range graph.Order() {
		column, ok := graph.SelfReference(category)
		ids := w.result.IDs[category]
		if !ok || len(ids) == 0 {
			continue
		}
		parents := make(map[string]string, len(ids))
		for _, source := range w.sources {
			callCtx, cancel := context.WithTimeout(ctx, w.engine.timeout)
			links, err := source.Lookup(callCtx, graph.Lookup{Category: category, Match: "id", Values: ids, Select: column})
			cancel()
			if err != nil {
				w.engine.logger.Warn("depth lookup failed", zap.String("category", string(category)), zap.Error(err))
				continue
			}
			for _, link := range links {
				if _, seen := parents[link.Key]; !seen {
					parents[link.Key] = link.Value
				}
			}
		}
		depth := make(map[string]int, len(ids))
		for _, id := range ids {
			level := 0
			current := id
			for steps := 0; steps < len(ids); steps++ {
				parent, ok := parents[current]
				if !ok || !w.result.Has(category, parent) {
					break
				}
				level++
				current = parent
			}
			depth[id] = level
		}
		w.result.Depth[category] = depth
	}
}
