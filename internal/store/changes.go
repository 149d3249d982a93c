package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/questsync/internal/fanout"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// Change announces committed writes to rows of one category.
type Change struct {
	Category  graph.Category
	IDs       []string
	Timestamp time.Time
}

func (c Change) touches(ids map[string]struct{}) bool {
	if len(ids) == 0 || len(c.IDs) == 0 {
		return true
	}
	for _, id := range c.IDs {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// ChangeDispatcher fans committed changes out to per-category subscribers.
// A subscriber that misses a change still has an earlier one pending, which
// already makes it re-read current state.
type ChangeDispatcher struct {
	fanout *fanout.Dispatcher[graph.Category, Change]
}

func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{fanout: fanout.New[graph.Category, Change](0)}
}

// Subscribe registers for changes of category until ctx ends or cleanup runs.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, category graph.Category) (<-chan Change, func()) {
	return d.fanout.Subscribe(ctx, category)
}

func (d *ChangeDispatcher) Publish(change Change) {
	if change.Category == "" {
		return
	}
	d.fanout.Publish(change.Category, change)
}
