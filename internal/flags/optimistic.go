package flags

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// MarkState is the optimistic download state of a row as shown to the user.
type MarkState int

const (
	MarkNone MarkState = iota
	MarkPending
	MarkConfirmed
)

// Tracker holds optimistic marks for rows whose flag write is in flight.
type Tracker struct {
	mu       sync.Mutex
	states   map[graph.Ref]MarkState
	onChange func(ref graph.Ref, state MarkState)
}

// NewTracker returns a tracker; onChange, when set, is called for every state change.
func NewTracker(onChange func(ref graph.Ref, state MarkState)) *Tracker {
	return &Tracker{states: make(map[graph.Ref]MarkState), onChange: onChange}
}

// State returns the optimistic state of ref.
func (t *Tracker) State(ref graph.Ref) MarkState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.states[ref]
}

// Mark is one batch of pending rows and the states they replaced.
type Mark struct {
	tracker  *Tracker
	previous map[graph.Ref]MarkState
	once     sync.Once
}

// Mark sets refs pending.
func (t *Tracker) Mark(refs []graph.Ref) *Mark {
	mark := &Mark{tracker: t, previous: make(map[graph.Ref]MarkState, len(refs))}
	t.mu.Lock()
	for _, ref := range refs {
		if _, seen := mark.previous[ref]; seen {
			continue
		}
		mark.previous[ref] = t.states[ref]
		t.states[ref] = MarkPending
	}
	t.mu.Unlock()
	for ref := range mark.previous {
		t.notify(ref, MarkPending)
	}
	return mark
}

// Commit confirms the marked rows.
func (m *Mark) Commit() {
	m.once.Do(func() { m.settle(func(graph.Ref) MarkState { return MarkConfirmed }) })
}

// Rollback restores the states the marked rows had before Mark.
func (m *Mark) Rollback() {
	m.once.Do(func() { m.settle(func(ref graph.Ref) MarkState { return m.previous[ref] }) })
}

func (m *Mark) settle(next func(graph.Ref) MarkState) {
	t := m.tracker
	changed := make(map[graph.Ref]MarkState, len(m.previous))
	t.mu.Lock()
	for ref := range m.previous {
		state := next(ref)
		if state == MarkNone {
			delete(t.states, ref)
		} else {
			t.states[ref] = state
		}
		changed[ref] = state
	}
	t.mu.Unlock()
	for ref, state := range changed {
		t.notify(ref, state)
	}
}

func (t *Tracker) notify(ref graph.Ref, state MarkState) {
	if t.onChange != nil {
		t.onChange(ref, state)
	}
}

// FlagOptimistic marks the flagged rows of result pending, runs FlagForDownload
// and commits the marks on success or rolls them back on failure.
func (m *Manager) FlagOptimistic(ctx context.Context, tracker *Tracker, result *discovery.Result, profileID string) (Outcome, error) {
	if tracker == nil || result == nil {
		return m.FlagForDownload(ctx, result, profileID)
	}
	var refs []graph.Ref
	for _, category := range graph.Order() {
		if !category.Flagged() {
			continue
		}
		for _, id := range result.IDs[category] {
			refs = append(refs, graph.Ref{Category: category, ID: id})
		}
	}
	mark := tracker.Mark(refs)
	outcome, err := m.FlagForDownload(ctx, result, profileID)
	if err != nil {
		mark.Rollback()
		return outcome, err
	}
	mark.Commit()
	return outcome, nil
}
