package offload

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/questsync/internal/uploads"
)

// Phase is the coarse state of an offload flow.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseVerifying      Phase = "verifying"
	PhaseBlocked        Phase = "blocked"
	PhaseReadyToOffload Phase = "ready_to_offload"
	PhaseOffloading     Phase = "offloading"
	PhaseDone           Phase = "done"
	PhaseFailed         Phase = "failed"
)

// BlockReason tells why a verification stopped short of ReadyToOffload.
type BlockReason string

const (
	BlockedPendingUploads    BlockReason = "pending_uploads"
	BlockedVerificationError BlockReason = "verification_error"
)

// State is the discriminated outcome observed by callers.
type State struct {
	Phase  Phase
	Reason BlockReason
	// Pending is set for BlockedPendingUploads.
	Pending uploads.Pending
	// Report is set for BlockedVerificationError.
	Report *Report
	// Plan is set for PhaseDone.
	Plan *Plan
	// Category and Err are set for PhaseFailed.
	Category graph.Category
	Err      error
}

func (s State) String() string {
	switch s.Phase {
	case PhaseBlocked:
		return fmt.Sprintf("%s(%s)", s.Phase, s.Reason)
	case PhaseFailed:
		if s.Category != "" {
			return fmt.Sprintf("%s(%s)", s.Phase, s.Category)
		}
	}
	return string(s.Phase)
}

// Counter is the live progress of one category.
type Counter struct {
	Count       int  `json:"count"`
	Verified    int  `json:"verified"`
	IsVerifying bool `json:"is_verifying"`
	HasError    bool `json:"has_error"`
}

// Board holds one Counter per category for UI binding.
type Board struct {
	mu       sync.RWMutex
	counters map[graph.Category]Counter
	onChange func(category graph.Category, counter Counter)
}

// NewBoard returns an empty board; onChange, when set, observes every update.
func NewBoard(onChange func(category graph.Category, counter Counter)) *Board {
	return &Board{counters: make(map[graph.Category]Counter), onChange: onChange}
}

// Get returns the counter of category.
func (b *Board) Get(category graph.Category) Counter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.counters[category]
}

// Snapshot copies every counter.
func (b *Board) Snapshot() map[graph.Category]Counter {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snapshot := make(map[graph.Category]Counter, len(b.counters))
	for category, counter := range b.counters {
		snapshot[category] = counter
	}
	return snapshot
}

func (b *Board) update(category graph.Category, mutate func(*Counter)) {
	b.mu.Lock()
	counter := b.counters[category]
	mutate(&counter)
	b.counters[category] = counter
	b.mu.Unlock()
	if b.onChange != nil {
		b.onChange(category, counter)
	}
}

func (b *Board) reset() {
	b.mu.Lock()
	b.counters = make(map[graph.Category]Counter)
	b.mu.Unlock()
}

// Report itemizes why a closure is not safe to offload.
type Report struct {
	Pending             *syncerr.PendingUploadsError
	Shortfalls          []syncerr.VerificationShortfall
	UnsyncedAttachments []string
	CategoryErrors      []error
}

// Empty reports whether nothing blocks the offload.
func (r *Report) Empty() bool {
	return r.Pending == nil && len(r.Shortfalls) == 0 && len(r.UnsyncedAttachments) == 0 && len(r.CategoryErrors) == 0
}

// Lines renders one line per blocking item.
func (r *Report) Lines() []string {
	var lines []string
	if r.Pending != nil {
		lines = append(lines, r.Pending.Error())
	}
	for _, shortfall := range r.Shortfalls {
		lines = append(lines, shortfall.Error())
	}
	if len(r.UnsyncedAttachments) > 0 {
		ids := append([]string(nil), r.UnsyncedAttachments...)
		sort.Strings(ids)
		lines = append(lines, fmt.Sprintf("attachment: %d blobs not uploaded (%s)", len(ids), strings.Join(ids, ", ")))
	}
	for _, err := range r.CategoryErrors {
		lines = append(lines, err.Error())
	}
	return lines
}

func (r *Report) String() string {
	lines := r.Lines()
	for index, line := range lines {
		lines[index] = "- " + line
	}
	return strings.Join(lines, "\n")
}

// Err joins every blocking item as an error.
func (r *Report) Err() error {
	var errs []error
	if r.Pending != nil {
		errs = append(errs, r.Pending)
	}
	for index := range r.Shortfalls {
		errs = append(errs, &r.Shortfalls[index])
	}
	for _, id := range r.UnsyncedAttachments {
		errs = append(errs, &syncerr.AttachmentNotUploaded{AttachmentID: id})
	}
	errs = append(errs, r.CategoryErrors...)
	return errors.Join(errs...)
}
