// Package offload verifies that a downloaded closure is safe to drop and frees its local storage.
package offload

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/questsync/internal/blobs"
	"github.com/MarcoPoloResearchLab/questsync/internal/discovery"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
	"github.com/MarcoPoloResearchLab/questsync/internal/syncerr"
	"github.com/MarcoPoloResearchLab/questsync/internal/uploads"
)

const (
	defaultCategoryTimeout = 30 * time.Second
	defaultConcurrency     = 4
)

var (
	// ErrBusy reports a request while verification or offloading is running.
	ErrBusy = errors.New("offload: operation in progress")
	// ErrNotReady reports an offload request before a successful verification.
	ErrNotReady = errors.New("offload: closure not verified")
	// ErrForceDisabled reports a force request in a build without the debug override.
	ErrForceDisabled = errors.New("offload: forcing readiness is disabled in this build")
	// ErrClosureTruncated reports a closure cut short by the discovery depth bound.
	ErrClosureTruncated = errors.New("offload: closure truncated by depth bound")
)

// Gate reports unsynced local writes.
type Gate interface {
	Pending(ctx context.Context, categories ...graph.Category) (uploads.Pending, error)
}

// RemoteVerifier confirms rows remotely.
type RemoteVerifier interface {
	Lookup(ctx context.Context, lookup graph.Lookup) ([]graph.Link, error)
}

// BlobStatter confirms uploaded attachment blobs.
type BlobStatter interface {
	Stat(ctx context.Context, key string) (blobs.Object, error)
}

// Config wires a Machine.
type Config struct {
	Store       *store.Store
	Gate        Gate
	Engine      Discoverer
	Remote      RemoteVerifier
	Blobs       BlobStatter
	Attachments AttachmentRemover
	Board       *Board
	Logger      *zap.Logger
	// CategoryTimeout bounds the remote verification of one category.
	CategoryTimeout time.Duration
	Concurrency     int
	// OnTransition observes every state change.
	OnTransition func(State)
}

// Machine drives the offload flow of one root for one profile.
type Machine struct {
	root         graph.Ref
	profile      string
	gate         Gate
	engine       Discoverer
	remote       RemoteVerifier
	blobs        BlobStatter
	executor     *Executor
	board        *Board
	logger       *zap.Logger
	timeout      time.Duration
	concurrency  int
	onTransition func(State)

	mu      sync.Mutex
	state   State
	closure map[graph.Category][]string
	cancel  context.CancelFunc
}

func NewMachine(cfg Config, root graph.Ref, profileID string) (*Machine, error) {
	if cfg.Store == nil || cfg.Gate == nil || cfg.Engine == nil || cfg.Remote == nil {
		return nil, errors.New("offload: store, upload gate, discovery engine and remote verifier are required")
	}
	if !root.Category.Relational() || strings.TrimSpace(root.ID) == "" {
		return nil, fmt.Errorf("offload: invalid root %s", root)
	}
	profileID = strings.TrimSpace(profileID)
	if profileID == "" {
		return nil, errors.New("offload: profile is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	executor, err := NewExecutor(ExecutorConfig{Store: cfg.Store, Engine: cfg.Engine, Attachments: cfg.Attachments, Logger: logger})
	if err != nil {
		return nil, err
	}
	board := cfg.Board
	if board == nil {
		board = NewBoard(nil)
	}
	timeout := cfg.CategoryTimeout
	if timeout <= 0 {
		timeout = defaultCategoryTimeout
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Machine{
		root:         root,
		profile:      profileID,
		gate:         cfg.Gate,
		engine:       cfg.Engine,
		remote:       cfg.Remote,
		blobs:        cfg.Blobs,
		executor:     executor,
		board:        board,
		logger:       logger.With(zap.String("root", root.String()), zap.String("profile", profileID)),
		timeout:      timeout,
		concurrency:  concurrency,
		onTransition: cfg.OnTransition,
		state:        State{Phase: PhaseIdle},
	}, nil
}

// Status returns the current state.
func (m *Machine) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Board returns the live per-category counters.
func (m *Machine) Board() *Board {
	return m.board
}

// Cancel aborts a running verification; the machine returns to Idle.
func (m *Machine) Cancel() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Machine) enter(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	m.announce(state)
}

func (m *Machine) announce(state State) {
	m.logger.Debug("offload state", zap.String("state", state.String()))
	if m.onTransition != nil {
		m.onTransition(state)
	}
}

// Verify checks that every row of the local closure exists remotely and every
// attachment blob was uploaded. Pending local writes block before any remote call.
func (m *Machine) Verify(ctx context.Context) (State, error) {
	m.mu.Lock()
	if m.state.Phase == PhaseVerifying || m.state.Phase == PhaseOffloading {
		state := m.state
		m.mu.Unlock()
		return state, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = State{Phase: PhaseVerifying}
	m.closure = nil
	m.mu.Unlock()
	m.announce(State{Phase: PhaseVerifying})

	state, closure, err := m.verify(ctx)
	cancel()

	m.mu.Lock()
	m.cancel = nil
	m.state = state
	m.closure = closure
	m.mu.Unlock()
	m.announce(state)
	return state, err
}

type categoryCheck struct {
	verified int
	unsynced []string
	bytes    int64
	err      error
}

func (m *Machine) verify(ctx context.Context) (State, map[graph.Category][]string, error) {
	pending, err := m.gate.Pending(ctx)
	if err != nil {
		return State{Phase: PhaseIdle}, nil, fmt.Errorf("offload: pending uploads: %w", err)
	}
	if !pending.Empty() {
		m.logger.Info("offload blocked by pending uploads",
			zap.Int64("count", pending.Count),
			zap.Int64("bytes", pending.Bytes))
		report := &Report{Pending: &syncerr.PendingUploadsError{Count: pending.Count, Bytes: pending.Bytes}}
		return State{Phase: PhaseBlocked, Reason: BlockedPendingUploads, Pending: pending, Report: report}, nil, nil
	}

	m.board.reset()
	reporter := discovery.ReporterFunc(func(category graph.Category, count int) {
		m.board.update(category, func(counter *Counter) {
			counter.Count = count
			counter.IsVerifying = true
		})
	})
	result, err := m.engine.Discover(ctx, m.root, discovery.ScopeLocal, reporter)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return State{Phase: PhaseIdle}, nil, ctxErr
		}
		return State{Phase: PhaseIdle}, nil, fmt.Errorf("offload: local closure: %w", err)
	}
	for _, category := range graph.Order() {
		count := result.Count(category)
		m.board.update(category, func(counter *Counter) {
			counter.Count = count
			counter.Verified = 0
			counter.IsVerifying = count > 0
			counter.HasError = result.Errors[category] != nil
		})
	}

	checks := make(map[graph.Category]*categoryCheck)
	var checksMu sync.Mutex
	var group errgroup.Group
	group.SetLimit(m.concurrency)
	for _, category := range graph.Order() {
		ids := result.IDs[category]
		if len(ids) == 0 {
			continue
		}
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			callCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			check := m.verifyCategory(callCtx, category, ids)
			checksMu.Lock()
			checks[category] = check
			checksMu.Unlock()
			m.board.update(category, func(counter *Counter) {
				counter.Verified = check.verified
				counter.IsVerifying = false
				counter.HasError = counter.HasError || check.err != nil
			})
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		for _, category := range graph.Order() {
			m.board.update(category, func(counter *Counter) {
				counter.IsVerifying = false
			})
		}
		return State{Phase: PhaseIdle}, nil, err
	}

	report := &Report{}
	for _, category := range graph.Order() {
		if err := result.Errors[category]; err != nil {
			report.CategoryErrors = append(report.CategoryErrors, err)
		}
		check := checks[category]
		if check == nil {
			continue
		}
		if check.err != nil {
			report.CategoryErrors = append(report.CategoryErrors, &syncerr.CategoryQueryError{Category: category, Err: check.err})
			continue
		}
		if category == graph.Attachment {
			report.UnsyncedAttachments = check.unsynced
			continue
		}
		if missing := result.Count(category) - check.verified; missing > 0 {
			report.Shortfalls = append(report.Shortfalls, syncerr.VerificationShortfall{Category: category, Missing: missing})
		}
	}
	if result.Truncated {
		report.CategoryErrors = append(report.CategoryErrors, ErrClosureTruncated)
	}
	for _, dangling := range result.Dangling {
		m.logger.Warn("dangling reference in local closure", zap.String("reference", dangling.Error()))
	}

	closure := result.Map()
	if !report.Empty() {
		m.logger.Info("offload verification failed", zap.Strings("items", report.Lines()))
		return State{Phase: PhaseBlocked, Reason: BlockedVerificationError, Report: report}, closure, nil
	}
	m.logger.Info("offload verified",
		zap.Int("rows", result.Total()),
		zap.Int64("attachment_bytes", checks[graph.Attachment].bytesOrZero()))
	return State{Phase: PhaseReadyToOffload}, closure, nil
}

func (c *categoryCheck) bytesOrZero() int64 {
	if c == nil {
		return 0
	}
	return c.bytes
}

func (m *Machine) verifyCategory(ctx context.Context, category graph.Category, ids []string) *categoryCheck {
	check := &categoryCheck{}
	if category == graph.Attachment {
		if m.blobs == nil {
			check.err = errors.New("no blob store to confirm uploads")
			return check
		}
		for _, id := range ids {
			object, err := m.blobs.Stat(ctx, id)
			if errors.Is(err, blobs.ErrNotFound) {
				check.unsynced = append(check.unsynced, id)
				continue
			}
			if err != nil {
				check.err = err
				return check
			}
			check.verified++
			check.bytes += object.Size
		}
		return check
	}
	for _, lookup := range graph.ExistenceLookup(category, ids).Chunks() {
		links, err := m.remote.Lookup(ctx, lookup)
		if err != nil {
			check.err = err
			return check
		}
		check.verified += len(graph.Values(links))
	}
	return check
}

// Offload removes the profile from the verified closure and deletes what no
// longer needs to stay. A Failed machine may call it again to finish the job.
func (m *Machine) Offload(ctx context.Context) (State, error) {
	m.mu.Lock()
	switch m.state.Phase {
	case PhaseReadyToOffload, PhaseFailed:
	case PhaseVerifying, PhaseOffloading:
		state := m.state
		m.mu.Unlock()
		return state, ErrBusy
	default:
		state := m.state
		m.mu.Unlock()
		return state, ErrNotReady
	}
	closure := m.closure
	if closure == nil {
		state := m.state
		m.mu.Unlock()
		return state, ErrNotReady
	}
	m.state = State{Phase: PhaseOffloading}
	m.mu.Unlock()
	m.announce(State{Phase: PhaseOffloading})

	plan, err := m.executor.Plan(ctx, m.root, closure, m.profile)
	if err == nil {
		err = m.executor.Execute(ctx, plan)
	}
	if err != nil {
		state := State{Phase: PhaseFailed, Err: err}
		var categoryErr *CategoryError
		if errors.As(err, &categoryErr) {
			state.Category = categoryErr.Category
		}
		m.logger.Warn("offload failed", zap.String("category", string(state.Category)), zap.Error(err))
		m.enter(state)
		return state, err
	}
	m.logger.Info("offload completed", zap.Int("deleted", plan.Deleted()))
	state := State{Phase: PhaseDone, Plan: plan}
	m.enter(state)
	return state, nil
}

// ForceReady overrides a verification error. Only builds tagged offloaddebug allow it.
func (m *Machine) ForceReady() (State, error) {
	m.mu.Lock()
	if !forceReadyEnabled {
		state := m.state
		m.mu.Unlock()
		return state, ErrForceDisabled
	}
	if m.state.Phase != PhaseBlocked || m.state.Reason != BlockedVerificationError || m.closure == nil {
		state := m.state
		m.mu.Unlock()
		return state, ErrNotReady
	}
	m.state = State{Phase: PhaseReadyToOffload}
	m.mu.Unlock()
	m.logger.Warn("offload readiness forced despite verification errors")
	m.announce(State{Phase: PhaseReadyToOffload})
	return State{Phase: PhaseReadyToOffload}, nil
}
