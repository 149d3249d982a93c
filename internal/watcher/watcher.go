// Package watcher reports when a root entity becomes downloaded for a profile.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
	"github.com/MarcoPoloResearchLab/questsync/internal/profiles"
	"github.com/MarcoPoloResearchLab/questsync/internal/store"
)

var (
	ErrAlreadyStarted = errors.New("watcher: already started")
	ErrInvalidRoot    = errors.New("watcher: root must be a flagged category")
)

// Watchable delivers the current rows of ids after every committed change.
type Watchable interface {
	Watch(ctx context.Context, category graph.Category, ids []string, onChange func([]entities.Row)) (*store.Subscription, error)
}

// Config wires a StatusWatcher.
type Config struct {
	Store        Watchable
	Root         graph.Ref
	ProfileID    string
	OnDownloaded func(root graph.Ref)
	Logger       *zap.Logger
}

// StatusWatcher follows whether Root carries ProfileID in its download_profiles
// and calls OnDownloaded once per flip from not downloaded to downloaded.
type StatusWatcher struct {
	store        Watchable
	root         graph.Ref
	profile      string
	onDownloaded func(graph.Ref)
	logger       *zap.Logger

	mu           sync.Mutex
	tracker      transitionTracker
	subscription *store.Subscription
}

func New(cfg Config) (*StatusWatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("watcher: store is required")
	}
	if !cfg.Root.Category.Flagged() || strings.TrimSpace(cfg.Root.ID) == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, cfg.Root)
	}
	profile := strings.TrimSpace(cfg.ProfileID)
	if profile == "" {
		return nil, errors.New("watcher: profile is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatusWatcher{
		store:        cfg.Store,
		root:         cfg.Root,
		profile:      profile,
		onDownloaded: cfg.OnDownloaded,
		logger:       logger,
	}, nil
}

// Start subscribes and returns once the baseline has been read. A failed
// baseline read is returned and leaves the watcher stopped.
func (w *StatusWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.subscription != nil {
		w.mu.Unlock()
		return ErrAlreadyStarted
	}
	subscription, err := w.store.Watch(ctx, w.root.Category, []string{w.root.ID}, w.observe)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.subscription = subscription
	w.mu.Unlock()

	select {
	case err := <-subscription.Ready():
		if err != nil {
			w.Stop()
			return fmt.Errorf("watcher: read %s: %w", w.root, err)
		}
		return nil
	case <-ctx.Done():
		w.Stop()
		return ctx.Err()
	}
}

// Stop cancels the subscription and waits for a running OnDownloaded to
// return. It must not be called from OnDownloaded.
func (w *StatusWatcher) Stop() {
	w.mu.Lock()
	subscription := w.subscription
	w.mu.Unlock()
	if subscription != nil {
		subscription.Cancel()
	}
}

// Downloaded reports the last observed value.
func (w *StatusWatcher) Downloaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tracker.previous
}

func (w *StatusWatcher) observe(rows []entities.Row) {
	downloaded := w.downloaded(rows)
	w.mu.Lock()
	emit := w.tracker.observe(downloaded)
	w.mu.Unlock()
	if !emit {
		return
	}
	w.logger.Debug("root downloaded", zap.String("root", w.root.String()), zap.String("profile", w.profile))
	if w.onDownloaded != nil {
		w.onDownloaded(w.root)
	}
}

func (w *StatusWatcher) downloaded(rows []entities.Row) bool {
	for _, row := range rows {
		if row.ID() != w.root.ID {
			continue
		}
		set, err := profiles.Decode(row[profiles.Column])
		if err != nil {
			w.logger.Warn("unreadable download_profiles", zap.String("root", w.root.String()), zap.Error(err))
			return false
		}
		if set.Contains(w.profile) {
			return true
		}
	}
	return false
}

// transitionTracker emits on false to true flips after the first observation.
type transitionTracker struct {
	seen     bool
	previous bool
}

func (t *transitionTracker) observe(value bool) bool {
	emit := t.seen && !t.previous && value
	t.seen = true
	t.previous = value
	return emit
}
