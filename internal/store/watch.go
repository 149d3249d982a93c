package store

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/questsync/internal/entities"
	"github.com/MarcoPoloResearchLab/questsync/internal/graph"
)

// Subscription is the abort handle of a Watch.
type Subscription struct {
	cancelled atomic.Bool
	stop      func()
	ready     chan error
	done      chan struct{}
	once      sync.Once
}

// Cancel ends the subscription and waits for a running onChange to return.
// It is idempotent, and once it returns no onChange invocation runs. It must
// not be called from within onChange.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.cancelled.Store(true)
		s.stop()
	})
	<-s.done
}

// Ready yields one value once the first delivery is over: nil after onChange
// returned, or the error that kept the current rows from being read. A failed
// first read ends the subscription.
func (s *Subscription) Ready() <-chan error {
	return s.ready
}

// Watch calls onChange with the current rows of ids right away and again after
// every committed write that touches them, until the subscription is cancelled
// or ctx ends.
func (s *Store) Watch(ctx context.Context, category graph.Category, ids []string, onChange func([]entities.Row)) (*Subscription, error) {
	if !category.Relational() {
		return nil, ErrNotRelational
	}
	watchCtx, cancel := context.WithCancel(ctx)
	stream, cleanup := s.changes.Subscribe(watchCtx, category)
	subscription := &Subscription{
		stop: func() {
			cancel()
			cleanup()
		},
		ready: make(chan error, 1),
		done:  make(chan struct{}),
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}

	deliver := func() error {
		rows, err := s.Rows(watchCtx, category, ids)
		if err != nil {
			if ctxErr := watchCtx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.Warn("watch query failed", zap.String("category", string(category)), zap.Error(err))
			return err
		}
		if subscription.cancelled.Load() {
			return context.Canceled
		}
		onChange(rows)
		return nil
	}

	go func() {
		defer close(subscription.done)
		err := deliver()
		subscription.ready <- err
		if err != nil {
			cancel()
			cleanup()
			return
		}
		for {
			select {
			case <-watchCtx.Done():
				return
			case change, ok := <-stream:
				if !ok {
					return
				}
				if !change.touches(wanted) {
					continue
				}
				_ = deliver()
			}
		}
	}()
	return subscription, nil
}
