package attachments

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DirWatcher notices blobs removed from the attachment directory behind the
// queue's back, for example by OS storage cleanup, and resets their records.
type DirWatcher struct {
	queue   *Queue
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

func NewDirWatcher(queue *Queue, logger *zap.Logger) (*DirWatcher, error) {
	if queue == nil {
		return nil, fmt.Errorf("attachments: queue is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &DirWatcher{queue: queue, logger: logger, watcher: watcher}, nil
}

// Start begins watching the queue directory.
func (w *DirWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.queue.Directory()); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.queue.Directory(), err)
	}
	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.wg.Add(1)
	go w.loop(watchCtx)
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (w *DirWatcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *DirWatcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") {
				continue
			}
			err := w.queue.MarkMissing(ctx, name)
			if err != nil && !errors.Is(err, ErrNotFound) && ctx.Err() == nil {
				w.logger.Warn("failed to reset missing attachment", zap.String("attachment_id", name), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("attachment directory watch error", zap.Error(err))
		}
	}
}
