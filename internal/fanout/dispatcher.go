// Package fanout delivers messages to the subscribers of a key without
// blocking publishers.
package fanout

import (
	"context"
	"sync"
)

const defaultBufferSize = 16

// Dispatcher fans messages out to per-key subscribers. Slow subscribers miss
// messages instead of blocking Publish.
type Dispatcher[K comparable, M any] struct {
	mu          sync.RWMutex
	subscribers map[K]map[int64]chan M
	nextID      int64
	bufferSize  int
}

// New returns a dispatcher whose subscriber streams buffer bufferSize
// messages, or a default when bufferSize is not positive.
func New[K comparable, M any](bufferSize int) *Dispatcher[K, M] {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher[K, M]{
		subscribers: make(map[K]map[int64]chan M),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers for messages of key until ctx ends or cleanup runs.
// The zero key yields a closed stream.
func (d *Dispatcher[K, M]) Subscribe(ctx context.Context, key K) (<-chan M, func()) {
	var zero K
	if key == zero {
		stream := make(chan M)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan M, d.bufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]chan M)
	}
	d.subscribers[key][id] = stream
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unsubscribe(key, id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish offers message to every subscriber of key.
func (d *Dispatcher[K, M]) Publish(key K, message M) {
	d.mu.RLock()
	subscribers := d.subscribers[key]
	streams := make([]chan M, 0, len(subscribers))
	for _, stream := range subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()
	for _, stream := range streams {
		select {
		case stream <- message:
		default:
		}
	}
}

func (d *Dispatcher[K, M]) unsubscribe(key K, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[key]
	if subscribers == nil {
		return
	}
	delete(subscribers, id)
	if len(subscribers) == 0 {
		delete(d.subscribers, key)
	}
}
