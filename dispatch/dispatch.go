// Package dispatch provides the single consumer context that results of
// background work are handed back to, standing in for a UI main thread.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrStopped is returned by Run once the context has been stopped.
var ErrStopped = errors.New("main context stopped")

// DefaultBufferSize is the initial channel buffer of the underlying queue.
const DefaultBufferSize = 20

// MainContext runs queued callbacks one at a time on whichever goroutine
// calls Run. Queue never blocks: the backing queue grows as needed.
type MainContext struct {
	queue *queue.ConcurrentQueue

	quit     chan struct{}
	stopOnce sync.Once
}

// New starts a main context with the given initial buffer size.
func New(bufferSize int) *MainContext {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	q := queue.NewConcurrentQueue(bufferSize)
	q.Start()

	return &MainContext{
		queue: q,
		quit:  make(chan struct{}),
	}
}

// Queue schedules fn. It reports false if the context was already stopped.
func (m *MainContext) Queue(fn func()) bool {
	if fn == nil {
		return false
	}

	select {
	case m.queue.ChanIn() <- fn:
		return true
	case <-m.quit:
		return false
	}
}

// Run executes queued callbacks until ctx is done or Stop is called.
func (m *MainContext) Run(ctx context.Context) error {
	for {
		select {
		case item, ok := <-m.queue.ChanOut():
			if !ok {
				return ErrStopped
			}
			item.(func())()

		case <-ctx.Done():
			return ctx.Err()

		case <-m.quit:
			return ErrStopped
		}
	}
}

// RunOne executes exactly one callback, waiting for it if necessary.
func (m *MainContext) RunOne(ctx context.Context) error {
	select {
	case item, ok := <-m.queue.ChanOut():
		if !ok {
			return ErrStopped
		}
		item.(func())()
		return nil

	case <-ctx.Done():
		return ctx.Err()

	case <-m.quit:
		return ErrStopped
	}
}

// Stop releases the queue. Callbacks not yet run are dropped.
func (m *MainContext) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		m.queue.Stop()
	})
}
