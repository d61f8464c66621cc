package docstore

import (
	"context"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
)

// watchQueue implements core.Watch with an unbounded buffer so the producer
// never blocks and never drops a change.
type watchQueue struct {
	mu     sync.Mutex
	buf    []core.Change
	ended  bool
	closed bool
	err    error

	notify chan struct{}
	done   chan struct{}
	out    chan core.Change

	once     sync.Once
	onClose  func()
	stopCtxF func() bool
}

func newWatchQueue(onClose func()) *watchQueue {
	q := &watchQueue{
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		out:     make(chan core.Change),
		onClose: onClose,
	}
	go q.pump()
	return q
}

// bindContext closes the watch when ctx ends.
func (q *watchQueue) bindContext(ctx context.Context) {
	stop := context.AfterFunc(ctx, q.Close)
	q.mu.Lock()
	if !q.closed {
		q.stopCtxF = stop
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	stop()
}

func (q *watchQueue) push(c core.Change) bool {
	q.mu.Lock()
	if q.closed || q.ended {
		q.mu.Unlock()
		return false
	}
	q.buf = append(q.buf, c)
	q.mu.Unlock()
	q.wake()
	return true
}

// end stops accepting changes; queued ones are still delivered before
// Changes() closes.
func (q *watchQueue) end(err error) {
	q.mu.Lock()
	if !q.ended {
		q.ended = true
		q.err = err
	}
	q.mu.Unlock()
	q.wake()
}

func (q *watchQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *watchQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.ended && !q.closed {
			q.mu.Unlock()
			select {
			case <-q.notify:
			case <-q.done:
			}
			q.mu.Lock()
		}
		if q.closed || len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		c := q.buf[0]
		q.buf[0] = core.Change{}
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- c:
		case <-q.done:
			return
		}
	}
}

func (q *watchQueue) Changes() <-chan core.Change { return q.out }

func (q *watchQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

func (q *watchQueue) Close() {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.buf = nil
		stop := q.stopCtxF
		q.mu.Unlock()
		close(q.done)
		if stop != nil {
			stop()
		}
		if q.onClose != nil {
			q.onClose()
		}
	})
}
