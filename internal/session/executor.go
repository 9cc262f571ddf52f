package session

import (
	"errors"
	"sync"
)

// ErrClosed is returned for operations on a closed controller
var ErrClosed = errors.New("session controller closed")

// executor runs posted functions one at a time on a single goroutine.
// Posting never blocks, so callbacks from audio and network goroutines
// cannot deadlock against a task that is waiting on them.
type executor struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	after  func() // runs after every task, before do returns
}

func newExecutor(after func()) *executor {
	e := &executor{
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		after: after,
	}
	go e.run()
	return e
}

func (e *executor) run() {
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
		}

		for {
			e.mu.Lock()
			if len(e.queue) == 0 || e.closed {
				e.mu.Unlock()
				break
			}
			fn := e.queue[0]
			e.queue[0] = nil
			e.queue = e.queue[1:]
			e.mu.Unlock()

			fn()
		}
	}
}

// post enqueues fn; it is dropped after close
func (e *executor) post(fn func()) bool {
	return e.enqueue(func() {
		fn()
		e.runAfter()
	})
}

func (e *executor) runAfter() {
	if e.after != nil {
		e.after()
	}
}

func (e *executor) enqueue(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// do runs fn on the executor and waits for its result
func (e *executor) do(fn func() error) error {
	result := make(chan error, 1)
	task := func() {
		err := fn()
		// Callers observe the effects of their own task
		e.runAfter()
		result <- err
	}
	if !e.enqueue(task) {
		return ErrClosed
	}
	select {
	case err := <-result:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *executor) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.queue = nil
	e.mu.Unlock()
	close(e.done)
}
