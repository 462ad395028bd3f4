package crypto

import (
	"context"
	"errors"
	"sync"
)

var ErrExecutorClosed = errors.New("crypto executor closed")

// Executor is the single logical execution context all shared crypto state
// is linearized through. Session ratchets, trust records, and the gossip
// state machines are only ever touched from its goroutine; callers suspend
// on Do without blocking it. Network round trips never run on it.
type Executor struct {
	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewExecutor() *Executor {
	e := &Executor{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.quit:
			// Drain already-submitted work before stopping.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Do runs fn on the executor and waits for its result. fn must not call Do
// itself.
func (e *Executor) Do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case e.tasks <- func() { result <- fn() }:
	case <-e.done:
		return ErrExecutorClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule queues fn without waiting for it.
func (e *Executor) Schedule(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
	}
}

// Close stops the executor after draining submitted work. Safe to call
// more than once, including concurrently.
func (e *Executor) Close() {
	e.closeOnce.Do(func() { close(e.quit) })
	<-e.done
}
