// Package world owns the state that ordinary world interaction shares with
// the claims engine. Everything here is touched only from the Loop
// goroutine; other goroutines hop onto it with Do.
package world

import (
	"context"
	"errors"
)

var ErrStopped = errors.New("world loop stopped")

type job struct {
	fn   func()
	done chan struct{}
}

// Loop is a single goroutine that runs submitted jobs in order.
type Loop struct {
	inbox chan job
	stop  chan struct{}
	done  chan struct{}
}

func NewLoop(queue int) *Loop {
	if queue <= 0 {
		queue = 64
	}
	return &Loop{
		inbox: make(chan job, queue),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case j := <-l.inbox:
			j.fn()
			close(j.done)
		}
	}
}

func (l *Loop) Stop() { close(l.stop) }

// Do runs fn on the loop and waits for it. If ctx ends first, fn may still
// run later; callers must not rely on its effects in that case.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	j := job{fn: fn, done: make(chan struct{})}
	select {
	case l.inbox <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}
