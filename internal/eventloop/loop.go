// Package eventloop provides the single serialized queue every session
// handler runs on. Closures posted to a Loop run one at a time, in FIFO
// order, and never interleave; slow work runs off the loop via Go and
// reports back by posting a completion closure.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call once the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Executor is what components need from the loop.
type Executor interface {
	// Post enqueues fn. It never blocks and reports false after the loop stopped.
	Post(fn func()) bool
	// Go runs work off the loop; the closure it returns (if non-nil) is posted.
	Go(ctx context.Context, work func(ctx context.Context) func())
}

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	// running Go workers and the Settle calls waiting for them to hit zero
	workers int
	idle    []chan struct{}
}

func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *Loop) Go(ctx context.Context, work func(ctx context.Context) func()) {
	l.mu.Lock()
	l.workers++
	l.mu.Unlock()
	go func() {
		defer l.workerDone()
		if done := work(ctx); done != nil {
			l.Post(done)
		}
	}()
}

func (l *Loop) workerDone() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workers--
	if l.workers > 0 {
		return
	}
	for _, ch := range l.idle {
		close(ch)
	}
	l.idle = nil
}

// Call posts fn and waits until it has run on the loop.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() { fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Settle waits until all work started with Go has finished and every
// closure queued before that point has run.
func (l *Loop) Settle(ctx context.Context) error {
	idle := make(chan struct{})
	l.mu.Lock()
	if l.workers == 0 {
		close(idle)
	} else {
		l.idle = append(l.idle, idle)
	}
	l.mu.Unlock()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.Call(ctx, func() {})
}

// Run executes queued closures until ctx is done. Closures still queued at
// that point are dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for i, fn := range batch {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fn()
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}
