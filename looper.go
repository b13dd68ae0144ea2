package main

import (
	"context"
	"errors"
	"sync"
)

var errLoopRunning = errors.New("main loop is already running")

// MainLoop is the single goroutine results are delivered on. Work posted while
// the loop is not running is dropped.
type MainLoop struct {
	tasks chan func()

	mu      sync.RWMutex
	running bool
	done    chan struct{}
}

func NewMainLoop() *MainLoop {
	return &MainLoop{
		tasks: make(chan func(), 64),
	}
}

// Run executes posted functions one at a time until ctx is done.
func (l *MainLoop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errLoopRunning
	}
	l.running = true
	l.done = make(chan struct{})
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.done)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post queues fn for the loop and reports whether it was accepted.
func (l *MainLoop) Post(fn func()) bool {
	l.mu.RLock()
	running, done := l.running, l.done
	l.mu.RUnlock()
	if !running {
		return false
	}

	select {
	case l.tasks <- fn:
		return true
	case <-done:
		return false
	}
}

func (l *MainLoop) Running() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}
