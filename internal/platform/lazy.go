// Package platform owns the process-wide handles to external stores.
//
// main.go is the single place where handles are declared; constructors receive them explicitly.
// A handle opens on first use, is shared by every request afterwards and is only closed at
// shutdown.
package platform

import (
	"context"
	"errors"
)

// ErrClosed is returned by Get after Close has been called.
var ErrClosed = errors.New("platform: handle closed")

// Lazy opens a resource once and hands the same value to every caller.
// A failed open is not remembered, so the next Get tries again. Callers waiting for an open in
// progress give up when their own context ends.
type Lazy[T any] struct {
	// sem is a one-slot lock that can be waited on with a context.
	sem    chan struct{}
	open   func(ctx context.Context) (T, error)
	value  T
	ready  bool
	closed bool
}

// NewLazy returns a handle that calls open on first use.
func NewLazy[T any](open func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{sem: make(chan struct{}, 1), open: open}
}

// Ready wraps an already opened value, mostly for tests.
func Ready[T any](value T) *Lazy[T] {
	return &Lazy[T]{sem: make(chan struct{}, 1), value: value, ready: true}
}

// Get returns the shared value, opening it if needed.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	defer func() { <-l.sem }()

	if l.closed {
		return zero, ErrClosed
	}
	if l.ready {
		return l.value, nil
	}
	if l.open == nil {
		return zero, errors.New("platform: handle has no opener")
	}

	value, err := l.open(ctx)
	if err != nil {
		return zero, err
	}
	l.value = value
	l.ready = true
	return value, nil
}

// Close releases the value with closeFn if it was ever opened. It waits for an open in
// progress to finish.
func (l *Lazy[T]) Close(closeFn func(T) error) error {
	l.sem <- struct{}{}
	defer func() { <-l.sem }()

	if l.closed {
		return nil
	}
	l.closed = true
	if !l.ready || closeFn == nil {
		return nil
	}
	return closeFn(l.value)
}
