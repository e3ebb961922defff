package zkasync

import (
	"context"
	"sync"
)

type stageState int

const (
	statePending stageState = iota
	stateSucceeded
	stateFailed
)

// A Stage is the eventual outcome of an asynchronous operation. It starts pending and is
// resolved exactly once, either with a value or with an error.
//
// Continuations registered with WhenComplete run once the stage resolves, in the order
// they were registered. A continuation registered after resolution runs before
// WhenComplete returns, on the registering goroutine, unless another goroutine is
// draining the queue at that moment; it then runs on that goroutine, after every
// continuation registered before it.
//
// A panicking continuation propagates to the goroutine that ran it. Continuations still
// queued behind it run on the next registration.
type Stage[T any] struct {
	mu    sync.Mutex
	state stageState
	value T
	err   error
	done  chan struct{}

	queue    []func(T, error)
	draining bool
}

// A Completer holds the right to resolve its Stage. Resolving twice panics.
type Completer[T any] struct {
	stage *Stage[T]
}

// NewStage returns a pending stage and the completer that resolves it.
func NewStage[T any]() (*Stage[T], *Completer[T]) {
	s := &Stage[T]{done: make(chan struct{})}
	return s, &Completer[T]{stage: s}
}

// Succeed resolves the stage with v.
func (c *Completer[T]) Succeed(v T) {
	c.stage.resolve(stateSucceeded, v, nil)
}

// Fail resolves the stage with err. A nil err is a programming error.
func (c *Completer[T]) Fail(err error) {
	if err == nil {
		panic("zkasync: stage failed with a nil error")
	}
	var zero T
	c.stage.resolve(stateFailed, zero, err)
}

// Complete resolves the stage with v when err is nil, and with err otherwise.
func (c *Completer[T]) Complete(v T, err error) {
	if err != nil {
		c.Fail(err)
		return
	}
	c.Succeed(v)
}

func (s *Stage[T]) resolve(state stageState, v T, err error) {
	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		panic("zkasync: stage resolved more than once")
	}
	s.state, s.value, s.err = state, v, err
	close(s.done)
	s.mu.Unlock()
	s.drain()
}

// drain runs queued continuations in order. Only one goroutine drains at a time so the
// registration order is kept even when resolution and registration race.
func (s *Stage[T]) drain() {
	s.mu.Lock()
	if s.draining || s.state == statePending {
		s.mu.Unlock()
		return
	}
	s.draining = true
	defer func() {
		s.draining = false
		s.mu.Unlock()
	}()
	for len(s.queue) > 0 {
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.call(fn)
	}
}

// call runs fn without holding the lock. The lock is held again on return, also when fn
// panics.
func (s *Stage[T]) call(fn func(T, error)) {
	v, err := s.value, s.err
	s.mu.Unlock()
	defer s.mu.Lock()
	fn(v, err)
}

// WhenComplete registers fn to run with the outcome of the stage and returns the stage.
func (s *Stage[T]) WhenComplete(fn func(T, error)) *Stage[T] {
	s.mu.Lock()
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.drain()
	return s
}

// ThenAccept registers fn to run with the value of a successful stage.
func (s *Stage[T]) ThenAccept(fn func(T)) *Stage[T] {
	return s.WhenComplete(func(v T, err error) {
		if err == nil {
			fn(v)
		}
	})
}

// Done returns a channel closed once the stage has resolved.
func (s *Stage[T]) Done() <-chan struct{} {
	return s.done
}

// Result returns the outcome of the stage. ok is false while the stage is pending.
func (s *Stage[T]) Result() (v T, err error, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == statePending {
		return v, nil, false
	}
	return s.value, s.err, true
}

// Wait blocks until the stage resolves or ctx is done. Giving up on the wait does not
// cancel the underlying operation.
func (s *Stage[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		v, err, _ := s.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a stage resolved with fn applied to the value of s. A failure of s, or an
// error returned by fn, fails the new stage.
func Then[T, U any](s *Stage[T], fn func(T) (U, error)) *Stage[U] {
	next, c := NewStage[U]()
	s.WhenComplete(func(v T, err error) {
		if err != nil {
			var zero U
			c.Complete(zero, err)
			return
		}
		c.Complete(fn(v))
	})
	return next
}

// Completed returns a stage already resolved with v.
func Completed[T any](v T) *Stage[T] {
	s, c := NewStage[T]()
	c.Succeed(v)
	return s
}

// Failed returns a stage already resolved with err.
func Failed[T any](err error) *Stage[T] {
	s, c := NewStage[T]()
	c.Fail(err)
	return s
}
