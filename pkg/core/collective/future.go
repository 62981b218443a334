package collective

import (
	"context"
	"sync"

	"github.com/gomlx/fsdp/pkg/support/xsync"
	"github.com/pkg/errors"
)

// Future holds the result of an asynchronous operation.
//
// It's resolved exactly once, with either a value or an error.
type Future[T any] struct {
	once  sync.Once
	done  *xsync.Latch
	value T
	err   error
}

// NewFuture returns an unresolved Future.
func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: xsync.NewLatch()}
}

// Resolved returns a Future already resolved with the given value and error.
func Resolved[T any](value T, err error) *Future[T] {
	f := NewFuture[T]()
	f.Resolve(value, err)
	return f
}

// Resolve sets the result of the Future and releases its waiters. Only the first call has effect.
func (f *Future[T]) Resolve(value T, err error) {
	f.once.Do(func() {
		f.value, f.err = value, err
		f.done.Trigger()
	})
}

// Done returns a channel closed when the Future is resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done.WaitChan()
}

// Ready returns whether the Future is resolved, without blocking.
func (f *Future[T]) Ready() bool {
	return f.done.Test()
}

// Await blocks until the Future is resolved or the context is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done.WaitChan():
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, errors.Wrap(context.Cause(ctx), "waiting for collective")
	}
}
