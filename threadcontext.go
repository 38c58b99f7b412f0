package corert

import (
	"context"
	"errors"
	"time"
)

// ErrGoexit rejects a RunInThreadContext future when its goroutine exits via
// runtime.Goexit rather than a normal return.
var ErrGoexit = errors.New("corert: goroutine exited via runtime.Goexit")

// RunInThreadContext runs fn on a freshly spawned goroutine — a blocking
// thread-context, in spec.md §4.8's terms — and returns a Future that
// settles with its result once fn returns. Unlike Future.Get (which blocks
// an already-running goroutine waiting on shard work), this is the
// complementary direction: hand blocking work off the shard's run-loop
// goroutine and fold the result back in as a regular future.
//
// fn's ctx is not canceled when the returned future is abandoned (there are
// no destructors to observe that); only ctx's own cancellation reaches fn.
func RunInThreadContext[T any](shard *Shard, group GroupID, ctx context.Context, fn func(ctx context.Context) (T, error)) Future[T] {
	p, out := NewPromise[T](shard, group)

	go func() {
		completed := false

		select {
		case <-ctx.Done():
			p.SetError(ctx.Err())
			return
		default:
		}

		defer func() {
			if r := recover(); r != nil {
				p.SetError(&PanicError{Value: r})
				return
			}
			if !completed {
				p.SetError(ErrGoexit)
			}
		}()

		val, err := fn(ctx)
		completed = true
		if err != nil {
			p.SetError(err)
			return
		}
		p.SetValue(val)
	}()

	return out
}

// RunInThreadContextTimeout is RunInThreadContext with a derived context
// that cancels after timeout.
func RunInThreadContextTimeout[T any](shard *Shard, group GroupID, parent context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) Future[T] {
	ctx, cancel := context.WithTimeout(parent, timeout)
	return Finally(RunInThreadContext(shard, group, ctx, fn), cancel)
}

// RunInThreadContextDeadline is RunInThreadContext with a derived context
// that cancels at deadline.
func RunInThreadContextDeadline[T any](shard *Shard, group GroupID, parent context.Context, deadline time.Time, fn func(ctx context.Context) (T, error)) Future[T] {
	ctx, cancel := context.WithDeadline(parent, deadline)
	return Finally(RunInThreadContext(shard, group, ctx, fn), cancel)
}
