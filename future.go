package corert

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

type futSt int32

const (
	futPending futSt = iota
	futResolved
	futRejected
)

// futureState is the shared backing of a Future[T]/Promise[T] pair. A
// future is consumed at most once: exactly one of Then/ThenWrapped/Finally/
// HandleException/ForwardTo/Get/IgnoreReadyFuture may observe it.
type futureState[T any] struct {
	rec         *futureRecord
	settledFlag *atomic.Bool

	mu   sync.Mutex
	st   atomic.Int32
	val  T
	err  error
	cont Task

	consumed atomic.Bool
	shard    *Shard
	group    GroupID
}

// Future is the read end of a deferred computation. The zero value is not
// usable; obtain one from NewPromise or a combinator. Like the teacher's
// ChainedPromise, a Future is not safe to copy after it has been consumed,
// though Go does not enforce move-only types at compile time.
type Future[T any] struct{ s *futureState[T] }

// Promise is the write end of a deferred computation: SetValue/SetError may
// each be called at most once, and are mutually exclusive with each other.
type Promise[T any] struct{ s *futureState[T] }

type cleanupArg struct {
	flag   *atomic.Bool
	shard  *Shard
	stack  string
}

func brokenPromiseCleanup(arg cleanupArg) {
	if arg.flag.Load() {
		return
	}
	var logger = noopLogger
	if arg.shard != nil && arg.shard.logger != nil {
		logger = arg.shard.logger
	}
	reportBrokenPromise(logger, ErrBrokenPromise, arg.stack)
}

// NewPromise creates a linked Promise/Future pair scheduled under shard and
// scheduling group group. Continuations attached to the returned Future run
// as microtasks on shard.
func NewPromise[T any](shard *Shard, group GroupID) (Promise[T], Future[T]) {
	fs := &futureState[T]{settledFlag: new(atomic.Bool), shard: shard, group: group}

	var stack string
	if shard != nil && shard.debugMode {
		stack = string(debug.Stack())
	}
	fs.rec = &futureRecord{creationStack: stack, rejectFn: func(err error) { fs.reject(err) }}

	if shard != nil {
		shard.registry.register(fs.rec)
	}

	runtime.AddCleanup(fs, brokenPromiseCleanup, cleanupArg{flag: fs.settledFlag, shard: shard, stack: stack})

	return Promise[T]{s: fs}, Future[T]{s: fs}
}

// SetValue resolves the promise with val. A second call (after SetValue or
// SetError) is ignored, matching spec.md §4.2's at-most-once settlement.
func (p Promise[T]) SetValue(val T) { p.s.resolve(val) }

// SetError rejects the promise with err.
func (p Promise[T]) SetError(err error) { p.s.reject(err) }

func (fs *futureState[T]) resolve(val T) {
	fs.mu.Lock()
	if futSt(fs.st.Load()) != futPending {
		fs.mu.Unlock()
		return
	}
	fs.val = val
	fs.st.Store(int32(futResolved))
	fs.rec.settled = true
	fs.settledFlag.Store(true)
	cont := fs.cont
	fs.cont = nil
	fs.mu.Unlock()

	if cont != nil {
		fs.dispatch(cont)
	}
}

func (fs *futureState[T]) reject(err error) {
	fs.mu.Lock()
	if futSt(fs.st.Load()) != futPending {
		fs.mu.Unlock()
		return
	}
	fs.err = err
	fs.st.Store(int32(futRejected))
	fs.rec.settled = true
	fs.settledFlag.Store(true)
	cont := fs.cont
	fs.cont = nil
	fs.mu.Unlock()

	if cont != nil {
		fs.dispatch(cont)
	}
}

func (fs *futureState[T]) dispatch(t Task) {
	if fs.shard != nil && fs.shard.state.CanAcceptWork() {
		fs.shard.scheduleMicrotask(t)
		return
	}
	t.RunAndDispose()
}

func (fs *futureState[T]) consume() bool {
	return fs.consumed.CompareAndSwap(false, true)
}

func (fs *futureState[T]) reportMisuse() {
	if fs.shard != nil && fs.shard.debugMode {
		panic(ErrFutureAlreadyConsumed)
	}
	var logger = noopLogger
	if fs.shard != nil && fs.shard.logger != nil {
		logger = fs.shard.logger
	}
	reportUnhandledException(logger, ErrFutureAlreadyConsumed)
}

// attach registers onDone as fut's single continuation, running it inline
// (via a microtask, or synchronously if fut has no owning shard) once fut
// settles, or immediately scheduling it if fut is already settled.
func attach[T any](fut Future[T], onDone func(val T, err error)) {
	fs := fut.s
	if !fs.consume() {
		fs.reportMisuse()
		return
	}

	fs.mu.Lock()
	if futSt(fs.st.Load()) == futPending {
		fs.cont = NewTask(fs.group, func() {
			fs.mu.Lock()
			val, err := fs.val, fs.err
			fs.mu.Unlock()
			onDone(val, err)
		})
		fs.mu.Unlock()
		return
	}
	val, err := fs.val, fs.err
	fs.mu.Unlock()

	fs.dispatch(NewTask(fs.group, func() { onDone(val, err) }))
}

// Available reports whether the future has settled (resolved or rejected).
func (f Future[T]) Available() bool { return futSt(f.s.st.Load()) != futPending }

// Failed reports whether the future has settled with an error. False while
// pending.
func (f Future[T]) Failed() bool { return futSt(f.s.st.Load()) == futRejected }

// IgnoreReadyFuture marks the future as consumed without observing its
// result. Calling it on a future that has already been consumed is
// reported as misuse, like any second consumption.
func (f Future[T]) IgnoreReadyFuture() {
	if !f.s.consume() {
		f.s.reportMisuse()
	}
}

// Get blocks the calling goroutine until fut settles, returning its value
// or error. It must not be called from the owning shard's run-loop
// goroutine (doing so would deadlock the shard); ErrNotOnShardThread is
// returned instead. This is the entry point matching spec.md §4.8's
// thread-context blocking .get().
func (f Future[T]) Get(ctx context.Context) (T, error) {
	var zero T
	if f.s.shard != nil && f.s.shard.isShardThread() {
		return zero, ErrNotOnShardThread
	}

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	attach(f, func(val T, err error) { done <- result{val, err} })

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Then attaches a continuation that runs only when fut resolves, producing
// a new Future[R]. If fut rejects, the rejection propagates unchanged.
func Then[T, R any](fut Future[T], onFulfilled func(T) (R, error)) Future[R] {
	p, out := NewPromise[R](fut.s.shard, fut.s.group)
	attach(fut, func(val T, err error) {
		if err != nil {
			p.SetError(err)
			return
		}
		defer func() {
			if r := recover(); r != nil {
				p.SetError(&PanicError{Value: r})
			}
		}()
		rv, rerr := onFulfilled(val)
		if rerr != nil {
			p.SetError(rerr)
		} else {
			p.SetValue(rv)
		}
	})
	return out
}

// ThenWrapped attaches a continuation that runs regardless of whether fut
// resolved or rejected, receiving both the value and the error.
func ThenWrapped[T, R any](fut Future[T], onSettled func(val T, err error) (R, error)) Future[R] {
	p, out := NewPromise[R](fut.s.shard, fut.s.group)
	attach(fut, func(val T, err error) {
		defer func() {
			if r := recover(); r != nil {
				p.SetError(&PanicError{Value: r})
			}
		}()
		rv, rerr := onSettled(val, err)
		if rerr != nil {
			p.SetError(rerr)
		} else {
			p.SetValue(rv)
		}
	})
	return out
}

// Finally runs onFinally for its side effect once fut settles, then forwards
// fut's original value and error unchanged.
func Finally[T any](fut Future[T], onFinally func()) Future[T] {
	return ThenWrapped(fut, func(val T, err error) (T, error) {
		onFinally()
		return val, err
	})
}

// HandleException attaches a rejection handler; a resolved fut passes its
// value through untouched.
func HandleException[T any](fut Future[T], onRejected func(error) (T, error)) Future[T] {
	return ThenWrapped(fut, func(val T, err error) (T, error) {
		if err == nil {
			return val, nil
		}
		return onRejected(err)
	})
}

// ForwardTo settles dst with src's eventual outcome.
func ForwardTo[T any](src Future[T], dst Promise[T]) {
	attach(src, func(val T, err error) {
		if err != nil {
			dst.SetError(err)
		} else {
			dst.SetValue(val)
		}
	})
}

// Settled is one entry of a WhenAllSettled result.
type Settled[T any] struct {
	Value T
	Err   error
}

// ErrNoFutureResolved is WhenAny's rejection reason when called with zero
// futures.
var ErrNoFutureResolved = errors.New("corert: WhenAny called with no futures")

// WhenAll resolves once every future in futs has resolved, with their
// values in order, or rejects with the first observed rejection (matching
// the "first observed by the scheduler" rule documented in DESIGN.md).
func WhenAll[T any](shard *Shard, group GroupID, futs ...Future[T]) Future[[]T] {
	p, out := NewPromise[[]T](shard, group)
	if len(futs) == 0 {
		p.SetValue(nil)
		return out
	}
	results := make([]T, len(futs))
	var mu sync.Mutex
	remaining := len(futs)
	done := false
	for i, fut := range futs {
		i := i
		attach(fut, func(val T, err error) {
			mu.Lock()
			defer mu.Unlock()
			if done {
				return
			}
			if err != nil {
				done = true
				p.SetError(err)
				return
			}
			results[i] = val
			remaining--
			if remaining == 0 {
				done = true
				p.SetValue(results)
			}
		})
	}
	return out
}

// WhenAllSettled waits for every future to settle, collecting both
// successes and failures rather than short-circuiting on the first error.
func WhenAllSettled[T any](shard *Shard, group GroupID, futs ...Future[T]) Future[[]Settled[T]] {
	p, out := NewPromise[[]Settled[T]](shard, group)
	if len(futs) == 0 {
		p.SetValue(nil)
		return out
	}
	results := make([]Settled[T], len(futs))
	var mu sync.Mutex
	remaining := len(futs)
	for i, fut := range futs {
		i := i
		attach(fut, func(val T, err error) {
			mu.Lock()
			results[i] = Settled[T]{Value: val, Err: err}
			remaining--
			finished := remaining == 0
			mu.Unlock()
			if finished {
				p.SetValue(results)
			}
		})
	}
	return out
}

// WhenAny resolves with the first future to resolve, or rejects with an
// *AggregateError of every rejection if all of them reject.
func WhenAny[T any](shard *Shard, group GroupID, futs ...Future[T]) Future[T] {
	p, out := NewPromise[T](shard, group)
	if len(futs) == 0 {
		p.SetError(ErrNoFutureResolved)
		return out
	}
	errs := make([]error, len(futs))
	var mu sync.Mutex
	remaining := len(futs)
	done := false
	for i, fut := range futs {
		i := i
		attach(fut, func(val T, err error) {
			mu.Lock()
			defer mu.Unlock()
			if done {
				return
			}
			if err == nil {
				done = true
				p.SetValue(val)
				return
			}
			errs[i] = err
			remaining--
			if remaining == 0 {
				done = true
				p.SetError(&AggregateError{Errors: errs})
			}
		})
	}
	return out
}
