package corert

import "sync"

// Option models an optional value, used by RepeatUntilValue in place of a
// pointer or (T, bool) return, for readability at call sites.
type Option[T any] struct {
	Value T
	Valid bool
}

// Some wraps val as a present Option.
func Some[T any](val T) Option[T] { return Option[T]{Value: val, Valid: true} }

// None is the absent Option of T.
func None[T any]() Option[T] { return Option[T]{} }

// Bind chains fut into a future-returning continuation, adopting the inner
// future's eventual outcome as its own — the same "adopt a nested promise's
// state" behavior the teacher's ChainedPromise.resolve performs when
// resolved with another promise, generalized to the typed Future[T] here.
func Bind[T, R any](fut Future[T], fn func(T) Future[R]) Future[R] {
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
		ForwardTo(fn(val), p)
	})
	return out
}

// DoWith extends resource's lifetime across action's future chain by
// capturing it in the closure; Go's garbage collector already keeps
// resource alive for as long as anything reachable from action references
// it, so unlike the teacher's do_with (written against a language with
// manual object lifetimes) this is a thin, documentation-oriented wrapper
// rather than a lifetime-management mechanism in its own right.
func DoWith[S, R any](resource S, action func(S) Future[R]) Future[R] {
	return action(resource)
}

// DoForEach runs action over items in order, starting item i+1 only once
// item i's future settles, and short-circuiting on the first error.
func DoForEach[T any](shard *Shard, group GroupID, items []T, action func(T) Future[struct{}]) Future[struct{}] {
	p, out := NewPromise[struct{}](shard, group)

	var step func(i int)
	step = func(i int) {
		if i >= len(items) {
			p.SetValue(struct{}{})
			return
		}
		attach(action(items[i]), func(_ struct{}, err error) {
			if err != nil {
				p.SetError(err)
				return
			}
			advance(shard, group, func() { step(i + 1) })
		})
	}
	step(0)
	return out
}

// advance runs fn now, unless the shard reports pending external work
// (NeedPreempt), in which case fn is rescheduled through the shard's
// regular ready queue instead of chaining directly through another
// microtask. This bounds how long a combinator loop built entirely of
// already-resolved futures can run before the shard gets a chance to drain
// its timer heap and external queue again.
func advance(shard *Shard, group GroupID, fn func()) {
	if shard.NeedPreempt() {
		_ = shard.Schedule(NewTask(group, fn))
		return
	}
	fn()
}

// ParallelForEach runs action over every item concurrently (i.e. with no
// bound on how many are in flight at once), resolving once all have
// settled, or rejecting with the first error observed by the scheduler.
func ParallelForEach[T any](shard *Shard, group GroupID, items []T, action func(T) Future[struct{}]) Future[struct{}] {
	futs := make([]Future[struct{}], len(items))
	for i, item := range items {
		futs[i] = action(item)
	}
	return Then(WhenAll(shard, group, futs...), func([]struct{}) (struct{}, error) {
		return struct{}{}, nil
	})
}

// MaxConcurrentForEach runs action over items with at most limit in flight
// at any one time, internally using a counting Semaphore of limit units —
// matching spec.md §4.3's max_concurrent_for_each description verbatim:
// each item acquires a unit, runs in the background, and signals the unit
// back on completion; the operation as a whole only settles once every item
// has run AND every unit has been returned (equivalently, once all limit
// units can be acquired at once). Rejects with the first error observed by
// the scheduler; already in-flight actions are not canceled, but no further
// ones are launched once a failure is seen.
func MaxConcurrentForEach[T any](shard *Shard, group GroupID, items []T, limit int, action func(T) Future[struct{}]) Future[struct{}] {
	p, out := NewPromise[struct{}](shard, group)

	if len(items) == 0 {
		p.SetValue(struct{}{})
		return out
	}
	if limit <= 0 {
		limit = 1
	}

	sem := NewSemaphore(shard, group, limit)

	var mu sync.Mutex
	failed := false
	var firstErr error
	fail := func(err error) {
		mu.Lock()
		if !failed {
			failed = true
			firstErr = err
		}
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		attach(sem.Acquire(1), func(_ struct{}, acqErr error) {
			if acqErr != nil {
				fail(acqErr)
				return
			}
			mu.Lock()
			skip := failed
			mu.Unlock()
			if skip {
				sem.Release(1)
				return
			}
			attach(action(item), func(_ struct{}, err error) {
				sem.Release(1)
				if err != nil {
					fail(err)
				}
			})
		})
	}

	// Settling requires reacquiring every unit at once: that can only
	// happen once every item's individual Acquire(1) has been granted and
	// its unit released, i.e. once all items have run to completion.
	attach(sem.Acquire(limit), func(_ struct{}, acqErr error) {
		mu.Lock()
		err := firstErr
		if err == nil {
			err = acqErr
		}
		mu.Unlock()
		if err != nil {
			p.SetError(err)
			return
		}
		p.SetValue(struct{}{})
	})

	return out
}

// Repeat runs action repeatedly until it resolves with stop=true, or
// rejects.
func Repeat(shard *Shard, group GroupID, action func() Future[bool]) Future[struct{}] {
	p, out := NewPromise[struct{}](shard, group)

	var step func()
	step = func() {
		attach(action(), func(stop bool, err error) {
			if err != nil {
				p.SetError(err)
				return
			}
			if stop {
				p.SetValue(struct{}{})
				return
			}
			advance(shard, group, step)
		})
	}
	step()
	return out
}

// DoUntil runs action repeatedly, checking stopCond before each iteration
// (including the first), stopping once stopCond reports true.
func DoUntil(shard *Shard, group GroupID, stopCond func() bool, action func() Future[struct{}]) Future[struct{}] {
	p, out := NewPromise[struct{}](shard, group)

	var step func()
	step = func() {
		if stopCond() {
			p.SetValue(struct{}{})
			return
		}
		attach(action(), func(_ struct{}, err error) {
			if err != nil {
				p.SetError(err)
				return
			}
			advance(shard, group, step)
		})
	}
	step()
	return out
}

// RepeatUntilValue runs action repeatedly until it produces a present
// Option, which becomes the result.
func RepeatUntilValue[T any](shard *Shard, group GroupID, action func() Future[Option[T]]) Future[T] {
	p, out := NewPromise[T](shard, group)

	var step func()
	step = func() {
		attach(action(), func(opt Option[T], err error) {
			if err != nil {
				p.SetError(err)
				return
			}
			if opt.Valid {
				p.SetValue(opt.Value)
				return
			}
			advance(shard, group, step)
		})
	}
	step()
	return out
}

// KeepDoing runs action forever, until it rejects. Intended for background
// work whose only exit path is an error (e.g. an aborted sleep between
// iterations); the returned future only ever settles with that error.
func KeepDoing(shard *Shard, group GroupID, action func() Future[struct{}]) Future[struct{}] {
	p, out := NewPromise[struct{}](shard, group)

	var step func()
	step = func() {
		attach(action(), func(_ struct{}, err error) {
			if err != nil {
				p.SetError(err)
				return
			}
			advance(shard, group, step)
		})
	}
	step()
	return out
}

// WithLock runs fn while holding m exclusively, releasing it afterward
// regardless of outcome.
func WithLock[R any](m *SharedMutex, fn func() (R, error)) Future[R] {
	return Then(m.LockExclusive(), func(struct{}) (R, error) {
		defer m.UnlockExclusive()
		return fn()
	})
}

// Closer is satisfied by any opened resource WithFile should close once
// action's future settles. The real file/directory helper library is out
// of scope here (spec.md §1), so WithFile is generalized over any such
// resource rather than tied to *os.File.
type Closer interface {
	Close() error
}

// WithFile awaits open, runs action with the opened resource, and closes
// the resource once action's future settles, regardless of outcome. A
// close error is only surfaced if action itself did not already fail.
func WithFile[C Closer, R any](open Future[C], action func(C) Future[R]) Future[R] {
	return Bind(open, func(c C) Future[R] {
		return ThenWrapped(action(c), func(val R, err error) (R, error) {
			if closeErr := c.Close(); err == nil && closeErr != nil {
				return val, closeErr
			}
			return val, err
		})
	})
}

// Stopper is satisfied by any resource DeferredStop should stop once fut
// settles.
type Stopper interface {
	Stop() error
}

// DeferredClose schedules c.Close() to run once fut settles, forwarding
// fut's own value and error unchanged.
func DeferredClose[R any](c Closer, fut Future[R]) Future[R] {
	return Finally(fut, func() { _ = c.Close() })
}

// DeferredStop schedules s.Stop() to run once fut settles, forwarding fut's
// own value and error unchanged.
func DeferredStop[R any](s Stopper, fut Future[R]) Future[R] {
	return Finally(fut, func() { _ = s.Stop() })
}

// Defer schedules fn to run soon, detached from any particular future
// chain — e.g. for cleanup that should happen "after the current flow of
// control", without itself being awaited by anything.
func Defer(shard *Shard, group GroupID, fn func()) {
	_ = shard.Schedule(NewTask(group, fn))
}
