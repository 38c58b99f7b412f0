// Package corert provides a thread-per-core, cooperative asynchronous
// runtime for Go: one [Shard] runs a single goroutine's worth of work,
// scheduling [Task]s fairly across weighted [GroupID]s and driving
// [Future]/[Promise] continuation chains to completion without ever
// blocking that goroutine on I/O or another future.
//
// # Architecture
//
// A [Shard] is the Executor: it owns a deficit-round-robin set of
// scheduling-group ready queues, a microtask queue, and a timer heap, all
// driven from a single run-loop goroutine started by [Shard.Run]. Each
// pass of the loop moves due timers onto the ready queues, runs one ready
// task, and then drains the microtask queue completely, so continuations
// run before the next ready task. Work reaches a shard either as a [Task] via
// [Shard.Schedule] (safe from any goroutine) or as a continuation attached
// to a [Future] via [Then], [ThenWrapped], [Finally], and
// [HandleException] — none of which are package-level methods on
// [Future], since Go does not allow a method to introduce new type
// parameters beyond its receiver's.
//
// # Concurrency Primitives
//
// On top of Future/Promise, the package provides the composable pieces a
// cooperative scheduler needs in place of OS-thread blocking:
//   - [Gate]: tracks in-flight operations so a shutdown path can wait for
//     them to drain before tearing down shared state ([Gate.Close]).
//   - [AbortSource]/[Subscription]: a one-shot, fan-out cancellation
//     signal, with [AbortAfter] and [AbortAny] helpers.
//   - [SharedMutex]/[RWLock]: a FIFO, writer-biased reader/writer lock
//     whose Lock calls return a Future rather than blocking.
//   - [SleepAbortable]: an abortable timer future.
//   - [Semaphore]: a counting semaphore whose Acquire/AcquireTimeout return
//     a Future rather than blocking; backs [MaxConcurrentForEach].
//   - [CreateKey]/[GetSpecific]/[SetSpecific]: per-scheduling-group
//     storage, for state that should be partitioned by fairness domain
//     rather than shared across all of them.
//
// # Combinators
//
// [DoForEach], [ParallelForEach], [MaxConcurrentForEach], [Repeat],
// [DoUntil], [RepeatUntilValue], and [KeepDoing] sequence futures the way
// a for-loop sequences statements. The sequential loops ([DoForEach],
// [Repeat], [DoUntil], [RepeatUntilValue], [KeepDoing]) cooperatively
// yield back to the shard's ready queue (via [Shard.NeedPreempt]) rather
// than looping the run-loop goroutine indefinitely; [ParallelForEach] and
// [MaxConcurrentForEach] launch their actions without that check. [WithLock], [WithGate], and [WithFile]
// scope a primitive's acquire/release (or open/close) around a single
// call.
//
// # Blocking Boundaries
//
// Two functions cross the cooperative/blocking boundary deliberately:
// [Future.Get] blocks an already-running goroutine waiting on a future
// that belongs to some shard (refusing to do so from that shard's own
// run-loop goroutine, to avoid deadlock), and [RunInThreadContext] does
// the reverse, handing blocking work to a fresh goroutine and folding its
// result back in as a Future.
//
// # Thread Safety
//
//   - [Shard.Schedule], [Shard.ArmTimer], and [Shard.CancelTimer] are safe
//     to call from any goroutine.
//   - A [Future]/[Promise] pair may be settled from any goroutine; exactly
//     one continuation may observe the result (a second attach attempt is
//     reported as a defect — see [ErrFutureAlreadyConsumed]).
//   - A [Future] whose backing state is garbage collected while still
//     unsettled is reported as a broken promise, via a registered
//     [runtime.AddCleanup] hook. A settled future, including a failed one,
//     that is dropped without being observed is not reported.
//
// # Usage
//
//	shard, err := corert.NewShard(corert.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	p, fut := corert.NewPromise[int](shard, corert.DefaultGroup)
//	shard.Schedule(corert.NewTask(corert.DefaultGroup, func() {
//	    p.SetValue(42)
//	}))
//
//	out := corert.Then(fut, func(v int) (string, error) {
//	    return fmt.Sprintf("got %d", v), nil
//	})
//
//	go func() {
//	    shard.Shutdown(context.Background())
//	}()
//	if err := shard.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Error Types
//
//   - [AggregateError]: multiple rejections folded into one, e.g. from
//     [WhenAny] when every future rejects.
//   - [CanceledError]: the reason an aborted operation settles with.
//   - [RangeError]: argument validation, e.g. an out-of-domain share count
//     or a malformed scheduling-group name.
//   - [TimeoutError]: deadline-driven rejections, e.g. from [AbortAfter].
//   - [PanicError]: wraps a panic recovered from a Task or combinator
//     callback.
//
// All error types implement the standard [error] interface and
// [errors.Unwrap] or [errors.Is] where that makes sense for matching.
package corert
