package corert

import (
	"sync"
	"time"
)

type semWaiter struct {
	units   int
	promise Promise[struct{}]
	timer   *Timer
}

// Semaphore is a cooperative counting semaphore: Acquire/AcquireTimeout
// return a Future that resolves once the requested units have actually
// been granted, rather than blocking the calling goroutine. Waiters are
// served FIFO, the same waiter-queue discipline SharedMutex uses. This is
// the "counting semaphore of max_concurrent units" spec.md §4.3 describes
// backing max_concurrent_for_each.
type Semaphore struct {
	shard *Shard
	group GroupID

	mu     sync.Mutex
	avail  int
	broken bool
	queue  []*semWaiter
}

// NewSemaphore creates a Semaphore with units available, whose acquire
// futures are scheduled on shard under group.
func NewSemaphore(shard *Shard, group GroupID, units int) *Semaphore {
	return &Semaphore{shard: shard, group: group, avail: units}
}

// Acquire requests units, waiting indefinitely for them to become
// available.
func (s *Semaphore) Acquire(units int) Future[struct{}] {
	return s.acquire(units, 0)
}

// AcquireTimeout requests units, rejecting with ErrSemaphoreTimedOut if
// they are not granted before timeout elapses.
func (s *Semaphore) AcquireTimeout(units int, timeout time.Duration) Future[struct{}] {
	return s.acquire(units, timeout)
}

func (s *Semaphore) acquire(units int, timeout time.Duration) Future[struct{}] {
	p, out := NewPromise[struct{}](s.shard, s.group)

	s.mu.Lock()
	if s.broken {
		s.mu.Unlock()
		p.SetError(ErrSemaphoreBroken)
		return out
	}
	if len(s.queue) == 0 && s.avail >= units {
		s.avail -= units
		s.mu.Unlock()
		p.SetValue(struct{}{})
		return out
	}
	w := &semWaiter{units: units, promise: p}
	s.queue = append(s.queue, w)
	s.mu.Unlock()

	if timeout > 0 {
		w.timer = s.shard.ArmTimer(time.Now().Add(timeout), NewTask(s.group, func() {
			s.timeoutWaiter(w)
		}))
	}

	return out
}

func (s *Semaphore) timeoutWaiter(w *semWaiter) {
	s.mu.Lock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			w.promise.SetError(ErrSemaphoreTimedOut)
			return
		}
	}
	s.mu.Unlock()
}

// Release returns units, waking as many queued waiters, in FIFO order, as
// the freed capacity allows.
func (s *Semaphore) Release(units int) {
	s.mu.Lock()
	s.avail += units
	var granted []*semWaiter
	for len(s.queue) > 0 && s.queue[0].units <= s.avail {
		w := s.queue[0]
		s.queue = s.queue[1:]
		s.avail -= w.units
		granted = append(granted, w)
	}
	s.mu.Unlock()

	for _, w := range granted {
		if w.timer != nil {
			s.shard.CancelTimer(w.timer)
		}
		w.promise.SetValue(struct{}{})
	}
}

// Break rejects every queued waiter with ErrSemaphoreBroken and fails every
// future Acquire/AcquireTimeout call immediately. Intended for tearing down
// a semaphore-gated combinator early (e.g. shard stop).
func (s *Semaphore) Break() {
	s.mu.Lock()
	s.broken = true
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, w := range queue {
		if w.timer != nil {
			s.shard.CancelTimer(w.timer)
		}
		w.promise.SetError(ErrSemaphoreBroken)
	}
}
