package corert

import "sync"

type mutexWaiter struct {
	exclusive bool
	promise   Promise[struct{}]
}

// SharedMutex is a cooperative reader/writer lock: LockShared/LockExclusive
// return a Future that resolves once the lock has actually been granted,
// rather than blocking the calling goroutine. Waiters are served FIFO, with
// writer-bias tie-break: once a writer is queued, later-arriving readers
// queue behind it too, rather than continuing to pile onto the readers
// already holding the lock — this bounds how long a writer can be starved.
type SharedMutex struct {
	shard *Shard
	group GroupID

	mu           sync.Mutex
	readers      int
	writerActive bool
	queue        []*mutexWaiter
}

// NewSharedMutex creates an unlocked SharedMutex whose acquire futures are
// scheduled on shard under group.
func NewSharedMutex(shard *Shard, group GroupID) *SharedMutex {
	return &SharedMutex{shard: shard, group: group}
}

// LockShared requests shared (read) access.
func (m *SharedMutex) LockShared() Future[struct{}] {
	p, out := NewPromise[struct{}](m.shard, m.group)
	m.mu.Lock()
	if !m.writerActive && len(m.queue) == 0 {
		m.readers++
		m.mu.Unlock()
		p.SetValue(struct{}{})
		return out
	}
	m.queue = append(m.queue, &mutexWaiter{exclusive: false, promise: p})
	m.mu.Unlock()
	return out
}

// LockExclusive requests exclusive (write) access.
func (m *SharedMutex) LockExclusive() Future[struct{}] {
	p, out := NewPromise[struct{}](m.shard, m.group)
	m.mu.Lock()
	if !m.writerActive && m.readers == 0 && len(m.queue) == 0 {
		m.writerActive = true
		m.mu.Unlock()
		p.SetValue(struct{}{})
		return out
	}
	m.queue = append(m.queue, &mutexWaiter{exclusive: true, promise: p})
	m.mu.Unlock()
	return out
}

// UnlockShared releases one previously granted LockShared.
func (m *SharedMutex) UnlockShared() {
	m.mu.Lock()
	m.readers--
	if m.readers < 0 {
		m.mu.Unlock()
		panic("corert: SharedMutex.UnlockShared called without a matching LockShared")
	}
	m.processQueue()
	m.mu.Unlock()
}

// UnlockExclusive releases a previously granted LockExclusive.
func (m *SharedMutex) UnlockExclusive() {
	m.mu.Lock()
	if !m.writerActive {
		m.mu.Unlock()
		panic("corert: SharedMutex.UnlockExclusive called without a matching LockExclusive")
	}
	m.writerActive = false
	m.processQueue()
	m.mu.Unlock()
}

// processQueue must be called with mu held. It grants as much of the front
// of the queue as current availability allows: either a single writer, or a
// contiguous run of readers.
func (m *SharedMutex) processQueue() {
	for len(m.queue) > 0 {
		front := m.queue[0]
		if front.exclusive {
			if m.readers == 0 && !m.writerActive {
				m.queue = m.queue[1:]
				m.writerActive = true
				front.promise.SetValue(struct{}{})
			}
			return
		}
		if m.writerActive {
			return
		}
		m.queue = m.queue[1:]
		m.readers++
		front.promise.SetValue(struct{}{})
	}
}

// RWLock wraps SharedMutex with scoped helpers (ForRead/ForWrite) so callers
// don't need to manage the matching Unlock by hand.
type RWLock struct {
	sm *SharedMutex
}

// NewRWLock creates an unlocked RWLock.
func NewRWLock(shard *Shard, group GroupID) *RWLock {
	return &RWLock{sm: NewSharedMutex(shard, group)}
}

// ForRead runs fn while holding rw for shared access, releasing it
// afterward regardless of outcome.
func ForRead[R any](rw *RWLock, fn func() (R, error)) Future[R] {
	return Then(rw.sm.LockShared(), func(struct{}) (R, error) {
		defer rw.sm.UnlockShared()
		return fn()
	})
}

// ForWrite runs fn while holding rw for exclusive access, releasing it
// afterward regardless of outcome.
func ForWrite[R any](rw *RWLock, fn func() (R, error)) Future[R] {
	return Then(rw.sm.LockExclusive(), func(struct{}) (R, error) {
		defer rw.sm.UnlockExclusive()
		return fn()
	})
}
