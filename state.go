package corert

import (
	"sync/atomic"
	"time"
)

// ShardState is the lifecycle of a Shard's run loop.
//
//	Awake (0) -----------> Running (3)        [Run()]
//	Running (3) --------->  Sleeping (2)      [parked waiting for work]
//	Sleeping (2) --------->  Running (3)      [woken by Schedule/timer]
//	Running/Sleeping  ---->  Terminating (4)  [Shutdown()]
//	Terminating (4) ------>  Terminated (1)   [run loop exited]
//
// Transitions between the temporary states (Running, Sleeping) use CAS via
// TryTransition; Terminated is a one-way Store once the run loop has fully
// exited.
type ShardState uint64

const (
	ShardAwake ShardState = iota
	ShardTerminated
	ShardSleeping
	ShardRunning
	ShardTerminating
)

func (s ShardState) String() string {
	switch s {
	case ShardAwake:
		return "Awake"
	case ShardRunning:
		return "Running"
	case ShardSleeping:
		return "Sleeping"
	case ShardTerminating:
		return "Terminating"
	case ShardTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine with cache-line padding to avoid
// false sharing with neighboring hot fields in Shard. Unlike a plain state
// holder, it also stamps the time of the most recent successful transition,
// which Shard.Metrics exposes as StateAge — the only way to tell a shard
// that is legitimately idle apart from one stuck mid-task or wedged in
// shutdown drain, since per-shard state is otherwise invisible across
// goroutines without this bookkeeping.
type fastState struct { //nolint:unused
	_     [64]byte
	v     atomic.Uint64
	since atomic.Int64
	_     [48]byte
}

func newFastState() *fastState {
	s := &fastState{}
	s.v.Store(uint64(ShardAwake))
	s.since.Store(time.Now().UnixNano())
	return s
}

func (s *fastState) Load() ShardState { return ShardState(s.v.Load()) }

func (s *fastState) Store(state ShardState) {
	s.v.Store(uint64(state))
	s.since.Store(time.Now().UnixNano())
}

func (s *fastState) TryTransition(from, to ShardState) bool {
	if s.v.CompareAndSwap(uint64(from), uint64(to)) {
		s.since.Store(time.Now().UnixNano())
		return true
	}
	return false
}

func (s *fastState) TransitionAny(validFrom []ShardState, to ShardState) bool {
	for _, from := range validFrom {
		if s.v.CompareAndSwap(uint64(from), uint64(to)) {
			s.since.Store(time.Now().UnixNano())
			return true
		}
	}
	return false
}

// Age reports how long the state machine has held its current value.
func (s *fastState) Age() time.Duration {
	return time.Since(time.Unix(0, s.since.Load()))
}

func (s *fastState) IsTerminal() bool { return s.Load() == ShardTerminated }

func (s *fastState) IsRunning() bool {
	st := s.Load()
	return st == ShardRunning || st == ShardSleeping
}

func (s *fastState) CanAcceptWork() bool {
	st := s.Load()
	return st == ShardAwake || st == ShardRunning || st == ShardSleeping
}
