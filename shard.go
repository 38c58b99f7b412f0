package corert

import (
	"container/heap"
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
)

var shardIDCounter atomic.Uint64

// Shard is the cooperative, single-goroutine-per-shard Executor: an owning
// run loop over a deficit-round-robin set of scheduling-group ready queues,
// a microtask queue, and a timer heap. Each pass moves due timers onto the
// ready queues, runs one ready task, then drains the microtask queue.
// Everything that touches Shard-private state does so either from the
// shard's own run-loop goroutine, or through Schedule/ArmTimer, which are
// safe to call from any goroutine.
type Shard struct {
	id    uint64
	state *fastState

	groups *groupedIngress

	externalMu    sync.Mutex
	externalQueue []Task

	microtasksMu sync.Mutex
	microtasks   []Task

	timers   timerHeap
	timersMu sync.Mutex

	wake     chan struct{}
	loopGID  atomic.Uint64
	done     chan struct{}
	runOnce  sync.Once

	strictMicrotaskOrdering bool
	debugMode               bool
	logger                  *logiface.Logger[*shardEvent]

	registry *registry
	metrics  *runtimeMetrics
	shutdown *AbortSource

	tickCount atomic.Uint64
}

// NewShard constructs a Shard in the Awake state. It does not start running
// until Run is called.
func NewShard(opts ...ShardOption) (*Shard, error) {
	cfg, err := resolveShardOptions(opts)
	if err != nil {
		return nil, err
	}

	s := &Shard{
		id:                      shardIDCounter.Add(1),
		state:                   newFastState(),
		groups:                  newGroupedIngress(cfg.defaultShares),
		wake:                    make(chan struct{}, 1),
		done:                    make(chan struct{}),
		strictMicrotaskOrdering: cfg.strictMicrotaskOrdering,
		debugMode:               cfg.debugMode,
		logger:                  cfg.logger,
		registry:                newRegistry(),
		metrics:                 newRuntimeMetrics(),
		shutdown:                NewAbortSource(),
	}
	for _, spec := range cfg.extraGroups {
		if _, err := s.groups.createGroup(spec.name, spec.shares); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ShutdownSubscription returns a Subscription that fires once the shard
// begins shutting down (Shutdown is called, or the context passed to Run is
// canceled). Used internally by SleepAbortable's no-source overload, and
// available to any caller that wants to race its own work against shard
// teardown.
func (s *Shard) ShutdownSubscription() *Subscription { return s.shutdown.Subscription() }

// ID returns the shard's stable identifier.
func (s *Shard) ID() uint64 { return s.id }

// State returns the shard's current lifecycle state.
func (s *Shard) State() ShardState { return s.state.Load() }

// CreateSchedulingGroup allocates a new scheduling group with the given
// name and share weight, relative to every other group on this shard. Fails
// if name is empty or the shard's fixed-size group table (16 entries,
// including the default group) is already full. Safe to call from any
// goroutine.
func (s *Shard) CreateSchedulingGroup(name string, shares uint32) (GroupID, error) {
	return s.groups.createGroup(name, shares)
}

// DestroySchedulingGroup quiesces a previously created scheduling group —
// tasks already queued in it keep running to completion, and no further
// tasks are routed to it — then frees its index once it has fully drained.
// The returned future resolves once destruction completes. The default
// group can never be destroyed.
func (s *Shard) DestroySchedulingGroup(id GroupID) Future[struct{}] {
	p, out := NewPromise[struct{}](s, DefaultGroup)

	if _, err := s.groups.beginDrain(id); err != nil {
		p.SetError(err)
		return out
	}

	var step func()
	step = func() {
		quiesced, exists := s.groups.quiesced(id)
		if !exists {
			p.SetError(&RangeError{Message: "corert: unknown scheduling group"})
			return
		}
		if !quiesced {
			_ = s.Schedule(NewTask(DefaultGroup, step))
			return
		}
		if err := s.groups.destroyGroup(id); err != nil {
			p.SetError(err)
			return
		}
		p.SetValue(struct{}{})
	}
	// The first check runs as a task on the shard rather than inline, so a
	// task the caller scheduled for this group just before this call has
	// reached the ready queues (rerouted to the default group, ahead of this
	// check, if it was still waiting in the external queue) before
	// quiescence is judged.
	if err := s.Schedule(NewTask(DefaultGroup, step)); err != nil {
		p.SetError(err)
	}
	return out
}

// WithSchedulingGroup returns a Task that runs fn under the given group,
// for use with Schedule.
func WithSchedulingGroup(group GroupID, fn func()) Task {
	return NewTask(group, fn)
}

// Schedule enqueues task for execution, waking the shard's run loop if it
// is parked. Safe to call from any goroutine, including the shard's own.
func (s *Shard) Schedule(task Task) error {
	if !s.state.CanAcceptWork() {
		return ErrShardStopped
	}
	if s.isShardThread() {
		s.groups.push(task)
		return nil
	}
	s.externalMu.Lock()
	s.externalQueue = append(s.externalQueue, task)
	s.externalMu.Unlock()
	s.notifyWake()
	return nil
}

// scheduleMicrotask enqueues a continuation to run before the next regular
// task, matching Promise/A+ microtask-before-macrotask ordering. Safe to
// call from any goroutine; wakes the run loop if it is parked.
func (s *Shard) scheduleMicrotask(task Task) {
	s.microtasksMu.Lock()
	s.microtasks = append(s.microtasks, task)
	s.microtasksMu.Unlock()
	s.notifyWake()
}

func (s *Shard) notifyWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// NeedPreempt reports whether the current task should yield control back to
// the run loop at its next opportunity (e.g. inside a long-running
// combinator like KeepDoing or DoForEach), because external work has
// arrived since the current task began running.
func (s *Shard) NeedPreempt() bool {
	s.externalMu.Lock()
	pending := len(s.externalQueue) > 0
	s.externalMu.Unlock()
	return pending
}

// CurrentShardID returns the ID of the shard whose run loop the calling
// goroutine is executing on, and whether the calling goroutine is in fact a
// shard's run-loop goroutine.
func CurrentShardID() (uint64, bool) {
	shardRegistryMu.RLock()
	defer shardRegistryMu.RUnlock()
	if s, ok := shardRegistry[getGoroutineID()]; ok {
		return s.id, true
	}
	return 0, false
}

var (
	shardRegistryMu sync.RWMutex
	shardRegistry   = make(map[uint64]*Shard)
)

func (s *Shard) isShardThread() bool {
	loopID := s.loopGID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID extracts the calling goroutine's numeric ID from the
// runtime stack trace header. There is no supported API for this; it is
// used only for the cooperative "am I on the shard thread" assertion, never
// for correctness-critical scheduling decisions.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// Run drives the shard's cooperative scheduling loop until ctx is canceled
// or Shutdown is called. It must not be called re-entrantly, and must not be
// called more than once successfully.
func (s *Shard) Run(ctx context.Context) error {
	if !s.state.TryTransition(ShardAwake, ShardRunning) {
		return ErrReentrantRun
	}

	gid := getGoroutineID()
	s.loopGID.Store(gid)
	shardRegistryMu.Lock()
	shardRegistry[gid] = s
	shardRegistryMu.Unlock()
	defer func() {
		shardRegistryMu.Lock()
		delete(shardRegistry, gid)
		shardRegistryMu.Unlock()
		s.state.Store(ShardTerminated)
		s.registry.RejectAll(ErrShardStopped)
		close(s.done)
	}()

	ctxDone := ctx.Done()
	go func() {
		select {
		case <-ctxDone:
			s.beginShutdown()
		case <-s.done:
		}
	}()

	for {
		s.drainExternal()
		s.fireDueTimers()

		s.metrics.ready.Update(s.groups.length())

		task, grp, ok := s.groups.selectNext()
		if ok {
			s.runTask(task, grp)
			s.metrics.tps.Increment()
			s.drainMicrotasks()
			s.tickCount.Add(1)
			s.registry.Scavenge(64)
			continue
		}

		s.drainMicrotasks()

		if s.state.Load() == ShardTerminating && s.groups.length() == 0 {
			return nil
		}

		if !s.park(ctxDone) {
			return nil
		}
	}
}

// park blocks the run loop until new work arrives, a timer becomes due, or
// the shard is asked to stop. Returns false if the shard has finished
// terminating while parked.
func (s *Shard) park(ctxDone <-chan struct{}) bool {
	s.state.TryTransition(ShardRunning, ShardSleeping)
	defer s.state.TryTransition(ShardSleeping, ShardRunning)

	delay := s.nextTimerDelay()
	if delay <= 0 {
		return true
	}

	var timerC <-chan time.Time
	if delay > 0 && delay < time.Duration(1<<62) {
		t := time.NewTimer(delay)
		defer t.Stop()
		timerC = t.C
	}

	select {
	case <-s.wake:
	case <-timerC:
	case <-ctxDone:
	}
	return s.state.Load() != ShardTerminated
}

func (s *Shard) drainExternal() {
	s.externalMu.Lock()
	if len(s.externalQueue) == 0 {
		s.externalMu.Unlock()
		return
	}
	pending := s.externalQueue
	s.externalQueue = nil
	s.externalMu.Unlock()

	for _, t := range pending {
		s.groups.push(t)
	}
}

func (s *Shard) drainMicrotasks() {
	for {
		s.microtasksMu.Lock()
		if len(s.microtasks) == 0 {
			s.microtasksMu.Unlock()
			return
		}
		pending := s.microtasks
		s.microtasks = nil
		s.microtasksMu.Unlock()

		s.metrics.microtask.Update(len(pending))
		for _, t := range pending {
			s.runTaskBare(t)
		}
	}
}

func (s *Shard) runTask(task Task, grp *scheduleGroup) {
	if grp != nil {
		grp.running.Store(true)
	}
	start := time.Now()
	s.runTaskBare(task)
	if grp != nil {
		grp.running.Store(false)
		grp.tasksRun.Add(1)
		grp.timeRunNs.Add(uint64(time.Since(start)))
	}
}

func (s *Shard) runTaskBare(task Task) {
	defer func() {
		if r := recover(); r != nil {
			reportUnhandledException(s.logger, &PanicError{Value: r})
		}
	}()
	task.RunAndDispose()
}

// Shutdown requests the shard stop accepting new work and exit its run loop
// once drained, returning once Run has returned or ctx is canceled first.
func (s *Shard) Shutdown(ctx context.Context) error {
	s.beginShutdown()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Shard) beginShutdown() {
	for {
		cur := s.state.Load()
		if cur == ShardTerminated || cur == ShardTerminating {
			return
		}
		if s.state.TryTransition(cur, ShardTerminating) {
			s.shutdown.Abort(&CanceledError{Reason: "shard shutdown"})
			s.notifyWake()
			return
		}
	}
}

// WaitForStop blocks until the shard's run loop has fully exited.
func (s *Shard) WaitForStop() {
	<-s.done
}

// --- timers ---

type shardTimer struct {
	when  time.Time
	task  Task
	index int
	armed bool
}

type timerHeap []*shardTimer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*shardTimer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Timer is a handle returned by ArmTimer, usable with CancelTimer.
type Timer struct {
	shard *Shard
	t     *shardTimer
}

// ArmTimer schedules task to run (via the shard's regular ready queue, under
// task's own scheduling group) no earlier than when. Safe to call from any
// goroutine.
func (s *Shard) ArmTimer(when time.Time, task Task) *Timer {
	t := &shardTimer{when: when, task: task, armed: true}
	s.timersMu.Lock()
	heap.Push(&s.timers, t)
	s.timersMu.Unlock()
	s.notifyWake()
	return &Timer{shard: s, t: t}
}

// CancelTimer cancels a pending timer. Returns false if the timer had
// already fired or been canceled.
func (s *Shard) CancelTimer(timer *Timer) bool {
	if timer == nil || timer.t == nil {
		return false
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if !timer.t.armed {
		return false
	}
	timer.t.armed = false
	if timer.t.index >= 0 && timer.t.index < len(s.timers) && s.timers[timer.t.index] == timer.t {
		heap.Remove(&s.timers, timer.t.index)
	}
	return true
}

func (s *Shard) fireDueTimers() {
	now := time.Now()
	s.timersMu.Lock()
	var due []*shardTimer
	for len(s.timers) > 0 && !s.timers[0].when.After(now) {
		t := heap.Pop(&s.timers).(*shardTimer)
		if t.armed {
			t.armed = false
			due = append(due, t)
		}
	}
	s.timersMu.Unlock()

	for _, t := range due {
		s.groups.push(t.task)
	}
}

func (s *Shard) nextTimerDelay() time.Duration {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if len(s.timers) == 0 {
		return time.Duration(1<<63 - 1)
	}
	d := time.Until(s.timers[0].when)
	if d < 0 {
		return 0
	}
	return d
}
