package corert

import (
	"sync"
	"sync/atomic"
	"time"
)

// QueueDepthMetrics tracks a queue depth over time: its current value, the
// maximum ever observed, and an exponential moving average (alpha=0.1),
// the same smoothing the teacher's QueueMetrics uses.
type QueueDepthMetrics struct {
	mu sync.RWMutex

	current int
	max     int
	avg     float64
	warm    bool
}

// Update records a freshly observed depth.
func (q *QueueDepthMetrics) Update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = depth
	if depth > q.max {
		q.max = depth
	}
	if !q.warm {
		q.avg = float64(depth)
		q.warm = true
	} else {
		q.avg = 0.9*q.avg + 0.1*float64(depth)
	}
}

// QueueDepthSnapshot is a point-in-time copy of QueueDepthMetrics.
type QueueDepthSnapshot struct {
	Current int
	Max     int
	Avg     float64
}

func (q *QueueDepthMetrics) snapshot() QueueDepthSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return QueueDepthSnapshot{Current: q.current, Max: q.max, Avg: q.avg}
}

// TPSCounter tracks task throughput with a rolling window of fixed-size
// buckets, ported from the teacher's TPSCounter: a ring buffer of counts,
// rotated lazily by elapsed wall-clock time rather than a background timer.
type TPSCounter struct {
	lastRotation atomic.Value // time.Time
	buckets      []int64
	bucketSize   time.Duration
	mu           sync.Mutex
}

// NewTPSCounter creates a counter covering windowSize, divided into buckets
// of bucketSize. Both must be positive, and bucketSize must not exceed
// windowSize.
func NewTPSCounter(windowSize, bucketSize time.Duration) *TPSCounter {
	if windowSize <= 0 {
		panic("corert: windowSize must be positive")
	}
	if bucketSize <= 0 {
		panic("corert: bucketSize must be positive")
	}
	if bucketSize > windowSize {
		panic("corert: bucketSize cannot exceed windowSize")
	}
	n := int(windowSize / bucketSize)
	if n < 1 {
		n = 1
	}
	t := &TPSCounter{buckets: make([]int64, n), bucketSize: bucketSize}
	t.lastRotation.Store(time.Now())
	return t
}

// Increment records one task execution.
func (t *TPSCounter) Increment() {
	t.rotate()
	t.mu.Lock()
	t.buckets[len(t.buckets)-1]++
	t.mu.Unlock()
}

func (t *TPSCounter) rotate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	last := t.lastRotation.Load().(time.Time)
	elapsed := now.Sub(last)

	advance := int64(elapsed) / int64(t.bucketSize)
	switch {
	case advance < 0:
		advance = int64(len(t.buckets))
	case advance > int64(len(t.buckets)):
		advance = int64(len(t.buckets))
	}

	if advance >= int64(len(t.buckets)) {
		for i := range t.buckets {
			t.buckets[i] = 0
		}
		t.lastRotation.Store(now)
		return
	}
	if advance == 0 {
		return
	}

	n := int(advance)
	copy(t.buckets, t.buckets[n:])
	for i := len(t.buckets) - n; i < len(t.buckets); i++ {
		t.buckets[i] = 0
	}
	t.lastRotation.Store(last.Add(time.Duration(n) * t.bucketSize))
}

// TPS returns the current tasks-per-second estimate.
func (t *TPSCounter) TPS() float64 {
	t.rotate()
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, c := range t.buckets {
		sum += c
	}
	if sum == 0 {
		return 0
	}
	duration := float64(len(t.buckets)) * t.bucketSize.Seconds()
	return float64(sum) / duration
}

// runtimeMetrics holds the metrics every Shard updates each tick of its run
// loop.
type runtimeMetrics struct {
	tps       *TPSCounter
	ready     QueueDepthMetrics
	microtask QueueDepthMetrics
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{tps: NewTPSCounter(10*time.Second, 100*time.Millisecond)}
}

// GroupSnapshot is a point-in-time copy of one scheduling group's counters.
type GroupSnapshot struct {
	Group      GroupID
	TasksRun   uint64
	TimeRun    time.Duration
	QueueDepth int
	// Enqueued is the lifetime count of tasks ever pushed onto this group's
	// queue, including ones already run or still pending — unlike
	// QueueDepth, it never decreases.
	Enqueued uint64
}

// ShardMetricsSnapshot is a point-in-time copy of a Shard's runtime metrics.
type ShardMetricsSnapshot struct {
	TPS       float64
	Ready     QueueDepthSnapshot
	Microtask QueueDepthSnapshot
	Groups    []GroupSnapshot
	// StateAge is how long the shard has held its current ShardState,
	// e.g. distinguishing a shard legitimately parked with no work from one
	// wedged mid-task or stuck draining a scheduling group on shutdown.
	StateAge time.Duration
}

// Metrics returns a snapshot of the shard's current runtime statistics:
// task throughput, ready/microtask queue depth, and per-scheduling-group
// counters. Safe to call from any goroutine.
func (s *Shard) Metrics() ShardMetricsSnapshot {
	s.groups.mu.Lock()
	ids := make([]GroupID, len(s.groups.order))
	copy(ids, s.groups.order)
	groups := make([]GroupSnapshot, 0, len(ids))
	for _, id := range ids {
		grp := s.groups.groups[id]
		groups = append(groups, GroupSnapshot{
			Group:      id,
			TasksRun:   grp.tasksRun.Load(),
			TimeRun:    time.Duration(grp.timeRunNs.Load()),
			QueueDepth: grp.queue.Length(),
			Enqueued:   grp.queue.Pushed(),
		})
	}
	s.groups.mu.Unlock()

	return ShardMetricsSnapshot{
		TPS:       s.metrics.tps.TPS(),
		Ready:     s.metrics.ready.snapshot(),
		Microtask: s.metrics.microtask.snapshot(),
		Groups:    groups,
		StateAge:  s.state.Age(),
	}
}
