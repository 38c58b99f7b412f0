package corert

import "sync"

// Gate tracks a count of in-flight operations and lets a shutdown path wait
// for them to finish before tearing down shared state, without blocking new
// callers from finding out closing is already underway. It generalizes the
// teacher's AbortSignal registration-list bookkeeping (abort.go) into a
// countdown-on-close rather than a fire-once signal.
type Gate struct {
	shard *Shard
	group GroupID

	mu      sync.Mutex
	count   int
	closed  bool
	waiters []func()
}

// NewGate creates an open Gate whose Close future will be scheduled on
// shard under group.
func NewGate(shard *Shard, group GroupID) *Gate {
	return &Gate{shard: shard, group: group}
}

// Enter registers one in-flight operation. Returns ErrGateClosed if the
// gate has already started closing; the caller must not proceed with the
// guarded operation in that case.
func (g *Gate) Enter() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGateClosed
	}
	g.count++
	return nil
}

// Leave marks one Enter'd operation as finished. Panics if called more
// times than Enter succeeded, which is always a caller bug.
func (g *Gate) Leave() {
	g.mu.Lock()
	g.count--
	if g.count < 0 {
		g.mu.Unlock()
		panic("corert: Gate.Leave called without a matching Enter")
	}
	var waiters []func()
	if g.closed && g.count == 0 {
		waiters = g.waiters
		g.waiters = nil
	}
	g.mu.Unlock()

	for _, w := range waiters {
		w()
	}
}

// IsClosed reports whether Close has been called.
func (g *Gate) IsClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// Count returns the number of operations currently between Enter and Leave.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Close stops the gate from accepting new Enter calls and returns a Future
// that resolves once every already-entered operation has Left. Calling
// Close more than once returns a fresh future tracking the same drain.
func (g *Gate) Close() Future[struct{}] {
	p, out := NewPromise[struct{}](g.shard, g.group)

	g.mu.Lock()
	g.closed = true
	if g.count == 0 {
		g.mu.Unlock()
		p.SetValue(struct{}{})
		return out
	}
	g.waiters = append(g.waiters, func() { p.SetValue(struct{}{}) })
	g.mu.Unlock()

	return out
}

// WithGate runs fn as an Enter'd operation, Leave'ing only once fn's
// returned future actually settles — which may be well after WithGate
// itself returns, if fn suspends across a timer, lock, or sleep. This is
// what lets Gate track real outstanding asynchronous work rather than just
// the synchronous call that launched it. Returns a future that rejects
// immediately with ErrGateClosed, without ever calling fn, if the gate is
// already closing.
func WithGate[R any](g *Gate, fn func() Future[R]) Future[R] {
	if err := g.Enter(); err != nil {
		p, out := NewPromise[R](g.shard, g.group)
		p.SetError(err)
		return out
	}
	return Finally(fn(), g.Leave)
}
