package corert

import (
	"sync"
	"time"
)

// Subscription is a live view onto an AbortSource: it reports whether the
// source has fired, and lets callers register a one-shot callback for when
// it does.
type Subscription struct {
	mu       sync.RWMutex
	aborted  bool
	reason   any
	handlers []func(reason any)
}

func newSubscription() *Subscription {
	return &Subscription{}
}

// Aborted reports whether the source has fired.
func (s *Subscription) Aborted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aborted
}

// Reason returns the value AbortSource.Abort was called with, or nil if not
// yet aborted.
func (s *Subscription) Reason() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reason
}

// OnAbort registers handler to run once the source fires, with the abort
// reason. If the source has already fired, handler runs immediately
// (synchronously, on the calling goroutine). Handlers run in registration
// order.
func (s *Subscription) OnAbort(handler func(reason any)) {
	if handler == nil {
		return
	}
	s.mu.Lock()
	if s.aborted {
		reason := s.reason
		s.mu.Unlock()
		handler(reason)
		return
	}
	s.handlers = append(s.handlers, handler)
	s.mu.Unlock()
}

// ThrowIfAborted returns a *CanceledError if the source has fired, else nil.
func (s *Subscription) ThrowIfAborted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.aborted {
		return &CanceledError{Reason: s.reason}
	}
	return nil
}

func (s *Subscription) abort(reason any) {
	s.mu.Lock()
	if s.aborted {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.reason = reason
	handlers := make([]func(reason any), len(s.handlers))
	copy(handlers, s.handlers)
	s.handlers = nil
	s.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

// AbortSource is a one-shot cancellation signal: once fired, it stays fired,
// and every Subscription observes the same reason. Firing it more than once
// has no additional effect.
type AbortSource struct {
	sub *Subscription
}

// NewAbortSource creates an unfired AbortSource.
func NewAbortSource() *AbortSource {
	return &AbortSource{sub: newSubscription()}
}

// Subscription returns the source's Subscription view, safe to hand to
// whatever combinator or future needs to observe cancellation.
func (a *AbortSource) Subscription() *Subscription { return a.sub }

// Abort fires the source with reason, or with a default *CanceledError if
// reason is nil. Safe to call from any goroutine; idempotent.
func (a *AbortSource) Abort(reason any) {
	if reason == nil {
		reason = &CanceledError{Reason: "aborted"}
	}
	a.sub.abort(reason)
}

// CanceledError is the error an aborted operation settles with.
type CanceledError struct {
	Reason any
}

func (e *CanceledError) Error() string {
	switch r := e.Reason.(type) {
	case nil:
		return "corert: operation canceled"
	case string:
		return "corert: operation canceled: " + r
	case error:
		return "corert: operation canceled: " + r.Error()
	default:
		return "corert: operation canceled"
	}
}

func (e *CanceledError) Is(target error) bool {
	_, ok := target.(*CanceledError)
	return ok
}

func (e *CanceledError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

// AbortAfter arms an AbortSource to fire automatically once delay elapses on
// shard, unless aborted sooner. The returned *Timer can be used to cancel
// the timeout (e.g. once the guarded operation completes) via
// shard.CancelTimer.
func AbortAfter(shard *Shard, delay time.Duration) (*AbortSource, *Timer) {
	src := NewAbortSource()
	timer := shard.ArmTimer(time.Now().Add(delay), NewTask(DefaultGroup, func() {
		src.Abort(&TimeoutError{Message: "corert: abort-after deadline elapsed"})
	}))
	return src, timer
}

// AbortAny returns a Subscription that fires as soon as any one of subs
// fires, carrying that subscription's reason. An empty subs never fires.
func AbortAny(subs []*Subscription) *Subscription {
	composite := newSubscription()
	if len(subs) == 0 {
		return composite
	}

	for _, s := range subs {
		if s != nil && s.Aborted() {
			composite.abort(s.Reason())
			return composite
		}
	}

	var once sync.Once
	for _, s := range subs {
		if s == nil {
			continue
		}
		s.OnAbort(func(reason any) {
			once.Do(func() { composite.abort(reason) })
		})
	}
	return composite
}
