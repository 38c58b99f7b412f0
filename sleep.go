package corert

import (
	"sync"
	"time"
)

// SleepAbortable resolves after delay elapses on shard, or rejects with
// ErrSleepAborted if sub fires first. A nil sub subscribes to the shard's
// own shutdown signal instead of an explicit one, so the sleep fails with
// ErrSleepAborted if and when the shard begins shutting down, matching the
// documented no-source overload.
func SleepAbortable(shard *Shard, group GroupID, delay time.Duration, sub *Subscription) Future[struct{}] {
	if sub == nil {
		sub = shard.ShutdownSubscription()
	}

	p, out := NewPromise[struct{}](shard, group)

	var once sync.Once
	var timer *Timer
	settle := func(err error) {
		once.Do(func() {
			if timer != nil {
				shard.CancelTimer(timer)
			}
			if err != nil {
				p.SetError(err)
			} else {
				p.SetValue(struct{}{})
			}
		})
	}

	timer = shard.ArmTimer(time.Now().Add(delay), NewTask(group, func() {
		settle(nil)
	}))

	sub.OnAbort(func(reason any) {
		settle(ErrSleepAborted)
	})

	return out
}
