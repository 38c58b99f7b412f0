package corert

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortSource_FiresSubscribers(t *testing.T) {
	src := NewAbortSource()
	sub := src.Subscription()

	var got any
	done := make(chan struct{})
	sub.OnAbort(func(reason any) {
		got = reason
		close(done)
	})

	src.Abort("shutting down")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
	assert.Equal(t, "shutting down", got)
	assert.True(t, sub.Aborted())
}

func TestAbortSource_IdempotentFire(t *testing.T) {
	src := NewAbortSource()
	sub := src.Subscription()

	var calls int
	sub.OnAbort(func(any) { calls++ })

	src.Abort("first")
	src.Abort("second")

	assert.Equal(t, 1, calls)
	assert.Equal(t, "first", sub.Reason())
}

func TestSubscription_OnAbortAfterFireRunsImmediately(t *testing.T) {
	src := NewAbortSource()
	src.Abort("already gone")

	var got any
	src.Subscription().OnAbort(func(reason any) { got = reason })
	assert.Equal(t, "already gone", got)
}

func TestSubscription_ThrowIfAborted(t *testing.T) {
	src := NewAbortSource()
	sub := src.Subscription()

	assert.NoError(t, sub.ThrowIfAborted())

	src.Abort(nil)
	err := sub.ThrowIfAborted()
	var canceled *CanceledError
	require.ErrorAs(t, err, &canceled)
}

func TestAbortAny_FiresOnFirstOfMany(t *testing.T) {
	src1 := NewAbortSource()
	src2 := NewAbortSource()

	composite := AbortAny([]*Subscription{src1.Subscription(), src2.Subscription()})

	done := make(chan any, 1)
	composite.OnAbort(func(reason any) { done <- reason })

	src2.Abort("second source fired")

	select {
	case reason := <-done:
		assert.Equal(t, "second source fired", reason)
	case <-time.After(time.Second):
		t.Fatal("composite never fired")
	}
	assert.True(t, src1.Subscription().Aborted() == false)
}

func TestAbortAfter_FiresTimeoutError(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	src, _ := AbortAfter(shard, 20*time.Millisecond)

	done := make(chan any, 1)
	src.Subscription().OnAbort(func(reason any) { done <- reason })

	select {
	case reason := <-done:
		var te *TimeoutError
		require.True(t, errors.As(reason.(error), &te))
	case <-time.After(time.Second):
		t.Fatal("abort-after never fired")
	}
}

func TestAbortAfter_CanceledBeforeDeadline(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	src, timer := AbortAfter(shard, time.Hour)
	shard.CancelTimer(timer)

	assert.False(t, src.Subscription().Aborted())
}
