package corert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSemaphore_GrantsUpToAvailableUnits(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	sem := NewSemaphore(shard, DefaultGroup, 2)

	_, err := sem.Acquire(2).Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = sem.Acquire(1).Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "third unit must block until released")

	sem.Release(2)
}

func TestSemaphore_AcquireTimeoutRejectsWhenStarved(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	sem := NewSemaphore(shard, DefaultGroup, 1)
	_, err := sem.Acquire(1).Get(context.Background())
	require.NoError(t, err)

	_, err = sem.AcquireTimeout(1, 30*time.Millisecond).Get(context.Background())
	assert.ErrorIs(t, err, ErrSemaphoreTimedOut)
}

func TestSemaphore_ReleaseWakesFIFOWaiters(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	sem := NewSemaphore(shard, DefaultGroup, 1)
	_, err := sem.Acquire(1).Get(context.Background())
	require.NoError(t, err)

	var order []int
	firstDone := make(chan struct{})
	secondDone := make(chan struct{})

	first := sem.Acquire(1)
	second := sem.Acquire(1)

	attach(first, func(_ struct{}, err error) {
		order = append(order, 1)
		close(firstDone)
	})
	attach(second, func(_ struct{}, err error) {
		order = append(order, 2)
		close(secondDone)
	})

	sem.Release(1)
	<-firstDone
	sem.Release(1)
	<-secondDone

	assert.Equal(t, []int{1, 2}, order)
}

func TestSemaphore_BreakRejectsQueuedWaiters(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	sem := NewSemaphore(shard, DefaultGroup, 1)
	_, err := sem.Acquire(1).Get(context.Background())
	require.NoError(t, err)

	waiting := sem.Acquire(1)
	sem.Break()

	_, err = waiting.Get(context.Background())
	assert.ErrorIs(t, err, ErrSemaphoreBroken)

	_, err = sem.Acquire(1).Get(context.Background())
	assert.ErrorIs(t, err, ErrSemaphoreBroken, "a broken semaphore must fail every subsequent acquire immediately")
}
