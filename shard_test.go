package corert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShard_RunThenShutdown(t *testing.T) {
	shard, err := NewShard()
	require.NoError(t, err)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- shard.Run(ctx) }()

	require.NoError(t, shard.Shutdown(context.Background()))

	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after Shutdown")
	}
	assert.Equal(t, ShardTerminated, shard.State())
}

func TestShard_ReentrantRunRejected(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	err := shard.Run(context.Background())
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestShard_ScheduleAfterStopFails(t *testing.T) {
	shard, stop := newTestShard(t)
	stop()

	err := shard.Schedule(NewTask(DefaultGroup, func() {}))
	assert.ErrorIs(t, err, ErrShardStopped)
}

func TestShard_ArmTimerRunsTaskAtDeadline(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	start := time.Now()
	ran := make(chan time.Time, 1)
	shard.ArmTimer(time.Now().Add(30*time.Millisecond), NewTask(DefaultGroup, func() {
		ran <- time.Now()
	}))

	select {
	case at := <-ran:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestShard_CancelTimerPreventsFiring(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	ran := make(chan struct{}, 1)
	timer := shard.ArmTimer(time.Now().Add(50*time.Millisecond), NewTask(DefaultGroup, func() {
		ran <- struct{}{}
	}))

	assert.True(t, shard.CancelTimer(timer))
	assert.False(t, shard.CancelTimer(timer), "second cancel must report already-canceled")

	select {
	case <-ran:
		t.Fatal("canceled timer fired anyway")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShard_MetricsReflectExecutedTasks(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	done := make(chan struct{})
	require.NoError(t, shard.Schedule(NewTask(DefaultGroup, func() { close(done) })))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	// Allow a tick for metrics bookkeeping to catch up.
	time.Sleep(10 * time.Millisecond)

	snap := shard.Metrics()
	require.Len(t, snap.Groups, 1)
	assert.GreaterOrEqual(t, snap.Groups[0].TasksRun, uint64(1))
	assert.GreaterOrEqual(t, snap.Groups[0].Enqueued, uint64(1))
	assert.GreaterOrEqual(t, snap.StateAge, time.Duration(0))
}

func TestShard_ShutdownRejectsPendingFutures(t *testing.T) {
	shard, err := NewShard()
	require.NoError(t, err)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- shard.Run(ctx) }()

	_, fut := NewPromise[int](shard, DefaultGroup)

	require.NoError(t, shard.Shutdown(context.Background()))
	<-runDone

	_, getErr := fut.Get(context.Background())
	assert.ErrorIs(t, getErr, ErrShardStopped)
}

func TestCurrentShardID_ReportsOwningShardOnLoopGoroutine(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	idCh := make(chan uint64, 1)
	okCh := make(chan bool, 1)
	require.NoError(t, shard.Schedule(NewTask(DefaultGroup, func() {
		id, ok := CurrentShardID()
		idCh <- id
		okCh <- ok
	})))

	select {
	case id := <-idCh:
		assert.Equal(t, shard.ID(), id)
		assert.True(t, <-okCh)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}

	_, ok := CurrentShardID()
	assert.False(t, ok, "calling goroutine is not a shard run loop")
}
