package corert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSleepAbortable_ResolvesAfterDelay(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	start := time.Now()
	fut := SleepAbortable(shard, DefaultGroup, 30*time.Millisecond, nil)

	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestSleepAbortable_AbortedBeforeDeadline(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	src := NewAbortSource()
	fut := SleepAbortable(shard, DefaultGroup, time.Hour, src.Subscription())

	time.AfterFunc(30*time.Millisecond, func() { src.Abort(nil) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fut.Get(ctx)
	assert.ErrorIs(t, err, ErrSleepAborted)
}

func TestSleepAbortable_NilSourceAbortsOnShardShutdown(t *testing.T) {
	shard, err := NewShard()
	require.NoError(t, err)

	ctx := context.Background()
	runDone := make(chan error, 1)
	go func() { runDone <- shard.Run(ctx) }()

	fut := SleepAbortable(shard, DefaultGroup, time.Hour, nil)

	require.NoError(t, shard.Shutdown(context.Background()))
	<-runDone

	_, err = fut.Get(context.Background())
	assert.ErrorIs(t, err, ErrSleepAborted)
}

func TestSleepAbortable_AbortAtApproximatelyDeadline(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	src := NewAbortSource()
	fut := SleepAbortable(shard, DefaultGroup, 100*time.Millisecond, src.Subscription())

	time.AfterFunc(100*time.Millisecond, func() { src.Abort(nil) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := fut.Get(ctx)
	// Whichever fires first wins; both outcomes are valid at this race window.
	if err != nil {
		assert.ErrorIs(t, err, ErrSleepAborted)
	}
}
