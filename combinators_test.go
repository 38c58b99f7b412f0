package corert

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func immediate[T any](shard *Shard, group GroupID, val T) Future[T] {
	p, f := NewPromise[T](shard, group)
	p.SetValue(val)
	return f
}

func TestDoForEach_SequentialCounting(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	var order []int
	var mu sync.Mutex
	items := []int{0, 1, 2, 3, 4}

	fut := DoForEach(shard, DefaultGroup, items, func(i int) Future[struct{}] {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return immediate(shard, DefaultGroup, struct{}{})
	})

	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, items, order)
}

func TestDoForEach_ShortCircuitsOnError(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	wantErr := errors.New("stop at 2")
	var ran []int
	var mu sync.Mutex

	fut := DoForEach(shard, DefaultGroup, []int{0, 1, 2, 3}, func(i int) Future[struct{}] {
		mu.Lock()
		ran = append(ran, i)
		mu.Unlock()
		if i == 2 {
			p, f := NewPromise[struct{}](shard, DefaultGroup)
			p.SetError(wantErr)
			return f
		}
		return immediate(shard, DefaultGroup, struct{}{})
	})

	_, err := fut.Get(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, []int{0, 1, 2}, ran)
}

func TestParallelForEach_OverlapsAndBeatsSerialWallTime(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	const n = 5
	const work = 40 * time.Millisecond

	var active atomic.Int32
	var maxActive atomic.Int32
	start := time.Now()

	items := make([]int, n)
	fut := ParallelForEach(shard, DefaultGroup, items, func(int) Future[struct{}] {
		return RunInThreadContext(shard, DefaultGroup, context.Background(), func(ctx context.Context) (struct{}, error) {
			cur := active.Add(1)
			for {
				m := maxActive.Load()
				if cur <= m || maxActive.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(work)
			active.Add(-1)
			return struct{}{}, nil
		})
	})

	_, err := fut.Get(context.Background())
	require.NoError(t, err)

	elapsed := time.Since(start)
	assert.Less(t, elapsed, time.Duration(n)*work, "items should have overlapped, not run fully serially")
	assert.GreaterOrEqual(t, maxActive.Load(), int32(2), "expected more than one item in flight at once")
}

func TestMaxConcurrentForEach_RespectsLimit(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	const n = 10
	const limit = 3

	var active atomic.Int32
	var maxActive atomic.Int32

	items := make([]int, n)
	fut := MaxConcurrentForEach(shard, DefaultGroup, items, limit, func(int) Future[struct{}] {
		return RunInThreadContext(shard, DefaultGroup, context.Background(), func(ctx context.Context) (struct{}, error) {
			cur := active.Add(1)
			for {
				m := maxActive.Load()
				if cur <= m || maxActive.CompareAndSwap(m, cur) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return struct{}{}, nil
		})
	})

	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.LessOrEqual(t, maxActive.Load(), int32(limit))
}

func TestMaxConcurrentForEach_PropagatesFirstError(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	wantErr := errors.New("item 1 failed")
	items := []int{0, 1, 2}
	fut := MaxConcurrentForEach(shard, DefaultGroup, items, 2, func(i int) Future[struct{}] {
		if i == 1 {
			p, f := NewPromise[struct{}](shard, DefaultGroup)
			p.SetError(wantErr)
			return f
		}
		return immediate(shard, DefaultGroup, struct{}{})
	})

	_, err := fut.Get(context.Background())
	assert.ErrorIs(t, err, wantErr)
}

func TestRepeat_StopsOnTrue(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	var count int
	fut := Repeat(shard, DefaultGroup, func() Future[bool] {
		count++
		return immediate(shard, DefaultGroup, count >= 5)
	})

	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestDoUntil_ChecksConditionBeforeEachIteration(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	var count int
	fut := DoUntil(shard, DefaultGroup,
		func() bool { return count >= 3 },
		func() Future[struct{}] {
			count++
			return immediate(shard, DefaultGroup, struct{}{})
		},
	)

	_, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestRepeatUntilValue_ReturnsFirstPresentValue(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	var attempts int
	fut := RepeatUntilValue(shard, DefaultGroup, func() Future[Option[string]] {
		attempts++
		if attempts < 3 {
			return immediate(shard, DefaultGroup, None[string]())
		}
		return immediate(shard, DefaultGroup, Some("done"))
	})

	val, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", val)
	assert.Equal(t, 3, attempts)
}

func TestKeepDoing_RunsUntilError(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	wantErr := errors.New("enough")
	var count int
	fut := KeepDoing(shard, DefaultGroup, func() Future[struct{}] {
		count++
		if count >= 4 {
			p, f := NewPromise[struct{}](shard, DefaultGroup)
			p.SetError(wantErr)
			return f
		}
		return immediate(shard, DefaultGroup, struct{}{})
	})

	_, err := fut.Get(context.Background())
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 4, count)
}

type fakeFile struct {
	closed atomic.Bool
}

func (f *fakeFile) Close() error {
	f.closed.Store(true)
	return nil
}

func TestWithFile_ClosesAfterAction(t *testing.T) {
	shard, stop := newTestShard(t)
	defer stop()

	f := &fakeFile{}
	open := immediate(shard, DefaultGroup, f)

	fut := WithFile(open, func(file *fakeFile) Future[int] {
		return immediate(shard, DefaultGroup, 42)
	})

	val, err := fut.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.True(t, f.closed.Load())
}
